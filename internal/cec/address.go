// Package cec holds the HDMI-CEC packet model: logical addresses, opcodes,
// the single-byte header framing and the error taxonomy shared by the bus
// components.
package cec

import (
	"fmt"
	"strconv"
)

// LogicalAddress identifies a device on the CEC bus (0-15).
type LogicalAddress uint8

const (
	AddrTV               LogicalAddress = 0
	AddrRecordingDevice1 LogicalAddress = 1
	AddrRecordingDevice2 LogicalAddress = 2
	AddrTuner1           LogicalAddress = 3
	AddrPlaybackDevice1  LogicalAddress = 4
	AddrAudioSystem      LogicalAddress = 5
	AddrTuner2           LogicalAddress = 6
	AddrTuner3           LogicalAddress = 7
	AddrPlaybackDevice2  LogicalAddress = 8
	AddrRecordingDevice3 LogicalAddress = 9
	AddrTuner4           LogicalAddress = 10
	AddrPlaybackDevice3  LogicalAddress = 11
	AddrReserved1        LogicalAddress = 12
	AddrReserved2        LogicalAddress = 13
	AddrFreeUse          LogicalAddress = 14

	// AddrBroadcast is the destination every device listens on. As a source
	// it means the sender has no registered address.
	AddrBroadcast LogicalAddress = 15
	// AddrUnregistered is AddrBroadcast seen from the initiator side.
	AddrUnregistered = AddrBroadcast
)

var addressNames = [16]string{
	"TV",
	"Recording 1",
	"Recording 2",
	"Tuner 1",
	"Playback 1",
	"Audio System",
	"Tuner 2",
	"Tuner 3",
	"Playback 2",
	"Recording 3",
	"Tuner 4",
	"Playback 3",
	"Reserved 12",
	"Reserved 13",
	"Free Use",
	"Broadcast",
}

// Valid reports whether a fits in the 4-bit address nibble.
func (a LogicalAddress) Valid() bool { return a <= AddrBroadcast }

// IsBroadcast reports whether a is the broadcast address.
func (a LogicalAddress) IsBroadcast() bool { return a == AddrBroadcast }

func (a LogicalAddress) String() string {
	if !a.Valid() {
		return "invalid(" + strconv.Itoa(int(a)) + ")"
	}
	return addressNames[a]
}

// ParseLogicalAddress converts an integer taken from configuration or an API
// request into a LogicalAddress.
func ParseLogicalAddress(v int) (LogicalAddress, error) {
	if v < 0 || v > int(AddrBroadcast) {
		return 0, &ValidationError{Field: "address", Value: v, Reason: "must be between 0 and 15"}
	}
	return LogicalAddress(v), nil
}

// DeviceType is the CEC primary device type reported in
// <Report Physical Address>.
type DeviceType uint8

const (
	DeviceTV             DeviceType = 0
	DeviceRecording      DeviceType = 1
	DeviceReserved       DeviceType = 2
	DeviceTuner          DeviceType = 3
	DevicePlayback       DeviceType = 4
	DeviceAudioSystem    DeviceType = 5
	DevicePureCECSwitch  DeviceType = 6
	DeviceVideoProcessor DeviceType = 7
)

const deviceTypeNameUnknown = "unknown"

var deviceTypeNames = map[DeviceType]string{
	DeviceTV:             "tv",
	DeviceRecording:      "recording",
	DeviceReserved:       "reserved",
	DeviceTuner:          "tuner",
	DevicePlayback:       "playback",
	DeviceAudioSystem:    "audio_system",
	DevicePureCECSwitch:  "switch",
	DeviceVideoProcessor: "video_processor",
}

func (t DeviceType) String() string {
	if name, ok := deviceTypeNames[t]; ok {
		return name
	}
	return deviceTypeNameUnknown
}

// ParseDeviceType accepts the names printed by DeviceType.String.
func ParseDeviceType(s string) (DeviceType, error) {
	for t, name := range deviceTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, &ValidationError{Field: "device_type", Value: s, Reason: "unknown device type"}
}

// CandidateAddresses lists the logical addresses a device of type t may
// claim, in the order they should be polled. The unregistered address is
// the implicit fallback and is not part of the list.
func (t DeviceType) CandidateAddresses() []LogicalAddress {
	switch t {
	case DeviceTV:
		return []LogicalAddress{AddrTV, AddrFreeUse}
	case DeviceRecording:
		return []LogicalAddress{AddrRecordingDevice1, AddrRecordingDevice2, AddrRecordingDevice3}
	case DevicePlayback:
		return []LogicalAddress{AddrPlaybackDevice1, AddrPlaybackDevice2, AddrPlaybackDevice3}
	case DeviceTuner:
		return []LogicalAddress{AddrTuner1, AddrTuner2, AddrTuner3, AddrTuner4}
	case DeviceAudioSystem:
		return []LogicalAddress{AddrAudioSystem}
	default:
		return nil
	}
}

// PhysicalAddress is the HDMI topology address, printed as a.b.c.d.
type PhysicalAddress uint16

func (p PhysicalAddress) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", p>>12&0xf, p>>8&0xf, p>>4&0xf, p&0xf)
}

// Bytes returns the big-endian operand encoding.
func (p PhysicalAddress) Bytes() [2]byte { return [2]byte{byte(p >> 8), byte(p)} }

// ParsePhysicalAddress parses the dotted a.b.c.d notation.
func ParsePhysicalAddress(s string) (PhysicalAddress, error) {
	var a, b, c, d int
	if _, err := fmt.Sscanf(s, "%d.%d.%d.%d", &a, &b, &c, &d); err != nil {
		return 0, &ValidationError{Field: "physical_address", Value: s, Reason: "expected a.b.c.d"}
	}
	for _, n := range []int{a, b, c, d} {
		if n < 0 || n > 0xf {
			return 0, &ValidationError{Field: "physical_address", Value: s, Reason: "each component must be 0-15"}
		}
	}
	return PhysicalAddress(a<<12 | b<<8 | c<<4 | d), nil
}
