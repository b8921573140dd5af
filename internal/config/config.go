// Package config loads the bridge's startup configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/hdmi-cec/internal/arbitration"
	"github.com/banshee-data/hdmi-cec/internal/cec"
	"github.com/banshee-data/hdmi-cec/internal/transport"
)

// DefaultConfigPath is where cec-bridge looks when --config is not given.
const DefaultConfigPath = "config/cec-bridge.yaml"

const (
	maxFileSize = 1 * 1024 * 1024 // 1MB
	// maxOSDNameLength is the longest name <Set OSD Name> can carry.
	maxOSDNameLength = 14
)

// DefaultAddress is claimed when neither addresses nor device_type is set.
const DefaultAddress = cec.AddrPlaybackDevice1

// Config is the root of the configuration file.
type Config struct {
	Addresses       []int                 `yaml:"addresses"`
	DeviceType      string                `yaml:"device_type"`
	PhysicalAddress string                `yaml:"physical_address"`
	Promiscuous     *bool                 `yaml:"promiscuous"`
	MonitorMode     bool                  `yaml:"monitor_mode"`
	OSDName         string                `yaml:"osd_name"`
	Port            transport.PortOptions `yaml:"port"`
	Arbitration     ArbitrationConfig     `yaml:"arbitration"`
	OnPacket        []ListenerConfig      `yaml:"on_packet"`
	Actions         map[string]SendConfig `yaml:"actions"`
}

// ArbitrationConfig overrides the bus timing defaults. Zero means default.
type ArbitrationConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BitPeriod   time.Duration `yaml:"bit_period"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	AckTimeout  time.Duration `yaml:"ack_timeout"`
}

// ListenerConfig is one node of the listener tree. Every field is optional;
// an entry with no filter fields matches every packet.
type ListenerConfig struct {
	Source      *int             `yaml:"source"`
	Destination *int             `yaml:"destination"`
	Opcode      *int             `yaml:"opcode"`
	Data        Bytes            `yaml:"data"`
	Log         string           `yaml:"log"`
	Send        *SendConfig      `yaml:"send"`
	Action      string           `yaml:"action"`
	OnPacket    []ListenerConfig `yaml:"on_packet"`
}

// SendConfig describes a packet to send. Source defaults to the primary
// claimed address.
type SendConfig struct {
	Source      *Value `yaml:"source"`
	Destination *Value `yaml:"destination"`
	Data        Bytes  `yaml:"data"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{}
}

// Load reads and validates a YAML configuration file. The file must have a
// .yaml or .yml extension and be at most 1MB.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates configuration from YAML bytes. Unknown keys are
// rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks every value that can be checked before a packet arrives.
func (c *Config) Validate() error {
	for i, a := range c.Addresses {
		if _, err := cec.ParseLogicalAddress(a); err != nil {
			return fmt.Errorf("addresses[%d]: %w", i, err)
		}
	}
	if c.DeviceType != "" {
		if _, err := cec.ParseDeviceType(c.DeviceType); err != nil {
			return err
		}
		if len(c.Addresses) > 0 {
			return errors.New("addresses and device_type are mutually exclusive")
		}
	}
	if c.PhysicalAddress != "" {
		if _, err := cec.ParsePhysicalAddress(c.PhysicalAddress); err != nil {
			return err
		}
	}
	if len(c.OSDName) > maxOSDNameLength {
		return fmt.Errorf("osd_name %q longer than %d characters", c.OSDName, maxOSDNameLength)
	}
	for _, r := range c.OSDName {
		if r < 0x20 || r > 0x7E {
			return fmt.Errorf("osd_name %q must be printable ASCII", c.OSDName)
		}
	}
	if _, err := c.Port.Normalize(); err != nil {
		return fmt.Errorf("port: %w", err)
	}
	if err := c.Arbitration.validate(); err != nil {
		return fmt.Errorf("arbitration: %w", err)
	}
	for name, a := range c.Actions {
		if name == "" {
			return errors.New("actions: empty action name")
		}
		if err := a.validate(); err != nil {
			return fmt.Errorf("actions.%s: %w", name, err)
		}
	}
	for i := range c.OnPacket {
		if err := c.OnPacket[i].validate(c.Actions); err != nil {
			return fmt.Errorf("on_packet[%d]%w", i, err)
		}
	}
	return nil
}

func (a ArbitrationConfig) validate() error {
	if a.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must be non-negative, got %d", a.MaxAttempts)
	}
	for name, d := range map[string]time.Duration{
		"bit_period":   a.BitPeriod,
		"idle_timeout": a.IdleTimeout,
		"ack_timeout":  a.AckTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, d)
		}
	}
	return nil
}

// pathError prefixes nested listener errors with their position.
type pathError struct {
	path string
	err  error
}

func (e *pathError) Error() string {
	var inner *pathError
	if errors.As(e.err, &inner) && inner == e.err {
		return e.path + inner.Error()
	}
	return e.path + ": " + e.err.Error()
}
func (e *pathError) Unwrap() error { return e.err }

func (l ListenerConfig) validate(actions map[string]SendConfig) error {
	if l.Source != nil {
		if _, err := cec.ParseLogicalAddress(*l.Source); err != nil {
			return &pathError{".source", err}
		}
	}
	if l.Destination != nil {
		if _, err := cec.ParseLogicalAddress(*l.Destination); err != nil {
			return &pathError{".destination", err}
		}
	}
	if l.Opcode != nil && (*l.Opcode < 0 || *l.Opcode > 0xFF) {
		return &pathError{".opcode", &cec.ValidationError{Field: "opcode", Value: *l.Opcode, Reason: "must be 0-255"}}
	}
	if l.Data.hasRef() {
		return &pathError{".data", errors.New("filter data cannot use packet references")}
	}
	if err := l.Data.validate("data"); err != nil {
		return &pathError{".data", err}
	}
	if l.Send != nil {
		if err := l.Send.validate(); err != nil {
			return &pathError{".send", err}
		}
	}
	if l.Action != "" {
		if _, ok := actions[l.Action]; !ok {
			return &pathError{".action", fmt.Errorf("unknown action %q", l.Action)}
		}
	}
	for i := range l.OnPacket {
		if err := l.OnPacket[i].validate(actions); err != nil {
			return &pathError{fmt.Sprintf(".on_packet[%d]", i), err}
		}
	}
	return nil
}

func (s SendConfig) validate() error {
	if s.Source != nil && !s.Source.IsRef() {
		if _, err := cec.ParseLogicalAddress(s.Source.Static); err != nil {
			return err
		}
	}
	if s.Destination == nil {
		return &cec.ValidationError{Field: "destination", Value: nil, Reason: "required"}
	}
	if !s.Destination.IsRef() {
		if _, err := cec.ParseLogicalAddress(s.Destination.Static); err != nil {
			return err
		}
	}
	if len(s.Data) == 0 {
		return &cec.ValidationError{Field: "data", Value: nil, Reason: "required"}
	}
	return s.Data.validate("data")
}

// LogicalAddresses returns the addresses to claim. Empty means claim by
// device type.
func (c *Config) LogicalAddresses() []cec.LogicalAddress {
	if len(c.Addresses) == 0 {
		if c.DeviceType != "" {
			return nil
		}
		return []cec.LogicalAddress{DefaultAddress}
	}
	out := make([]cec.LogicalAddress, len(c.Addresses))
	for i, a := range c.Addresses {
		out[i] = cec.LogicalAddress(a)
	}
	return out
}

// Device returns the configured device type, if any. When only addresses
// are given the type is derived from the first one.
func (c *Config) Device() cec.DeviceType {
	if c.DeviceType != "" {
		t, _ := cec.ParseDeviceType(c.DeviceType)
		return t
	}
	addrs := c.LogicalAddresses()
	for _, t := range []cec.DeviceType{cec.DeviceTV, cec.DeviceRecording, cec.DeviceTuner, cec.DevicePlayback, cec.DeviceAudioSystem} {
		for _, cand := range t.CandidateAddresses() {
			if len(addrs) > 0 && cand == addrs[0] {
				return t
			}
		}
	}
	return cec.DevicePlayback
}

// Physical returns the physical address, 1.0.0.0 when unset.
func (c *Config) Physical() cec.PhysicalAddress {
	if c.PhysicalAddress == "" {
		return 0x1000
	}
	pa, _ := cec.ParsePhysicalAddress(c.PhysicalAddress)
	return pa
}

// PromiscuousEnabled reports whether frames addressed to other devices are
// dispatched. Defaults to true.
func (c *Config) PromiscuousEnabled() bool {
	return c.Promiscuous == nil || *c.Promiscuous
}

// ArbitrationOptions maps the file's timing section onto manager options.
func (c *Config) ArbitrationOptions() arbitration.Options {
	return arbitration.Options{
		MaxAttempts: c.Arbitration.MaxAttempts,
		BitPeriod:   c.Arbitration.BitPeriod,
		IdleTimeout: c.Arbitration.IdleTimeout,
		AckTimeout:  c.Arbitration.AckTimeout,
		MonitorMode: c.MonitorMode,
	}
}
