package cec

import "fmt"

// Opcode identifies the command carried in the first payload byte.
type Opcode uint8

// CEC 1.4 opcodes seen on typical home setups.
const (
	OpFeatureAbort           Opcode = 0x00
	OpImageViewOn            Opcode = 0x04
	OpTunerStepIncrement     Opcode = 0x05
	OpTunerStepDecrement     Opcode = 0x06
	OpTextViewOn             Opcode = 0x0D
	OpRecordOff              Opcode = 0x0B
	OpRecordOn               Opcode = 0x09
	OpGiveDeckStatus         Opcode = 0x1A
	OpDeckStatus             Opcode = 0x1B
	OpSetMenuLanguage        Opcode = 0x32
	OpStandby                Opcode = 0x36
	OpPlay                   Opcode = 0x41
	OpDeckControl            Opcode = 0x42
	OpUserControlPressed     Opcode = 0x44
	OpUserControlReleased    Opcode = 0x45
	OpGiveOSDName            Opcode = 0x46
	OpSetOSDName             Opcode = 0x47
	OpSystemAudioModeRequest Opcode = 0x70
	OpGiveAudioStatus        Opcode = 0x71
	OpSetSystemAudioMode     Opcode = 0x72
	OpReportAudioStatus      Opcode = 0x7A
	OpGiveSystemAudioMode    Opcode = 0x7D
	OpSystemAudioModeStatus  Opcode = 0x7E
	OpRoutingChange          Opcode = 0x80
	OpRoutingInformation     Opcode = 0x81
	OpActiveSource           Opcode = 0x82
	OpGivePhysicalAddress    Opcode = 0x83
	OpReportPhysicalAddress  Opcode = 0x84
	OpRequestActiveSource    Opcode = 0x85
	OpSetStreamPath          Opcode = 0x86
	OpDeviceVendorID         Opcode = 0x87
	OpVendorCommand          Opcode = 0x89
	OpVendorRemoteButtonDown Opcode = 0x8A
	OpVendorRemoteButtonUp   Opcode = 0x8B
	OpGiveDeviceVendorID     Opcode = 0x8C
	OpMenuRequest            Opcode = 0x8D
	OpMenuStatus             Opcode = 0x8E
	OpGiveDevicePowerStatus  Opcode = 0x8F
	OpReportPowerStatus      Opcode = 0x90
	OpGetMenuLanguage        Opcode = 0x91
	OpInactiveSource         Opcode = 0x9D
	OpCECVersion             Opcode = 0x9E
	OpGetCECVersion          Opcode = 0x9F
	OpVendorCommandWithID    Opcode = 0xA0
	OpReportShortAudioDesc   Opcode = 0xA3
	OpRequestShortAudioDesc  Opcode = 0xA4
	OpInitiateARC            Opcode = 0xC0
	OpReportARCInitiated     Opcode = 0xC1
	OpReportARCTerminated    Opcode = 0xC2
	OpRequestARCInitiation   Opcode = 0xC3
	OpRequestARCTermination  Opcode = 0xC4
	OpTerminateARC           Opcode = 0xC5
	OpAbort                  Opcode = 0xFF
)

var opcodeNames = map[Opcode]string{
	OpFeatureAbort:           "Feature Abort",
	OpImageViewOn:            "Image View On",
	OpTunerStepIncrement:     "Tuner Step Increment",
	OpTunerStepDecrement:     "Tuner Step Decrement",
	OpTextViewOn:             "Text View On",
	OpRecordOff:              "Record Off",
	OpRecordOn:               "Record On",
	OpGiveDeckStatus:         "Give Deck Status",
	OpDeckStatus:             "Deck Status",
	OpSetMenuLanguage:        "Set Menu Language",
	OpStandby:                "Standby",
	OpPlay:                   "Play",
	OpDeckControl:            "Deck Control",
	OpUserControlPressed:     "User Control Pressed",
	OpUserControlReleased:    "User Control Released",
	OpGiveOSDName:            "Give OSD Name",
	OpSetOSDName:             "Set OSD Name",
	OpSystemAudioModeRequest: "System Audio Mode Request",
	OpGiveAudioStatus:        "Give Audio Status",
	OpSetSystemAudioMode:     "Set System Audio Mode",
	OpReportAudioStatus:      "Report Audio Status",
	OpGiveSystemAudioMode:    "Give System Audio Mode Status",
	OpSystemAudioModeStatus:  "System Audio Mode Status",
	OpRoutingChange:          "Routing Change",
	OpRoutingInformation:     "Routing Information",
	OpActiveSource:           "Active Source",
	OpGivePhysicalAddress:    "Give Physical Address",
	OpReportPhysicalAddress:  "Report Physical Address",
	OpRequestActiveSource:    "Request Active Source",
	OpSetStreamPath:          "Set Stream Path",
	OpDeviceVendorID:         "Device Vendor ID",
	OpVendorCommand:          "Vendor Command",
	OpVendorRemoteButtonDown: "Vendor Remote Button Down",
	OpVendorRemoteButtonUp:   "Vendor Remote Button Up",
	OpGiveDeviceVendorID:     "Give Device Vendor ID",
	OpMenuRequest:            "Menu Request",
	OpMenuStatus:             "Menu Status",
	OpGiveDevicePowerStatus:  "Give Device Power Status",
	OpReportPowerStatus:      "Report Power Status",
	OpGetMenuLanguage:        "Get Menu Language",
	OpInactiveSource:         "Inactive Source",
	OpCECVersion:             "CEC Version",
	OpGetCECVersion:          "Get CEC Version",
	OpVendorCommandWithID:    "Vendor Command With ID",
	OpReportShortAudioDesc:   "Report Short Audio Descriptor",
	OpRequestShortAudioDesc:  "Request Short Audio Descriptor",
	OpInitiateARC:            "Initiate ARC",
	OpReportARCInitiated:     "Report ARC Initiated",
	OpReportARCTerminated:    "Report ARC Terminated",
	OpRequestARCInitiation:   "Request ARC Initiation",
	OpRequestARCTermination:  "Request ARC Termination",
	OpTerminateARC:           "Terminate ARC",
	OpAbort:                  "Abort",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Opcode(0x%02X)", uint8(o))
}
