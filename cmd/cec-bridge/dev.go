package main

import (
	"github.com/banshee-data/hdmi-cec/internal/cec"
	"github.com/banshee-data/hdmi-cec/internal/transport"
)

// tvPowerOn is the <Report Power Status> operand for "on".
const tvPowerOn = 0x00

// simulatedTV answers the queries a bridge is likely to make of a TV in dev
// mode.
func simulatedTV() *transport.SimDevice {
	return &transport.SimDevice{
		Address: cec.AddrTV,
		Respond: func(p cec.Packet) []cec.Packet {
			op, ok := p.Opcode()
			if !ok || p.IsBroadcast() {
				return nil
			}
			switch op {
			case cec.OpGivePhysicalAddress:
				return []cec.Packet{cec.NewPacket(cec.AddrTV, cec.AddrBroadcast, cec.OpReportPhysicalAddress, 0x00, 0x00, byte(cec.DeviceTV))}
			case cec.OpGiveDevicePowerStatus:
				return []cec.Packet{cec.NewPacket(cec.AddrTV, p.Source, cec.OpReportPowerStatus, tvPowerOn)}
			case cec.OpGiveOSDName:
				return []cec.Packet{cec.NewPacket(cec.AddrTV, p.Source, cec.OpSetOSDName, []byte("TV")...)}
			case cec.OpGetCECVersion:
				return []cec.Packet{cec.NewPacket(cec.AddrTV, p.Source, cec.OpCECVersion, 0x05)}
			}
			return nil
		},
	}
}
