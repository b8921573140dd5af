package bridge

import (
	"github.com/banshee-data/hdmi-cec/internal/cec"
	"github.com/banshee-data/hdmi-cec/internal/dispatch"
)

// registerReplies installs the answers every device owes the bus.
func (b *Bridge) registerReplies() {
	b.disp.Register(dispatch.Filter{Opcode: dispatch.Op(cec.OpGivePhysicalAddress)}, dispatch.ListenerFunc(b.reportPhysicalAddress))
	if b.cfg.OSDName != "" {
		b.disp.Register(dispatch.Filter{Opcode: dispatch.Op(cec.OpGiveOSDName)}, dispatch.ListenerFunc(b.setOSDName))
	}
}

// reportPhysicalAddress broadcasts <Report Physical Address> from the
// queried address.
func (b *Bridge) reportPhysicalAddress(p cec.Packet) error {
	if p.IsBroadcast() || !b.mgr.Owns(p.Destination) {
		return nil
	}
	pa := b.cfg.Physical().Bytes()
	reply := cec.NewPacket(p.Destination, cec.AddrBroadcast, cec.OpReportPhysicalAddress, pa[0], pa[1], byte(b.cfg.Device()))
	_, err := b.mgr.Send(b.ctx, reply)
	return err
}

// setOSDName answers <Give OSD Name> with the configured name.
func (b *Bridge) setOSDName(p cec.Packet) error {
	if p.IsBroadcast() || !b.mgr.Owns(p.Destination) {
		return nil
	}
	reply := cec.NewPacket(p.Destination, p.Source, cec.OpSetOSDName, []byte(b.cfg.OSDName)...)
	_, err := b.mgr.Send(b.ctx, reply)
	return err
}
