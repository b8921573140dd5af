package cec

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// MaxDataLength is the largest payload (opcode included) a frame may carry
// after its header byte.
const MaxDataLength = 254

// Packet is one CEC message. Data is the payload exactly as it travels on the
// wire; when a caller designates an opcode it occupies Data[0].
type Packet struct {
	Source      LogicalAddress
	Destination LogicalAddress
	Data        []byte
}

// NewPacket builds a packet whose first payload byte is op.
func NewPacket(src, dst LogicalAddress, op Opcode, operands ...byte) Packet {
	data := make([]byte, 0, 1+len(operands))
	data = append(data, byte(op))
	data = append(data, operands...)
	return Packet{Source: src, Destination: dst, Data: data}
}

// Poll builds the header-only polling message used to probe addr.
func Poll(addr LogicalAddress) Packet {
	return Packet{Source: addr, Destination: addr}
}

// Opcode returns Data[0] when the packet has a payload.
func (p Packet) Opcode() (Opcode, bool) {
	if len(p.Data) == 0 {
		return 0, false
	}
	return Opcode(p.Data[0]), true
}

// Operands returns the payload after the opcode byte.
func (p Packet) Operands() []byte {
	if len(p.Data) < 2 {
		return nil
	}
	return p.Data[1:]
}

// Header returns the first wire byte: source in the high nibble, destination
// in the low one.
func (p Packet) Header() byte {
	return byte(p.Source&0x0f)<<4 | byte(p.Destination&0x0f)
}

// IsBroadcast reports whether the packet is addressed to everyone. Broadcast
// frames are never acknowledged individually.
func (p Packet) IsBroadcast() bool { return p.Destination.IsBroadcast() }

// IsPoll reports whether p is a header-only polling message.
func (p Packet) IsPoll() bool { return len(p.Data) == 0 }

// Validate checks the invariants Encode relies on.
func (p Packet) Validate() error {
	if !p.Source.Valid() {
		return &ValidationError{Field: "source", Value: int(p.Source), Reason: "must be between 0 and 15"}
	}
	if !p.Destination.Valid() {
		return &ValidationError{Field: "destination", Value: int(p.Destination), Reason: "must be between 0 and 15"}
	}
	if len(p.Data) > MaxDataLength {
		return &ValidationError{Field: "data", Value: len(p.Data), Reason: fmt.Sprintf("length exceeds %d bytes", MaxDataLength)}
	}
	if selfAddressed(p.Source, p.Destination, len(p.Data)) {
		return &ValidationError{Field: "destination", Value: int(p.Destination), Reason: "only a polling message may address its own source"}
	}
	return nil
}

// Equal compares two packets field by field; a nil and an empty payload are
// the same payload.
func (p Packet) Equal(o Packet) bool {
	if p.Source != o.Source || p.Destination != o.Destination || len(p.Data) != len(o.Data) {
		return false
	}
	for i := range p.Data {
		if p.Data[i] != o.Data[i] {
			return false
		}
	}
	return true
}

// String renders the frame the way adapters print it: 45:01:02:03.
func (p Packet) String() string {
	var b strings.Builder
	b.Grow(3 * (1 + len(p.Data)))
	fmt.Fprintf(&b, "%02X", p.Header())
	for _, d := range p.Data {
		fmt.Fprintf(&b, ":%02X", d)
	}
	return b.String()
}

// Describe is the log form used for traffic lines: (1->4) 14:46.
func (p Packet) Describe() string {
	return fmt.Sprintf("(%d->%d) %s", p.Source, p.Destination, p)
}

// ParseHex parses colon, space or dash separated hex bytes ("47:41:42",
// "47 41 42", "474142").
func ParseHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	s = strings.NewReplacer(":", "", " ", "", "-", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return b, nil
}

// ParseFrame parses a hex frame string and decodes it.
func ParseFrame(s string) (Packet, error) {
	raw, err := ParseHex(s)
	if err != nil {
		return Packet{}, err
	}
	return Decode(raw)
}

func selfAddressed(src, dst LogicalAddress, dataLen int) bool {
	return src == dst && src != AddrBroadcast && dataLen > 0
}
