package cec

import "fmt"

// Encode renders p as a raw frame: one header byte followed by the payload.
func Encode(p Packet) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	frame := make([]byte, 1+len(p.Data))
	frame[0] = p.Header()
	copy(frame[1:], p.Data)
	return frame, nil
}

// Decode parses a raw frame. The returned packet owns its payload; frame may
// be reused by the caller.
func Decode(frame []byte) (Packet, error) {
	if len(frame) == 0 {
		return Packet{}, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	if len(frame) > 1+MaxDataLength {
		return Packet{}, fmt.Errorf("%w: %d bytes exceeds maximum of %d", ErrMalformedFrame, len(frame), 1+MaxDataLength)
	}

	src := LogicalAddress(frame[0] >> 4)
	dst := LogicalAddress(frame[0] & 0x0f)
	if selfAddressed(src, dst, len(frame)-1) {
		return Packet{}, fmt.Errorf("%w: header %02X addresses its own source with a payload", ErrMalformedFrame, frame[0])
	}

	p := Packet{Source: src, Destination: dst}
	if len(frame) > 1 {
		p.Data = append([]byte(nil), frame[1:]...)
	}
	return p, nil
}
