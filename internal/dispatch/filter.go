package dispatch

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/banshee-data/hdmi-cec/internal/cec"
)

// Filter selects packets by header fields and payload. A nil field matches
// anything; a non-empty Data must equal the whole payload.
type Filter struct {
	Source      *cec.LogicalAddress
	Destination *cec.LogicalAddress
	Opcode      *cec.Opcode
	Data        []byte
}

// Addr returns a pointer for use in Filter fields.
func Addr(a cec.LogicalAddress) *cec.LogicalAddress { return &a }

// Op returns a pointer for use in Filter fields.
func Op(o cec.Opcode) *cec.Opcode { return &o }

// Match reports whether p passes every set field of f.
func (f Filter) Match(p cec.Packet) bool {
	if f.Source != nil && *f.Source != p.Source {
		return false
	}
	if f.Destination != nil && *f.Destination != p.Destination {
		return false
	}
	if f.Opcode != nil {
		op, ok := p.Opcode()
		if !ok || op != *f.Opcode {
			return false
		}
	}
	if len(f.Data) > 0 && !bytes.Equal(f.Data, p.Data) {
		return false
	}
	return true
}

// IsWildcard reports whether f matches every packet.
func (f Filter) IsWildcard() bool {
	return f.Source == nil && f.Destination == nil && f.Opcode == nil && len(f.Data) == 0
}

// Validate rejects addresses outside 0-15.
func (f Filter) Validate() error {
	if f.Source != nil && !f.Source.Valid() {
		return &cec.ValidationError{Field: "filter source", Value: int(*f.Source), Reason: "must be 0-15"}
	}
	if f.Destination != nil && !f.Destination.Valid() {
		return &cec.ValidationError{Field: "filter destination", Value: int(*f.Destination), Reason: "must be 0-15"}
	}
	if len(f.Data) > cec.MaxDataLength {
		return &cec.ValidationError{Field: "filter data", Value: len(f.Data), Reason: "longer than a frame payload"}
	}
	return nil
}

func (f Filter) String() string {
	if f.IsWildcard() {
		return "*"
	}
	var parts []string
	if f.Source != nil {
		parts = append(parts, fmt.Sprintf("src=%d", *f.Source))
	}
	if f.Destination != nil {
		parts = append(parts, fmt.Sprintf("dst=%d", *f.Destination))
	}
	if f.Opcode != nil {
		parts = append(parts, fmt.Sprintf("op=0x%02X", uint8(*f.Opcode)))
	}
	if len(f.Data) > 0 {
		parts = append(parts, fmt.Sprintf("data=% X", f.Data))
	}
	return strings.Join(parts, " ")
}
