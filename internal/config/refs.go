package config

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/hdmi-cec/internal/action"
	"github.com/banshee-data/hdmi-cec/internal/cec"
)

// Packet fields a value may refer to. They resolve against the packet that
// triggered the listener.
const (
	refSource      = "source"
	refDestination = "destination"
	refOpcode      = "opcode"
	refDataPrefix  = "data["
)

// Value is an integer or a reference to a field of the triggering packet:
// source, destination, opcode or data[N].
type Value struct {
	Static int
	Ref    string
	// index is N for data[N] references.
	index int
}

// IsRef reports whether v is resolved at execution time.
func (v Value) IsRef() bool { return v.Ref != "" }

func (v Value) String() string {
	if v.IsRef() {
		return v.Ref
	}
	return strconv.Itoa(v.Static)
}

// UnmarshalYAML accepts integers (including 0x hex) and reference names.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected an integer or a packet reference", node.Line)
	}
	parsed, err := ParseValue(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*v = parsed
	return nil
}

// ParseValue parses an integer or reference as written in configuration.
func ParseValue(s string) (Value, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 0, 64); err == nil {
		return Value{Static: int(n)}, nil
	}
	switch s {
	case refSource, refDestination, refOpcode:
		return Value{Ref: s}, nil
	}
	if strings.HasPrefix(s, refDataPrefix) && strings.HasSuffix(s, "]") {
		idx, err := strconv.Atoi(s[len(refDataPrefix) : len(s)-1])
		if err != nil || idx < 0 || idx >= cec.MaxDataLength {
			return Value{}, fmt.Errorf("invalid data index in %q", s)
		}
		return Value{Ref: s, index: idx}, nil
	}
	return Value{}, fmt.Errorf("unknown value %q: want an integer, source, destination, opcode or data[N]", s)
}

func (v Value) resolve(ctx context.Context) (int, error) {
	if !v.IsRef() {
		return v.Static, nil
	}
	p, ok := action.PacketFrom(ctx)
	if !ok {
		return 0, fmt.Errorf("%q needs a triggering packet", v.Ref)
	}
	switch v.Ref {
	case refSource:
		return int(p.Source), nil
	case refDestination:
		return int(p.Destination), nil
	case refOpcode:
		op, ok := p.Opcode()
		if !ok {
			return 0, fmt.Errorf("triggering packet %s has no opcode", p)
		}
		return int(op), nil
	default:
		if v.index >= len(p.Data) {
			return 0, fmt.Errorf("%s out of range for packet %s", v.Ref, p)
		}
		return int(p.Data[v.index]), nil
	}
}

// provider turns v into an action value.
func (v Value) provider() action.Value[int] {
	if !v.IsRef() {
		return action.Static[int]{V: v.Static}
	}
	return action.Func[int](v.resolve)
}

// Bytes is a payload: a list of values or a hex string such as "47:41:42".
type Bytes []Value

func (b *Bytes) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!int" {
			var v Value
			if err := node.Decode(&v); err != nil {
				return err
			}
			*b = Bytes{v}
			return nil
		}
		raw, err := cec.ParseHex(node.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		out := make(Bytes, len(raw))
		for i, c := range raw {
			out[i] = Value{Static: int(c)}
		}
		*b = out
		return nil
	case yaml.SequenceNode:
		var items []Value
		if err := node.Decode(&items); err != nil {
			return err
		}
		*b = items
		return nil
	default:
		return fmt.Errorf("line %d: expected a list of bytes or a hex string", node.Line)
	}
}

func (b Bytes) hasRef() bool {
	for _, v := range b {
		if v.IsRef() {
			return true
		}
	}
	return false
}

// Static returns the payload when no element is a reference.
func (b Bytes) Static() ([]byte, bool) {
	if b.hasRef() {
		return nil, false
	}
	out := make([]byte, len(b))
	for i, v := range b {
		out[i] = byte(v.Static)
	}
	return out, true
}

func (b Bytes) validate(field string) error {
	if len(b) > cec.MaxDataLength {
		return &cec.ValidationError{Field: field, Value: len(b), Reason: fmt.Sprintf("at most %d bytes", cec.MaxDataLength)}
	}
	for i, v := range b {
		if !v.IsRef() && (v.Static < 0 || v.Static > 0xFF) {
			return &cec.ValidationError{Field: fmt.Sprintf("%s[%d]", field, i), Value: v.Static, Reason: "must be 0-255"}
		}
	}
	return nil
}

func (b Bytes) provider() action.Value[[]int] {
	if !b.hasRef() {
		out := make([]int, len(b))
		for i, v := range b {
			out[i] = v.Static
		}
		return action.Static[[]int]{V: out}
	}
	items := append(Bytes(nil), b...)
	return action.Func[[]int](func(ctx context.Context) ([]int, error) {
		out := make([]int, len(items))
		for i, v := range items {
			n, err := v.resolve(ctx)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	})
}
