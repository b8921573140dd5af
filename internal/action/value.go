package action

import (
	"context"

	"github.com/banshee-data/hdmi-cec/internal/cec"
)

// Value produces a T when an action runs. Resolve is called once per
// execution.
type Value[T any] interface {
	Resolve(ctx context.Context) (T, error)
}

// Static is a Value fixed at construction.
type Static[T any] struct {
	V T
}

func (s Static[T]) Resolve(context.Context) (T, error) { return s.V, nil }

// Func computes the value at execution time.
type Func[T any] func(ctx context.Context) (T, error)

func (f Func[T]) Resolve(ctx context.Context) (T, error) { return f(ctx) }

// StaticBytes is a convenience for literal payloads.
func StaticBytes(b ...byte) Static[[]int] {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return Static[[]int]{V: out}
}

type packetKey struct{}

// WithPacket attaches the packet that triggered an action to ctx so computed
// values can refer to it.
func WithPacket(ctx context.Context, p cec.Packet) context.Context {
	return context.WithValue(ctx, packetKey{}, p)
}

// PacketFrom returns the triggering packet, if any.
func PacketFrom(ctx context.Context) (cec.Packet, bool) {
	p, ok := ctx.Value(packetKey{}).(cec.Packet)
	return p, ok
}
