package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/hdmi-cec/internal/cec"
	"github.com/banshee-data/hdmi-cec/internal/timeutil"
)

var ErrInjectQueueFull = errors.New("simulated bus receive queue full")

// SimDevice is another device on a simulated bus. It acknowledges frames
// addressed to it and may answer them.
type SimDevice struct {
	Address cec.LogicalAddress
	// Respond is called for frames addressed to the device and for
	// broadcasts. The returned packets are put on the bus after the
	// triggering transmit completes.
	Respond func(p cec.Packet) []cec.Packet
}

// SimOp is one transmit seen by a SimBus.
type SimOp struct {
	Frame  []byte
	Status Status
	At     time.Time
}

type simFrame struct {
	frame []byte
}

// SimBus is an in-memory Transport. Unicast frames are acknowledged when a
// SimDevice owns the destination, broadcasts always succeed, and scripted
// statuses override both for the next transmits.
type SimBus struct {
	clock timeutil.Clock

	// TxDelay is how long a transmit occupies the bus.
	TxDelay time.Duration

	mu      sync.Mutex
	devices map[cec.LogicalAddress]*SimDevice
	acked   []cec.LogicalAddress
	script  []Status
	ops     []SimOp
	busy    bool
	last    time.Time
	handler FrameHandler

	inflight atomic.Int32
	overlap  atomic.Bool

	rx        chan simFrame
	done      chan struct{}
	closeOnce sync.Once
}

// NewSimBus creates an empty simulated bus. A nil clock uses real time.
func NewSimBus(clock timeutil.Clock) *SimBus {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SimBus{
		clock:   clock,
		devices: make(map[cec.LogicalAddress]*SimDevice),
		rx:      make(chan simFrame, 256),
		done:    make(chan struct{}),
	}
}

// AddDevice puts a device on the bus.
func (b *SimBus) AddDevice(d *SimDevice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices[d.Address] = d
}

// Script queues statuses returned by the next transmits, in order.
func (b *SimBus) Script(statuses ...Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.script = append(b.script, statuses...)
}

// SetBusy marks the line as active (or idle) from another initiator.
func (b *SimBus) SetBusy(busy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.busy = busy
	b.last = b.clock.Now()
}

// Ops returns every transmit so far.
func (b *SimBus) Ops() []SimOp {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]SimOp(nil), b.ops...)
}

// Frames returns the transmitted frames in order.
func (b *SimBus) Frames() [][]byte {
	ops := b.Ops()
	out := make([][]byte, len(ops))
	for i, op := range ops {
		out[i] = op.Frame
	}
	return out
}

// Overlapped reports whether two transmits were ever in flight together.
func (b *SimBus) Overlapped() bool { return b.overlap.Load() }

// Acked returns the addresses last passed to AckAddresses.
func (b *SimBus) Acked() []cec.LogicalAddress {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]cec.LogicalAddress(nil), b.acked...)
}

func (b *SimBus) AckAddresses(addrs []cec.LogicalAddress) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked = append([]cec.LogicalAddress(nil), addrs...)
	return nil
}

func (b *SimBus) Busy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.busy
}

func (b *SimBus) LastActivity() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

func (b *SimBus) HandleFrames(h FrameHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// Transmit resolves the frame against the scripted statuses and devices.
func (b *SimBus) Transmit(ctx context.Context, frame []byte) (Status, error) {
	if len(frame) == 0 {
		return 0, fmt.Errorf("transmit: empty frame")
	}
	select {
	case <-b.done:
		return 0, ErrClosed
	default:
	}

	if b.inflight.Add(1) > 1 {
		b.overlap.Store(true)
	}
	defer b.inflight.Add(-1)

	if b.TxDelay > 0 {
		select {
		case <-b.clock.After(b.TxDelay):
		case <-ctx.Done():
			return 0, ErrTimeout
		}
	}

	frame = append([]byte(nil), frame...)
	src := cec.LogicalAddress(frame[0] >> 4)
	dst := cec.LogicalAddress(frame[0] & 0x0F)

	b.mu.Lock()
	var status Status
	if len(b.script) > 0 {
		status = b.script[0]
		b.script = b.script[1:]
	} else {
		_, present := b.devices[dst]
		switch {
		case dst.IsBroadcast():
			status = StatusAck
		case present:
			status = StatusAck
		default:
			status = StatusNoAck
		}
	}
	b.last = b.clock.Now()
	b.ops = append(b.ops, SimOp{Frame: frame, Status: status, At: b.last})

	var replies []cec.Packet
	if status == StatusAck && len(frame) > 1 {
		p := cec.Packet{Source: src, Destination: dst, Data: frame[1:]}
		for addr, d := range b.devices {
			if d.Respond == nil || (addr != dst && !dst.IsBroadcast()) {
				continue
			}
			replies = append(replies, d.Respond(p)...)
		}
	}
	b.mu.Unlock()

	for _, r := range replies {
		raw, err := cec.Encode(r)
		if err != nil {
			continue
		}
		_ = b.Inject(raw)
	}
	return status, nil
}

// Inject queues a frame as if another device had sent it. Frames are
// delivered by Monitor.
func (b *SimBus) Inject(frame []byte) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	select {
	case b.rx <- simFrame{frame: append([]byte(nil), frame...)}:
		return nil
	case <-b.done:
		return ErrClosed
	default:
		return ErrInjectQueueFull
	}
}

// Monitor delivers injected frames to the handler until ctx is done.
func (b *SimBus) Monitor(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return nil
		case f := <-b.rx:
			b.mu.Lock()
			b.last = b.clock.Now()
			at := b.last
			h := b.handler
			b.mu.Unlock()
			if h != nil {
				h(f.frame, at)
			}
		}
	}
}

func (b *SimBus) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}
