package transport

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/hdmi-cec/internal/cec"
)

// Status is how the adapter reports the end of one transmit attempt.
type Status int

const (
	// StatusAck: the frame went out and the follower acknowledged every byte.
	// Broadcast frames report StatusAck once transmitted.
	StatusAck Status = iota + 1
	// StatusNoAck: the destination did not acknowledge.
	StatusNoAck
	// StatusCollision: another initiator won arbitration or the line errored.
	StatusCollision
	// StatusBusy: the adapter refused because the line was not idle.
	StatusBusy
)

func (s Status) String() string {
	switch s {
	case StatusAck:
		return "ack"
	case StatusNoAck:
		return "nak"
	case StatusCollision:
		return "collision"
	case StatusBusy:
		return "busy"
	default:
		return "unknown"
	}
}

var (
	// ErrTimeout is returned by Transmit when no result arrived in time.
	ErrTimeout = errors.New("transmit result timeout")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport closed")
)

// FrameHandler receives every complete frame seen on the bus. It runs on
// the transport's receive goroutine; a slow handler delays the next frame.
type FrameHandler func(frame []byte, at time.Time)

// Bus is what the arbitration manager needs from the lower layer.
type Bus interface {
	// Transmit puts one frame on the wire and reports how it ended. It
	// returns ErrTimeout when ctx expires before the adapter answers.
	Transmit(ctx context.Context, frame []byte) (Status, error)
	// Busy reports whether a frame is currently being received.
	Busy() bool
	// LastActivity is the time the line was last seen active.
	LastActivity() time.Time
}

// Transport is a Bus that also delivers received frames.
type Transport interface {
	Bus
	// HandleFrames installs the receive callback. Only one handler is kept.
	HandleFrames(FrameHandler)
	// Monitor runs the receive loop until ctx is done or the port fails.
	Monitor(ctx context.Context) error
	Close() error
}

// AddressAcker is implemented by transports that must be told which logical
// addresses to acknowledge on our behalf.
type AddressAcker interface {
	AckAddresses(addrs []cec.LogicalAddress) error
}
