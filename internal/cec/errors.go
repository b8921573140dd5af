package cec

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedFrame is returned by Decode for frames that cannot be a CEC
	// packet. Such frames are dropped and never reach listeners.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrValidation marks out-of-range values rejected before any bus activity.
	ErrValidation = errors.New("validation error")

	// ErrAddressConflict is returned when another device answers the polling
	// message for an address we tried to claim.
	ErrAddressConflict = errors.New("logical address conflict")

	// ErrBus is the parent of every BusError.
	ErrBus = errors.New("bus error")
)

// ValidationError describes a single rejected field.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// BusErrorKind classifies a failed send.
type BusErrorKind int

const (
	// NoAck means the destination never acknowledged within the retry budget.
	NoAck BusErrorKind = iota + 1
	// CollisionExhausted means every attempt lost arbitration, found the bus
	// busy, or timed out.
	CollisionExhausted
)

func (k BusErrorKind) String() string {
	switch k {
	case NoAck:
		return "no_ack"
	case CollisionExhausted:
		return "collision_exhausted"
	default:
		return "unknown"
	}
}

// BusError is the result of a send that used up its attempts.
type BusError struct {
	Kind     BusErrorKind
	Attempts int
	// Last is the failure seen on the final attempt, if any.
	Last error
}

func (e *BusError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("bus error: %s after %d attempts: %v", e.Kind, e.Attempts, e.Last)
	}
	return fmt.Sprintf("bus error: %s after %d attempts", e.Kind, e.Attempts)
}

func (e *BusError) Unwrap() error { return ErrBus }

// IsNoAck reports whether err is a BusError of kind NoAck.
func IsNoAck(err error) bool {
	var be *BusError
	return errors.As(err, &be) && be.Kind == NoAck
}
