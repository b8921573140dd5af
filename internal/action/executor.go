// Package action turns send actions into packets. Every value is resolved
// and range-checked before the bus is touched.
package action

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/banshee-data/hdmi-cec/internal/arbitration"
	"github.com/banshee-data/hdmi-cec/internal/cec"
	"github.com/banshee-data/hdmi-cec/internal/dispatch"
)

// ErrNoAddress is returned when an action has no source and nothing has been
// claimed to default to.
var ErrNoAddress = errors.New("no source address: nothing claimed")

// SendAction describes a packet to send. Source is optional and defaults to
// the primary claimed address.
type SendAction struct {
	Name        string
	Source      Value[int]
	Destination Value[int]
	Data        Value[[]int]
}

// Sender is the part of the arbitration manager the executor uses.
type Sender interface {
	Send(ctx context.Context, p cec.Packet) (arbitration.Report, error)
	Primary() (cec.LogicalAddress, bool)
}

// Executor runs send actions.
type Executor struct {
	sender Sender
	log    zerolog.Logger
}

// NewExecutor creates an Executor sending through s.
func NewExecutor(s Sender, log zerolog.Logger) *Executor {
	return &Executor{sender: s, log: log}
}

// Execute resolves source, destination and data (once each, in that order),
// validates them and sends the packet.
func (e *Executor) Execute(ctx context.Context, a SendAction) (arbitration.Report, error) {
	p, err := e.Build(ctx, a)
	if err != nil {
		return arbitration.Report{}, err
	}
	report, err := e.sender.Send(ctx, p)
	if err != nil {
		return report, fmt.Errorf("send %s: %w", p.Describe(), err)
	}
	return report, nil
}

// Build resolves and validates a without sending it.
func (e *Executor) Build(ctx context.Context, a SendAction) (cec.Packet, error) {
	var p cec.Packet

	if a.Source != nil {
		v, err := a.Source.Resolve(ctx)
		if err != nil {
			return p, fmt.Errorf("resolve source: %w", err)
		}
		if p.Source, err = address("source", v); err != nil {
			return p, err
		}
	} else {
		src, ok := e.sender.Primary()
		if !ok {
			return p, ErrNoAddress
		}
		p.Source = src
	}

	if a.Destination == nil {
		return p, &cec.ValidationError{Field: "destination", Value: nil, Reason: "required"}
	}
	v, err := a.Destination.Resolve(ctx)
	if err != nil {
		return p, fmt.Errorf("resolve destination: %w", err)
	}
	if p.Destination, err = address("destination", v); err != nil {
		return p, err
	}

	if a.Data == nil {
		return p, &cec.ValidationError{Field: "data", Value: nil, Reason: "required"}
	}
	data, err := a.Data.Resolve(ctx)
	if err != nil {
		return p, fmt.Errorf("resolve data: %w", err)
	}
	if len(data) > cec.MaxDataLength {
		return p, &cec.ValidationError{Field: "data", Value: len(data), Reason: fmt.Sprintf("at most %d bytes", cec.MaxDataLength)}
	}
	p.Data = make([]byte, len(data))
	for i, b := range data {
		if b < 0 || b > 0xFF {
			return p, &cec.ValidationError{Field: fmt.Sprintf("data[%d]", i), Value: b, Reason: "must be 0-255"}
		}
		p.Data[i] = byte(b)
	}
	if len(p.Data) == 0 {
		p.Data = nil
	}
	return p, p.Validate()
}

// Send is Execute for a static packet from the primary address.
func (e *Executor) Send(ctx context.Context, dst cec.LogicalAddress, data ...byte) (arbitration.Report, error) {
	return e.Execute(ctx, SendAction{
		Destination: Static[int]{V: int(dst)},
		Data:        StaticBytes(data...),
	})
}

// Listener returns a dispatch listener that runs a for every matched packet.
// The packet is available to computed values through PacketFrom.
func (e *Executor) Listener(base context.Context, a SendAction) dispatch.Listener {
	return dispatch.ListenerFunc(func(p cec.Packet) error {
		_, err := e.Execute(WithPacket(base, p), a)
		return err
	})
}

func address(field string, v int) (cec.LogicalAddress, error) {
	a, err := cec.ParseLogicalAddress(v)
	if err != nil {
		var ve *cec.ValidationError
		if errors.As(err, &ve) {
			ve.Field = field
		}
		return 0, err
	}
	return a, nil
}
