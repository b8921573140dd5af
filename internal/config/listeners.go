package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/banshee-data/hdmi-cec/internal/action"
	"github.com/banshee-data/hdmi-cec/internal/cec"
	"github.com/banshee-data/hdmi-cec/internal/dispatch"
)

// Filter converts the entry's match fields into a dispatch filter.
func (l ListenerConfig) Filter() dispatch.Filter {
	var f dispatch.Filter
	if l.Source != nil {
		f.Source = dispatch.Addr(cec.LogicalAddress(*l.Source))
	}
	if l.Destination != nil {
		f.Destination = dispatch.Addr(cec.LogicalAddress(*l.Destination))
	}
	if l.Opcode != nil {
		f.Opcode = dispatch.Op(cec.Opcode(*l.Opcode))
	}
	if data, ok := l.Data.Static(); ok && len(data) > 0 {
		f.Data = data
	}
	return f
}

// SendAction converts the entry into an executor action.
func (s SendConfig) SendAction(name string) action.SendAction {
	a := action.SendAction{Name: name, Data: s.Data.provider()}
	if s.Source != nil {
		a.Source = s.Source.provider()
	}
	if s.Destination != nil {
		a.Destination = s.Destination.provider()
	}
	return a
}

// SendActions returns the named top-level actions.
func (c *Config) SendActions() map[string]action.SendAction {
	out := make(map[string]action.SendAction, len(c.Actions))
	for name, s := range c.Actions {
		out[name] = s.SendAction(name)
	}
	return out
}

// Installer registers the configured listener tree.
type Installer struct {
	Dispatcher *dispatch.Dispatcher
	Executor   *action.Executor
	Logger     zerolog.Logger
	// Context is the parent of every action run by a listener.
	Context context.Context
}

// Install registers c.OnPacket and returns the top-level handles.
func (in Installer) Install(c *Config) ([]dispatch.Handle, error) {
	if in.Context == nil {
		in.Context = context.Background()
	}
	actions := c.SendActions()
	var handles []dispatch.Handle
	for i, l := range c.OnPacket {
		h := in.Dispatcher.Register(l.Filter(), in.listener(l, actions))
		if err := in.children(h, l.OnPacket, actions); err != nil {
			return handles, fmt.Errorf("on_packet[%d]: %w", i, err)
		}
		handles = append(handles, h)
	}
	return handles, nil
}

func (in Installer) children(parent dispatch.Handle, ls []ListenerConfig, actions map[string]action.SendAction) error {
	for _, l := range ls {
		h, err := in.Dispatcher.RegisterChild(parent, l.Filter(), in.listener(l, actions))
		if err != nil {
			return err
		}
		if err := in.children(h, l.OnPacket, actions); err != nil {
			return err
		}
	}
	return nil
}

// listener builds the entry's actions, or nil for a pure grouping node.
func (in Installer) listener(l ListenerConfig, actions map[string]action.SendAction) dispatch.Listener {
	var steps []dispatch.Listener
	if l.Log != "" {
		msg := l.Log
		log := in.Logger
		steps = append(steps, dispatch.ListenerFunc(func(p cec.Packet) error {
			log.Info().Str("packet", p.Describe()).Msg(msg)
			return nil
		}))
	}
	if l.Send != nil {
		steps = append(steps, in.Executor.Listener(in.Context, l.Send.SendAction("")))
	}
	if l.Action != "" {
		steps = append(steps, in.Executor.Listener(in.Context, actions[l.Action]))
	}
	switch len(steps) {
	case 0:
		return nil
	case 1:
		return steps[0]
	}
	return dispatch.ListenerFunc(func(p cec.Packet) error {
		var errs []error
		for _, s := range steps {
			if err := s.HandlePacket(p); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
