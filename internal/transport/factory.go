package transport

import (
	"errors"
	"fmt"
)

var ErrNoPortPath = errors.New("serial port path is empty")

// OpenSerialBus opens the port described by opts through factory and wraps it
// in a SerialBus.
func OpenSerialBus(factory SerialPortFactory, opts PortOptions, busOpts BusOptions) (*SerialBus[SerialPorter], error) {
	norm, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	if norm.Path == "" {
		return nil, ErrNoPortPath
	}
	mode, err := norm.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := factory.Open(norm.Path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", norm.Path, err)
	}
	return NewSerialBus[SerialPorter](port, busOpts), nil
}

// NewRealSerialBus opens a real serial port for the adapter.
func NewRealSerialBus(opts PortOptions, busOpts BusOptions) (*SerialBus[SerialPorter], error) {
	return OpenSerialBus(RealPortFactory{}, opts, busOpts)
}
