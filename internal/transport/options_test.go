package transport

import (
	"errors"
	"testing"

	"go.bug.st/serial"
)

func TestPortOptions_NormalizeDefaults(t *testing.T) {
	got, err := PortOptions{Path: " /dev/ttyACM0 "}.Normalize()
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	want := PortOptions{Path: "/dev/ttyACM0", BaudRate: DefaultBaudRate, DataBits: 8, StopBits: 1, Parity: "N"}
	if got != want {
		t.Errorf("Normalize() = %+v, want %+v", got, want)
	}
}

func TestPortOptions_NormalizeErrors(t *testing.T) {
	for _, opts := range []PortOptions{
		{DataBits: 9},
		{StopBits: 3},
		{Parity: "mark"},
	} {
		if _, err := opts.Normalize(); err == nil {
			t.Errorf("Normalize(%+v) should fail", opts)
		}
	}
}

func TestPortOptions_Equal(t *testing.T) {
	a := PortOptions{Path: "/dev/ttyUSB0", Parity: "none"}
	b := PortOptions{Path: "/dev/ttyUSB0", BaudRate: 38400, DataBits: 8, StopBits: 1, Parity: "N"}
	if !a.Equal(b) {
		t.Error("defaults should compare equal to explicit values")
	}
	if a.Equal(PortOptions{Path: "/dev/ttyUSB1"}) {
		t.Error("different paths compared equal")
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{BaudRate: 9600, StopBits: 2, Parity: "even"}.SerialMode()
	if err != nil {
		t.Fatalf("SerialMode: %v", err)
	}
	if mode.BaudRate != 9600 || mode.StopBits != serial.TwoStopBits || mode.Parity != serial.EvenParity {
		t.Errorf("mode = %+v", mode)
	}
}

func TestOpenSerialBus(t *testing.T) {
	port := NewTestableSerialPort()
	factory := NewMockSerialPortFactory(port)

	bus, err := OpenSerialBus(factory, PortOptions{Path: "/dev/ttyUSB0"}, BusOptions{})
	if err != nil {
		t.Fatalf("OpenSerialBus: %v", err)
	}
	defer bus.Close()

	call := factory.LastCall()
	if call == nil || call.Path != "/dev/ttyUSB0" || call.Mode.BaudRate != DefaultBaudRate {
		t.Errorf("open call = %+v", call)
	}

	if _, err := OpenSerialBus(factory, PortOptions{}, BusOptions{}); !errors.Is(err, ErrNoPortPath) {
		t.Errorf("empty path err = %v", err)
	}

	factory.Error = errors.New("permission denied")
	if _, err := OpenSerialBus(factory, PortOptions{Path: "/dev/ttyUSB0"}, BusOptions{}); err == nil {
		t.Error("expected open error")
	}
}
