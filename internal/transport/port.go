package transport

import (
	"io"

	"go.bug.st/serial"
)

// SerialPorter is the part of a serial port the bus needs. Tests substitute
// TestableSerialPort.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// SerialPortFactory opens serial ports.
type SerialPortFactory interface {
	Open(path string, mode *serial.Mode) (SerialPorter, error)
}

// RealPortFactory opens ports with go.bug.st/serial.
type RealPortFactory struct{}

func (RealPortFactory) Open(path string, mode *serial.Mode) (SerialPorter, error) {
	return serial.Open(path, mode)
}

// ListPorts returns the serial ports present on this machine.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
