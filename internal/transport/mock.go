package transport

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

var errPortClosed = errors.New("serial port closed")

// TestableSerialPort is an in-memory SerialPorter that stands in for a CEC
// adapter in tests. Lines written by the host are recorded; OnWrite may answer
// them by returning adapter lines, which become readable immediately.
type TestableSerialPort struct {
	mu sync.Mutex

	ReadBuffer  *bytes.Buffer
	WriteBuffer *bytes.Buffer

	// OnWrite is called with every complete line the host writes (without
	// the newline). Returned lines are queued for reading.
	OnWrite func(line string) []string

	// WriteLatency adds a delay to each Write call
	WriteLatency time.Duration

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// CloseError is returned by Close if set
	CloseError error

	Closed     bool
	ReadCalls  int
	WriteCalls int

	// BlockReads causes Read to block until data is added or Close is called
	BlockReads bool

	pending  string
	readCond *sync.Cond
}

// NewTestableSerialPort creates a port whose reads block until data arrives.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
		BlockReads:  true,
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

// Read reads adapter output.
func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	for t.BlockReads && !t.Closed && t.ReadBuffer.Len() == 0 && t.ReadError == nil {
		t.readCond.Wait()
	}
	if t.Closed {
		return 0, errPortClosed
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	return t.ReadBuffer.Read(p)
}

// Write records host output and runs OnWrite for each complete line.
func (t *TestableSerialPort) Write(p []byte) (int, error) {
	if t.WriteLatency > 0 {
		time.Sleep(t.WriteLatency)
	}

	t.mu.Lock()
	t.WriteCalls++
	if t.Closed {
		t.mu.Unlock()
		return 0, errPortClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		t.mu.Unlock()
		return 0, err
	}
	n, _ := t.WriteBuffer.Write(p)
	t.pending += string(p)
	var lines []string
	for {
		i := strings.IndexByte(t.pending, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, t.pending[:i])
		t.pending = t.pending[i+1:]
	}
	hook := t.OnWrite
	t.mu.Unlock()

	if hook != nil {
		for _, line := range lines {
			for _, reply := range hook(line) {
				t.AddReadLine(reply)
			}
		}
	}
	return n, nil
}

// Close marks the port as closed and wakes blocked readers.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	t.readCond.Broadcast()
	return t.CloseError
}

// AddReadData queues raw adapter output.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadBuffer.Write(data)
	t.readCond.Broadcast()
}

// AddReadLine queues one adapter line.
func (t *TestableSerialPort) AddReadLine(line string) {
	t.AddReadData([]byte(line + "\n"))
}

// FailReads makes the next Read return err, waking a blocked reader.
func (t *TestableSerialPort) FailReads(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadError = err
	t.readCond.Broadcast()
}

// WrittenLines returns the complete lines written by the host.
func (t *TestableSerialPort) WrittenLines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := strings.TrimSuffix(t.WriteBuffer.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// MockSerialPortFactory implements SerialPortFactory for testing.
type MockSerialPortFactory struct {
	mu sync.Mutex

	// Port is the port to return from Open
	Port SerialPorter

	// Error is returned by Open if set
	Error error

	OpenCalls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path string
	Mode *serial.Mode
}

func NewMockSerialPortFactory(port SerialPorter) *MockSerialPortFactory {
	return &MockSerialPortFactory{Port: port}
}

// Open returns the configured port or error.
func (f *MockSerialPortFactory) Open(path string, mode *serial.Mode) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.OpenCalls = append(f.OpenCalls, MockOpenCall{Path: path, Mode: mode})
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Port, nil
}

// LastCall returns the most recent Open call, or nil if none.
func (f *MockSerialPortFactory) LastCall() *MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.OpenCalls) == 0 {
		return nil
	}
	return &f.OpenCalls[len(f.OpenCalls)-1]
}
