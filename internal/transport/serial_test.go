package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/hdmi-cec/internal/cec"
)

// adapterPort answers every TX line with the given result line.
func adapterPort(result string) *TestableSerialPort {
	port := NewTestableSerialPort()
	port.OnWrite = func(line string) []string {
		if strings.HasPrefix(line, "TX ") {
			return []string{result}
		}
		return nil
	}
	return port
}

func startMonitor(t *testing.T, bus Transport) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		bus.Monitor(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		bus.Close()
		<-done
	})
}

func TestSerialBus_TransmitResults(t *testing.T) {
	tests := []struct {
		result string
		want   Status
	}{
		{"TXOK", StatusAck},
		{"TXNAK", StatusNoAck},
		{"TXCOLL", StatusCollision},
		{"TXBUSY", StatusBusy},
	}
	for _, tt := range tests {
		t.Run(tt.result, func(t *testing.T) {
			port := adapterPort(tt.result)
			bus := NewSerialBus(port, BusOptions{Logger: zerolog.Nop()})
			startMonitor(t, bus)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			got, err := bus.Transmit(ctx, []byte{0x45, 0x01, 0x02, 0x03})
			if err != nil {
				t.Fatalf("Transmit: %v", err)
			}
			if got != tt.want {
				t.Errorf("status = %v, want %v", got, tt.want)
			}
			lines := port.WrittenLines()
			if len(lines) != 1 || lines[0] != "TX 45:01:02:03" {
				t.Errorf("written lines = %q", lines)
			}
		})
	}
}

func TestSerialBus_TransmitTimeout(t *testing.T) {
	port := NewTestableSerialPort()
	bus := NewSerialBus(port, BusOptions{Logger: zerolog.Nop()})
	startMonitor(t, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := bus.Transmit(ctx, []byte{0x40, 0x36})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestSerialBus_ReceiveDeliversFrames(t *testing.T) {
	port := NewTestableSerialPort()
	bus := NewSerialBus(port, BusOptions{Logger: zerolog.Nop()})

	var mu sync.Mutex
	var frames [][]byte
	got := make(chan struct{}, 4)
	bus.HandleFrames(func(frame []byte, at time.Time) {
		mu.Lock()
		frames = append(frames, frame)
		mu.Unlock()
		got <- struct{}{}
	})
	startMonitor(t, bus)

	port.AddReadLine("BUSY")
	port.AddReadLine("debug: bit timing ok")
	port.AddReadLine("RX 14:46")
	port.AddReadLine("RX 0F:36")

	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("frame not delivered")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(frames) != 2 || frames[0][0] != 0x14 || frames[0][1] != 0x46 || frames[1][0] != 0x0F {
		t.Errorf("frames = % X", frames)
	}
	if bus.Busy() {
		t.Error("bus should be idle after a complete frame")
	}
	if bus.LastActivity().IsZero() {
		t.Error("LastActivity not updated")
	}
}

func TestSerialBus_SubscribersSeeAllLines(t *testing.T) {
	port := NewTestableSerialPort()
	bus := NewSerialBus(port, BusOptions{Logger: zerolog.Nop()})
	id, ch := bus.Subscribe()
	defer bus.Unsubscribe(id)
	startMonitor(t, bus)

	port.AddReadLine("hello")
	port.AddReadLine("RX 14:46")

	for _, want := range []string{"hello", "RX 14:46"} {
		select {
		case line := <-ch:
			if line != want {
				t.Errorf("line = %q, want %q", line, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no line %q", want)
		}
	}
}

func TestSerialBus_InitializeAndAckAddresses(t *testing.T) {
	port := NewTestableSerialPort()
	bus := NewSerialBus(port, BusOptions{})

	if err := bus.Initialize(true, false); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := bus.AckAddresses([]cec.LogicalAddress{4, 8}); err != nil {
		t.Fatalf("AckAddresses: %v", err)
	}
	want := []string{"PROMISC 1", "MONITOR 0", "ADDR 4 8"}
	got := port.WrittenLines()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("lines = %q, want %q", got, want)
	}
}

func TestSerialBus_WriteError(t *testing.T) {
	port := NewTestableSerialPort()
	port.WriteError = errors.New("unplugged")
	bus := NewSerialBus(port, BusOptions{})
	if _, err := bus.Transmit(context.Background(), []byte{0x40}); err == nil {
		t.Fatal("expected write error")
	}
}

func TestSerialBus_MonitorReturnsReadError(t *testing.T) {
	port := NewTestableSerialPort()
	bus := NewSerialBus(port, BusOptions{})
	readErr := errors.New("device gone")

	errCh := make(chan error, 1)
	go func() { errCh <- bus.Monitor(context.Background()) }()
	port.FailReads(readErr)

	select {
	case err := <-errCh:
		if !errors.Is(err, readErr) {
			t.Errorf("Monitor err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return")
	}
}

func TestClassifyLine(t *testing.T) {
	tests := []struct {
		line string
		kind LineKind
		arg  string
	}{
		{"RX 14:46", LineFrame, "14:46"},
		{"rx 0f:36 ", LineFrame, "0f:36"},
		{"TXOK", LineResult, "TXOK"},
		{"txnak", LineResult, "TXNAK"},
		{"BUSY", LineBusy, ""},
		{"IDLE", LineIdle, ""},
		{"v1.2 ready", LineUnknown, "v1.2 ready"},
	}
	for _, tt := range tests {
		kind, arg := ClassifyLine(tt.line)
		if kind != tt.kind || arg != tt.arg {
			t.Errorf("ClassifyLine(%q) = %v %q, want %v %q", tt.line, kind, arg, tt.kind, tt.arg)
		}
	}
}
