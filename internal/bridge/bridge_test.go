package bridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/hdmi-cec/internal/arbitration"
	"github.com/banshee-data/hdmi-cec/internal/capture"
	"github.com/banshee-data/hdmi-cec/internal/cec"
	"github.com/banshee-data/hdmi-cec/internal/config"
	"github.com/banshee-data/hdmi-cec/internal/db"
	"github.com/banshee-data/hdmi-cec/internal/dispatch"
	"github.com/banshee-data/hdmi-cec/internal/metrics"
	"github.com/banshee-data/hdmi-cec/internal/testutil"
	"github.com/banshee-data/hdmi-cec/internal/timeutil"
	"github.com/banshee-data/hdmi-cec/internal/transport"
)

const waitTimeout = 5 * time.Second

var t0 = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

type fakeJournal struct {
	mu     sync.Mutex
	frames []db.Frame
}

func (j *fakeJournal) RecordFrame(f db.Frame) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.frames = append(j.frames, f)
	return nil
}

func (j *fakeJournal) Frames() []db.Frame {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]db.Frame(nil), j.frames...)
}

func parseConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	return cfg
}

func newBridge(t *testing.T, cfg *config.Config, bus transport.Transport, mod ...func(*Options)) *Bridge {
	t.Helper()
	opts := Options{
		Config:    cfg,
		Transport: bus,
		Logger:    zerolog.Nop(),
	}
	for _, m := range mod {
		m(&opts)
	}
	b, err := New(opts)
	require.NoError(t, err)
	return b
}

// simBridge builds a bridge over a simulated bus with a TV at address 0. The
// bus and the bridge share one self-advancing clock.
func simBridge(t *testing.T, yaml string, mod ...func(*Options)) (*Bridge, *transport.SimBus) {
	t.Helper()
	clock := timeutil.NewAutoClock(t0)
	bus := transport.NewSimBus(clock)
	bus.AddDevice(&transport.SimDevice{Address: cec.AddrTV})
	mod = append([]func(*Options){func(o *Options) { o.Clock = clock }}, mod...)
	return newBridge(t, parseConfig(t, yaml), bus, mod...), bus
}

// afterDispatch registers a trailing listener. The tree runs in pre-order,
// so when it fires every earlier listener, built-in replies included, has
// finished with the packet.
func afterDispatch(b *Bridge, f dispatch.Filter) <-chan cec.Packet {
	ch := make(chan cec.Packet, 16)
	b.Dispatcher().Register(f, dispatch.ListenerFunc(func(p cec.Packet) error {
		ch <- p
		return nil
	}))
	return ch
}

// start runs b until the test ends and waits for it to claim.
func start(t *testing.T, b *Bridge) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- b.Run(ctx) }()

	var (
		once sync.Once
		err  error
	)
	stop = func() error {
		once.Do(func() {
			cancel()
			select {
			case err = <-errc:
			case <-time.After(waitTimeout):
				t.Error("Run did not return")
			}
		})
		return err
	}
	t.Cleanup(func() { stop() })

	select {
	case <-b.Ready():
	case err := <-errc:
		t.Fatalf("Run failed before ready: %v", err)
	case <-time.After(waitTimeout):
		t.Fatal("bridge never became ready")
	}
	return stop
}

func TestBridge_ReportsPhysicalAddress(t *testing.T) {
	b, bus := simBridge(t, "addresses: [4]\nphysical_address: 2.1.0.0\n")
	seen := afterDispatch(b, dispatch.Filter{Opcode: dispatch.Op(cec.OpGivePhysicalAddress)})
	start(t, b)

	require.NoError(t, bus.Inject([]byte{0x04, 0x83}))
	testutil.Receive(t, seen, waitTimeout)

	assert.Equal(t, []string{"44", "4F:84:21:00:04"}, testutil.FrameStrings(bus.Frames()))
	assert.Equal(t, []cec.LogicalAddress{4}, bus.Acked())
}

func TestBridge_AnswersGiveOSDName(t *testing.T) {
	b, bus := simBridge(t, "addresses: [4]\nosd_name: pi\n")
	seen := afterDispatch(b, dispatch.Filter{Opcode: dispatch.Op(cec.OpGiveOSDName)})
	start(t, b)

	require.NoError(t, bus.Inject([]byte{0x04, 0x46}))
	testutil.Receive(t, seen, waitTimeout)

	assert.Equal(t, []string{"44", "40:47:70:69"}, testutil.FrameStrings(bus.Frames()))
}

func TestBridge_IgnoresQueriesForOtherDevices(t *testing.T) {
	b, bus := simBridge(t, "addresses: [4]\nosd_name: pi\n")
	seen := afterDispatch(b, dispatch.Filter{})
	start(t, b)

	require.NoError(t, bus.Inject([]byte{0x05, 0x83}))
	require.NoError(t, bus.Inject([]byte{0x0F, 0x46}))
	testutil.Receive(t, seen, waitTimeout)
	testutil.Receive(t, seen, waitTimeout)

	assert.Equal(t, []string{"44"}, testutil.FrameStrings(bus.Frames()))
}

func TestBridge_MonitorModeNeverTransmits(t *testing.T) {
	b, bus := simBridge(t, "addresses: [4]\nmonitor_mode: true\nosd_name: pi\n")
	seen := afterDispatch(b, dispatch.Filter{})
	start(t, b)

	require.NoError(t, bus.Inject([]byte{0x04, 0x83}))
	require.NoError(t, bus.Inject([]byte{0x04, 0x46}))
	testutil.Receive(t, seen, waitTimeout)
	testutil.Receive(t, seen, waitTimeout)

	assert.Empty(t, bus.Frames())
	assert.Equal(t, []cec.LogicalAddress{4}, b.Addresses())
	_, err := b.Send(context.Background(), cec.AddrTV, byte(cec.OpStandby))
	assert.ErrorIs(t, err, arbitration.ErrMonitorMode)
}

func TestBridge_NonPromiscuousFiltersOtherDestinations(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	b, bus := simBridge(t, "addresses: [4]\npromiscuous: false\n", func(o *Options) { o.Metrics = m })
	seen := afterDispatch(b, dispatch.Filter{})
	start(t, b)

	for _, f := range [][]byte{{0x05, 0x36}, {0x0F, 0x36}, {0x04, 0x36}} {
		require.NoError(t, bus.Inject(f))
	}
	assert.Equal(t, "0F:36", testutil.Receive(t, seen, waitTimeout).String())
	assert.Equal(t, "04:36", testutil.Receive(t, seen, waitTimeout).String())
	assert.Equal(t, 1.0, promtest.ToFloat64(m.FramesFiltered))
	assert.Equal(t, 3.0, promtest.ToFloat64(m.FramesReceived))
}

func TestBridge_MalformedFramesAreCounted(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	b, bus := simBridge(t, "addresses: [4]\n", func(o *Options) { o.Metrics = m })
	seen := afterDispatch(b, dispatch.Filter{})
	start(t, b)

	require.NoError(t, bus.Inject([]byte{0x44, 0x36}))
	require.NoError(t, bus.Inject([]byte{0x0F, 0x36}))
	assert.Equal(t, "0F:36", testutil.Receive(t, seen, waitTimeout).String())
	assert.Equal(t, 1.0, promtest.ToFloat64(m.MalformedFrames))
}

func TestBridge_ClaimByDeviceType(t *testing.T) {
	b, bus := simBridge(t, "device_type: playback\n")
	bus.AddDevice(&transport.SimDevice{Address: cec.AddrPlaybackDevice1})
	start(t, b)

	assert.Equal(t, []cec.LogicalAddress{cec.AddrPlaybackDevice2}, b.Addresses())
	assert.Equal(t, []string{"44", "88"}, testutil.FrameStrings(bus.Frames()))
}

func TestBridge_ClaimConflictStopsRun(t *testing.T) {
	b, _ := simBridge(t, "addresses: [0]\n")

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	err := b.Run(ctx)
	assert.ErrorIs(t, err, cec.ErrAddressConflict)
	select {
	case <-b.Ready():
		t.Error("bridge reported ready after a failed claim")
	default:
	}
}

func TestBridge_RunAction(t *testing.T) {
	b, bus := simBridge(t, `
addresses: [4]
actions:
  tv_off:
    destination: 0
    data: [0x36]
  all_off:
    destination: 15
    data: [0x36]
`)
	start(t, b)

	assert.Equal(t, []string{"all_off", "tv_off"}, b.ActionNames())

	report, err := b.RunAction(context.Background(), "tv_off")
	require.NoError(t, err)
	assert.True(t, report.Acked)
	assert.Equal(t, "40:36", testutil.FrameStrings(bus.Frames())[1])

	_, err = b.RunAction(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestBridge_ConfiguredListenerReplies(t *testing.T) {
	b, bus := simBridge(t, `
addresses: [4]
on_packet:
  - opcode: 0x8C
    send:
      destination: source
      data: [0x87, 0x00, 0x00, 0x01]
`)
	seen := afterDispatch(b, dispatch.Filter{Opcode: dispatch.Op(cec.OpGiveDeviceVendorID)})
	start(t, b)

	require.NoError(t, bus.Inject([]byte{0x04, 0x8C}))
	testutil.Receive(t, seen, waitTimeout)
	assert.Equal(t, []string{"44", "40:87:00:00:01"}, testutil.FrameStrings(bus.Frames()))
}

func TestBridge_JournalAndCapture(t *testing.T) {
	journal := &fakeJournal{}
	var buf bytes.Buffer
	cw, err := capture.NewWriter(&buf, t0, nil)
	require.NoError(t, err)

	b, bus := simBridge(t, "addresses: [4]\nosd_name: pi\n", func(o *Options) {
		o.Journal = journal
		o.Capture = cw
	})
	seen := afterDispatch(b, dispatch.Filter{Opcode: dispatch.Op(cec.OpGiveOSDName)})
	stop := start(t, b)

	require.NoError(t, bus.Inject([]byte{0x04, 0x46}))
	testutil.Receive(t, seen, waitTimeout)
	require.NoError(t, stop())

	frames := journal.Frames()
	require.Len(t, frames, 3)
	assert.Equal(t, db.DirectionTX, frames[0].Direction)
	assert.Equal(t, "44", frames[0].Data)
	assert.Equal(t, "nak", frames[0].Outcome)
	assert.Equal(t, db.DirectionRX, frames[1].Direction)
	assert.Equal(t, "04:46", frames[1].Data)
	assert.Equal(t, "40:47:70:69", frames[2].Data)
	assert.Equal(t, "ack", frames[2].Outcome)

	r, err := capture.NewReader(&buf)
	require.NoError(t, err)
	var dirs []capture.Direction
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		dirs = append(dirs, rec.Direction)
	}
	assert.Equal(t, []capture.Direction{capture.TX, capture.RX, capture.TX}, dirs)
}

// A listener that sends blocks until the adapter's result line is read by
// the transport's receive loop, which also delivered the triggering frame.
func TestBridge_ListenerSendsThroughSerialAdapter(t *testing.T) {
	port := transport.NewTestableSerialPort()
	port.OnWrite = func(line string) []string {
		switch {
		case line == "TX 44":
			return []string{"TXNAK"}
		case strings.HasPrefix(line, "TX "):
			return []string{"TXOK"}
		}
		return nil
	}
	bus := transport.NewSerialBus(port, transport.BusOptions{Logger: zerolog.Nop()})
	t.Cleanup(func() { bus.Close() })

	m := metrics.New(prometheus.NewRegistry())
	cfg := parseConfig(t, `
addresses: [4]
on_packet:
  - opcode: 0x8C
    send:
      destination: source
      data: [0x87, 0x00, 0x00, 0x01]
`)
	b := newBridge(t, cfg, bus, func(o *Options) {
		o.Clock = timeutil.RealClock{}
		o.Metrics = m
	})
	seen := afterDispatch(b, dispatch.Filter{Opcode: dispatch.Op(cec.OpGiveDeviceVendorID)})
	start(t, b)

	port.AddReadLine("RX 04:8C")
	testutil.Receive(t, seen, waitTimeout)

	assert.Equal(t, 0.0, promtest.ToFloat64(m.ListenerFailures))
	assert.Contains(t, port.WrittenLines(), "TX 40:87:00:00:01")
	assert.Equal(t, "PROMISC 1", port.WrittenLines()[0])
}

func TestNew_RequiresConfigAndTransport(t *testing.T) {
	_, err := New(Options{Transport: transport.NewSimBus(nil)})
	assert.Error(t, err)
	_, err = New(Options{Config: config.Default()})
	assert.Error(t, err)
}
