// Package bridge wires the transport, arbitration manager, dispatcher and
// executor into a running CEC device.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/hdmi-cec/internal/action"
	"github.com/banshee-data/hdmi-cec/internal/arbitration"
	"github.com/banshee-data/hdmi-cec/internal/capture"
	"github.com/banshee-data/hdmi-cec/internal/cec"
	"github.com/banshee-data/hdmi-cec/internal/config"
	"github.com/banshee-data/hdmi-cec/internal/db"
	"github.com/banshee-data/hdmi-cec/internal/dispatch"
	"github.com/banshee-data/hdmi-cec/internal/metrics"
	"github.com/banshee-data/hdmi-cec/internal/timeutil"
	"github.com/banshee-data/hdmi-cec/internal/transport"
)

// ErrUnknownAction is returned by RunAction for names not in the
// configuration.
var ErrUnknownAction = errors.New("unknown action")

// Queue sizes.
const (
	DefaultQueueSize  = 256
	recordQueueFactor = 2
)

// Journal stores frames. *db.DB implements it.
type Journal interface {
	RecordFrame(f db.Frame) error
}

// Recorder captures raw frames. *capture.Writer implements it.
type Recorder interface {
	Write(dir capture.Direction, frame []byte, t time.Time, outcome string, attempts int) error
}

// adapterInitializer is implemented by transports that need the receive
// mode set before use.
type adapterInitializer interface {
	Initialize(promiscuous, monitor bool) error
}

// Options configures a Bridge. Config and Transport are required.
type Options struct {
	Config    *config.Config
	Transport transport.Transport
	Clock     timeutil.Clock
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	// Journal and Capture are optional.
	Journal Journal
	Capture Recorder
	// QueueSize bounds frames waiting for dispatch.
	QueueSize int
}

// Bridge is a running CEC device.
type Bridge struct {
	cfg       *config.Config
	transport transport.Transport
	bus       *tap
	clock     timeutil.Clock
	log       zerolog.Logger
	metrics   *metrics.Metrics
	journal   Journal
	capture   Recorder

	mgr     *arbitration.Manager
	disp    *dispatch.Dispatcher
	exec    *action.Executor
	actions map[string]action.SendAction

	// ctx is the parent of every listener-triggered send.
	ctx    context.Context
	cancel context.CancelFunc

	rx      chan cec.Packet
	records chan record

	ready     chan struct{}
	readyOnce sync.Once
}

type record struct {
	dir      capture.Direction
	frame    []byte
	at       time.Time
	outcome  string
	attempts int
}

// New builds a bridge and installs the configured listeners. Nothing touches
// the bus until Run.
func New(opts Options) (*Bridge, error) {
	if opts.Config == nil {
		return nil, errors.New("bridge: config is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("bridge: transport is required")
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:       opts.Config,
		transport: opts.Transport,
		clock:     opts.Clock,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		journal:   opts.Journal,
		capture:   opts.Capture,
		ctx:       ctx,
		cancel:    cancel,
		rx:        make(chan cec.Packet, opts.QueueSize),
		records:   make(chan record, recordQueueFactor*opts.QueueSize),
		ready:     make(chan struct{}),
	}
	b.bus = &tap{Transport: opts.Transport, b: b}

	arbOpts := opts.Config.ArbitrationOptions()
	arbOpts.Clock = opts.Clock
	arbOpts.Logger = opts.Logger.With().Str("component", "arbitration").Logger()
	arbOpts.Metrics = opts.Metrics
	b.mgr = arbitration.New(b.bus, arbOpts)

	b.disp = dispatch.New(dispatch.Options{
		Logger:  opts.Logger.With().Str("component", "dispatch").Logger(),
		Metrics: opts.Metrics,
	})
	b.exec = action.NewExecutor(b.mgr, opts.Logger.With().Str("component", "action").Logger())
	b.actions = opts.Config.SendActions()

	if !opts.Config.MonitorMode {
		b.registerReplies()
	}
	installer := config.Installer{
		Dispatcher: b.disp,
		Executor:   b.exec,
		Logger:     opts.Logger.With().Str("component", "listener").Logger(),
		Context:    ctx,
	}
	if _, err := installer.Install(opts.Config); err != nil {
		cancel()
		return nil, fmt.Errorf("install listeners: %w", err)
	}

	opts.Transport.HandleFrames(b.onFrame)
	return b, nil
}

// Run starts receiving, claims the configured addresses and blocks until ctx
// is done or the transport fails.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.dispatchLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		b.recordLoop(ctx)
	}()
	monitorErr := make(chan error, 1)
	go func() {
		monitorErr <- b.transport.Monitor(ctx)
	}()

	err := b.start(ctx)
	if err == nil {
		b.readyOnce.Do(func() { close(b.ready) })
		select {
		case <-ctx.Done():
		case err = <-monitorErr:
			if err != nil && ctx.Err() == nil {
				err = fmt.Errorf("monitor: %w", err)
			} else {
				err = nil
			}
		}
	}
	cancel()
	b.cancel()
	wg.Wait()
	return err
}

func (b *Bridge) start(ctx context.Context) error {
	if ai, ok := b.transport.(adapterInitializer); ok {
		if err := ai.Initialize(b.cfg.PromiscuousEnabled(), b.cfg.MonitorMode); err != nil {
			return err
		}
	}
	if addrs := b.cfg.LogicalAddresses(); addrs != nil {
		if err := b.mgr.Claim(ctx, addrs); err != nil {
			return fmt.Errorf("claim %v: %w", addrs, err)
		}
	} else {
		t := b.cfg.Device()
		if _, err := b.mgr.ClaimForDeviceType(ctx, t); err != nil {
			return fmt.Errorf("claim for %s: %w", t, err)
		}
	}
	primary, _ := b.mgr.Primary()
	b.log.Info().
		Interface("addresses", b.mgr.Addresses()).
		Stringer("primary", primary).
		Stringer("physical_address", b.cfg.Physical()).
		Bool("monitor_mode", b.cfg.MonitorMode).
		Msg("bridge ready")
	return nil
}

// Ready is closed once the addresses are claimed.
func (b *Bridge) Ready() <-chan struct{} { return b.ready }

// onFrame runs on the transport's receive goroutine. Listeners may send, and
// a send waits for a result that only this goroutine reads, so dispatch
// happens on the worker.
func (b *Bridge) onFrame(frame []byte, at time.Time) {
	b.metrics.FrameReceived()
	b.mgr.NoteReceived(at)
	b.record(record{dir: capture.RX, frame: frame, at: at})

	p, err := cec.Decode(frame)
	if err != nil {
		b.metrics.FrameMalformed()
		b.log.Warn().Err(err).Hex("frame", frame).Msg("dropping malformed frame")
		return
	}
	b.log.Debug().Msgf("RX: %s", p.Describe())

	select {
	case b.rx <- p:
	default:
		b.log.Warn().Str("frame", p.Describe()).Msg("dispatch queue full, dropping frame")
	}
}

func (b *Bridge) dispatchLoop(ctx context.Context) {
	promiscuous := b.cfg.PromiscuousEnabled()
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-b.rx:
			if !promiscuous && !p.IsBroadcast() && !b.mgr.Owns(p.Destination) {
				b.metrics.FrameFiltered()
				continue
			}
			b.disp.Dispatch(p)
		}
	}
}

// record queues a frame for the journal and capture without blocking the
// caller.
func (b *Bridge) record(r record) {
	if b.journal == nil && b.capture == nil {
		return
	}
	r.frame = append([]byte(nil), r.frame...)
	select {
	case b.records <- r:
	default:
		b.log.Warn().Hex("frame", r.frame).Msg("record queue full, frame not journaled")
	}
}

func (b *Bridge) recordLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Drain what is already queued so a clean shutdown loses nothing.
			for {
				select {
				case r := <-b.records:
					b.write(r)
				default:
					return
				}
			}
		case r := <-b.records:
			b.write(r)
		}
	}
}

func (b *Bridge) write(r record) {
	if b.capture != nil {
		if err := b.capture.Write(r.dir, r.frame, r.at, r.outcome, r.attempts); err != nil {
			b.log.Error().Err(err).Msg("capture write failed")
		}
	}
	if b.journal != nil && len(r.frame) > 0 {
		dir := db.DirectionRX
		if r.dir == capture.TX {
			dir = db.DirectionTX
		}
		p := cec.Packet{
			Source:      cec.LogicalAddress(r.frame[0] >> 4),
			Destination: cec.LogicalAddress(r.frame[0] & 0x0F),
			Data:        r.frame[1:],
		}
		f := db.NewFrame(dir, p, r.at)
		f.Outcome = r.outcome
		f.Attempts = r.attempts
		if err := b.journal.RecordFrame(f); err != nil {
			b.log.Error().Err(err).Msg("journal write failed")
		}
	}
}

// Execute runs a send action built outside the configuration.
func (b *Bridge) Execute(ctx context.Context, a action.SendAction) (arbitration.Report, error) {
	return b.exec.Execute(ctx, a)
}

// Send transmits data from the primary address.
func (b *Bridge) Send(ctx context.Context, dst cec.LogicalAddress, data ...byte) (arbitration.Report, error) {
	return b.exec.Send(ctx, dst, data...)
}

// RunAction executes a named action from the configuration.
func (b *Bridge) RunAction(ctx context.Context, name string) (arbitration.Report, error) {
	a, ok := b.actions[name]
	if !ok {
		return arbitration.Report{}, fmt.Errorf("%w %q", ErrUnknownAction, name)
	}
	return b.exec.Execute(ctx, a)
}

// ActionNames lists the configured actions in order.
func (b *Bridge) ActionNames() []string {
	names := make([]string, 0, len(b.actions))
	for n := range b.actions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (b *Bridge) Addresses() []cec.LogicalAddress { return b.mgr.Addresses() }

func (b *Bridge) Primary() (cec.LogicalAddress, bool) { return b.mgr.Primary() }

func (b *Bridge) SetPrimary(a cec.LogicalAddress) error { return b.mgr.SetPrimary(a) }

// Listeners describes the listener tree.
func (b *Bridge) Listeners() []dispatch.Registration { return b.disp.Snapshot() }

// Dispatcher exposes the listener tree for programmatic registration.
func (b *Bridge) Dispatcher() *dispatch.Dispatcher { return b.disp }

// Manager exposes the arbitration manager.
func (b *Bridge) Manager() *arbitration.Manager { return b.mgr }

// tap records every transmit attempt on its way to the transport.
type tap struct {
	transport.Transport
	b *Bridge
}

func (t *tap) Transmit(ctx context.Context, frame []byte) (transport.Status, error) {
	status, err := t.Transport.Transmit(ctx, frame)
	outcome := status.String()
	if err != nil {
		outcome = "error"
	}
	t.b.record(record{dir: capture.TX, frame: frame, at: t.b.clock.Now(), outcome: outcome, attempts: 1})
	return status, err
}

func (t *tap) AckAddresses(addrs []cec.LogicalAddress) error {
	if acker, ok := t.Transport.(transport.AddressAcker); ok {
		return acker.AckAddresses(addrs)
	}
	return nil
}
