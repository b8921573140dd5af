// Package arbitration owns the bus on behalf of the local device: it claims
// logical addresses at startup and serialises sends, waiting for the
// signal-free time and retrying failed attempts within a fixed budget.
package arbitration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/hdmi-cec/internal/cec"
	"github.com/banshee-data/hdmi-cec/internal/metrics"
	"github.com/banshee-data/hdmi-cec/internal/timeutil"
	"github.com/banshee-data/hdmi-cec/internal/transport"
)

var (
	ErrAlreadyClaimed = errors.New("addresses already claimed")
	ErrNotClaimed     = errors.New("address not claimed")
	// ErrMonitorMode is returned by Send when the device only listens.
	ErrMonitorMode = errors.New("monitor mode: transmit disabled")

	errIdleTimeout = errors.New("bus did not go idle")
)

// Defaults. A CEC data bit is 2.4ms nominal; the adapter retransmits at most
// five times in total.
const (
	DefaultMaxAttempts             = 5
	DefaultBitPeriod               = 2400 * time.Microsecond
	DefaultNewInitiatorBitPeriods  = 5
	DefaultLastInitiatorBitPeriods = 7
	DefaultRetryBitPeriods         = 3
	DefaultIdleTimeout             = 250 * time.Millisecond
	DefaultAckTimeout              = 500 * time.Millisecond
)

// Options configures a Manager. Zero values take the defaults above.
type Options struct {
	Clock timeutil.Clock

	MaxAttempts             int
	BitPeriod               time.Duration
	NewInitiatorBitPeriods  int
	LastInitiatorBitPeriods int
	RetryBitPeriods         int

	// IdleTimeout bounds the wait for a signal-free bus on each attempt.
	IdleTimeout time.Duration
	// AckTimeout bounds the wait for the transport's result on each attempt.
	AckTimeout time.Duration

	// MonitorMode records claimed addresses without polling and refuses to
	// transmit.
	MonitorMode bool

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BitPeriod <= 0 {
		o.BitPeriod = DefaultBitPeriod
	}
	if o.NewInitiatorBitPeriods <= 0 {
		o.NewInitiatorBitPeriods = DefaultNewInitiatorBitPeriods
	}
	if o.LastInitiatorBitPeriods <= 0 {
		o.LastInitiatorBitPeriods = DefaultLastInitiatorBitPeriods
	}
	if o.RetryBitPeriods <= 0 {
		o.RetryBitPeriods = DefaultRetryBitPeriods
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	return o
}

// Report describes a completed send.
type Report struct {
	Attempts  int
	Broadcast bool
	// Acked is false only for broadcasts that a follower rejected.
	Acked    bool
	Duration time.Duration
}

// Manager claims logical addresses and owns every transmit.
type Manager struct {
	bus   transport.Bus
	opts  Options
	log   zerolog.Logger
	clock timeutil.Clock

	mu         sync.RWMutex
	claimed    bool
	addrs      []cec.LogicalAddress
	primary    cec.LogicalAddress
	hasPrimary bool

	queue fifoLock

	lastInitiator atomic.Bool
	lastRx        atomic.Int64
}

// New creates a Manager on bus. Nothing is claimed until Claim.
func New(bus transport.Bus, opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		bus:   bus,
		opts:  opts,
		log:   opts.Logger,
		clock: opts.Clock,
	}
}

// Options returns the effective options.
func (m *Manager) Options() Options { return m.opts }

// Claim polls each address and takes ownership of all of them. It fails with
// cec.ErrAddressConflict if another device acknowledges a poll. The broadcast
// address is taken without polling. Claim succeeds at most once.
func (m *Manager) Claim(ctx context.Context, addrs []cec.LogicalAddress) error {
	if len(addrs) == 0 {
		return &cec.ValidationError{Field: "addresses", Value: addrs, Reason: "at least one address is required"}
	}
	var unique []cec.LogicalAddress
	seen := make(map[cec.LogicalAddress]bool, len(addrs))
	for _, a := range addrs {
		if !a.Valid() {
			return &cec.ValidationError{Field: "address", Value: int(a), Reason: "must be 0-15"}
		}
		if !seen[a] {
			seen[a] = true
			unique = append(unique, a)
		}
	}

	m.mu.RLock()
	claimed := m.claimed
	m.mu.RUnlock()
	if claimed {
		return ErrAlreadyClaimed
	}

	for _, a := range unique {
		free, err := m.pollFree(ctx, a)
		if err != nil {
			return err
		}
		if !free {
			return fmt.Errorf("%w: %s (%d) answered the poll", cec.ErrAddressConflict, a, a)
		}
	}
	return m.commit(unique)
}

// ClaimForDeviceType polls the candidate addresses for t in order and claims
// the first free one. When every candidate is taken the device falls back to
// the unregistered address.
func (m *Manager) ClaimForDeviceType(ctx context.Context, t cec.DeviceType) (cec.LogicalAddress, error) {
	candidates := t.CandidateAddresses()
	if len(candidates) == 0 {
		return 0, &cec.ValidationError{Field: "device_type", Value: t, Reason: "no candidate addresses"}
	}
	m.mu.RLock()
	claimed := m.claimed
	m.mu.RUnlock()
	if claimed {
		return 0, ErrAlreadyClaimed
	}

	chosen := cec.AddrUnregistered
	for _, a := range candidates {
		free, err := m.pollFree(ctx, a)
		if err != nil {
			return 0, err
		}
		if free {
			chosen = a
			break
		}
		m.log.Info().Stringer("address", a).Msg("logical address in use, trying next")
	}
	if chosen == cec.AddrUnregistered {
		m.log.Warn().Stringer("device_type", t).Msg("no free logical address, using unregistered")
	}
	return chosen, m.commit([]cec.LogicalAddress{chosen})
}

// pollFree reports whether nobody acknowledged a poll of a.
func (m *Manager) pollFree(ctx context.Context, a cec.LogicalAddress) (bool, error) {
	if a.IsBroadcast() || m.opts.MonitorMode {
		return true, nil
	}
	_, err := m.send(ctx, cec.Poll(a))
	switch {
	case err == nil:
		return false, nil
	case cec.IsNoAck(err):
		return true, nil
	default:
		return false, fmt.Errorf("poll %s: %w", a, err)
	}
}

func (m *Manager) commit(addrs []cec.LogicalAddress) error {
	m.mu.Lock()
	if m.claimed {
		m.mu.Unlock()
		return ErrAlreadyClaimed
	}
	m.claimed = true
	m.addrs = append([]cec.LogicalAddress(nil), addrs...)
	m.primary = addrs[0]
	m.hasPrimary = true
	m.mu.Unlock()

	if acker, ok := m.bus.(transport.AddressAcker); ok {
		if err := acker.AckAddresses(addrs); err != nil {
			return fmt.Errorf("configure adapter addresses: %w", err)
		}
	}
	m.log.Info().Interface("addresses", addrs).Msg("claimed logical addresses")
	return nil
}

// Addresses returns the claimed addresses in claim order.
func (m *Manager) Addresses() []cec.LogicalAddress {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]cec.LogicalAddress(nil), m.addrs...)
}

// Primary is the default source for sends: the first claimed address unless
// overridden with SetPrimary.
func (m *Manager) Primary() (cec.LogicalAddress, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.primary, m.hasPrimary
}

// SetPrimary selects which owned address is the default source.
func (m *Manager) SetPrimary(a cec.LogicalAddress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, owned := range m.addrs {
		if owned == a {
			m.primary = a
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotClaimed, a)
}

// Owns reports whether a was claimed.
func (m *Manager) Owns(a cec.LogicalAddress) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, owned := range m.addrs {
		if owned == a {
			return true
		}
	}
	return false
}

// NoteReceived records that another initiator just used the bus. The next
// send waits the full new-initiator signal-free time measured from at.
func (m *Manager) NoteReceived(at time.Time) {
	m.lastInitiator.Store(false)
	m.lastRx.Store(at.UnixNano())
}

// QueueLength is the number of sends waiting for the bus.
func (m *Manager) QueueLength() int { return m.queue.pending() }

// Send transmits p, blocking until it was delivered or the attempt budget is
// spent. Concurrent callers own the bus one at a time in arrival order.
// Broadcasts succeed once transmitted; polls are not retried on NAK.
func (m *Manager) Send(ctx context.Context, p cec.Packet) (Report, error) {
	if m.opts.MonitorMode {
		return Report{}, ErrMonitorMode
	}
	return m.send(ctx, p)
}

func (m *Manager) send(ctx context.Context, p cec.Packet) (Report, error) {
	frame, err := cec.Encode(p)
	if err != nil {
		return Report{}, err
	}
	start := m.clock.Now()
	report := Report{Broadcast: p.IsBroadcast()}

	m.opts.Metrics.QueueAdd(1)
	defer m.opts.Metrics.QueueAdd(-1)
	if err := m.queue.lock(ctx); err != nil {
		return report, err
	}
	defer m.queue.unlock()

	var (
		kind cec.BusErrorKind
		last error
	)
	for attempt := 1; attempt <= m.opts.MaxAttempts; attempt++ {
		report.Attempts = attempt

		if err := m.waitIdle(ctx, attempt); err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			kind, last = cec.CollisionExhausted, err
			m.opts.Metrics.Attempt("idle_timeout")
			continue
		}

		status, err := m.transmit(ctx, frame)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			if !errors.Is(err, transport.ErrTimeout) {
				return report, fmt.Errorf("transmit %s: %w", p, err)
			}
			kind, last = cec.CollisionExhausted, err
			m.opts.Metrics.Attempt("timeout")
			continue
		}
		m.opts.Metrics.Attempt(status.String())

		switch status {
		case transport.StatusAck:
			m.lastInitiator.Store(true)
			report.Acked = true
			return m.done(p, report, start, nil)
		case transport.StatusNoAck:
			m.lastInitiator.Store(true)
			if report.Broadcast {
				return m.done(p, report, start, nil)
			}
			kind, last = cec.NoAck, nil
			if p.IsPoll() {
				return m.done(p, report, start, &cec.BusError{Kind: cec.NoAck, Attempts: attempt})
			}
		case transport.StatusCollision, transport.StatusBusy:
			m.lastInitiator.Store(false)
			kind, last = cec.CollisionExhausted, fmt.Errorf("attempt %d: %s", attempt, status)
		default:
			kind, last = cec.CollisionExhausted, fmt.Errorf("attempt %d: unexpected status %d", attempt, status)
		}
		m.log.Debug().Str("frame", p.Describe()).Int("attempt", attempt).Stringer("status", status).Msg("TX retry")
	}
	return m.done(p, report, start, &cec.BusError{Kind: kind, Attempts: report.Attempts, Last: last})
}

func (m *Manager) done(p cec.Packet, report Report, start time.Time, err error) (Report, error) {
	report.Duration = m.clock.Since(start)
	outcome := "ok"
	ev := m.log.Debug()
	if err != nil {
		var be *cec.BusError
		if errors.As(err, &be) {
			outcome = be.Kind.String()
		}
		if !p.IsPoll() {
			ev = m.log.Warn().Err(err)
		}
	}
	m.opts.Metrics.SendDone(outcome, report.Duration)
	ev.Str("frame", p.Describe()).Int("attempts", report.Attempts).Msg("TX")
	return report, err
}

func (m *Manager) transmit(ctx context.Context, frame []byte) (transport.Status, error) {
	tctx, cancel := context.WithTimeout(ctx, m.opts.AckTimeout)
	defer cancel()
	return m.bus.Transmit(tctx, frame)
}

// signalFree is the idle time required before the given attempt.
func (m *Manager) signalFree(attempt int) time.Duration {
	periods := m.opts.NewInitiatorBitPeriods
	switch {
	case attempt > 1:
		periods = m.opts.RetryBitPeriods * (attempt - 1)
	case m.lastInitiator.Load():
		periods = m.opts.LastInitiatorBitPeriods
	}
	return time.Duration(periods) * m.opts.BitPeriod
}

// waitIdle blocks until the bus has been quiet for the signal-free time of
// this attempt, giving up after IdleTimeout.
func (m *Manager) waitIdle(ctx context.Context, attempt int) error {
	required := m.signalFree(attempt)
	deadline := m.clock.Now().Add(m.opts.IdleTimeout)

	for {
		now := m.clock.Now()
		var wait time.Duration
		if m.bus.Busy() {
			wait = m.opts.BitPeriod
		} else {
			quiet := now.Sub(m.lastActivity())
			if quiet >= required {
				return nil
			}
			wait = required - quiet
		}
		if now.Add(wait).After(deadline) {
			return errIdleTimeout
		}
		select {
		case <-m.clock.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) lastActivity() time.Time {
	last := m.bus.LastActivity()
	if ns := m.lastRx.Load(); ns != 0 {
		if rx := time.Unix(0, ns); rx.After(last) {
			last = rx
		}
	}
	return last
}
