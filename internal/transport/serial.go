// Package transport connects the CEC engine to the bus. SerialBus talks to a
// CEC adapter over a serial line protocol and lets several clients tail the
// adapter's output; SimBus is an in-memory bus for development and tests.
package transport

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/hdmi-cec/internal/cec"
	"github.com/banshee-data/hdmi-cec/internal/timeutil"
)

var ErrWriteFailed = errors.New("failed to write to serial port")

// BusOptions configures a SerialBus.
type BusOptions struct {
	Clock  timeutil.Clock
	Logger zerolog.Logger
}

// SerialBus is a Transport backed by a CEC adapter on a serial port. Line
// output from the adapter is also fanned out to subscribers for debugging.
type SerialBus[T SerialPorter] struct {
	port  T
	clock timeutil.Clock
	log   zerolog.Logger

	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	commandMu    sync.Mutex

	// txMu allows one outstanding TX; results carries its answer.
	txMu    sync.Mutex
	results chan Status

	handlerMu sync.RWMutex
	handler   FrameHandler

	busy         atomic.Bool
	lastActivity atomic.Int64

	closing   bool
	closingMu sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// NewSerialBus creates a SerialBus on an already opened port.
func NewSerialBus[T SerialPorter](port T, opts BusOptions) *SerialBus[T] {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &SerialBus[T]{
		port:        port,
		clock:       opts.Clock,
		log:         opts.Logger,
		subscribers: make(map[string]chan string),
		results:     make(chan Status, 1),
		done:        make(chan struct{}),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe returns a channel receiving every line the adapter prints. The
// ID is used to Unsubscribe.
func (s *SerialBus[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, 16)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber.
func (s *SerialBus[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Initialize puts the adapter into the requested receive mode.
func (s *SerialBus[T]) Initialize(promiscuous, monitor bool) error {
	for _, command := range []string{
		flagLine(cmdPromiscuous, promiscuous),
		flagLine(cmdMonitor, monitor),
	} {
		if err := s.SendCommand(command); err != nil {
			return fmt.Errorf("failed to send start command %q: %w", command, err)
		}
	}
	return nil
}

// AckAddresses tells the adapter which logical addresses to acknowledge.
func (s *SerialBus[T]) AckAddresses(addrs []cec.LogicalAddress) error {
	if err := s.SendCommand(addressesLine(addrs)); err != nil {
		return fmt.Errorf("failed to set acknowledged addresses: %w", err)
	}
	return nil
}

// SendCommand writes one line to the adapter.
func (s *SerialBus[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// HandleFrames installs the receive callback.
func (s *SerialBus[T]) HandleFrames(h FrameHandler) {
	s.handlerMu.Lock()
	s.handler = h
	s.handlerMu.Unlock()
}

// Transmit sends one frame and waits for the adapter's TX result.
func (s *SerialBus[T]) Transmit(ctx context.Context, frame []byte) (Status, error) {
	if len(frame) == 0 {
		return 0, fmt.Errorf("transmit: empty frame")
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	// A result that arrived after an earlier attempt gave up is stale.
	select {
	case <-s.results:
	default:
	}

	if err := s.SendCommand(transmitLine(frame)); err != nil {
		return 0, fmt.Errorf("transmit: %w", err)
	}
	s.log.Debug().Str("frame", FormatFrame(frame)).Msg("TX")

	select {
	case st := <-s.results:
		s.markActivity(false)
		return st, nil
	case <-ctx.Done():
		return 0, ErrTimeout
	case <-s.done:
		return 0, ErrClosed
	}
}

// Busy reports whether the adapter last signalled an active line.
func (s *SerialBus[T]) Busy() bool { return s.busy.Load() }

// LastActivity is when the line was last seen active.
func (s *SerialBus[T]) LastActivity() time.Time {
	ns := s.lastActivity.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *SerialBus[T]) markActivity(busy bool) time.Time {
	now := s.clock.Now()
	s.busy.Store(busy)
	s.lastActivity.Store(now.UnixNano())
	return now
}

// Monitor reads adapter lines until ctx is done or the port fails.
func (s *SerialBus[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// The blocking scan.Scan runs on its own goroutine so the loop below can
	// still observe cancellation.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			if !ok {
				return scan.Err()
			}
			s.closingMu.Lock()
			if s.closing {
				s.closingMu.Unlock()
				return nil
			}
			s.closingMu.Unlock()

			s.handleLine(line)
			s.publish(line)
		}
	}
}

func (s *SerialBus[T]) handleLine(line string) {
	kind, arg := ClassifyLine(line)
	switch kind {
	case LineFrame:
		frame, err := cec.ParseHex(arg)
		if err != nil {
			s.log.Warn().Err(err).Str("line", line).Msg("unparseable RX line")
			return
		}
		at := s.markActivity(false)
		s.handlerMu.RLock()
		h := s.handler
		s.handlerMu.RUnlock()
		if h != nil {
			h(frame, at)
		}
	case LineResult:
		select {
		case s.results <- parseResult(arg):
		default:
			s.log.Warn().Str("line", line).Msg("TX result without pending transmit")
		}
	case LineBusy:
		s.markActivity(true)
	case LineIdle:
		s.markActivity(false)
	default:
		s.log.Trace().Str("line", line).Msg("adapter")
	}
}

func (s *SerialBus[T]) publish(line string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
			// a slow subscriber must not stall the receive loop
		}
	}
}

// Close closes all subscriber channels and the serial port.
func (s *SerialBus[T]) Close() error {
	s.closingMu.Lock()
	s.closing = true
	s.closingMu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })

	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	return s.port.Close()
}
