package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/hdmi-cec/internal/timeutil"
	"github.com/banshee-data/hdmi-cec/internal/transport"
)

// Injector accepts frames as if another device had sent them.
type Injector interface {
	Inject(frame []byte) error
}

// ReplayOptions controls playback pacing.
type ReplayOptions struct {
	Clock timeutil.Clock
	// Speed scales the recorded gaps: 2 plays twice as fast. Zero or less
	// injects records back to back.
	Speed float64
	// IncludeTX also injects frames the bridge transmitted.
	IncludeTX bool
}

// retryDelay is how long Replay waits when the injector's queue is full.
const retryDelay = 5 * time.Millisecond

// Replay injects the remaining records of r into inj, preserving their
// recorded spacing. It returns the number of frames injected.
func Replay(ctx context.Context, r *Reader, inj Injector, opts ReplayOptions) (int, error) {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	var (
		injected int
		prev     time.Duration
	)
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return injected, nil
		}
		if err != nil {
			return injected, err
		}
		if rec.Direction == TX && !opts.IncludeTX {
			continue
		}

		if opts.Speed > 0 && rec.Offset > prev {
			gap := time.Duration(float64(rec.Offset-prev) / opts.Speed)
			select {
			case <-opts.Clock.After(gap):
			case <-ctx.Done():
				return injected, ctx.Err()
			}
		}
		prev = rec.Offset

		if err := inject(ctx, inj, rec.Frame, opts.Clock); err != nil {
			return injected, fmt.Errorf("replay record %d: %w", injected+1, err)
		}
		injected++
	}
}

func inject(ctx context.Context, inj Injector, frame []byte, clock timeutil.Clock) error {
	for {
		err := inj.Inject(frame)
		if !errors.Is(err, transport.ErrInjectQueueFull) {
			return err
		}
		select {
		case <-clock.After(retryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
