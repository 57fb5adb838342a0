package scheduler

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// TickFunc is invoked on every tick with the time the tick was scheduled for.
type TickFunc func(ctx context.Context, at time.Time) error

// IntervalFunc returns the cadence to use for the next tick. It is consulted
// after every tick, so the cadence can change without restarting Run.
type IntervalFunc func() time.Duration

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	IntervalFunc IntervalFunc
	// Immediate fires the first tick as soon as Run starts.
	Immediate    bool
	StartupDelay time.Duration
	// Wake cuts the current wait short. The next tick fires at once and the
	// cadence continues from there.
	Wake         <-chan struct{}
	Clock        clock.Clock
}

// Scheduler drives fixed-cadence execution of polling jobs.
type Scheduler struct {
	opts   Options
	clock  clock.Clock
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 && opts.IntervalFunc == nil {
		panic("scheduler interval must be positive")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	return &Scheduler{opts: opts, clock: clk, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking the tick function every interval until ctx is cancelled.
// Ticks are scheduled against the previous scheduled time rather than the
// time the previous tick finished; a tick that overruns its slot is followed
// immediately by the next one, without catching up on the missed slots.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		if _, err := s.sleep(ctx, s.opts.StartupDelay, nil); err != nil {
			return err
		}
	}

	next := s.clock.Now()
	if !s.opts.Immediate {
		next = next.Add(s.interval())
	}
	for {
		if delay := next.Sub(s.clock.Now()); delay > 0 {
			woken, err := s.sleep(ctx, delay, s.opts.Wake)
			if err != nil {
				return err
			}
			if woken {
				next = s.clock.Now()
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		if err := tick(ctx, next); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			s.logger.Error().Err(err).Time("tick", next).Msg("tick execution failed")
		}

		next = next.Add(s.interval())
		if now := s.clock.Now(); next.Before(now) {
			s.logger.Debug().Dur("behind", now.Sub(next)).Msg("tick overran its interval")
			next = now
		}
	}
}

func (s *Scheduler) interval() time.Duration {
	if s.opts.IntervalFunc != nil {
		if d := s.opts.IntervalFunc(); d > 0 {
			return d
		}
	}
	if s.opts.Interval > 0 {
		return s.opts.Interval
	}
	return time.Second
}

// sleep waits for d. It reports true when wake fired first.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) (bool, error) {
	timer := s.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.Chan():
		return false, nil
	case <-wake:
		return true, nil
	}
}
