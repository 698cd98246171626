package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// StepFunc runs one loop iteration and returns the state handed to the next one.
type StepFunc[S any] func(ctx context.Context, state S) (S, error)

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	StartupDelay time.Duration
}

// Scheduler drives a step function with a fixed pause between iterations.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Interval returns the pause between iterations.
func (s *Scheduler) Interval() time.Duration {
	return s.opts.Interval
}

// Run blocks, threading state through step until ctx is cancelled. A failed
// step is logged and its returned state is still carried forward.
func Run[S any](ctx context.Context, s *Scheduler, initial S, step StepFunc[S]) error {
	if s.opts.StartupDelay > 0 {
		if err := s.sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	state := initial
	for {
		next, err := step(ctx, state)
		if err != nil {
			s.logger.Error().Err(err).Msg("tick execution failed")
		}
		state = next

		s.logger.Debug().Dur("interval", s.opts.Interval).Msg("sleeping until next tick")
		if err := s.sleep(ctx, s.opts.Interval); err != nil {
			return err
		}
	}
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
