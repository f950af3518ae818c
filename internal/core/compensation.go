package core

import (
	"context"
	"slices"

	"github.com/rs/zerolog"

	"github.com/backtrue/mitenow-sub001/internal/metrics"
)

type compensation struct {
	step string
	fn   func(ctx context.Context) error
}

// saga records how to undo each side effect of a multi-store operation so a
// later failure can roll back everything before the error is returned.
type saga struct {
	logger zerolog.Logger
	steps  []compensation
}

func newSaga(logger zerolog.Logger) *saga {
	return &saga{logger: logger}
}

func (s *saga) add(step string, fn func(ctx context.Context) error) {
	s.steps = append(s.steps, compensation{step: step, fn: fn})
}

// drop forgets the compensations recorded under step, for side effects that
// someone else has already undone.
func (s *saga) drop(step string) {
	s.steps = slices.DeleteFunc(s.steps, func(c compensation) bool { return c.step == step })
}

// rollback runs the recorded compensations newest first. It runs detached
// from ctx cancellation so a disconnecting client cannot leave reservations
// behind. Failures are logged and do not stop the remaining steps.
func (s *saga) rollback(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for i := len(s.steps) - 1; i >= 0; i-- {
		c := s.steps[i]
		if err := c.fn(ctx); err != nil {
			metrics.CompensationsTotal.WithLabelValues(c.step, "error").Inc()
			s.logger.Error().Err(err).Str("step", c.step).Msg("compensation failed")
			continue
		}
		metrics.CompensationsTotal.WithLabelValues(c.step, "ok").Inc()
		s.logger.Debug().Str("step", c.step).Msg("compensated")
	}
	s.steps = nil
}
