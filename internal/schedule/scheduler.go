package schedule

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Callbacks are the three idempotent transitions the scheduler drives.
// All are safe to invoke repeatedly with no effect in the target state.
type Callbacks struct {
	// Connect opens or verifies the streaming connection ahead of
	// session start.
	Connect func(ctx context.Context) error
	// Activate ensures subscriptions match the required universe.
	Activate func(ctx context.Context) error
	// Cleanup tears down streams after session end.
	Cleanup func(ctx context.Context) error
}

// Scheduler is a fixed-period wake loop, not a cron registry. Each wake
// it compares the clock against the gate and invokes the matching
// callback.
type Scheduler struct {
	gate   *Gate
	cb     Callbacks
	period time.Duration
	lead   time.Duration // how far before open Connect fires
	now    func() time.Time
	logger zerolog.Logger
}

// NewScheduler creates a scheduler waking every period, connecting lead
// before session open.
func NewScheduler(gate *Gate, cb Callbacks, period, lead time.Duration, logger zerolog.Logger) *Scheduler {
	if period <= 0 {
		period = 30 * time.Second
	}
	if lead <= 0 {
		lead = 10 * time.Minute
	}
	return &Scheduler{
		gate:   gate,
		cb:     cb,
		period: period,
		lead:   lead,
		now:    time.Now,
		logger: logger,
	}
}

// SetClock overrides the scheduler's clock.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Run drives the wake loop until ctx is cancelled. The first evaluation
// happens immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates the gate once and invokes the due callback.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	switch {
	case s.gate.IsOpenAt(now):
		s.invoke(ctx, "connect", s.cb.Connect)
		s.invoke(ctx, "activate", s.cb.Activate)
	case s.withinLead(now):
		s.invoke(ctx, "connect", s.cb.Connect)
	default:
		s.invoke(ctx, "cleanup", s.cb.Cleanup)
	}
}

func (s *Scheduler) withinLead(now time.Time) bool {
	next := s.gate.NextOpenAfter(now)
	if next.IsZero() {
		return false
	}
	return next.Sub(now) <= s.lead
}

func (s *Scheduler) invoke(ctx context.Context, name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	if err := fn(ctx); err != nil {
		s.logger.Error().Err(err).Str("transition", name).Msg("Scheduler transition failed")
	}
}
