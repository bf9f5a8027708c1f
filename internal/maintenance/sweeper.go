// Package maintenance runs periodic housekeeping over the in-memory stores:
// expired one-shot auth responses and pending-auth routes, and undecided
// approval entries past their age limit. Redis-backed auth stores expire
// keys natively and need no sweep.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions plus descriptors such as
// "@every 5m" and "@hourly".
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// AuthPruner drops expired one-shot auth entries.
type AuthPruner interface {
	PruneExpired(ctx context.Context, now time.Time) (int, error)
}

// ApprovalPruner drops undecided approval entries recorded before the cutoff.
type ApprovalPruner interface {
	PrunePending(ctx context.Context, olderThan time.Time) (int, error)
}

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	// Schedule is a cron expression or descriptor. Default "@every 5m".
	Schedule string

	// ApprovalMaxAge is how long an undecided approval entry survives.
	// Default 24h.
	ApprovalMaxAge time.Duration

	// Auth is the auth store to sweep. Nil skips the auth sweep.
	Auth AuthPruner

	// Approvals is the approval store to sweep. Nil skips it.
	Approvals ApprovalPruner

	Logger *slog.Logger
}

// Sweeper prunes expired store entries on a cron schedule.
type Sweeper struct {
	schedule  cron.Schedule
	maxAge    time.Duration
	auth      AuthPruner
	approvals ApprovalPruner
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewSweeper validates the schedule and returns a stopped sweeper.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "@every 5m"
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", expr, err)
	}
	maxAge := cfg.ApprovalMaxAge
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "sweeper")
	}
	return &Sweeper{
		schedule:  schedule,
		maxAge:    maxAge,
		auth:      cfg.Auth,
		approvals: cfg.Approvals,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Start begins the sweep loop. It is a no-op if already running.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop shuts the loop down, waiting up to ctx for the current sweep to
// finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next := s.schedule.Next(s.now())
		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass immediately. Errors are logged, not returned; a failed
// target is retried on the next tick.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now()

	if s.auth != nil {
		n, err := s.auth.PruneExpired(ctx, now)
		switch {
		case err != nil:
			s.logger.Error("auth sweep failed", "error", err)
		case n > 0:
			s.logger.Info("pruned expired auth entries", "count", n)
		}
	}

	if s.approvals != nil {
		n, err := s.approvals.PrunePending(ctx, now.Add(-s.maxAge))
		switch {
		case err != nil:
			s.logger.Error("approval sweep failed", "error", err)
		case n > 0:
			s.logger.Info("pruned stale pending approvals", "count", n)
		}
	}
}
