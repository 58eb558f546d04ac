package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Leader gates time-based transitions so only one instance drives them.
// Satisfied by the redis adapter's auto-renew mutex.
type Leader interface {
	Lock(ctx context.Context) (context.Context, error)
	Unlock() (bool, error)
}

// Scheduler ticks the lifecycle manager on a fixed interval, independent of
// request traffic. Every transition recomputes from the absolute wall clock,
// so a late tick after a stall or restart self-heals and a redundant tick is
// a no-op.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	leader   Leader
	logger   *slog.Logger
}

type SchedulerOption func(*Scheduler)

// WithSchedulerLeader installs a cross-instance leader lock around each tick.
func WithSchedulerLeader(leader Leader) SchedulerOption {
	return func(s *Scheduler) { s.leader = leader }
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger.With(slog.String("caller", "Scheduler")) }
}

func NewScheduler(engine *Engine, interval time.Duration, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		engine:   engine,
		interval: interval,
		logger:   slog.Default().With(slog.String("caller", "Scheduler")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started", slog.Duration("interval", s.interval))
	defer s.logger.Info("Scheduler stopped")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				// Scheduler skew is never fatal: the next tick recomputes
				// everything from persisted state.
				s.logger.Error("Tick failed", slog.Any("error", err))
			}
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) error {
	tickCtx := ctx
	if s.leader != nil {
		lockCtx, err := s.leader.Lock(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if _, err := s.leader.Unlock(); err != nil {
				s.logger.Warn("Fail to release leader lock", slog.Any("error", err))
			}
		}()
		tickCtx = lockCtx
	}
	return s.engine.Tick(tickCtx)
}
