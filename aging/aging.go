// Package aging promotes pending tasks that have waited too long in their
// current tier. It never schedules itself; callers invoke Run.
package aging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/taskq/task"
)

// Thresholds is the pending age at which each tier promotes one step.
type Thresholds struct {
	P3ToP2 time.Duration `json:"p3_to_p2" yaml:"p3_to_p2"`
	P2ToP1 time.Duration `json:"p2_to_p1" yaml:"p2_to_p1"`
	P1ToP0 time.Duration `json:"p1_to_p0" yaml:"p1_to_p0"`
}

// DefaultThresholds returns 4h, 8h and 24h.
func DefaultThresholds() Thresholds {
	return Thresholds{
		P3ToP2: 4 * time.Hour,
		P2ToP1: 8 * time.Hour,
		P1ToP0: 24 * time.Hour,
	}
}

// For returns the threshold for a tier. The top tier has none.
func (th Thresholds) For(p task.Priority) (time.Duration, bool) {
	switch p {
	case task.P3Low:
		return th.P3ToP2, true
	case task.P2Medium:
		return th.P2ToP1, true
	case task.P1High:
		return th.P1ToP0, true
	}
	return 0, false
}

// Validate rejects non-positive thresholds.
func (th Thresholds) Validate() error {
	for _, p := range []task.Priority{task.P3Low, task.P2Medium, task.P1High} {
		if d, _ := th.For(p); d <= 0 {
			return fmt.Errorf("aging threshold for %s must be positive, got %s", p, d)
		}
	}
	return nil
}

// Promoter applies a priority change through the audited update path.
type Promoter interface {
	UpdatePriority(ctx context.Context, id string, p task.Priority, isBoost bool) (*task.Task, error)
}

// PendingLister supplies the tasks to scan.
type PendingLister interface {
	ListPending(ctx context.Context) ([]*task.Task, error)
}

// Engine runs aging passes.
type Engine struct {
	pending    PendingLister
	promoter   Promoter
	thresholds Thresholds
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithThresholds overrides DefaultThresholds.
func WithThresholds(th Thresholds) Option { return func(e *Engine) { e.thresholds = th } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// NewEngine creates an Engine.
func NewEngine(pending PendingLister, promoter Promoter, opts ...Option) *Engine {
	e := &Engine{
		pending:    pending,
		promoter:   promoter,
		thresholds: DefaultThresholds(),
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Thresholds returns the engine's configured thresholds.
func (e *Engine) Thresholds() Thresholds { return e.thresholds }

// Run scans pending tasks once and promotes every task whose age has reached
// the threshold of its current tier by exactly one tier. A failed promotion
// is logged and skipped. It returns the number of tasks promoted.
func (e *Engine) Run(ctx context.Context) (int, error) {
	tasks, err := e.pending.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("aging scan: %w", err)
	}
	now := e.now()
	promoted := 0
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return promoted, err
		}
		limit, ok := e.thresholds.For(t.Priority)
		if !ok {
			continue
		}
		age := now.Sub(t.CreatedAt)
		if age < limit {
			continue
		}
		next := t.Priority.Next()
		if _, err := e.promoter.UpdatePriority(ctx, t.ID, next, true); err != nil {
			e.logger.Warn("priority boost failed",
				slog.String("task_id", t.ID),
				slog.String("from", t.Priority.String()),
				slog.Any("err", err))
			continue
		}
		e.logger.Info("task priority boosted",
			slog.String("task_id", t.ID),
			slog.String("from", t.Priority.String()),
			slog.String("to", next.String()),
			slog.Float64("age_hours", age.Hours()))
		promoted++
	}
	return promoted, nil
}
