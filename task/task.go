// Package task defines the queue's task model, its lifecycle rules and the
// durable store that owns canonical task records.
package task

import (
	"context"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
)

// Statuses returns every status in display order.
func Statuses() []Status {
	return []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusBlocked}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusBlocked:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusBlocked},
	StatusRunning: {StatusCompleted, StatusFailed, StatusBlocked},
	// failed only leaves through Retry, which enforces max_retries
	StatusFailed:  {StatusPending},
	StatusBlocked: {StatusPending},
	// completed is terminal
	StatusCompleted: {},
}

// CanTransition reports whether the lifecycle allows moving from one status
// to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Batching categories, in the order the grouper visits them.
const (
	CategorySecurity      = "security"
	CategoryBackend       = "backend"
	CategoryFrontend      = "frontend"
	CategoryTesting       = "testing"
	CategoryDocumentation = "documentation"
	CategoryDevOps        = "devops"
	CategoryRefactoring   = "refactoring"
	CategoryBugfix        = "bugfix"
	CategoryFeature       = "feature"
	CategoryOther         = "other"
)

// Categories returns the fixed batching order.
func Categories() []string {
	return []string{
		CategorySecurity,
		CategoryBackend,
		CategoryFrontend,
		CategoryTesting,
		CategoryDocumentation,
		CategoryDevOps,
		CategoryRefactoring,
		CategoryBugfix,
		CategoryFeature,
		CategoryOther,
	}
}

// DefaultMaxRetries bounds how many times a failed task may be resubmitted
// when the caller does not say otherwise.
const DefaultMaxRetries = 3

// Task is a unit of queued work. Its JSON form is Record.
type Task struct {
	ID               string
	Description      string
	Priority         Priority
	OriginalPriority Priority
	Category         string
	Status           Status
	AssignedAgent    string
	VerifierAgent    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	BoostCount       int
	BatchID          string
	RetryCount       int
	MaxRetries       int
	Dependencies     []string
	Tags             []string
	Metadata         map[string]any
}

// Option customizes a task built by New.
type Option func(*Task)

// WithTags sets free-form tags.
func WithTags(tags ...string) Option { return func(t *Task) { t.Tags = tags } }

// WithDependencies records the ids this task is contingent on.
func WithDependencies(ids ...string) Option { return func(t *Task) { t.Dependencies = ids } }

// WithAgent records the agent the task is assigned to.
func WithAgent(agent string) Option { return func(t *Task) { t.AssignedAgent = agent } }

// WithVerifier records the agent expected to verify the result.
func WithVerifier(agent string) Option { return func(t *Task) { t.VerifierAgent = agent } }

// WithMetadata attaches opaque metadata.
func WithMetadata(md map[string]any) Option { return func(t *Task) { t.Metadata = md } }

// WithMaxRetries overrides DefaultMaxRetries. Negative values are ignored.
func WithMaxRetries(n int) Option {
	return func(t *Task) {
		if n >= 0 {
			t.MaxRetries = n
		}
	}
}

// WithCreatedAt backdates or pins the creation time.
func WithCreatedAt(ts time.Time) Option {
	return func(t *Task) {
		t.CreatedAt = ts.UTC()
		t.UpdatedAt = t.CreatedAt
	}
}

// New builds a pending task. An empty category becomes CategoryOther.
func New(id, description string, p Priority, category string, opts ...Option) *Task {
	if category == "" {
		category = CategoryOther
	}
	now := time.Now().UTC()
	t := &Task{
		ID:               id,
		Description:      description,
		Priority:         p,
		OriginalPriority: p,
		Category:         category,
		Status:           StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
		MaxRetries:       DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.Tags = append([]string(nil), t.Tags...)
	if t.Metadata != nil {
		c.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// History actions.
const (
	ActionCreated        = "created"
	ActionStarted        = "started"
	ActionCompleted      = "completed"
	ActionFailed         = "failed"
	ActionRetry          = "retry"
	ActionPriorityChange = "priority_change"
	ActionPriorityBoost  = "priority_boost"
	ActionBatched        = "batched"
	ActionBlocked        = "blocked"
	ActionUnblocked      = "unblocked"
	ActionDeleted        = "deleted"
)

// HistoryEvent is an immutable audit record of one transition on a task.
type HistoryEvent struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Action    string    `json:"action"`
	OldValue  *string   `json:"old_value,omitempty"`
	NewValue  *string   `json:"new_value,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent builds a history event. Empty old or new values are stored as null.
func NewEvent(taskID, action, oldValue, newValue string) HistoryEvent {
	ev := HistoryEvent{TaskID: taskID, Action: action, Timestamp: time.Now().UTC()}
	if oldValue != "" {
		ev.OldValue = &oldValue
	}
	if newValue != "" {
		ev.NewValue = &newValue
	}
	return ev
}

// BatchSummary is the persisted trace of a batch. It never drives ordering.
type BatchSummary struct {
	ID        string    `json:"batch_id"`
	Category  string    `json:"category"`
	Priority  Priority  `json:"priority"`
	TaskIDs   []string  `json:"task_ids"`
	CreatedAt time.Time `json:"created_at"`
	Status    Status    `json:"status"`
}

// Stats aggregates queue state for reporting collaborators.
type Stats struct {
	PendingCount       int            `json:"pending_count"`
	RunningCount       int            `json:"running_count"`
	CompletedCount     int            `json:"completed_count"`
	FailedCount        int            `json:"failed_count"`
	BlockedCount       int            `json:"blocked_count"`
	PendingByPriority  map[string]int `json:"pending_by_priority"`
	BoostedCount       int            `json:"boosted_count"`
	AvgWaitSeconds     float64        `json:"avg_wait_seconds"`
	OldestPendingHours float64        `json:"oldest_pending_hours"`
	QueueSize          int            `json:"queue_size"`
	Timestamp          time.Time      `json:"timestamp"`
}

// Total returns the number of tasks across all statuses.
func (s *Stats) Total() int {
	return s.PendingCount + s.RunningCount + s.CompletedCount + s.FailedCount + s.BlockedCount
}

// setStatusCount stores a per-status count.
func (s *Stats) setStatusCount(st Status, n int) {
	switch st {
	case StatusPending:
		s.PendingCount = n
	case StatusRunning:
		s.RunningCount = n
	case StatusCompleted:
		s.CompletedCount = n
	case StatusFailed:
		s.FailedCount = n
	case StatusBlocked:
		s.BlockedCount = n
	}
}

// Store is the durable source of truth for tasks, their history and batch
// summaries. Every mutation of a task that must be audited goes through
// Commit so the record and its history event land together.
type Store interface {
	// Save inserts or replaces a task by ID.
	Save(ctx context.Context, t *Task) error

	// Get returns the task or ErrNotFound.
	Get(ctx context.Context, id string) (*Task, error)

	// ListPending returns pending tasks, most urgent and oldest first.
	ListPending(ctx context.Context) ([]*Task, error)

	// ListByStatus returns tasks in the given status, most urgent and oldest first.
	ListByStatus(ctx context.Context, status Status) ([]*Task, error)

	// ListByCategory returns tasks of a category, optionally narrowed by status.
	ListByCategory(ctx context.Context, category string, status *Status) ([]*Task, error)

	// Delete removes a task and reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)

	// RecordHistory appends an audit event.
	RecordHistory(ctx context.Context, ev HistoryEvent) error

	// History returns a task's events in append order.
	History(ctx context.Context, id string) ([]HistoryEvent, error)

	// Commit saves t and appends ev in one transaction.
	Commit(ctx context.Context, t *Task, ev HistoryEvent) error

	// SaveBatch persists a batch summary.
	SaveBatch(ctx context.Context, b *BatchSummary) error

	// ListBatches returns the most recent batch summaries, newest first.
	ListBatches(ctx context.Context, limit int) ([]*BatchSummary, error)

	// Statistics aggregates counts and ages relative to now.
	Statistics(ctx context.Context, now time.Time) (*Stats, error)

	// SaveMetricsSnapshot appends a stats row for trend reporting.
	SaveMetricsSnapshot(ctx context.Context, s *Stats) error

	// Close releases the underlying storage.
	Close() error
}
