// Package comms carries task lifecycle notifications from the queue facade to
// its subscribers (artifact mover, metrics, SSE stream).
package comms

import (
	"context"
	"time"

	"github.com/GoCodeAlone/taskq/task"
)

// EventType identifies the kind of lifecycle notification.
type EventType string

const (
	TypeTaskCreated   EventType = "task_created"
	TypeTaskStarted   EventType = "task_started"
	TypeTaskCompleted EventType = "task_completed"
	TypeTaskFailed    EventType = "task_failed"
	TypeTaskRetried   EventType = "task_retried"
	TypeTaskPriority  EventType = "task_priority" // manual priority change
	TypeTaskBoosted   EventType = "task_boosted"  // age-based promotion
	TypeTaskBlocked   EventType = "task_blocked"
	TypeTaskUnblocked EventType = "task_unblocked"
	TypeTaskDeleted   EventType = "task_deleted"
	TypeBatchCreated  EventType = "batch_created"
)

// Wildcard subscribes a handler to every event type.
const Wildcard EventType = "*"

// Event is emitted after a transition has been durably committed.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	TaskID    string      `json:"task_id,omitempty"`
	BatchID   string      `json:"batch_id,omitempty"`
	From      task.Status `json:"from,omitempty"`
	To        task.Status `json:"to,omitempty"`
	Task      *task.Task  `json:"task,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Handler processes a published event.
type Handler func(ctx context.Context, ev *Event) error

// Bus fans lifecycle events out to subscribers.
type Bus interface {
	// Publish delivers ev synchronously to every matching subscriber.
	Publish(ctx context.Context, ev *Event) error

	// Subscribe registers a handler for one event type, or Wildcard.
	// Returns an unsubscribe function.
	Subscribe(typ EventType, handler Handler) (unsubscribe func())

	// History returns recent events, optionally narrowed to one task.
	History(taskID string, limit int) ([]*Event, error)
}
