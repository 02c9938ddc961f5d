// Package api defines the REST API handlers and interfaces for the taskq server.
package api

import (
	"context"

	"github.com/GoCodeAlone/taskq/batch"
	"github.com/GoCodeAlone/taskq/manager"
	"github.com/GoCodeAlone/taskq/task"
)

// QueueService is the interface the API uses to drive the queue.
// Implemented by *manager.Manager.
type QueueService interface {
	Add(ctx context.Context, req manager.Request) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	Delete(ctx context.Context, id string) (bool, error)
	List(ctx context.Context, opts manager.ListOptions) ([]*task.Task, error)
	History(ctx context.Context, id string) ([]task.HistoryEvent, error)

	Next(ctx context.Context) (*task.Task, error)
	Pop(ctx context.Context) (*task.Task, error)

	Start(ctx context.Context, id, agent string) (*task.Task, error)
	Complete(ctx context.Context, id string, success bool) (*task.Task, error)
	Retry(ctx context.Context, id string) (*task.Task, error)
	SetPriority(ctx context.Context, id, token string) (*task.Task, error)
	Block(ctx context.Context, id, reason string) (*task.Task, error)
	Unblock(ctx context.Context, id string) (*task.Task, error)

	Stats(ctx context.Context) (*task.Stats, error)
	SaveMetrics(ctx context.Context) (*task.Stats, error)
	ApplyBoosts(ctx context.Context) (int, error)
	CreateBatches(ctx context.Context) ([]*batch.Batch, error)
	NextBatch(ctx context.Context) (*batch.Batch, error)
}

var _ QueueService = (*manager.Manager)(nil)

// StatsObserver receives every statistics snapshot the API computes.
type StatsObserver interface {
	Observe(st *task.Stats)
}

// BatchView is the JSON form of a batch.
type BatchView struct {
	ID        string       `json:"batch_id"`
	Category  string       `json:"category"`
	Priority  string       `json:"priority"`
	TaskCount int          `json:"task_count"`
	Tasks     []*task.Task `json:"tasks"`
	CreatedAt string       `json:"created_at"`
}

func newBatchView(b *batch.Batch) BatchView {
	tasks := b.Tasks
	if tasks == nil {
		tasks = []*task.Task{}
	}
	return BatchView{
		ID:        b.ID,
		Category:  b.Category,
		Priority:  b.Priority.Name(),
		TaskCount: len(b.Tasks),
		Tasks:     tasks,
		CreatedAt: b.CreatedAt.Format("2006-01-02T15:04:05.999999999Z07:00"),
	}
}
