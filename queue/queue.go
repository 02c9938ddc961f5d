// Package queue implements the in-memory Working Queue: a min-heap of
// pending tasks mirrored from a task.Store.
//
// The heap cannot cheaply invalidate a single entry when a task changes
// outside its knowledge, so Peek and Pop re-validate the head against the
// store and resolve staleness lazily.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/GoCodeAlone/taskq/task"
)

// Queue is safe for concurrent use. It assumes it is the single logical
// owner of its in-memory state; other processes may still mutate the store.
type Queue struct {
	store  task.Store
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	heap  entryHeap
	index map[string]*entry
	tasks map[string]*task.Task
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger used for staleness diagnostics.
func WithLogger(l *slog.Logger) Option { return func(q *Queue) { q.logger = l } }

// WithClock overrides time.Now for UpdatedAt stamps.
func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

// New creates an empty queue over store. Call Load to mirror existing
// pending tasks.
func New(store task.Store, opts ...Option) *Queue {
	q := &Queue{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
		index:  make(map[string]*entry),
		tasks:  make(map[string]*task.Task),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Load discards in-memory state and rebuilds it from the store's pending
// tasks.
func (q *Queue) Load(ctx context.Context) error {
	pending, err := q.store.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = make(map[string]*task.Task, len(pending))
	for _, t := range pending {
		q.tasks[t.ID] = t
	}
	q.rebuild()
	return nil
}

// Add persists a new task with a created event and then enqueues it. The
// queue is untouched if the store rejects the write.
func (q *Queue) Add(ctx context.Context, t *task.Task) error {
	if !t.Priority.Valid() {
		return fmt.Errorf("add %s: %w: value %d", t.ID, task.ErrMalformedPriority, int(t.Priority))
	}
	ev := task.NewEvent(t.ID, task.ActionCreated, "", t.Priority.String())
	if err := q.store.Commit(ctx, t, ev); err != nil {
		return fmt.Errorf("add %s: %w", t.ID, err)
	}
	if t.Status == task.StatusPending {
		q.Push(t)
	}
	return nil
}

// Push enqueues an already persisted pending task, replacing any entry with
// the same id.
func (q *Queue) Push(t *task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.push(t.Clone())
}

// Remove drops id from the queue. It reports whether an entry existed.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.index[id]
	if !ok {
		return false
	}
	q.drop(e)
	return true
}

// Peek returns the most urgent pending task without removing it, or nil when
// none remain. Stale entries met on the way are discarded.
func (q *Queue) Peek(ctx context.Context) (*task.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, err := q.head(ctx)
	if err != nil || t == nil {
		return nil, err
	}
	return t.Clone(), nil
}

// Pop removes and returns the most urgent pending task, or nil when none
// remain. Popping does not change the task's status.
func (q *Queue) Pop(ctx context.Context) (*task.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, err := q.head(ctx)
	if err != nil || t == nil {
		return nil, err
	}
	q.drop(q.heap[0])
	return t, nil
}

// UpdatePriority sets a task's priority through the store's history path and
// rebuilds the heap. A boost increments BoostCount and is only legal while
// the task is pending.
func (q *Queue) UpdatePriority(ctx context.Context, id string, p task.Priority, isBoost bool) (*task.Task, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("update priority %s: %w: value %d", id, task.ErrMalformedPriority, int(p))
	}
	cur, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if isBoost && cur.Status != task.StatusPending {
		return nil, task.Reject(cur, "boost", task.ErrInvalidTransition)
	}

	next := cur.Clone()
	next.Priority = p
	next.UpdatedAt = q.now().UTC()
	action := task.ActionPriorityChange
	if isBoost {
		next.BoostCount++
		action = task.ActionPriorityBoost
	}
	ev := task.NewEvent(id, action, cur.Priority.String(), p.String())
	ev.Timestamp = next.UpdatedAt
	if err := q.store.Commit(ctx, next, ev); err != nil {
		return nil, fmt.Errorf("update priority %s: %w", id, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	// Only tasks the queue already holds are re-seated; a popped task stays out.
	if _, queued := q.tasks[id]; queued {
		if next.Status == task.StatusPending {
			q.tasks[id] = next.Clone()
		} else {
			delete(q.tasks, id)
		}
		q.rebuild()
	}
	return next, nil
}

// Size returns the number of queued entries, stale ones included.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// IsEmpty reports whether the queue holds no entries.
func (q *Queue) IsEmpty() bool { return q.Size() == 0 }

// TasksWithPriority returns queued tasks at tier p, oldest first, as last
// seen by the queue.
func (q *Queue) TasksWithPriority(p task.Priority) []*task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*task.Task
	for _, t := range q.tasks {
		if t.Priority == p {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// head settles the top of the heap against the store. Missing or
// non-pending tasks are discarded; a priority changed elsewhere re-seats the
// entry. The caller must hold q.mu.
func (q *Queue) head(ctx context.Context) (*task.Task, error) {
	for len(q.heap) > 0 {
		top := q.heap[0]
		cur, err := q.store.Get(ctx, top.id)
		if errors.Is(err, task.ErrNotFound) {
			q.logger.Debug("discarding stale queue entry", slog.String("task_id", top.id), slog.String("reason", "missing"))
			q.drop(top)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("validate %s: %w", top.id, err)
		}
		if cur.Status != task.StatusPending {
			q.logger.Debug("discarding stale queue entry", slog.String("task_id", top.id), slog.String("status", string(cur.Status)))
			q.drop(top)
			continue
		}
		q.tasks[top.id] = cur
		if cur.Priority != top.priority || !cur.CreatedAt.Equal(top.created) {
			top.priority = cur.Priority
			top.created = cur.CreatedAt
			heap.Fix(&q.heap, top.index)
			continue
		}
		return cur, nil
	}
	return nil, nil
}

func (q *Queue) push(t *task.Task) {
	if e, ok := q.index[t.ID]; ok {
		q.tasks[t.ID] = t
		e.priority = t.Priority
		e.created = t.CreatedAt
		heap.Fix(&q.heap, e.index)
		return
	}
	e := &entry{id: t.ID, priority: t.Priority, created: t.CreatedAt}
	q.tasks[t.ID] = t
	q.index[t.ID] = e
	heap.Push(&q.heap, e)
}

func (q *Queue) drop(e *entry) {
	if e.index >= 0 && e.index < len(q.heap) && q.heap[e.index] == e {
		heap.Remove(&q.heap, e.index)
	}
	delete(q.index, e.id)
	delete(q.tasks, e.id)
}

// rebuild recreates the heap from the task map. The caller must hold q.mu.
func (q *Queue) rebuild() {
	q.heap = make(entryHeap, 0, len(q.tasks))
	q.index = make(map[string]*entry, len(q.tasks))
	for id, t := range q.tasks {
		e := &entry{id: id, priority: t.Priority, created: t.CreatedAt, index: len(q.heap)}
		q.heap = append(q.heap, e)
		q.index[id] = e
	}
	heap.Init(&q.heap)
}
