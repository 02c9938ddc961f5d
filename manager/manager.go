// Package manager is the queue facade. It coordinates the durable store, the
// working queue, the aging engine and the batch grouper, enforces the task
// lifecycle, and publishes a comms.Event after every committed transition.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/taskq/aging"
	"github.com/GoCodeAlone/taskq/batch"
	"github.com/GoCodeAlone/taskq/comms"
	"github.com/GoCodeAlone/taskq/queue"
	"github.com/GoCodeAlone/taskq/task"
)

// ErrInvalidRequest is returned for creation requests missing required fields.
var ErrInvalidRequest = errors.New("invalid request")

// DefaultListLimit caps List results when ListOptions.Limit is zero.
const DefaultListLimit = 50

// Request describes a task to create.
type Request struct {
	ID            string         `json:"id,omitempty"`
	Description   string         `json:"description"`
	Priority      string         `json:"priority,omitempty"`
	Category      string         `json:"category,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Dependencies  []string       `json:"dependencies,omitempty"`
	AssignedAgent string         `json:"assigned_agent,omitempty"`
	VerifierAgent string         `json:"verifier_agent,omitempty"`
	MaxRetries    *int           `json:"max_retries,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// ListOptions narrows List. An empty Status means pending. A negative Limit
// disables the cap.
type ListOptions struct {
	Status   string
	Priority string
	Category string
	Limit    int
	Filter   string
}

// Manager is safe for concurrent use. Lifecycle mutations are serialized
// within the process. Across processes sharing one store, a transition reads
// and commits in separate store calls, so two processes racing on the same
// task both succeed and the last commit wins.
type Manager struct {
	store   task.Store
	queue   *queue.Queue
	aging   *aging.Engine
	grouper *batch.Grouper
	bus     comms.Bus

	maxRetries int
	exportDir  string
	now        func() time.Time
	logger     *slog.Logger

	mu sync.Mutex
}

type settings struct {
	bus        comms.Bus
	thresholds aging.Thresholds
	capacity   int
	maxRetries int
	exportDir  string
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Manager.
type Option func(*settings)

// WithBus sets the event bus. Defaults to a fresh comms.InMemoryBus.
func WithBus(b comms.Bus) Option { return func(s *settings) { s.bus = b } }

// WithThresholds sets the aging thresholds.
func WithThresholds(th aging.Thresholds) Option { return func(s *settings) { s.thresholds = th } }

// WithBatchCapacity sets the batch size bound.
func WithBatchCapacity(n int) Option { return func(s *settings) { s.capacity = n } }

// WithMaxRetries sets the default retry bound for new tasks.
func WithMaxRetries(n int) Option { return func(s *settings) { s.maxRetries = n } }

// WithExportDir sets where ExportBatch writes batch files.
func WithExportDir(dir string) Option { return func(s *settings) { s.exportDir = dir } }

// WithClock overrides time.Now for every component.
func WithClock(now func() time.Time) Option { return func(s *settings) { s.now = now } }

// WithLogger sets the logger for every component.
func WithLogger(l *slog.Logger) Option { return func(s *settings) { s.logger = l } }

// New builds a Manager over store and loads the working queue from it.
func New(ctx context.Context, store task.Store, opts ...Option) (*Manager, error) {
	s := settings{
		thresholds: aging.DefaultThresholds(),
		capacity:   batch.DefaultCapacity,
		maxRetries: task.DefaultMaxRetries,
		exportDir:  ".",
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.bus == nil {
		s.bus = comms.NewInMemoryBus()
	}
	if err := s.thresholds.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		store:      store,
		bus:        s.bus,
		maxRetries: s.maxRetries,
		exportDir:  s.exportDir,
		now:        s.now,
		logger:     s.logger,
	}
	m.queue = queue.New(store, queue.WithClock(s.now), queue.WithLogger(s.logger))
	m.aging = aging.NewEngine(store, boostPublisher{m},
		aging.WithThresholds(s.thresholds), aging.WithClock(s.now), aging.WithLogger(s.logger))
	m.grouper = batch.NewGrouper(store,
		batch.WithCapacity(s.capacity), batch.WithClock(s.now), batch.WithLogger(s.logger))

	if err := m.queue.Load(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Bus returns the bus events are published on.
func (m *Manager) Bus() comms.Bus { return m.bus }

// Add validates req, persists a new pending task and enqueues it. A
// malformed priority is rejected before anything is written, and a
// caller-chosen ID that is already stored yields task.ErrExists.
func (m *Manager) Add(ctx context.Context, req Request) (*task.Task, error) {
	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		return nil, fmt.Errorf("%w: description is required", ErrInvalidRequest)
	}
	p := task.DefaultPriority
	if req.Priority != "" {
		var err error
		if p, err = task.ParsePriority(req.Priority); err != nil {
			return nil, err
		}
	}
	id := req.ID
	if id == "" {
		id = "task_" + uuid.NewString()
	}
	maxRetries := m.maxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	t := task.New(id, desc, p, strings.ToLower(strings.TrimSpace(req.Category)),
		task.WithCreatedAt(m.now()),
		task.WithTags(req.Tags...),
		task.WithDependencies(req.Dependencies...),
		task.WithAgent(req.AssignedAgent),
		task.WithVerifier(req.VerifierAgent),
		task.WithMetadata(req.Metadata),
		task.WithMaxRetries(maxRetries),
	)

	m.mu.Lock()
	defer m.mu.Unlock()
	if req.ID != "" {
		// ids are immutable for a task's lifetime; never overwrite a record
		if _, err := m.store.Get(ctx, id); err == nil {
			return nil, fmt.Errorf("add %s: %w", id, task.ErrExists)
		} else if !errors.Is(err, task.ErrNotFound) {
			return nil, fmt.Errorf("add %s: %w", id, err)
		}
	}
	if err := m.queue.Add(ctx, t); err != nil {
		return nil, err
	}
	m.publish(ctx, &comms.Event{Type: comms.TypeTaskCreated, TaskID: t.ID, To: t.Status, Task: t.Clone()})
	return t, nil
}

// Next applies aging and returns the most urgent pending task without
// removing it, or nil when the queue is empty.
func (m *Manager) Next(ctx context.Context) (*task.Task, error) {
	if _, err := m.ApplyBoosts(ctx); err != nil {
		return nil, err
	}
	return m.queue.Peek(ctx)
}

// Peek returns the most urgent pending task, or nil.
func (m *Manager) Peek(ctx context.Context) (*task.Task, error) { return m.queue.Peek(ctx) }

// Pop removes the most urgent pending task from the working queue, or
// returns nil. The task's status is unchanged.
func (m *Manager) Pop(ctx context.Context) (*task.Task, error) { return m.queue.Pop(ctx) }

// Start moves a pending task to running and records the agent, if given.
func (m *Manager) Start(ctx context.Context, id, agent string) (*task.Task, error) {
	t, err := m.apply(ctx, id, "start", task.StatusRunning, task.ActionStarted, comms.TypeTaskStarted,
		func(_, next *task.Task, now time.Time) error {
			next.StartedAt = &now
			if agent != "" {
				next.AssignedAgent = agent
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	m.queue.Remove(id)
	return t, nil
}

// Complete moves a running task to completed, or to failed when success is
// false. RetryCount is untouched.
func (m *Manager) Complete(ctx context.Context, id string, success bool) (*task.Task, error) {
	to, action, typ := task.StatusCompleted, task.ActionCompleted, comms.TypeTaskCompleted
	if !success {
		to, action, typ = task.StatusFailed, task.ActionFailed, comms.TypeTaskFailed
	}
	return m.apply(ctx, id, "complete", to, action, typ,
		func(_, next *task.Task, now time.Time) error {
			next.CompletedAt = &now
			return nil
		})
}

// Retry resubmits a failed task while retries remain. It clears the start
// and completion times and re-enters the working queue.
func (m *Manager) Retry(ctx context.Context, id string) (*task.Task, error) {
	t, err := m.apply(ctx, id, "retry", task.StatusPending, task.ActionRetry, comms.TypeTaskRetried,
		func(prev, next *task.Task, _ time.Time) error {
			if prev.Status != task.StatusFailed {
				return task.ErrInvalidTransition
			}
			if prev.RetryCount >= prev.MaxRetries {
				return task.ErrRetryExhausted
			}
			next.RetryCount++
			next.StartedAt = nil
			next.CompletedAt = nil
			return nil
		})
	if err != nil {
		return nil, err
	}
	m.queue.Push(t)
	return t, nil
}

// Block parks a pending or running task until Unblock. The reason is kept
// in metadata. Completed and failed tasks cannot be blocked.
func (m *Manager) Block(ctx context.Context, id, reason string) (*task.Task, error) {
	t, err := m.apply(ctx, id, "block", task.StatusBlocked, task.ActionBlocked, comms.TypeTaskBlocked,
		func(_, next *task.Task, _ time.Time) error {
			if reason != "" {
				if next.Metadata == nil {
					next.Metadata = make(map[string]any)
				}
				next.Metadata["blocked_reason"] = reason
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	m.queue.Remove(id)
	return t, nil
}

// Unblock returns a blocked task to pending and re-enqueues it.
func (m *Manager) Unblock(ctx context.Context, id string) (*task.Task, error) {
	t, err := m.apply(ctx, id, "unblock", task.StatusPending, task.ActionUnblocked, comms.TypeTaskUnblocked,
		func(prev, next *task.Task, _ time.Time) error {
			if prev.Status != task.StatusBlocked {
				return task.ErrInvalidTransition
			}
			delete(next.Metadata, "blocked_reason")
			next.StartedAt = nil
			next.CompletedAt = nil
			return nil
		})
	if err != nil {
		return nil, err
	}
	m.queue.Push(t)
	return t, nil
}

// SetPriority parses token and applies it as a manual priority change.
func (m *Manager) SetPriority(ctx context.Context, id, token string) (*task.Task, error) {
	p, err := task.ParsePriority(token)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	t, err := m.queue.UpdatePriority(ctx, id, p, false)
	if err != nil {
		return nil, err
	}
	m.publish(ctx, &comms.Event{Type: comms.TypeTaskPriority, TaskID: id, From: prev.Status, To: t.Status, Task: t.Clone()})
	return t, nil
}

// ApplyBoosts runs one aging pass and returns the number of promotions.
func (m *Manager) ApplyBoosts(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aging.Run(ctx)
}

// Get returns a task or task.ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*task.Task, error) {
	return m.store.Get(ctx, id)
}

// Delete removes a task and reports whether it existed.
func (m *Manager) Delete(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, err := m.store.Get(ctx, id)
	if errors.Is(err, task.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	ok, err := m.store.Delete(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	m.queue.Remove(id)
	m.publish(ctx, &comms.Event{Type: comms.TypeTaskDeleted, TaskID: id, From: prev.Status, Task: prev})
	return true, nil
}

// ListPending returns pending tasks, most urgent and oldest first.
func (m *Manager) ListPending(ctx context.Context) ([]*task.Task, error) {
	return m.store.ListPending(ctx)
}

// ListByStatus returns tasks in status, most urgent and oldest first.
func (m *Manager) ListByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	return m.store.ListByStatus(ctx, status)
}

// ListByCategory returns tasks of category, optionally narrowed by status.
func (m *Manager) ListByCategory(ctx context.Context, category string, status *task.Status) ([]*task.Task, error) {
	return m.store.ListByCategory(ctx, category, status)
}

// List returns tasks matching opts.
func (m *Manager) List(ctx context.Context, opts ListOptions) ([]*task.Task, error) {
	status := task.StatusPending
	if opts.Status != "" {
		status = task.Status(strings.ToLower(opts.Status))
		if !status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, opts.Status)
		}
	}
	var prio *task.Priority
	if opts.Priority != "" {
		p, err := task.ParsePriority(opts.Priority)
		if err != nil {
			return nil, err
		}
		prio = &p
	}
	filter, err := newTaskFilter(opts.Filter)
	if err != nil {
		return nil, err
	}

	var tasks []*task.Task
	if opts.Category != "" {
		tasks, err = m.store.ListByCategory(ctx, opts.Category, &status)
	} else {
		tasks, err = m.store.ListByStatus(ctx, status)
	}
	if err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit == 0 {
		limit = DefaultListLimit
	}
	now := m.now()
	out := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		if prio != nil && t.Priority != *prio {
			continue
		}
		if !filter.Match(t, now) {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// History returns a task's audit trail. Unknown ids yield task.ErrNotFound
// unless events survive a deletion.
func (m *Manager) History(ctx context.Context, id string) ([]task.HistoryEvent, error) {
	events, err := m.store.History(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		if _, err := m.store.Get(ctx, id); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// Stats returns store statistics plus the working queue size.
func (m *Manager) Stats(ctx context.Context) (*task.Stats, error) {
	st, err := m.store.Statistics(ctx, m.now())
	if err != nil {
		return nil, err
	}
	st.QueueSize = m.queue.Size()
	return st, nil
}

// SaveMetrics stores a stats snapshot for trend reporting and returns it.
func (m *Manager) SaveMetrics(ctx context.Context) (*task.Stats, error) {
	st, err := m.Stats(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.store.SaveMetricsSnapshot(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// CreateBatches groups every pending task into batches.
func (m *Manager) CreateBatches(ctx context.Context) ([]*batch.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	batches, err := m.grouper.CreateBatches(ctx)
	if err != nil {
		return nil, err
	}
	for _, b := range batches {
		m.publish(ctx, &comms.Event{Type: comms.TypeBatchCreated, BatchID: b.ID})
	}
	return batches, nil
}

// NextBatch regroups pending tasks and returns the most urgent batch, or nil.
func (m *Manager) NextBatch(ctx context.Context) (*batch.Batch, error) {
	batches, err := m.CreateBatches(ctx)
	if err != nil {
		return nil, err
	}
	return batch.MostUrgent(batches), nil
}

// ExportBatch writes b into the export directory and returns the file path.
func (m *Manager) ExportBatch(b *batch.Batch) (string, error) {
	if err := os.MkdirAll(m.exportDir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(m.exportDir, b.ID+".txt")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create batch file: %w", err)
	}
	if err := batch.Export(f, b); err != nil {
		f.Close()
		return "", fmt.Errorf("write batch file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close batch file: %w", err)
	}
	return path, nil
}

// Import adds a P2 task for every entry in an exported batch file. Entries
// whose id already exists are skipped.
func (m *Manager) Import(ctx context.Context, path string) ([]*task.Task, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open import file: %w", err)
	}
	defer f.Close()
	entries, err := batch.ParseImport(f)
	if err != nil {
		return nil, err
	}
	var added []*task.Task
	for _, e := range entries {
		if _, err := m.store.Get(ctx, e.ID); err == nil {
			m.logger.Info("import skipped existing task", slog.String("task_id", e.ID))
			continue
		} else if !errors.Is(err, task.ErrNotFound) {
			return added, err
		}
		t, err := m.Add(ctx, Request{ID: e.ID, Description: e.Description, Priority: task.P2Medium.String()})
		if err != nil {
			return added, fmt.Errorf("import %s: %w", e.ID, err)
		}
		added = append(added, t)
	}
	return added, nil
}

// mutateFunc adjusts next, a copy of prev already moved to the target
// status. Returning an error rejects the transition.
type mutateFunc func(prev, next *task.Task, now time.Time) error

// apply validates and commits one lifecycle transition. A rejected or failed
// transition leaves the store and queue untouched.
func (m *Manager) apply(ctx context.Context, id, op string, to task.Status, action string, typ comms.EventType, mutate mutateFunc) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !task.CanTransition(prev.Status, to) {
		return nil, task.Reject(prev, op, task.ErrInvalidTransition)
	}
	now := m.now().UTC()
	next := prev.Clone()
	next.Status = to
	next.UpdatedAt = now
	if mutate != nil {
		if err := mutate(prev, next, now); err != nil {
			return nil, task.Reject(prev, op, err)
		}
	}
	ev := task.NewEvent(id, action, string(prev.Status), string(to))
	ev.Timestamp = now
	if err := m.store.Commit(ctx, next, ev); err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, id, err)
	}
	m.logger.Debug("task transition",
		slog.String("task_id", id),
		slog.String("from", string(prev.Status)),
		slog.String("to", string(to)))
	m.publish(ctx, &comms.Event{Type: typ, TaskID: id, From: prev.Status, To: to, Task: next.Clone()})
	return next, nil
}

// publish delivers ev. Subscriber failures are logged; the transition has
// already been committed.
func (m *Manager) publish(ctx context.Context, ev *comms.Event) {
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.logger.Warn("event subscriber failed",
			slog.String("type", string(ev.Type)),
			slog.String("task_id", ev.TaskID),
			slog.Any("err", err))
	}
}

// boostPublisher routes aging promotions through the queue's audited update
// path and announces each one.
type boostPublisher struct{ m *Manager }

func (b boostPublisher) UpdatePriority(ctx context.Context, id string, p task.Priority, isBoost bool) (*task.Task, error) {
	t, err := b.m.queue.UpdatePriority(ctx, id, p, isBoost)
	if err != nil {
		return nil, err
	}
	b.m.publish(ctx, &comms.Event{Type: comms.TypeTaskBoosted, TaskID: id, From: t.Status, To: t.Status, Task: t.Clone()})
	return t, nil
}
