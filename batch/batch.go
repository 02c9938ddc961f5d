// Package batch groups pending tasks of the same tier and category into
// bounded batches for combined dispatch. Batches are recomputed from the
// store on every call and never drive queue ordering.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/taskq/task"
)

// DefaultCapacity is the maximum number of tasks in one batch.
const DefaultCapacity = 10

// Batch is a transient group of same-tier, same-category pending tasks.
type Batch struct {
	ID        string
	Category  string
	Priority  task.Priority
	Tasks     []*task.Task
	CreatedAt time.Time
}

// TaskIDs returns member ids in batch order.
func (b *Batch) TaskIDs() []string {
	ids := make([]string, len(b.Tasks))
	for i, t := range b.Tasks {
		ids[i] = t.ID
	}
	return ids
}

// Summary returns the persisted trace of b.
func (b *Batch) Summary() *task.BatchSummary {
	return &task.BatchSummary{
		ID:        b.ID,
		Category:  b.Category,
		Priority:  b.Priority,
		TaskIDs:   b.TaskIDs(),
		CreatedAt: b.CreatedAt,
		Status:    task.StatusPending,
	}
}

// Grouper builds batches from a store's pending tasks.
type Grouper struct {
	store      task.Store
	capacity   int
	categories []string
	newID      func(now time.Time) string
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Grouper.
type Option func(*Grouper)

// WithCapacity sets the batch size bound. Values below one are ignored.
func WithCapacity(n int) Option {
	return func(g *Grouper) {
		if n > 0 {
			g.capacity = n
		}
	}
}

// WithCategories overrides the category visiting order.
func WithCategories(cats ...string) Option { return func(g *Grouper) { g.categories = cats } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(g *Grouper) { g.now = now } }

// WithIDGenerator overrides batch id generation.
func WithIDGenerator(fn func(now time.Time) string) Option { return func(g *Grouper) { g.newID = fn } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(g *Grouper) { g.logger = l } }

// NewGrouper creates a Grouper with DefaultCapacity and task.Categories order.
func NewGrouper(store task.Store, opts ...Option) *Grouper {
	g := &Grouper{
		store:      store,
		capacity:   DefaultCapacity,
		categories: task.Categories(),
		newID:      defaultID,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Capacity returns the configured batch size bound.
func (g *Grouper) Capacity() int { return g.capacity }

func defaultID(now time.Time) string {
	return fmt.Sprintf("batch_%d_%s", now.Unix(), uuid.NewString()[:8])
}

// CreateBatches partitions pending tasks by tier, most urgent first, then by
// category in the configured order; categories outside that order follow in
// lexical order. Each member is tagged with its batch id and a batched
// history event, and a summary is saved per batch.
func (g *Grouper) CreateBatches(ctx context.Context) ([]*Batch, error) {
	pending, err := g.store.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("create batches: %w", err)
	}

	type key struct {
		p   task.Priority
		cat string
	}
	groups := make(map[key][]*task.Task)
	known := make(map[string]bool, len(g.categories))
	for _, c := range g.categories {
		known[c] = true
	}
	var extra []string
	for _, t := range pending {
		k := key{t.Priority, t.Category}
		groups[k] = append(groups[k], t)
		if !known[t.Category] {
			known[t.Category] = true
			extra = append(extra, t.Category)
		}
	}
	sort.Strings(extra)
	order := append(append([]string(nil), g.categories...), extra...)

	var batches []*Batch
	for _, p := range task.Priorities() {
		for _, cat := range order {
			members := groups[key{p, cat}]
			for start := 0; start < len(members); start += g.capacity {
				end := min(start+g.capacity, len(members))
				b, err := g.seal(ctx, p, cat, members[start:end])
				if err != nil {
					return batches, err
				}
				batches = append(batches, b)
			}
		}
	}
	return batches, nil
}

// NextBatch recomputes batches and returns the most urgent one, or nil when
// nothing is pending.
func (g *Grouper) NextBatch(ctx context.Context) (*Batch, error) {
	batches, err := g.CreateBatches(ctx)
	if err != nil {
		return nil, err
	}
	return MostUrgent(batches), nil
}

// MostUrgent orders batches by (priority, created_at), keeping the grouper's
// order for ties, and returns the first. It returns nil for an empty slice.
func MostUrgent(batches []*Batch) *Batch {
	if len(batches) == 0 {
		return nil
	}
	sorted := append([]*Batch(nil), batches...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	return sorted[0]
}

// seal tags members with a fresh batch id and persists them and the summary.
func (g *Grouper) seal(ctx context.Context, p task.Priority, cat string, members []*task.Task) (*Batch, error) {
	now := g.now().UTC()
	b := &Batch{ID: g.newID(now), Category: cat, Priority: p, CreatedAt: now}
	for _, t := range members {
		tagged := t.Clone()
		prev := tagged.BatchID
		tagged.BatchID = b.ID
		tagged.UpdatedAt = now
		ev := task.NewEvent(t.ID, task.ActionBatched, prev, b.ID)
		ev.Timestamp = now
		if err := g.store.Commit(ctx, tagged, ev); err != nil {
			return nil, fmt.Errorf("tag %s with %s: %w", t.ID, b.ID, err)
		}
		b.Tasks = append(b.Tasks, tagged)
	}
	if err := g.store.SaveBatch(ctx, b.Summary()); err != nil {
		return nil, fmt.Errorf("save batch %s: %w", b.ID, err)
	}
	g.logger.Debug("batch created",
		slog.String("batch_id", b.ID),
		slog.String("category", cat),
		slog.String("priority", p.String()),
		slog.Int("tasks", len(b.Tasks)))
	return b, nil
}
