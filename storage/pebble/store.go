// Package pebblestore implements task.Store on a Pebble key-value database.
//
// Layout:
//
//	t\x00<task id>                 -> task record JSON
//	h\x00<task id>\x00<seq:8 BE>   -> history event JSON
//	b\x00<batch id>                -> batch summary JSON
//	m\x00<seq:8 BE>                -> stats snapshot JSON
//
// A task write and its history event always share one pebble.Batch, so they
// are applied atomically. Pebble holds an exclusive lock on its directory,
// which makes this backend single-process; use the SQLite store when a
// producer and a consumer run as separate processes.
package pebblestore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/GoCodeAlone/taskq/task"
)

// FsyncMode defines durability behavior for committed batches.
type FsyncMode int

const (
	// FsyncAlways syncs the WAL on every commit.
	FsyncAlways FsyncMode = iota
	// FsyncNever leaves WAL syncing to Pebble.
	FsyncNever
)

// Options configures the store.
type Options struct {
	// DataDir is the Pebble database directory. Required.
	DataDir string
	// Fsync controls commit durability. Defaults to FsyncAlways.
	Fsync FsyncMode
	// PebbleOptions allows advanced tuning. If nil, defaults are used.
	PebbleOptions *pebble.Options
}

// Store is a task.Store backed by Pebble.
type Store struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	seq       atomic.Uint64

	// mu serializes read-then-write operations such as Delete.
	mu sync.Mutex
}

var _ task.Store = (*Store)(nil)

const (
	prefixTask    = 't'
	prefixHistory = 'h'
	prefixBatch   = 'b'
	prefixMetrics = 'm'
)

// Open creates or opens a Pebble-backed store.
func Open(opts Options) (*Store, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebblestore: Options.DataDir is required")
	}
	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	db, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", opts.DataDir, err)
	}
	s := &Store{db: db, writeOpts: pebble.Sync}
	if opts.Fsync == FsyncNever {
		s.writeOpts = pebble.NoSync
	}
	// Seed the sequence from the wall clock so ids keep increasing across restarts.
	s.seq.Store(uint64(time.Now().UnixNano()))
	return s, nil
}

// Close closes the Pebble database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save inserts or replaces a task.
func (s *Store) Save(_ context.Context, t *task.Task) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := putTask(b, t); err != nil {
		return err
	}
	return s.commit(b)
}

// Commit writes t and ev in one batch.
func (s *Store) Commit(_ context.Context, t *task.Task, ev task.HistoryEvent) error {
	if ev.TaskID == "" {
		ev.TaskID = t.ID
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := putTask(b, t); err != nil {
		return err
	}
	if err := s.putHistory(b, ev); err != nil {
		return err
	}
	return s.commit(b)
}

// Get returns a task or task.ErrNotFound.
func (s *Store) Get(_ context.Context, id string) (*task.Task, error) {
	val, closer, err := s.db.Get(taskKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("get %s: %w", id, task.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	defer closer.Close()
	return decodeTask(val)
}

// ListPending returns pending tasks ordered by urgency.
func (s *Store) ListPending(ctx context.Context) ([]*task.Task, error) {
	return s.ListByStatus(ctx, task.StatusPending)
}

// ListByStatus returns tasks in a status ordered by urgency.
func (s *Store) ListByStatus(_ context.Context, status task.Status) ([]*task.Task, error) {
	return s.scanTasks(func(t *task.Task) bool { return t.Status == status })
}

// ListByCategory returns tasks of a category, optionally narrowed by status.
func (s *Store) ListByCategory(_ context.Context, category string, status *task.Status) ([]*task.Task, error) {
	return s.scanTasks(func(t *task.Task) bool {
		return t.Category == category && (status == nil || t.Status == *status)
	})
}

// Delete removes a task and records a deleted event when it existed.
func (s *Store) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, closer, err := s.db.Get(taskKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete task %s: %w", id, err)
	}
	closer.Close()

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(taskKey(id), nil); err != nil {
		return false, err
	}
	if err := s.putHistory(b, task.NewEvent(id, task.ActionDeleted, "", "")); err != nil {
		return false, err
	}
	if err := s.commit(b); err != nil {
		return false, err
	}
	return true, nil
}

// RecordHistory appends an audit event.
func (s *Store) RecordHistory(_ context.Context, ev task.HistoryEvent) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := s.putHistory(b, ev); err != nil {
		return err
	}
	return s.commit(b)
}

// History returns a task's events in append order.
func (s *Store) History(_ context.Context, id string) ([]task.HistoryEvent, error) {
	var events []task.HistoryEvent
	err := s.scan(historyPrefix(id), func(_, val []byte) error {
		var ev task.HistoryEvent
		if err := json.Unmarshal(val, &ev); err != nil {
			return fmt.Errorf("decode history: %w", err)
		}
		events = append(events, ev)
		return nil
	})
	return events, err
}

// SaveBatch inserts or replaces a batch summary.
func (s *Store) SaveBatch(_ context.Context, bs *task.BatchSummary) error {
	if bs.Status == "" {
		bs.Status = task.StatusPending
	}
	data, err := json.Marshal(bs)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(key(prefixBatch, bs.ID), data, nil); err != nil {
		return err
	}
	return s.commit(b)
}

// ListBatches returns batch summaries, newest first.
func (s *Store) ListBatches(_ context.Context, limit int) ([]*task.BatchSummary, error) {
	var out []*task.BatchSummary
	err := s.scan([]byte{prefixBatch, 0}, func(_, val []byte) error {
		var bs task.BatchSummary
		if err := json.Unmarshal(val, &bs); err != nil {
			return fmt.Errorf("decode batch: %w", err)
		}
		out = append(out, &bs)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Statistics scans every task and aggregates counts and ages.
func (s *Store) Statistics(_ context.Context, now time.Time) (*task.Stats, error) {
	stats := &task.Stats{PendingByPriority: make(map[string]int), Timestamp: now.UTC()}
	for _, p := range task.Priorities() {
		stats.PendingByPriority[p.Name()] = 0
	}
	var (
		waitTotal float64
		waitN     int
		oldest    time.Time
	)
	all, err := s.scanTasks(func(*task.Task) bool { return true })
	if err != nil {
		return nil, err
	}
	for _, t := range all {
		switch t.Status {
		case task.StatusPending:
			stats.PendingCount++
			stats.PendingByPriority[t.Priority.Name()]++
			if oldest.IsZero() || t.CreatedAt.Before(oldest) {
				oldest = t.CreatedAt
			}
		case task.StatusRunning:
			stats.RunningCount++
		case task.StatusCompleted:
			stats.CompletedCount++
		case task.StatusFailed:
			stats.FailedCount++
		case task.StatusBlocked:
			stats.BlockedCount++
		}
		if t.BoostCount > 0 {
			stats.BoostedCount++
		}
		if t.StartedAt != nil {
			waitTotal += t.StartedAt.Sub(t.CreatedAt).Seconds()
			waitN++
		}
	}
	if waitN > 0 {
		stats.AvgWaitSeconds = round2(waitTotal / float64(waitN))
	}
	if !oldest.IsZero() {
		stats.OldestPendingHours = round2(now.Sub(oldest).Hours())
	}
	return stats, nil
}

// SaveMetricsSnapshot appends a stats snapshot.
func (s *Store) SaveMetricsSnapshot(_ context.Context, st *task.Stats) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	k := append([]byte{prefixMetrics, 0}, seqBytes(s.seq.Add(1))...)
	if err := b.Set(k, data, nil); err != nil {
		return err
	}
	return s.commit(b)
}

// MetricsSnapshots returns stored snapshots, oldest first.
func (s *Store) MetricsSnapshots() ([]*task.Stats, error) {
	var out []*task.Stats
	err := s.scan([]byte{prefixMetrics, 0}, func(_, val []byte) error {
		var st task.Stats
		if err := json.Unmarshal(val, &st); err != nil {
			return fmt.Errorf("decode metrics: %w", err)
		}
		out = append(out, &st)
		return nil
	})
	return out, err
}

func (s *Store) commit(b *pebble.Batch) error {
	if err := b.Commit(s.writeOpts); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (s *Store) putHistory(b *pebble.Batch, ev task.HistoryEvent) error {
	seq := s.seq.Add(1)
	ev.ID = int64(seq)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	k := append(historyPrefix(ev.TaskID), seqBytes(seq)...)
	return b.Set(k, data, nil)
}

func (s *Store) scanTasks(keep func(*task.Task) bool) ([]*task.Task, error) {
	var tasks []*task.Task
	err := s.scan([]byte{prefixTask, 0}, func(_, val []byte) error {
		t, err := decodeTask(val)
		if err != nil {
			return err
		}
		if keep(t) {
			tasks = append(tasks, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return tasks, nil
}

func (s *Store) scan(prefix []byte, fn func(key, val []byte) error) error {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return fmt.Errorf("new iterator: %w", err)
	}
	for it.First(); it.Valid(); it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			it.Close()
			return err
		}
	}
	return it.Close()
}

func putTask(b *pebble.Batch, t *task.Task) error {
	if !t.Priority.Valid() {
		return fmt.Errorf("save task %s: %w: value %d", t.ID, task.ErrMalformedPriority, int(t.Priority))
	}
	data, err := json.Marshal(t.Record())
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	return b.Set(taskKey(t.ID), data, nil)
}

func decodeTask(val []byte) (*task.Task, error) {
	var r task.Record
	if err := json.Unmarshal(val, &r); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return task.FromRecord(r)
}

func key(prefix byte, id string) []byte {
	k := make([]byte, 0, len(id)+2)
	k = append(k, prefix, 0)
	return append(k, id...)
}

func taskKey(id string) []byte { return key(prefixTask, id) }

func historyPrefix(id string) []byte { return append(key(prefixHistory, id), 0) }

func seqBytes(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	hi := append([]byte(nil), prefix...)
	for i := len(hi) - 1; i >= 0; i-- {
		if hi[i] < 0xff {
			hi[i]++
			return hi[:i+1]
		}
	}
	return nil
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
