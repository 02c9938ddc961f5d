package pebblestore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/GoCodeAlone/taskq/task"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{DataDir: filepath.Join(t.TempDir(), "pebble"), Fsync: FsyncNever})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_RequiresDataDir(t *testing.T) {
	if _, err := Open(Options{}); err == nil {
		t.Fatal("expected error for empty DataDir")
	}
}

func TestStore_SaveGetDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tk := task.New("task-1", "Patch auth", task.P0Critical, task.CategorySecurity,
		task.WithTags("auth"), task.WithMetadata(map[string]any{"ticket": "SEC-1"}))
	if err := s.Save(ctx, tk); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Get(ctx, "task-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Priority != task.P0Critical || got.Category != task.CategorySecurity || got.Metadata["ticket"] != "SEC-1" {
		t.Errorf("Get = %+v", got)
	}
	if !got.CreatedAt.Equal(tk.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, tk.CreatedAt)
	}

	ok, err := s.Delete(ctx, "task-1")
	if err != nil || !ok {
		t.Fatalf("Delete = %v, %v", ok, err)
	}
	if _, err := s.Get(ctx, "task-1"); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("Get after delete error = %v, want ErrNotFound", err)
	}
	ok, err = s.Delete(ctx, "task-1")
	if err != nil || ok {
		t.Errorf("second Delete = %v, %v, want false, nil", ok, err)
	}

	hist, err := s.History(ctx, "task-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 1 || hist[0].Action != task.ActionDeleted {
		t.Errorf("History = %+v", hist)
	}
}

func TestStore_ListOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, tk := range []*task.Task{
		task.New("low-old", "a", task.P3Low, "x", task.WithCreatedAt(base)),
		task.New("high-new", "b", task.P1High, "x", task.WithCreatedAt(base.Add(2*time.Minute))),
		task.New("high-old", "c", task.P1High, "y", task.WithCreatedAt(base.Add(time.Minute))),
	} {
		if err := s.Save(ctx, tk); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	pending, err := s.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	want := []string{"high-old", "high-new", "low-old"}
	for i, tk := range pending {
		if tk.ID != want[i] {
			t.Fatalf("ListPending order = %v, want %v", taskIDs(pending), want)
		}
	}

	pendingStatus := task.StatusPending
	byCat, err := s.ListByCategory(ctx, "x", &pendingStatus)
	if err != nil {
		t.Fatalf("ListByCategory: %v", err)
	}
	if len(byCat) != 2 || byCat[0].ID != "high-new" {
		t.Errorf("ListByCategory = %v", taskIDs(byCat))
	}
}

func TestStore_CommitAppendsHistoryInOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tk := task.New("task-1", "d", task.P2Medium, "")
	if err := s.Commit(ctx, tk, task.NewEvent(tk.ID, task.ActionCreated, "", tk.Priority.String())); err != nil {
		t.Fatalf("Commit created: %v", err)
	}
	tk.Status = task.StatusRunning
	if err := s.Commit(ctx, tk, task.NewEvent(tk.ID, task.ActionStarted, "pending", "running")); err != nil {
		t.Fatalf("Commit started: %v", err)
	}

	hist, err := s.History(ctx, "task-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 || hist[0].Action != task.ActionCreated || hist[1].Action != task.ActionStarted {
		t.Fatalf("History = %+v", hist)
	}
	if hist[1].ID <= hist[0].ID {
		t.Errorf("history ids not increasing: %d, %d", hist[0].ID, hist[1].ID)
	}

	bad := tk.Clone()
	bad.Priority = task.Priority(9)
	if err := s.Commit(ctx, bad, task.NewEvent(tk.ID, task.ActionPriorityChange, "", "")); !errors.Is(err, task.ErrMalformedPriority) {
		t.Fatalf("Commit bad priority error = %v", err)
	}
	hist, _ = s.History(ctx, "task-1")
	if len(hist) != 2 {
		t.Errorf("rejected commit appended history: %+v", hist)
	}
}

func TestStore_StatisticsAndSnapshots(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	old := task.New("old", "a", task.P3Low, "", task.WithCreatedAt(now.Add(-3*time.Hour)))
	old.BoostCount = 1
	running := task.New("run", "b", task.P1High, "", task.WithCreatedAt(now.Add(-time.Hour)))
	started := running.CreatedAt.Add(30 * time.Second)
	running.Status = task.StatusRunning
	running.StartedAt = &started
	for _, tk := range []*task.Task{old, running} {
		if err := s.Save(ctx, tk); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	st, err := s.Statistics(ctx, now)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if st.PendingCount != 1 || st.RunningCount != 1 || st.BoostedCount != 1 {
		t.Errorf("counts = %+v", st)
	}
	if st.PendingByPriority["P3_LOW"] != 1 || st.PendingByPriority["P0_CRITICAL"] != 0 {
		t.Errorf("PendingByPriority = %v", st.PendingByPriority)
	}
	if st.AvgWaitSeconds != 30 || st.OldestPendingHours != 3 {
		t.Errorf("avg wait = %v, oldest = %v", st.AvgWaitSeconds, st.OldestPendingHours)
	}

	if err := s.SaveMetricsSnapshot(ctx, st); err != nil {
		t.Fatalf("SaveMetricsSnapshot: %v", err)
	}
	snaps, err := s.MetricsSnapshots()
	if err != nil || len(snaps) != 1 || snaps[0].PendingCount != 1 {
		t.Errorf("MetricsSnapshots = %+v, %v", snaps, err)
	}
}

func TestStore_Batches(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"batch-a", "batch-b", "batch-c"} {
		b := &task.BatchSummary{ID: id, Category: "x", Priority: task.P2Medium,
			TaskIDs: []string{"t1"}, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.SaveBatch(ctx, b); err != nil {
			t.Fatalf("SaveBatch: %v", err)
		}
	}
	got, err := s.ListBatches(ctx, 2)
	if err != nil {
		t.Fatalf("ListBatches: %v", err)
	}
	if len(got) != 2 || got[0].ID != "batch-c" || got[1].ID != "batch-b" {
		t.Errorf("ListBatches = %+v", got)
	}
	if got[0].Status != task.StatusPending {
		t.Errorf("Status = %q, want pending", got[0].Status)
	}
}

func TestUpperBound(t *testing.T) {
	if got := upperBound([]byte{'t', 0}); string(got) != "t\x01" {
		t.Errorf("upperBound = %q", got)
	}
	if got := upperBound([]byte{'a', 0xff}); string(got) != "b" {
		t.Errorf("upperBound = %q", got)
	}
}

func taskIDs(ts []*task.Task) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.ID
	}
	return out
}
