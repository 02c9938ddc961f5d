package batch

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/GoCodeAlone/taskq/task"
)

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *task.SQLiteStore {
	t.Helper()
	store, err := task.NewSQLiteStore(filepath.Join(t.TempDir(), "batch.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seq() func(time.Time) string {
	n := 0
	return func(time.Time) string {
		n++
		return fmt.Sprintf("batch-%d", n)
	}
}

func save(t *testing.T, store task.Store, id string, p task.Priority, cat string, offset time.Duration) {
	t.Helper()
	tk := task.New(id, "work on "+id, p, cat, task.WithCreatedAt(t0.Add(offset)))
	if err := store.Save(context.Background(), tk); err != nil {
		t.Fatalf("Save(%s): %v", id, err)
	}
}

func TestCreateBatches_SplitsByCapacity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		save(t, store, fmt.Sprintf("t%02d", i), task.P2Medium, task.CategoryBackend, time.Duration(i)*time.Second)
	}

	g := NewGrouper(store, WithIDGenerator(seq()), WithClock(func() time.Time { return t0 }))
	batches, err := g.CreateBatches(ctx)
	if err != nil {
		t.Fatalf("CreateBatches: %v", err)
	}
	if len(batches) != 3 {
		t.Fatalf("batches = %d, want 3", len(batches))
	}
	for i, want := range []int{10, 10, 5} {
		if got := len(batches[i].Tasks); got != want {
			t.Errorf("batch %d size = %d, want %d", i, got, want)
		}
	}
	if batches[0].Tasks[0].ID != "t00" || batches[2].Tasks[4].ID != "t24" {
		t.Errorf("members out of age order: first %s last %s", batches[0].Tasks[0].ID, batches[2].Tasks[4].ID)
	}

	for _, b := range batches {
		for _, member := range b.Tasks {
			stored, err := store.Get(ctx, member.ID)
			if err != nil {
				t.Fatalf("Get(%s): %v", member.ID, err)
			}
			if stored.BatchID != b.ID {
				t.Errorf("%s batch ref = %q, want %q", member.ID, stored.BatchID, b.ID)
			}
			if stored.Status != task.StatusPending {
				t.Errorf("%s status changed to %s", member.ID, stored.Status)
			}
		}
	}

	summaries, err := store.ListBatches(ctx, 0)
	if err != nil {
		t.Fatalf("ListBatches: %v", err)
	}
	if len(summaries) != 3 {
		t.Errorf("saved summaries = %d, want 3", len(summaries))
	}

	hist, _ := store.History(ctx, "t12")
	if len(hist) != 1 || hist[0].Action != task.ActionBatched || *hist[0].NewValue != "batch-2" {
		t.Errorf("t12 history = %+v", hist)
	}
}

func TestCreateBatches_TierThenCategoryOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	save(t, store, "p3-sec", task.P3Low, task.CategorySecurity, 0)
	save(t, store, "p1-feat", task.P1High, task.CategoryFeature, 0)
	save(t, store, "p1-sec", task.P1High, task.CategorySecurity, time.Minute)
	save(t, store, "p1-custom", task.P1High, "infra", 0)
	save(t, store, "p1-alpha", task.P1High, "alpha", 0)

	g := NewGrouper(store, WithIDGenerator(seq()))
	batches, err := g.CreateBatches(ctx)
	if err != nil {
		t.Fatalf("CreateBatches: %v", err)
	}
	var got []string
	for _, b := range batches {
		if len(b.Tasks) != 1 {
			t.Fatalf("batch %s size %d", b.ID, len(b.Tasks))
		}
		got = append(got, b.Tasks[0].ID)
	}
	want := []string{"p1-sec", "p1-feat", "p1-alpha", "p1-custom", "p3-sec"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("batch order = %v, want %v", got, want)
	}
}

func TestNextBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	g := NewGrouper(store, WithCapacity(2), WithIDGenerator(seq()))

	if b, err := g.NextBatch(ctx); err != nil || b != nil {
		t.Fatalf("NextBatch on empty store = %v, %v", b, err)
	}

	save(t, store, "low", task.P3Low, task.CategorySecurity, 0)
	save(t, store, "mid-1", task.P2Medium, task.CategoryTesting, 0)
	save(t, store, "mid-2", task.P2Medium, task.CategoryTesting, time.Second)
	save(t, store, "mid-3", task.P2Medium, task.CategoryTesting, 2*time.Second)

	b, err := g.NextBatch(ctx)
	if err != nil {
		t.Fatalf("NextBatch: %v", err)
	}
	if b.Priority != task.P2Medium || b.Category != task.CategoryTesting {
		t.Fatalf("NextBatch = %s/%s", b.Priority, b.Category)
	}
	if ids := b.TaskIDs(); len(ids) != 2 || ids[0] != "mid-1" || ids[1] != "mid-2" {
		t.Errorf("NextBatch members = %v", ids)
	}
}

func TestExportAndParseImport(t *testing.T) {
	b := &Batch{
		ID: "batch-1",
		Tasks: []*task.Task{
			task.New("task_a", "Fix the login redirect", task.P1High, ""),
			task.New("task_b", "Add tests\nfor parser", task.P1High, ""),
		},
	}
	var buf bytes.Buffer
	if err := Export(&buf, b); err != nil {
		t.Fatalf("Export: %v", err)
	}
	want := exportHeader + "\n\n**Task 1 [task_a]:** Fix the login redirect\n\n**Task 2 [task_b]:** Add tests for parser\n"
	if buf.String() != want {
		t.Errorf("Export =\n%q\nwant\n%q", buf.String(), want)
	}

	entries, err := ParseImport(strings.NewReader(buf.String() + "noise line\n**Task 3 [x]:**   \n"))
	if err != nil {
		t.Fatalf("ParseImport: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0] != (Entry{ID: "task_a", Description: "Fix the login redirect"}) {
		t.Errorf("entries[0] = %+v", entries[0])
	}
	if entries[1].Description != "Add tests for parser" {
		t.Errorf("entries[1] = %+v", entries[1])
	}
}
