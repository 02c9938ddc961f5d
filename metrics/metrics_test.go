package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/GoCodeAlone/taskq/comms"
	"github.com/GoCodeAlone/taskq/task"
)

func TestMetrics_CountsEvents(t *testing.T) {
	m := New()
	bus := comms.NewInMemoryBus()
	m.Attach(bus)
	ctx := context.Background()

	created := task.New("t1", "d", task.P1High, task.CategoryBackend)
	started := created.CreatedAt.Add(90 * time.Second)
	done := started.Add(time.Minute)
	running := created.Clone()
	running.Status = task.StatusRunning
	running.StartedAt = &started
	completed := running.Clone()
	completed.Status = task.StatusCompleted
	completed.CompletedAt = &done

	for _, ev := range []*comms.Event{
		{Type: comms.TypeTaskCreated, TaskID: "t1", Task: created},
		{Type: comms.TypeTaskStarted, TaskID: "t1", Task: running},
		{Type: comms.TypeTaskCompleted, TaskID: "t1", Task: completed},
		{Type: comms.TypeTaskBoosted, TaskID: "t2"},
		{Type: comms.TypeBatchCreated, BatchID: "b1"},
	} {
		if err := bus.Publish(ctx, ev); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	if got := testutil.ToFloat64(m.tasksEnqueued.WithLabelValues(task.CategoryBackend)); got != 1 {
		t.Errorf("enqueued{backend} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.transitions.WithLabelValues(string(comms.TypeTaskStarted))); got != 1 {
		t.Errorf("transitions{task_started} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.boosts); got != 1 {
		t.Errorf("boosts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.batchesCreated); got != 1 {
		t.Errorf("batches = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.runDuration); n != 1 {
		t.Errorf("run duration series = %d, want 1", n)
	}
}

func TestMetrics_ObserveAndServe(t *testing.T) {
	m := New()
	m.Observe(&task.Stats{
		PendingCount:       3,
		RunningCount:       1,
		PendingByPriority:  map[string]int{"P0_CRITICAL": 1, "P3_LOW": 2},
		QueueSize:          3,
		AvgWaitSeconds:     12.5,
		OldestPendingHours: 5.25,
	})

	if got := testutil.ToFloat64(m.tasksByStatus.WithLabelValues("pending")); got != 3 {
		t.Errorf("tasks{pending} = %v", got)
	}
	if got := testutil.ToFloat64(m.pendingByPriority.WithLabelValues("P2_MEDIUM")); got != 0 {
		t.Errorf("pending{P2} = %v", got)
	}
	if got := testutil.ToFloat64(m.oldestPending); got != 5.25 {
		t.Errorf("oldest = %v", got)
	}

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `taskq_tasks_pending_by_priority{priority="P3_LOW"} 2`) {
		t.Errorf("exposition missing pending gauge:\n%s", body)
	}
}
