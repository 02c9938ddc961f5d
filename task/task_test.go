package task

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestParsePriority(t *testing.T) {
	cases := map[string]Priority{
		"P0":           P0Critical,
		"critical":     P0Critical,
		" p0-critical": P0Critical,
		"P0_CRITICAL":  P0Critical,
		"high":         P1High,
		"P1-HIGH":      P1High,
		"p2":           P2Medium,
		"Medium":       P2Medium,
		"P3":           P3Low,
		"low ":         P3Low,
		"ＨＩＧＨ":         P1High,
		"Ｐ０＿ＣＲＩＴＩＣＡＬ":  P0Critical,
	}
	for in, want := range cases {
		got, err := ParsePriority(in)
		if err != nil {
			t.Errorf("ParsePriority(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParsePriority(%q) = %v, want %v", in, got, want)
		}
	}

	for _, bad := range []string{"", "P4", "urgent", "P-1"} {
		if _, err := ParsePriority(bad); !errors.Is(err, ErrMalformedPriority) {
			t.Errorf("ParsePriority(%q) error = %v, want ErrMalformedPriority", bad, err)
		}
	}
}

func TestPriority_NextAndNames(t *testing.T) {
	if P3Low.Next() != P2Medium || P2Medium.Next() != P1High || P1High.Next() != P0Critical {
		t.Error("Next does not promote exactly one tier")
	}
	if P0Critical.Next() != P0Critical {
		t.Error("P0 must not promote further")
	}
	if P1High.Name() != "P1_HIGH" || P1High.String() != "P1-HIGH" {
		t.Errorf("names = %q/%q", P1High.Name(), P1High.String())
	}
	if Priority(7).Valid() {
		t.Error("Priority(7) should be invalid")
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]Status{
		{StatusPending, StatusRunning},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
		{StatusFailed, StatusPending},
		{StatusPending, StatusBlocked},
		{StatusBlocked, StatusPending},
	}
	for _, tr := range allowed {
		if !CanTransition(tr[0], tr[1]) {
			t.Errorf("CanTransition(%s, %s) = false, want true", tr[0], tr[1])
		}
	}
	denied := [][2]Status{
		{StatusPending, StatusCompleted},
		{StatusCompleted, StatusPending},
		{StatusCompleted, StatusRunning},
		{StatusRunning, StatusPending},
		{StatusFailed, StatusRunning},
		{StatusFailed, StatusBlocked},
		{StatusCompleted, StatusBlocked},
		{StatusBlocked, StatusRunning},
	}
	for _, tr := range denied {
		if CanTransition(tr[0], tr[1]) {
			t.Errorf("CanTransition(%s, %s) = true, want false", tr[0], tr[1])
		}
	}
}

func TestRecord_RoundTrip(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 30, 0, 123456789, time.UTC)
	started := created.Add(5 * time.Minute)
	completed := started.Add(time.Hour)

	orig := New("task-42", "Write docs", P1High, CategoryDocumentation,
		WithCreatedAt(created),
		WithTags("docs"),
		WithDependencies("task-41"),
		WithAgent("gemini"),
		WithVerifier("codex"),
		WithMetadata(map[string]any{"source": "import"}),
		WithMaxRetries(5),
	)
	orig.OriginalPriority = P3Low
	orig.BoostCount = 2
	orig.BatchID = "batch-1"
	orig.RetryCount = 1
	orig.Status = StatusFailed
	orig.StartedAt = &started
	orig.CompletedAt = &completed

	back, err := FromRecord(orig.Record())
	if err != nil {
		t.Fatalf("FromRecord: %v", err)
	}
	if !reflect.DeepEqual(orig, back) {
		t.Errorf("record round trip mismatch:\n got %+v\nwant %+v", back, orig)
	}

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded Task
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Priority != P1High || decoded.OriginalPriority != P3Low || decoded.BoostCount != 2 {
		t.Errorf("decoded priority/boost = %v/%v/%d", decoded.Priority, decoded.OriginalPriority, decoded.BoostCount)
	}
	if !decoded.CreatedAt.Equal(created) || !decoded.CompletedAt.Equal(completed) {
		t.Errorf("decoded times = %v/%v", decoded.CreatedAt, decoded.CompletedAt)
	}
	if decoded.Metadata["source"] != "import" || decoded.MaxRetries != 5 || decoded.RetryCount != 1 {
		t.Errorf("decoded = %+v", decoded)
	}

	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("Unmarshal map: %v", err)
	}
	if rec["priority"] != "P1_HIGH" || rec["priority_value"] != float64(1) {
		t.Errorf("record priority fields = %v/%v", rec["priority"], rec["priority_value"])
	}
}

func TestFromRecord_RejectsBadPriority(t *testing.T) {
	if _, err := FromRecord(Record{TaskID: "x", Priority: "P9"}); !errors.Is(err, ErrMalformedPriority) {
		t.Errorf("FromRecord error = %v, want ErrMalformedPriority", err)
	}
	if _, err := FromRecord(Record{TaskID: "x", PriorityValue: 12}); !errors.Is(err, ErrMalformedPriority) {
		t.Errorf("FromRecord error = %v, want ErrMalformedPriority", err)
	}
}

func TestTransitionError(t *testing.T) {
	tk := New("task-1", "d", P2Medium, "")
	err := Reject(tk, "complete", ErrInvalidTransition)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("errors.Is(%v, ErrInvalidTransition) = false", err)
	}
	var te *TransitionError
	if !errors.As(err, &te) || te.From != StatusPending {
		t.Errorf("TransitionError = %+v", te)
	}
}
