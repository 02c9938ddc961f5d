package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/GoCodeAlone/taskq/task"
)

type cli struct {
	t       *testing.T
	db      string
	dataDir string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	return &cli{t: t, db: filepath.Join(dir, "queue.db"), dataDir: filepath.Join(dir, "tasks")}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--db", c.db, "--data-dir", c.dataDir, "--log-level", "error"}, args...))
	err := root.Execute()
	return out.String(), err
}

func (c *cli) mustRun(args ...string) string {
	c.t.Helper()
	out, err := c.run(args...)
	if err != nil {
		c.t.Fatalf("taskq %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

var createdRe = regexp.MustCompile(`Created task: (\S+)`)

func (c *cli) add(args ...string) string {
	c.t.Helper()
	out := c.mustRun(append([]string{"add"}, args...)...)
	m := createdRe.FindStringSubmatch(out)
	if m == nil {
		c.t.Fatalf("no task id in %q", out)
	}
	return m[1]
}

func TestCLI_AddNextStartComplete(t *testing.T) {
	c := newCLI(t)
	low := c.add("Tidy docs", "-p", "low", "-c", "documentation")
	high := c.add("Patch CVE", "-p", "P1", "-c", "Security", "-t", "ops,urgent")

	out := c.mustRun("next")
	if !strings.Contains(out, "Next task: "+high) || !strings.Contains(out, "Category: security") {
		t.Errorf("next = %q", out)
	}

	c.mustRun("start", high, "--agent", "codex")
	out = c.mustRun("complete", high, "--failed")
	if !strings.Contains(out, "Task failed: "+high) {
		t.Errorf("complete = %q", out)
	}
	out = c.mustRun("retry", high)
	if !strings.Contains(out, "(attempt 1)") {
		t.Errorf("retry = %q", out)
	}

	out = c.mustRun("list", "--verbose")
	if !strings.Contains(out, low) || !strings.Contains(out, "1/3") {
		t.Errorf("list = %q", out)
	}

	out = c.mustRun("history", high)
	for _, want := range []string{"created", "started", "failed", "retry"} {
		if !strings.Contains(out, want) {
			t.Errorf("history missing %q:\n%s", want, out)
		}
	}
}

func TestCLI_GetJSONAndDelete(t *testing.T) {
	c := newCLI(t)
	id := c.add("Write tests", "-c", "testing")

	out := c.mustRun("get", id, "--json")
	var rec task.Record
	if err := json.Unmarshal([]byte(out), &rec); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if rec.TaskID != id || rec.Priority != "P2_MEDIUM" || rec.Status != task.StatusPending {
		t.Errorf("record = %+v", rec)
	}

	c.mustRun("delete", id)
	if _, err := c.run("get", id); err == nil {
		t.Error("get after delete succeeded")
	}
	if _, err := c.run("delete", id); err == nil {
		t.Error("second delete succeeded")
	}
}

func TestCLI_InvalidInput(t *testing.T) {
	c := newCLI(t)
	if _, err := c.run("add", "x", "-p", "P7"); err == nil {
		t.Error("accepted malformed priority")
	}
	id := c.add("Run it")
	if _, err := c.run("complete", id); err == nil {
		t.Error("completed a pending task")
	}
	if _, err := c.run("retry", id); err == nil {
		t.Error("retried a pending task")
	}
}

func TestCLI_StatsAndBoost(t *testing.T) {
	c := newCLI(t)
	c.add("one", "-p", "P0")
	c.add("two", "-p", "P3")

	out := c.mustRun("stats")
	for _, want := range []string{"=== Queue Statistics ===", "Queue Size: 2", "Pending:", "P0-CRITICAL: 1", "P3-LOW:"} {
		if !strings.Contains(out, want) {
			t.Errorf("stats missing %q:\n%s", want, out)
		}
	}

	out = c.mustRun("stats", "--json", "--save")
	if !strings.Contains(out, `"pending_count": 2`) || !strings.Contains(out, "Metrics snapshot saved.") {
		t.Errorf("stats --json --save = %q", out)
	}

	if out := c.mustRun("boost"); !strings.Contains(out, "Boosted 0 tasks") {
		t.Errorf("boost = %q", out)
	}
}

func TestCLI_BatchExportImport(t *testing.T) {
	c := newCLI(t)
	for i := 0; i < 3; i++ {
		c.add("fix flaky test", "-p", "P1", "-c", "testing")
	}

	out := c.mustRun("batch", "--export")
	if !strings.Contains(out, "Tasks: 3") || !strings.Contains(out, "Category: testing") {
		t.Errorf("batch = %q", out)
	}
	m := regexp.MustCompile(`Exported to: (\S+)`).FindStringSubmatch(out)
	if m == nil {
		t.Fatalf("no export path in %q", out)
	}
	if filepath.Dir(m[1]) != filepath.Join(c.dataDir, "pending") {
		t.Errorf("export path = %s", m[1])
	}

	// importing into a fresh queue recreates every task
	fresh := newCLI(t)
	out = fresh.mustRun("import", m[1])
	if !strings.Contains(out, "Imported 3 tasks") {
		t.Errorf("import = %q", out)
	}
	// a second import skips ids that already exist
	if out := fresh.mustRun("import", m[1]); !strings.Contains(out, "Imported 0 tasks") {
		t.Errorf("re-import = %q", out)
	}
}

func TestCLI_ArtifactsFollowTransitions(t *testing.T) {
	c := newCLI(t)
	id := c.add("Render report")
	if err := os.WriteFile(filepath.Join(c.dataDir, "pending", id+".txt"), []byte("prompt"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c.mustRun("start", id)
	if _, err := os.Stat(filepath.Join(c.dataDir, "running", id+".txt")); err != nil {
		t.Errorf("artifact not moved to running: %v", err)
	}
}

func TestFormatAge(t *testing.T) {
	cases := map[time.Duration]string{
		90 * time.Minute:           "1h 30m",
		26 * time.Hour:             "1d 2h",
		-time.Minute:               "0h 0m",
		49*time.Hour + time.Minute: "2d 1h",
	}
	for d, want := range cases {
		if got := formatAge(d); got != want {
			t.Errorf("formatAge(%s) = %q, want %q", d, got, want)
		}
	}
}

func TestCLI_Version(t *testing.T) {
	out := newCLI(t).mustRun("version")
	if !strings.HasPrefix(out, "taskq dev (commit") {
		t.Errorf("version = %q", out)
	}
}
