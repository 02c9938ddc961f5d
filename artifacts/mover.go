// Package artifacts keeps per-task files in the directory bucket matching the
// task's status. It reacts to comms events instead of being called by the
// queue facade.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/GoCodeAlone/taskq/comms"
	"github.com/GoCodeAlone/taskq/task"
)

// Extensions lists the artifact suffixes moved for each task.
var Extensions = []string{".txt", ".json"}

// Mover relocates <task id>.txt and <task id>.json between status buckets
// under a root directory.
type Mover struct {
	root   string
	logger *slog.Logger
}

// NewMover creates a Mover rooted at dir.
func NewMover(dir string, logger *slog.Logger) *Mover {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mover{root: dir, logger: logger}
}

// Dir returns the bucket directory for status.
func (m *Mover) Dir(status task.Status) string {
	return filepath.Join(m.root, string(status))
}

// Init creates every bucket directory.
func (m *Mover) Init() error {
	for _, s := range task.Statuses() {
		if err := os.MkdirAll(m.Dir(s), 0o755); err != nil {
			return fmt.Errorf("create bucket %s: %w", s, err)
		}
	}
	return nil
}

// Attach subscribes the mover to bus and returns the unsubscribe function.
func (m *Mover) Attach(bus comms.Bus) func() {
	return bus.Subscribe(comms.Wildcard, m.Handle)
}

// Handle moves artifacts for status-changing events. Other events are
// ignored.
func (m *Mover) Handle(_ context.Context, ev *comms.Event) error {
	if ev.TaskID == "" || ev.From == "" || ev.To == "" || ev.From == ev.To {
		return nil
	}
	return m.Move(ev.TaskID, ev.From, ev.To)
}

// Move relocates a task's artifacts from one bucket to another. Missing
// files are skipped.
func (m *Mover) Move(id string, from, to task.Status) error {
	dst := m.Dir(to)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("create bucket %s: %w", to, err)
	}
	var errs []error
	for _, ext := range Extensions {
		src := filepath.Join(m.Dir(from), id+ext)
		err := os.Rename(src, filepath.Join(dst, id+ext))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("move %s: %w", filepath.Base(src), err))
			continue
		}
		m.logger.Debug("artifact moved",
			slog.String("task_id", id),
			slog.String("file", id+ext),
			slog.String("from", string(from)),
			slog.String("to", string(to)))
	}
	return errors.Join(errs...)
}
