// Package storage opens the durable task store selected by configuration.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/GoCodeAlone/taskq/config"
	pebblestore "github.com/GoCodeAlone/taskq/storage/pebble"
	"github.com/GoCodeAlone/taskq/task"
)

// Open returns the store named by cfg.Driver rooted at cfg.Path. Parent
// directories are created as needed.
func Open(cfg config.StorageConfig) (task.Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", config.DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		s, err := task.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverPebble:
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		s, err := pebblestore.Open(pebblestore.Options{DataDir: cfg.Path})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
