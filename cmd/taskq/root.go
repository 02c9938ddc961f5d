package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/GoCodeAlone/taskq/artifacts"
	"github.com/GoCodeAlone/taskq/comms"
	"github.com/GoCodeAlone/taskq/config"
	"github.com/GoCodeAlone/taskq/internal/version"
	"github.com/GoCodeAlone/taskq/manager"
	"github.com/GoCodeAlone/taskq/storage"
	"github.com/GoCodeAlone/taskq/task"
)

const defaultConfigFile = "taskq.yaml"

// app is the state shared by every subcommand for one invocation.
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *slog.Logger
	store  task.Store
	mgr    *manager.Manager
	now    func() time.Time
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New(), now: time.Now}

	root := &cobra.Command{
		Use:   "taskq",
		Short: "taskq - priority task queue with aging, batching and audit history",
		Long: `taskq manages a durable four-tier priority queue of work items.

Tasks age toward higher tiers while they wait, can be grouped into batches
by category, and every change is recorded in an audit trail.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.String("config", defaultConfigFile, "path to YAML config file")
	pf.String("driver", "", "storage driver: sqlite or pebble")
	pf.String("db", "", "database file (sqlite) or directory (pebble)")
	pf.String("data-dir", "", "artifact bucket root")
	pf.String("log-level", "", "debug, info, warn or error")

	a.v.SetEnvPrefix("TASKQ")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	for _, name := range []string{"config", "driver", "db", "data-dir", "log-level"} {
		_ = a.v.BindPFlag(name, pf.Lookup(name))
	}

	root.AddCommand(
		addCmd(a),
		listCmd(a),
		nextCmd(a),
		popCmd(a),
		startCmd(a),
		completeCmd(a),
		priorityCmd(a),
		retryCmd(a),
		blockCmd(a),
		unblockCmd(a),
		boostCmd(a),
		batchCmd(a),
		statsCmd(a),
		importCmd(a),
		getCmd(a),
		deleteCmd(a),
		historyCmd(a),
		versionCmd(),
	)
	return root
}

// loadConfig reads the config file, if present, and applies flag and
// TASKQ_* environment overrides.
func (a *app) loadConfig() error {
	path := a.v.GetString("config")
	cfg, err := config.Load(path)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist) && !a.v.IsSet("config"):
		cfg = config.DefaultConfig()
	default:
		return err
	}

	if d := a.v.GetString("driver"); d != "" {
		cfg.Storage.Driver = d
	}
	if p := a.v.GetString("db"); p != "" {
		cfg.Storage.Path = p
	}
	if d := a.v.GetString("data-dir"); d != "" {
		cfg.DataDir = d
	}
	if l := a.v.GetString("log-level"); l != "" {
		cfg.LogLevel = l
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	a.cfg = cfg
	a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	return nil
}

// open builds the manager over the configured store. Transitions move
// artifact files just as they do under the daemon.
func (a *app) open(ctx context.Context) error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	store, err := storage.Open(a.cfg.Storage)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	mover := artifacts.NewMover(a.cfg.DataDir, a.logger)
	if err := mover.Init(); err != nil {
		store.Close()
		return err
	}
	bus := comms.NewInMemoryBus()
	mover.Attach(bus)

	mgr, err := manager.New(ctx, store,
		manager.WithBus(bus),
		manager.WithThresholds(a.cfg.Aging.Thresholds()),
		manager.WithBatchCapacity(a.cfg.Batch.Capacity),
		manager.WithMaxRetries(a.cfg.Tasks.MaxRetries),
		manager.WithExportDir(mover.Dir(task.StatusPending)),
		manager.WithClock(a.now),
		manager.WithLogger(a.logger),
	)
	if err != nil {
		store.Close()
		return err
	}
	a.store, a.mgr = store, mgr
	return nil
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", slog.Any("err", err))
		}
	}
}

// run wraps a subcommand body with store setup and teardown.
func (a *app) run(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := a.open(cmd.Context()); err != nil {
			return err
		}
		defer a.close()
		return fn(cmd, args)
	}
}
