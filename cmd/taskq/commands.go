package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/taskq/internal/version"
	"github.com/GoCodeAlone/taskq/manager"
	"github.com/GoCodeAlone/taskq/task"
)

func addCmd(a *app) *cobra.Command {
	var req manager.Request
	cmd := &cobra.Command{
		Use:   "add <description>",
		Short: "Add a new task",
		Args:  cobra.MinimumNArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			req.Description = strings.Join(args, " ")
			t, err := a.mgr.Add(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created task: %s\n", t.ID)
			fmt.Fprintf(out, "Priority: %s\n", t.Priority.Name())
			fmt.Fprintf(out, "Category: %s\n", t.Category)
			return nil
		}),
	}
	f := cmd.Flags()
	f.StringVarP(&req.Priority, "priority", "p", "P2", "priority: P0-P3 or CRITICAL/HIGH/MEDIUM/LOW")
	f.StringVarP(&req.Category, "category", "c", task.CategoryOther, "task category")
	f.StringSliceVarP(&req.Tags, "tags", "t", nil, "task tags")
	f.StringSliceVarP(&req.Dependencies, "dependencies", "d", nil, "ids of tasks this one depends on")
	f.StringVarP(&req.AssignedAgent, "agent", "a", "", "assigned agent")
	f.StringVarP(&req.VerifierAgent, "verifier", "v", "", "verifier agent")
	return cmd
}

func listCmd(a *app) *cobra.Command {
	var (
		opts    manager.ListOptions
		verbose bool
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, _ []string) error {
			tasks, err := a.mgr.List(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), emptyIfNil(tasks))
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatTaskTable(tasks, verbose, a.now()))
			return nil
		}),
	}
	f := cmd.Flags()
	f.StringVarP(&opts.Status, "status", "s", "", "status to list (default pending)")
	f.StringVarP(&opts.Priority, "priority", "p", "", "only this priority")
	f.StringVarP(&opts.Category, "category", "c", "", "only this category")
	f.IntVarP(&opts.Limit, "limit", "l", manager.DefaultListLimit, "max tasks to show, negative for all")
	f.StringVarP(&opts.Filter, "filter", "f", "", `CEL filter, e.g. 'age_hours > 4 && "ops" in tags'`)
	f.BoolVarP(&verbose, "verbose", "V", false, "show boosts and retries")
	f.BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func nextCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "Apply aging and show the most urgent pending task",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, _ []string) error {
			t, err := a.mgr.Next(cmd.Context())
			if err != nil {
				return err
			}
			printHead(cmd.OutOrStdout(), "Next task", t)
			return nil
		}),
	}
}

func popCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pop",
		Short: "Remove and show the most urgent pending task",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, _ []string) error {
			t, err := a.mgr.Pop(cmd.Context())
			if err != nil {
				return err
			}
			printHead(cmd.OutOrStdout(), "Popped task", t)
			return nil
		}),
	}
}

func printHead(w io.Writer, label string, t *task.Task) {
	if t == nil {
		fmt.Fprintln(w, "No pending tasks.")
		return
	}
	fmt.Fprintf(w, "%s: %s\n", label, t.ID)
	fmt.Fprintf(w, "Priority: %s\n", t.Priority.Name())
	fmt.Fprintf(w, "Description: %s\n", t.Description)
	fmt.Fprintf(w, "Category: %s\n", t.Category)
}

func startCmd(a *app) *cobra.Command {
	var agent string
	cmd := &cobra.Command{
		Use:   "start <task-id>",
		Short: "Start a pending task",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			t, err := a.mgr.Start(cmd.Context(), args[0], agent)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Started task: %s\n", t.ID)
			return nil
		}),
	}
	cmd.Flags().StringVarP(&agent, "agent", "a", "", "agent working on the task")
	return cmd
}

func completeCmd(a *app) *cobra.Command {
	var failed bool
	cmd := &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Complete a running task",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			t, err := a.mgr.Complete(cmd.Context(), args[0], !failed)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task %s: %s\n", t.Status, t.ID)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "mark the task as failed")
	return cmd
}

func priorityCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "priority <task-id> <priority>",
		Short: "Set a task's priority",
		Args:  cobra.ExactArgs(2),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			t, err := a.mgr.SetPriority(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated priority for %s to %s\n", t.ID, t.Priority.Name())
			return nil
		}),
	}
}

func retryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Retry a failed task",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			t, err := a.mgr.Retry(cmd.Context(), args[0])
			if errors.Is(err, task.ErrRetryExhausted) {
				return fmt.Errorf("cannot retry %s: max retries exceeded", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Retrying task: %s (attempt %d)\n", t.ID, t.RetryCount)
			return nil
		}),
	}
}

func blockCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "block <task-id>",
		Short: "Park a task until it is unblocked",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			t, err := a.mgr.Block(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Blocked task: %s\n", t.ID)
			return nil
		}),
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "why the task is blocked")
	return cmd
}

func unblockCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <task-id>",
		Short: "Return a blocked task to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			t, err := a.mgr.Unblock(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Unblocked task: %s\n", t.ID)
			return nil
		}),
	}
}

func boostCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "boost",
		Short: "Apply age-based priority boosts",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, _ []string) error {
			n, err := a.mgr.ApplyBoosts(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Boosted %d tasks\n", n)
			return nil
		}),
	}
}

func batchCmd(a *app) *cobra.Command {
	var export bool
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Group pending tasks and show the most urgent batch",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			b, err := a.mgr.NextBatch(cmd.Context())
			if err != nil {
				return err
			}
			if b == nil {
				fmt.Fprintln(out, "No tasks available for batching.")
				return nil
			}
			fmt.Fprintf(out, "Created batch: %s\n", b.ID)
			fmt.Fprintf(out, "Category: %s\n", b.Category)
			fmt.Fprintf(out, "Priority: %s\n", b.Priority.Name())
			fmt.Fprintf(out, "Tasks: %d\n", len(b.Tasks))
			for _, t := range b.Tasks {
				fmt.Fprintf(out, "  - %s: %s\n", t.ID, truncate(t.Description, 50))
			}
			if export {
				path, err := a.mgr.ExportBatch(b)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Exported to: %s\n", path)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&export, "export", false, "write the batch to a prompt file")
	return cmd
}

func statsCmd(a *app) *cobra.Command {
	var asJSON, save bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		Args:  cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			statsFn := a.mgr.Stats
			if save {
				statsFn = a.mgr.SaveMetrics
			}
			st, err := statsFn(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				if err := writeJSON(out, st); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(out, formatStats(st))
			}
			if save {
				fmt.Fprintln(out, "\nMetrics snapshot saved.")
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	cmd.Flags().BoolVar(&save, "save", false, "save a metrics snapshot")
	return cmd
}

func importCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import tasks from an exported batch file",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			tasks, err := a.mgr.Import(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Imported %d tasks\n", len(tasks))
			for _, t := range tasks {
				fmt.Fprintf(out, "  - %s\n", t.ID)
			}
			return nil
		}),
	}
}

func getCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show task details",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			t, err := a.mgr.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), t)
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatTask(t))
			return nil
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func deleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			ok, err := a.mgr.Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("delete %s: %w", args[0], task.ErrNotFound)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted task: %s\n", args[0])
			return nil
		}),
	}
}

func historyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history <task-id>",
		Short: "Show a task's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			events, err := a.mgr.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatHistory(events))
			return nil
		}),
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String("taskq"))
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func emptyIfNil(ts []*task.Task) []*task.Task {
	if ts == nil {
		return []*task.Task{}
	}
	return ts
}
