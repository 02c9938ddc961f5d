package main

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/GoCodeAlone/taskq/task"
)

var title = cases.Title(language.English)

func formatTaskTable(tasks []*task.Task, verbose bool, now time.Time) string {
	if len(tasks) == 0 {
		return "No tasks found."
	}
	var b strings.Builder
	header := fmt.Sprintf("%-30s %-12s %-12s %-15s %-10s", "ID", "PRIORITY", "STATUS", "CATEGORY", "AGE")
	if verbose {
		header += fmt.Sprintf(" %-7s %-10s", "BOOSTS", "RETRIES")
	}
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("-", len(header)))
	for _, t := range tasks {
		row := fmt.Sprintf("%-30s %-12s %-12s %-15s %-10s",
			truncate(t.ID, 30), t.Priority.Name(), t.Status, t.Category, formatAge(now.Sub(t.CreatedAt)))
		if verbose {
			row += fmt.Sprintf(" %-7d %-10s", t.BoostCount, fmt.Sprintf("%d/%d", t.RetryCount, t.MaxRetries))
		}
		b.WriteString("\n" + row)
	}
	return b.String()
}

// formatAge renders d as "Xd Yh" past a day, otherwise "Xh Ym".
func formatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := int(d.Hours())
	if days := hours / 24; days > 0 {
		return fmt.Sprintf("%dd %dh", days, hours%24)
	}
	return fmt.Sprintf("%dh %dm", hours, int(d.Minutes())%60)
}

func formatStats(st *task.Stats) string {
	lines := []string{
		"=== Queue Statistics ===",
		fmt.Sprintf("Queue Size: %d", st.QueueSize),
		"",
		"By Status:",
	}
	counts := map[task.Status]int{
		task.StatusPending:   st.PendingCount,
		task.StatusRunning:   st.RunningCount,
		task.StatusCompleted: st.CompletedCount,
		task.StatusFailed:    st.FailedCount,
		task.StatusBlocked:   st.BlockedCount,
	}
	for _, s := range task.Statuses() {
		lines = append(lines, fmt.Sprintf("  %-10s %d", title.String(string(s))+":", counts[s]))
	}
	lines = append(lines, "", "By Priority (Pending):")
	for _, p := range task.Priorities() {
		lines = append(lines, fmt.Sprintf("  %-12s %d", p.String()+":", st.PendingByPriority[p.Name()]))
	}
	lines = append(lines,
		"",
		fmt.Sprintf("Boosted Tasks:      %d", st.BoostedCount),
		fmt.Sprintf("Avg Wait Time:      %.1fs", st.AvgWaitSeconds),
		fmt.Sprintf("Oldest Pending Age: %.1fh", st.OldestPendingHours),
	)
	return strings.Join(lines, "\n")
}

func formatTask(t *task.Task) string {
	var b strings.Builder
	field := func(name, value string) {
		fmt.Fprintf(&b, "%-13s%s\n", name+":", value)
	}
	field("Task ID", t.ID)
	field("Priority", t.Priority.Name())
	field("Status", string(t.Status))
	field("Category", t.Category)
	field("Description", t.Description)
	field("Created", t.CreatedAt.Format(time.RFC3339))
	field("Updated", t.UpdatedAt.Format(time.RFC3339))
	if t.StartedAt != nil {
		field("Started", t.StartedAt.Format(time.RFC3339))
	}
	if t.CompletedAt != nil {
		field("Completed", t.CompletedAt.Format(time.RFC3339))
	}
	if t.AssignedAgent != "" {
		field("Agent", t.AssignedAgent)
	}
	if t.VerifierAgent != "" {
		field("Verifier", t.VerifierAgent)
	}
	if t.BatchID != "" {
		field("Batch", t.BatchID)
	}
	if len(t.Tags) > 0 {
		field("Tags", strings.Join(t.Tags, ", "))
	}
	field("Boosts", fmt.Sprint(t.BoostCount))
	field("Retries", fmt.Sprintf("%d/%d", t.RetryCount, t.MaxRetries))
	return strings.TrimRight(b.String(), "\n")
}

func formatHistory(events []task.HistoryEvent) string {
	if len(events) == 0 {
		return "No history."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-25s %-16s %-14s %s", "TIME", "ACTION", "FROM", "TO")
	for _, ev := range events {
		fmt.Fprintf(&b, "\n%-25s %-16s %-14s %s",
			ev.Timestamp.Format(time.RFC3339), ev.Action, deref(ev.OldValue), deref(ev.NewValue))
	}
	return b.String()
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
