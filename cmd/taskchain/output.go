package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/aristath/taskchain/internal/persistence"
	"github.com/aristath/taskchain/internal/scheduler"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...)
}

// printSummary writes a human-readable report: one row per task, then totals.
func printSummary(w io.Writer, r scheduler.Report) {
	t := newTable("TASK", "STATE", "ATTEMPTS", "DURATION", "DETAIL")
	for _, task := range r.Tasks {
		t.Row(task.ID, string(task.State), strconv.Itoa(task.Attempts), formatDuration(task.Duration), taskDetail(task))
	}

	fmt.Fprintf(w, "\nChain %s (run %s)\n", r.Chain, r.RunID)
	fmt.Fprintln(w, t.Render())
	fmt.Fprintf(w, "Outcome: %s in %s | completed %d, failed %d, skipped %d of %d | avg task %s\n",
		r.Outcome, formatDuration(r.Duration),
		r.Counts.Completed, r.Counts.Failed, r.Counts.Skipped, r.Total,
		formatDuration(r.AverageDuration),
	)
}

func taskDetail(t scheduler.TaskReport) string {
	switch {
	case t.Failure != nil:
		return t.Failure.Error()
	case t.SkipReason != "":
		return string(t.SkipReason)
	case t.State == scheduler.TaskCompleted:
		return "exit " + strconv.Itoa(t.ExitCode)
	default:
		return ""
	}
}

func printRuns(w io.Writer, runs []persistence.RunSummary) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	t := newTable("RUN", "CHAIN", "STARTED", "OUTCOME", "DURATION", "DONE/FAILED/SKIPPED")
	for _, run := range runs {
		t.Row(
			run.RunID,
			run.Chain,
			run.StartedAt.Local().Format(time.DateTime),
			string(run.Outcome),
			formatDuration(run.Duration),
			fmt.Sprintf("%d/%d/%d of %d", run.Completed, run.Failed, run.Skipped, run.Total),
		)
	}
	fmt.Fprintln(w, t.Render())
}

func printTaskHistory(w io.Writer, records []persistence.TaskRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No results recorded for this task.")
		return
	}
	t := newTable("RUN", "STARTED", "STATE", "ATTEMPTS", "DURATION", "DETAIL")
	for _, rec := range records {
		detail := rec.SkipReason
		if rec.FailureKind != "" {
			detail = rec.FailureKind + ": " + rec.FailureMessage
		}
		t.Row(
			rec.RunID,
			rec.StartedAt.Local().Format(time.DateTime),
			string(rec.State),
			strconv.Itoa(rec.Attempts),
			formatDuration(rec.Duration),
			detail,
		)
	}
	fmt.Fprintln(w, t.Render())
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}

var csvHeader = []string{
	"task_id", "name", "adapter", "state", "attempts", "started_at", "ended_at",
	"duration_ms", "exit_code", "failure_kind", "error", "skip_reason",
}

// writeCSV exports one row per task of r.
func writeCSV(w io.Writer, r scheduler.Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, task := range r.Tasks {
		var kind, msg string
		if task.Failure != nil {
			kind, msg = string(task.Failure.Kind), task.Failure.Message
		}
		row := []string{
			task.ID,
			task.Name,
			task.Adapter,
			string(task.State),
			strconv.Itoa(task.Attempts),
			csvTime(task.StartedAt),
			csvTime(task.EndedAt),
			strconv.FormatInt(task.Duration.Milliseconds(), 10),
			strconv.Itoa(task.ExitCode),
			kind,
			msg,
			string(task.SkipReason),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write csv row for %s: %w", task.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}
