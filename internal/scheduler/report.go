package scheduler

import (
	"time"
)

// Counts tallies tasks per state.
type Counts struct {
	Pending   int `json:"pending"`
	Ready     int `json:"ready"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

func (c *Counts) add(s TaskState) {
	switch s {
	case TaskPending:
		c.Pending++
	case TaskReady:
		c.Ready++
	case TaskRunning:
		c.Running++
	case TaskCompleted:
		c.Completed++
	case TaskFailed:
		c.Failed++
	case TaskSkipped:
		c.Skipped++
	}
}

// TaskReport is the per-task line of a Report.
type TaskReport struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Adapter    string            `json:"adapter"`
	Enabled    bool              `json:"enabled"`
	State      TaskState         `json:"state"`
	Attempts   int               `json:"attempts"`
	StartedAt  time.Time         `json:"started_at,omitempty"`
	EndedAt    time.Time         `json:"ended_at,omitempty"`
	Duration   time.Duration     `json:"duration"` // Sum over all attempts
	Failure    *Failure          `json:"failure,omitempty"`
	SkipReason SkipReason        `json:"skip_reason,omitempty"`
	ExitCode   int               `json:"exit_code"`
	Output     string            `json:"output,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`
}

// Report is a point-in-time summary of a chain run.
type Report struct {
	RunID           string            `json:"run_id"`
	Chain           string            `json:"chain"`
	Outcome         ChainState        `json:"outcome"`
	StartedAt       time.Time         `json:"started_at"`
	EndedAt         time.Time         `json:"ended_at"`
	Duration        time.Duration     `json:"duration"`
	Total           int               `json:"total"`
	Counts          Counts            `json:"counts"`
	Tasks           []TaskReport      `json:"tasks"`
	TotalDuration   time.Duration     `json:"total_task_duration"`
	AverageDuration time.Duration     `json:"average_task_duration"`
	Variables       map[string]string `json:"variables,omitempty"`
}

// Collect builds a report from the context without mutating it.
// Collecting twice from a finished context yields equal reports.
func Collect(ec *ExecutionContext) Report {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	r := Report{
		RunID:     ec.runID,
		Chain:     ec.chainName,
		Outcome:   ec.state,
		StartedAt: ec.startedAt,
		EndedAt:   ec.endedAt,
		Total:     len(ec.graph.order),
		Tasks:     make([]TaskReport, 0, len(ec.graph.order)),
	}
	if !ec.startedAt.IsZero() && !ec.endedAt.IsZero() {
		r.Duration = ec.endedAt.Sub(ec.startedAt)
	}
	if len(ec.variables) > 0 {
		r.Variables = make(map[string]string, len(ec.variables))
		for k, v := range ec.variables {
			r.Variables[k] = v
		}
	}

	ran := 0
	for _, id := range ec.graph.order {
		task := ec.graph.tasks[id]
		rec := ec.tasks[id]

		tr := TaskReport{
			ID:         id,
			Name:       task.DisplayName(),
			Adapter:    task.Adapter,
			Enabled:    task.Enabled,
			State:      rec.state,
			Attempts:   len(rec.runs),
			SkipReason: rec.skipReason,
		}
		for _, run := range rec.runs {
			tr.Duration += run.Duration()
		}
		if n := len(rec.runs); n > 0 {
			first, last := rec.runs[0], rec.runs[n-1]
			tr.StartedAt = first.StartedAt
			tr.EndedAt = last.EndedAt
			tr.ExitCode = last.Result.ExitCode
			tr.Output = last.Result.Output
			if len(last.Result.Variables) > 0 {
				tr.Variables = make(map[string]string, len(last.Result.Variables))
				for k, v := range last.Result.Variables {
					tr.Variables[k] = v
				}
			}
			if last.Failure != nil {
				f := *last.Failure
				tr.Failure = &f
			}
			ran++
			r.TotalDuration += tr.Duration
		}

		r.Counts.add(rec.state)
		r.Tasks = append(r.Tasks, tr)
	}

	if ran > 0 {
		r.AverageDuration = r.TotalDuration / time.Duration(ran)
	}
	return r
}

// Progress returns the fraction of tasks in a terminal state, in [0, 1].
func (r Report) Progress() float64 {
	if r.Total == 0 {
		return 1
	}
	done := r.Counts.Completed + r.Counts.Failed + r.Counts.Skipped
	return float64(done) / float64(r.Total)
}

// Failures returns the failed tasks in declaration order.
func (r Report) Failures() []TaskReport {
	var out []TaskReport
	for _, t := range r.Tasks {
		if t.State == TaskFailed {
			out = append(out, t)
		}
	}
	return out
}

// Succeeded reports whether the chain finished without any failure.
func (r Report) Succeeded() bool {
	return r.Outcome == ChainCompleted
}

// Task returns the entry for id.
func (r Report) Task(id string) (TaskReport, bool) {
	for _, t := range r.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return TaskReport{}, false
}
