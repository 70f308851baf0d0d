package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/flowmesh/conductor/internal/artifacts"
	"github.com/flowmesh/conductor/internal/errkind"
	"github.com/flowmesh/conductor/runtime/gates"
	"github.com/flowmesh/conductor/runtime/job"
	"github.com/flowmesh/conductor/runtime/scheduler"
)

// Report is the final JSON snapshot of a run: every task's final
// state, summary counts, the artifact manifest, and timestamps.
type Report struct {
	RunID      string       `json:"run_id"`
	JobID      string       `json:"job_id"`
	Status     string       `json:"status"`
	Tasks      []TaskReport `json:"tasks"`
	Summary    Summary      `json:"summary"`
	Artifacts  []artifacts.Manifest `json:"artifacts,omitempty"`
	FinishedAt time.Time    `json:"finished_at"`
}

// TaskReport is one task's final state in the report.
type TaskReport struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	AssignedTo    string `json:"assigned_to"`
	RoutingReason string `json:"routing_reason,omitempty"`
	Status        string `json:"status"`
	Attempts      int    `json:"attempts"`
	LastError     string `json:"last_error,omitempty"`
}

// Summary is the report's aggregate counts.
type Summary struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// report assembles and persists the final run report, then notifies
// workflow_finished or workflow_failed. With no notifier attached, the
// event is persisted as a fallback file instead; an event the attached
// notifier drops or fails to deliver is not written to a fallback file.
func (o *Orchestrator) report(ctx context.Context, j job.Job, res RunResult, plan []job.Task, sched *scheduler.Scheduler, runErr error) (RunResult, error) {
	snap := sched.Snapshot()
	states, err := o.store.ListTaskStates(ctx, res.RunID)
	if err != nil {
		return o.failed(ctx, j, res, err)
	}
	byTask := make(map[string]job.TaskState, len(states))
	for _, ts := range states {
		byTask[ts.TaskID] = ts
	}

	rep := Report{
		RunID:      res.RunID,
		JobID:      j.ID,
		FinishedAt: o.rt.Clock.Now(),
	}
	for _, t := range plan {
		ts := byTask[t.ID]
		status := string(ts.Status)
		if status == "" {
			status = string(job.TaskPending)
		}
		rep.Tasks = append(rep.Tasks, TaskReport{
			ID:            t.ID,
			Title:         t.Title,
			AssignedTo:    t.AssignedTo,
			RoutingReason: t.RoutingReason,
			Status:        status,
			Attempts:      ts.Attempts,
			LastError:     ts.LastError,
		})
		if ts.Status == job.TaskCompleted && len(t.Outputs) > 0 {
			if m, err := artifacts.Scan(o.rt.Paths.Root(), t.ID, t.Outputs); err == nil {
				rep.Artifacts = append(rep.Artifacts, m)
			}
		}
	}
	sort.Slice(rep.Tasks, func(i, k int) bool { return rep.Tasks[i].ID < rep.Tasks[k].ID })

	rep.Summary = Summary{
		Total:     len(plan),
		Completed: len(snap.Done),
		Failed:    len(snap.Failed),
	}
	if len(snap.Failed) == 0 && runErr == nil {
		rep.Status = string(job.RunFinished)
		res.Status = job.RunFinished
		res.Summary = fmt.Sprintf("%d/%d tasks completed", rep.Summary.Completed, rep.Summary.Total)
	} else {
		rep.Status = string(job.RunFailed)
		res.Status = job.RunFailed
		res.Summary = fmt.Sprintf("%d/%d tasks failed", rep.Summary.Failed, rep.Summary.Total)
		res.Error = res.Summary
		if runErr != nil {
			res.Error = runErr.Error()
		}
	}

	path := filepath.Join(o.rt.Paths.RunsDir(), "report_"+res.RunID+".json")
	if err := writeJSON(path, rep); err != nil {
		return o.failed(ctx, j, res, errkind.New(errkind.Resource, "orchestrator.report", err))
	}
	res.ReportPath = path

	latest := filepath.Join(o.rt.Paths.RunsDir(), "latest-run.json")
	_ = writeJSON(latest, map[string]string{"run_id": res.RunID, "report": path})

	kind := "workflow_finished"
	if res.Status == job.RunFailed {
		kind = "workflow_failed"
	}
	if o.events != nil {
		o.notifyWorkflow(ctx, j, res.RunID, kind, map[string]any{
			"summary": res.Summary,
			"report":  path,
		})
	} else {
		fallback := filepath.Join(o.rt.Paths.RunsDir(), "notify_fallback_"+res.RunID+".json")
		_ = writeJSON(fallback, map[string]string{"event": kind, "summary": res.Summary})
	}
	return res, nil
}

// persistWaiting writes the active waiting-human context file an
// external resume signal re-enters through.
func (o *Orchestrator) persistWaiting(runID, jobID, taskID, question string) error {
	w := map[string]any{
		"run_id":   runID,
		"job_id":   jobID,
		"task_id":  taskID,
		"question": question,
		"at":       o.rt.Clock.Now(),
	}
	if err := writeJSON(o.rt.Paths.WaitingFile(runID), w); err != nil {
		return errkind.New(errkind.Resource, "orchestrator.persistWaiting", err)
	}
	return nil
}

// persistAudit captures the pre-execution plan and the audit payload
// for operator review.
func (o *Orchestrator) persistAudit(runID string, plan []job.Task, payload gates.AuditPayload) error {
	doc := map[string]any{
		"payload": payload,
		"plan":    plan,
	}
	if err := writeJSON(o.rt.Paths.AuditFile(runID), doc); err != nil {
		return errkind.New(errkind.Resource, "orchestrator.persistAudit", err)
	}
	return nil
}

// recordSchedulerException appends a classified scheduler error to
// scheduler_exceptions.jsonl with its root cause and recovery plan.
func (o *Orchestrator) recordSchedulerException(err error) {
	code := "SCHED_UNKNOWN"
	msg := err.Error()
	if idx := strings.Index(msg, "SCHED_"); idx >= 0 {
		rest := msg[idx:]
		if colon := strings.Index(rest, ":"); colon > 0 {
			code = rest[:colon]
		}
	}
	entry := map[string]any{
		"ts":            time.Now().UTC(),
		"code":          code,
		"root_cause":    msg,
		"impact":        "run failed before all tasks reached a terminal state",
		"recovery_plan": "inspect the run report and task states; re-approve the job to retry",
	}
	line, marshalErr := json.Marshal(entry)
	if marshalErr != nil {
		return
	}
	f, openErr := os.OpenFile(o.rt.Paths.SchedulerExceptionsFile(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if openErr != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(append(line, '\n'))
}

// impactScope summarizes what the plan touches, for the audit payload.
func impactScope(plan []job.Task) string {
	types := make(map[string]bool)
	agents := make(map[string]bool)
	for _, t := range plan {
		types[string(t.TaskType)] = true
		if t.AssignedTo != "" {
			agents[t.AssignedTo] = true
		}
	}
	return fmt.Sprintf("%d tasks, types: %s, agents: %s",
		len(plan), strings.Join(sortedKeys(types), ", "), strings.Join(sortedKeys(agents), ", "))
}

// riskItems lists the tasks most worth an operator's attention: ops
// and integrate tasks mutate shared systems.
func riskItems(plan []job.Task) string {
	var risks []string
	for _, t := range plan {
		if t.TaskType == job.TaskOps || t.TaskType == job.TaskIntegrate {
			risks = append(risks, t.Title)
		}
	}
	if len(risks) == 0 {
		return "none identified"
	}
	return strings.Join(risks, "; ")
}

// commandPreview lists every task in dispatch order as an operator
// preview of what will run.
func commandPreview(plan []job.Task) string {
	var lines []string
	for _, t := range plan {
		lines = append(lines, fmt.Sprintf("%s -> %s", t.AssignedTo, t.Title))
	}
	return strings.Join(lines, "\n")
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
