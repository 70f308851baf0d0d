package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flowmesh/conductor/internal/errkind"
	"github.com/flowmesh/conductor/internal/idgen"
	"github.com/flowmesh/conductor/internal/taskschema"
	"github.com/flowmesh/conductor/runtime/job"
)

// decomposeAttempts bounds the decompose + repair loop: one initial
// request plus up to two repair rounds carrying the validator error.
const decomposeAttempts = 3

// planTask is the wire shape of one task in the decomposition response.
type planTask struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Status      string   `json:"status"`
	Deps        []string `json:"deps"`
	Inputs      []string `json:"inputs"`
	Outputs     []string `json:"outputs"`
	DoneWhen    []string `json:"done_when"`
	TaskType    string   `json:"task_type"`
	AssignedTo  *string  `json:"assigned_to"`
	Subtasks    []string `json:"subtasks,omitempty"`
}

type planDoc struct {
	Tasks []planTask `json:"tasks"`
}

// loadOrBuildPlan returns the run's task plan: the persisted plan when
// this run already decomposed once (restart/resume), otherwise a fresh
// decomposition, routed and persisted before use. reloaded reports
// which path was taken so the caller knows whether to replay task
// states.
func (o *Orchestrator) loadOrBuildPlan(ctx context.Context, j job.Job, runID string) (plan []job.Task, reloaded bool, err error) {
	if existing, err := o.loadPlan(runID); err == nil {
		return existing, true, nil
	} else if !errIsNotFound(err) {
		return nil, false, err
	}

	goal := j.Goal
	if j.Audit.Decision == job.AuditRevise && j.Audit.Revision != "" {
		goal = fmt.Sprintf("%s\n\nRevision requested by the operator: %s", goal, j.Audit.Revision)
	}

	plan, err = o.decompose(ctx, goal)
	if err != nil {
		return nil, false, err
	}
	plan, err = o.postProcess(plan)
	if err != nil {
		return nil, false, err
	}
	if err := o.route(ctx, plan); err != nil {
		return nil, false, err
	}
	if err := o.persistPlan(runID, plan); err != nil {
		return nil, false, err
	}
	for i := range plan {
		if err := o.persistTaskMetadata(plan[i]); err != nil {
			return nil, false, err
		}
	}
	o.appendEvent(ctx, j, "plan_created", map[string]any{"run_id": runID, "task_count": len(plan)})
	return plan, false, nil
}

// decompose asks the LLM for a 3-8 task plan, validating against the
// task schema and feeding the validator error back for a repair round.
func (o *Orchestrator) decompose(ctx context.Context, goal string) ([]job.Task, error) {
	var lastErr error
	feedback := ""
	for attempt := 1; attempt <= decomposeAttempts; attempt++ {
		raw, err := o.llm.Decompose(ctx, goal, feedback)
		if err != nil {
			return nil, err
		}
		if err := taskschema.Validate(raw); err != nil {
			lastErr = err
			feedback = err.Error()
			continue
		}
		var doc planDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			lastErr = err
			feedback = err.Error()
			continue
		}
		return toTasks(doc.Tasks), nil
	}
	return nil, errkind.New(errkind.Validation, "orchestrator.decompose",
		fmt.Errorf("plan rejected after %d attempts: %w", decomposeAttempts, lastErr))
}

func toTasks(in []planTask) []job.Task {
	out := make([]job.Task, 0, len(in))
	for _, t := range in {
		task := job.Task{
			ID:          t.ID,
			Title:       t.Title,
			Description: t.Description,
			Deps:        t.Deps,
			Inputs:      t.Inputs,
			Outputs:     t.Outputs,
			DoneWhen:    t.DoneWhen,
			TaskType:    job.TaskType(t.TaskType),
			Subtasks:    t.Subtasks,
		}
		if t.AssignedTo != nil {
			task.AssignedTo = *t.AssignedTo
		}
		out = append(out, task)
	}
	return out
}

// postProcess assigns fresh task ids (rewriting deps to match), trims
// subtask hints to the schema maximum, and injects the two-stage
// done-when criteria every task carries: produce the declared outputs,
// then satisfy the plan's own criteria.
func (o *Orchestrator) postProcess(plan []job.Task) ([]job.Task, error) {
	idMap := make(map[string]string, len(plan))
	now := o.rt.Clock.Now()
	for i := range plan {
		fresh, err := idgen.TaskID(now)
		if err != nil {
			return nil, errkind.New(errkind.Resource, "orchestrator.postProcess", err)
		}
		idMap[plan[i].ID] = fresh
		plan[i].ID = fresh
	}
	for i := range plan {
		for d := range plan[i].Deps {
			if fresh, ok := idMap[plan[i].Deps[d]]; ok {
				plan[i].Deps[d] = fresh
			}
		}
		if len(plan[i].Subtasks) > 6 {
			plan[i].Subtasks = plan[i].Subtasks[:6]
		}
		stageA := "Stage A: every declared output file exists in the shared artifacts directory"
		stageB := "Stage B: all listed done criteria hold for the written outputs"
		plan[i].DoneWhen = append([]string{stageA, stageB}, plan[i].DoneWhen...)
	}
	return plan, nil
}

// route assigns every task through the two-stage router.
func (o *Orchestrator) route(ctx context.Context, plan []job.Task) error {
	for i := range plan {
		d, err := o.router.Route(ctx, plan[i].Title, plan[i].Description)
		if err != nil {
			return err
		}
		plan[i].AssignedTo = d.AssignedTo
		plan[i].RoutingReason = d.RoutingReason
	}
	return nil
}

func (o *Orchestrator) planPath(runID string) string {
	return filepath.Join(o.rt.Paths.StateDir(), "plan_"+runID+".json")
}

func (o *Orchestrator) persistPlan(runID string, plan []job.Task) error {
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return errkind.New(errkind.Resource, "orchestrator.persistPlan", err)
	}
	path := o.planPath(runID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errkind.New(errkind.Resource, "orchestrator.persistPlan", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errkind.New(errkind.Resource, "orchestrator.persistPlan", err)
	}
	return nil
}

func (o *Orchestrator) loadPlan(runID string) ([]job.Task, error) {
	data, err := os.ReadFile(o.planPath(runID))
	if err != nil {
		return nil, err
	}
	var plan []job.Task
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, errkind.New(errkind.Resource, "orchestrator.loadPlan", err)
	}
	return plan, nil
}

// persistTaskMetadata writes tasks/<task_id>.json for observability.
func (o *Orchestrator) persistTaskMetadata(t job.Task) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return errkind.New(errkind.Resource, "orchestrator.persistTaskMetadata", err)
	}
	path := filepath.Join(o.rt.Paths.TasksDir(), t.ID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errkind.New(errkind.Resource, "orchestrator.persistTaskMetadata", err)
	}
	return nil
}
