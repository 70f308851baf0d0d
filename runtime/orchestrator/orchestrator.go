// Package orchestrator composes the single-run pipeline (C7):
// decompose the goal into a task plan, route each task to an agent,
// build the DAG, pass the audit gate, execute the plan through the
// session executor, and produce the final run report. The worker (C8)
// owns claiming, leases, and retries; the orchestrator owns exactly one
// run from plan to report and is restart-safe: a resumed run reloads
// its persisted plan and replays terminal task states instead of
// re-planning.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/flowmesh/conductor/internal/artifacts"
	"github.com/flowmesh/conductor/internal/config"
	"github.com/flowmesh/conductor/internal/errkind"
	"github.com/flowmesh/conductor/internal/idgen"
	"github.com/flowmesh/conductor/internal/telemetry"
	"github.com/flowmesh/conductor/runtime/collaborator/llm"
	"github.com/flowmesh/conductor/runtime/dag"
	"github.com/flowmesh/conductor/runtime/engine"
	"github.com/flowmesh/conductor/runtime/executor"
	"github.com/flowmesh/conductor/runtime/gates"
	"github.com/flowmesh/conductor/runtime/job"
	"github.com/flowmesh/conductor/runtime/notify"
	"github.com/flowmesh/conductor/runtime/router"
	"github.com/flowmesh/conductor/runtime/scheduler"
	"github.com/flowmesh/conductor/runtime/store"
)

// RunResult is what one orchestrated run produced, handed back to the
// worker for job-status mapping and last_result persistence.
type RunResult struct {
	RunID      string
	Status     job.RunStatus
	Summary    string
	ReportPath string

	// WaitingTaskID and WaitingQuestion are set when Status is
	// RunWaitingHuman.
	WaitingTaskID   string
	WaitingQuestion string

	// Audit is set when Status is RunAwaitingAudit.
	Audit *gates.AuditPayload

	Error string
}

// Orchestrator wires the per-run pipeline. All collaborators are
// injected; nothing here reads the environment.
type Orchestrator struct {
	rt       *config.Runtime
	llm      llm.Client
	router   *router.Router
	store    store.Store
	events   executor.Events
	sessions executor.SessionClient
	logger   telemetry.Logger
	engines  *engine.Registry

	// resumeGrace is how long a human-waiting run stays in flight
	// listening for an in-process resume signal before parking as
	// waiting_human for the next claim pass.
	resumeGrace time.Duration
}

// Option configures the Orchestrator.
type Option func(*Orchestrator)

// WithEngineRegistry registers each run's engine context for its
// lifetime, letting the control plane signal resume/cancel into runs
// live in this process.
func WithEngineRegistry(r *engine.Registry) Option {
	return func(o *Orchestrator) { o.engines = r }
}

// WithResumeGrace overrides the in-flight resume listening window.
func WithResumeGrace(d time.Duration) Option {
	return func(o *Orchestrator) { o.resumeGrace = d }
}

// New builds an Orchestrator.
func New(rt *config.Runtime, llmClient llm.Client, rtr *router.Router, st store.Store, events executor.Events, sessions executor.SessionClient, logger telemetry.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		rt:          rt,
		llm:         llmClient,
		router:      rtr,
		store:       st,
		events:      events,
		sessions:    sessions,
		logger:      logger,
		resumeGrace: 30 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// ExecuteRun drives one run of j to a run-terminal or run-pausing
// status. It never mutates the job record; the worker translates the
// returned RunResult into job state.
func (o *Orchestrator) ExecuteRun(ctx context.Context, j job.Job) (RunResult, error) {
	runID := j.RunID
	if runID == "" {
		runID = idgen.RunID(o.rt.Clock.Now())
	}
	res := RunResult{RunID: runID}

	ctx, span := telemetry.StartSpan(ctx, "conductor.run", "job_id", j.ID, "run_id", runID)
	defer span.End()

	if err := o.ensureDirs(); err != nil {
		return o.failed(ctx, j, res, errkind.New(errkind.Resource, "orchestrator.ExecuteRun", err))
	}

	if o.rt.Gates.RequireDesignConfirm && !o.rt.Gates.DesignConfirmed {
		return o.designGate(ctx, j, res)
	}

	plan, reloaded, err := o.loadOrBuildPlan(ctx, j, runID)
	if err != nil {
		return o.failed(ctx, j, res, err)
	}

	graph, err := dag.Build(plan)
	if err != nil {
		return o.failed(ctx, j, res, err)
	}

	if o.auditRequired(j) {
		return o.auditGate(ctx, j, res, plan)
	}

	sched := scheduler.New(graph)
	if reloaded {
		if err := o.replayTaskStates(ctx, runID, sched); err != nil {
			return o.failed(ctx, j, res, err)
		}
	}
	if sched.IsFinished() {
		return o.report(ctx, j, res, plan, sched, nil)
	}

	adapter := executor.NewAdapter(o.sessions)
	watcher := executor.NewPollWatcher(o.sessions)
	exec := executor.New(sched, graph.Tasks, adapter, watcher, o.store, o.events, executor.Config{
		RunID:         runID,
		ArtifactsRoot: o.rt.Paths.Root(),
		IdleTimeout:   o.rt.Timeouts.ExecutorIdle,
		AgentLimits:   scheduler.AgentLimits(o.rt.Concurrency.AgentLimits),
		GlobalLimit:   o.rt.Concurrency.MaxParallelTasks,
		AnswerContext: answersByTask(j),
	})

	return o.executeLoop(ctx, j, res, plan, sched, exec)
}

// executeLoop runs the executor, applying the waiting-human policy
// whenever a task pauses on a question. With an engine registry
// attached, in-process cancel signals interrupt the loop and in-process
// resume signals answer a waiting task without a fresh claim pass.
func (o *Orchestrator) executeLoop(ctx context.Context, j job.Job, res RunResult, plan []job.Task, sched *scheduler.Scheduler, exec *executor.Executor) (RunResult, error) {
	var eng engine.Context
	if o.engines != nil {
		eng = o.engines.Attach(res.RunID)
		defer o.engines.Detach(res.RunID)
	}

	autoResumes := 0
	for {
		if eng != nil {
			var cancelSig engine.CancelPayload
			if eng.SignalChannel(engine.SignalCancel).ReceiveAsync(&cancelSig) {
				res.Status = job.RunCancelled
				res.Summary = cancelSig.Reason
				return res, nil
			}
		}

		outcome, err := exec.Run(ctx)
		if err != nil {
			if errkind.Is(err, errkind.Logic) {
				o.recordSchedulerException(err)
			}
			return o.failed(ctx, j, res, err)
		}
		if outcome.Status == executor.OutcomeFinished {
			_ = os.Remove(o.rt.Paths.WaitingFile(res.RunID))
			return o.report(ctx, j, res, plan, sched, nil)
		}

		// OutcomeWaiting.
		switch o.rt.Gates.WaitingPolicy {
		case "auto":
			if autoResumes >= o.rt.Gates.MaxAutoResumes {
				return o.failed(ctx, j, res, errkind.New(errkind.Human, "orchestrator.executeLoop",
					fmt.Errorf("auto-resume budget exhausted after %d answers", autoResumes)))
			}
			answer, err := o.llm.AnswerResume(ctx, outcome.WaitingQuestion)
			if err != nil {
				return o.failed(ctx, j, res, err)
			}
			if err := exec.ResumeWaiting(ctx, outcome.WaitingTaskID, answer); err != nil {
				return o.failed(ctx, j, res, err)
			}
			autoResumes++
			o.appendEvent(ctx, j, "auto_resumed", map[string]any{
				"task_id": outcome.WaitingTaskID, "answer": answer,
			})
		case "strict":
			return o.failed(ctx, j, res, errkind.New(errkind.Human, "orchestrator.executeLoop",
				fmt.Errorf("task %s requires human input: %s", outcome.WaitingTaskID, outcome.WaitingQuestion)))
		default: // human
			if err := o.persistWaiting(res.RunID, j.ID, outcome.WaitingTaskID, outcome.WaitingQuestion); err != nil {
				return o.failed(ctx, j, res, err)
			}
			o.notifyWorkflow(ctx, j, res.RunID, "workflow_waiting_human", map[string]any{
				"task_id":  outcome.WaitingTaskID,
				"question": outcome.WaitingQuestion,
			})
			if eng != nil {
				// Listen for an in-flight resume before parking the run.
				waitCtx, cancel := context.WithTimeout(ctx, o.resumeGrace)
				var sig engine.ResumePayload
				recvErr := eng.SignalChannel(engine.SignalResume).Receive(waitCtx, &sig)
				cancel()
				if recvErr == nil && sig.Answer != "" {
					if err := exec.ResumeWaiting(ctx, outcome.WaitingTaskID, sig.Answer); err == nil {
						_ = os.Remove(o.rt.Paths.WaitingFile(res.RunID))
						continue
					}
				}
			}
			res.Status = job.RunWaitingHuman
			res.WaitingTaskID = outcome.WaitingTaskID
			res.WaitingQuestion = outcome.WaitingQuestion
			res.Summary = "waiting for operator answer: " + outcome.WaitingQuestion
			return res, nil
		}
	}
}

// designGate writes a design draft artifact and pauses the run on a
// single confirmation question.
func (o *Orchestrator) designGate(ctx context.Context, j job.Job, res RunResult) (RunResult, error) {
	draft := fmt.Sprintf("# Design draft\n\nGoal: %s\n\nConfirm to proceed with decomposition and execution.\n", j.Goal)
	path := artifacts.Resolve(o.rt.Paths.Root(), "design_draft.md")
	if err := os.WriteFile(path, []byte(draft), 0o644); err != nil {
		return o.failed(ctx, j, res, errkind.New(errkind.Resource, "orchestrator.designGate", err))
	}
	question := "Confirm the design draft in design_draft.md before execution?"
	if err := o.persistWaiting(res.RunID, j.ID, "", question); err != nil {
		return o.failed(ctx, j, res, err)
	}
	res.Status = job.RunWaitingHuman
	res.WaitingQuestion = question
	res.Summary = "design confirmation required"
	return res, nil
}

// auditRequired reports whether the audit gate blocks this run: the
// gate is on by default and only an approve decision (persisted or
// pre-set via configuration) lets the run through.
func (o *Orchestrator) auditRequired(j job.Job) bool {
	if !o.rt.Gates.AuditGateEnabled {
		return false
	}
	if o.rt.Gates.AuditPreApproved {
		return false
	}
	return j.Audit.Decision != job.AuditApprove
}

// auditGate persists the plan for operator review, builds the audit
// payload, and pauses the run awaiting a decision.
func (o *Orchestrator) auditGate(ctx context.Context, j job.Job, res RunResult, plan []job.Task) (RunResult, error) {
	payload := gates.BuildAuditPayload(
		string(job.RunAwaitingAudit),
		j.ID,
		res.RunID,
		j.Goal,
		impactScope(plan),
		riskItems(plan),
		commandPreview(plan),
		j.Goal,
	)
	if err := o.persistAudit(res.RunID, plan, payload); err != nil {
		return o.failed(ctx, j, res, err)
	}
	o.notifyWorkflow(ctx, j, res.RunID, "workflow_awaiting_audit", map[string]any{
		"payload":        payload,
		"missing_fields": payload.MissingFields,
	})
	res.Status = job.RunAwaitingAudit
	res.Audit = &payload
	res.Summary = "awaiting audit decision"
	return res, nil
}

// replayTaskStates re-applies persisted terminal task states to a
// freshly built scheduler so a resumed run does not re-dispatch work
// that already finished. States are replayed in dependency order by
// looping until no further state can be applied.
func (o *Orchestrator) replayTaskStates(ctx context.Context, runID string, sched *scheduler.Scheduler) error {
	states, err := o.store.ListTaskStates(ctx, runID)
	if err != nil {
		return err
	}
	terminal := make(map[string]bool)
	for _, ts := range states {
		switch ts.Status {
		case job.TaskCompleted:
			terminal[ts.TaskID] = true
		case job.TaskFailed:
			terminal[ts.TaskID] = false
		}
	}
	for applied := true; applied && len(terminal) > 0; {
		applied = false
		for _, r := range sched.GetRunnable() {
			success, ok := terminal[r.TaskID]
			if !ok {
				continue
			}
			if err := sched.Start(r.TaskID); err != nil {
				continue
			}
			if err := sched.Finish(r.TaskID, success); err != nil {
				return err
			}
			delete(terminal, r.TaskID)
			applied = true
		}
	}
	return nil
}

func (o *Orchestrator) failed(ctx context.Context, j job.Job, res RunResult, err error) (RunResult, error) {
	res.Status = job.RunFailed
	res.Error = err.Error()
	res.Summary = "run failed: " + err.Error()
	o.notifyWorkflow(ctx, j, res.RunID, "workflow_failed", map[string]any{
		"error": err.Error(),
		"kind":  string(errkind.OfKind(err)),
	})
	if o.logger != nil {
		o.logger.Error(ctx, "run failed", "job_id", j.ID, "run_id", res.RunID, "error", err.Error())
	}
	// Validation and logic errors are the run's final answer; transient
	// and resource errors surface to the worker so its retry budget
	// applies.
	if errkind.Is(err, errkind.Transient) || errkind.Is(err, errkind.Resource) {
		return res, err
	}
	return res, nil
}

func (o *Orchestrator) ensureDirs() error {
	dirs := []string{
		o.rt.Paths.StateDir(),
		o.rt.Paths.SnapshotsDir(),
		o.rt.Paths.TasksDir(),
		o.rt.Paths.RunsDir(),
		o.rt.Paths.LogsDir(),
		artifacts.Dir(o.rt.Paths.Root()),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) appendEvent(ctx context.Context, j job.Job, name string, payload map[string]any) {
	_ = o.store.AppendEvent(ctx, job.Event{
		JobID:   j.ID,
		RunID:   j.RunID,
		TS:      time.Now().UTC(),
		Name:    name,
		Payload: payload,
	})
}

func (o *Orchestrator) notifyWorkflow(ctx context.Context, j job.Job, runID, kind string, payload map[string]any) {
	if o.events == nil {
		return
	}
	o.events.Send(ctx, notify.Event{
		Agent:   "*",
		Kind:    kind,
		RunID:   runID,
		Payload: payload,
	})
}

// answersByTask maps each answered human input to its task, so a
// resumed run can hand the operator's answer to the re-dispatched task.
func answersByTask(j job.Job) map[string]string {
	out := make(map[string]string)
	for _, h := range j.HumanInputs {
		if h.TaskID != "" && h.Answer != "" {
			out[h.TaskID] = h.Answer
		}
	}
	return out
}

// errIsNotFound distinguishes a missing persisted plan from a real
// storage failure.
func errIsNotFound(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, store.ErrNotFound)
}
