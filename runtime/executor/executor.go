// Package executor owns the per-run dispatch/poll loop (C6): it asks
// the Scheduler for runnable tasks, dispatches their prompts through a
// session adapter, polls the watched sessions for new assistant
// output, feeds that output to the terminal-directive parser, validates
// declared outputs, and drives the scheduler to completion. The loop
// alternates dispatch and poll passes with a short sleep in between;
// there is no busy-wait.
package executor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/flowmesh/conductor/internal/artifacts"
	"github.com/flowmesh/conductor/internal/errkind"
	"github.com/flowmesh/conductor/runtime/job"
	"github.com/flowmesh/conductor/runtime/notify"
	"github.com/flowmesh/conductor/runtime/parser"
	"github.com/flowmesh/conductor/runtime/scheduler"
)

// SessionAdapter abstracts the remote session service for the executor:
// session reuse per agent, an idle/busy flag ensuring one agent session
// holds at most one running task, and prompt dispatch.
type SessionAdapter interface {
	// EnsureSession returns the pooled session id for agent, creating a
	// session on first use.
	EnsureSession(ctx context.Context, agent string) (string, error)
	// IsIdle reports whether the session currently holds no running task.
	IsIdle(sessionID string) bool
	// MarkBusy flags the session as holding a running task.
	MarkBusy(sessionID string)
	// MarkIdle releases the session for the next task.
	MarkIdle(sessionID string)
	// Send dispatches one prompt into the session.
	Send(ctx context.Context, sessionID, content string) error
}

// Watcher tracks which sessions to poll and returns their new
// assistant messages. A session is never polled before Watch is called
// for it, preserving the dispatch-before-watch ordering guarantee.
type Watcher interface {
	Watch(sessionID string)
	Unwatch(sessionID string)
	// Poll returns new assistant message contents per watched session
	// since the previous Poll.
	Poll(ctx context.Context) (map[string][]string, error)
}

// TaskStates is the narrow slice of the state store the executor
// flushes per-task runtime state through.
type TaskStates interface {
	PutTaskState(ctx context.Context, runID string, ts job.TaskState) error
}

// Events receives lifecycle notifications; satisfied by *notify.Notifier.
type Events interface {
	Send(ctx context.Context, e notify.Event)
}

// Config carries the per-run knobs the executor loop needs.
type Config struct {
	RunID         string
	ArtifactsRoot string
	IdleTimeout   time.Duration
	PollInterval  time.Duration
	AgentLimits   scheduler.AgentLimits
	GlobalLimit   int
	Validation    artifacts.ValidationOptions
	// RetryBudget is the number of attempts a task may consume before a
	// failure becomes terminal. Zero disables retries.
	RetryBudget int
	// AnswerContext carries operator answers keyed by task id, appended
	// to the task prompt when a resumed run re-dispatches a task whose
	// earlier attempt went waiting-human in a previous process.
	AnswerContext map[string]string
}

// OutcomeStatus is how an executor call ended.
type OutcomeStatus string

const (
	// OutcomeFinished means every task reached a terminal set.
	OutcomeFinished OutcomeStatus = "finished"
	// OutcomeWaiting means a task emitted [TASK_WAITING]; the run pauses
	// until a resume signal re-enters the loop.
	OutcomeWaiting OutcomeStatus = "waiting"
)

// Outcome is the result of one executor call.
type Outcome struct {
	Status          OutcomeStatus
	WaitingTaskID   string
	WaitingQuestion string
}

// Executor runs one run's dispatch/poll loop to a terminal outcome.
type Executor struct {
	sched   *scheduler.Scheduler
	adapter SessionAdapter
	watcher Watcher
	states  TaskStates
	events  Events
	cfg     Config

	tasks map[string]job.Task

	taskSession map[string]string // task id -> session id
	sessionTask map[string]string // session id -> task id
	attempts    map[string]int
	inFlight    map[string]int // agent -> running count

	// waitingTasks records the open question per task that went
	// waiting-human, so a resumed run can answer into the right session.
	waitingTasks map[string]string

	lastProgressAt time.Time
}

// New builds an Executor over a scheduler whose DAG tasks are indexed
// by tasks.
func New(sched *scheduler.Scheduler, tasks map[string]job.Task, adapter SessionAdapter, watcher Watcher, states TaskStates, events Events, cfg Config) *Executor {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Executor{
		sched:        sched,
		adapter:      adapter,
		watcher:      watcher,
		states:       states,
		events:       events,
		cfg:          cfg,
		tasks:        tasks,
		taskSession:  make(map[string]string),
		sessionTask:  make(map[string]string),
		attempts:     make(map[string]int),
		inFlight:     make(map[string]int),
		waitingTasks: make(map[string]string),
	}
}

// WaitingTasks returns the open question per waiting task.
func (e *Executor) WaitingTasks() map[string]string {
	out := make(map[string]string, len(e.waitingTasks))
	for id, q := range e.waitingTasks {
		out[id] = q
	}
	return out
}

// ResumeWaiting delivers an operator answer into the waiting task's
// session and returns the task to the running set, so the next Run call
// picks its output up again.
func (e *Executor) ResumeWaiting(ctx context.Context, taskID, answer string) error {
	if _, ok := e.waitingTasks[taskID]; !ok {
		return errkind.New(errkind.Validation, "executor.ResumeWaiting",
			fmt.Errorf("task %s is not waiting", taskID))
	}
	sessionID, ok := e.taskSession[taskID]
	if !ok {
		return errkind.New(errkind.Logic, "executor.ResumeWaiting",
			fmt.Errorf("SCHED_RESUME_NO_SESSION: waiting task %s has no session", taskID))
	}
	if err := e.adapter.Send(ctx, sessionID, answer); err != nil {
		return err
	}
	delete(e.waitingTasks, taskID)
	e.adapter.MarkBusy(sessionID)
	e.sessionTask[sessionID] = taskID
	e.inFlight[e.tasks[taskID].AssignedTo]++
	e.watcher.Watch(sessionID)
	e.putState(ctx, taskID, job.TaskRunning, "")
	e.lastProgressAt = time.Now()
	return nil
}

// Run drives the loop until every task is terminal, a task goes
// waiting-human, the context ends, or the run stalls. A stalled run
// (nothing ready, nothing running, no progress made this pass) fails
// fast with a Logic error rather than spinning.
func (e *Executor) Run(ctx context.Context) (Outcome, error) {
	e.lastProgressAt = time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}

		progress := e.dispatchPass(ctx)

		waited, pollProgress, err := e.pollPass(ctx)
		if err != nil {
			return Outcome{}, err
		}
		progress = progress || pollProgress
		if waited != nil {
			return *waited, nil
		}

		if e.sched.IsFinished() {
			return Outcome{Status: OutcomeFinished}, nil
		}

		snap := e.sched.Snapshot()
		if len(snap.Ready) == 0 && len(snap.Running) == 0 && !progress {
			return Outcome{}, errkind.New(errkind.Logic, "executor.Run",
				fmt.Errorf("SCHED_LOOP_STALLED: no ready tasks, no running tasks, no progress"))
		}

		if len(snap.Running) > 0 && time.Since(e.lastProgressAt) >= e.cfg.IdleTimeout {
			e.failIdle(ctx, snap.Running)
			continue
		}

		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-time.After(e.cfg.PollInterval):
		}
	}
}

// dispatchPass sends prompts for the batch of runnable tasks permitted
// by the concurrency limits. It reports whether any dispatch happened.
func (e *Executor) dispatchPass(ctx context.Context) bool {
	runnable := e.sched.GetRunnable()
	batch := scheduler.SelectBatch(runnable, e.inFlight, e.cfg.AgentLimits, e.cfg.GlobalLimit)
	progress := false
	for _, r := range batch {
		t, ok := e.tasks[r.TaskID]
		if !ok {
			continue
		}
		sessionID, err := e.adapter.EnsureSession(ctx, r.Agent)
		if err != nil {
			e.failBeforeStart(ctx, r.TaskID, fmt.Sprintf("session create failed: %v", err))
			progress = true
			continue
		}
		if !e.adapter.IsIdle(sessionID) {
			continue
		}
		e.adapter.MarkBusy(sessionID)

		prompt := BuildPrompt(t, artifacts.Dir(e.cfg.ArtifactsRoot))
		if answer, ok := e.cfg.AnswerContext[t.ID]; ok {
			prompt += "Operator answer to your earlier question: " + answer + "\n"
		}
		if err := e.adapter.Send(ctx, sessionID, prompt); err != nil {
			e.adapter.MarkIdle(sessionID)
			e.failBeforeStart(ctx, r.TaskID, fmt.Sprintf("dispatch failed: %v", err))
			progress = true
			continue
		}

		if err := e.sched.Start(r.TaskID); err != nil {
			e.adapter.MarkIdle(sessionID)
			continue
		}
		e.taskSession[r.TaskID] = sessionID
		e.sessionTask[sessionID] = r.TaskID
		e.inFlight[r.Agent]++
		e.attempts[r.TaskID]++
		e.watcher.Watch(sessionID)
		e.putState(ctx, r.TaskID, job.TaskRunning, "")
		e.notify(ctx, "task_dispatched", t, nil)
		e.lastProgressAt = time.Now()
		progress = true
	}
	return progress
}

// pollPass consumes new assistant output, taking the first terminal
// directive per task per poll cycle and ignoring later directives from
// the same burst. A waiting directive ends the executor call.
func (e *Executor) pollPass(ctx context.Context) (*Outcome, bool, error) {
	bySession, err := e.watcher.Poll(ctx)
	if err != nil {
		return nil, false, err
	}

	sessionIDs := make([]string, 0, len(bySession))
	for id := range bySession {
		sessionIDs = append(sessionIDs, id)
	}
	sort.Strings(sessionIDs)

	progress := false
	for _, sessionID := range sessionIDs {
		taskID, ok := e.sessionTask[sessionID]
		if !ok {
			continue
		}
		result, found := firstTerminal(parser.ParseMessages(bySession[sessionID]))
		if !found {
			continue
		}
		progress = true

		switch result.Type {
		case parser.Done:
			e.completeDone(ctx, taskID, sessionID, result)
		case parser.Failed:
			reason := "task reported failure"
			if msg, ok := result.Payload["error"].(string); ok && msg != "" {
				reason = msg
			}
			e.finishTask(ctx, taskID, sessionID, false, reason)
		case parser.Waiting:
			e.waitingTasks[taskID] = result.Question
			e.putState(ctx, taskID, job.TaskWaitingHuman, "")
			e.notify(ctx, "task_waiting", e.tasks[taskID], map[string]any{"question": result.Question})
			e.releaseSession(taskID, sessionID, true)
			e.lastProgressAt = time.Now()
			return &Outcome{
				Status:          OutcomeWaiting,
				WaitingTaskID:   taskID,
				WaitingQuestion: result.Question,
			}, true, nil
		}
	}
	return nil, progress, nil
}

// firstTerminal returns the first done/failed/waiting result, skipping
// malformed payloads, which the executor treats as no terminal at all.
func firstTerminal(results []parser.Result) (parser.Result, bool) {
	for _, r := range results {
		if r.Type == parser.Malformed {
			continue
		}
		return r, true
	}
	return parser.Result{}, false
}

// completeDone validates the task's declared outputs against the shared
// artifacts directory before accepting the [TASK_DONE] as success.
func (e *Executor) completeDone(ctx context.Context, taskID, sessionID string, result parser.Result) {
	t := e.tasks[taskID]
	problems := artifacts.Validate(e.cfg.ArtifactsRoot, t.Outputs, e.cfg.Validation)
	if len(problems) > 0 {
		e.finishTask(ctx, taskID, sessionID, false, "missing outputs: "+joinNames(problems))
		return
	}
	e.finishTask(ctx, taskID, sessionID, true, "")
	if len(result.Payload) > 0 {
		e.notify(ctx, "task_result_payload", t, result.Payload)
	}
}

// finishTask applies a terminal transition to the scheduler, the state
// store, and the notifier, and releases the session for the next task.
// A failure with remaining retry budget re-admits the task as pending
// instead of failing it.
func (e *Executor) finishTask(ctx context.Context, taskID, sessionID string, success bool, errText string) {
	if !success && e.cfg.RetryBudget > 0 && e.attempts[taskID] < e.cfg.RetryBudget {
		if err := e.sched.Readmit(taskID); err == nil {
			e.putState(ctx, taskID, job.TaskPending, errText)
			e.notify(ctx, "task_retry", e.tasks[taskID], map[string]any{
				"error":   errText,
				"attempt": e.attempts[taskID],
			})
			e.releaseSession(taskID, sessionID, false)
			e.lastProgressAt = time.Now()
			return
		}
	}
	failedBefore := make(map[string]bool)
	if !success {
		for _, id := range e.sched.Snapshot().Failed {
			failedBefore[id] = true
		}
	}
	if err := e.sched.Finish(taskID, success); err != nil {
		return
	}
	if success {
		e.putState(ctx, taskID, job.TaskCompleted, "")
		e.notify(ctx, "task_completed", e.tasks[taskID], nil)
	} else {
		e.putState(ctx, taskID, job.TaskFailed, errText)
		e.notify(ctx, "task_failed", e.tasks[taskID], map[string]any{"error": errText})
		// Cascade-failed descendants get a persisted state too, so the
		// final report reflects them.
		for _, id := range e.sched.Snapshot().Failed {
			if id == taskID || failedBefore[id] {
				continue
			}
			e.putState(ctx, id, job.TaskFailed, "dependency failed: "+taskID)
		}
	}
	e.releaseSession(taskID, sessionID, false)
	e.lastProgressAt = time.Now()
}

// failBeforeStart records a failure for a task that never entered the
// running set (session create or dispatch error): the scheduler needs a
// start/finish pair for its invariants, so the task is started and
// immediately finished as failed.
func (e *Executor) failBeforeStart(ctx context.Context, taskID, errText string) {
	if err := e.sched.Start(taskID); err != nil {
		return
	}
	e.attempts[taskID]++
	e.finishTask(ctx, taskID, "", false, errText)
}

// failIdle fails every running task with an idle-timeout error.
func (e *Executor) failIdle(ctx context.Context, running []string) {
	timeout := fmt.Sprintf("idle timeout after %ds", int(e.cfg.IdleTimeout.Seconds()))
	for _, taskID := range running {
		sessionID := e.taskSession[taskID]
		e.finishTask(ctx, taskID, sessionID, false, timeout)
	}
}

// releaseSession clears the session<->task maps and unwatches the
// session. A waiting task keeps its taskSession entry so a later
// ResumeWaiting can answer into the same conversation.
func (e *Executor) releaseSession(taskID, sessionID string, keepTaskMapping bool) {
	if sessionID == "" {
		return
	}
	e.adapter.MarkIdle(sessionID)
	e.watcher.Unwatch(sessionID)
	delete(e.sessionTask, sessionID)
	if !keepTaskMapping {
		delete(e.taskSession, taskID)
	}
	agent := e.tasks[taskID].AssignedTo
	if e.inFlight[agent] > 0 {
		e.inFlight[agent]--
	}
}

func (e *Executor) putState(ctx context.Context, taskID string, st job.TaskRunStatus, lastError string) {
	if e.states == nil {
		return
	}
	_ = e.states.PutTaskState(ctx, e.cfg.RunID, job.TaskState{
		TaskID:    taskID,
		Status:    st,
		Attempts:  e.attempts[taskID],
		LastError: lastError,
		UpdatedAt: time.Now().UTC(),
	})
}

func (e *Executor) notify(ctx context.Context, kind string, t job.Task, payload map[string]any) {
	if e.events == nil {
		return
	}
	e.events.Send(ctx, notify.Event{
		Agent:   t.AssignedTo,
		Kind:    kind,
		RunID:   e.cfg.RunID,
		TaskID:  t.ID,
		Title:   t.Title,
		Payload: payload,
	})
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}
