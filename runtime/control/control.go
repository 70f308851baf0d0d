// Package control implements the control-signal plane (C9): operators
// enqueue approve/revise/resume/cancel intents by request id onto a
// durable SignalQueue; the worker drains the queue and applies each
// signal to the state store idempotently under the same single-writer
// discipline as every other store mutation.
package control

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/flowmesh/conductor/internal/errkind"
	"github.com/flowmesh/conductor/internal/idgen"
	"github.com/flowmesh/conductor/runtime/engine"
	"github.com/flowmesh/conductor/runtime/job"
	"github.com/flowmesh/conductor/runtime/store"
)

// SignalQueue is the durable queue control signals travel through
// between the CLI process and the worker. Two backends exist: a
// filesystem fallback (queue/file) and a shared Redis list
// (queue/redis) for multi-worker deployments.
type SignalQueue interface {
	// Emit appends a signal, deduping by RequestID: a previously seen
	// RequestID is not re-appended and reports deduped=true.
	Emit(ctx context.Context, s job.ControlSignal) (deduped bool, err error)
	// Drain atomically returns and removes every pending signal, in
	// emit order.
	Drain(ctx context.Context) ([]job.ControlSignal, error)
}

// Receipt is returned to the CLI after an Emit.
type Receipt struct {
	JobID     string `json:"job_id"`
	Action    string `json:"action"`
	RequestID string `json:"request_id"`
	Deduped   bool   `json:"deduped"`
}

// Plane owns signal intake and application.
type Plane struct {
	queue SignalQueue
	store store.Store
	live  *engine.Registry

	mu      sync.Mutex
	lastSeq map[string]int64 // job id -> highest applied signal_seq
}

// Option configures the Plane.
type Option func(*Plane)

// WithLiveRuns lets the Plane forward resume and cancel signals into
// runs that are live in this process, so an in-flight executor loop
// reacts without waiting for the next claim pass.
func WithLiveRuns(r *engine.Registry) Option {
	return func(p *Plane) { p.live = r }
}

// New builds a Plane over a queue and the state store.
func New(queue SignalQueue, st store.Store, opts ...Option) *Plane {
	p := &Plane{queue: queue, store: st, lastSeq: make(map[string]int64)}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Emit validates and enqueues one operator intent. An empty requestID
// is replaced with a generated one so every signal has an idempotency
// key.
func (p *Plane) Emit(ctx context.Context, jobID string, action job.ControlAction, payload map[string]any, requestID string, signalSeq int64) (Receipt, error) {
	switch action {
	case job.ActionApprove, job.ActionRevise, job.ActionResume, job.ActionCancel:
	default:
		return Receipt{}, errkind.New(errkind.Validation, "control.Emit",
			fmt.Errorf("unknown action %q", action))
	}
	if jobID == "" {
		return Receipt{}, errkind.New(errkind.Validation, "control.Emit",
			fmt.Errorf("job id is required"))
	}
	if requestID == "" {
		id, err := idgen.RequestID()
		if err != nil {
			return Receipt{}, errkind.New(errkind.Resource, "control.Emit", err)
		}
		requestID = id
	}
	deduped, err := p.queue.Emit(ctx, job.ControlSignal{
		JobID:     jobID,
		Action:    action,
		Payload:   payload,
		RequestID: requestID,
		SignalSeq: signalSeq,
		TS:        time.Now().UTC(),
	})
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{JobID: jobID, Action: string(action), RequestID: requestID, Deduped: deduped}, nil
}

// DrainAndApply drains every pending signal and applies each to the
// state store. Application errors are recorded as events on the job and
// never propagate into the worker loop; the first error is returned
// only so callers can log it.
func (p *Plane) DrainAndApply(ctx context.Context) error {
	signals, err := p.queue.Drain(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, s := range signals {
		if err := p.Apply(ctx, s); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			_ = p.store.AppendEvent(ctx, job.Event{
				JobID: s.JobID,
				Name:  "control_signal_rejected",
				Payload: map[string]any{
					"action":     string(s.Action),
					"request_id": s.RequestID,
					"error":      err.Error(),
				},
			})
		}
	}
	return firstErr
}

// Apply applies one signal to the state store. Signals whose SignalSeq
// is strictly lower than one already applied for the same job are
// rejected; gaps and repeats of the same seq are accepted.
func (p *Plane) Apply(ctx context.Context, s job.ControlSignal) error {
	if s.SignalSeq != 0 {
		p.mu.Lock()
		last, ok := p.lastSeq[s.JobID]
		if ok && s.SignalSeq < last {
			p.mu.Unlock()
			return errkind.New(errkind.Validation, "control.Apply",
				fmt.Errorf("signal_seq %d is lower than already applied %d", s.SignalSeq, last))
		}
		p.lastSeq[s.JobID] = s.SignalSeq
		p.mu.Unlock()
	}

	switch s.Action {
	case job.ActionApprove:
		return p.applyApprove(ctx, s)
	case job.ActionRevise:
		return p.applyRevise(ctx, s)
	case job.ActionResume:
		return p.applyResume(ctx, s)
	case job.ActionCancel:
		return p.applyCancel(ctx, s)
	default:
		return errkind.New(errkind.Validation, "control.Apply",
			fmt.Errorf("unknown action %q", s.Action))
	}
}

func (p *Plane) applyApprove(ctx context.Context, s job.ControlSignal) error {
	_, err := p.store.UpdateJob(ctx, s.JobID, func(j job.Job) (job.Job, error) {
		j.Audit.Decision = job.AuditApprove
		j.Audit.Passed = true
		if j.Status == job.JobAwaitingAudit || j.Status == job.JobQueued {
			j.Status = job.JobApproved
		}
		return j, nil
	})
	if err != nil {
		return err
	}
	return p.store.AppendEvent(ctx, job.Event{
		JobID:   s.JobID,
		Name:    "audit_approved",
		Payload: map[string]any{"request_id": s.RequestID},
	})
}

func (p *Plane) applyRevise(ctx context.Context, s job.ControlSignal) error {
	revision, _ := s.Payload["revision"].(string)
	_, err := p.store.UpdateJob(ctx, s.JobID, func(j job.Job) (job.Job, error) {
		j.Audit.Decision = job.AuditRevise
		j.Audit.Revision = revision
		j.Audit.Passed = false
		j.Status = job.JobReviseRequested
		return j, nil
	})
	if err != nil {
		return err
	}
	return p.store.AppendEvent(ctx, job.Event{
		JobID:   s.JobID,
		Name:    "audit_revise_requested",
		Payload: map[string]any{"request_id": s.RequestID, "revision": revision},
	})
}

func (p *Plane) applyResume(ctx context.Context, s job.ControlSignal) error {
	answer, _ := s.Payload["answer"].(string)
	if answer == "" {
		return errkind.New(errkind.Validation, "control.Apply",
			fmt.Errorf("invalid_answer: resume requires a non-empty answer"))
	}
	taskID, _ := s.Payload["task_id"].(string)
	key := DedupeKey(taskID, answer)

	// Idempotency: one job_resumed per (task_id, answer).
	events, err := p.store.ListEvents(ctx, s.JobID)
	if err != nil {
		return err
	}
	for _, e := range events {
		if e.Name != "job_resumed" {
			continue
		}
		if prior, _ := e.Payload["dedupe_key"].(string); prior == key {
			return nil
		}
	}

	now := time.Now().UTC()
	var question string
	updated, err := p.store.UpdateJob(ctx, s.JobID, func(j job.Job) (job.Job, error) {
		for i := len(j.HumanInputs) - 1; i >= 0; i-- {
			if j.HumanInputs[i].TaskID == taskID && j.HumanInputs[i].Answer == "" {
				question = j.HumanInputs[i].Question
				break
			}
		}
		j.HumanInputs = append(j.HumanInputs, job.HumanInput{
			At:       now,
			Question: question,
			Answer:   answer,
			TaskID:   taskID,
		})
		if j.Audit.Passed {
			j.Status = job.JobApproved
		} else {
			j.Status = job.JobAwaitingAudit
		}
		return j, nil
	})
	if err != nil {
		return err
	}

	if err := p.store.AppendEvent(ctx, job.Event{
		JobID:   s.JobID,
		Name:    "answer_consumed",
		Payload: map[string]any{"task_id": taskID, "dedupe_key": key},
	}); err != nil {
		return err
	}
	if err := p.store.AppendEvent(ctx, job.Event{
		JobID:   s.JobID,
		Name:    "job_resumed",
		Payload: map[string]any{"task_id": taskID, "dedupe_key": key, "request_id": s.RequestID},
	}); err != nil {
		return err
	}
	if p.live != nil && updated.RunID != "" {
		p.live.Signal(updated.RunID, engine.SignalResume, engine.ResumePayload{TaskID: taskID, Answer: answer})
	}
	return nil
}

func (p *Plane) applyCancel(ctx context.Context, s job.ControlSignal) error {
	updated, err := p.store.UpdateJob(ctx, s.JobID, func(j job.Job) (job.Job, error) {
		j.Status = job.JobCancelled
		return j, nil
	})
	if err != nil {
		return err
	}
	if err := p.store.AppendEvent(ctx, job.Event{
		JobID:   s.JobID,
		Name:    "job_cancelled",
		Payload: map[string]any{"request_id": s.RequestID},
	}); err != nil {
		return err
	}
	if p.live != nil && updated.RunID != "" {
		p.live.Signal(updated.RunID, engine.SignalCancel, engine.CancelPayload{Reason: "cancelled by operator"})
	}
	return nil
}

// DedupeKey computes the resume idempotency key:
// SHA1(task_id + "::" + answer) truncated to 16 hex characters.
func DedupeKey(taskID, answer string) string {
	sum := sha1.Sum([]byte(taskID + "::" + answer))
	return hex.EncodeToString(sum[:])[:16]
}
