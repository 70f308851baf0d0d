package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/conductor/internal/artifacts"
	"github.com/flowmesh/conductor/internal/errkind"
	"github.com/flowmesh/conductor/runtime/dag"
	"github.com/flowmesh/conductor/runtime/job"
	"github.com/flowmesh/conductor/runtime/scheduler"
	"github.com/flowmesh/conductor/runtime/store/memory"
)

type fakeAdapter struct {
	mu      sync.Mutex
	nextID  int
	byAgent map[string]string
	busy    map[string]bool
	sendErr error
	sent    []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{byAgent: make(map[string]string), busy: make(map[string]bool)}
}

func (a *fakeAdapter) EnsureSession(_ context.Context, agent string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id, ok := a.byAgent[agent]; ok {
		return id, nil
	}
	a.nextID++
	id := "s-" + agent
	a.byAgent[agent] = id
	return id, nil
}

func (a *fakeAdapter) IsIdle(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.busy[id]
}

func (a *fakeAdapter) MarkBusy(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.busy[id] = true
}

func (a *fakeAdapter) MarkIdle(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.busy, id)
}

func (a *fakeAdapter) Send(_ context.Context, id, content string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return a.sendErr
	}
	a.sent = append(a.sent, content)
	return nil
}

type fakeWatcher struct {
	mu      sync.Mutex
	watched map[string]bool
	counts  map[string]int
	respond func(session string, nthPoll int) []string
}

func newFakeWatcher(respond func(session string, nthPoll int) []string) *fakeWatcher {
	return &fakeWatcher{
		watched: make(map[string]bool),
		counts:  make(map[string]int),
		respond: respond,
	}
}

func (w *fakeWatcher) Watch(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched[id] = true
}

func (w *fakeWatcher) Unwatch(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.watched, id)
}

func (w *fakeWatcher) Poll(context.Context) (map[string][]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string][]string)
	for id := range w.watched {
		w.counts[id]++
		if msgs := w.respond(id, w.counts[id]); len(msgs) > 0 {
			out[id] = msgs
		}
	}
	return out, nil
}

func alwaysDone(string, int) []string { return []string{"[TASK_DONE]"} }

func buildExec(t *testing.T, tasks []job.Task, adapter SessionAdapter, watcher Watcher, cfg Config) (*Executor, *scheduler.Scheduler, *memory.Store) {
	t.Helper()
	g, err := dag.Build(tasks)
	require.NoError(t, err)
	sched := scheduler.New(g)
	st := memory.New()
	if cfg.RunID == "" {
		cfg.RunID = "run1"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	if cfg.AgentLimits == nil {
		cfg.AgentLimits = scheduler.AgentLimits{"*": 2}
	}
	return New(sched, g.Tasks, adapter, watcher, st, nil, cfg), sched, st
}

func task(id string, deps ...string) job.Task {
	return job.Task{ID: id, Title: "task " + id, AssignedTo: "agent", DoneWhen: []string{"done"}, Deps: deps}
}

func TestChainCompletes(t *testing.T) {
	adapter := newFakeAdapter()
	watcher := newFakeWatcher(alwaysDone)
	tasks := []job.Task{task("a"), task("b", "a")}
	exec, sched, st := buildExec(t, tasks, adapter, watcher, Config{ArtifactsRoot: t.TempDir()})

	out, err := exec.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeFinished, out.Status)
	require.True(t, sched.IsFinished())
	require.Equal(t, []string{"a", "b"}, sched.Snapshot().Done)

	states, err := st.ListTaskStates(context.Background(), "run1")
	require.NoError(t, err)
	require.Len(t, states, 2)
	for _, ts := range states {
		require.Equal(t, job.TaskCompleted, ts.Status)
		require.Equal(t, 1, ts.Attempts)
	}
	require.Len(t, adapter.sent, 2, "one prompt per task, session reused")
}

func TestFailureCascades(t *testing.T) {
	adapter := newFakeAdapter()
	watcher := newFakeWatcher(func(string, int) []string { return []string{`[TASK_FAILED] {"error":"no disk"}`} })
	tasks := []job.Task{task("a"), task("b", "a")}
	exec, sched, st := buildExec(t, tasks, adapter, watcher, Config{ArtifactsRoot: t.TempDir()})

	out, err := exec.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeFinished, out.Status)
	require.Equal(t, []string{"a", "b"}, sched.Snapshot().Failed)

	states, err := st.ListTaskStates(context.Background(), "run1")
	require.NoError(t, err)
	require.Equal(t, "no disk", states[0].LastError)
}

func TestOutputContract(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, artifacts.EnsureDir(root))

	withOutput := task("a")
	withOutput.Outputs = []string{"result.json"}

	t.Run("missing output fails the task", func(t *testing.T) {
		adapter := newFakeAdapter()
		exec, sched, st := buildExec(t, []job.Task{withOutput}, adapter, newFakeWatcher(alwaysDone), Config{ArtifactsRoot: root, RunID: "run-miss"})
		_, err := exec.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, []string{"a"}, sched.Snapshot().Failed)

		states, err := st.ListTaskStates(context.Background(), "run-miss")
		require.NoError(t, err)
		require.Contains(t, states[0].LastError, "missing outputs: result.json")
	})

	t.Run("present output completes the task", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(artifacts.Dir(root), "result.json"), []byte(`{}`), 0o644))
		adapter := newFakeAdapter()
		exec, sched, _ := buildExec(t, []job.Task{withOutput}, adapter, newFakeWatcher(alwaysDone), Config{ArtifactsRoot: root, RunID: "run-hit"})
		_, err := exec.Run(context.Background())
		require.NoError(t, err)
		require.Equal(t, []string{"a"}, sched.Snapshot().Done)
	})
}

func TestWaitingEndsTheCall(t *testing.T) {
	adapter := newFakeAdapter()
	watcher := newFakeWatcher(func(string, int) []string { return []string{"[TASK_WAITING] which region?"} })
	exec, sched, st := buildExec(t, []job.Task{task("a")}, adapter, watcher, Config{ArtifactsRoot: t.TempDir()})

	out, err := exec.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeWaiting, out.Status)
	require.Equal(t, "a", out.WaitingTaskID)
	require.Equal(t, "which region?", out.WaitingQuestion)
	require.False(t, sched.IsFinished())
	require.Equal(t, map[string]string{"a": "which region?"}, exec.WaitingTasks())

	states, err := st.ListTaskStates(context.Background(), "run1")
	require.NoError(t, err)
	require.Equal(t, job.TaskWaitingHuman, states[0].Status)
}

func TestResumeWaitingContinues(t *testing.T) {
	adapter := newFakeAdapter()
	step := 0
	watcher := newFakeWatcher(func(_ string, _ int) []string {
		step++
		if step == 1 {
			return []string{"[TASK_WAITING] proceed?"}
		}
		return []string{"[TASK_DONE]"}
	})
	exec, sched, _ := buildExec(t, []job.Task{task("a")}, adapter, watcher, Config{ArtifactsRoot: t.TempDir()})

	out, err := exec.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeWaiting, out.Status)

	require.NoError(t, exec.ResumeWaiting(context.Background(), "a", "yes"))
	require.Contains(t, adapter.sent[len(adapter.sent)-1], "yes", "answer sent into the same session")

	out, err = exec.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeFinished, out.Status)
	require.Equal(t, []string{"a"}, sched.Snapshot().Done)
}

func TestResumeWaitingRejectsUnknownTask(t *testing.T) {
	adapter := newFakeAdapter()
	exec, _, _ := buildExec(t, []job.Task{task("a")}, adapter, newFakeWatcher(alwaysDone), Config{ArtifactsRoot: t.TempDir()})
	err := exec.ResumeWaiting(context.Background(), "a", "yes")
	require.True(t, errkind.Is(err, errkind.Validation))
}

func TestDispatchErrorFailsTask(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.sendErr = errors.New("connection refused")
	exec, sched, st := buildExec(t, []job.Task{task("a")}, adapter, newFakeWatcher(alwaysDone), Config{ArtifactsRoot: t.TempDir()})

	out, err := exec.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeFinished, out.Status)
	require.Equal(t, []string{"a"}, sched.Snapshot().Failed)

	states, err := st.ListTaskStates(context.Background(), "run1")
	require.NoError(t, err)
	require.Contains(t, states[0].LastError, "dispatch failed")
}

func TestIdleTimeoutFailsRunningTasks(t *testing.T) {
	adapter := newFakeAdapter()
	silent := newFakeWatcher(func(string, int) []string { return nil })
	exec, sched, st := buildExec(t, []job.Task{task("a")}, adapter, silent, Config{
		ArtifactsRoot: t.TempDir(),
		IdleTimeout:   20 * time.Millisecond,
	})

	out, err := exec.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeFinished, out.Status)
	require.Equal(t, []string{"a"}, sched.Snapshot().Failed)

	states, err := st.ListTaskStates(context.Background(), "run1")
	require.NoError(t, err)
	require.Contains(t, states[0].LastError, "idle timeout")
}

func TestRetryBudgetReadmits(t *testing.T) {
	adapter := newFakeAdapter()
	watcher := newFakeWatcher(func(_ string, nthPoll int) []string {
		if nthPoll == 1 {
			return []string{"[TASK_FAILED]"}
		}
		return []string{"[TASK_DONE]"}
	})
	exec, sched, st := buildExec(t, []job.Task{task("a")}, adapter, watcher, Config{
		ArtifactsRoot: t.TempDir(),
		RetryBudget:   2,
	})

	out, err := exec.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeFinished, out.Status)
	require.Equal(t, []string{"a"}, sched.Snapshot().Done)

	states, err := st.ListTaskStates(context.Background(), "run1")
	require.NoError(t, err)
	require.Equal(t, 2, states[0].Attempts)
}

func TestBuildPromptContract(t *testing.T) {
	prompt := BuildPrompt(job.Task{
		Title:       "Write report",
		Description: "Summarize findings",
		Inputs:      []string{"notes.md"},
		Outputs:     []string{"report.json"},
		DoneWhen:    []string{"report validates"},
	}, "/tmp/artifacts")

	require.Contains(t, prompt, "Task: Write report\n")
	require.Contains(t, prompt, "Description: Summarize findings\n")
	require.Contains(t, prompt, "- notes.md\n")
	require.Contains(t, prompt, "- report.json\n")
	require.Contains(t, prompt, "Shared artifacts directory: /tmp/artifacts\n")
	require.Contains(t, prompt, "When finished output exactly: [TASK_DONE]\n")
	require.Contains(t, prompt, "If impossible output exactly:  [TASK_FAILED]\n")
	require.Contains(t, prompt, "If you need user input output exactly: [TASK_WAITING] <question>\n")
}
