package taskschema

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func plan(n int, mutate func(tasks []map[string]any)) []byte {
	var tasks []map[string]any
	for i := 0; i < n; i++ {
		tasks = append(tasks, map[string]any{
			"id":        fmt.Sprintf("tsk_0000000000000000000000000%d", i),
			"title":     fmt.Sprintf("task %d", i),
			"status":    "pending",
			"deps":      []string{},
			"inputs":    []string{},
			"outputs":   []string{},
			"done_when": []string{"works"},
			"task_type": "implement",
		})
	}
	if mutate != nil {
		mutate(tasks)
	}
	raw, _ := json.Marshal(map[string]any{"tasks": tasks})
	return raw
}

func TestValidPlan(t *testing.T) {
	require.NoError(t, Validate(plan(3, nil)))
	require.NoError(t, Validate(plan(8, nil)))
}

func TestTooFewOrTooManyTasks(t *testing.T) {
	require.Error(t, Validate(plan(2, nil)))
	require.Error(t, Validate(plan(9, nil)))
}

func TestBadTaskID(t *testing.T) {
	require.Error(t, Validate(plan(3, func(tasks []map[string]any) {
		tasks[0]["id"] = "task-1"
	})))
	require.Error(t, Validate(plan(3, func(tasks []map[string]any) {
		tasks[0]["id"] = "tsk_lowercasenotallowedhere0000"
	})))
}

func TestShortTitle(t *testing.T) {
	require.Error(t, Validate(plan(3, func(tasks []map[string]any) {
		tasks[0]["title"] = "ab"
	})))
}

func TestEmptyDoneWhen(t *testing.T) {
	require.Error(t, Validate(plan(3, func(tasks []map[string]any) {
		tasks[0]["done_when"] = []string{}
	})))
}

func TestBadTaskType(t *testing.T) {
	require.Error(t, Validate(plan(3, func(tasks []map[string]any) {
		tasks[0]["task_type"] = "refactor"
	})))
}

func TestTooManySubtasks(t *testing.T) {
	require.Error(t, Validate(plan(3, func(tasks []map[string]any) {
		tasks[0]["subtasks"] = []string{"a", "b", "c", "d", "e", "f", "g"}
	})))
}

func TestMalformedJSON(t *testing.T) {
	require.Error(t, Validate([]byte("{nope")))
}
