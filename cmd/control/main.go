// Command control is the operator CLI for the control-signal plane
// (§6.4): approve, revise, resume, and cancel, delivered by request id
// onto the project's signal queue. Exit code 0 on success, 1 on a
// validation error.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	goredis "github.com/redis/go-redis/v9"

	"github.com/flowmesh/conductor/internal/config"
	"github.com/flowmesh/conductor/runtime/control"
	ctrlfile "github.com/flowmesh/conductor/runtime/control/queue/file"
	ctrlredis "github.com/flowmesh/conductor/runtime/control/queue/redis"
	"github.com/flowmesh/conductor/runtime/job"
	storefile "github.com/flowmesh/conductor/runtime/store/file"
)

const usage = `usage:
  control approve  <job_id>
  control revise   <job_id> <revision text>
  control resume   <job_id> <answer text> [--task-id <id>]
  control cancel   <job_id>

common flags: --project-id --request-id --signal-seq`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("control", flag.ContinueOnError)
	projectID := fs.String("project-id", "", "Override PROJECT_ID")
	requestID := fs.String("request-id", "", "Idempotency key (generated when empty)")
	signalSeq := fs.Int64("signal-seq", 0, "Monotonic signal sequence")
	taskID := fs.String("task-id", "", "Task the resume answer addresses")
	redisAddr := fs.String("redis", os.Getenv("REDIS_ADDR"), "Redis address for the shared signal queue")

	// Accept flags both before and after the positional arguments.
	positional, flagArgs := splitArgs(args)
	if err := fs.Parse(flagArgs); err != nil {
		return 1
	}
	if len(positional) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		return 1
	}

	action := job.ControlAction(positional[0])
	jobID := positional[1]
	payload := map[string]any{}
	switch action {
	case job.ActionApprove, job.ActionCancel:
	case job.ActionRevise:
		if len(positional) < 3 {
			fmt.Fprintln(os.Stderr, "revise requires a revision text")
			return 1
		}
		payload["revision"] = joinWords(positional[2:])
	case job.ActionResume:
		if len(positional) < 3 {
			fmt.Fprintln(os.Stderr, "resume requires an answer text")
			return 1
		}
		payload["answer"] = joinWords(positional[2:])
		if *taskID != "" {
			payload["task_id"] = *taskID
		}
	default:
		fmt.Fprintln(os.Stderr, usage)
		return 1
	}

	rt, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *projectID != "" {
		rt.Paths.ProjectID = *projectID
	}

	var queue control.SignalQueue
	if *redisAddr != "" {
		queue = ctrlredis.New(goredis.NewClient(&goredis.Options{Addr: *redisAddr}))
	} else {
		queue = ctrlfile.New(rt.Paths.StateDir())
	}
	st, err := storefile.Open(rt.Paths.StateDir())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	plane := control.New(queue, st)
	receipt, err := plane.Emit(context.Background(), jobID, action, payload, *requestID, *signalSeq)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	out, _ := json.MarshalIndent(receipt, "", "  ")
	fmt.Println(string(out))
	return 0
}

// splitArgs separates positional arguments from flag arguments so
// "control resume j1 yes --task-id t1" parses naturally.
func splitArgs(args []string) (positional, flags []string) {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if len(a) > 1 && a[0] == '-' {
			flags = append(flags, a)
			if i+1 < len(args) && !hasEquals(a) {
				flags = append(flags, args[i+1])
				i++
			}
			continue
		}
		positional = append(positional, a)
	}
	return positional, flags
}

func hasEquals(s string) bool {
	for _, c := range s {
		if c == '=' {
			return true
		}
	}
	return false
}

func joinWords(words []string) string {
	out := ""
	for i, w := range words {
		if i > 0 {
			out += " "
		}
		out += w
	}
	return out
}
