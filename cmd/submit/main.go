// Command submit creates a job from a natural-language goal and prints
// its job_id. The worker daemon picks the job up on its next claim
// pass.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/flowmesh/conductor/internal/config"
	"github.com/flowmesh/conductor/internal/idgen"
	"github.com/flowmesh/conductor/runtime/job"
	"github.com/flowmesh/conductor/runtime/orchestrator"
	storefile "github.com/flowmesh/conductor/runtime/store/file"
)

func main() {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	projectID := fs.String("project-id", "", "Override the derived project id")
	maxAttempts := fs.Int("max-attempts", 3, "Run attempts before the job fails terminally")
	_ = fs.Parse(os.Args[1:])

	goal := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if goal == "" {
		fmt.Fprintln(os.Stderr, "usage: submit [flags] <goal text>")
		os.Exit(1)
	}

	rt, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	jobID, err := idgen.JobID()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *projectID != "" {
		rt.Paths.ProjectID = *projectID
	} else {
		rt.Paths.ProjectID = orchestrator.ProjectID(goal, jobID, "")
	}

	st, err := storefile.Open(rt.Paths.StateDir())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	now := time.Now().UTC()
	created, err := st.CreateJob(context.Background(), job.Job{
		ID:          jobID,
		ProjectID:   rt.Paths.ProjectID,
		Goal:        goal,
		Status:      job.JobQueued,
		Audit:       job.Audit{Decision: job.AuditPending},
		MaxAttempts: *maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	_ = st.AppendEvent(context.Background(), job.Event{
		JobID:   created.ID,
		Name:    "job_submitted",
		Payload: map[string]any{"project_id": created.ProjectID},
	})

	fmt.Println(created.ID)
}
