// Command status prints the externally observable status view for a
// job: the reconciled status_view, the underlying job and run statuses,
// and any divergence between the run-status sources.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/flowmesh/conductor/internal/config"
	"github.com/flowmesh/conductor/internal/snapshot"
	"github.com/flowmesh/conductor/runtime/status"
	storefile "github.com/flowmesh/conductor/runtime/store/file"
)

func main() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	projectID := fs.String("project-id", "", "Override PROJECT_ID")
	_ = fs.Parse(os.Args[1:])

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: status [flags] <job_id>")
		os.Exit(1)
	}
	jobID := fs.Arg(0)

	rt, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *projectID != "" {
		rt.Paths.ProjectID = *projectID
	}

	st, err := storefile.Open(rt.Paths.StateDir())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	j, err := st.GetJob(context.Background(), jobID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	// Querying the job view refreshes its human-readable snapshot.
	_ = snapshot.Write(rt.Paths.SnapshotsDir(), j.ID, j)

	runs := status.NewRunsFile(rt.Paths.TemporalRunsFile())
	sources, err := runs.SourcesFor(j)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	view, divergence, err := status.Resolve(j, sources)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	out := map[string]any{
		"status_view": view,
		"job_status":  j.Status,
		"run_id":      j.RunID,
		"run_status":  j.LastResult.Status,
	}
	if j.Error != "" {
		out["error"] = j.Error
	}
	if divergence != nil {
		out["status_divergence"] = divergence
	}
	data, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(data))
}
