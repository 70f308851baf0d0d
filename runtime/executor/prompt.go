package executor

import (
	"strings"

	"github.com/flowmesh/conductor/runtime/job"
)

// BuildPrompt renders the exact textual contract a task's agent must
// obey (§4.6): the task fields, the shared artifacts directory, the
// output-filename rules, and the three terminal directives.
func BuildPrompt(t job.Task, artifactsDir string) string {
	var b strings.Builder
	b.WriteString("Task: " + t.Title + "\n")
	b.WriteString("Description: " + t.Description + "\n")
	b.WriteString("Inputs:\n")
	writeList(&b, t.Inputs)
	b.WriteString("Required Outputs:\n")
	writeList(&b, t.Outputs)
	b.WriteString("Done Criteria:\n")
	writeList(&b, t.DoneWhen)
	b.WriteString("Shared artifacts directory: " + artifactsDir + "\n")
	b.WriteString("Rules:\n")
	b.WriteString("- Write every declared output file into the shared artifacts directory.\n")
	b.WriteString("- If an input refers to an artifact filename, read it from that directory.\n")
	b.WriteString("- Use exact output filenames.\n")
	b.WriteString("When finished output exactly: [TASK_DONE]\n")
	b.WriteString("If impossible output exactly:  [TASK_FAILED]\n")
	b.WriteString("If you need user input output exactly: [TASK_WAITING] <question>\n")
	return b.String()
}

func writeList(b *strings.Builder, items []string) {
	for _, it := range items {
		b.WriteString("- " + it + "\n")
	}
}
