// Package taskschema validates a decomposition's task list against the
// bit-exact JSON schema in §6.2, using
// github.com/santhosh-tekuri/jsonschema/v6 the way the teacher's
// registry service validates tool call payloads against a
// caller-supplied schema.
package taskschema

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaJSON is the task list schema from spec §6.2, transcribed
// literally as JSON Schema draft 2020-12.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["tasks"],
  "properties": {
    "tasks": {
      "type": "array",
      "minItems": 3,
      "maxItems": 8,
      "items": {
        "type": "object",
        "required": ["id", "title", "status", "deps", "inputs", "outputs", "done_when", "task_type"],
        "properties": {
          "id": { "type": "string", "pattern": "^tsk_[0-9A-Z]{26}$" },
          "title": { "type": "string", "minLength": 3 },
          "description": { "type": "string" },
          "status": { "enum": ["pending", "ready", "running", "waiting", "done", "failed"] },
          "deps": { "type": "array", "items": { "type": "string" } },
          "inputs": { "type": "array", "items": { "type": "string" } },
          "outputs": { "type": "array", "items": { "type": "string" } },
          "done_when": { "type": "array", "minItems": 1, "items": { "type": "string" } },
          "task_type": { "enum": ["implement", "test", "integrate", "docs", "ops", "research", "coordination"] },
          "assigned_to": { "type": ["string", "null"] },
          "subtasks": { "type": "array", "maxItems": 6, "items": { "type": "string" } }
        }
      }
    }
  }
}`

var compiled *jsonschema.Schema

func init() {
	var doc any
	if err := json.Unmarshal([]byte(schemaJSON), &doc); err != nil {
		panic(fmt.Sprintf("taskschema: invalid embedded schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("task-plan.json", doc); err != nil {
		panic(fmt.Sprintf("taskschema: add resource: %v", err))
	}
	s, err := c.Compile("task-plan.json")
	if err != nil {
		panic(fmt.Sprintf("taskschema: compile: %v", err))
	}
	compiled = s
}

// Validate checks raw decomposition JSON against the task plan schema.
// The returned error, when non-nil, is suitable to feed back into a
// single LLM repair round (§4.7 step 3).
func Validate(raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("taskschema: decode plan: %w", err)
	}
	return compiled.Validate(doc)
}
