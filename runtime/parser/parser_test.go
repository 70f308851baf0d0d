package parser

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMessagesDirectives(t *testing.T) {
	messages := []string{
		"working on it\n[TASK_DONE]",
		`[TASK_DONE] {"ok":true}`,
		"[TASK_DONE] {oops",
		"[TASK_WAITING] need api key",
		"[TASK_FAILED]",
	}
	results := ParseMessages(messages)
	require.Len(t, results, 5)

	require.Equal(t, Done, results[0].Type)
	require.Nil(t, results[0].Payload)

	require.Equal(t, Done, results[1].Type)
	require.Equal(t, map[string]any{"ok": true}, results[1].Payload)

	require.Equal(t, Malformed, results[2].Type)

	require.Equal(t, Waiting, results[3].Type)
	require.Equal(t, "need api key", results[3].Question)

	require.Equal(t, Failed, results[4].Type)
}

func TestParseMessagesMarkerMidLine(t *testing.T) {
	results := ParseMessages([]string{"some prefix [TASK_FAILED] {\"error\":\"disk full\"}"})
	require.Len(t, results, 1)
	require.Equal(t, Failed, results[0].Type)
	require.Equal(t, "disk full", results[0].Payload["error"])
}

func TestParseMessagesPlainTextPayload(t *testing.T) {
	results := ParseMessages([]string{"[TASK_DONE] wrote the report"})
	require.Len(t, results, 1)
	require.Equal(t, Done, results[0].Type)
	require.Nil(t, results[0].Payload)
}

func TestParseMessagesNoDirective(t *testing.T) {
	require.Empty(t, ParseMessages([]string{"thinking...", "still thinking"}))
}

func TestParseMessagesMultipleLinesOrdered(t *testing.T) {
	results := ParseMessages([]string{"[TASK_WAITING] q1\n[TASK_DONE]"})
	require.Len(t, results, 2)
	require.Equal(t, Waiting, results[0].Type)
	require.Equal(t, Done, results[1].Type)

	first, ok := First(results)
	require.True(t, ok)
	require.Equal(t, Waiting, first.Type, "executor takes the first directive per burst")
}

func TestFirstEmpty(t *testing.T) {
	_, ok := First(nil)
	require.False(t, ok)
}
