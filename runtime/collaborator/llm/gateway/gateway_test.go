package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/conductor/internal/errkind"
	"github.com/flowmesh/conductor/runtime/collaborator/llm"
)

type fakeProvider struct {
	name    string
	content string
	err     error
	calls   int
}

func (f *fakeProvider) Complete(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
	f.calls++
	if f.err != nil {
		return llm.CompletionResponse{}, f.err
	}
	return llm.CompletionResponse{Content: f.content}, nil
}

func (f *fakeProvider) Name() string { return f.name }

func TestRequiresProvider(t *testing.T) {
	_, err := New("model")
	require.True(t, errkind.Is(err, errkind.Validation))
}

func TestFallsThroughProviders(t *testing.T) {
	broken := &fakeProvider{name: "a", err: errors.New("down")}
	healthy := &fakeProvider{name: "b", content: `{"tasks":[]}`}
	g, err := New("model", broken, healthy)
	require.NoError(t, err)

	raw, err := g.Decompose(context.Background(), "goal", "")
	require.NoError(t, err)
	require.JSONEq(t, `{"tasks":[]}`, string(raw))
	require.Equal(t, 1, broken.calls)
	require.Equal(t, 1, healthy.calls)
}

func TestAllProvidersFailing(t *testing.T) {
	g, err := New("model", &fakeProvider{name: "a", err: errors.New("down")})
	require.NoError(t, err)

	_, err = g.Decompose(context.Background(), "goal", "")
	require.True(t, errkind.Is(err, errkind.Transient))
}

func TestRouteTaskParsesDecision(t *testing.T) {
	p := &fakeProvider{name: "a", content: "Sure!\n```json\n{\"assigned_to\":\"backend\",\"confidence\":0.8}\n```"}
	g, err := New("model", p)
	require.NoError(t, err)

	agent, confidence, err := g.RouteTask(context.Background(), []string{"backend"}, "t", "d")
	require.NoError(t, err)
	require.Equal(t, "backend", agent)
	require.InDelta(t, 0.8, confidence, 1e-9)
}

func TestRouteTaskRejectsNonJSON(t *testing.T) {
	g, err := New("model", &fakeProvider{name: "a", content: "no json here"})
	require.NoError(t, err)
	_, _, err = g.RouteTask(context.Background(), []string{"backend"}, "t", "d")
	require.True(t, errkind.Is(err, errkind.Validation))
}

func TestExtractJSON(t *testing.T) {
	require.Equal(t, `{"a":1}`, extractJSON("prose before {\"a\":1} prose after"))
	require.Equal(t, `{"a":1}`, extractJSON("```json\n{\"a\":1}\n```"))
	require.Equal(t, "no braces", extractJSON("no braces"))
}
