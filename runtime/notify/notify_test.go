package notify

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/conductor/internal/retry"
)

type recordingChannel struct {
	mu     sync.Mutex
	events []Event
	fail   int // fail the first n sends
}

func (c *recordingChannel) Send(_ context.Context, e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail > 0 {
		c.fail--
		return &retry.HTTPStatusError{StatusCode: http.StatusServiceUnavailable, Message: "unreachable"}
	}
	c.events = append(c.events, e)
	return nil
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestFanOutByAgent(t *testing.T) {
	backend := &recordingChannel{}
	wildcard := &recordingChannel{}
	n := New(MapResolver{Bindings: map[string]Channel{"backend": backend}, Wildcard: wildcard}, nil, 16)
	n.Start(context.Background())

	n.Send(context.Background(), Event{Agent: "backend", Kind: "task_completed"})
	n.Send(context.Background(), Event{Agent: "frontend", Kind: "task_failed"})
	n.Close(time.Second)

	require.Equal(t, 1, backend.count())
	require.Equal(t, 1, wildcard.count())
	require.Equal(t, "task_failed", wildcard.events[0].Kind)
}

func TestOverflowDropsWithoutBlocking(t *testing.T) {
	ch := &recordingChannel{}
	n := New(MapResolver{Wildcard: ch}, nil, 1)
	// Not started: the queue cannot drain, so the second send overflows.
	n.Send(context.Background(), Event{Kind: "a"})

	done := make(chan struct{})
	go func() {
		n.Send(context.Background(), Event{Kind: "b"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a full queue")
	}

	n.Start(context.Background())
	n.Close(time.Second)
	require.Equal(t, 1, ch.count(), "the overflowed event was dropped")
}

func TestDeliveryRetries(t *testing.T) {
	ch := &recordingChannel{fail: 1}
	n := New(MapResolver{Wildcard: ch}, nil, 16)
	n.Start(context.Background())
	n.Send(context.Background(), Event{Kind: "x"})
	n.Close(10 * time.Second)

	require.Equal(t, 1, ch.count(), "one retry recovers a single failure")
}

func TestNilChannelIsDiscarded(t *testing.T) {
	n := New(MapResolver{}, nil, 4)
	n.Start(context.Background())
	n.Send(context.Background(), Event{Agent: "ghost"})
	n.Close(time.Second)
}

func TestCloseFlushes(t *testing.T) {
	ch := &recordingChannel{}
	n := New(MapResolver{Wildcard: ch}, nil, 64)
	n.Start(context.Background())
	for i := 0; i < 20; i++ {
		n.Send(context.Background(), Event{Kind: "k"})
	}
	n.Close(time.Second)
	require.Equal(t, 20, ch.count())
}
