package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/conductor/runtime/engine"
)

func TestSignalRoundTrip(t *testing.T) {
	c := New()
	ch := c.SignalChannel(engine.SignalResume)
	ch.Send(engine.ResumePayload{TaskID: "t1", Answer: "yes"})

	var got engine.ResumePayload
	require.True(t, ch.ReceiveAsync(&got))
	require.Equal(t, "yes", got.Answer)
	require.False(t, ch.ReceiveAsync(&got), "channel drained")
}

func TestSameNameSameChannel(t *testing.T) {
	c := New()
	c.SignalChannel("x").Send("hello")
	var got string
	require.True(t, c.SignalChannel("x").ReceiveAsync(&got))
	require.Equal(t, "hello", got)
}

func TestReceiveBlocksUntilSend(t *testing.T) {
	c := New()
	ch := c.SignalChannel(engine.SignalCancel)
	go func() {
		time.Sleep(10 * time.Millisecond)
		ch.Send(engine.CancelPayload{Reason: "operator"})
	}()

	var got engine.CancelPayload
	require.NoError(t, ch.Receive(context.Background(), &got))
	require.Equal(t, "operator", got.Reason)
}

func TestReceiveHonorsContext(t *testing.T) {
	c := New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	var got string
	require.ErrorIs(t, c.SignalChannel("never").Receive(ctx, &got), context.DeadlineExceeded)
}

func TestRegistry(t *testing.T) {
	reg := engine.NewRegistry(func() engine.Context { return New() })

	require.False(t, reg.Signal("r1", engine.SignalResume, nil), "not live yet")

	eng := reg.Attach("r1")
	require.Same(t, eng, reg.Attach("r1"), "attach is idempotent")

	require.True(t, reg.Signal("r1", engine.SignalResume, engine.ResumePayload{Answer: "ok"}))
	var got engine.ResumePayload
	require.True(t, eng.SignalChannel(engine.SignalResume).ReceiveAsync(&got))
	require.Equal(t, "ok", got.Answer)

	reg.Detach("r1")
	require.False(t, reg.Signal("r1", engine.SignalResume, nil))
}
