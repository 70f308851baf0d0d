// Package inmem provides the default in-process engine.Context backend,
// suitable for a single-worker deployment and for tests. Each run gets
// its own set of buffered, lazily created channels keyed by signal name.
package inmem

import (
	"context"
	"reflect"
	"sync"

	"github.com/flowmesh/conductor/runtime/engine"
)

// Context is an in-memory engine.Context. It is safe for concurrent use.
type Context struct {
	mu   sync.Mutex
	sigs map[string]*channel
}

// New returns a fresh in-memory engine context for one run.
func New() *Context {
	return &Context{sigs: make(map[string]*channel)}
}

// SignalChannel implements engine.Context.
func (c *Context) SignalChannel(name string) engine.SignalChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.sigs[name]
	if !ok {
		ch = &channel{ch: make(chan any, 16)}
		c.sigs[name] = ch
	}
	return ch
}

type channel struct {
	ch chan any
}

func (c *channel) Receive(ctx context.Context, dest any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case v := <-c.ch:
		assign(dest, v)
		return nil
	}
}

func (c *channel) ReceiveAsync(dest any) bool {
	select {
	case v := <-c.ch:
		assign(dest, v)
		return true
	default:
		return false
	}
}

func (c *channel) Send(value any) {
	c.ch <- value
}

// assign copies src into the value dst points to, when the dynamic
// types line up. It mirrors the defensive reflect-based assignment the
// teacher's in-memory workflow engine uses so callers can pass any
// concrete signal payload type without the channel needing to know it
// ahead of time.
func assign(dst any, src any) {
	if dst == nil || src == nil {
		return
	}
	dv := reflect.ValueOf(dst)
	if dv.Kind() != reflect.Ptr || dv.IsNil() {
		return
	}
	sv := reflect.ValueOf(src)
	if sv.IsValid() && sv.Type().AssignableTo(dv.Elem().Type()) {
		dv.Elem().Set(sv)
	}
}
