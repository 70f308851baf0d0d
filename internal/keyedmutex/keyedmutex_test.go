package keyedmutex

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSameKeySerializes(t *testing.T) {
	s := New(16)
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.With("job-1", func() { counter++ })
		}()
	}
	wg.Wait()
	require.Equal(t, 100, counter)
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	s := New(16)
	s.Lock("a")
	done := make(chan struct{})
	go func() {
		// "a" and "b" land on different stripes of a 16-stripe set.
		s.With("b", func() {})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal(`locking "b" blocked while "a" was held`)
	}
	s.Unlock("a")
}

func TestZeroStripesRoundsUp(t *testing.T) {
	s := New(0)
	s.With("x", func() {})
}
