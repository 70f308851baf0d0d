// Package redis provides the shared SignalQueue used when multiple
// worker processes coordinate signal delivery: pending signals travel
// through a Redis list (RPUSH on emit, atomic LPOP batch on drain),
// and request-id dedupe uses SET NX keys with a TTL so the dedupe set
// does not grow forever.
package redis

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/flowmesh/conductor/internal/errkind"
	"github.com/flowmesh/conductor/runtime/job"
)

const (
	defaultListKey    = "conductor:signals"
	defaultDedupeTTL  = 24 * time.Hour
	dedupeKeyPrefix   = "conductor:signal_req:"
	drainBatchMaximum = 512
)

// Queue is a Redis-backed control.SignalQueue.
type Queue struct {
	client    goredis.UniversalClient
	listKey   string
	dedupeTTL time.Duration
}

// Option configures the Queue.
type Option func(*Queue)

// WithListKey overrides the Redis list key signals travel through.
func WithListKey(key string) Option {
	return func(q *Queue) { q.listKey = key }
}

// WithDedupeTTL overrides how long emitted request ids are remembered.
func WithDedupeTTL(ttl time.Duration) Option {
	return func(q *Queue) { q.dedupeTTL = ttl }
}

// New builds a Queue over an already-configured Redis client.
func New(client goredis.UniversalClient, opts ...Option) *Queue {
	q := &Queue{client: client, listKey: defaultListKey, dedupeTTL: defaultDedupeTTL}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// Emit implements control.SignalQueue.
func (q *Queue) Emit(ctx context.Context, s job.ControlSignal) (bool, error) {
	if s.RequestID != "" {
		ok, err := q.client.SetNX(ctx, dedupeKeyPrefix+s.RequestID, "1", q.dedupeTTL).Result()
		if err != nil {
			return false, errkind.New(errkind.Resource, "redis.Queue.Emit", err)
		}
		if !ok {
			return true, nil
		}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return false, errkind.New(errkind.Validation, "redis.Queue.Emit", err)
	}
	if err := q.client.RPush(ctx, q.listKey, data).Err(); err != nil {
		return false, errkind.New(errkind.Resource, "redis.Queue.Emit", err)
	}
	return false, nil
}

// Drain implements control.SignalQueue. LPopCount removes a batch
// atomically, so two workers draining concurrently never see the same
// signal.
func (q *Queue) Drain(ctx context.Context) ([]job.ControlSignal, error) {
	var out []job.ControlSignal
	for {
		raw, err := q.client.LPopCount(ctx, q.listKey, drainBatchMaximum).Result()
		if err == goredis.Nil {
			return out, nil
		}
		if err != nil {
			return nil, errkind.New(errkind.Resource, "redis.Queue.Drain", err)
		}
		for _, item := range raw {
			var s job.ControlSignal
			if err := json.Unmarshal([]byte(item), &s); err != nil {
				// A corrupt entry is dropped rather than wedging the queue.
				continue
			}
			out = append(out, s)
		}
		if len(raw) < drainBatchMaximum {
			return out, nil
		}
	}
}
