// Package redisq provides a Redis-backed message transport for emitflow
// pipelines, so isolated workers can span OS processes: a producer process
// pushes serialized messages onto a Redis list and a consumer process pops
// them.
//
// Use a Queue directly to share one edge between two processes, or use
// Backend to run a whole pipeline with Redis transport on every edge.
// Payloads cross the boundary through a codec; a value that cannot be
// encoded surfaces as a SerializationError fault in the producing worker.
//
// Redis lists are unbounded, so channel capacity is not enforced across
// processes — backpressure applies only to in-process edges.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/emitflow/emitflow/pkg/flow/channel"
	"github.com/emitflow/emitflow/pkg/flow/codec"
	"github.com/emitflow/emitflow/pkg/flow/config"
	"github.com/emitflow/emitflow/pkg/flow/pipe"
)

// Config holds configuration for Redis-backed transport.
type Config struct {
	// Client is the Redis client used for coordination.
	Client redis.UniversalClient

	// Key is the Redis key (for a Queue) or key prefix (for a Backend).
	Key string

	// Codec serializes payloads. Defaults to codec.Default; use codec.JSON
	// when non-Go consumers read the list.
	Codec codec.Codec

	// PopTimeout bounds each blocking pop so a locally closed queue is
	// noticed promptly. Defaults to 250ms.
	PopTimeout time.Duration

	// KeyTTL is refreshed on every push so abandoned runs do not leak
	// keys. Defaults to 1 hour.
	KeyTTL time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.Codec == nil {
		cfg.Codec = codec.Default
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = 250 * time.Millisecond
	}
	if cfg.KeyTTL <= 0 {
		cfg.KeyTTL = time.Hour
	}
	return cfg
}

func (cfg Config) validate() error {
	if cfg.Client == nil {
		return errors.New("redisq: redis client is required")
	}
	if cfg.Key == "" {
		return errors.New("redisq: key is required")
	}
	return nil
}

// envelope is the wire format for one message on the list.
type envelope struct {
	End     bool   `json:"end,omitempty"`
	Fault   string `json:"fault,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

// Queue is a pipe.Channel carried by a Redis list.
type Queue struct {
	cfg    Config
	closed int32
}

// New creates a Queue for one pipeline edge.
func New(cfg Config) (*Queue, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Queue{cfg: cfg.withDefaults()}, nil
}

// Send serializes m and pushes it onto the list.
func (q *Queue) Send(ctx context.Context, m pipe.Message) error {
	if atomic.LoadInt32(&q.closed) != 0 {
		return channel.ErrClosed
	}

	env := envelope{End: m.IsEnd()}
	if fault := m.Fault(); fault != nil {
		env.Fault = fault.Error()
	}
	if !m.IsEnd() {
		data, err := q.cfg.Codec.Encode(m.Payload())
		if err != nil {
			return err
		}
		env.Payload = data
	}

	wire, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("redisq: marshal envelope: %w", err)
	}

	pipeline := q.cfg.Client.TxPipeline()
	pipeline.RPush(ctx, q.cfg.Key, wire)
	pipeline.Expire(ctx, q.cfg.Key, q.cfg.KeyTTL)
	if _, err := pipeline.Exec(ctx); err != nil {
		return fmt.Errorf("redisq: push to %q: %w", q.cfg.Key, err)
	}
	return nil
}

// Receive pops the next message, blocking until one arrives, the context is
// canceled, or the queue is closed locally.
func (q *Queue) Receive(ctx context.Context) (pipe.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return pipe.Message{}, err
		}
		if atomic.LoadInt32(&q.closed) != 0 {
			return pipe.Message{}, channel.ErrClosed
		}

		res, err := q.cfg.Client.BLPop(ctx, q.cfg.PopTimeout, q.cfg.Key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return pipe.Message{}, fmt.Errorf("redisq: pop from %q: %w", q.cfg.Key, err)
		}
		// BLPop returns [key, value].
		return q.decode([]byte(res[1]))
	}
}

func (q *Queue) decode(wire []byte) (pipe.Message, error) {
	var env envelope
	if err := json.Unmarshal(wire, &env); err != nil {
		return pipe.Message{}, fmt.Errorf("redisq: unmarshal envelope: %w", err)
	}
	if env.End {
		if env.Fault != "" {
			return pipe.EndWith(errors.New(env.Fault)), nil
		}
		return pipe.End(), nil
	}
	v, err := q.cfg.Codec.Decode(env.Payload)
	if err != nil {
		return pipe.Message{}, err
	}
	return pipe.Value(v), nil
}

// Close marks the queue closed for this process. The Redis list itself is
// left in place for other consumers; it expires with KeyTTL.
func (q *Queue) Close() error {
	atomic.StoreInt32(&q.closed, 1)
	return nil
}

// Backend runs pipeline workers as goroutines with every edge carried by a
// Redis list. It behaves as an isolated-worker backend: all payloads cross
// stage boundaries serialized.
type Backend struct {
	cfg Config
}

// NewBackend creates a Redis-backed pipe.Backend. Config.Key is used as the
// prefix for per-edge list keys.
func NewBackend(cfg Config) (*Backend, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Backend{cfg: cfg.withDefaults()}, nil
}

// Kind reports the isolated variant: workers share nothing and all
// transport is serialized.
func (b *Backend) Kind() config.Kind { return config.Isolated }

// NewChannel creates a queue on a fresh list key under the configured
// prefix. capacity and onBlock are ignored; Redis lists are unbounded.
func (b *Backend) NewChannel(capacity int, onBlock func()) pipe.Channel {
	cfg := b.cfg
	cfg.Key = fmt.Sprintf("%s:%s", b.cfg.Key, uuid.NewString())
	return &Queue{cfg: cfg}
}

// Spawn starts n workers as goroutines.
func (b *Backend) Spawn(n int, fn func(worker int)) pipe.Join {
	var done = make(chan struct{})
	var remaining = int32(n)
	for i := 0; i < n; i++ {
		go func(worker int) {
			fn(worker)
			if atomic.AddInt32(&remaining, -1) == 0 {
				close(done)
			}
		}(i)
	}
	return func() { <-done }
}
