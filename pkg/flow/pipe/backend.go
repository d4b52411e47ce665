package pipe

import (
	"context"
	"sync"

	"github.com/emitflow/emitflow/pkg/flow/channel"
	"github.com/emitflow/emitflow/pkg/flow/codec"
	"github.com/emitflow/emitflow/pkg/flow/config"
)

// Channel is the transport for one edge between adjacent stages. Backends
// supply implementations; external transports (e.g. redisq) may provide
// their own.
type Channel interface {
	Send(ctx context.Context, m Message) error
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// Join blocks until every worker spawned by the corresponding Spawn call has
// returned.
type Join func()

// Backend supplies the concurrency substrate for a pipeline: how workers are
// created and how messages move between stages. The backend is chosen once,
// when the pipeline starts.
type Backend interface {
	// Kind identifies the backend variant.
	Kind() config.Kind

	// NewChannel creates the transport for one edge. onBlock is invoked
	// each time a send has to wait for space; it may be nil.
	NewChannel(capacity int, onBlock func()) Channel

	// Spawn starts n workers running fn, each with its worker index.
	Spawn(n int, fn func(worker int)) Join
}

// BackendFor returns the backend implementation for a registry kind,
// defaulting to the isolated backend for unknown values.
func BackendFor(kind config.Kind) Backend {
	switch kind {
	case config.SharedMemory:
		return SharedBackend{}
	case config.Synchronous:
		return SyncBackend{}
	default:
		return IsolatedBackend{}
	}
}

func goSpawn(n int, fn func(worker int)) Join {
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			fn(worker)
		}(i)
	}
	return wg.Wait
}

// SharedBackend runs workers as goroutines over in-process bounded
// channels. Payloads are passed by reference with no serialization cost;
// effective CPU parallelism is whatever the Go scheduler provides, which
// suits I/O-bound and CPU-bound stages alike, but stages must not mutate a
// value after emitting it.
type SharedBackend struct{}

func (SharedBackend) Kind() config.Kind { return config.SharedMemory }

func (SharedBackend) NewChannel(capacity int, onBlock func()) Channel {
	return channel.NewWithConfig[Message](channel.Config{Capacity: capacity, OnBlock: onBlock})
}

func (SharedBackend) Spawn(n int, fn func(worker int)) Join { return goSpawn(n, fn) }

// IsolatedBackend runs workers as goroutines but round-trips every payload
// through a codec at the channel boundary, so no worker ever observes
// another worker's memory. Payload types must satisfy the codec contract;
// values that do not produce a SerializationError fault. This is the
// default backend.
type IsolatedBackend struct {
	// Codec used at the boundary. Defaults to codec.Default.
	Codec codec.Codec
}

func (IsolatedBackend) Kind() config.Kind { return config.Isolated }

func (b IsolatedBackend) NewChannel(capacity int, onBlock func()) Channel {
	c := b.Codec
	if c == nil {
		c = codec.Default
	}
	return &codecChannel{
		inner: channel.NewWithConfig[Message](channel.Config{Capacity: capacity, OnBlock: onBlock}),
		codec: c,
	}
}

func (IsolatedBackend) Spawn(n int, fn func(worker int)) Join { return goSpawn(n, fn) }

// codecChannel deep-copies payloads through a codec on send. Sentinels pass
// through untouched.
type codecChannel struct {
	inner channel.Channel[Message]
	codec codec.Codec
}

func (c *codecChannel) Send(ctx context.Context, m Message) error {
	if m.IsEnd() {
		return c.inner.Send(ctx, m)
	}
	data, err := c.codec.Encode(m.Payload())
	if err != nil {
		return err
	}
	v, err := c.codec.Decode(data)
	if err != nil {
		return err
	}
	return c.inner.Send(ctx, Value(v))
}

func (c *codecChannel) Receive(ctx context.Context) (Message, error) {
	return c.inner.Receive(ctx)
}

func (c *codecChannel) Close() error { return c.inner.Close() }

// SyncBackend runs the pipeline without concurrency: each stage executes to
// full completion, on the calling goroutine, before the next stage starts.
// Every stage runs a single worker regardless of its configured concurrency,
// and edges are unbounded so a completed stage's entire output can queue.
// Intended for deterministic testing.
type SyncBackend struct{}

func (SyncBackend) Kind() config.Kind { return config.Synchronous }

func (SyncBackend) NewChannel(capacity int, onBlock func()) Channel {
	return channel.NewUnbounded[Message]()
}

func (SyncBackend) Spawn(n int, fn func(worker int)) Join {
	fn(0)
	return func() {}
}
