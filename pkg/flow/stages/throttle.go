package stages

import (
	"sync"
	"time"

	"github.com/emitflow/emitflow/pkg/flow/pipe"
)

// Throttle returns a pass-through stage that limits throughput to rate
// values per second, with a token bucket of the given burst capacity. Values
// beyond the available tokens block the worker, which propagates as
// backpressure to the upstream stage. All workers of the stage draw from one
// bucket, so the configured rate bounds the stage as a whole.
func Throttle(rate float64, burst int) pipe.Stage {
	if rate <= 0 {
		panic("stages: throttle rate must be positive")
	}
	if burst <= 0 {
		burst = 1
	}
	return &throttle{
		rate:   rate,
		burst:  float64(burst),
		tokens: float64(burst),
		last:   time.Now(),
	}
}

type throttle struct {
	rate  float64
	burst float64

	mu     sync.Mutex
	tokens float64
	last   time.Time
}

func (s *throttle) Process(e *pipe.Emitter, v any) error {
	if delay := s.take(); delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-e.Context().Done():
			return e.Context().Err()
		}
	}
	return e.Emit(v)
}

// take consumes one token, returning how long the caller must wait for the
// token it just spent to have been available.
func (s *throttle) take() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.tokens += now.Sub(s.last).Seconds() * s.rate
	if s.tokens > s.burst {
		s.tokens = s.burst
	}
	s.last = now

	s.tokens--
	if s.tokens >= 0 {
		return 0
	}
	return time.Duration(-s.tokens / s.rate * float64(time.Second))
}
