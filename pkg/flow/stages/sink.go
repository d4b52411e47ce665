package stages

import (
	"fmt"
	"io"
	"sync"

	"github.com/emitflow/emitflow/pkg/flow/pipe"
)

// WriteTo returns a sink stage that writes each received value to w as a
// line. Writes are serialized, so the stage is safe to run with more than
// one worker.
func WriteTo(w io.Writer) pipe.Stage {
	return &writeTo{w: w}
}

type writeTo struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *writeTo) Process(e *pipe.Emitter, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintln(s.w, v)
	return err
}
