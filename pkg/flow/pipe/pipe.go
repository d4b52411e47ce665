package pipe

import (
	"fmt"
	"strings"
	"sync"
)

// DefaultBuffer is the input channel capacity used when Config.Buffer is
// unset.
const DefaultBuffer = 100

// Config holds per-stage configuration.
type Config struct {
	// Name identifies the stage in logs, metrics and faults. Defaults to
	// the stage value's type name.
	Name string

	// Concurrency is the number of identical workers spawned for this
	// stage. All workers share one input and one output channel. Defaults
	// to 1; the synchronous backend always runs a single worker.
	Concurrency int

	// Buffer is the capacity of this stage's input channel. A full buffer
	// blocks upstream emitters. Defaults to DefaultBuffer.
	Buffer int
}

// Pipe wraps one Stage as a node in a linear pipeline. Build chains with
// Into, then run them once with Execute, Start or Results. A Pipe belongs to
// at most one chain and a chain runs at most once.
type Pipe struct {
	stage Stage
	cfg   Config

	upstream   *Pipe
	downstream *Pipe

	// Run wiring, assigned when the chain starts.
	in, out         Channel
	workers         int
	upstreamWorkers int
	endsSeen        int32

	startMu sync.Mutex
	started bool
}

// New wraps a stage with default configuration.
func New(stage Stage) *Pipe {
	return NewWithConfig(stage, Config{})
}

// NewWithConfig wraps a stage with the specified configuration. It panics if
// the stage is nil or implements none of the lifecycle interfaces.
func NewWithConfig(stage Stage, cfg Config) *Pipe {
	if stage == nil {
		panic("pipe: stage must not be nil")
	}
	if !hasLifecycle(stage) {
		panic(fmt.Sprintf("pipe: %T implements no stage lifecycle interface", stage))
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	if cfg.Name == "" {
		cfg.Name = strings.TrimPrefix(fmt.Sprintf("%T", stage), "*")
	}
	return &Pipe{stage: stage, cfg: cfg}
}

func hasLifecycle(stage Stage) bool {
	switch stage.(type) {
	case SetupStage, ProcessStage, TeardownStage:
		return true
	}
	return false
}

// Into attaches next as the sole downstream of p and returns next, so calls
// chain head-to-tail:
//
//	tail := pipe.New(src).Into(pipe.New(xform)).Into(pipe.New(sink))
//
// It panics when either pipe is already connected on the joined side or
// already running; branching and merging topologies are not supported.
func (p *Pipe) Into(next *Pipe) *Pipe {
	if next == nil {
		panic("pipe: Into(nil)")
	}
	if p.downstream != nil {
		panic(fmt.Sprintf("pipe: stage %q already has a downstream", p.Name()))
	}
	if next.upstream != nil {
		panic(fmt.Sprintf("pipe: stage %q already has an upstream", next.Name()))
	}
	if p.started || next.started {
		panic("pipe: cannot rewire a pipeline that has been started")
	}
	p.downstream = next
	next.upstream = p
	return next
}

// Name returns the stage's configured name.
func (p *Pipe) Name() string { return p.cfg.Name }

// chain returns every pipe in p's chain, head first. The entry points accept
// any node of the chain, so walk both directions.
func (p *Pipe) chain() []*Pipe {
	head := p
	for head.upstream != nil {
		head = head.upstream
	}
	var stages []*Pipe
	for s := head; s != nil; s = s.downstream {
		stages = append(stages, s)
	}
	return stages
}
