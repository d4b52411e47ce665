package pipe

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	flowerrors "github.com/emitflow/emitflow/pkg/common/errors"
	"github.com/emitflow/emitflow/pkg/flow/config"
)

var (
	// ErrAlreadyStarted is returned when a chain is started a second time.
	ErrAlreadyStarted = errors.New("pipeline has already been started")

	// ErrNotCollecting is returned by Run.Results when the run was started
	// without result collection.
	ErrNotCollecting = errors.New("run was started without result collection")
)

// RunConfig holds per-run options. The zero value selects the backend from
// the process-wide registry, logs nothing and collects nothing.
type RunConfig struct {
	// Backend overrides the process-wide registry selection for this run.
	Backend Backend

	// Collect retains every value emitted by the terminal stage so
	// Run.Results can return it. Results and ResultsWithConfig set this
	// implicitly.
	Collect bool

	// Logger receives worker lifecycle and fault events. Defaults to a
	// no-op logger.
	Logger *zap.Logger

	// Observer receives engine events, e.g. for Prometheus instrumentation.
	Observer Observer
}

// Observer receives engine events for one run. Implementations must be safe
// for concurrent use.
type Observer interface {
	WorkerStarted(stage string, worker int)
	WorkerFinished(stage string, worker int, d time.Duration)
	MessageEmitted(stage string)
	SendBlocked(stage string)
	FaultRecorded(stage string, err error)
}

type noopObserver struct{}

func (noopObserver) WorkerStarted(string, int)                 {}
func (noopObserver) WorkerFinished(string, int, time.Duration) {}
func (noopObserver) MessageEmitted(string)                     {}
func (noopObserver) SendBlocked(string)                        {}
func (noopObserver) FaultRecorded(string, error)               {}

// Run is a single execution of a pipeline chain.
type Run struct {
	// ID uniquely identifies this run in logs and faults.
	ID string

	backend  Backend
	logger   *zap.Logger
	observer Observer
	collect  bool
	done     chan struct{}

	mu      sync.Mutex
	faults  []error
	results []any
}

// Execute starts every stage's workers in upstream-to-downstream order and
// blocks until the terminal stage's workers have finished. Terminal output
// is discarded. The returned error aggregates any worker faults.
func (p *Pipe) Execute(ctx context.Context) error {
	return p.ExecuteWithConfig(ctx, RunConfig{})
}

// ExecuteWithConfig is Execute with per-run options.
func (p *Pipe) ExecuteWithConfig(ctx context.Context, cfg RunConfig) error {
	r, err := p.start(ctx, cfg)
	if err != nil {
		return err
	}
	return r.Wait()
}

// Start begins execution and returns immediately; the pipeline continues
// running on its backend's concurrency substrate. Wait on the returned Run
// to observe completion and faults.
func (p *Pipe) Start(ctx context.Context) (*Run, error) {
	return p.StartWithConfig(ctx, RunConfig{})
}

// StartWithConfig is Start with per-run options.
func (p *Pipe) StartWithConfig(ctx context.Context, cfg RunConfig) (*Run, error) {
	return p.start(ctx, cfg)
}

// Results starts the pipeline, blocks until completion and returns every
// value emitted by the terminal stage. When the terminal stage runs more
// than one worker the order reflects emission order under scheduling, not
// input order.
func (p *Pipe) Results(ctx context.Context) ([]any, error) {
	return p.ResultsWithConfig(ctx, RunConfig{})
}

// ResultsWithConfig is Results with per-run options.
func (p *Pipe) ResultsWithConfig(ctx context.Context, cfg RunConfig) ([]any, error) {
	cfg.Collect = true
	r, err := p.start(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return r.Results()
}

func (p *Pipe) start(ctx context.Context, cfg RunConfig) (*Run, error) {
	stages := p.chain()

	head := stages[0]
	head.startMu.Lock()
	for _, s := range stages {
		if s.started {
			head.startMu.Unlock()
			return nil, ErrAlreadyStarted
		}
	}
	for _, s := range stages {
		s.started = true
	}
	head.startMu.Unlock()

	backend := cfg.Backend
	if backend == nil {
		backend = BackendFor(config.Get())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = noopObserver{}
	}

	run := &Run{
		ID:       uuid.NewString(),
		backend:  backend,
		logger:   logger,
		observer: observer,
		collect:  cfg.Collect,
		done:     make(chan struct{}),
	}

	synchronous := backend.Kind() == config.Synchronous
	for i, s := range stages {
		s.workers = s.cfg.Concurrency
		if synchronous {
			s.workers = 1
		}
		if i > 0 {
			s.upstreamWorkers = stages[i-1].workers
		}
	}

	// Every edge must exist before any worker starts, so a stage is ready
	// to receive before its upstream begins emitting.
	for i := 0; i < len(stages)-1; i++ {
		down := stages[i+1]
		name := down.Name()
		edge := backend.NewChannel(down.cfg.Buffer, func() {
			observer.SendBlocked(name)
		})
		stages[i].out = edge
		down.in = edge
	}

	logger.Info("pipeline starting",
		zap.String("run_id", run.ID),
		zap.String("backend", string(backend.Kind())),
		zap.Int("stages", len(stages)))

	joins := make([]Join, 0, len(stages))
	for _, s := range stages {
		s := s
		joins = append(joins, backend.Spawn(s.workers, func(worker int) {
			run.runWorker(ctx, s, worker)
		}))
	}

	go func() {
		for _, join := range joins {
			join()
		}
		logger.Info("pipeline finished", zap.String("run_id", run.ID))
		close(run.done)
	}()

	return run, nil
}

// runWorker is one worker's lifecycle: setup, consume-and-process until the
// input barrier lifts, teardown. The worker always delivers its end sentinel
// downstream, even after a fault, so the downstream barrier cannot stall.
func (r *Run) runWorker(ctx context.Context, p *Pipe, worker int) {
	start := time.Now()
	r.observer.WorkerStarted(p.Name(), worker)
	em := &Emitter{ctx: ctx, run: r, pipe: p, worker: worker}

	stage := p.stage
	if c, ok := stage.(Cloner); ok && p.workers > 1 {
		stage = c.Clone()
	}

	defer func() {
		if p.out != nil {
			if err := p.out.Send(ctx, End()); err != nil {
				r.logger.Warn("end sentinel not delivered",
					zap.String("run_id", r.ID),
					zap.String("stage", p.Name()),
					zap.Int("worker", worker),
					zap.Error(err))
			}
		}
		r.observer.WorkerFinished(p.Name(), worker, time.Since(start))
	}()

	faulted := false
	if s, ok := stage.(SetupStage); ok {
		if err := r.runPhase(p, worker, flowerrors.PhaseSetup, func() error { return s.Setup(em) }); err != nil {
			faulted = true
		}
	}

	if p.in != nil {
		proc, canProcess := stage.(ProcessStage)
		for {
			m, ok := r.nextValue(ctx, p)
			if !ok {
				break
			}
			// A faulted worker keeps draining its share of the input
			// so upstream emitters are never left blocked on a full
			// channel.
			if faulted || !canProcess {
				continue
			}
			if err := r.runPhase(p, worker, flowerrors.PhaseProcess, func() error { return proc.Process(em, m.Payload()) }); err != nil {
				faulted = true
			}
		}
	}

	if faulted {
		return
	}
	if t, ok := stage.(TeardownStage); ok {
		_ = r.runPhase(p, worker, flowerrors.PhaseTeardown, func() error { return t.Teardown(em) })
	}
}

// nextValue returns the next value message from the stage input. ok is false
// once every upstream worker has delivered its end sentinel; the last worker
// to observe the barrier closes the input to release its siblings.
func (r *Run) nextValue(ctx context.Context, p *Pipe) (Message, bool) {
	for {
		m, err := p.in.Receive(ctx)
		if err != nil {
			return Message{}, false
		}
		if !m.IsEnd() {
			return m, true
		}
		if fault := m.Fault(); fault != nil {
			// Sentinel from an external transport; the fault was
			// recorded in the producing process, surface it here too.
			r.recordFault(p.upstream.Name(), fault)
		}
		if int(atomic.AddInt32(&p.endsSeen, 1)) >= p.upstreamWorkers {
			_ = p.in.Close()
			return Message{}, false
		}
	}
}

// runPhase invokes one lifecycle phase, converting an error return or a
// panic into a recorded PhaseError.
func (r *Run) runPhase(p *Pipe, worker int, phase flowerrors.Phase, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
		}
		if err != nil {
			pe := &flowerrors.PhaseError{Phase: phase, Stage: p.Name(), Worker: worker, Err: err}
			r.recordFault(p.Name(), pe)
			err = pe
		}
	}()
	return fn()
}

func (r *Run) recordFault(stage string, fault error) {
	r.mu.Lock()
	r.faults = append(r.faults, fault)
	r.mu.Unlock()
	r.logger.Warn("worker fault",
		zap.String("run_id", r.ID),
		zap.String("stage", stage),
		zap.Error(fault))
	r.observer.FaultRecorded(stage, fault)
}

func (r *Run) capture(v any) {
	if !r.collect {
		return
	}
	r.mu.Lock()
	r.results = append(r.results, v)
	r.mu.Unlock()
}

// Wait blocks until every stage's workers have finished and returns the
// accumulated worker faults, if any.
func (r *Run) Wait() error {
	<-r.done
	return r.err()
}

// Done returns a channel closed when the run completes.
func (r *Run) Done() <-chan struct{} { return r.done }

// Results blocks until completion and returns the values collected from the
// terminal stage. The run must have been started with Collect set (Results
// on Pipe does this automatically).
func (r *Run) Results() ([]any, error) {
	<-r.done
	if !r.collect {
		return nil, ErrNotCollecting
	}
	r.mu.Lock()
	out := make([]any, len(r.results))
	copy(out, r.results)
	r.mu.Unlock()
	return out, r.err()
}

// Faults returns a copy of the worker faults recorded so far.
func (r *Run) Faults() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]error, len(r.faults))
	copy(out, r.faults)
	return out
}

func (r *Run) err() error {
	faults := r.Faults()
	if len(faults) == 0 {
		return nil
	}
	return flowerrors.FaultList(faults)
}
