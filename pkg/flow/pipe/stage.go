package pipe

import "context"

// Stage is a user-supplied unit of work. Any value can serve as a stage;
// behavior is added by implementing one or more of the lifecycle interfaces
// SetupStage, ProcessStage and TeardownStage. State carried on the stage
// value is private to the worker that runs it: under the isolated backend
// every worker observes payloads through a codec copy, and under any backend
// the engine never shares per-worker state between workers implicitly.
type Stage any

// SetupStage is implemented by stages that need per-worker initialization.
// Setup runs exactly once per worker, before any input is consumed, and may
// emit — which is how source stages produce values without any upstream.
type SetupStage interface {
	Setup(e *Emitter) error
}

// ProcessStage is implemented by stages that consume input. Process runs
// once per received value, in receipt order for that worker, and may emit
// zero or more values. It is never invoked after the worker's input has
// ended. Stages without Process silently discard their input.
type ProcessStage interface {
	Process(e *Emitter, v any) error
}

// TeardownStage is implemented by stages that need per-worker cleanup.
// Teardown runs exactly once per worker after its input has delivered the
// end sentinel from every upstream worker, and may still emit.
type TeardownStage interface {
	Teardown(e *Emitter) error
}

// Cloner is implemented by stages that carry per-worker mutable state. When
// a stage runs with Concurrency > 1 and implements Cloner, every worker
// operates on its own clone; otherwise all workers share the one stage
// value, which must then be safe for concurrent use.
type Cloner interface {
	Clone() Stage
}

// SetupFunc adapts a function to SetupStage.
type SetupFunc func(e *Emitter) error

func (f SetupFunc) Setup(e *Emitter) error { return f(e) }

// ProcessFunc adapts a function to ProcessStage.
type ProcessFunc func(e *Emitter, v any) error

func (f ProcessFunc) Process(e *Emitter, v any) error { return f(e, v) }

// Emitter produces a stage's output. Each worker gets its own Emitter; Emit
// appends to the stage's shared output channel and blocks while a bounded
// channel is full, which is the engine's backpressure mechanism.
type Emitter struct {
	ctx    context.Context
	run    *Run
	pipe   *Pipe
	worker int
}

// Emit sends one value downstream. On the terminal stage of a materializing
// run the value is collected as a result; on the terminal stage of any other
// run it is discarded.
func (e *Emitter) Emit(v any) error {
	p := e.pipe
	if p.out == nil {
		e.run.capture(v)
		e.run.observer.MessageEmitted(p.Name())
		return nil
	}
	if err := p.out.Send(e.ctx, Value(v)); err != nil {
		return err
	}
	e.run.observer.MessageEmitted(p.Name())
	return nil
}

// Context returns the context the pipeline was started with.
func (e *Emitter) Context() context.Context { return e.ctx }

// Worker returns the index of the worker this emitter belongs to, in
// [0, Concurrency).
func (e *Emitter) Worker() int { return e.worker }
