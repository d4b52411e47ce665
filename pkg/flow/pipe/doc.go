/*
Package pipe is the emitflow execution engine: linear chains of processing
stages run concurrently, with values routed from each stage to the next.

A stage is any value implementing one or more of Setup, Process and Teardown
(see SetupStage, ProcessStage, TeardownStage). Wrap stages in pipes, chain
them with Into and run the chain once:

	src := pipe.New(stages.FromSlice(1, 2, 3))
	sq := pipe.New(pipe.ProcessFunc(func(e *pipe.Emitter, v any) error {
		n := v.(int)
		return e.Emit(n * n)
	}))

	results, err := src.Into(sq).Results(context.Background())
	// results: [1 4 9]

# Entry points

Execute blocks until completion and discards terminal output. Start returns
immediately with a Run handle. Results blocks and returns everything the
terminal stage emitted. All three accept any node of the chain and operate
on the whole chain; a chain runs at most once.

# Concurrency

Config.Concurrency spawns multiple identical workers for a stage. Workers
share one input channel (work-stealing consumption) and one output channel
(fan-in); ordering between workers of one stage is not guaranteed, while a
chain of single-worker stages preserves input order end to end. A stage's
downstream neighbor tears down only after receiving the end sentinel from
every one of the stage's workers.

The concurrency substrate is pluggable (Backend): isolated workers with
serialized transport, shared-memory goroutines, or fully synchronous
execution. The variant is selected from the process-wide registry in
pkg/flow/config, or per run via RunConfig.Backend.

# Faults

An error or panic in a lifecycle phase terminates that worker only. The
worker still delivers its end sentinel, so downstream barriers never stall;
the fault is recorded on the Run and aggregated into the error returned by
Execute, Wait and Results. A worker blocked on input that never arrives is
not detected — there is no timeout mechanism.
*/
package pipe
