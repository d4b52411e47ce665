/*
Package emitflow provides a concurrent dataflow execution engine: declare a
linear chain of processing stages and run it with pluggable concurrency
backends.

Execution Engine (pkg/flow):
  - pipe: stages, chaining, backends and the execution controller
  - stages: ready-made sources, transformations and sinks
  - channel: bounded backpressure channels between stages
  - codec: the serialization contract for isolated workers
  - config: process-wide backend selection
  - redisq: Redis-backed transport for cross-process pipelines

Scheduling (pkg/scheduling):
  - scheduler: cron and interval-based pipeline runs

Observability (pkg/metrics):
  - Prometheus instrumentation for pipeline runs

Example usage:

	import (
		"github.com/emitflow/emitflow/pkg/flow/pipe"
		"github.com/emitflow/emitflow/pkg/flow/stages"
	)

	squares := pipe.New(stages.FromSlice(1, 2, 3)).
		Into(pipe.New(stages.Map(func(v any) (any, error) {
			n := v.(int)
			return n * n, nil
		})))

	results, err := squares.Results(context.Background()) // [1 4 9]
*/
package emitflow
