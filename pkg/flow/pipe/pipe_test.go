package pipe

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emitflow/emitflow/internal/testutil"
	flowerrors "github.com/emitflow/emitflow/pkg/common/errors"
	"github.com/emitflow/emitflow/pkg/flow/config"
)

// emitRange emits 0..n-1 during setup.
type emitRange struct {
	n int
}

func (s *emitRange) Setup(e *Emitter) error {
	for i := 0; i < s.n; i++ {
		if err := e.Emit(i); err != nil {
			return err
		}
	}
	return nil
}

func square() ProcessFunc {
	return func(e *Emitter, v any) error {
		n := v.(int)
		return e.Emit(n * n)
	}
}

func times(factor int) ProcessFunc {
	return func(e *Emitter, v any) error {
		n := v.(int)
		return e.Emit(n * factor)
	}
}

// backends lists every built-in backend variant for table-driven tests.
func backends() map[string]Backend {
	return map[string]Backend{
		"isolated": IsolatedBackend{},
		"shared":   SharedBackend{},
		"sync":     SyncBackend{},
	}
}

func TestResultsPreservesOrderSingleWorker(t *testing.T) {
	for name, backend := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := testutil.WithTimeout(t)
			defer cancel()

			chain := New(&emitRange{n: 10}).
				Into(New(square())).
				Into(New(times(10)))

			results, err := chain.ResultsWithConfig(ctx, RunConfig{Backend: backend})
			testutil.AssertNoError(t, err)
			testutil.AssertEqual(t, len(results), 10)
			for i, v := range results {
				testutil.AssertEqual(t, v.(int), i*i*10)
			}
		})
	}
}

func TestResultsMultisetInvariantUnderConcurrency(t *testing.T) {
	const n = 100
	for name, backend := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := testutil.WithTimeout(t)
			defer cancel()

			chain := New(&emitRange{n: n}).
				Into(NewWithConfig(square(), Config{Concurrency: 8, Buffer: 16}))

			results, err := chain.ResultsWithConfig(ctx, RunConfig{Backend: backend})
			testutil.AssertNoError(t, err)

			got := testutil.SortedInts(t, results)
			testutil.AssertEqual(t, len(got), n)
			for i, v := range got {
				testutil.AssertEqual(t, v, i*i)
			}
		})
	}
}

func TestBackendEquivalence(t *testing.T) {
	var baseline []int
	for _, name := range []string{"sync", "shared", "isolated"} {
		backend := backends()[name]
		ctx, cancel := testutil.WithTimeout(t)
		chain := New(&emitRange{n: 50}).
			Into(NewWithConfig(square(), Config{Concurrency: 4}))
		results, err := chain.ResultsWithConfig(ctx, RunConfig{Backend: backend})
		cancel()
		testutil.AssertNoError(t, err)

		got := testutil.SortedInts(t, results)
		if baseline == nil {
			baseline = got
			continue
		}
		testutil.AssertEqual(t, len(got), len(baseline))
		for i := range got {
			testutil.AssertEqual(t, got[i], baseline[i])
		}
	}
}

// barrierUpstream counts its workers' teardowns.
type barrierUpstream struct {
	teardowns *int32
}

func (s *barrierUpstream) Process(e *Emitter, v any) error {
	return e.Emit(v)
}

func (s *barrierUpstream) Teardown(e *Emitter) error {
	time.Sleep(5 * time.Millisecond)
	atomic.AddInt32(s.teardowns, 1)
	return nil
}

// barrierDownstream records how many upstream teardowns had completed when
// its own teardown ran.
type barrierDownstream struct {
	upstreamTeardowns *int32
	teardownCalls     *int32
	sawUpstream       *int32
}

func (s *barrierDownstream) Process(e *Emitter, v any) error { return nil }

func (s *barrierDownstream) Teardown(e *Emitter) error {
	atomic.AddInt32(s.teardownCalls, 1)
	atomic.StoreInt32(s.sawUpstream, atomic.LoadInt32(s.upstreamTeardowns))
	return nil
}

func TestFanInBarrier(t *testing.T) {
	const workers = 4
	for _, name := range []string{"isolated", "shared"} {
		backend := backends()[name]
		t.Run(name, func(t *testing.T) {
			ctx, cancel := testutil.WithTimeout(t)
			defer cancel()

			var upstreamTeardowns, teardownCalls, sawUpstream int32
			chain := New(&emitRange{n: 40}).
				Into(NewWithConfig(&barrierUpstream{teardowns: &upstreamTeardowns}, Config{Concurrency: workers})).
				Into(New(&barrierDownstream{
					upstreamTeardowns: &upstreamTeardowns,
					teardownCalls:     &teardownCalls,
					sawUpstream:       &sawUpstream,
				}))

			testutil.AssertNoError(t, chain.ExecuteWithConfig(ctx, RunConfig{Backend: backend}))
			testutil.AssertEqual(t, atomic.LoadInt32(&teardownCalls), 1)
			testutil.AssertEqual(t, atomic.LoadInt32(&sawUpstream), workers)
		})
	}
}

func TestStartReturnsBeforeCompletion(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	slow := ProcessFunc(func(e *Emitter, v any) error {
		time.Sleep(20 * time.Millisecond)
		return e.Emit(v)
	})
	chain := New(&emitRange{n: 10}).Into(New(slow))

	started := time.Now()
	run, err := chain.StartWithConfig(ctx, RunConfig{Backend: SharedBackend{}, Collect: true})
	testutil.AssertNoError(t, err)
	if elapsed := time.Since(started); elapsed > 100*time.Millisecond {
		t.Fatalf("Start blocked for %v", elapsed)
	}

	select {
	case <-run.Done():
		t.Fatal("run finished before its stages could have")
	default:
	}

	results, err := run.Results()
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, len(results), 10)
}

func TestExecuteBlocksUntilTerminated(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	var processed int32
	count := ProcessFunc(func(e *Emitter, v any) error {
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&processed, 1)
		return nil
	})
	chain := New(&emitRange{n: 25}).Into(NewWithConfig(count, Config{Concurrency: 3}))

	testutil.AssertNoError(t, chain.ExecuteWithConfig(ctx, RunConfig{Backend: SharedBackend{}}))
	testutil.AssertEqual(t, atomic.LoadInt32(&processed), 25)
}

func TestProcessFaultSurfacedWithoutHang(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	failing := ProcessFunc(func(e *Emitter, v any) error {
		if v.(int) == 2 {
			return errors.New("boom")
		}
		return e.Emit(v)
	})
	var teardownCalls, upstreamTeardowns, sawUpstream int32
	chain := New(&emitRange{n: 10}).
		Into(New(failing)).
		Into(New(&barrierDownstream{
			upstreamTeardowns: &upstreamTeardowns,
			teardownCalls:     &teardownCalls,
			sawUpstream:       &sawUpstream,
		}))

	err := chain.ExecuteWithConfig(ctx, RunConfig{Backend: SharedBackend{}})
	testutil.AssertError(t, err)
	if !flowerrors.IsPhase(err, flowerrors.PhaseProcess) {
		t.Fatalf("expected a process-phase fault, got %v", err)
	}
	// The faulted stage still delivered its end sentinel.
	testutil.AssertEqual(t, atomic.LoadInt32(&teardownCalls), 1)
}

func TestSetupFaultSkipsProcessingAndTeardown(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	var processed, toreDown int32
	stage := &faultySetup{processed: &processed, toreDown: &toreDown}
	chain := New(&emitRange{n: 5}).Into(New(stage))

	err := chain.ExecuteWithConfig(ctx, RunConfig{Backend: SharedBackend{}})
	testutil.AssertError(t, err)
	if !flowerrors.IsPhase(err, flowerrors.PhaseSetup) {
		t.Fatalf("expected a setup-phase fault, got %v", err)
	}
	testutil.AssertEqual(t, atomic.LoadInt32(&processed), 0)
	testutil.AssertEqual(t, atomic.LoadInt32(&toreDown), 0)
}

type faultySetup struct {
	processed *int32
	toreDown  *int32
}

func (s *faultySetup) Setup(e *Emitter) error { return errors.New("no resources") }

func (s *faultySetup) Process(e *Emitter, v any) error {
	atomic.AddInt32(s.processed, 1)
	return nil
}

func (s *faultySetup) Teardown(e *Emitter) error {
	atomic.AddInt32(s.toreDown, 1)
	return nil
}

func TestPanicRecoveredAsFault(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	panicky := ProcessFunc(func(e *Emitter, v any) error {
		panic("worker exploded")
	})
	chain := New(&emitRange{n: 3}).Into(New(panicky))

	err := chain.ExecuteWithConfig(ctx, RunConfig{Backend: SharedBackend{}})
	testutil.AssertError(t, err)
	var pe *flowerrors.PhaseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PhaseError, got %T", err)
	}
}

func TestIsolatedBackendRejectsUnserializablePayload(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	source := SetupFunc(func(e *Emitter) error {
		return e.Emit(func() {}) // functions cannot cross an isolated boundary
	})
	sink := ProcessFunc(func(e *Emitter, v any) error { return nil })
	chain := New(source).Into(New(sink))

	err := chain.ExecuteWithConfig(ctx, RunConfig{Backend: IsolatedBackend{}})
	testutil.AssertError(t, err)
	if !flowerrors.IsSerialization(err) {
		t.Fatalf("expected a serialization fault, got %v", err)
	}
}

func TestIsolatedBackendCopiesPayloads(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	shared := map[string]int{"count": 1}
	source := SetupFunc(func(e *Emitter) error { return e.Emit(shared) })
	var received map[string]int
	sink := ProcessFunc(func(e *Emitter, v any) error {
		received = v.(map[string]int)
		return nil
	})

	err := New(source).Into(New(sink)).ExecuteWithConfig(ctx, RunConfig{Backend: IsolatedBackend{}})
	testutil.AssertNoError(t, err)

	received["count"] = 99
	testutil.AssertEqual(t, shared["count"], 1)
}

func TestRestartRejected(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	chain := New(&emitRange{n: 3})
	testutil.AssertNoError(t, chain.ExecuteWithConfig(ctx, RunConfig{Backend: SyncBackend{}}))

	err := chain.ExecuteWithConfig(ctx, RunConfig{Backend: SyncBackend{}})
	if !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestResultsWithoutCollection(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	run, err := New(&emitRange{n: 3}).StartWithConfig(ctx, RunConfig{Backend: SharedBackend{}})
	testutil.AssertNoError(t, err)
	testutil.AssertNoError(t, run.Wait())

	_, err = run.Results()
	if !errors.Is(err, ErrNotCollecting) {
		t.Fatalf("expected ErrNotCollecting, got %v", err)
	}
}

func TestIntoGuardsTopology(t *testing.T) {
	a := New(&emitRange{n: 1})
	b := New(square())
	c := New(square())
	a.Into(b)

	assertPanics(t, func() { a.Into(c) })      // a already has a downstream
	assertPanics(t, func() { c.Into(b) })      // b already has an upstream
	assertPanics(t, func() { New(nil) })       // nil stage
	assertPanics(t, func() { New(struct{}{}) }) // no lifecycle methods
}

func assertPanics(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	fn()
}

func TestRegistrySelectionUsedAtStart(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	previous := config.Get()
	defer func() { _ = config.Set(previous) }()
	testutil.AssertNoError(t, config.Set(config.Synchronous))

	results, err := New(&emitRange{n: 4}).Into(New(square())).Results(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, len(results), 4)
	for i, v := range results {
		testutil.AssertEqual(t, v.(int), i*i)
	}
}

func TestStagesWithoutProcessDiscardInput(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	var toreDown int32
	teardownOnly := &barrierDownstream{
		upstreamTeardowns: new(int32),
		teardownCalls:     &toreDown,
		sawUpstream:       new(int32),
	}
	results, err := New(&emitRange{n: 5}).
		Into(New(teardownOnly)).
		ResultsWithConfig(ctx, RunConfig{Backend: SharedBackend{}})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, len(results), 0)
	testutil.AssertEqual(t, atomic.LoadInt32(&toreDown), 1)
}

func TestObserverReceivesEvents(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	obs := &countingObserver{}
	err := New(&emitRange{n: 6}).
		Into(New(square())).
		ExecuteWithConfig(ctx, RunConfig{Backend: SharedBackend{}, Observer: obs})
	testutil.AssertNoError(t, err)

	testutil.AssertEqual(t, atomic.LoadInt32(&obs.started), 2)
	testutil.AssertEqual(t, atomic.LoadInt32(&obs.finished), 2)
	// 6 from the source plus 6 from the squaring stage.
	testutil.AssertEqual(t, atomic.LoadInt32(&obs.emitted), 12)
}

type countingObserver struct {
	started, finished, emitted, faults int32
}

func (o *countingObserver) WorkerStarted(string, int) { atomic.AddInt32(&o.started, 1) }

func (o *countingObserver) WorkerFinished(string, int, time.Duration) {
	atomic.AddInt32(&o.finished, 1)
}

func (o *countingObserver) MessageEmitted(string)     { atomic.AddInt32(&o.emitted, 1) }
func (o *countingObserver) SendBlocked(string)        {}
func (o *countingObserver) FaultRecorded(string, error) { atomic.AddInt32(&o.faults, 1) }

func TestEveryWorkerRunsSetupAndTeardown(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	const workers = 3
	var setups, teardowns int32
	stage := &lifecycleCounter{setups: &setups, teardowns: &teardowns}
	err := New(&emitRange{n: 10}).
		Into(NewWithConfig(stage, Config{Concurrency: workers})).
		ExecuteWithConfig(ctx, RunConfig{Backend: SharedBackend{}})
	testutil.AssertNoError(t, err)

	testutil.AssertEqual(t, atomic.LoadInt32(&setups), workers)
	testutil.AssertEqual(t, atomic.LoadInt32(&teardowns), workers)
}

type lifecycleCounter struct {
	setups    *int32
	teardowns *int32
}

func (s *lifecycleCounter) Setup(e *Emitter) error {
	atomic.AddInt32(s.setups, 1)
	return nil
}

func (s *lifecycleCounter) Process(e *Emitter, v any) error { return nil }

func (s *lifecycleCounter) Teardown(e *Emitter) error {
	atomic.AddInt32(s.teardowns, 1)
	return nil
}

func TestStageNamesDefaultToTypeName(t *testing.T) {
	p := New(&emitRange{n: 1})
	testutil.AssertEqual(t, p.Name(), "pipe.emitRange")

	named := NewWithConfig(&emitRange{n: 1}, Config{Name: "source"})
	testutil.AssertEqual(t, named.Name(), "source")
}

func TestFaultListAggregatesMultipleWorkers(t *testing.T) {
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	failing := ProcessFunc(func(e *Emitter, v any) error {
		return fmt.Errorf("bad value %v", v)
	})
	err := New(&emitRange{n: 8}).
		Into(NewWithConfig(failing, Config{Concurrency: 2})).
		ExecuteWithConfig(ctx, RunConfig{Backend: SharedBackend{}})
	testutil.AssertError(t, err)

	var fl flowerrors.FaultList
	if !errors.As(err, &fl) {
		t.Fatalf("expected FaultList, got %T", err)
	}
	if len(fl) < 1 || len(fl) > 2 {
		t.Fatalf("expected one fault per faulted worker, got %d", len(fl))
	}
}
