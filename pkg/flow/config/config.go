// Package config holds the process-wide backend selection for emitflow
// pipelines.
//
// The active backend is read once when a pipeline starts its workers; it is
// not consulted again for the lifetime of that run. Callers must not change
// the selection while a pipeline started under the previous value is still
// executing — this is a documented contract, not something the engine
// enforces. Pipelines that want to avoid the shared default entirely can
// pass an explicit backend in their run configuration instead.
package config

import (
	"fmt"
	"sync"

	"github.com/kelseyhightower/envconfig"
)

// Kind identifies a concurrency backend variant.
type Kind string

const (
	// Isolated runs each worker with serialized message transport: every
	// payload crossing a stage boundary is deep-copied through a codec, so
	// workers never share mutable state. This is the default.
	Isolated Kind = "isolated"

	// SharedMemory runs workers as plain goroutines over in-process
	// channels with no serialization cost. Payloads are shared by
	// reference; stages must not mutate values after emitting them.
	SharedMemory Kind = "shared"

	// Synchronous runs one stage to full completion before the next
	// starts, with a single worker per stage. Intended for deterministic
	// testing.
	Synchronous Kind = "sync"
)

// Valid reports whether k names a known backend variant.
func (k Kind) Valid() bool {
	switch k {
	case Isolated, SharedMemory, Synchronous:
		return true
	}
	return false
}

var (
	mu     sync.RWMutex
	active Kind
)

// Set changes the process-wide backend selection for pipelines started
// afterwards. Returns an error for unknown kinds.
func Set(k Kind) error {
	if !k.Valid() {
		return fmt.Errorf("config: unknown backend kind %q", k)
	}
	mu.Lock()
	defer mu.Unlock()
	active = k
	return nil
}

// Get returns the currently selected backend kind.
func Get() Kind {
	mu.RLock()
	defer mu.RUnlock()
	return active
}

// Is reports whether k is the currently selected backend kind.
func Is(k Kind) bool {
	return Get() == k
}

type envSettings struct {
	Backend string `envconfig:"BACKEND" default:"isolated"`
}

func init() {
	var s envSettings
	if err := envconfig.Process("emitflow", &s); err != nil {
		panic(fmt.Sprintf("config: reading environment: %v", err))
	}
	k := Kind(s.Backend)
	if !k.Valid() {
		panic(fmt.Sprintf("config: EMITFLOW_BACKEND is not a valid backend: %q", s.Backend))
	}
	mu.Lock()
	active = k
	mu.Unlock()
}
