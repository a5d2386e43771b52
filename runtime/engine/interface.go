package engine

import (
	"errors"
	"fmt"

	"github.com/growcache/growcache/lib/storage"
	"github.com/growcache/growcache/runtime/common"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IEngine is an I/O backend: it owns the listeners, the per-worker
// event mechanisms, buffer pools and connection registries, and drives
// request processing until shut down.
type IEngine interface {
	// Run spawns the configured number of workers and blocks until
	// they exit. Each worker is pinned to its own OS thread and owns a
	// listener sharing the bind endpoint via SO_REUSEPORT.
	Run() error

	// Shutdown asks every worker to stop accepting and close its
	// connections; responses still being written are not drained
	// first. Safe to call once, from any goroutine.
	Shutdown()
}

// ErrRequestTooLarge is raised when a request fills the accumulation
// buffer without the parser being able to declare a value length to
// chain on (e.g. an unbounded command line).
var ErrRequestTooLarge = errors.New("request exceeds accumulation buffer")

// New selects the backend for the configuration.
func New(cfg common.ServerConfig, store storage.IStorage) (IEngine, error) {
	switch cfg.Runtime {
	case common.RuntimeReadiness:
		return newReadinessEngine(cfg, store), nil
	case common.RuntimeCompletion:
		return newCompletionEngine(cfg, store)
	default:
		return nil, fmt.Errorf("unknown runtime %q", cfg.Runtime)
	}
}
