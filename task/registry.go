package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gigwork/conveyor"
)

// ProcessorFunc is a type-erased processor that accepts the raw JSON
// payload. A typed Definition[T] is converted to a ProcessorFunc at
// registration time by closing over JSON unmarshal + the typed handler.
type ProcessorFunc func(ctx context.Context, payload []byte) error

// Registry maps queue names to type-erased processor functions.
// It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]ProcessorFunc
}

// NewRegistry creates an empty processor registry.
func NewRegistry() *Registry {
	return &Registry{
		processors: make(map[string]ProcessorFunc),
	}
}

// RegisterDefinition registers a typed processor definition. The
// generic handler is wrapped in a closure that JSON-unmarshals the
// payload into T before calling the typed handler. A payload that does
// not decode is a permanent failure — retrying cannot fix bad data.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	proc := func(ctx context.Context, payload []byte) error {
		var t T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &t); err != nil {
				return conveyor.Permanent(fmt.Errorf("unmarshal payload for queue %q: %w", def.Queue, err))
			}
		}
		return def.Process(ctx, t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[def.Queue] = proc
}

// Get returns the processor for the given queue.
// Returns false if no processor is registered.
func (r *Registry) Get(queue string) (ProcessorFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[queue]
	return p, ok
}

// Queues returns all queue names with a registered processor.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.processors))
	for name := range r.processors {
		names = append(names, name)
	}
	return names
}
