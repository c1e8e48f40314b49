package task

import "context"

// Definition is a typed processor definition for one queue.
// T is the payload type (must be JSON-serializable).
type Definition[T any] struct {
	// Queue is the queue this processor consumes. One processor per
	// queue.
	Queue string

	// Process handles one decoded payload. Returning nil acks the
	// task; returning an error nacks it (retry with backoff, then
	// dead-letter). Wrap with conveyor.Permanent to dead-letter
	// immediately.
	Process func(ctx context.Context, payload T) error
}

// NewDefinition creates a typed processor definition.
func NewDefinition[T any](queue string, process func(ctx context.Context, payload T) error) *Definition[T] {
	return &Definition[T]{Queue: queue, Process: process}
}
