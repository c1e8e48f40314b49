package middleware

import (
	"context"

	"github.com/gigwork/conveyor/id"
	"github.com/gigwork/conveyor/task"
)

type workerIDKey struct{}

// Attribution returns middleware that injects the claiming worker's ID
// into the context. Processors that record who performed the work (audit
// entries, delivery receipts) read it back with [WorkerFrom].
func Attribution() Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) error {
		if !t.WorkerID.IsNil() {
			ctx = context.WithValue(ctx, workerIDKey{}, t.WorkerID)
		}
		return next(ctx)
	}
}

// WorkerFrom returns the worker ID stored in ctx by [Attribution].
// The second return is false when no worker ID was injected.
func WorkerFrom(ctx context.Context) (id.WorkerID, bool) {
	w, ok := ctx.Value(workerIDKey{}).(id.WorkerID)
	return w, ok
}
