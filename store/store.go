// Package store defines the aggregate persistence interface. Each
// subsystem (job, task, credit, dlq) defines its own store interface;
// the composite Store composes them all. Backends: Redis and Memory.
package store

import (
	"context"

	"github.com/gigwork/conveyor/credit"
	"github.com/gigwork/conveyor/dlq"
	"github.com/gigwork/conveyor/job"
	"github.com/gigwork/conveyor/task"
)

// Store is the aggregate persistence interface.
// Each subsystem store is a composable interface; a single backend
// implements all of them.
type Store interface {
	job.Store
	task.Store
	credit.Store
	dlq.Store

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
