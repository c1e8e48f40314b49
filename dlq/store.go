package dlq

import (
	"context"
	"time"

	"github.com/gigwork/conveyor/id"
)

// ListOpts controls pagination and filtering for DLQ list queries.
type ListOpts struct {
	// Limit is the maximum number of entries to return. Zero means no limit.
	Limit int
	// Offset is the number of entries to skip.
	Offset int
	// Queue filters by originating queue. Empty means all queues.
	Queue string
}

// Store defines the persistence contract for the dead letter queue.
type Store interface {
	// PushDLQ adds a failed task entry to the dead letter queue.
	PushDLQ(ctx context.Context, entry *Entry) error

	// ListDLQ returns entries matching the given options, newest
	// failure first.
	ListDLQ(ctx context.Context, opts ListOpts) ([]*Entry, error)

	// GetDLQ retrieves a DLQ entry by ID.
	GetDLQ(ctx context.Context, entryID id.DLQID) (*Entry, error)

	// MarkRetried stamps an entry as retried and removes it from the
	// browsable set. The re-enqueue itself happens at the service layer.
	MarkRetried(ctx context.Context, entryID id.DLQID) error

	// RemoveDLQ permanently discards an entry.
	RemoveDLQ(ctx context.Context, entryID id.DLQID) error

	// PurgeDLQ removes entries with FailedAt before the given time,
	// returning the number removed. Explicit admin use only.
	PurgeDLQ(ctx context.Context, before time.Time) (int64, error)

	// CountDLQ returns the number of entries, optionally filtered by
	// queue (empty means all).
	CountDLQ(ctx context.Context, queue string) (int64, error)
}
