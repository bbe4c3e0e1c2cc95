package queue

import (
	"context"
	"time"
)

// Queue hands job ids to executors. A dequeued id is leased to one
// consumer until it is acked or its lease expires.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	// Dequeue returns "" when nothing is ready.
	Dequeue(ctx context.Context) (string, error)
	Ack(ctx context.Context, jobID string) error
	// ReclaimExpired drops leases whose deadline is before now and returns
	// their ids. Reclaimed ids are not re-enqueued; the caller decides.
	ReclaimExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	Depth(ctx context.Context) (int64, error)
}
