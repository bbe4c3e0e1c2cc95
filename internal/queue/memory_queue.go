package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is a process-local Queue with the same lease semantics as
// RedisQueue.
type MemoryQueue struct {
	visibilityTTL time.Duration
	now           func() time.Time

	mu       sync.Mutex
	ready    []string
	inflight map[string]time.Time
}

func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &MemoryQueue{
		visibilityTTL: visibility,
		now:           time.Now,
		inflight:      make(map[string]time.Time),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready = append(q.ready, jobID)
	return nil
}

func (q *MemoryQueue) Dequeue(_ context.Context) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		return "", nil
	}
	id := q.ready[0]
	q.ready[0] = ""
	q.ready = q.ready[1:]
	q.inflight[id] = q.now().Add(q.visibilityTTL)
	return id, nil
}

func (q *MemoryQueue) Ack(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, jobID)
	return nil
}

func (q *MemoryQueue) ReclaimExpired(_ context.Context, now time.Time, limit int64) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var expired []string
	for id, deadline := range q.inflight {
		if deadline.Before(now) {
			expired = append(expired, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return q.inflight[expired[i]].Before(q.inflight[expired[j]]) })
	if limit > 0 && int64(len(expired)) > limit {
		expired = expired[:limit]
	}
	for _, id := range expired {
		delete(q.inflight, id)
	}
	return expired, nil
}

func (q *MemoryQueue) Depth(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ready)), nil
}
