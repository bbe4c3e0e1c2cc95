package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"secure-analysis-gateway/internal/models"
)

type memEntry struct {
	mu  sync.Mutex
	job models.Job
}

// Memory is a process-local Store. The map lock only guards membership;
// each job carries its own mutex so transitions on different jobs never
// contend.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]*memEntry
}

func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*memEntry)}
}

func (m *Memory) Create(_ context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return ErrExists
	}
	m.jobs[job.ID] = &memEntry{job: cloneJob(job)}
	return nil
}

func (m *Memory) entry(id string) (*memEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (m *Memory) Get(_ context.Context, id string) (models.Job, error) {
	e, err := m.entry(id)
	if err != nil {
		return models.Job{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneJob(e.job), nil
}

func (m *Memory) transition(id string, to models.JobStatus, at time.Time, resultRef string, jobErr *models.JobError) (models.Job, error) {
	e, err := m.entry(id)
	if err != nil {
		return models.Job{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	next := cloneJob(e.job)
	if err := apply(&next, to, at, resultRef, jobErr); err != nil {
		return cloneJob(e.job), err
	}
	e.job = next
	return cloneJob(next), nil
}

func (m *Memory) MarkRunning(_ context.Context, id string, at time.Time) (models.Job, error) {
	return m.transition(id, models.StatusRunning, at, "", nil)
}

func (m *Memory) MarkCompleted(_ context.Context, id, resultRef string, at time.Time) (models.Job, error) {
	return m.transition(id, models.StatusCompleted, at, resultRef, nil)
}

func (m *Memory) MarkFailed(_ context.Context, id string, jobErr models.JobError, at time.Time) (models.Job, error) {
	return m.transition(id, models.StatusFailed, at, "", &jobErr)
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}

func (m *Memory) ListTerminalBefore(_ context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	m.mu.RLock()
	entries := make([]*memEntry, 0, len(m.jobs))
	for _, e := range m.jobs {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var out []models.Job
	for _, e := range entries {
		e.mu.Lock()
		j := e.job
		if j.Status.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			out = append(out, cloneJob(j))
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CompletedAt.Before(*out[k].CompletedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// cloneJob copies the pointer fields so callers never share state with
// the stored record.
func cloneJob(j models.Job) models.Job {
	if j.StartedAt != nil {
		t := *j.StartedAt
		j.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		j.CompletedAt = &t
	}
	if j.ResultRef != nil {
		r := *j.ResultRef
		j.ResultRef = &r
	}
	if j.Error != nil {
		e := *j.Error
		j.Error = &e
	}
	return j
}
