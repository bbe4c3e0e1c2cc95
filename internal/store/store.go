package store

import (
	"context"
	"errors"
	"time"

	"secure-analysis-gateway/internal/models"
)

var (
	// ErrNotFound is returned when no job has the requested id.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when a status change would not move
	// the job forward. The stored job is left untouched.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrExists is returned by Create when the id is already taken.
	ErrExists = errors.New("job already exists")
)

// Store persists job records. Each mutation of a single job is atomic with
// respect to every other mutation of that job.
type Store interface {
	Create(ctx context.Context, job models.Job) error
	Get(ctx context.Context, id string) (models.Job, error)
	MarkRunning(ctx context.Context, id string, at time.Time) (models.Job, error)
	MarkCompleted(ctx context.Context, id, resultRef string, at time.Time) (models.Job, error)
	MarkFailed(ctx context.Context, id string, jobErr models.JobError, at time.Time) (models.Job, error)
	Delete(ctx context.Context, id string) error
	// ListTerminalBefore returns up to limit finished jobs whose completion
	// time is older than cutoff.
	ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error)
}

// apply performs the in-memory half of a transition and is shared by the
// memory store and tests.
func apply(job *models.Job, to models.JobStatus, at time.Time, resultRef string, jobErr *models.JobError) error {
	if !models.CanTransition(job.Status, to) {
		return ErrInvalidTransition
	}
	at = at.UTC()
	job.Status = to
	switch to {
	case models.StatusRunning:
		job.StartedAt = &at
	case models.StatusCompleted:
		ref := resultRef
		job.ResultRef = &ref
		job.CompletedAt = &at
	case models.StatusFailed:
		e := *jobErr
		job.Error = &e
		job.CompletedAt = &at
	}
	return nil
}
