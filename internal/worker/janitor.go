package worker

import (
	"context"
	"errors"
	"time"

	"secure-analysis-gateway/internal/models"
	"secure-analysis-gateway/internal/store"
	"secure-analysis-gateway/internal/telemetry"
)

const janitorBatch = 100

func (p *Pool) janitor(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		p.Sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep runs one janitor pass: expired leases, queue depth and retention.
func (p *Pool) Sweep(ctx context.Context) {
	if err := p.ReclaimExpired(ctx); err != nil {
		p.logger.Error().Err(err).Msg("reclaim expired leases")
	}
	if depth, err := p.queue.Depth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
	if p.cfg.Retention > 0 {
		if err := p.PurgeExpired(ctx); err != nil {
			p.logger.Error().Err(err).Msg("purge finished jobs")
		}
	}
}

// ReclaimExpired handles leases whose executor disappeared. Queued jobs
// are handed out again; jobs that were already running are failed as
// Abandoned and never re-run.
func (p *Pool) ReclaimExpired(ctx context.Context) error {
	ids, err := p.queue.ReclaimExpired(ctx, p.now(), janitorBatch)
	if err != nil {
		return err
	}
	for _, id := range ids {
		job, err := p.store.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			p.logger.Error().Err(err).Str("job_id", id).Msg("load reclaimed job")
			continue
		}
		switch job.Status {
		case models.StatusQueued:
			if err := p.queue.Enqueue(ctx, id); err != nil {
				p.logger.Error().Err(err).Str("job_id", id).Msg("re-enqueue reclaimed job")
				continue
			}
			p.logger.Info().Str("job_id", id).Msg("re-enqueued reclaimed job")
		case models.StatusRunning:
			p.fail(ctx, job, models.JobError{Kind: models.ErrorAbandoned, Message: "executor lease expired"})
			if err := p.blobs.Delete(ctx, job.InputRef); err != nil {
				p.logger.Warn().Err(err).Str("job_id", id).Msg("remove input blob")
			}
		}
	}
	return nil
}

// PurgeExpired deletes finished jobs older than the retention together
// with their blobs. Audit entries are kept.
func (p *Pool) PurgeExpired(ctx context.Context) error {
	cutoff := p.now().Add(-p.cfg.Retention)
	expired, err := p.store.ListTerminalBefore(ctx, cutoff, janitorBatch)
	if err != nil {
		return err
	}
	for _, job := range expired {
		if job.ResultRef != nil {
			if err := p.blobs.Delete(ctx, *job.ResultRef); err != nil {
				p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("remove result blob")
				continue
			}
		}
		_ = p.blobs.Delete(ctx, job.InputRef)
		if err := p.store.Delete(ctx, job.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("delete job record")
			continue
		}
		p.logger.Info().Str("job_id", job.ID).Msg("purged finished job")
	}
	return nil
}
