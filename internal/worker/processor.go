package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"secure-analysis-gateway/internal/audit"
	"secure-analysis-gateway/internal/jobs"
	"secure-analysis-gateway/internal/models"
	"secure-analysis-gateway/internal/queue"
	"secure-analysis-gateway/internal/sandbox"
	"secure-analysis-gateway/internal/storage"
	"secure-analysis-gateway/internal/store"
	"secure-analysis-gateway/internal/telemetry"
)

// Executor runs one analysis. *sandbox.Runner is the production
// implementation.
type Executor interface {
	Run(ctx context.Context, inv sandbox.Invocation) (sandbox.Output, error)
}

// PoolConfig tunes the executor pool.
type PoolConfig struct {
	Concurrency     int
	TempRoot        string
	PollInterval    time.Duration
	JanitorInterval time.Duration
	// Retention > 0 enables deletion of finished jobs older than this.
	Retention time.Duration
}

// Pool drives the executor slots and the lease janitor.
type Pool struct {
	cfg    PoolConfig
	store  store.Store
	queue  queue.Queue
	blobs  storage.Blobs
	exec   Executor
	audit  *audit.Log
	logger zerolog.Logger
	now    func() time.Time
}

func NewPool(cfg PoolConfig, st store.Store, q queue.Queue, blobs storage.Blobs, exec Executor, log *audit.Log, logger zerolog.Logger) (*Pool, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = 15 * time.Second
	}
	if cfg.TempRoot == "" {
		return nil, errors.New("temp root is required")
	}
	root, err := filepath.Abs(cfg.TempRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve temp root: %w", err)
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create temp root: %w", err)
	}
	cfg.TempRoot = root
	return &Pool{
		cfg:    cfg,
		store:  st,
		queue:  q,
		blobs:  blobs,
		exec:   exec,
		audit:  log,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Run starts every slot and the janitor, and blocks until ctx is done and
// in-flight jobs have finished.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.slot(ctx, slot)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.janitor(ctx)
	}()
	p.logger.Info().Int("concurrency", p.cfg.Concurrency).Str("temp_root", p.cfg.TempRoot).Msg("executor pool started")
	wg.Wait()
	return ctx.Err()
}

func (p *Pool) slot(ctx context.Context, n int) {
	log := p.logger.With().Int("slot", n).Logger()
	for {
		if ctx.Err() != nil {
			return
		}
		worked, err := p.ProcessNext(ctx)
		if err != nil {
			log.Error().Err(err).Msg("dequeue failed")
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// ProcessNext leases one job and runs it to a terminal state. It reports
// whether a job id was dequeued.
func (p *Pool) ProcessNext(ctx context.Context) (bool, error) {
	jobID, err := p.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if jobID == "" {
		return false, nil
	}
	p.process(ctx, jobID)
	return true, nil
}

func (p *Pool) process(ctx context.Context, jobID string) {
	log := p.logger.With().Str("job_id", jobID).Logger()
	// Bookkeeping after the run must land even during shutdown.
	bg := context.WithoutCancel(ctx)

	if !jobs.ValidID(jobID) {
		log.Warn().Msg("dropping malformed job id")
		p.ack(bg, jobID)
		return
	}
	job, err := p.store.MarkRunning(ctx, jobID, p.now())
	if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
		// Already claimed, finished or rolled back.
		log.Info().Err(err).Msg("skipping job")
		p.ack(bg, jobID)
		return
	}
	if err != nil {
		// Leave the lease in place; the janitor re-enqueues it once it expires.
		log.Error().Err(err).Msg("mark running")
		return
	}
	p.audit.Record(bg, models.ActorSystem, models.ActionRunning, job.ID, models.OutcomeSuccess, string(job.Mode))
	telemetry.RunningGauge.Inc()
	defer telemetry.RunningGauge.Dec()

	defer func() {
		p.ack(bg, job.ID)
		if err := p.blobs.Delete(bg, job.InputRef); err != nil {
			log.Warn().Err(err).Msg("remove input blob")
		}
	}()

	artifact, failure := p.execute(ctx, job)
	if failure != nil {
		p.fail(bg, job, failure.JobError())
		return
	}
	resultRef := storage.ResultKey(job.ID)
	if err := p.blobs.Put(bg, resultRef, artifact, "text/plain"); err != nil {
		log.Error().Err(err).Msg("store result")
		p.fail(bg, job, models.JobError{Kind: models.ErrorInternal, Message: "storing result failed"})
		return
	}
	if _, err := p.store.MarkCompleted(bg, job.ID, resultRef, p.now()); err != nil {
		log.Error().Err(err).Msg("mark completed")
		_ = p.blobs.Delete(bg, resultRef)
		p.fail(bg, job, models.JobError{Kind: models.ErrorInternal, Message: "recording result failed"})
		return
	}
	telemetry.JobsCompleted.Inc()
	p.audit.Record(bg, models.ActorSystem, models.ActionCompleted, job.ID, models.OutcomeSuccess, fmt.Sprintf("bytes=%d", len(artifact)))
	log.Info().Int("bytes", len(artifact)).Msg("job completed")
}

// execute stages the input in a private directory, runs the tool and
// removes the directory again.
func (p *Pool) execute(ctx context.Context, job models.Job) ([]byte, *sandbox.Failure) {
	dir, err := jobDir(p.cfg.TempRoot, job.ID)
	if err != nil {
		return nil, p.internal(job, "resolve work dir", err)
	}
	// A crashed run may have left the directory behind.
	_ = os.RemoveAll(dir)
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, p.internal(job, "create work dir", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("remove work dir")
		}
	}()

	data, err := p.blobs.Get(ctx, job.InputRef)
	if err != nil {
		return nil, p.internal(job, "load input", err)
	}
	input := filepath.Join(dir, "input.pdf")
	if err := os.WriteFile(input, data, 0o600); err != nil {
		return nil, p.internal(job, "stage input", err)
	}

	out, err := p.exec.Run(ctx, sandbox.Invocation{
		JobID:      job.ID,
		Mode:       job.Mode,
		WorkDir:    dir,
		InputPath:  input,
		OutputPath: filepath.Join(dir, "output.txt"),
	})
	if err != nil {
		var f *sandbox.Failure
		if errors.As(err, &f) {
			return nil, f
		}
		return nil, p.internal(job, "run tool", err)
	}
	telemetry.ToolDuration.Observe(out.Duration.Seconds())
	return out.Artifact, nil
}

func (p *Pool) internal(job models.Job, step string, err error) *sandbox.Failure {
	p.logger.Error().Err(err).Str("job_id", job.ID).Str("step", step).Msg("job execution error")
	return &sandbox.Failure{Kind: models.ErrorInternal, Message: step + " failed"}
}

func (p *Pool) fail(ctx context.Context, job models.Job, jobErr models.JobError) {
	if _, err := p.store.MarkFailed(ctx, job.ID, jobErr, p.now()); err != nil {
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("mark failed")
		return
	}
	telemetry.JobsFailed.WithLabelValues(string(jobErr.Kind)).Inc()
	p.audit.Record(ctx, models.ActorSystem, models.ActionFailed, job.ID, models.OutcomeError, string(jobErr.Kind))
	p.logger.Warn().Str("job_id", job.ID).Str("kind", string(jobErr.Kind)).Msg("job failed")
}

func (p *Pool) ack(ctx context.Context, jobID string) {
	if err := p.queue.Ack(ctx, jobID); err != nil {
		p.logger.Error().Err(err).Str("job_id", jobID).Msg("ack")
	}
}

// jobDir returns the per-job directory under root. id must be a canonical
// UUID and the result must stay inside root.
func jobDir(root, id string) (string, error) {
	if !jobs.ValidID(id) {
		return "", fmt.Errorf("invalid job id %q", id)
	}
	dir := filepath.Join(root, id)
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel != id {
		return "", fmt.Errorf("job dir escapes temp root")
	}
	return dir, nil
}
