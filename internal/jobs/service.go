package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"secure-analysis-gateway/internal/apperr"
	"secure-analysis-gateway/internal/audit"
	"secure-analysis-gateway/internal/models"
	"secure-analysis-gateway/internal/queue"
	"secure-analysis-gateway/internal/storage"
	"secure-analysis-gateway/internal/store"
	"secure-analysis-gateway/internal/telemetry"
)

// pdfMagic is the required prefix of every accepted upload.
var pdfMagic = []byte("%PDF-")

// Upload is an incoming document. Size is the client-declared length, or
// -1 when unknown; the body is always read through a hard limit. A nil
// Body means no file was sent.
type Upload struct {
	Body io.Reader
	Size int64
}

// Service owns job creation and the read side of the job lifecycle.
type Service struct {
	store     store.Store
	blobs     storage.Blobs
	queue     queue.Queue
	audit     *audit.Log
	logger    zerolog.Logger
	maxUpload int64
	now       func() time.Time
}

func NewService(st store.Store, blobs storage.Blobs, q queue.Queue, log *audit.Log, logger zerolog.Logger, maxUpload int64) *Service {
	return &Service{
		store:     st,
		blobs:     blobs,
		queue:     q,
		audit:     log,
		logger:    logger,
		maxUpload: maxUpload,
		now:       time.Now,
	}
}

// Submit validates an upload, stores it under an opaque handle and queues
// a job for it. Checks run in a fixed order: mode, consent, size, content.
func (s *Service) Submit(ctx context.Context, owner string, up Upload, mode string, consent bool) (models.Job, error) {
	m, ok := models.ParseMode(mode)
	if !ok {
		return models.Job{}, s.reject(ctx, owner, apperr.ErrInvalidMode)
	}
	if !consent {
		return models.Job{}, s.reject(ctx, owner, apperr.ErrConsentRequired)
	}
	if up.Body == nil {
		return models.Job{}, s.reject(ctx, owner, apperr.BadRequest("file is required"))
	}
	if up.Size > s.maxUpload {
		return models.Job{}, s.reject(ctx, owner, apperr.ErrPayloadTooLarge)
	}
	data, err := io.ReadAll(io.LimitReader(up.Body, s.maxUpload+1))
	if err != nil {
		return models.Job{}, s.reject(ctx, owner, apperr.BadRequest("could not read upload"))
	}
	if int64(len(data)) > s.maxUpload {
		return models.Job{}, s.reject(ctx, owner, apperr.ErrPayloadTooLarge)
	}
	if !bytes.HasPrefix(data, pdfMagic) {
		return models.Job{}, s.reject(ctx, owner, apperr.ErrUnsupportedMediaType)
	}

	id := uuid.NewString()
	job := models.Job{
		ID:          id,
		Owner:       owner,
		Mode:        m,
		Status:      models.StatusQueued,
		InputRef:    storage.InputKey(id),
		InputDigest: storage.Digest(data),
		InputSize:   int64(len(data)),
		CreatedAt:   s.now().UTC(),
	}
	if err := s.blobs.Put(ctx, job.InputRef, data, "application/pdf"); err != nil {
		return models.Job{}, s.submitFailed(ctx, job, "store input", err)
	}
	if err := s.store.Create(ctx, job); err != nil {
		s.discardInput(job)
		return models.Job{}, s.submitFailed(ctx, job, "create job", err)
	}
	if err := s.queue.Enqueue(ctx, job.ID); err != nil {
		// Roll back so no caller ever observes a queued job nobody will run.
		if delErr := s.store.Delete(context.WithoutCancel(ctx), job.ID); delErr != nil {
			s.logger.Error().Err(delErr).Str("job_id", job.ID).Msg("rollback job record")
		}
		s.discardInput(job)
		return models.Job{}, s.submitFailed(ctx, job, "enqueue job", err)
	}

	telemetry.JobsSubmitted.Inc()
	s.audit.Record(ctx, owner, models.ActionSubmission, job.ID, models.OutcomeSuccess,
		fmt.Sprintf("mode=%s size=%d digest=%s", job.Mode, job.InputSize, job.InputDigest))
	s.logger.Info().Str("job_id", job.ID).Str("owner", owner).Str("mode", string(job.Mode)).Msg("job queued")
	return job, nil
}

func (s *Service) reject(ctx context.Context, owner string, e *apperr.Error) error {
	telemetry.SubmissionRejects.WithLabelValues(e.Code).Inc()
	s.audit.Record(ctx, owner, models.ActionSubmission, "", models.OutcomeDenied, e.Code)
	return e
}

func (s *Service) submitFailed(ctx context.Context, job models.Job, step string, err error) error {
	s.logger.Error().Err(err).Str("job_id", job.ID).Str("step", step).Msg("submission failed")
	s.audit.Record(ctx, job.Owner, models.ActionSubmission, job.ID, models.OutcomeError, step+" failed")
	return apperr.ErrInternal
}

func (s *Service) discardInput(job models.Job) {
	if err := s.blobs.Delete(context.Background(), job.InputRef); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("remove orphaned input")
	}
}

// Status returns the job if the requester owns it or is an admin.
func (s *Service) Status(ctx context.Context, id string, requester models.Principal) (models.Job, error) {
	job, err := s.authorize(ctx, models.ActionStatus, id, requester)
	if err != nil {
		return models.Job{}, err
	}
	s.audit.Record(ctx, requester.Subject, models.ActionStatus, job.ID, models.OutcomeSuccess, string(job.Status))
	return job, nil
}

// Result returns the artifact of a completed job.
func (s *Service) Result(ctx context.Context, id string, requester models.Principal) ([]byte, error) {
	job, err := s.authorize(ctx, models.ActionResult, id, requester)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case models.StatusCompleted:
	case models.StatusFailed:
		s.audit.Record(ctx, requester.Subject, models.ActionResult, job.ID, models.OutcomeDenied, apperr.CodeJobFailed)
		msg := "job failed"
		if job.Error != nil {
			msg = fmt.Sprintf("job failed: %s: %s", job.Error.Kind, job.Error.Message)
		}
		return nil, apperr.JobFailed(msg)
	default:
		s.audit.Record(ctx, requester.Subject, models.ActionResult, job.ID, models.OutcomeDenied, apperr.CodeNotReady)
		return nil, apperr.ErrNotReady
	}

	if job.ResultRef == nil {
		s.audit.Record(ctx, requester.Subject, models.ActionResult, job.ID, models.OutcomeError, "missing result handle")
		return nil, apperr.ErrInternal
	}
	data, err := s.blobs.Get(ctx, *job.ResultRef)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("load result")
		s.audit.Record(ctx, requester.Subject, models.ActionResult, job.ID, models.OutcomeError, "result unavailable")
		return nil, apperr.ErrInternal
	}
	s.audit.Record(ctx, requester.Subject, models.ActionResult, job.ID, models.OutcomeSuccess, fmt.Sprintf("bytes=%d", len(data)))
	return data, nil
}

// ValidID reports whether id is a canonical lowercase UUID, the only form
// the service ever issues.
func ValidID(id string) bool {
	u, err := uuid.Parse(id)
	return err == nil && u.String() == id
}

// authorize loads the job and applies the ownership rule, auditing every
// denial under action.
func (s *Service) authorize(ctx context.Context, action, id string, requester models.Principal) (models.Job, error) {
	if !ValidID(id) {
		s.audit.Record(ctx, requester.Subject, action, id, models.OutcomeDenied, apperr.CodeNotFound)
		return models.Job{}, apperr.ErrNotFound
	}
	job, err := s.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		s.audit.Record(ctx, requester.Subject, action, id, models.OutcomeDenied, apperr.CodeNotFound)
		return models.Job{}, apperr.ErrNotFound
	}
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", id).Msg("load job")
		s.audit.Record(ctx, requester.Subject, action, id, models.OutcomeError, "lookup failed")
		return models.Job{}, apperr.ErrInternal
	}
	if job.Owner != requester.Subject && !requester.IsAdmin() {
		s.audit.Record(ctx, requester.Subject, action, id, models.OutcomeDenied, apperr.CodeForbidden)
		return models.Job{}, apperr.ErrForbidden
	}
	return job, nil
}
