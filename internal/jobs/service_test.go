package jobs

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"secure-analysis-gateway/internal/apperr"
	"secure-analysis-gateway/internal/audit"
	"secure-analysis-gateway/internal/models"
	"secure-analysis-gateway/internal/queue"
	"secure-analysis-gateway/internal/storage"
	"secure-analysis-gateway/internal/store"
)

const maxUpload = 1024

var (
	alice = models.Principal{Subject: "alice", Scopes: []models.Scope{models.ScopeRead, models.ScopeWrite}}
	bob   = models.Principal{Subject: "bob", Scopes: []models.Scope{models.ScopeRead, models.ScopeWrite}}
	root  = models.Principal{Subject: "root", Scopes: []models.Scope{models.ScopeAdmin, models.ScopeRead}}
)

type brokenQueue struct{ queue.Queue }

func (brokenQueue) Enqueue(context.Context, string) error { return errors.New("redis down") }

type harness struct {
	svc   *Service
	store *store.Memory
	blobs *storage.Local
	queue *queue.MemoryQueue
	sink  *audit.MemorySink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	blobs, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("blobs: %v", err)
	}
	h := &harness{
		store: store.NewMemory(),
		blobs: blobs,
		queue: queue.NewMemoryQueue(time.Minute),
		sink:  audit.NewMemorySink(),
	}
	h.svc = NewService(h.store, h.blobs, h.queue, audit.New(h.sink, nil, zerolog.Nop()), zerolog.Nop(), maxUpload)
	return h
}

func pdf(n int) Upload {
	body := append([]byte("%PDF-1.7\n"), bytes.Repeat([]byte("x"), n)...)
	return Upload{Body: bytes.NewReader(body), Size: int64(len(body))}
}

func TestSubmitQueuesJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job, err := h.svc.Submit(ctx, "alice", pdf(10), "entropy", true)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != models.StatusQueued || job.Owner != "alice" || job.Mode != models.ModeEntropy || !ValidID(job.ID) {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.InputRef != "inputs/"+job.ID || len(job.InputDigest) != 64 {
		t.Fatalf("unexpected input handle %q digest %q", job.InputRef, job.InputDigest)
	}
	if got, _ := h.queue.Dequeue(ctx); got != job.ID {
		t.Fatalf("expected job id enqueued, got %q", got)
	}
	if _, err := h.blobs.Get(ctx, job.InputRef); err != nil {
		t.Fatalf("input not stored: %v", err)
	}
	entries, _ := h.sink.Query(ctx, models.AuditFilter{Action: models.ActionSubmission, Target: job.ID})
	if len(entries) != 1 || entries[0].Outcome != models.OutcomeSuccess {
		t.Fatalf("expected submission audited, got %+v", entries)
	}
}

func TestSubmitValidationOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	notPDF := Upload{Body: strings.NewReader("MZ\x90\x00"), Size: 4}
	tooBig := pdf(maxUpload)
	cases := []struct {
		name    string
		up      Upload
		mode    string
		consent bool
		want    error
	}{
		{"bad mode wins over everything", notPDF, "ocr", false, apperr.ErrInvalidMode},
		{"consent before size", tooBig, "full", false, apperr.ErrConsentRequired},
		{"size before content", Upload{Body: strings.NewReader(strings.Repeat("a", maxUpload+5)), Size: -1}, "full", true, apperr.ErrPayloadTooLarge},
		{"declared size", tooBig, "metadata", true, apperr.ErrPayloadTooLarge},
		{"content", notPDF, "word-frequency", true, apperr.ErrUnsupportedMediaType},
		{"empty", Upload{Body: strings.NewReader(""), Size: 0}, "full", true, apperr.ErrUnsupportedMediaType},
	}
	for _, tc := range cases {
		if _, err := h.svc.Submit(ctx, "alice", tc.up, tc.mode, tc.consent); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v got %v", tc.name, tc.want, err)
		}
	}
	if d, _ := h.queue.Depth(ctx); d != 0 {
		t.Fatalf("rejected submissions must not be queued, depth=%d", d)
	}
	denied, _ := h.sink.Query(ctx, models.AuditFilter{Action: models.ActionSubmission, Outcome: models.OutcomeDenied})
	if len(denied) != len(cases) {
		t.Fatalf("expected %d denied submissions audited, got %d", len(cases), len(denied))
	}
}

func TestSubmitRollsBackWhenEnqueueFails(t *testing.T) {
	h := newHarness(t)
	h.svc.queue = brokenQueue{}
	ctx := context.Background()
	_, err := h.svc.Submit(ctx, "alice", pdf(1), "full", true)
	if !errors.Is(err, apperr.ErrInternal) {
		t.Fatalf("expected internal error got %v", err)
	}
	entries, _ := h.sink.Query(ctx, models.AuditFilter{Action: models.ActionSubmission, Outcome: models.OutcomeError})
	if len(entries) != 1 {
		t.Fatalf("expected failed submission audited, got %+v", entries)
	}
	id := entries[0].Target
	if _, err := h.store.Get(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("job record should be rolled back, got %v", err)
	}
	if _, err := h.blobs.Get(ctx, storage.InputKey(id)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("input blob should be removed, got %v", err)
	}
}

func TestStatusOwnership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job, _ := h.svc.Submit(ctx, "alice", pdf(1), "full", true)

	if got, err := h.svc.Status(ctx, job.ID, alice); err != nil || got.ID != job.ID {
		t.Fatalf("owner status: %+v %v", got, err)
	}
	if _, err := h.svc.Status(ctx, job.ID, root); err != nil {
		t.Fatalf("admin status: %v", err)
	}
	if _, err := h.svc.Status(ctx, job.ID, bob); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden got %v", err)
	}
	for _, id := range []string{"not-a-uuid", "../../etc/passwd", strings.ToUpper(job.ID), "7b0c8e5e-7f1a-4c1e-9d55-0d1c8f6f1a2b"} {
		if _, err := h.svc.Status(ctx, id, alice); !errors.Is(err, apperr.ErrNotFound) {
			t.Fatalf("%q: expected not found got %v", id, err)
		}
	}
	denied, _ := h.sink.Query(ctx, models.AuditFilter{Action: models.ActionStatus, Outcome: models.OutcomeDenied})
	if len(denied) != 5 {
		t.Fatalf("expected 5 denied status checks audited, got %d", len(denied))
	}
}

func TestResultStates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job, _ := h.svc.Submit(ctx, "alice", pdf(1), "full", true)

	if _, err := h.svc.Result(ctx, job.ID, alice); !errors.Is(err, apperr.ErrNotReady) {
		t.Fatalf("queued: expected not ready got %v", err)
	}
	_, _ = h.store.MarkRunning(ctx, job.ID, time.Now())
	if _, err := h.svc.Result(ctx, job.ID, alice); !errors.Is(err, apperr.ErrNotReady) {
		t.Fatalf("running: expected not ready got %v", err)
	}
	_ = h.blobs.Put(ctx, storage.ResultKey(job.ID), []byte("entropy: 7.9"), "text/plain")
	_, _ = h.store.MarkCompleted(ctx, job.ID, storage.ResultKey(job.ID), time.Now())

	if _, err := h.svc.Result(ctx, job.ID, bob); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden got %v", err)
	}
	data, err := h.svc.Result(ctx, job.ID, alice)
	if err != nil || string(data) != "entropy: 7.9" {
		t.Fatalf("result %q err=%v", data, err)
	}

	failed, _ := h.svc.Submit(ctx, "alice", pdf(1), "full", true)
	_, _ = h.store.MarkRunning(ctx, failed.ID, time.Now())
	_, _ = h.store.MarkFailed(ctx, failed.ID, models.JobError{Kind: models.ErrorTimeout, Message: "deadline exceeded"}, time.Now())
	_, err = h.svc.Result(ctx, failed.ID, alice)
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Code != apperr.CodeJobFailed || !strings.Contains(ae.Message, "Timeout") {
		t.Fatalf("expected JobFailed carrying the kind, got %v", err)
	}
}
