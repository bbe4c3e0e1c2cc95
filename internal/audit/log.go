package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"secure-analysis-gateway/internal/apperr"
	"secure-analysis-gateway/internal/models"
	"secure-analysis-gateway/internal/telemetry"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

type remoteAddrKey struct{}

// WithRemoteAddr tags ctx so entries appended under it record the caller's
// network address.
func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, remoteAddrKey{}, addr)
}

func remoteAddrFrom(ctx context.Context) string {
	if v, ok := ctx.Value(remoteAddrKey{}).(string); ok {
		return v
	}
	return ""
}

// Log is the append-only audit trail shared by every component.
type Log struct {
	sink   Sink
	logger zerolog.Logger
	now    func() time.Time

	fbMu     sync.Mutex
	fallback io.Writer
}

// New wraps sink. fallback receives entries the sink could not persist;
// it may be nil.
func New(sink Sink, fallback io.Writer, logger zerolog.Logger) *Log {
	return &Log{
		sink:     sink,
		logger:   logger,
		now:      time.Now,
		fallback: fallback,
	}
}

// Append records e. It never fails the caller: sink errors are logged,
// counted, and mirrored to the fallback writer.
func (l *Log) Append(ctx context.Context, e models.AuditEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
	if e.RemoteAddr == "" {
		e.RemoteAddr = remoteAddrFrom(ctx)
	}
	// Audit writes must survive request cancellation.
	ctx = context.WithoutCancel(ctx)
	if _, err := l.sink.Append(ctx, e); err != nil {
		telemetry.AuditSinkFailures.Inc()
		l.logger.Error().Err(err).
			Str("action", e.Action).
			Str("actor", e.Actor).
			Str("target", e.Target).
			Msg("audit sink append failed")
		l.writeFallback(e, err)
	}
}

// Record is Append for the common fields.
func (l *Log) Record(ctx context.Context, actor, action, target string, outcome models.Outcome, detail string) {
	l.Append(ctx, models.AuditEntry{
		Actor:   actor,
		Action:  action,
		Target:  target,
		Outcome: outcome,
		Detail:  detail,
	})
}

func (l *Log) writeFallback(e models.AuditEntry, cause error) {
	if l.fallback == nil {
		return
	}
	alert := models.AuditEntry{
		Timestamp: l.now().UTC(),
		Actor:     models.ActorSystem,
		Action:    models.ActionSinkFailure,
		Target:    e.Action,
		Outcome:   models.OutcomeError,
		Detail:    cause.Error(),
	}
	l.fbMu.Lock()
	defer l.fbMu.Unlock()
	enc := json.NewEncoder(l.fallback)
	if err := enc.Encode(e); err != nil {
		l.logger.Error().Err(err).Msg("audit fallback write failed")
		return
	}
	_ = enc.Encode(alert)
}

// Query returns entries matching f in append order. Only admins may read
// the log; every attempt is itself audited.
func (l *Log) Query(ctx context.Context, f models.AuditFilter, requester models.Principal) ([]models.AuditEntry, error) {
	if !requester.IsAdmin() {
		l.Record(ctx, requester.Subject, models.ActionAuditQuery, "audit_log", models.OutcomeDenied, "admin scope required")
		return nil, apperr.ErrForbidden
	}
	if f.Limit <= 0 {
		f.Limit = defaultQueryLimit
	}
	if f.Limit > maxQueryLimit {
		f.Limit = maxQueryLimit
	}
	entries, err := l.sink.Query(ctx, f)
	if err != nil {
		l.Record(ctx, requester.Subject, models.ActionAuditQuery, "audit_log", models.OutcomeError, "query failed")
		return nil, err
	}
	l.Record(ctx, requester.Subject, models.ActionAuditQuery, "audit_log", models.OutcomeSuccess, "")
	return entries, nil
}

// VerifyReport summarizes a hash-chain check.
type VerifyReport struct {
	OK       bool   `json:"ok"`
	Checked  int64  `json:"checked"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Verify walks the whole chain and reports the first inconsistency.
func (l *Log) Verify(ctx context.Context, requester models.Principal) (VerifyReport, error) {
	if !requester.IsAdmin() {
		l.Record(ctx, requester.Subject, models.ActionAuditVerify, "audit_log", models.OutcomeDenied, "admin scope required")
		return VerifyReport{}, apperr.ErrForbidden
	}
	var v ChainVerifier
	report := VerifyReport{OK: true}
	err := l.sink.Scan(ctx, func(e models.AuditEntry) error {
		if err := v.Check(e); err != nil {
			report.OK = false
			report.BrokenAt = e.Seq
			report.Reason = err.Error()
			return errStopScan
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		l.Record(ctx, requester.Subject, models.ActionAuditVerify, "audit_log", models.OutcomeError, "scan failed")
		return VerifyReport{}, err
	}
	report.Checked = v.Checked()
	outcome := models.OutcomeSuccess
	if !report.OK {
		outcome = models.OutcomeError
	}
	l.Record(ctx, requester.Subject, models.ActionAuditVerify, "audit_log", outcome, report.Reason)
	return report, nil
}

var errStopScan = errors.New("stop scan")
