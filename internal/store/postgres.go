package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"secure-analysis-gateway/internal/audit"
	"secure-analysis-gateway/internal/models"
)

// auditLockKey serialises audit appends across every process sharing the
// database.
const auditLockKey = 0x617564697400

// Postgres wraps pgxpool for job and audit persistence. It implements both
// Store and audit.Sink.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for readiness probes.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id::text, owner, mode, status, input_ref, input_digest, input_size,
	created_at, started_at, completed_at, result_ref, error_kind, error_message`

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job       models.Job
		errKind   *string
		errMsg    *string
		mode      string
		status    string
		started   *time.Time
		completed *time.Time
	)
	if err := row.Scan(&job.ID, &job.Owner, &mode, &status, &job.InputRef, &job.InputDigest, &job.InputSize,
		&job.CreatedAt, &started, &completed, &job.ResultRef, &errKind, &errMsg); err != nil {
		return models.Job{}, err
	}
	job.Mode = models.Mode(mode)
	job.Status = models.JobStatus(status)
	job.CreatedAt = job.CreatedAt.UTC()
	if started != nil {
		t := started.UTC()
		job.StartedAt = &t
	}
	if completed != nil {
		t := completed.UTC()
		job.CompletedAt = &t
	}
	if errKind != nil {
		job.Error = &models.JobError{Kind: models.ErrorKind(*errKind)}
		if errMsg != nil {
			job.Error.Message = *errMsg
		}
	}
	return job, nil
}

// Create inserts a queued job row.
func (s *Postgres) Create(ctx context.Context, job models.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, owner, mode, status, input_ref, input_digest, input_size, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, job.ID, job.Owner, string(job.Mode), string(job.Status), job.InputRef, job.InputDigest, job.InputSize, job.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get fetches a job by id.
func (s *Postgres) Get(ctx context.Context, id string) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// MarkRunning moves a queued job to running. The WHERE clause on the prior
// status makes concurrent claims race-free.
func (s *Postgres) MarkRunning(ctx context.Context, id string, at time.Time) (models.Job, error) {
	return s.transition(ctx, id, `
		UPDATE jobs SET status = 'running', started_at = $2
		WHERE id = $1 AND status = 'queued'
		RETURNING `+jobColumns, id, at.UTC())
}

// MarkCompleted moves a running job to completed with its artifact handle.
func (s *Postgres) MarkCompleted(ctx context.Context, id, resultRef string, at time.Time) (models.Job, error) {
	return s.transition(ctx, id, `
		UPDATE jobs SET status = 'completed', result_ref = $2, completed_at = $3
		WHERE id = $1 AND status = 'running'
		RETURNING `+jobColumns, id, resultRef, at.UTC())
}

// MarkFailed moves a running job to failed with a sanitized error.
func (s *Postgres) MarkFailed(ctx context.Context, id string, jobErr models.JobError, at time.Time) (models.Job, error) {
	return s.transition(ctx, id, `
		UPDATE jobs SET status = 'failed', error_kind = $2, error_message = $3, completed_at = $4
		WHERE id = $1 AND status = 'running'
		RETURNING `+jobColumns, id, string(jobErr.Kind), jobErr.Message, at.UTC())
}

func (s *Postgres) transition(ctx context.Context, id, sql string, args ...any) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, sql, args...))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("update job: %w", err)
	}
	// No row updated: either the job is missing or its status did not match.
	current, getErr := s.Get(ctx, id)
	if getErr != nil {
		return models.Job{}, getErr
	}
	return current, ErrInvalidTransition
}

// Delete removes a job row.
func (s *Postgres) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTerminalBefore returns finished jobs older than cutoff, oldest first.
func (s *Postgres) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN ('completed', 'failed') AND completed_at < $1
		ORDER BY completed_at
		LIMIT $2
	`, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list terminal jobs: %w", err)
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// Append links e to the current chain head and inserts it. The advisory
// lock is held for the life of the transaction so concurrent writers in
// other processes observe a consistent head.
func (s *Postgres) Append(ctx context.Context, e models.AuditEntry) (models.AuditEntry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.AuditEntry{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(auditLockKey)); err != nil {
		return models.AuditEntry{}, fmt.Errorf("audit lock: %w", err)
	}
	var prev models.AuditEntry
	err = tx.QueryRow(ctx, `SELECT seq, hash FROM audit_log ORDER BY seq DESC LIMIT 1`).Scan(&prev.Seq, &prev.Hash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return models.AuditEntry{}, fmt.Errorf("read chain head: %w", err)
	}
	e = audit.Link(prev, e)
	_, err = tx.Exec(ctx, `
		INSERT INTO audit_log (seq, ts, actor, action, target, outcome, detail, remote_addr, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.Seq, e.Timestamp, e.Actor, e.Action, e.Target, string(e.Outcome), e.Detail, e.RemoteAddr, e.PrevHash, e.Hash)
	if err != nil {
		return models.AuditEntry{}, fmt.Errorf("insert audit entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.AuditEntry{}, fmt.Errorf("commit: %w", err)
	}
	return e, nil
}

const auditColumns = `seq, ts, actor, action, target, outcome, detail, remote_addr, prev_hash, hash`

func scanAudit(row pgx.Row) (models.AuditEntry, error) {
	var e models.AuditEntry
	var outcome string
	if err := row.Scan(&e.Seq, &e.Timestamp, &e.Actor, &e.Action, &e.Target, &outcome,
		&e.Detail, &e.RemoteAddr, &e.PrevHash, &e.Hash); err != nil {
		return models.AuditEntry{}, err
	}
	e.Outcome = models.Outcome(outcome)
	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}

// Query returns audit entries matching f in append order.
func (s *Postgres) Query(ctx context.Context, f models.AuditFilter) ([]models.AuditEntry, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	add("seq > $%d", f.AfterSeq)
	if f.Actor != "" {
		add("actor = $%d", f.Actor)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.Target != "" {
		add("target = $%d", f.Target)
	}
	if f.Outcome != "" {
		add("outcome = $%d", string(f.Outcome))
	}
	if !f.Since.IsZero() {
		add("ts >= $%d", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		add("ts <= $%d", f.Until.UTC())
	}
	sql := `SELECT ` + auditColumns + ` FROM audit_log WHERE ` + strings.Join(conds, " AND ") + ` ORDER BY seq`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()
	out := make([]models.AuditEntry, 0)
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Scan streams the whole audit log in append order.
func (s *Postgres) Scan(ctx context.Context, fn func(models.AuditEntry) error) error {
	rows, err := s.pool.Query(ctx, `SELECT `+auditColumns+` FROM audit_log ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("scan audit log: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return fmt.Errorf("scan audit entry: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

var (
	_ Store      = (*Postgres)(nil)
	_ Store      = (*Memory)(nil)
	_ audit.Sink = (*Postgres)(nil)
)
