// Package app assembles the gateway and executor from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"secure-analysis-gateway/internal/api"
	"secure-analysis-gateway/internal/audit"
	"secure-analysis-gateway/internal/auth"
	"secure-analysis-gateway/internal/config"
	"secure-analysis-gateway/internal/credentials"
	"secure-analysis-gateway/internal/jobs"
	"secure-analysis-gateway/internal/logging"
	"secure-analysis-gateway/internal/queue"
	"secure-analysis-gateway/internal/ratelimit"
	"secure-analysis-gateway/internal/sandbox"
	"secure-analysis-gateway/internal/storage"
	"secure-analysis-gateway/internal/store"
	"secure-analysis-gateway/internal/worker"
)

// Backends holds the shared state both processes run against.
type Backends struct {
	Store     store.Store
	AuditSink audit.Sink
	Queue     queue.Queue
	Blobs     storage.Blobs
	Limiter   ratelimit.Limiter
	Audit     *audit.Log

	closers []func()
}

// Open connects every configured backend. On error, anything already
// opened is closed again.
func Open(ctx context.Context, cfg config.Config, logger zerolog.Logger) (_ *Backends, err error) {
	b := &Backends{}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	switch cfg.StateBackend {
	case "postgres":
		pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pg.Close)
		if err := pg.RunMigrations(ctx); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		b.Store, b.AuditSink = pg, pg
	default:
		b.Store, b.AuditSink = store.NewMemory(), audit.NewMemorySink()
	}

	var rdb *redis.Client
	if cfg.QueueBackend == "redis" || cfg.RateLimitBackend == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		b.closers = append(b.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
	}

	if cfg.QueueBackend == "redis" {
		b.Queue = queue.NewRedisQueue(rdb, cfg.VisibilityTimeout)
	} else {
		b.Queue = queue.NewMemoryQueue(cfg.VisibilityTimeout)
	}

	rules, err := ratelimit.RulesFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.RateLimitBackend == "redis" {
		b.Limiter = ratelimit.NewTokenBucket(rdb, rules)
	} else {
		b.Limiter = ratelimit.NewMemoryLimiter(rules)
	}

	var raw storage.Blobs
	if cfg.BlobBackend == "s3" {
		raw, err = storage.NewS3(ctx, storage.S3Options{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
	} else {
		raw, err = storage.NewLocal(cfg.BlobDir)
	}
	if err != nil {
		return nil, err
	}
	compressed, err := storage.NewCompressed(raw)
	if err != nil {
		return nil, err
	}
	b.Blobs = compressed

	fallback, closeFallback, err := openFallback(cfg.AuditFallbackFile)
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, closeFallback)
	b.Audit = audit.New(b.AuditSink, fallback, logging.Component(logger, "audit"))

	logger.Info().
		Str("state", cfg.StateBackend).
		Str("queue", cfg.QueueBackend).
		Str("blobs", cfg.BlobBackend).
		Str("rate_limit", cfg.RateLimitBackend).
		Msg("backends ready")
	return b, nil
}

// Close releases connections in reverse order of opening.
func (b *Backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// openFallback opens the secondary audit channel. Without a configured
// file, entries go to stderr.
func openFallback(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stderr, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit fallback: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// NewGateway builds the HTTP server over b.
func NewGateway(cfg config.Config, b *Backends, logger zerolog.Logger) (*api.Server, error) {
	creds, err := credentials.Load(cfg.CredentialsFile)
	if err != nil {
		return nil, err
	}
	if creds.Len() == 0 {
		logger.Warn().Str("file", cfg.CredentialsFile).Msg("credentials file has no users")
	}
	tokens, err := auth.NewService(creds, b.Audit, logging.Component(logger, "auth"), []byte(cfg.SigningKey), cfg.TokenTTL)
	if err != nil {
		return nil, err
	}
	js := jobs.NewService(b.Store, b.Blobs, b.Queue, b.Audit, logging.Component(logger, "jobs"), cfg.MaxUploadBytes)
	return api.New(tokens, js, b.Audit, b.Limiter, logging.Component(logger, "api"), cfg.MaxUploadBytes), nil
}

// NewExecutor builds the executor pool over b.
func NewExecutor(cfg config.Config, b *Backends, logger zerolog.Logger) (*worker.Pool, error) {
	if err := cfg.ValidateExecutor(); err != nil {
		return nil, err
	}
	runner, err := sandbox.NewRunner(sandbox.Options{
		ToolPath:       cfg.ToolPath,
		ToolArgs:       cfg.ToolArgs,
		Timeout:        cfg.ExecTimeout,
		MaxOutputBytes: cfg.MaxArtifactBytes,
	}, logging.Component(logger, "sandbox"))
	if err != nil {
		return nil, err
	}
	return worker.NewPool(worker.PoolConfig{
		Concurrency:  cfg.ExecutorConcurrency,
		TempRoot:     cfg.TempRoot,
		PollInterval: cfg.WorkerPollInterval,
		Retention:    cfg.JobRetention,
	}, b.Store, b.Queue, b.Blobs, runner, b.Audit, logging.Component(logger, "executor"))
}

// CheckStandalone rejects in-process backends for a process that shares
// its work with another one.
func CheckStandalone(cfg config.Config) error {
	var errs []error
	if cfg.StateBackend == "memory" {
		errs = append(errs, errors.New("STATE_BACKEND=memory cannot be shared between processes"))
	}
	if cfg.QueueBackend == "memory" {
		errs = append(errs, errors.New("QUEUE_BACKEND=memory cannot be shared between processes"))
	}
	return errors.Join(errs...)
}
