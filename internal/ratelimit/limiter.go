package ratelimit

import (
	"context"
	"fmt"
	"time"

	"secure-analysis-gateway/internal/config"
)

// Bucket identifies an endpoint class with its own budget.
type Bucket string

const (
	BucketLogin     Bucket = "login"
	BucketJobSubmit Bucket = "job-submit"
)

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter bounds request frequency per (key, bucket). Implementations
// must make the check-and-consume step atomic.
type Limiter interface {
	Allow(ctx context.Context, key string, bucket Bucket) (Decision, error)
}

// Rules maps each bucket to its budget.
type Rules map[Bucket]config.Rate

// RulesFromConfig parses the configured login and job-submit budgets.
func RulesFromConfig(cfg config.Config) (Rules, error) {
	login, err := config.ParseRate(cfg.LoginRateLimit)
	if err != nil {
		return nil, fmt.Errorf("login rate: %w", err)
	}
	jobs, err := config.ParseRate(cfg.JobRateLimit)
	if err != nil {
		return nil, fmt.Errorf("job rate: %w", err)
	}
	return Rules{BucketLogin: login, BucketJobSubmit: jobs}, nil
}

func (r Rules) lookup(bucket Bucket) (config.Rate, error) {
	rate, ok := r[bucket]
	if !ok {
		return config.Rate{}, fmt.Errorf("no rate configured for bucket %q", bucket)
	}
	return rate, nil
}

// refillPerSecond converts a budget into a token bucket refill rate.
func refillPerSecond(rate config.Rate) float64 {
	return float64(rate.Limit) / rate.Window.Seconds()
}
