// Package dispatch runs campaign dispatch jobs: delayed, rate limited, retried with
// exponential backoff, with bounded worker concurrency.
package dispatch

import (
	"context"
	"errors"
	"time"

	"broadcast/internal/domain"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = 5 * time.Second
	DefaultConcurrency = 5
	DefaultGateMax     = 50
	DefaultGateWindow  = time.Minute
)

type JobSpec struct {
	RecipientID string
	CampaignID  string
	Delay       time.Duration
	MaxAttempts int
	BackoffBase time.Duration
}

// Producer is the control side of the queue used by the enqueuer and the campaign controller.
type Producer interface {
	Enqueue(ctx context.Context, jobs []JobSpec) (int, error)
	Pause(ctx context.Context, campaignID string) error
	Resume(ctx context.Context, campaignID string) error
	Purge(ctx context.Context, campaignID string) domain.CleanupReport
}

// Store is the consumer side driven by the Runner.
type Store interface {
	Claim(ctx context.Context, now time.Time, staleAfter time.Duration) (domain.DispatchJob, bool, error)
	Complete(ctx context.Context, jobID string, now time.Time) error
	Retry(ctx context.Context, jobID, lastErr string, runAt time.Time) error
	Fail(ctx context.Context, jobID, lastErr string, now time.Time) error
	// Defer puts a job back without charging the attempt it was claimed with.
	Defer(ctx context.Context, jobID string, runAt time.Time) error
}

// ErrDeferred is returned by a Handler that cannot run the job yet (e.g. its campaign
// is paused). The job is rescheduled and keeps its attempt budget.
var ErrDeferred = errors.New("dispatch job deferred")

type Handler func(ctx context.Context, job domain.DispatchJob) error

// Backoff returns the delay before retry number `attempt` (1-based): base, 2*base, 4*base...
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		attempt = 16
	}
	return base << (attempt - 1)
}
