package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"broadcast/internal/domain"
	"broadcast/internal/observability"
)

// Runner claims due jobs and runs them on a fixed number of workers. A job is only
// claimed once a worker slot is free and the rate gate admits it.
type Runner struct {
	Store        Store
	Handler      Handler
	Concurrency  int
	Gate         *rate.Limiter
	PollInterval time.Duration
	// StaleAfter is how long an active job may stay locked before another runner reclaims it.
	StaleAfter time.Duration
	JobTimeout time.Duration
	// DeferFor is how long a deferred job waits before it is claimable again.
	DeferFor time.Duration
	// Exhausted is called after a job is failed for good, with the handler's last error.
	Exhausted func(ctx context.Context, job domain.DispatchJob, lastErr error)
	Now       func() time.Time
}

func (r *Runner) deferFor() time.Duration {
	if r.DeferFor > 0 {
		return r.DeferFor
	}
	return 30 * time.Second
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

// Run blocks until ctx is canceled. In-flight jobs are never interrupted: Run waits
// for them before returning.
func (r *Runner) Run(ctx context.Context) error {
	workers := r.Concurrency
	if workers <= 0 {
		workers = DefaultConcurrency
	}
	poll := r.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	stale := r.StaleAfter
	if stale <= 0 {
		stale = 5 * time.Minute
	}

	slots := make(chan struct{}, workers)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		if r.Gate != nil {
			if err := r.Gate.Wait(ctx); err != nil {
				<-slots
				return ctx.Err()
			}
		}

		job, ok, err := r.Store.Claim(ctx, r.now(), stale)
		if err != nil || !ok {
			<-slots
			if err != nil && ctx.Err() == nil {
				slog.Error("dispatch claim failed", "err", err)
			}
			select {
			case <-time.After(poll):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		wg.Add(1)
		go func(job domain.DispatchJob) {
			defer wg.Done()
			defer func() { <-slots }()
			r.execute(context.WithoutCancel(ctx), job)
		}(job)
	}
}

func (r *Runner) execute(ctx context.Context, job domain.DispatchJob) {
	start := time.Now()
	err := r.handle(ctx, job)

	now := r.now()
	var result string
	var bookErr error
	switch {
	case err == nil:
		result = "completed"
		bookErr = r.Store.Complete(ctx, job.ID, now)
	case errors.Is(err, ErrDeferred):
		result = "deferred"
		bookErr = r.Store.Defer(ctx, job.ID, now.Add(r.deferFor()))
	case job.Attempts < job.MaxAttempts:
		result = "retry"
		bookErr = r.Store.Retry(ctx, job.ID, err.Error(), now.Add(Backoff(job.BackoffBase, job.Attempts)))
	default:
		result = "failed"
		bookErr = r.Store.Fail(ctx, job.ID, err.Error(), now)
	}

	observability.DispatchJobs.WithLabelValues(result).Inc()
	observability.DispatchLatency.Observe(time.Since(start).Seconds())

	attrs := []any{
		"job_id", job.ID,
		"campaign_id", job.CampaignID,
		"recipient_id", job.RecipientID,
		"attempt", job.Attempts,
		"result", result,
		"duration", time.Since(start),
	}
	if err != nil && result != "deferred" {
		slog.Warn("dispatch job finish", append(attrs, "err", err)...)
	} else {
		slog.Info("dispatch job finish", attrs...)
	}
	if bookErr != nil {
		slog.Error("dispatch job bookkeeping failed", "job_id", job.ID, "result", result, "err", bookErr)
	}
	if result == "failed" && r.Exhausted != nil {
		r.exhausted(ctx, job, err)
	}
}

func (r *Runner) exhausted(ctx context.Context, job domain.DispatchJob, lastErr error) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("dispatch exhausted hook panic", "job_id", job.ID, "panic", fmt.Sprint(p))
		}
	}()
	r.Exhausted(ctx, job, lastErr)
}

func (r *Runner) handle(ctx context.Context, job domain.DispatchJob) (err error) {
	if r.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.JobTimeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("dispatch handler panic: %v", p)
		}
	}()
	return r.Handler(ctx, job)
}
