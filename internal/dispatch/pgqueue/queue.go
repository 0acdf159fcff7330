// Package pgqueue is the Postgres-backed dispatch queue. Jobs are claimed with
// FOR UPDATE SKIP LOCKED so any number of runners can share the table.
package pgqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"broadcast/internal/dispatch"
	"broadcast/internal/domain"
	"broadcast/internal/util"
)

type Queue struct {
	DB  *pgxpool.Pool
	Now func() time.Time
}

func New(db *pgxpool.Pool) *Queue { return &Queue{DB: db} }

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now().UTC()
}

// Enqueue inserts jobs in one statement. A recipient that already has a live job is
// skipped; the returned count is the number of jobs actually added.
func (q *Queue) Enqueue(ctx context.Context, jobs []dispatch.JobSpec) (int, error) {
	if len(jobs) == 0 {
		return 0, nil
	}
	now := q.now()
	ids := make([]string, len(jobs))
	recipients := make([]string, len(jobs))
	campaigns := make([]string, len(jobs))
	runAt := make([]time.Time, len(jobs))
	maxAttempts := make([]int32, len(jobs))
	backoff := make([]int64, len(jobs))
	for i, j := range jobs {
		ids[i] = util.NewID(util.PrefixJob)
		recipients[i] = j.RecipientID
		campaigns[i] = j.CampaignID
		runAt[i] = now.Add(j.Delay)
		maxAttempts[i] = int32(j.MaxAttempts)
		if maxAttempts[i] <= 0 {
			maxAttempts[i] = dispatch.DefaultMaxAttempts
		}
		backoff[i] = j.BackoffBase.Milliseconds()
		if backoff[i] <= 0 {
			backoff[i] = dispatch.DefaultBackoffBase.Milliseconds()
		}
	}

	ct, err := q.DB.Exec(ctx, `
		INSERT INTO dispatch_jobs (id, recipient_id, campaign_id, state, run_at, max_attempts, backoff_base_ms, created_at)
		SELECT j.id, j.recipient_id, j.campaign_id, 'waiting', j.run_at, j.max_attempts, j.backoff_ms, $7
		FROM unnest($1::text[], $2::text[], $3::text[], $4::timestamptz[], $5::int[], $6::bigint[])
		     AS j(id, recipient_id, campaign_id, run_at, max_attempts, backoff_ms)
		ON CONFLICT (recipient_id) WHERE state IN ('waiting','active') DO NOTHING
	`, ids, recipients, campaigns, runAt, maxAttempts, backoff, now)
	if err != nil {
		return 0, fmt.Errorf("enqueue dispatch jobs: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

// Claim locks the next due job of an unpaused campaign and bumps its attempt count.
// Active jobs whose lock is older than staleAfter are reclaimed, as long as they have
// attempts left.
func (q *Queue) Claim(ctx context.Context, now time.Time, staleAfter time.Duration) (domain.DispatchJob, bool, error) {
	var j domain.DispatchJob
	var state string
	var backoffMS int64
	err := q.DB.QueryRow(ctx, `
		UPDATE dispatch_jobs SET state='active', locked_at=$1, attempts=attempts+1
		WHERE id = (
			SELECT d.id FROM dispatch_jobs d
			WHERE ((d.state='waiting' AND d.run_at <= $1)
			    OR (d.state='active' AND d.locked_at < $2 AND d.attempts < d.max_attempts))
			  AND NOT EXISTS (SELECT 1 FROM dispatch_paused p WHERE p.campaign_id = d.campaign_id)
			ORDER BY d.run_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, recipient_id, campaign_id, state, run_at, attempts, max_attempts, backoff_base_ms,
		          COALESCE(last_error,''), locked_at
	`, now, now.Add(-staleAfter)).Scan(&j.ID, &j.RecipientID, &j.CampaignID, &state, &j.RunAt, &j.Attempts,
		&j.MaxAttempts, &backoffMS, &j.LastError, &j.LockedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DispatchJob{}, false, nil
		}
		return domain.DispatchJob{}, false, err
	}
	j.State = domain.JobState(state)
	j.BackoffBase = time.Duration(backoffMS) * time.Millisecond
	return j, true, nil
}

// Complete, Retry and Fail only touch active jobs; a job purged while in flight
// is gone and the call is a no-op.
func (q *Queue) Complete(ctx context.Context, jobID string, now time.Time) error {
	_, err := q.DB.Exec(ctx, `
		UPDATE dispatch_jobs SET state='completed', finished_at=$2, locked_at=NULL
		WHERE id=$1 AND state='active'
	`, jobID, now)
	return err
}

func (q *Queue) Retry(ctx context.Context, jobID, lastErr string, runAt time.Time) error {
	_, err := q.DB.Exec(ctx, `
		UPDATE dispatch_jobs SET state='waiting', run_at=$2, last_error=$3, locked_at=NULL
		WHERE id=$1 AND state='active'
	`, jobID, runAt, lastErr)
	return err
}

func (q *Queue) Fail(ctx context.Context, jobID, lastErr string, now time.Time) error {
	_, err := q.DB.Exec(ctx, `
		UPDATE dispatch_jobs SET state='failed', finished_at=$2, last_error=$3, locked_at=NULL
		WHERE id=$1 AND state='active'
	`, jobID, now, lastErr)
	return err
}

func (q *Queue) Defer(ctx context.Context, jobID string, runAt time.Time) error {
	_, err := q.DB.Exec(ctx, `
		UPDATE dispatch_jobs SET state='waiting', run_at=$2, attempts=GREATEST(attempts-1, 0), locked_at=NULL
		WHERE id=$1 AND state='active'
	`, jobID, runAt)
	return err
}

func (q *Queue) Pause(ctx context.Context, campaignID string) error {
	_, err := q.DB.Exec(ctx, `
		INSERT INTO dispatch_paused (campaign_id, paused_at) VALUES ($1,$2)
		ON CONFLICT (campaign_id) DO NOTHING
	`, campaignID, q.now())
	return err
}

func (q *Queue) Resume(ctx context.Context, campaignID string) error {
	_, err := q.DB.Exec(ctx, `DELETE FROM dispatch_paused WHERE campaign_id=$1`, campaignID)
	return err
}

// Purge drops every waiting job of the campaign and removes in-flight ones,
// reporting them as failed. Each step runs even if an earlier one failed; errors are
// collected in the report.
func (q *Queue) Purge(ctx context.Context, campaignID string) domain.CleanupReport {
	var rep domain.CleanupReport

	ct, err := q.DB.Exec(ctx, `DELETE FROM dispatch_jobs WHERE campaign_id=$1 AND state='waiting'`, campaignID)
	if err != nil {
		rep.AddErr(fmt.Errorf("remove waiting jobs: %w", err))
	} else {
		rep.Removed = int(ct.RowsAffected())
	}

	// in-flight jobs count as failed; the worker's own Complete/Fail becomes a no-op
	ct, err = q.DB.Exec(ctx, `DELETE FROM dispatch_jobs WHERE campaign_id=$1 AND state='active'`, campaignID)
	if err != nil {
		rep.AddErr(fmt.Errorf("fail active jobs: %w", err))
	} else {
		rep.Failed = int(ct.RowsAffected())
	}

	if err := q.Resume(ctx, campaignID); err != nil {
		rep.AddErr(fmt.Errorf("clear pause marker: %w", err))
	}
	return rep
}

// Depth reports how many jobs of the campaign are waiting and in flight.
func (q *Queue) Depth(ctx context.Context, campaignID string) (waiting, active int, err error) {
	err = q.DB.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE state='waiting'), COUNT(*) FILTER (WHERE state='active')
		FROM dispatch_jobs WHERE campaign_id=$1
	`, campaignID).Scan(&waiting, &active)
	return waiting, active, err
}

// Prune deletes finished jobs past their retention. Active jobs that went stale with
// no attempts left are failed first so they become prunable; their still-queued
// recipients are failed with them and the affected campaigns get a completion check.
func (q *Queue) Prune(ctx context.Context, completedBefore, failedBefore time.Time) (int64, error) {
	now := q.now()
	rows, err := q.DB.Query(ctx, `
		WITH abandoned AS (
			UPDATE dispatch_jobs SET state='failed', last_error='abandoned', finished_at=$1
			WHERE state='active' AND attempts >= max_attempts AND locked_at < $2
			RETURNING recipient_id
		), failed AS (
			UPDATE campaign_recipients r
			SET status='failed', error_message='dispatch abandoned', failed_at=$1, updated_at=$1
			FROM abandoned a
			WHERE r.id = a.recipient_id AND r.status='queued'
			RETURNING r.campaign_id
		)
		UPDATE campaigns c SET failed_count = failed_count + f.n, updated_at=$1
		FROM (SELECT campaign_id, COUNT(*) AS n FROM failed GROUP BY campaign_id) f
		WHERE c.id = f.campaign_id
		RETURNING c.id
	`, now, completedBefore)
	if err != nil {
		return 0, err
	}
	campaigns, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, err
	}
	if len(campaigns) > 0 {
		_, err := q.DB.Exec(ctx, `
			UPDATE campaigns c SET status='completed', completed_at=$2, updated_at=$2
			WHERE c.id = ANY($1) AND c.status='running'
			  AND NOT EXISTS (
			    SELECT 1 FROM campaign_recipients r
			    WHERE r.campaign_id = c.id AND r.status IN ('pending','queued')
			  )
		`, campaigns, now)
		if err != nil {
			return 0, fmt.Errorf("complete campaigns after abandoned jobs: %w", err)
		}
	}

	ct, err := q.DB.Exec(ctx, `
		DELETE FROM dispatch_jobs
		WHERE (state='completed' AND finished_at < $1) OR (state='failed' AND finished_at < $2)
	`, completedBefore, failedBefore)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

var (
	_ dispatch.Producer = (*Queue)(nil)
	_ dispatch.Store    = (*Queue)(nil)
	_ dispatch.Pruner   = (*Queue)(nil)
)
