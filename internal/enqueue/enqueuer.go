// Package enqueue turns a running campaign's pending recipients into staggered
// dispatch jobs.
package enqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"broadcast/internal/dispatch"
	"broadcast/internal/domain"
	"broadcast/internal/observability"
	"broadcast/internal/store"
	"broadcast/internal/util"
)

const DefaultBatchSize = 100

const (
	ReasonContactNotFound = "contact not found"
	ReasonNotOptedIn      = "not opted in"
	ReasonInvalidPhone    = "invalid phone format"
)

type Store interface {
	GetCampaign(ctx context.Context, id string) (domain.Campaign, error)
	ListPendingRecipients(ctx context.Context, in store.RecipientPage) ([]domain.Recipient, error)
	GetContacts(ctx context.Context, ids []string) (map[string]domain.Contact, error)
	CountRecipients(ctx context.Context, campaignID string, status domain.RecipientStatus) (int, error)
	MarkRecipientsQueued(ctx context.Context, ids []string, now time.Time) (int64, error)
	MarkRecipientsFailed(ctx context.Context, failures []store.RecipientFailure, now time.Time) (int64, error)
	ReleaseRecipients(ctx context.Context, ids []string, now time.Time) (int64, error)
	IncrementCampaignCounters(ctx context.Context, campaignID string, d store.CounterDelta, now time.Time) error
	MaybeCompleteCampaign(ctx context.Context, campaignID string, now time.Time) (bool, error)
}

type Enqueuer struct {
	Store       Store
	Queue       dispatch.Producer
	BatchSize   int
	MaxAttempts int
	BackoffBase time.Duration
	Now         func() time.Time
}

type Result struct {
	Queued      int
	Invalid     int
	BatchErrors int
}

func (e *Enqueuer) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return util.NowUTC()
}

// StaggerDelay spaces jobs so that perBatch of them fire every delaySeconds:
// index*delaySeconds*1000/perBatch milliseconds, truncated.
func StaggerDelay(index, perBatch, delaySeconds int) time.Duration {
	if perBatch <= 0 || delaySeconds <= 0 || index <= 0 {
		return 0
	}
	ms := int64(index) * int64(delaySeconds) * 1000 / int64(perBatch)
	return time.Duration(ms) * time.Millisecond
}

// JobDelay applies the campaign's hourly and daily caps on top of the stagger: job n
// runs no earlier than floor(n/hourly) hours and floor(n/daily) days from now.
func JobDelay(c domain.Campaign, index int) time.Duration {
	d := StaggerDelay(index, c.RateLimitPerBatch, c.RateLimitDelaySeconds)
	if c.HourlyCap != nil && *c.HourlyCap > 0 {
		if h := time.Duration(index / *c.HourlyCap) * time.Hour; h > d {
			d = h
		}
	}
	if c.DailyCap != nil && *c.DailyCap > 0 {
		if dd := time.Duration(index / *c.DailyCap) * 24 * time.Hour; dd > d {
			d = dd
		}
	}
	return d
}

// Validate returns the failure reason for a recipient's contact, or "" when it may be sent to.
func Validate(c domain.Contact, found bool) string {
	switch {
	case !found:
		return ReasonContactNotFound
	case !c.OptIn:
		return ReasonNotOptedIn
	case !util.ValidPhone(util.NormalizePhone(c.Phone)):
		return ReasonInvalidPhone
	}
	return ""
}

// Run enqueues every pending recipient of a running campaign. It acts only on pending
// recipients, so it is safe to run again after an interruption.
func (e *Enqueuer) Run(ctx context.Context, campaignID string) (Result, error) {
	var res Result
	size := e.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}

	offset, err := e.Store.CountRecipients(ctx, campaignID, domain.RecipientQueued)
	if err != nil {
		return res, fmt.Errorf("count queued recipients: %w", err)
	}
	index := offset

	after := ""
	for {
		c, err := e.Store.GetCampaign(ctx, campaignID)
		if err != nil {
			return res, fmt.Errorf("load campaign: %w", err)
		}
		if c.Status != domain.CampaignRunning {
			slog.Info("enqueue halted", "campaign_id", campaignID, "status", c.Status)
			return res, nil
		}

		page, err := e.Store.ListPendingRecipients(ctx, store.RecipientPage{CampaignID: campaignID, AfterID: after, Limit: size})
		if err != nil {
			return res, fmt.Errorf("list pending recipients: %w", err)
		}
		if len(page) == 0 {
			break
		}
		after = page[len(page)-1].ID

		queued, invalid, err := e.batch(ctx, c, page, index)
		res.Queued += queued
		res.Invalid += invalid
		index += queued
		if err != nil {
			res.BatchErrors++
			slog.Error("enqueue batch failed", "campaign_id", campaignID, "after_id", after, "err", err)
		}
		if len(page) < size {
			break
		}
	}

	if _, err := e.Store.MaybeCompleteCampaign(ctx, campaignID, e.now()); err != nil {
		slog.Error("completion check failed", "campaign_id", campaignID, "err", err)
	}
	slog.Info("enqueue done", "campaign_id", campaignID, "queued", res.Queued, "invalid", res.Invalid, "batch_errors", res.BatchErrors)
	return res, nil
}

func (e *Enqueuer) batch(ctx context.Context, c domain.Campaign, page []domain.Recipient, index int) (queued, invalid int, err error) {
	contactIDs := make([]string, 0, len(page))
	for _, r := range page {
		contactIDs = append(contactIDs, r.ContactID)
	}
	contacts, err := e.Store.GetContacts(ctx, contactIDs)
	if err != nil {
		return 0, 0, fmt.Errorf("load contacts: %w", err)
	}

	var valid []string
	var failures []store.RecipientFailure
	for _, r := range page {
		ct, ok := contacts[r.ContactID]
		if reason := Validate(ct, ok); reason != "" {
			failures = append(failures, store.RecipientFailure{ID: r.ID, Reason: reason})
			continue
		}
		valid = append(valid, r.ID)
	}

	now := e.now()
	if len(failures) > 0 {
		n, ferr := e.Store.MarkRecipientsFailed(ctx, failures, now)
		if ferr != nil {
			err = fmt.Errorf("mark invalid recipients: %w", ferr)
		} else if n > 0 {
			invalid = int(n)
			observability.Enqueued.WithLabelValues("invalid").Add(float64(n))
			if cerr := e.Store.IncrementCampaignCounters(ctx, c.ID, store.CounterDelta{Failed: int(n)}, now); cerr != nil {
				err = fmt.Errorf("increment failed counter: %w", cerr)
			}
		}
	}
	if len(valid) == 0 {
		return 0, invalid, err
	}

	if _, qerr := e.Store.MarkRecipientsQueued(ctx, valid, now); qerr != nil {
		return 0, invalid, fmt.Errorf("mark recipients queued: %w", qerr)
	}

	jobs := make([]dispatch.JobSpec, 0, len(valid))
	for i, id := range valid {
		jobs = append(jobs, dispatch.JobSpec{
			RecipientID: id,
			CampaignID:  c.ID,
			Delay:       JobDelay(c, index+i),
			MaxAttempts: e.MaxAttempts,
			BackoffBase: e.BackoffBase,
		})
	}
	if _, qerr := e.Queue.Enqueue(ctx, jobs); qerr != nil {
		if _, rerr := e.Store.ReleaseRecipients(ctx, valid, now); rerr != nil {
			slog.Error("release recipients failed", "campaign_id", c.ID, "count", len(valid), "err", rerr)
		}
		observability.Enqueued.WithLabelValues("error").Add(float64(len(valid)))
		return 0, invalid, fmt.Errorf("enqueue dispatch jobs: %w", qerr)
	}
	observability.Enqueued.WithLabelValues("queued").Add(float64(len(valid)))
	return len(valid), invalid, err
}
