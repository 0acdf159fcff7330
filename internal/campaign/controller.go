// Package campaign owns the campaign lifecycle: create, start, pause, resume, stop
// and delete, each a conditional status transition plus its queue side effects.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"broadcast/internal/dispatch"
	"broadcast/internal/domain"
	"broadcast/internal/enqueue"
	"broadcast/internal/store"
	"broadcast/internal/util"
)

const (
	DefaultRatePerBatch   = 50
	DefaultRateDelaySecs  = 60
	StopReasonOperator    = "stopped by operator"
	StopReasonDeleted     = "deleted by operator"
	defaultEnqueueTimeout = 30 * time.Minute
)

type Store interface {
	CreateCampaign(ctx context.Context, c domain.Campaign, recipients []domain.Recipient) error
	GetCampaign(ctx context.Context, id string) (domain.Campaign, error)
	GetTemplate(ctx context.Context, id string) (domain.Template, error)
	TransitionCampaign(ctx context.Context, in store.CampaignTransition) (bool, error)
	ResetQueuedRecipients(ctx context.Context, campaignID string, now time.Time) (int64, error)
	DeleteCampaign(ctx context.Context, campaignID string) error
	CampaignProgress(ctx context.Context, campaignID string) (map[domain.RecipientStatus]int, error)
	InsertAudit(ctx context.Context, in store.AuditEntry) error
}

type Enqueuer interface {
	Run(ctx context.Context, campaignID string) (enqueue.Result, error)
}

type Controller struct {
	Store          Store
	Queue          dispatch.Producer
	Enqueuer       Enqueuer
	EnqueueTimeout time.Duration
	Now            func() time.Time

	wg sync.WaitGroup
}

type CreateRequest struct {
	Name                  string   `json:"name"`
	TemplateID            string   `json:"template_id"`
	ContactIDs            []string `json:"contact_ids"`
	RateLimitPerBatch     *int     `json:"rate_limit_per_batch,omitempty"`
	RateLimitDelaySeconds *int     `json:"rate_limit_delay_seconds,omitempty"`
	HourlyCap             *int     `json:"hourly_cap,omitempty"`
	DailyCap              *int     `json:"daily_cap,omitempty"`
}

// Validate checks the request and returns the de-duplicated contact ids.
func (r CreateRequest) Validate() ([]string, error) {
	if strings.TrimSpace(r.Name) == "" {
		return nil, domain.Invalid("name", "required")
	}
	if strings.TrimSpace(r.TemplateID) == "" {
		return nil, domain.Invalid("template_id", "required")
	}
	if r.RateLimitPerBatch != nil && *r.RateLimitPerBatch <= 0 {
		return nil, domain.Invalid("rate_limit_per_batch", "must be > 0")
	}
	if r.RateLimitDelaySeconds != nil && *r.RateLimitDelaySeconds < 0 {
		return nil, domain.Invalid("rate_limit_delay_seconds", "must be >= 0")
	}
	if r.HourlyCap != nil && *r.HourlyCap < 0 {
		return nil, domain.Invalid("hourly_cap", "must be >= 0")
	}
	if r.DailyCap != nil && *r.DailyCap < 0 {
		return nil, domain.Invalid("daily_cap", "must be >= 0")
	}
	seen := make(map[string]struct{}, len(r.ContactIDs))
	ids := make([]string, 0, len(r.ContactIDs))
	for _, id := range r.ContactIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, domain.ErrNoRecipients
	}
	return ids, nil
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return util.NowUTC()
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

// Create stores a draft campaign and its pending recipients atomically.
func (c *Controller) Create(ctx context.Context, req CreateRequest) (domain.Campaign, error) {
	ids, err := req.Validate()
	if err != nil {
		return domain.Campaign{}, err
	}
	if _, err := c.Store.GetTemplate(ctx, req.TemplateID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Campaign{}, domain.Invalid("template_id", "unknown template")
		}
		return domain.Campaign{}, fmt.Errorf("load template: %w", err)
	}

	now := c.now()
	cmp := domain.Campaign{
		ID:                    util.NewID(util.PrefixCampaign),
		Name:                  strings.TrimSpace(req.Name),
		TemplateID:            req.TemplateID,
		Status:                domain.CampaignDraft,
		RateLimitPerBatch:     intOr(req.RateLimitPerBatch, DefaultRatePerBatch),
		RateLimitDelaySeconds: intOr(req.RateLimitDelaySeconds, DefaultRateDelaySecs),
		HourlyCap:             req.HourlyCap,
		DailyCap:              req.DailyCap,
		Counters:              domain.Counters{Total: len(ids)},
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	recipients := make([]domain.Recipient, 0, len(ids))
	for _, contactID := range ids {
		recipients = append(recipients, domain.Recipient{
			ID:         util.NewID(util.PrefixRecipient),
			CampaignID: cmp.ID,
			ContactID:  contactID,
			Status:     domain.RecipientPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	if err := c.Store.CreateCampaign(ctx, cmp, recipients); err != nil {
		return domain.Campaign{}, fmt.Errorf("create campaign: %w", err)
	}
	slog.Info("campaign created", "campaign_id", cmp.ID, "recipients", len(recipients))
	return cmp, nil
}

func (c *Controller) Get(ctx context.Context, id string) (domain.Progress, error) {
	cmp, err := c.Store.GetCampaign(ctx, id)
	if err != nil {
		return domain.Progress{}, err
	}
	counts, err := c.Store.CampaignProgress(ctx, id)
	if err != nil {
		return domain.Progress{}, fmt.Errorf("campaign progress: %w", err)
	}
	return domain.Progress{Campaign: cmp, Recipients: counts}, nil
}

// transition applies action to the campaign if its current status permits it.
func (c *Controller) transition(ctx context.Context, id string, action domain.CampaignAction, to domain.CampaignStatus, reason string) (domain.Campaign, error) {
	cmp, err := c.Store.GetCampaign(ctx, id)
	if err != nil {
		return domain.Campaign{}, err
	}
	if !domain.Permits(action, cmp.Status) {
		return cmp, &domain.InvalidStateTransitionError{Action: action, Current: cmp.Status}
	}
	if to == "" {
		return cmp, nil
	}
	now := c.now()
	changed, err := c.Store.TransitionCampaign(ctx, store.CampaignTransition{
		CampaignID: id,
		From:       domain.AllowedFrom(action),
		To:         to,
		Reason:     reason,
		Now:        now,
	})
	if err != nil {
		return cmp, fmt.Errorf("%s campaign: %w", action, err)
	}
	if !changed {
		// someone else moved it between the read and the conditional write
		cur, gerr := c.Store.GetCampaign(ctx, id)
		if gerr != nil {
			return cmp, gerr
		}
		return cur, &domain.InvalidStateTransitionError{Action: action, Current: cur.Status}
	}
	cmp.Status = to
	cmp.UpdatedAt = now
	if reason != "" {
		cmp.StopReason = reason
	}
	c.audit(ctx, id, "campaign_"+string(action), store.SeverityInfo, map[string]any{"status": string(to), "reason": reason})
	return cmp, nil
}

// Start moves a draft campaign to running and enqueues its recipients in the background.
func (c *Controller) Start(ctx context.Context, id string) (domain.Campaign, error) {
	cmp, err := c.transition(ctx, id, domain.ActionStart, domain.CampaignRunning, "")
	if err != nil {
		return cmp, err
	}
	c.enqueueAsync(id)
	return cmp, nil
}

// Reenqueue re-runs the enqueuer for a running campaign whose start was interrupted.
// Only pending recipients are touched, so it is safe to call repeatedly.
func (c *Controller) Reenqueue(ctx context.Context, id string) (domain.Campaign, error) {
	cmp, err := c.transition(ctx, id, domain.ActionReenqueue, "", "")
	if err != nil {
		return cmp, err
	}
	c.enqueueAsync(id)
	return cmp, nil
}

func (c *Controller) enqueueAsync(id string) {
	timeout := c.EnqueueTimeout
	if timeout <= 0 {
		timeout = defaultEnqueueTimeout
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		res, err := c.Enqueuer.Run(ctx, id)
		if err != nil {
			slog.Error("enqueue failed", "campaign_id", id, "queued", res.Queued, "err", err)
			c.audit(ctx, id, "enqueue_failed", store.SeverityWarn, map[string]any{"error": err.Error(), "queued": res.Queued})
			return
		}
		c.audit(ctx, id, "enqueue_done", store.SeverityInfo, map[string]any{
			"queued": res.Queued, "invalid": res.Invalid, "batch_errors": res.BatchErrors,
		})
	}()
}

// Wait blocks until background enqueue runs have finished.
func (c *Controller) Wait() { c.wg.Wait() }

// Pause stops new claims for the campaign. If the queue marker cannot be written the
// status change is rolled back and the error returned, so the operator can retry.
func (c *Controller) Pause(ctx context.Context, id string) (domain.Campaign, error) {
	cmp, err := c.transition(ctx, id, domain.ActionPause, domain.CampaignPaused, "")
	if err != nil {
		return cmp, err
	}
	if qerr := c.Queue.Pause(ctx, id); qerr != nil {
		slog.Error("queue pause failed", "campaign_id", id, "err", qerr)
		reverted, rerr := c.Store.TransitionCampaign(ctx, store.CampaignTransition{
			CampaignID: id,
			From:       []domain.CampaignStatus{domain.CampaignPaused},
			To:         domain.CampaignRunning,
			Now:        c.now(),
		})
		if rerr != nil {
			slog.Error("pause rollback failed", "campaign_id", id, "err", rerr)
		} else if reverted {
			cmp.Status = domain.CampaignRunning
			c.audit(ctx, id, "campaign_pause_reverted", store.SeverityWarn, map[string]any{"error": qerr.Error()})
		}
		return cmp, fmt.Errorf("pause queue: %w", qerr)
	}
	return cmp, nil
}

// Resume clears the queue marker before the campaign goes back to running; a
// failure leaves the campaign paused and is returned.
func (c *Controller) Resume(ctx context.Context, id string) (domain.Campaign, error) {
	cmp, err := c.Store.GetCampaign(ctx, id)
	if err != nil {
		return cmp, err
	}
	if !domain.Permits(domain.ActionResume, cmp.Status) {
		return cmp, &domain.InvalidStateTransitionError{Action: domain.ActionResume, Current: cmp.Status}
	}
	if err := c.Queue.Resume(ctx, id); err != nil {
		slog.Error("queue resume failed", "campaign_id", id, "err", err)
		return cmp, fmt.Errorf("resume queue: %w", err)
	}
	return c.transition(ctx, id, domain.ActionResume, domain.CampaignRunning, "")
}

// Stop halts a running or paused campaign on operator request.
func (c *Controller) Stop(ctx context.Context, id string) (domain.Campaign, domain.CleanupReport, error) {
	cmp, err := c.transition(ctx, id, domain.ActionStop, domain.CampaignStopped, StopReasonOperator)
	if err != nil {
		return cmp, domain.CleanupReport{}, err
	}
	return cmp, c.cleanup(ctx, id), nil
}

// Halt stops the campaign with reason and cleans up its queue. A campaign that is no
// longer running or paused is left as is.
func (c *Controller) Halt(ctx context.Context, id, reason string) (domain.CleanupReport, error) {
	_, err := c.transition(ctx, id, domain.ActionStop, domain.CampaignStopped, reason)
	var ite *domain.InvalidStateTransitionError
	if errors.As(err, &ite) {
		return domain.CleanupReport{}, nil
	}
	if err != nil {
		return domain.CleanupReport{}, err
	}
	return c.cleanup(ctx, id), nil
}

// cleanup purges the campaign's jobs and returns queued recipients to pending.
// Failures are collected, never raised.
func (c *Controller) cleanup(ctx context.Context, id string) domain.CleanupReport {
	rep := c.Queue.Purge(ctx, id)
	if _, err := c.Store.ResetQueuedRecipients(ctx, id, c.now()); err != nil {
		rep.AddErr(fmt.Errorf("reset queued recipients: %w", err))
	}
	if len(rep.Errors) > 0 {
		slog.Warn("campaign cleanup incomplete", "campaign_id", id, "removed", rep.Removed, "failed", rep.Failed, "errors", rep.Errors)
	} else {
		slog.Info("campaign cleanup", "campaign_id", id, "removed", rep.Removed, "failed", rep.Failed)
	}
	c.audit(ctx, id, "queue_cleanup", store.SeverityInfo, map[string]any{"report": rep})
	return rep
}

// Delete removes the campaign and its recipients. Running or paused campaigns are
// force-stopped first.
func (c *Controller) Delete(ctx context.Context, id string) error {
	cmp, err := c.Store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if domain.Permits(domain.ActionStop, cmp.Status) {
		if _, err := c.Halt(ctx, id, StopReasonDeleted); err != nil {
			return err
		}
	}
	// jobs a worker re-queued after the stop
	if rep := c.Queue.Purge(ctx, id); len(rep.Errors) > 0 {
		slog.Warn("campaign delete purge incomplete", "campaign_id", id, "removed", rep.Removed, "failed", rep.Failed, "errors", rep.Errors)
	}
	if err := c.Store.DeleteCampaign(ctx, id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// re-started between the stop and the delete
			cur, gerr := c.Store.GetCampaign(ctx, id)
			if gerr != nil {
				return gerr
			}
			return &domain.InvalidStateTransitionError{Action: domain.ActionDelete, Current: cur.Status}
		}
		return fmt.Errorf("delete campaign: %w", err)
	}
	slog.Info("campaign deleted", "campaign_id", id)
	return nil
}

func (c *Controller) audit(ctx context.Context, id, event string, sev store.Severity, detail map[string]any) {
	if err := c.Store.InsertAudit(ctx, store.AuditEntry{
		CampaignID: id, Event: event, Severity: sev, Detail: detail, At: c.now(),
	}); err != nil {
		slog.Error("audit insert failed", "campaign_id", id, "event", event, "err", err)
	}
}
