// Package worker executes dispatch jobs: one provider template send per recipient.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"broadcast/internal/dispatch"
	"broadcast/internal/domain"
	"broadcast/internal/events"
	"broadcast/internal/observability"
	"broadcast/internal/providers/whatsapp"
	"broadcast/internal/session"
	"broadcast/internal/store"
	"broadcast/internal/util"
)

type Store interface {
	GetRecipient(ctx context.Context, id string) (domain.Recipient, error)
	GetCampaign(ctx context.Context, id string) (domain.Campaign, error)
	GetTemplate(ctx context.Context, id string) (domain.Template, error)
	GetContact(ctx context.Context, id string) (domain.Contact, error)
	GetSessionByContact(ctx context.Context, contactID string) (domain.Session, bool, error)
	SaveSession(ctx context.Context, s domain.Session) (domain.Session, error)
	InsertMessage(ctx context.Context, m domain.Message) (bool, error)
	ApplyStatusChange(ctx context.Context, in store.StatusChange) (bool, error)
	IncrementCampaignCounters(ctx context.Context, campaignID string, d store.CounterDelta, now time.Time) error
	MaybeCompleteCampaign(ctx context.Context, campaignID string, now time.Time) (bool, error)
	InsertAudit(ctx context.Context, in store.AuditEntry) error
}

type Sender interface {
	SendTemplate(ctx context.Context, msg whatsapp.TemplateMessage) (whatsapp.SendResponse, error)
}

// Halter stops a campaign and cleans up its queue. Implemented by the campaign controller.
type Halter interface {
	Halt(ctx context.Context, campaignID, reason string) (domain.CleanupReport, error)
}

// ErrCampaignPaused defers the job until the campaign is resumed.
var ErrCampaignPaused = fmt.Errorf("campaign paused: %w", dispatch.ErrDeferred)

type Processor struct {
	Store       Store
	Sender      Sender
	Halter      Halter
	Events      events.Emitter
	Limiter     *rate.Limiter
	Breaker     *gobreaker.CircuitBreaker
	SendTimeout time.Duration
	Now         func() time.Time
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return util.NowUTC()
}

func (p *Processor) emit(typ string, data any) {
	if p.Events != nil {
		p.Events.Emit(typ, data)
	}
}

// Process is the dispatch.Handler. A nil return completes the job; an error makes the
// queue retry it.
func (p *Processor) Process(ctx context.Context, job domain.DispatchJob) error {
	rec, err := p.Store.GetRecipient(ctx, job.RecipientID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load recipient: %w", err)
	}
	// Idempotent consumer: only queued recipients are sendable.
	if rec.Status != domain.RecipientQueued {
		slog.Info("dispatch skipped", "recipient_id", rec.ID, "status", rec.Status)
		return nil
	}

	c, err := p.Store.GetCampaign(ctx, rec.CampaignID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load campaign: %w", err)
	}
	switch c.Status {
	case domain.CampaignRunning:
	case domain.CampaignPaused:
		return ErrCampaignPaused
	default:
		slog.Info("dispatch skipped", "campaign_id", c.ID, "recipient_id", rec.ID, "campaign_status", c.Status)
		return nil
	}

	tmpl, err := p.Store.GetTemplate(ctx, c.TemplateID)
	if errors.Is(err, domain.ErrNotFound) {
		return p.failRecipient(ctx, c, rec, "template not found", nil)
	}
	if err != nil {
		return fmt.Errorf("load template: %w", err)
	}
	contact, err := p.Store.GetContact(ctx, rec.ContactID)
	if errors.Is(err, domain.ErrNotFound) {
		return p.failRecipient(ctx, c, rec, "contact not found", nil)
	}
	if err != nil {
		return fmt.Errorf("load contact: %w", err)
	}
	if !contact.OptIn {
		return p.failRecipient(ctx, c, rec, "not opted in", nil)
	}

	vars := util.ContactVariables(contact, tmpl.Params)
	params := make([]string, 0, len(tmpl.Params))
	for _, name := range tmpl.Params {
		params = append(params, vars[name])
	}
	msg := whatsapp.TemplateMessage{
		To:       util.WaID(contact.Phone),
		Template: tmpl.Name,
		Language: tmpl.Language,
		Params:   params,
	}

	// Per pod rate limit before calling the provider
	if p.Limiter != nil {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := p.Limiter.Wait(waitCtx)
		cancel()
		if err != nil {
			observability.ProviderSend.WithLabelValues("template", "rate_limited_local").Inc()
			return fmt.Errorf("local rate limit: %w", err)
		}
	}

	start := time.Now()
	resp, err := p.send(ctx, msg)
	observability.ProviderLatency.Observe(time.Since(start).Seconds())

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// Provider protection; leave the recipient queued and let the queue retry.
		observability.ProviderSend.WithLabelValues("template", "cb_open").Inc()
		return err
	}
	if err != nil {
		return p.handleSendError(ctx, c, rec, err)
	}

	observability.ProviderSend.WithLabelValues("template", "ok").Inc()
	return p.markSent(ctx, c, rec, contact, tmpl, resp.MessageID(), vars)
}

func (p *Processor) send(ctx context.Context, msg whatsapp.TemplateMessage) (whatsapp.SendResponse, error) {
	call := func() (whatsapp.SendResponse, error) {
		timeout := p.SendTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return p.Sender.SendTemplate(reqCtx, msg)
	}
	if p.Breaker == nil {
		return call()
	}
	res, err := p.Breaker.Execute(func() (any, error) { return call() })
	if err != nil {
		return whatsapp.SendResponse{}, err
	}
	return res.(whatsapp.SendResponse), nil
}

// BreakerSuccess is the breaker's IsSuccessful: a rejected recipient says nothing
// about provider health, so only transient and critical errors count as failures.
func BreakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	k := whatsapp.Classify(err)
	return !k.Critical() && k != whatsapp.KindTransient && k != whatsapp.KindUnknown
}

func (p *Processor) handleSendError(ctx context.Context, c domain.Campaign, rec domain.Recipient, err error) error {
	kind := whatsapp.Classify(err)
	var pe *whatsapp.ProviderError
	httpStatus := 0
	if errors.As(err, &pe) {
		httpStatus = pe.HTTPStatus
	}
	observability.ProviderSend.WithLabelValues("template", kind.String()).Inc()

	if !kind.Critical() {
		detail := map[string]any{"kind": kind.String(), "http_status": httpStatus}
		if pe != nil {
			detail["code"] = pe.Code
		}
		return p.failRecipient(ctx, c, rec, err.Error(), detail)
	}

	now := p.now()
	reason := "critical provider error: " + kind.String()
	slog.Error("critical provider error, stopping campaign",
		"campaign_id", c.ID, "recipient_id", rec.ID, "kind", kind.String(), "http_status", httpStatus, "err", err)
	observability.CriticalStops.WithLabelValues(kind.String()).Inc()

	var report domain.CleanupReport
	if p.Halter != nil {
		var herr error
		report, herr = p.Halter.Halt(ctx, c.ID, reason)
		if herr != nil {
			slog.Error("halt campaign failed", "campaign_id", c.ID, "err", herr)
		}
	}
	audit := store.AuditEntry{
		CampaignID:  c.ID,
		RecipientID: rec.ID,
		Event:       "campaign_critical_error",
		Severity:    store.SeverityCritical,
		Detail: map[string]any{
			"kind":        kind.String(),
			"http_status": strconv.Itoa(httpStatus),
			"error":       err.Error(),
			"cleanup":     report,
		},
		At: now,
	}
	if aerr := p.Store.InsertAudit(ctx, audit); aerr != nil {
		slog.Error("audit insert failed", "campaign_id", c.ID, "err", aerr)
	}
	return err
}

// Exhausted finalises the recipient of a job that ran out of attempts without
// settling it (open breaker, local limiter, load errors, panics). It is the
// dispatch.Runner's Exhausted hook.
func (p *Processor) Exhausted(ctx context.Context, job domain.DispatchJob, lastErr error) {
	rec, err := p.Store.GetRecipient(ctx, job.RecipientID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Error("load exhausted recipient", "job_id", job.ID, "recipient_id", job.RecipientID, "err", err)
		}
		return
	}
	if rec.Status != domain.RecipientQueued {
		return
	}
	reason := "dispatch attempts exhausted"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	observability.ProviderSend.WithLabelValues("template", "exhausted").Inc()
	detail := map[string]any{"job_id": job.ID, "attempts": job.Attempts}
	if err := p.failRecipient(ctx, domain.Campaign{ID: rec.CampaignID}, rec, reason, detail); err != nil {
		slog.Error("fail exhausted recipient", "job_id", job.ID, "recipient_id", rec.ID, "err", err)
	}
}

// failRecipient is the non-critical failure path: the recipient fails, the job completes.
func (p *Processor) failRecipient(ctx context.Context, c domain.Campaign, rec domain.Recipient, reason string, detail map[string]any) error {
	now := p.now()
	changed, err := p.Store.ApplyStatusChange(ctx, store.StatusChange{
		RecipientID:  rec.ID,
		Expected:     domain.RecipientQueued,
		Target:       domain.RecipientFailed,
		ErrorMessage: reason,
		At:           now,
	})
	if err != nil {
		return fmt.Errorf("mark recipient failed: %w", err)
	}
	if !changed {
		return nil
	}
	if err := p.Store.IncrementCampaignCounters(ctx, c.ID, store.CounterDelta{Failed: 1}, now); err != nil {
		slog.Error("increment failed counter", "campaign_id", c.ID, "err", err)
	}
	if detail == nil {
		detail = map[string]any{}
	}
	detail["reason"] = reason
	if err := p.Store.InsertAudit(ctx, store.AuditEntry{
		CampaignID: c.ID, RecipientID: rec.ID, Event: "message_failed", Severity: store.SeverityWarn, Detail: detail, At: now,
	}); err != nil {
		slog.Error("audit insert failed", "campaign_id", c.ID, "err", err)
	}
	slog.Warn("recipient failed", "campaign_id", c.ID, "recipient_id", rec.ID, "reason", reason)
	p.complete(ctx, c.ID, now)
	return nil
}

func (p *Processor) markSent(ctx context.Context, c domain.Campaign, rec domain.Recipient, contact domain.Contact,
	tmpl domain.Template, providerMsgID string, vars map[string]string) error {
	now := p.now()
	changed, err := p.Store.ApplyStatusChange(ctx, store.StatusChange{
		RecipientID:       rec.ID,
		Expected:          domain.RecipientQueued,
		Target:            domain.RecipientSent,
		ProviderMessageID: providerMsgID,
		At:                now,
	})
	if err != nil {
		// The message is out; retrying would send it twice.
		slog.Error("mark recipient sent failed", "campaign_id", c.ID, "recipient_id", rec.ID, "provider_message_id", providerMsgID, "err", err)
		return nil
	}
	if !changed {
		// Stopped or otherwise moved on while the call was in flight.
		slog.Warn("sent recipient no longer queued", "campaign_id", c.ID, "recipient_id", rec.ID, "provider_message_id", providerMsgID)
		return nil
	}
	if err := p.Store.IncrementCampaignCounters(ctx, c.ID, store.CounterDelta{Sent: 1}, now); err != nil {
		slog.Error("increment sent counter", "campaign_id", c.ID, "err", err)
	}

	ses, err := p.touchSession(ctx, contact.ID, now)
	if err != nil {
		slog.Error("session upsert failed", "contact_id", contact.ID, "err", err)
	}
	if _, err := p.Store.InsertMessage(ctx, domain.Message{
		ID:                util.NewID(util.PrefixMessage),
		SessionID:         ses.ID,
		ContactID:         contact.ID,
		CampaignID:        c.ID,
		Direction:         domain.DirectionOutbound,
		Kind:              "template",
		ProviderMessageID: providerMsgID,
		Body:              tmpl.Name + " " + util.RenderTemplate(joinVars(tmpl.Params), vars),
		CreatedAt:         now,
	}); err != nil {
		slog.Error("outbound message insert failed", "recipient_id", rec.ID, "err", err)
	}
	if err := p.Store.InsertAudit(ctx, store.AuditEntry{
		CampaignID: c.ID, RecipientID: rec.ID, Event: "message_sent", Severity: store.SeverityInfo,
		Detail: map[string]any{"provider_message_id": providerMsgID}, At: now,
	}); err != nil {
		slog.Error("audit insert failed", "campaign_id", c.ID, "err", err)
	}

	p.emit(events.TypeOutbound, events.OutboundMessage{
		CampaignID:        c.ID,
		RecipientID:       rec.ID,
		ContactID:         contact.ID,
		SessionID:         ses.ID,
		ProviderMessageID: providerMsgID,
		Kind:              "template",
		Template:          tmpl.Name,
		At:                now,
	})
	slog.Info("recipient sent", "campaign_id", c.ID, "recipient_id", rec.ID, "provider_message_id", providerMsgID)
	p.complete(ctx, c.ID, now)
	return nil
}

func (p *Processor) touchSession(ctx context.Context, contactID string, at time.Time) (domain.Session, error) {
	ses, found, err := p.Store.GetSessionByContact(ctx, contactID)
	if err != nil {
		return domain.Session{}, err
	}
	if found {
		ses = session.Touch(ses, at)
	} else {
		ses = session.New(util.NewID(util.PrefixSession), contactID, at)
	}
	return p.Store.SaveSession(ctx, ses)
}

func (p *Processor) complete(ctx context.Context, campaignID string, now time.Time) {
	done, err := p.Store.MaybeCompleteCampaign(ctx, campaignID, now)
	if err != nil {
		slog.Error("completion check failed", "campaign_id", campaignID, "err", err)
		return
	}
	if done {
		slog.Info("campaign completed", "campaign_id", campaignID)
	}
}

func joinVars(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += " "
		}
		out += "{" + n + "}"
	}
	return out
}
