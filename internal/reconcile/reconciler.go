// Package reconcile folds provider callbacks (inbound replies and delivery statuses)
// back into contact, session, recipient and campaign state.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"broadcast/internal/domain"
	"broadcast/internal/events"
	"broadcast/internal/observability"
	"broadcast/internal/providers/whatsapp"
	sqsqueue "broadcast/internal/queue/sqs"
	"broadcast/internal/session"
	"broadcast/internal/store"
	"broadcast/internal/util"
)

type Store interface {
	ResolveContactByPhone(ctx context.Context, in store.ContactResolve) (domain.Contact, bool, error)
	GetSessionByContact(ctx context.Context, contactID string) (domain.Session, bool, error)
	SaveSession(ctx context.Context, s domain.Session) (domain.Session, error)
	InsertMessage(ctx context.Context, m domain.Message) (bool, error)
	GetRecipientByProviderMessageID(ctx context.Context, providerMsgID string) (domain.Recipient, bool, error)
	ApplyStatusChange(ctx context.Context, in store.StatusChange) (bool, error)
	IncrementCampaignCounters(ctx context.Context, campaignID string, d store.CounterDelta, now time.Time) error
	MaybeCompleteCampaign(ctx context.Context, campaignID string, now time.Time) (bool, error)
	InsertDeliveryEvent(ctx context.Context, in store.DeliveryEvent) error
}

type Reconciler struct {
	Store  Store
	Events events.Emitter
	Now    func() time.Time
}

// conditional writes lost to a concurrent callback are retried this many times
const maxApplyAttempts = 3

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return util.NowUTC()
}

func (r *Reconciler) emit(typ string, data any) {
	if r.Events != nil {
		r.Events.Emit(typ, data)
	}
}

// Process is the webhook-processor handler for one queued callback.
func (r *Reconciler) Process(ctx context.Context, ev sqsqueue.WebhookEvent) error {
	var err error
	switch {
	case ev.Kind == sqsqueue.KindInbound && ev.Inbound != nil:
		err = r.HandleInbound(ctx, *ev.Inbound)
	case ev.Kind == sqsqueue.KindStatus && ev.Status != nil:
		_, err = r.HandleStatus(ctx, *ev.Status)
	default:
		slog.Warn("webhook event ignored", "kind", ev.Kind)
		observability.WebhookEvents.WithLabelValues(ev.Kind, "ignored").Inc()
		return nil
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	observability.WebhookEvents.WithLabelValues(ev.Kind, result).Inc()
	return err
}

// HandleInbound records a reply: the sender becomes (or stays) an auto contact, the
// session window reopens from the message time, and the message is stored once.
func (r *Reconciler) HandleInbound(ctx context.Context, m whatsapp.InboundMessage) error {
	now := r.now()
	at := whatsapp.ParseTimestamp(m.Timestamp, now)
	phone := "+" + util.WaID(m.From)

	contact, created, err := r.Store.ResolveContactByPhone(ctx, store.ContactResolve{Phone: phone, Name: m.ProfileName, Now: now})
	if err != nil {
		return fmt.Errorf("resolve contact: %w", err)
	}

	ses, found, err := r.Store.GetSessionByContact(ctx, contact.ID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if found {
		ses = session.Touch(ses, at)
	} else {
		ses = session.New(util.NewID(util.PrefixSession), contact.ID, at)
	}
	ses, err = r.Store.SaveSession(ctx, ses)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	msg := domain.Message{
		ID:                util.NewID(util.PrefixMessage),
		SessionID:         ses.ID,
		ContactID:         contact.ID,
		Direction:         domain.DirectionInbound,
		Kind:              m.Type,
		ProviderMessageID: m.ID,
		Body:              m.Body(),
		CreatedAt:         at,
	}
	inserted, err := r.Store.InsertMessage(ctx, msg)
	if err != nil {
		return fmt.Errorf("insert inbound message: %w", err)
	}
	if !inserted {
		slog.Info("inbound message already recorded", "provider_message_id", m.ID)
		return nil
	}

	slog.Info("inbound message", "contact_id", contact.ID, "session_id", ses.ID, "provider_message_id", m.ID, "new_contact", created)
	r.emit(events.TypeInbound, events.InboundMessage{
		ContactID:         contact.ID,
		SessionID:         ses.ID,
		MessageID:         msg.ID,
		ProviderMessageID: m.ID,
		From:              phone,
		ProfileName:       m.ProfileName,
		Kind:              m.Type,
		Body:              msg.Body,
		NewContact:        created,
		At:                at,
	})
	return nil
}

// TargetStatus maps a provider status onto a recipient status.
func TargetStatus(providerStatus string) (domain.RecipientStatus, bool) {
	switch providerStatus {
	case whatsapp.StatusSent:
		return domain.RecipientSent, true
	case whatsapp.StatusDelivered:
		return domain.RecipientDelivered, true
	case whatsapp.StatusRead:
		return domain.RecipientRead, true
	case whatsapp.StatusFailed:
		return domain.RecipientFailed, true
	}
	return "", false
}

// CounterDelta is what a from→to move adds to the campaign counters. States skipped
// on the way (read before delivered) are counted too, so read ⊆ delivered ⊆ sent holds.
func CounterDelta(from, to domain.RecipientStatus) store.CounterDelta {
	var d store.CounterDelta
	if to == domain.RecipientFailed {
		d.Failed = 1
		return d
	}
	for _, st := range []domain.RecipientStatus{domain.RecipientSent, domain.RecipientDelivered, domain.RecipientRead} {
		if st.Rank() > from.Rank() && st.Rank() <= to.Rank() {
			switch st {
			case domain.RecipientSent:
				d.Sent++
			case domain.RecipientDelivered:
				d.Delivered++
			case domain.RecipientRead:
				d.Read++
			}
		}
	}
	return d
}

// HandleStatus applies a delivery status. Unknown message ids, stale or repeated
// statuses are no-ops. It reports whether the recipient changed.
func (r *Reconciler) HandleStatus(ctx context.Context, st whatsapp.StatusUpdate) (bool, error) {
	target, ok := TargetStatus(st.Status)
	if !ok {
		slog.Warn("unknown provider status", "status", st.Status, "provider_message_id", st.ID)
		return false, nil
	}
	now := r.now()
	at := whatsapp.ParseTimestamp(st.Timestamp, now)

	var errCode int
	var errMsg string
	if len(st.Errors) > 0 {
		errCode = st.Errors[0].Code
		errMsg = strconv.Itoa(errCode) + ": " + st.Errors[0].Title
	}

	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		rec, found, err := r.Store.GetRecipientByProviderMessageID(ctx, st.ID)
		if err != nil {
			return false, fmt.Errorf("load recipient: %w", err)
		}
		if !found {
			slog.Info("status for unknown message ignored", "provider_message_id", st.ID, "status", st.Status)
			return false, nil
		}
		if !domain.CanTransition(rec.Status, target) {
			slog.Info("status not applied", "recipient_id", rec.ID, "current", rec.Status, "target", target)
			return false, nil
		}

		changed, err := r.Store.ApplyStatusChange(ctx, store.StatusChange{
			RecipientID:  rec.ID,
			Expected:     rec.Status,
			Target:       target,
			ErrorMessage: errMsg,
			At:           at,
		})
		if err != nil {
			return false, fmt.Errorf("apply status: %w", err)
		}
		if !changed {
			// lost a race with another writer; re-read and re-evaluate
			continue
		}

		r.afterStatus(ctx, rec, target, st, errCode, now, at)
		return true, nil
	}
	return false, errors.New("status change kept losing concurrent updates")
}

func (r *Reconciler) afterStatus(ctx context.Context, rec domain.Recipient, target domain.RecipientStatus,
	st whatsapp.StatusUpdate, errCode int, now, at time.Time) {
	if err := r.Store.IncrementCampaignCounters(ctx, rec.CampaignID, CounterDelta(rec.Status, target), now); err != nil {
		slog.Error("increment counters failed", "campaign_id", rec.CampaignID, "recipient_id", rec.ID, "err", err)
	}

	de := store.DeliveryEvent{
		Provider:      "whatsapp",
		ProviderMsgID: st.ID,
		VendorStatus:  st.Status,
		Payload:       st,
		OccurredAt:    &at,
	}
	if errCode != 0 {
		de.ErrorCode = strconv.Itoa(errCode)
	}
	if err := r.Store.InsertDeliveryEvent(ctx, de); err != nil {
		slog.Error("delivery event insert failed", "provider_message_id", st.ID, "err", err)
	}

	if target == domain.RecipientFailed {
		if _, err := r.Store.MaybeCompleteCampaign(ctx, rec.CampaignID, now); err != nil {
			slog.Error("completion check failed", "campaign_id", rec.CampaignID, "err", err)
		}
	}

	ev := events.StatusChanged{
		CampaignID:        rec.CampaignID,
		RecipientID:       rec.ID,
		ContactID:         rec.ContactID,
		ProviderMessageID: st.ID,
		From:              string(rec.Status),
		To:                string(target),
		ErrorCode:         errCode,
		At:                at,
	}
	if len(st.Errors) > 0 {
		ev.ErrorTitle = st.Errors[0].Title
	}
	r.emit(events.TypeStatus, ev)
	slog.Info("recipient status", "campaign_id", rec.CampaignID, "recipient_id", rec.ID, "from", rec.Status, "to", target)
}
