// Package sidefx holds the subscribers that react to conversational events:
// staff notifications and the CRM sink. They never touch campaign state.
package sidefx

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"broadcast/internal/events"
	eventsamqp "broadcast/internal/events/amqp"
	"broadcast/internal/observability"
	"broadcast/internal/store"
	"broadcast/internal/util"
)

const (
	KindInboundMessage = "inbound_message"
	KindNewContact     = "new_contact"

	previewLength = 140
)

type NotificationStore interface {
	InsertNotification(ctx context.Context, n store.Notification) error
}

// Notifier writes one notification per subscribed role for every inbound message.
type Notifier struct {
	Store NotificationStore
	Roles []string
	Now   func() time.Time
}

func (n *Notifier) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return util.NowUTC()
}

// Handle is an amqp handler for message.inbound envelopes.
func (n *Notifier) Handle(ctx context.Context, env events.Envelope) error {
	if env.Meta.Type != events.TypeInbound {
		return nil
	}
	var in events.InboundMessage
	if err := env.Decode(&in); err != nil {
		return fmt.Errorf("%w: decode inbound: %v", eventsamqp.ErrPoison, err)
	}

	payload := map[string]any{
		"contact_id":   in.ContactID,
		"session_id":   in.SessionID,
		"from":         in.From,
		"profile_name": in.ProfileName,
		"kind":         in.Kind,
		"preview":      preview(in.Body),
		"new_contact":  in.NewContact,
		"event_id":     env.Meta.ID,
	}
	kinds := []string{KindInboundMessage}
	if in.NewContact {
		kinds = append(kinds, KindNewContact)
	}

	now := n.now()
	for _, role := range n.Roles {
		for _, kind := range kinds {
			err := n.Store.InsertNotification(ctx, store.Notification{
				Role:      role,
				Kind:      kind,
				ContactID: in.ContactID,
				Payload:   payload,
				At:        now,
			})
			if err != nil {
				observability.SideEffects.WithLabelValues("notifier", "error").Inc()
				return fmt.Errorf("insert notification for %s: %w", role, err)
			}
		}
	}
	observability.SideEffects.WithLabelValues("notifier", "ok").Inc()
	slog.Debug("notifications created", "contact_id", in.ContactID, "roles", len(n.Roles))
	return nil
}

func preview(body string) string {
	r := []rune(body)
	if len(r) <= previewLength {
		return body
	}
	return string(r[:previewLength]) + "…"
}
