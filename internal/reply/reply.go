// Package reply sends free-form text to a contact inside their reply window.
package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"broadcast/internal/domain"
	"broadcast/internal/events"
	"broadcast/internal/observability"
	"broadcast/internal/providers/whatsapp"
	"broadcast/internal/session"
	"broadcast/internal/util"
)

// MaxBodyLength is the Cloud API limit for a text message body.
const MaxBodyLength = 4096

type Store interface {
	GetContact(ctx context.Context, id string) (domain.Contact, error)
	GetSessionByContact(ctx context.Context, contactID string) (domain.Session, bool, error)
	SaveSession(ctx context.Context, s domain.Session) (domain.Session, error)
	InsertMessage(ctx context.Context, m domain.Message) (bool, error)
}

type Sender interface {
	SendText(ctx context.Context, to, body string) (whatsapp.SendResponse, error)
}

type Service struct {
	Store  Store
	Sender Sender
	Events events.Emitter
	Now    func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return util.NowUTC()
}

// Send delivers body to the contact. Without an open window it fails with
// domain.ErrReplyWindowExpired and nothing is sent.
func (s *Service) Send(ctx context.Context, contactID, body string) (domain.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return domain.Message{}, domain.Invalid("body", "required")
	}
	if utf8.RuneCountInString(body) > MaxBodyLength {
		return domain.Message{}, domain.Invalid("body", fmt.Sprintf("must be at most %d characters", MaxBodyLength))
	}

	contact, err := s.Store.GetContact(ctx, contactID)
	if err != nil {
		return domain.Message{}, err
	}
	ses, found, err := s.Store.GetSessionByContact(ctx, contactID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("load session: %w", err)
	}
	now := s.now()
	if !found {
		return domain.Message{}, domain.ErrReplyWindowExpired
	}
	if err := session.RequireOpen(ses, now); err != nil {
		return domain.Message{}, err
	}

	resp, err := s.Sender.SendText(ctx, util.WaID(contact.Phone), body)
	if err != nil {
		kind := whatsapp.Classify(err)
		observability.ProviderSend.WithLabelValues("text", kind.String()).Inc()
		var pe *whatsapp.ProviderError
		if errors.As(err, &pe) && pe.HTTPStatus >= 400 && pe.HTTPStatus < 500 && !kind.Critical() {
			return domain.Message{}, domain.Invalid("body", pe.Message)
		}
		return domain.Message{}, fmt.Errorf("send text: %w", err)
	}
	observability.ProviderSend.WithLabelValues("text", "ok").Inc()

	ses, err = s.Store.SaveSession(ctx, session.Touch(ses, now))
	if err != nil {
		slog.Error("session extend failed", "contact_id", contactID, "err", err)
	}
	msg := domain.Message{
		ID:                util.NewID(util.PrefixMessage),
		SessionID:         ses.ID,
		ContactID:         contactID,
		Direction:         domain.DirectionOutbound,
		Kind:              "text",
		ProviderMessageID: resp.MessageID(),
		Body:              body,
		CreatedAt:         now,
	}
	if _, err := s.Store.InsertMessage(ctx, msg); err != nil {
		slog.Error("outbound message insert failed", "contact_id", contactID, "err", err)
	}
	if s.Events != nil {
		s.Events.Emit(events.TypeOutbound, events.OutboundMessage{
			ContactID:         contactID,
			SessionID:         ses.ID,
			ProviderMessageID: msg.ProviderMessageID,
			Kind:              "text",
			At:                now,
		})
	}
	return msg, nil
}
