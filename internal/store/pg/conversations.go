package pg

import (
	"context"
	"encoding/json"
	"errors"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"

	"broadcast/internal/domain"
	"broadcast/internal/store"
	"broadcast/internal/util"
)

func scanContact(row pgx.Row) (domain.Contact, error) {
	var c domain.Contact
	var source string
	var fields []byte
	if err := row.Scan(&c.ID, &c.Phone, &c.Name, &c.OptIn, &source, &fields); err != nil {
		return domain.Contact{}, err
	}
	c.Source = domain.ContactSource(source)
	_ = json.Unmarshal(fields, &c.CustomFields)
	return c, nil
}

func (s *Store) GetContact(ctx context.Context, id string) (domain.Contact, error) {
	c, err := scanContact(s.DB.QueryRow(ctx, `
		SELECT id, phone, name, opt_in, source, custom_fields FROM contacts WHERE id=$1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Contact{}, domain.ErrNotFound
	}
	return c, err
}

// GetContacts bulk-fetches contacts; missing ids are simply absent from the map.
func (s *Store) GetContacts(ctx context.Context, ids []string) (map[string]domain.Contact, error) {
	out := make(map[string]domain.Contact, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.DB.Query(ctx, `
		SELECT id, phone, name, opt_in, source, custom_fields FROM contacts WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out[c.ID] = c
	}
	return out, rows.Err()
}

// ResolveContactByPhone finds or creates the contact behind an inbound message.
// New contacts are auto-sourced and not opted in; an existing manual contact that
// replies becomes auto while opt_in is left as is.
func (s *Store) ResolveContactByPhone(ctx context.Context, in store.ContactResolve) (domain.Contact, bool, error) {
	var c domain.Contact
	var source string
	var fields []byte
	var inserted bool
	err := s.DB.QueryRow(ctx, `
		INSERT INTO contacts (id, phone, name, opt_in, source, created_at, updated_at)
		VALUES ($1,$2,$3,false,'auto',$4,$4)
		ON CONFLICT (phone) DO UPDATE
		SET source='auto',
		    name = CASE WHEN contacts.name='' THEN EXCLUDED.name ELSE contacts.name END,
		    updated_at=$4
		RETURNING id, phone, name, opt_in, source, custom_fields, (xmax = 0)
	`, util.NewID(util.PrefixContact), in.Phone, in.Name, in.Now).
		Scan(&c.ID, &c.Phone, &c.Name, &c.OptIn, &source, &fields, &inserted)
	if err != nil {
		return domain.Contact{}, false, err
	}
	c.Source = domain.ContactSource(source)
	_ = json.Unmarshal(fields, &c.CustomFields)
	return c, inserted, nil
}

func (s *Store) GetSessionByContact(ctx context.Context, contactID string) (domain.Session, bool, error) {
	var ses domain.Session
	var status string
	err := s.DB.QueryRow(ctx, `
		SELECT id, contact_id, status, last_message_at, reply_window_expires_at FROM chats WHERE contact_id=$1
	`, contactID).Scan(&ses.ID, &ses.ContactID, &status, &ses.LastMessageAt, &ses.ReplyWindowExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Session{}, false, nil
		}
		return domain.Session{}, false, err
	}
	ses.Status = domain.SessionStatus(status)
	return ses, true, nil
}

// SaveSession upserts the contact's session. Concurrent writers can only move the
// window forward.
func (s *Store) SaveSession(ctx context.Context, in domain.Session) (domain.Session, error) {
	var out domain.Session
	var status string
	err := s.DB.QueryRow(ctx, `
		INSERT INTO chats (id, contact_id, status, last_message_at, reply_window_expires_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (contact_id) DO UPDATE
		SET status = EXCLUDED.status,
		    last_message_at = GREATEST(chats.last_message_at, EXCLUDED.last_message_at),
		    reply_window_expires_at = GREATEST(chats.reply_window_expires_at, EXCLUDED.reply_window_expires_at)
		RETURNING id, contact_id, status, last_message_at, reply_window_expires_at
	`, in.ID, in.ContactID, string(in.Status), in.LastMessageAt, in.ReplyWindowExpiresAt).
		Scan(&out.ID, &out.ContactID, &status, &out.LastMessageAt, &out.ReplyWindowExpiresAt)
	if err != nil {
		return domain.Session{}, err
	}
	out.Status = domain.SessionStatus(status)
	return out, nil
}

// InsertMessage appends to the conversation audit trail. A message whose provider id
// was already recorded is skipped and reported as not inserted.
func (s *Store) InsertMessage(ctx context.Context, m domain.Message) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO messages (id, chat_id, contact_id, campaign_id, direction, kind, provider_message_id, body, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (provider_message_id) DO NOTHING
	`, m.ID, m.SessionID, m.ContactID, nullIfEmpty(m.CampaignID), string(m.Direction), m.Kind,
		nullIfEmpty(m.ProviderMessageID), truncate(m.Body, 1024), m.CreatedAt)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
