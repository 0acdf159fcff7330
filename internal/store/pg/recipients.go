package pg

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"broadcast/internal/domain"
	"broadcast/internal/store"
)

const recipientColumns = `
	id, campaign_id, contact_id, status, variables, COALESCE(provider_message_id,''), COALESCE(error_message,''),
	sent_at, delivered_at, read_at, failed_at, created_at, updated_at`

func scanRecipient(row pgx.Row) (domain.Recipient, error) {
	var r domain.Recipient
	var status string
	var vars []byte
	err := row.Scan(&r.ID, &r.CampaignID, &r.ContactID, &status, &vars, &r.ProviderMessageID, &r.ErrorMessage,
		&r.SentAt, &r.DeliveredAt, &r.ReadAt, &r.FailedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return domain.Recipient{}, err
	}
	r.Status = domain.RecipientStatus(status)
	_ = json.Unmarshal(vars, &r.Variables)
	return r, nil
}

func (s *Store) GetRecipient(ctx context.Context, id string) (domain.Recipient, error) {
	r, err := scanRecipient(s.DB.QueryRow(ctx, `SELECT `+recipientColumns+` FROM campaign_recipients WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Recipient{}, domain.ErrNotFound
	}
	return r, err
}

// GetRecipientByProviderMessageID resolves the idempotency key of a provider callback.
func (s *Store) GetRecipientByProviderMessageID(ctx context.Context, providerMsgID string) (domain.Recipient, bool, error) {
	r, err := scanRecipient(s.DB.QueryRow(ctx, `SELECT `+recipientColumns+` FROM campaign_recipients WHERE provider_message_id=$1`, providerMsgID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Recipient{}, false, nil
		}
		return domain.Recipient{}, false, err
	}
	return r, true, nil
}

// ListPendingRecipients pages pending recipients in id order (keyset pagination).
func (s *Store) ListPendingRecipients(ctx context.Context, in store.RecipientPage) ([]domain.Recipient, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+recipientColumns+`
		FROM campaign_recipients
		WHERE campaign_id=$1 AND status='pending' AND id > $2
		ORDER BY id
		LIMIT $3
	`, in.CampaignID, in.AfterID, in.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) CountRecipients(ctx context.Context, campaignID string, status domain.RecipientStatus) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM campaign_recipients WHERE campaign_id=$1 AND status=$2
	`, campaignID, string(status)).Scan(&n)
	return n, err
}

// MarkRecipientsQueued moves still-pending recipients to queued.
func (s *Store) MarkRecipientsQueued(ctx context.Context, ids []string, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaign_recipients SET status='queued', updated_at=$2
		WHERE id = ANY($1) AND status='pending'
	`, ids, now)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// MarkRecipientsFailed fails still-pending recipients with a per-row reason.
func (s *Store) MarkRecipientsFailed(ctx context.Context, failures []store.RecipientFailure, now time.Time) (int64, error) {
	if len(failures) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(failures))
	reasons := make([]string, 0, len(failures))
	for _, f := range failures {
		ids = append(ids, f.ID)
		reasons = append(reasons, f.Reason)
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaign_recipients r
		SET status='failed', error_message=f.reason, failed_at=$3, updated_at=$3
		FROM unnest($1::text[], $2::text[]) AS f(id, reason)
		WHERE r.id = f.id AND r.status='pending'
	`, ids, reasons, now)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// ResetQueuedRecipients returns queued recipients of a stopped campaign to pending.
// Rows a worker already advanced are left alone.
func (s *Store) ResetQueuedRecipients(ctx context.Context, campaignID string, now time.Time) (int64, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaign_recipients SET status='pending', updated_at=$2
		WHERE campaign_id=$1 AND status='queued'
	`, campaignID, now)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// ReleaseRecipients returns the given queued recipients to pending, e.g. when their
// dispatch jobs could not be written.
func (s *Store) ReleaseRecipients(ctx context.Context, ids []string, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaign_recipients SET status='pending', updated_at=$2
		WHERE id = ANY($1) AND status='queued'
	`, ids, now)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// ApplyStatusChange is a conditional single-row write: it only applies if the recipient
// is still in the expected status. Timestamps of the target and any skipped
// intermediate states are stamped once and never overwritten.
func (s *Store) ApplyStatusChange(ctx context.Context, in store.StatusChange) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaign_recipients
		SET status = $3,
		    provider_message_id = COALESCE(provider_message_id, NULLIF($4::text,'')),
		    error_message = CASE WHEN $3='failed' THEN NULLIF($5::text,'') ELSE error_message END,
		    sent_at      = CASE WHEN $3 IN ('sent','delivered','read') THEN COALESCE(sent_at,$6) ELSE sent_at END,
		    delivered_at = CASE WHEN $3 IN ('delivered','read') THEN COALESCE(delivered_at,$6) ELSE delivered_at END,
		    read_at      = CASE WHEN $3='read' THEN COALESCE(read_at,$6) ELSE read_at END,
		    failed_at    = CASE WHEN $3='failed' THEN COALESCE(failed_at,$6) ELSE failed_at END,
		    updated_at = $6
		WHERE id=$1 AND status=$2
	`, in.RecipientID, string(in.Expected), string(in.Target), in.ProviderMessageID, in.ErrorMessage, in.At)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}
