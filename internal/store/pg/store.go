package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"broadcast/internal/domain"
	"broadcast/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

const campaignColumns = `
	id, name, template_id, status, rate_limit_per_batch, rate_limit_delay_seconds,
	hourly_cap, daily_cap, total_recipients, sent_count, delivered_count, read_count, failed_count,
	COALESCE(stop_reason,''), created_at, updated_at, started_at, completed_at`

func scanCampaign(row pgx.Row) (domain.Campaign, error) {
	var c domain.Campaign
	var status string
	err := row.Scan(&c.ID, &c.Name, &c.TemplateID, &status, &c.RateLimitPerBatch, &c.RateLimitDelaySeconds,
		&c.HourlyCap, &c.DailyCap, &c.Counters.Total, &c.Counters.Sent, &c.Counters.Delivered, &c.Counters.Read, &c.Counters.Failed,
		&c.StopReason, &c.CreatedAt, &c.UpdatedAt, &c.StartedAt, &c.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Campaign{}, domain.ErrNotFound
		}
		return domain.Campaign{}, err
	}
	c.Status = domain.CampaignStatus(status)
	return c, nil
}

// CreateCampaign inserts the campaign and its recipients in one transaction.
func (s *Store) CreateCampaign(ctx context.Context, c domain.Campaign, recipients []domain.Recipient) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO campaigns (id, name, template_id, status, rate_limit_per_batch, rate_limit_delay_seconds,
			hourly_cap, daily_cap, total_recipients, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
	`, c.ID, c.Name, c.TemplateID, string(c.Status), c.RateLimitPerBatch, c.RateLimitDelaySeconds,
		c.HourlyCap, c.DailyCap, c.Counters.Total, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}

	rows := make([][]any, 0, len(recipients))
	for _, r := range recipients {
		vars, _ := json.Marshal(r.Variables)
		rows = append(rows, []any{r.ID, r.CampaignID, r.ContactID, string(r.Status), vars, r.CreatedAt, r.CreatedAt})
	}
	_, err = tx.CopyFrom(ctx, pgx.Identifier{"campaign_recipients"},
		[]string{"id", "campaign_id", "contact_id", "status", "variables", "created_at", "updated_at"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("insert recipients: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) GetCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	return scanCampaign(s.DB.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1`, id))
}

// TransitionCampaign moves a campaign to a new status only if it is currently in one of
// the allowed statuses. It reports whether the row changed.
func (s *Store) TransitionCampaign(ctx context.Context, in store.CampaignTransition) (bool, error) {
	from := make([]string, 0, len(in.From))
	for _, st := range in.From {
		from = append(from, string(st))
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns
		SET status=$2,
		    stop_reason = CASE WHEN $2 IN ('stopped','failed') THEN NULLIF($3::text,'') ELSE stop_reason END,
		    started_at = CASE WHEN $2='running' THEN COALESCE(started_at,$4) ELSE started_at END,
		    completed_at = CASE WHEN $2='completed' THEN $4 ELSE completed_at END,
		    updated_at=$4
		WHERE id=$1 AND status = ANY($5)
	`, in.CampaignID, string(in.To), in.Reason, in.Now, from)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) IncrementCampaignCounters(ctx context.Context, campaignID string, d store.CounterDelta, now time.Time) error {
	if d.IsZero() {
		return nil
	}
	_, err := s.DB.Exec(ctx, `
		UPDATE campaigns
		SET sent_count = sent_count + $2,
		    delivered_count = delivered_count + $3,
		    read_count = read_count + $4,
		    failed_count = failed_count + $5,
		    updated_at = $6
		WHERE id=$1
	`, campaignID, d.Sent, d.Delivered, d.Read, d.Failed, now)
	return err
}

// MaybeCompleteCampaign flips a running campaign to completed once no recipient is
// waiting to be sent.
func (s *Store) MaybeCompleteCampaign(ctx context.Context, campaignID string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET status='completed', completed_at=$2, updated_at=$2
		WHERE id=$1 AND status='running'
		  AND NOT EXISTS (
		    SELECT 1 FROM campaign_recipients
		    WHERE campaign_id=$1 AND status IN ('pending','queued')
		  )
	`, campaignID, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) DeleteCampaign(ctx context.Context, campaignID string) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `DELETE FROM campaigns WHERE id=$1 AND status IN ('draft','stopped','completed','failed')`, campaignID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM dispatch_paused WHERE campaign_id=$1`, campaignID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) CampaignProgress(ctx context.Context, campaignID string) (map[domain.RecipientStatus]int, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT status, COUNT(*) FROM campaign_recipients WHERE campaign_id=$1 GROUP BY status
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[domain.RecipientStatus]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[domain.RecipientStatus(st)] = n
	}
	return out, rows.Err()
}

func (s *Store) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	var t domain.Template
	var params []byte
	err := s.DB.QueryRow(ctx, `SELECT id, name, language, params FROM templates WHERE id=$1`, id).
		Scan(&t.ID, &t.Name, &t.Language, &params)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Template{}, domain.ErrNotFound
		}
		return domain.Template{}, err
	}
	_ = json.Unmarshal(params, &t.Params)
	return t, nil
}

func (s *Store) InsertAudit(ctx context.Context, in store.AuditEntry) error {
	b, _ := json.Marshal(in.Detail)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO campaign_audit (campaign_id, recipient_id, event, severity, detail_json, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, in.CampaignID, nullIfEmpty(in.RecipientID), in.Event, string(in.Severity), b, in.At)
	return err
}

func (s *Store) InsertDeliveryEvent(ctx context.Context, in store.DeliveryEvent) error {
	b, _ := json.Marshal(in.Payload)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO delivery_events (provider, provider_msg_id, vendor_status, error_code, payload_json, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, in.Provider, in.ProviderMsgID, in.VendorStatus, nullIfEmpty(in.ErrorCode), b, in.OccurredAt)
	return err
}

func (s *Store) InsertNotification(ctx context.Context, in store.Notification) error {
	b, _ := json.Marshal(in.Payload)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO notifications (role, kind, contact_id, payload_json, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, in.Role, in.Kind, nullIfEmpty(in.ContactID), b, in.At)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
