package store

import (
	"time"

	"broadcast/internal/domain"
)

// CounterDelta is added to a campaign's counters in one conditional write.
type CounterDelta struct {
	Sent      int
	Delivered int
	Read      int
	Failed    int
}

func (d CounterDelta) IsZero() bool {
	return d == CounterDelta{}
}

type CampaignTransition struct {
	CampaignID string
	From       []domain.CampaignStatus
	To         domain.CampaignStatus
	Reason     string
	Now        time.Time
}

type RecipientPage struct {
	CampaignID string
	AfterID    string
	Limit      int
}

type RecipientFailure struct {
	ID     string
	Reason string
}

// StatusChange moves one recipient from Expected to Target. It applies only if
// the row is still in Expected, which makes concurrent writers safe.
type StatusChange struct {
	RecipientID       string
	Expected          domain.RecipientStatus
	Target            domain.RecipientStatus
	ProviderMessageID string
	ErrorMessage      string
	At                time.Time
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

type AuditEntry struct {
	CampaignID  string
	RecipientID string
	Event       string
	Severity    Severity
	Detail      map[string]any
	At          time.Time
}

type DeliveryEvent struct {
	Provider      string
	ProviderMsgID string
	VendorStatus  string
	ErrorCode     string
	Payload       any
	OccurredAt    *time.Time
}

type ContactResolve struct {
	Phone string
	Name  string
	Now   time.Time
}

type Notification struct {
	Role      string
	Kind      string
	ContactID string
	Payload   any
	At        time.Time
}
