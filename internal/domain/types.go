package domain

import "time"

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignStopped   CampaignStatus = "stopped"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
)

// Active reports whether the campaign still has dispatch work in flight.
func (s CampaignStatus) Active() bool {
	return s == CampaignRunning || s == CampaignPaused
}

type RecipientStatus string

const (
	RecipientPending   RecipientStatus = "pending"
	RecipientQueued    RecipientStatus = "queued"
	RecipientSent      RecipientStatus = "sent"
	RecipientDelivered RecipientStatus = "delivered"
	RecipientRead      RecipientStatus = "read"
	RecipientFailed    RecipientStatus = "failed"
)

// Rank orders recipient statuses along the delivery path. Failed is terminal
// and ranks above everything so nothing can follow it.
func (s RecipientStatus) Rank() int {
	switch s {
	case RecipientPending:
		return 0
	case RecipientQueued:
		return 1
	case RecipientSent:
		return 2
	case RecipientDelivered:
		return 3
	case RecipientRead:
		return 4
	case RecipientFailed:
		return 5
	}
	return -1
}

func (s RecipientStatus) Terminal() bool {
	return s == RecipientRead || s == RecipientFailed
}

func (s RecipientStatus) Valid() bool { return s.Rank() >= 0 }

// CanTransition reports whether a recipient may move from one status to
// another. Failed is reachable from any non-terminal status; otherwise moves
// only go forward and pending may only advance to queued.
func CanTransition(from, to RecipientStatus) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	if to == RecipientFailed {
		return true
	}
	if from == RecipientPending {
		return to == RecipientQueued
	}
	if to == RecipientPending || to == RecipientQueued {
		return false
	}
	return to.Rank() > from.Rank()
}

type ContactSource string

const (
	SourceManual ContactSource = "manual"
	SourceAuto   ContactSource = "auto"
)

type SessionStatus string

const (
	SessionOpen   SessionStatus = "open"
	SessionClosed SessionStatus = "closed"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type Counters struct {
	Total     int `json:"total"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Read      int `json:"read"`
	Failed    int `json:"failed"`
}

type Campaign struct {
	ID                    string         `json:"id"`
	Name                  string         `json:"name"`
	TemplateID            string         `json:"template_id"`
	Status                CampaignStatus `json:"status"`
	RateLimitPerBatch     int            `json:"rate_limit_per_batch"`
	RateLimitDelaySeconds int            `json:"rate_limit_delay_seconds"`
	HourlyCap             *int           `json:"hourly_cap,omitempty"`
	DailyCap              *int           `json:"daily_cap,omitempty"`
	Counters              Counters       `json:"counters"`
	StopReason            string         `json:"stop_reason,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
	StartedAt             *time.Time     `json:"started_at,omitempty"`
	CompletedAt           *time.Time     `json:"completed_at,omitempty"`
}

type Recipient struct {
	ID                string            `json:"id"`
	CampaignID        string            `json:"campaign_id"`
	ContactID         string            `json:"contact_id"`
	Status            RecipientStatus   `json:"status"`
	Variables         map[string]string `json:"variables,omitempty"`
	ProviderMessageID string            `json:"provider_message_id,omitempty"`
	ErrorMessage      string            `json:"error_message,omitempty"`
	SentAt            *time.Time        `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time        `json:"delivered_at,omitempty"`
	ReadAt            *time.Time        `json:"read_at,omitempty"`
	FailedAt          *time.Time        `json:"failed_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

type Contact struct {
	ID           string            `json:"id"`
	Phone        string            `json:"phone"`
	Name         string            `json:"name"`
	OptIn        bool              `json:"opt_in"`
	Source       ContactSource     `json:"source"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`
}

// Template is an approved provider message template. Params lists the
// variable names bound positionally to the template body parameters.
type Template struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Language string   `json:"language"`
	Params   []string `json:"params"`
}

type Session struct {
	ID                   string        `json:"id"`
	ContactID            string        `json:"contact_id"`
	Status               SessionStatus `json:"status"`
	LastMessageAt        time.Time     `json:"last_message_at"`
	ReplyWindowExpiresAt time.Time     `json:"reply_window_expires_at"`
}

type Message struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"session_id"`
	ContactID         string    `json:"contact_id"`
	CampaignID        string    `json:"campaign_id,omitempty"`
	Direction         Direction `json:"direction"`
	Kind              string    `json:"kind"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	Body              string    `json:"body,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

type DispatchJob struct {
	ID          string
	RecipientID string
	CampaignID  string
	State       JobState
	RunAt       time.Time
	Attempts    int
	MaxAttempts int
	BackoffBase time.Duration
	LastError   string
	LockedAt    *time.Time
	FinishedAt  *time.Time
}

// CleanupReport summarises a best-effort queue purge. It is reported, never raised.
type CleanupReport struct {
	Removed int      `json:"removed"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

func (r *CleanupReport) AddErr(err error) {
	if err != nil {
		r.Errors = append(r.Errors, err.Error())
	}
}

type Progress struct {
	Campaign   Campaign                `json:"campaign"`
	Recipients map[RecipientStatus]int `json:"recipients"`
}
