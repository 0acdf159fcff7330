package domain

import (
	"errors"
	"fmt"
)

// Error codes surfaced to HTTP callers.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeInvalidStatus      = "CAMPAIGN_INVALID_STATUS"
	CodeReplyWindowExpired = "REPLY_WINDOW_EXPIRED"
	CodeInternal           = "INTERNAL_ERROR"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrReplyWindowExpired = errors.New("reply window expired; send a template message instead")
	ErrNoRecipients       = errors.New("campaign has no valid recipients")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

type CampaignAction string

const (
	ActionStart     CampaignAction = "start"
	ActionPause     CampaignAction = "pause"
	ActionResume    CampaignAction = "resume"
	ActionStop      CampaignAction = "stop"
	ActionDelete    CampaignAction = "delete"
	ActionReenqueue CampaignAction = "enqueue"
)

// AllowedFrom lists the campaign statuses an action may be applied to.
func AllowedFrom(a CampaignAction) []CampaignStatus {
	switch a {
	case ActionStart:
		return []CampaignStatus{CampaignDraft}
	case ActionPause, ActionReenqueue:
		return []CampaignStatus{CampaignRunning}
	case ActionResume:
		return []CampaignStatus{CampaignPaused}
	case ActionStop:
		return []CampaignStatus{CampaignRunning, CampaignPaused}
	case ActionDelete:
		return []CampaignStatus{CampaignDraft, CampaignStopped, CampaignCompleted, CampaignFailed}
	}
	return nil
}

func Permits(a CampaignAction, current CampaignStatus) bool {
	for _, s := range AllowedFrom(a) {
		if s == current {
			return true
		}
	}
	return false
}

type InvalidStateTransitionError struct {
	Action  CampaignAction
	Current CampaignStatus
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("cannot %s campaign in status %s", e.Action, e.Current)
}

// ErrorCode maps an error onto the code reported to HTTP callers.
func ErrorCode(err error) string {
	var ve *ValidationError
	var ite *InvalidStateTransitionError
	switch {
	case errors.As(err, &ve), errors.Is(err, ErrNoRecipients):
		return CodeValidation
	case errors.As(err, &ite):
		return CodeInvalidStatus
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrReplyWindowExpired):
		return CodeReplyWindowExpired
	}
	return CodeInternal
}
