package sqsqueue

import (
	"time"

	"broadcast/internal/providers/whatsapp"
)

const (
	KindInbound = "inbound"
	KindStatus  = "status"
)

// WebhookEvent is one provider callback item. A webhook POST is split into one event
// per message or status so each is retried independently. Keep it small; SQS has a
// 256KB message size limit.
type WebhookEvent struct {
	Kind          string                   `json:"kind"`
	PhoneNumberID string                   `json:"phoneNumberId,omitempty"`
	Inbound       *whatsapp.InboundMessage `json:"inbound,omitempty"`
	Status        *whatsapp.StatusUpdate   `json:"status,omitempty"`
	ReceivedAt    time.Time                `json:"receivedAt"`
}

// ID is the provider id of the message or status the event is about.
func (e WebhookEvent) ID() string {
	switch {
	case e.Inbound != nil:
		return e.Inbound.ID
	case e.Status != nil:
		return e.Status.ID
	}
	return ""
}

// EventsFromPayload flattens entry[].changes[].value into events. Inbound messages
// get the sender's profile name from the sibling contacts[] list.
func EventsFromPayload(p whatsapp.WebhookPayload, receivedAt time.Time) []WebhookEvent {
	var out []WebhookEvent
	for _, entry := range p.Entry {
		for _, ch := range entry.Changes {
			v := ch.Value
			names := make(map[string]string, len(v.Contacts))
			for _, c := range v.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for i := range v.Messages {
				m := v.Messages[i]
				if m.ProfileName == "" {
					m.ProfileName = names[m.From]
				}
				out = append(out, WebhookEvent{Kind: KindInbound, PhoneNumberID: v.Metadata.PhoneNumberID, Inbound: &m, ReceivedAt: receivedAt})
			}
			for i := range v.Statuses {
				s := v.Statuses[i]
				out = append(out, WebhookEvent{Kind: KindStatus, PhoneNumberID: v.Metadata.PhoneNumberID, Status: &s, ReceivedAt: receivedAt})
			}
		}
	}
	return out
}
