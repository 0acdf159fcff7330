// Package events carries side-effect events (inbound replies, status changes,
// outbound sends) to subscribers that must never hold up dispatch.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"broadcast/internal/observability"
)

const (
	TypeInbound  = "message.inbound"
	TypeStatus   = "message.status"
	TypeOutbound = "message.outbound"
)

type Meta struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Producer      string    `json:"producer,omitempty"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"`
}

type Envelope struct {
	Meta Meta            `json:"meta"`
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

func NewEnvelope(typ, producer string, data any) (Envelope, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	id := uuid.NewString()
	return Envelope{
		Meta: Meta{ID: id, CorrelationID: id, Producer: producer, Time: time.Now().UTC(), Type: typ},
		Data: b,
	}, nil
}

type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

type InboundMessage struct {
	ContactID         string    `json:"contact_id"`
	SessionID         string    `json:"session_id"`
	MessageID         string    `json:"message_id"`
	ProviderMessageID string    `json:"provider_message_id"`
	From              string    `json:"from"`
	ProfileName       string    `json:"profile_name,omitempty"`
	Kind              string    `json:"kind"`
	Body              string    `json:"body,omitempty"`
	NewContact        bool      `json:"new_contact"`
	At                time.Time `json:"at"`
}

type StatusChanged struct {
	CampaignID        string    `json:"campaign_id"`
	RecipientID       string    `json:"recipient_id"`
	ContactID         string    `json:"contact_id"`
	ProviderMessageID string    `json:"provider_message_id"`
	From              string    `json:"from"`
	To                string    `json:"to"`
	ErrorCode         int       `json:"error_code,omitempty"`
	ErrorTitle        string    `json:"error_title,omitempty"`
	At                time.Time `json:"at"`
}

type OutboundMessage struct {
	CampaignID        string    `json:"campaign_id,omitempty"`
	RecipientID       string    `json:"recipient_id,omitempty"`
	ContactID         string    `json:"contact_id"`
	SessionID         string    `json:"session_id"`
	ProviderMessageID string    `json:"provider_message_id"`
	Kind              string    `json:"kind"`
	Template          string    `json:"template,omitempty"`
	At                time.Time `json:"at"`
}

// Emitter is what producers of side effects depend on. Emit never blocks and never fails.
type Emitter interface {
	Emit(typ string, data any)
}

// Dispatcher hands events to a Publisher from a background goroutine. When the
// buffer is full the event is dropped and counted.
type Dispatcher struct {
	pub      Publisher
	producer string
	timeout  time.Duration
	ch       chan Envelope
	wg       sync.WaitGroup

	// mu guards closed; Emit holds it shared so Close cannot close ch mid-send.
	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(pub Publisher, producer string, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 1024
	}
	d := &Dispatcher{pub: pub, producer: producer, timeout: 5 * time.Second, ch: make(chan Envelope, buffer)}
	d.wg.Add(1)
	go d.loop()
	return d
}

func (d *Dispatcher) Emit(typ string, data any) {
	env, err := NewEnvelope(typ, d.producer, data)
	if err != nil {
		slog.Error("event encode failed", "type", typ, "err", err)
		observability.EventsPublished.WithLabelValues(typ, "encode_error").Inc()
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		slog.Warn("event dropped, dispatcher closed", "type", typ, "event_id", env.Meta.ID)
		observability.EventsPublished.WithLabelValues(typ, "dropped").Inc()
		return
	}
	select {
	case d.ch <- env:
	default:
		slog.Warn("event dropped, buffer full", "type", typ, "event_id", env.Meta.ID)
		observability.EventsPublished.WithLabelValues(typ, "dropped").Inc()
	}
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for env := range d.ch {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.pub.Publish(ctx, env)
		cancel()
		if err != nil {
			slog.Error("event publish failed", "type", env.Meta.Type, "event_id", env.Meta.ID, "err", err)
			observability.EventsPublished.WithLabelValues(env.Meta.Type, "error").Inc()
			continue
		}
		observability.EventsPublished.WithLabelValues(env.Meta.Type, "ok").Inc()
	}
}

// Close stops accepting events and waits for buffered ones to be published.
// Later Emit calls drop their event.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.ch)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Discard is an Emitter for binaries without an event bus.
type Discard struct{}

func (Discard) Emit(string, any) {}
