package amqp

import (
	"context"
	"errors"
	"testing"

	"broadcast/internal/events"
)

func TestHandleDecodesEnvelope(t *testing.T) {
	env, err := events.NewEnvelope(events.TypeInbound, "test", events.InboundMessage{ContactID: "con_1"})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	body := []byte(`{"meta":{"id":"` + env.Meta.ID + `","type":"message.inbound","time":"2024-01-01T00:00:00Z"},"data":{"contact_id":"con_1"}}`)

	var got events.InboundMessage
	spec := ConsumerSpec{Handle: func(ctx context.Context, e events.Envelope) error {
		if e.Meta.Type != events.TypeInbound {
			t.Fatalf("unexpected type %s", e.Meta.Type)
		}
		return e.Decode(&got)
	}}
	if err := handle(context.Background(), spec, body); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got.ContactID != "con_1" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestHandleMarksGarbageAsPoison(t *testing.T) {
	spec := ConsumerSpec{Handle: func(ctx context.Context, e events.Envelope) error {
		t.Fatalf("handler must not run for undecodable bodies")
		return nil
	}}
	if err := handle(context.Background(), spec, []byte("{not json")); !errors.Is(err, ErrPoison) {
		t.Fatalf("expected ErrPoison, got %v", err)
	}
}
