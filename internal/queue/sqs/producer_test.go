package sqsqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"broadcast/internal/providers/whatsapp"
)

type fakeSQS struct {
	mu       sync.Mutex
	batches  [][]types.SendMessageBatchRequestEntry
	inbox    []types.Message
	deleted  []string
	failNext bool
}

func (f *fakeSQS) SendMessageBatch(ctx context.Context, in *sqs.SendMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return nil, errors.New("throttled")
	}
	f.batches = append(f.batches, in.Entries)
	return &sqs.SendMessageBatchOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	msgs := f.inbox
	f.inbox = nil
	f.mu.Unlock()
	if len(msgs) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, *in.ReceiptHandle)
	return &sqs.DeleteMessageOutput{}, nil
}

func statusEvents(n int) []WebhookEvent {
	evs := make([]WebhookEvent, n)
	for i := range evs {
		evs[i] = WebhookEvent{Kind: KindStatus, Status: &whatsapp.StatusUpdate{ID: "wamid", Status: "delivered"}}
	}
	return evs
}

func TestEnqueueBatchesByTen(t *testing.T) {
	f := &fakeSQS{}
	p := &Producer{SQS: f, QueueURL: "q"}
	if err := p.Enqueue(context.Background(), statusEvents(23)); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(f.batches) != 3 || len(f.batches[0]) != 10 || len(f.batches[2]) != 3 {
		t.Fatalf("unexpected batching: %d batches", len(f.batches))
	}
	var ev WebhookEvent
	if err := json.Unmarshal([]byte(*f.batches[0][0].MessageBody), &ev); err != nil || ev.Kind != KindStatus {
		t.Fatalf("unexpected body: %v %+v", err, ev)
	}
}

func TestEnqueueKeepsGoingAfterFailedBatch(t *testing.T) {
	f := &fakeSQS{failNext: true}
	p := &Producer{SQS: f, QueueURL: "q"}
	if err := p.Enqueue(context.Background(), statusEvents(15)); err == nil {
		t.Fatalf("expected error for the failed batch")
	}
	if len(f.batches) != 1 || len(f.batches[0]) != 5 {
		t.Fatalf("second batch should still be sent, got %d", len(f.batches))
	}
}

func TestEventsFromPayload(t *testing.T) {
	raw := `{"object":"whatsapp_business_account","entry":[{"id":"1","changes":[{"field":"messages","value":{
		"metadata":{"phone_number_id":"PN1"},
		"contacts":[{"wa_id":"15550100","profile":{"name":"Ada"}}],
		"messages":[{"id":"wamid.in","from":"15550100","timestamp":"1700000000","type":"text","text":{"body":"hi"}}],
		"statuses":[{"id":"wamid.out","status":"read","timestamp":"1700000001","recipient_id":"15550101"}]}}]}]}`
	var p whatsapp.WebhookPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	evs := EventsFromPayload(p, time.Now())
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if evs[0].Kind != KindInbound || evs[0].Inbound.ProfileName != "Ada" || evs[0].PhoneNumberID != "PN1" {
		t.Fatalf("unexpected inbound event: %+v", evs[0])
	}
	if evs[1].Kind != KindStatus || evs[1].ID() != "wamid.out" {
		t.Fatalf("unexpected status event: %+v", evs[1])
	}
}

func TestPollDeletesOnlyHandledMessages(t *testing.T) {
	good, _ := json.Marshal(statusEvents(1)[0])
	body := string(good)
	garbage := "{nope"
	f := &fakeSQS{inbox: []types.Message{
		{Body: &body, ReceiptHandle: str("ok")},
		{Body: &body, ReceiptHandle: str("retry")},
		{Body: &garbage, ReceiptHandle: str("poison")},
	}}
	c := &Consumer{SQS: f, QueueURL: "q"}

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	calls := 0
	done := make(chan struct{})
	go func() {
		_ = c.PollConcurrent(ctx, 1, func(ctx context.Context, ev WebhookEvent) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 2 {
				return errors.New("db down")
			}
			return nil
		})
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.deleted) != 2 || f.deleted[0] != "ok" || f.deleted[1] != "poison" {
		t.Fatalf("expected ok and poison deleted, got %v", f.deleted)
	}
}
