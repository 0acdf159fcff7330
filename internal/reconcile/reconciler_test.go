package reconcile

import (
	"context"
	"strconv"
	"testing"
	"time"

	"broadcast/internal/domain"
	"broadcast/internal/providers/whatsapp"
	sqsqueue "broadcast/internal/queue/sqs"
	"broadcast/internal/store"
)

type fakeStore struct {
	contacts   map[string]domain.Contact // by phone
	sessions   map[string]domain.Session // by contact id
	messages   map[string]domain.Message // by provider id
	recipients map[string]*domain.Recipient
	counters   store.CounterDelta
	delivery   []store.DeliveryEvent
	// raceOnce makes the next conditional write lose to a concurrent writer that moves
	// the recipient to raceTo first.
	raceOnce bool
	raceTo   domain.RecipientStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		contacts:   map[string]domain.Contact{},
		sessions:   map[string]domain.Session{},
		messages:   map[string]domain.Message{},
		recipients: map[string]*domain.Recipient{},
	}
}

func (f *fakeStore) ResolveContactByPhone(ctx context.Context, in store.ContactResolve) (domain.Contact, bool, error) {
	if c, ok := f.contacts[in.Phone]; ok {
		c.Source = domain.SourceAuto
		f.contacts[in.Phone] = c
		return c, false, nil
	}
	c := domain.Contact{ID: "con_" + in.Phone, Phone: in.Phone, Name: in.Name, Source: domain.SourceAuto}
	f.contacts[in.Phone] = c
	return c, true, nil
}

func (f *fakeStore) GetSessionByContact(ctx context.Context, contactID string) (domain.Session, bool, error) {
	s, ok := f.sessions[contactID]
	return s, ok, nil
}

func (f *fakeStore) SaveSession(ctx context.Context, s domain.Session) (domain.Session, error) {
	f.sessions[s.ContactID] = s
	return s, nil
}

func (f *fakeStore) InsertMessage(ctx context.Context, m domain.Message) (bool, error) {
	if _, ok := f.messages[m.ProviderMessageID]; ok {
		return false, nil
	}
	f.messages[m.ProviderMessageID] = m
	return true, nil
}

func (f *fakeStore) GetRecipientByProviderMessageID(ctx context.Context, id string) (domain.Recipient, bool, error) {
	for _, r := range f.recipients {
		if r.ProviderMessageID == id {
			return *r, true, nil
		}
	}
	return domain.Recipient{}, false, nil
}

func (f *fakeStore) ApplyStatusChange(ctx context.Context, in store.StatusChange) (bool, error) {
	r := f.recipients[in.RecipientID]
	if f.raceOnce {
		f.raceOnce = false
		r.Status = f.raceTo
	}
	if r.Status != in.Expected {
		return false, nil
	}
	r.Status = in.Target
	if in.Target == domain.RecipientFailed {
		r.ErrorMessage = in.ErrorMessage
	}
	return true, nil
}

func (f *fakeStore) IncrementCampaignCounters(ctx context.Context, campaignID string, d store.CounterDelta, now time.Time) error {
	f.counters.Sent += d.Sent
	f.counters.Delivered += d.Delivered
	f.counters.Read += d.Read
	f.counters.Failed += d.Failed
	return nil
}

func (f *fakeStore) MaybeCompleteCampaign(ctx context.Context, campaignID string, now time.Time) (bool, error) {
	return false, nil
}

func (f *fakeStore) InsertDeliveryEvent(ctx context.Context, in store.DeliveryEvent) error {
	f.delivery = append(f.delivery, in)
	return nil
}

type recordingEmitter struct {
	types []string
	data  []any
}

func (e *recordingEmitter) Emit(typ string, data any) {
	e.types = append(e.types, typ)
	e.data = append(e.data, data)
}

func withSentRecipient(f *fakeStore) {
	f.recipients["rcp_1"] = &domain.Recipient{ID: "rcp_1", CampaignID: "cmp_1", ContactID: "con_1", Status: domain.RecipientSent, ProviderMessageID: "wamid.1"}
}

func status(s string) whatsapp.StatusUpdate {
	return whatsapp.StatusUpdate{ID: "wamid.1", Status: s, Timestamp: "1700000000"}
}

func TestHandleStatusUnknownMessageIsNoop(t *testing.T) {
	f := newFakeStore()
	withSentRecipient(f)
	r := &Reconciler{Store: f}

	changed, err := r.HandleStatus(context.Background(), whatsapp.StatusUpdate{ID: "wamid.other", Status: "delivered"})
	if err != nil || changed {
		t.Fatalf("expected silent no-op, got changed=%v err=%v", changed, err)
	}
	if !f.counters.IsZero() || len(f.delivery) != 0 {
		t.Fatalf("unknown id must not touch counters or audit")
	}
}

func TestHandleStatusDuplicateIsIdempotent(t *testing.T) {
	f := newFakeStore()
	withSentRecipient(f)
	em := &recordingEmitter{}
	r := &Reconciler{Store: f, Events: em}

	for i := 0; i < 2; i++ {
		if _, err := r.HandleStatus(context.Background(), status("delivered")); err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
	}
	if f.recipients["rcp_1"].Status != domain.RecipientDelivered {
		t.Fatalf("expected delivered")
	}
	if f.counters.Delivered != 1 || len(f.delivery) != 1 || len(em.types) != 1 {
		t.Fatalf("duplicate callback must be a no-op: counters=%+v events=%d", f.counters, len(em.types))
	}
}

func TestHandleStatusReadBeforeDelivered(t *testing.T) {
	f := newFakeStore()
	withSentRecipient(f)
	r := &Reconciler{Store: f}

	if _, err := r.HandleStatus(context.Background(), status("read")); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	changed, err := r.HandleStatus(context.Background(), status("delivered"))
	if err != nil || changed {
		t.Fatalf("late delivered must not regress read, changed=%v err=%v", changed, err)
	}
	if f.recipients["rcp_1"].Status != domain.RecipientRead {
		t.Fatalf("expected read, got %s", f.recipients["rcp_1"].Status)
	}
	if f.counters.Delivered != 1 || f.counters.Read != 1 {
		t.Fatalf("skipped delivered must be counted once: %+v", f.counters)
	}
}

func TestHandleStatusFailedRecordsProviderError(t *testing.T) {
	f := newFakeStore()
	withSentRecipient(f)
	f.recipients["rcp_1"].Status = domain.RecipientDelivered
	r := &Reconciler{Store: f}

	st := status("failed")
	st.Errors = []whatsapp.StatusError{{Code: 131047, Title: "Re-engagement message"}}
	if _, err := r.HandleStatus(context.Background(), st); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	rec := f.recipients["rcp_1"]
	if rec.Status != domain.RecipientFailed || rec.ErrorMessage != "131047: Re-engagement message" {
		t.Fatalf("unexpected recipient: %s %q", rec.Status, rec.ErrorMessage)
	}
	if f.counters.Failed != 1 || f.delivery[0].ErrorCode != strconv.Itoa(131047) {
		t.Fatalf("unexpected counters/audit: %+v %+v", f.counters, f.delivery)
	}

	// terminal: a later read is ignored
	changed, _ := r.HandleStatus(context.Background(), status("read"))
	if changed || f.counters.Read != 0 {
		t.Fatalf("failed is terminal")
	}
}

func TestHandleStatusRereadsAfterLostRace(t *testing.T) {
	f := newFakeStore()
	withSentRecipient(f)
	f.raceOnce, f.raceTo = true, domain.RecipientDelivered
	r := &Reconciler{Store: f}

	changed, err := r.HandleStatus(context.Background(), status("read"))
	if err != nil || !changed {
		t.Fatalf("expected read applied after re-read, changed=%v err=%v", changed, err)
	}
	// the concurrent writer owns the delivered increment
	if f.counters.Delivered != 0 || f.counters.Read != 1 {
		t.Fatalf("unexpected counters %+v", f.counters)
	}
}

func TestCounterDelta(t *testing.T) {
	cases := []struct {
		from, to domain.RecipientStatus
		want     store.CounterDelta
	}{
		{domain.RecipientSent, domain.RecipientDelivered, store.CounterDelta{Delivered: 1}},
		{domain.RecipientSent, domain.RecipientRead, store.CounterDelta{Delivered: 1, Read: 1}},
		{domain.RecipientQueued, domain.RecipientRead, store.CounterDelta{Sent: 1, Delivered: 1, Read: 1}},
		{domain.RecipientDelivered, domain.RecipientFailed, store.CounterDelta{Failed: 1}},
	}
	for _, tc := range cases {
		if got := CounterDelta(tc.from, tc.to); got != tc.want {
			t.Fatalf("%s->%s: expected %+v, got %+v", tc.from, tc.to, tc.want, got)
		}
	}
}

func TestHandleInboundReopensExpiredSession(t *testing.T) {
	f := newFakeStore()
	f.contacts["+15550100"] = domain.Contact{ID: "con_1", Phone: "+15550100", Source: domain.SourceManual, OptIn: true}
	old := time.Unix(1700000000, 0).UTC().Add(-72 * time.Hour)
	f.sessions["con_1"] = domain.Session{ID: "ses_1", ContactID: "con_1", Status: domain.SessionClosed, LastMessageAt: old, ReplyWindowExpiresAt: old.Add(24 * time.Hour)}
	em := &recordingEmitter{}
	r := &Reconciler{Store: f, Events: em}

	msg := whatsapp.InboundMessage{ID: "wamid.in", From: "15550100", Timestamp: "1700000000", Type: "text"}
	msg.Text = &struct {
		Body string `json:"body"`
	}{Body: "STOP?"}

	if err := r.HandleInbound(context.Background(), msg); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	at := time.Unix(1700000000, 0).UTC()
	ses := f.sessions["con_1"]
	if ses.ID != "ses_1" || ses.Status != domain.SessionOpen || !ses.ReplyWindowExpiresAt.Equal(at.Add(24*time.Hour)) {
		t.Fatalf("expected reopened window, got %+v", ses)
	}
	stored, ok := f.messages["wamid.in"]
	if !ok || stored.Body != "STOP?" || stored.Direction != domain.DirectionInbound {
		t.Fatalf("expected stored inbound message, got %+v", stored)
	}
	if c := f.contacts["+15550100"]; c.Source != domain.SourceAuto || !c.OptIn {
		t.Fatalf("replying manual contact becomes auto with opt-in untouched, got %+v", c)
	}

	// redelivery of the same callback
	if err := r.HandleInbound(context.Background(), msg); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(em.types) != 1 || em.types[0] != "message.inbound" {
		t.Fatalf("expected exactly one inbound event, got %v", em.types)
	}
}

func TestProcessRoutesByKind(t *testing.T) {
	f := newFakeStore()
	withSentRecipient(f)
	r := &Reconciler{Store: f}
	st := status("delivered")
	if err := r.Process(context.Background(), sqsqueue.WebhookEvent{Kind: sqsqueue.KindStatus, Status: &st}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if f.recipients["rcp_1"].Status != domain.RecipientDelivered {
		t.Fatalf("status event not applied")
	}
	if err := r.Process(context.Background(), sqsqueue.WebhookEvent{Kind: "bogus"}); err != nil {
		t.Fatalf("unknown kinds are dropped, got %v", err)
	}
}
