package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"broadcast/internal/dispatch"
	"broadcast/internal/domain"
	"broadcast/internal/providers/whatsapp"
	"broadcast/internal/store"
)

type fakeStore struct {
	mu         sync.Mutex
	campaign   domain.Campaign
	template   domain.Template
	contacts   map[string]domain.Contact
	recipients map[string]*domain.Recipient
	sessions   map[string]domain.Session
	messages   []domain.Message
	audits     []store.AuditEntry
	counters   store.CounterDelta
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		campaign: domain.Campaign{ID: "cmp_1", TemplateID: "tpl_1", Status: domain.CampaignRunning},
		template: domain.Template{ID: "tpl_1", Name: "promo", Language: "en_US", Params: []string{"first_name", "city"}},
		contacts: map[string]domain.Contact{
			"con_1": {ID: "con_1", Phone: "+1 555 0100", Name: "Ada Lovelace", OptIn: true, CustomFields: map[string]string{"city": "London"}},
			"con_2": {ID: "con_2", Phone: "+15550101", Name: "Bob", OptIn: false},
		},
		recipients: map[string]*domain.Recipient{
			"rcp_1": {ID: "rcp_1", CampaignID: "cmp_1", ContactID: "con_1", Status: domain.RecipientQueued},
			"rcp_2": {ID: "rcp_2", CampaignID: "cmp_1", ContactID: "con_2", Status: domain.RecipientQueued},
		},
		sessions: map[string]domain.Session{},
	}
}

func (f *fakeStore) GetRecipient(ctx context.Context, id string) (domain.Recipient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recipients[id]
	if !ok {
		return domain.Recipient{}, domain.ErrNotFound
	}
	return *r, nil
}

func (f *fakeStore) GetCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	return f.campaign, nil
}

func (f *fakeStore) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	if id != f.template.ID {
		return domain.Template{}, domain.ErrNotFound
	}
	return f.template, nil
}

func (f *fakeStore) GetContact(ctx context.Context, id string) (domain.Contact, error) {
	c, ok := f.contacts[id]
	if !ok {
		return domain.Contact{}, domain.ErrNotFound
	}
	return c, nil
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
	f.messages = append(f.messages, m)
	return true, nil
}

func (f *fakeStore) ApplyStatusChange(ctx context.Context, in store.StatusChange) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recipients[in.RecipientID]
	if !ok || r.Status != in.Expected {
		return false, nil
	}
	r.Status = in.Target
	if r.ProviderMessageID == "" {
		r.ProviderMessageID = in.ProviderMessageID
	}
	if in.Target == domain.RecipientFailed {
		r.ErrorMessage = in.ErrorMessage
	}
	return true, nil
}

func (f *fakeStore) IncrementCampaignCounters(ctx context.Context, campaignID string, d store.CounterDelta, now time.Time) error {
	f.counters.Sent += d.Sent
	f.counters.Failed += d.Failed
	return nil
}

func (f *fakeStore) MaybeCompleteCampaign(ctx context.Context, campaignID string, now time.Time) (bool, error) {
	return false, nil
}

func (f *fakeStore) InsertAudit(ctx context.Context, in store.AuditEntry) error {
	f.audits = append(f.audits, in)
	return nil
}

type fakeSender struct {
	calls []whatsapp.TemplateMessage
	err   error
}

func (s *fakeSender) SendTemplate(ctx context.Context, msg whatsapp.TemplateMessage) (whatsapp.SendResponse, error) {
	s.calls = append(s.calls, msg)
	if s.err != nil {
		return whatsapp.SendResponse{}, s.err
	}
	var resp whatsapp.SendResponse
	resp.Messages = append(resp.Messages, struct {
		ID            string `json:"id"`
		MessageStatus string `json:"message_status,omitempty"`
	}{ID: "wamid.1"})
	return resp, nil
}

type fakeHalter struct {
	campaignID, reason string
}

func (h *fakeHalter) Halt(ctx context.Context, campaignID, reason string) (domain.CleanupReport, error) {
	h.campaignID, h.reason = campaignID, reason
	return domain.CleanupReport{Removed: 3, Failed: 1}, nil
}

type recordingEmitter struct {
	types []string
}

func (e *recordingEmitter) Emit(typ string, data any) { e.types = append(e.types, typ) }

func job(recipientID string) domain.DispatchJob {
	return domain.DispatchJob{ID: "job_" + recipientID, RecipientID: recipientID, CampaignID: "cmp_1", Attempts: 1, MaxAttempts: 3}
}

func TestProcessSendsTemplateAndMarksSent(t *testing.T) {
	st := newFakeStore()
	sender := &fakeSender{}
	em := &recordingEmitter{}
	p := &Processor{Store: st, Sender: sender, Events: em}

	if err := p.Process(context.Background(), job("rcp_1")); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(sender.calls) != 1 {
		t.Fatalf("expected one send, got %d", len(sender.calls))
	}
	msg := sender.calls[0]
	if msg.To != "15550100" || msg.Template != "promo" || len(msg.Params) != 2 || msg.Params[0] != "Ada" || msg.Params[1] != "London" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	r := st.recipients["rcp_1"]
	if r.Status != domain.RecipientSent || r.ProviderMessageID != "wamid.1" {
		t.Fatalf("expected sent with provider id, got %s %q", r.Status, r.ProviderMessageID)
	}
	if st.counters.Sent != 1 {
		t.Fatalf("expected sent counter 1, got %d", st.counters.Sent)
	}
	ses, ok := st.sessions["con_1"]
	if !ok || ses.Status != domain.SessionOpen || !ses.ReplyWindowExpiresAt.After(time.Now()) {
		t.Fatalf("expected an open session, got %+v", ses)
	}
	if len(st.messages) != 1 || st.messages[0].Direction != domain.DirectionOutbound || st.messages[0].ProviderMessageID != "wamid.1" {
		t.Fatalf("expected outbound message record, got %+v", st.messages)
	}
	if len(em.types) != 1 || em.types[0] != "message.outbound" {
		t.Fatalf("expected outbound event, got %v", em.types)
	}
}

func TestProcessFailsOptedOutRecipient(t *testing.T) {
	st := newFakeStore()
	sender := &fakeSender{}
	p := &Processor{Store: st, Sender: sender}

	if err := p.Process(context.Background(), job("rcp_2")); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(sender.calls) != 0 {
		t.Fatalf("opted-out contact must not be sent to")
	}
	r := st.recipients["rcp_2"]
	if r.Status != domain.RecipientFailed || r.ErrorMessage != "not opted in" {
		t.Fatalf("expected failed not opted in, got %s %q", r.Status, r.ErrorMessage)
	}
	if st.counters.Failed != 1 {
		t.Fatalf("expected failed counter 1, got %d", st.counters.Failed)
	}
}

func TestProcessNonCriticalProviderErrorFailsRecipient(t *testing.T) {
	st := newFakeStore()
	sender := &fakeSender{err: &whatsapp.ProviderError{HTTPStatus: 400, Code: 131026, Message: "undeliverable", Kind: whatsapp.KindRecipient}}
	halter := &fakeHalter{}
	p := &Processor{Store: st, Sender: sender, Halter: halter}

	if err := p.Process(context.Background(), job("rcp_1")); err != nil {
		t.Fatalf("non-critical failure must complete the job, got %v", err)
	}
	if st.recipients["rcp_1"].Status != domain.RecipientFailed {
		t.Fatalf("expected recipient failed")
	}
	if halter.campaignID != "" {
		t.Fatalf("campaign must keep running")
	}
	if len(st.audits) != 1 || st.audits[0].Event != "message_failed" {
		t.Fatalf("expected message_failed audit, got %+v", st.audits)
	}
}

func TestProcessCriticalProviderErrorHaltsCampaign(t *testing.T) {
	st := newFakeStore()
	sender := &fakeSender{err: &whatsapp.ProviderError{HTTPStatus: 400, Code: 130429, Message: "rate limit hit", Kind: whatsapp.KindRateLimited}}
	halter := &fakeHalter{}
	p := &Processor{Store: st, Sender: sender, Halter: halter}

	err := p.Process(context.Background(), job("rcp_1"))
	if err == nil {
		t.Fatalf("expected error for critical failure")
	}
	if halter.campaignID != "cmp_1" || halter.reason != "critical provider error: rate_limited" {
		t.Fatalf("unexpected halt: %+v", halter)
	}
	if st.recipients["rcp_1"].Status != domain.RecipientQueued {
		t.Fatalf("recipient must not be failed by a campaign-level error")
	}
	if len(st.audits) != 1 || st.audits[0].Event != "campaign_critical_error" || st.audits[0].Severity != store.SeverityCritical {
		t.Fatalf("expected critical audit, got %+v", st.audits)
	}
}

func TestProcessSkipsRecipientPastQueued(t *testing.T) {
	st := newFakeStore()
	st.recipients["rcp_1"].Status = domain.RecipientDelivered
	sender := &fakeSender{}
	p := &Processor{Store: st, Sender: sender}

	if err := p.Process(context.Background(), job("rcp_1")); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(sender.calls) != 0 {
		t.Fatalf("redelivered job must not send again")
	}
}

func TestProcessRespectsCampaignStatus(t *testing.T) {
	st := newFakeStore()
	sender := &fakeSender{}
	p := &Processor{Store: st, Sender: sender}

	st.campaign.Status = domain.CampaignStopped
	if err := p.Process(context.Background(), job("rcp_1")); err != nil {
		t.Fatalf("stopped campaign: expected skip, got %v", err)
	}
	if st.recipients["rcp_1"].Status != domain.RecipientQueued {
		t.Fatalf("stopped campaign must leave recipient untouched")
	}

	st.campaign.Status = domain.CampaignPaused
	err := p.Process(context.Background(), job("rcp_1"))
	if !errors.Is(err, dispatch.ErrDeferred) {
		t.Fatalf("paused campaign: expected deferral, got %v", err)
	}
	if len(sender.calls) != 0 {
		t.Fatalf("no sends expected")
	}
}

func TestProcessBreakerOpenLeavesRecipientQueued(t *testing.T) {
	st := newFakeStore()
	st.contacts["con_2"] = domain.Contact{ID: "con_2", Phone: "+15550101", OptIn: true}
	sender := &fakeSender{err: &whatsapp.ProviderError{HTTPStatus: http.StatusServiceUnavailable, Message: "unavailable", Kind: whatsapp.KindTransient}}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:         "whatsapp",
		Timeout:      time.Minute,
		ReadyToTrip:  func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 1 },
		IsSuccessful: BreakerSuccess,
	})
	p := &Processor{Store: st, Sender: sender, Breaker: breaker}

	if err := p.Process(context.Background(), job("rcp_1")); err != nil {
		t.Fatalf("transient provider error fails the recipient, got %v", err)
	}
	err := p.Process(context.Background(), job("rcp_2"))
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if st.recipients["rcp_2"].Status != domain.RecipientQueued {
		t.Fatalf("breaker-open must leave the recipient queued for retry")
	}
	if len(sender.calls) != 1 {
		t.Fatalf("open breaker must not reach the provider, calls=%d", len(sender.calls))
	}
}

func TestBreakerSuccessIgnoresRecipientErrors(t *testing.T) {
	if !BreakerSuccess(&whatsapp.ProviderError{Kind: whatsapp.KindRecipient}) {
		t.Fatalf("recipient errors must not trip the breaker")
	}
	if BreakerSuccess(&whatsapp.ProviderError{Kind: whatsapp.KindTransient}) {
		t.Fatalf("transient errors must count against the provider")
	}
}

// retryQueue hands the same job out again on Retry until it is failed.
type retryQueue struct {
	mu     sync.Mutex
	next   *domain.DispatchJob
	failed chan domain.DispatchJob
}

func (q *retryQueue) Claim(ctx context.Context, now time.Time, staleAfter time.Duration) (domain.DispatchJob, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.next == nil {
		return domain.DispatchJob{}, false, nil
	}
	j := *q.next
	q.next = nil
	j.Attempts++
	return j, true, nil
}

func (q *retryQueue) Complete(ctx context.Context, jobID string, now time.Time) error { return nil }

func (q *retryQueue) Retry(ctx context.Context, jobID, lastErr string, runAt time.Time) error {
	return nil
}

func (q *retryQueue) Defer(ctx context.Context, jobID string, runAt time.Time) error { return nil }

func (q *retryQueue) Fail(ctx context.Context, jobID, lastErr string, now time.Time) error {
	return nil
}

func TestExhaustedJobFailsQueuedRecipient(t *testing.T) {
	st := newFakeStore()
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "whatsapp",
		Timeout:     time.Hour,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 1 },
	})
	_, _ = breaker.Execute(func() (any, error) { return nil, errors.New("down") })
	sender := &fakeSender{}
	p := &Processor{Store: st, Sender: sender, Breaker: breaker}

	j := job("rcp_1")
	j.Attempts = 0
	q := &retryQueue{next: &j}
	attempts := make(chan int, 3)
	done := make(chan struct{})
	r := &dispatch.Runner{
		Store:        q,
		Concurrency:  1,
		PollInterval: 5 * time.Millisecond,
		Handler: func(ctx context.Context, job domain.DispatchJob) error {
			attempts <- job.Attempts
			err := p.Process(ctx, job)
			if job.Attempts < job.MaxAttempts {
				q.mu.Lock()
				q.next = &job
				q.mu.Unlock()
			}
			return err
		},
		Exhausted: func(ctx context.Context, job domain.DispatchJob, lastErr error) {
			p.Exhausted(ctx, job, lastErr)
			close(done)
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("job never exhausted")
	}
	cancel()
	<-errCh

	if n := len(attempts); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
	rec := st.recipients["rcp_1"]
	if rec.Status != domain.RecipientFailed {
		t.Fatalf("expected recipient failed after exhaustion, got %s", rec.Status)
	}
	if rec.ErrorMessage != gobreaker.ErrOpenState.Error() {
		t.Fatalf("expected last error recorded, got %q", rec.ErrorMessage)
	}
	if st.counters.Failed != 1 {
		t.Fatalf("expected failed counter 1, got %d", st.counters.Failed)
	}
	if len(sender.calls) != 0 {
		t.Fatalf("open breaker must not reach the provider, calls=%d", len(sender.calls))
	}
}

func TestExhaustedLeavesSettledRecipientAlone(t *testing.T) {
	st := newFakeStore()
	st.recipients["rcp_1"].Status = domain.RecipientSent
	p := &Processor{Store: st}

	p.Exhausted(context.Background(), job("rcp_1"), errors.New("late"))
	p.Exhausted(context.Background(), job("rcp_missing"), errors.New("late"))

	if st.recipients["rcp_1"].Status != domain.RecipientSent || st.counters.Failed != 0 {
		t.Fatalf("settled recipient must not change: %+v counters=%+v", st.recipients["rcp_1"], st.counters)
	}
}
