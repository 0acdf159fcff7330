package campaign

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"broadcast/internal/dispatch"
	"broadcast/internal/domain"
	"broadcast/internal/enqueue"
	"broadcast/internal/store"
)

type fakeStore struct {
	mu          sync.Mutex
	campaigns   map[string]*domain.Campaign
	recipients  map[string]*domain.Recipient
	templates   map[string]domain.Template
	audits      []string
	transitions int
	// interfere changes the stored status right before the next conditional write.
	interfere domain.CampaignStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		campaigns:  map[string]*domain.Campaign{},
		recipients: map[string]*domain.Recipient{},
		templates:  map[string]domain.Template{"tpl_1": {ID: "tpl_1", Name: "promo"}},
	}
}

func (f *fakeStore) CreateCampaign(ctx context.Context, c domain.Campaign, recipients []domain.Recipient) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.campaigns[c.ID] = &c
	for i := range recipients {
		r := recipients[i]
		f.recipients[r.ID] = &r
	}
	return nil
}

func (f *fakeStore) GetCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return domain.Campaign{}, domain.ErrNotFound
	}
	return *c, nil
}

func (f *fakeStore) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	t, ok := f.templates[id]
	if !ok {
		return domain.Template{}, domain.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) TransitionCampaign(ctx context.Context, in store.CampaignTransition) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions++
	c := f.campaigns[in.CampaignID]
	if f.interfere != "" {
		c.Status, f.interfere = f.interfere, ""
	}
	for _, from := range in.From {
		if c.Status == from {
			c.Status = in.To
			if in.Reason != "" {
				c.StopReason = in.Reason
			}
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) ResetQueuedRecipients(ctx context.Context, campaignID string, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, r := range f.recipients {
		if r.CampaignID == campaignID && r.Status == domain.RecipientQueued {
			r.Status = domain.RecipientPending
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) DeleteCampaign(ctx context.Context, campaignID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[campaignID]
	if !ok || !domain.Permits(domain.ActionDelete, c.Status) {
		return domain.ErrNotFound
	}
	delete(f.campaigns, campaignID)
	for id, r := range f.recipients {
		if r.CampaignID == campaignID {
			delete(f.recipients, id)
		}
	}
	return nil
}

func (f *fakeStore) CampaignProgress(ctx context.Context, campaignID string) (map[domain.RecipientStatus]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[domain.RecipientStatus]int{}
	for _, r := range f.recipients {
		if r.CampaignID == campaignID {
			out[r.Status]++
		}
	}
	return out, nil
}

func (f *fakeStore) InsertAudit(ctx context.Context, in store.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, in.Event)
	return nil
}

type fakeJob struct {
	campaignID string
	state      domain.JobState
}

type fakeQueue struct {
	jobs      []fakeJob
	paused    map[string]bool
	pauseErr  error
	resumeErr error
	purgeErr  error
}

func (q *fakeQueue) Enqueue(ctx context.Context, jobs []dispatch.JobSpec) (int, error) {
	for _, j := range jobs {
		q.jobs = append(q.jobs, fakeJob{campaignID: j.CampaignID, state: domain.JobWaiting})
	}
	return len(jobs), nil
}

func (q *fakeQueue) Pause(ctx context.Context, campaignID string) error {
	if q.pauseErr != nil {
		return q.pauseErr
	}
	q.paused[campaignID] = true
	return nil
}

func (q *fakeQueue) Resume(ctx context.Context, campaignID string) error {
	if q.resumeErr != nil {
		return q.resumeErr
	}
	delete(q.paused, campaignID)
	return nil
}

func (q *fakeQueue) Purge(ctx context.Context, campaignID string) domain.CleanupReport {
	var rep domain.CleanupReport
	kept := q.jobs[:0]
	for _, j := range q.jobs {
		switch {
		case j.campaignID != campaignID:
			kept = append(kept, j)
		case j.state == domain.JobWaiting:
			rep.Removed++
		case j.state == domain.JobActive:
			rep.Failed++
		}
	}
	q.jobs = kept
	delete(q.paused, campaignID)
	if q.purgeErr != nil {
		rep.AddErr(q.purgeErr)
	}
	return rep
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	runs []string
}

func (e *fakeEnqueuer) Run(ctx context.Context, campaignID string) (enqueue.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runs = append(e.runs, campaignID)
	return enqueue.Result{Queued: 1}, nil
}

func newController() (*Controller, *fakeStore, *fakeQueue, *fakeEnqueuer) {
	st := newFakeStore()
	q := &fakeQueue{paused: map[string]bool{}}
	enq := &fakeEnqueuer{}
	return &Controller{Store: st, Queue: q, Enqueuer: enq}, st, q, enq
}

func seed(st *fakeStore, id string, status domain.CampaignStatus) {
	st.campaigns[id] = &domain.Campaign{ID: id, TemplateID: "tpl_1", Status: status}
}

func intp(v int) *int { return &v }

func TestCreateValidates(t *testing.T) {
	c, _, _, _ := newController()
	ctx := context.Background()

	cases := []struct {
		name string
		req  CreateRequest
		code string
	}{
		{"missing name", CreateRequest{TemplateID: "tpl_1", ContactIDs: []string{"con_1"}}, domain.CodeValidation},
		{"bad batch", CreateRequest{Name: "n", TemplateID: "tpl_1", ContactIDs: []string{"con_1"}, RateLimitPerBatch: intp(0)}, domain.CodeValidation},
		{"negative delay", CreateRequest{Name: "n", TemplateID: "tpl_1", ContactIDs: []string{"con_1"}, RateLimitDelaySeconds: intp(-1)}, domain.CodeValidation},
		{"no recipients", CreateRequest{Name: "n", TemplateID: "tpl_1", ContactIDs: []string{" "}}, domain.CodeValidation},
		{"unknown template", CreateRequest{Name: "n", TemplateID: "tpl_x", ContactIDs: []string{"con_1"}}, domain.CodeValidation},
	}
	for _, tc := range cases {
		if _, err := c.Create(ctx, tc.req); domain.ErrorCode(err) != tc.code {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.code, err)
		}
	}
}

func TestCreateDeduplicatesRecipients(t *testing.T) {
	c, st, _, _ := newController()
	cmp, err := c.Create(context.Background(), CreateRequest{
		Name: "Spring promo", TemplateID: "tpl_1", ContactIDs: []string{"con_1", "con_2", "con_1"},
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cmp.Status != domain.CampaignDraft || cmp.Counters.Total != 2 || len(st.recipients) != 2 {
		t.Fatalf("unexpected campaign %+v with %d recipients", cmp, len(st.recipients))
	}
	if cmp.RateLimitPerBatch != DefaultRatePerBatch || cmp.RateLimitDelaySeconds != DefaultRateDelaySecs {
		t.Fatalf("expected rate defaults, got %d/%d", cmp.RateLimitPerBatch, cmp.RateLimitDelaySeconds)
	}
}

func TestStartNonDraftHasNoSideEffects(t *testing.T) {
	for _, status := range []domain.CampaignStatus{domain.CampaignRunning, domain.CampaignPaused, domain.CampaignStopped, domain.CampaignCompleted} {
		c, st, q, enq := newController()
		seed(st, "cmp_1", status)

		_, err := c.Start(context.Background(), "cmp_1")
		var ite *domain.InvalidStateTransitionError
		if !errors.As(err, &ite) || ite.Current != status || domain.ErrorCode(err) != domain.CodeInvalidStatus {
			t.Fatalf("%s: expected CAMPAIGN_INVALID_STATUS, got %v", status, err)
		}
		c.Wait()
		if st.transitions != 0 || len(enq.runs) != 0 || len(q.jobs) != 0 || len(st.audits) != 0 {
			t.Fatalf("%s: start must have no side effects", status)
		}
		if st.campaigns["cmp_1"].Status != status {
			t.Fatalf("%s: status changed", status)
		}
	}
}

func TestStartRunsEnqueuerInBackground(t *testing.T) {
	c, st, _, enq := newController()
	seed(st, "cmp_1", domain.CampaignDraft)

	ctx, cancel := context.WithCancel(context.Background())
	cmp, err := c.Start(ctx, "cmp_1")
	cancel() // the request going away must not stop the enqueue
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cmp.Status != domain.CampaignRunning {
		t.Fatalf("expected running, got %s", cmp.Status)
	}
	c.Wait()
	if len(enq.runs) != 1 || enq.runs[0] != "cmp_1" {
		t.Fatalf("expected one enqueue run, got %v", enq.runs)
	}
}

func TestReenqueueOnlyWhileRunning(t *testing.T) {
	c, st, _, enq := newController()
	seed(st, "cmp_1", domain.CampaignPaused)
	if _, err := c.Reenqueue(context.Background(), "cmp_1"); domain.ErrorCode(err) != domain.CodeInvalidStatus {
		t.Fatalf("expected invalid status, got %v", err)
	}
	st.campaigns["cmp_1"].Status = domain.CampaignRunning
	if _, err := c.Reenqueue(context.Background(), "cmp_1"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	c.Wait()
	if len(enq.runs) != 1 || st.transitions != 0 {
		t.Fatalf("reenqueue must not change status, runs=%v transitions=%d", enq.runs, st.transitions)
	}
}

func TestPauseResumeToggleQueue(t *testing.T) {
	c, st, q, _ := newController()
	seed(st, "cmp_1", domain.CampaignRunning)

	if _, err := c.Pause(context.Background(), "cmp_1"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !q.paused["cmp_1"] || st.campaigns["cmp_1"].Status != domain.CampaignPaused {
		t.Fatalf("expected paused campaign and queue")
	}
	if _, err := c.Pause(context.Background(), "cmp_1"); domain.ErrorCode(err) != domain.CodeInvalidStatus {
		t.Fatalf("double pause must be rejected, got %v", err)
	}
	if _, err := c.Resume(context.Background(), "cmp_1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if q.paused["cmp_1"] || st.campaigns["cmp_1"].Status != domain.CampaignRunning {
		t.Fatalf("expected running campaign and queue")
	}
}

func TestResumeKeepsCampaignPausedWhenQueueFails(t *testing.T) {
	c, st, q, _ := newController()
	seed(st, "cmp_1", domain.CampaignPaused)
	q.paused["cmp_1"] = true
	q.resumeErr = errors.New("db down")

	cmp, err := c.Resume(context.Background(), "cmp_1")
	if !errors.Is(err, q.resumeErr) {
		t.Fatalf("expected queue error, got %v", err)
	}
	if cmp.Status != domain.CampaignPaused || st.campaigns["cmp_1"].Status != domain.CampaignPaused {
		t.Fatalf("campaign must stay paused, got %s", st.campaigns["cmp_1"].Status)
	}

	// the operator retries once the queue is back
	q.resumeErr = nil
	if _, err := c.Resume(context.Background(), "cmp_1"); err != nil {
		t.Fatalf("retry resume: %v", err)
	}
	if q.paused["cmp_1"] || st.campaigns["cmp_1"].Status != domain.CampaignRunning {
		t.Fatalf("expected running campaign and cleared marker")
	}
}

func TestResumeRejectsRunningWithoutTouchingQueue(t *testing.T) {
	c, st, q, _ := newController()
	seed(st, "cmp_1", domain.CampaignRunning)
	q.paused["cmp_1"] = true

	if _, err := c.Resume(context.Background(), "cmp_1"); domain.ErrorCode(err) != domain.CodeInvalidStatus {
		t.Fatalf("expected invalid status, got %v", err)
	}
	if !q.paused["cmp_1"] {
		t.Fatalf("rejected resume must not touch the queue")
	}
}

func TestPauseRollsBackWhenQueueFails(t *testing.T) {
	c, st, q, _ := newController()
	seed(st, "cmp_1", domain.CampaignRunning)
	q.pauseErr = errors.New("db down")

	cmp, err := c.Pause(context.Background(), "cmp_1")
	if !errors.Is(err, q.pauseErr) {
		t.Fatalf("expected queue error, got %v", err)
	}
	if cmp.Status != domain.CampaignRunning || st.campaigns["cmp_1"].Status != domain.CampaignRunning {
		t.Fatalf("pause must be rolled back, got %s", st.campaigns["cmp_1"].Status)
	}
	if st.audits[len(st.audits)-1] != "campaign_pause_reverted" {
		t.Fatalf("expected revert audit, got %v", st.audits)
	}
}

func TestStopPurgesQueueAndResetsRecipients(t *testing.T) {
	c, st, q, _ := newController()
	seed(st, "cmp_1", domain.CampaignRunning)
	for _, id := range []string{"rcp_1", "rcp_2", "rcp_3", "rcp_4"} {
		st.recipients[id] = &domain.Recipient{ID: id, CampaignID: "cmp_1", Status: domain.RecipientQueued}
	}
	st.recipients["rcp_5"] = &domain.Recipient{ID: "rcp_5", CampaignID: "cmp_1", Status: domain.RecipientSent}
	q.jobs = []fakeJob{
		{"cmp_1", domain.JobWaiting}, {"cmp_1", domain.JobWaiting}, {"cmp_1", domain.JobWaiting},
		{"cmp_1", domain.JobActive},
		{"cmp_other", domain.JobWaiting},
	}

	cmp, rep, err := c.Stop(context.Background(), "cmp_1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cmp.Status != domain.CampaignStopped || cmp.StopReason != StopReasonOperator {
		t.Fatalf("unexpected campaign %+v", cmp)
	}
	if rep.Removed != 3 || rep.Failed != 1 || len(rep.Errors) != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
	for _, j := range q.jobs {
		if j.campaignID == "cmp_1" {
			t.Fatalf("campaign jobs must be gone")
		}
	}
	if len(q.jobs) != 1 {
		t.Fatalf("other campaigns must be untouched")
	}
	for _, id := range []string{"rcp_1", "rcp_2", "rcp_3", "rcp_4"} {
		if st.recipients[id].Status != domain.RecipientPending {
			t.Fatalf("%s: expected pending, got %s", id, st.recipients[id].Status)
		}
	}
	if st.recipients["rcp_5"].Status != domain.RecipientSent {
		t.Fatalf("sent recipient must not be clobbered")
	}
}

func TestStopLosingRaceReportsCurrentStatus(t *testing.T) {
	c, st, q, _ := newController()
	seed(st, "cmp_1", domain.CampaignRunning)
	st.interfere = domain.CampaignCompleted
	q.jobs = []fakeJob{{"cmp_1", domain.JobWaiting}}

	_, _, err := c.Stop(context.Background(), "cmp_1")
	var ite *domain.InvalidStateTransitionError
	if !errors.As(err, &ite) || ite.Current != domain.CampaignCompleted {
		t.Fatalf("expected invalid transition from completed, got %v", err)
	}
	if len(q.jobs) != 1 {
		t.Fatalf("losing stop must not purge")
	}
}

func TestHaltIgnoresFinishedCampaign(t *testing.T) {
	c, st, _, _ := newController()
	seed(st, "cmp_1", domain.CampaignStopped)
	if _, err := c.Halt(context.Background(), "cmp_1", "critical provider error: rate_limited"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if st.transitions != 0 {
		t.Fatalf("halt must be a no-op")
	}
}

func TestDeleteForceStopsRunningCampaign(t *testing.T) {
	c, st, q, _ := newController()
	seed(st, "cmp_1", domain.CampaignRunning)
	st.recipients["rcp_1"] = &domain.Recipient{ID: "rcp_1", CampaignID: "cmp_1", Status: domain.RecipientQueued}
	q.jobs = []fakeJob{{"cmp_1", domain.JobWaiting}}

	if err := c.Delete(context.Background(), "cmp_1"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, ok := st.campaigns["cmp_1"]; ok || len(st.recipients) != 0 || len(q.jobs) != 0 {
		t.Fatalf("campaign, recipients and jobs must be gone")
	}
	if err := c.Delete(context.Background(), "cmp_1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteSurvivesIncompletePurge(t *testing.T) {
	c, st, q, _ := newController()
	seed(st, "cmp_1", domain.CampaignStopped)
	q.purgeErr = errors.New("remove waiting jobs: timeout")

	if err := c.Delete(context.Background(), "cmp_1"); err != nil {
		t.Fatalf("purge errors are reported, not raised: %v", err)
	}
	if _, ok := st.campaigns["cmp_1"]; ok {
		t.Fatalf("campaign must be deleted")
	}
}

func TestGetReportsProgress(t *testing.T) {
	c, st, _, _ := newController()
	seed(st, "cmp_1", domain.CampaignRunning)
	st.recipients["rcp_1"] = &domain.Recipient{ID: "rcp_1", CampaignID: "cmp_1", Status: domain.RecipientPending}
	st.recipients["rcp_2"] = &domain.Recipient{ID: "rcp_2", CampaignID: "cmp_1", Status: domain.RecipientSent}

	p, err := c.Get(context.Background(), "cmp_1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if p.Recipients[domain.RecipientPending] != 1 || p.Recipients[domain.RecipientSent] != 1 {
		t.Fatalf("unexpected progress %+v", p.Recipients)
	}
}
