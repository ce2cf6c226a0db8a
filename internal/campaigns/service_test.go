package campaigns

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"campaign-platform/internal/audit"
	"campaign-platform/internal/dispatch"
	"campaign-platform/internal/notify"
	"campaign-platform/internal/queue"
	"campaign-platform/internal/retry"
	"campaign-platform/pkg/secure"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []dispatch.Payload
	err  error
}

func (d *fakeDispatcher) Send(ctx context.Context, p dispatch.Payload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, p)
	return d.err
}

func (d *fakeDispatcher) campaigns() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.sent))
	for _, p := range d.sent {
		out = append(out, p.CampaignID)
	}
	return out
}

type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type harness struct {
	svc   *Service
	store *MemoryStore
	disp  *fakeDispatcher
	jobs  *queue.MemoryBackend
	bus   *notify.MemoryBus
	audit *audit.MemoryRepo
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cipher, err := secure.NewCipher(testKey)
	require.NoError(t, err)

	h := &harness{
		store: NewMemoryStore(),
		disp:  &fakeDispatcher{},
		jobs:  queue.NewMemoryBackend(),
		bus:   notify.NewMemoryBus(),
		audit: audit.NewMemoryRepo(),
	}
	h.svc = NewService(Deps{
		Store:      h.store,
		Cipher:     cipher,
		Dispatcher: h.disp,
		Queue:      h.jobs,
		Events:     h.bus,
		Audit:      audit.NewService(h.audit),
	})
	clock := &tickClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	h.svc.now = clock.Now
	return h
}

func (h *harness) create(t *testing.T, orgID string, phones ...string) Campaign {
	t.Helper()
	leads := make([]LeadInput, 0, len(phones))
	for i, p := range phones {
		leads = append(leads, LeadInput{Name: fmt.Sprintf("lead-%d", i), Phone: p, CustomFields: map[string]any{"n": i}})
	}
	res, err := h.svc.CreateCampaign(context.Background(), CreateInput{
		OrgID:          orgID,
		AgentReference: "agent-1",
		Leads:          leads,
	})
	require.NoError(t, err)
	return res.Campaign
}

func (h *harness) status(t *testing.T, id string) CampaignStatus {
	t.Helper()
	c, err := h.store.GetCampaign(context.Background(), id)
	require.NoError(t, err)
	return c.Status
}

// completeAll reports every open lead of the campaign and runs the completion check.
func (h *harness) completeAll(t *testing.T, c Campaign) {
	t.Helper()
	ctx := context.Background()
	leads, err := h.store.ListLeads(ctx, c.ID)
	require.NoError(t, err)
	for _, l := range leads {
		if l.Status != LeadStatusPending {
			continue
		}
		_, _, err := h.store.CompleteLead(ctx, c.ID, l.ID, LeadResult{Outcome: LeadOutcomeQualified, Timestamp: time.Now()})
		require.NoError(t, err)
	}
	_, err = h.svc.CheckCompletion(ctx, c.OrgID, c.ID)
	require.NoError(t, err)
}

// promote runs the promotion job scheduled when completedID finished.
func (h *harness) promote(t *testing.T, completedID string) {
	t.Helper()
	ctx := context.Background()
	job, err := h.jobs.Get(ctx, PromoteJobID(completedID))
	require.NoError(t, err)
	require.Equal(t, PromoteJobKind, job.Kind)
	require.NoError(t, h.svc.HandlePromoteJob(ctx, job))
}

func TestCreateCampaign_AdmitsAndDispatchesWhenIdle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.CreateCampaign(ctx, CreateInput{
		OrgID:          "org-1",
		AgentReference: "agent-1",
		Leads: []LeadInput{
			{Name: "Ana", Phone: "+15550000001", CustomFields: map[string]any{"city": "Lima"}},
			{Name: "Bo", Phone: "+15550000002"},
		},
		Rejected: []RejectedLead{{Row: 4, Error: "Invalid phone format", Phone: "12"}},
	})
	require.NoError(t, err)
	assert.Equal(t, CampaignStatusWaitingForCallbacks, res.Campaign.Status)
	assert.Equal(t, 2, res.ValidLeads)

	require.Len(t, h.disp.sent, 1)
	p := h.disp.sent[0]
	assert.Equal(t, "org-1", p.OrgID)
	assert.Equal(t, "agent-1", p.AgentReference)
	require.Len(t, p.Leads, 2, "validation errors are never dispatched")
	assert.Equal(t, "+15550000001", p.Leads[0].Phone)
	assert.JSONEq(t, `{"city":"Lima"}`, string(p.Leads[0].CustomFields))

	stored, err := h.store.ListLeads(ctx, res.Campaign.ID)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, p.Leads[0].ID, stored[0].ID, "payload carries stored lead ids")
	assert.NotEqual(t, "+15550000001", stored[0].Phone, "phones are encrypted at rest")
	assert.Equal(t, LeadStatusValidationError, stored[2].Status)
	assert.Equal(t, LeadOutcomeValidationError, stored[2].Outcome)

	assert.Equal(t, []audit.EventType{
		audit.EventCampaignCreated,
		audit.EventCampaignAdmitted,
		audit.EventCampaignWaiting,
	}, h.audit.Types(res.Campaign.ID))
}

func TestCreateCampaign_QueuesWhenOrgBusy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.create(t, "org-1", "+15550000001")
	b := h.create(t, "org-1", "+15550000002")

	assert.Equal(t, CampaignStatusWaitingForCallbacks, a.Status)
	assert.Equal(t, CampaignStatusQueued, b.Status)
	assert.Equal(t, []string{a.ID}, h.disp.campaigns())

	job, err := h.jobs.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, AdmitJobKind, job.Kind)
	assert.Equal(t, 10, job.MaxAttempts)
	assert.Equal(t, queue.StatusPending, job.Status)

	other := h.create(t, "org-2", "+15550000003")
	assert.Equal(t, CampaignStatusWaitingForCallbacks, other.Status, "orgs do not block each other")
}

func TestCreateCampaign_RequiresOrgAndAgent(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.CreateCampaign(context.Background(), CreateInput{AgentReference: "a"})
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = h.svc.CreateCampaign(context.Background(), CreateInput{OrgID: "o"})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestDispatch_ExhaustionFailsCampaignWithoutFourthAttempt(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := newHarness(t)
	h.svc.dispatcher = dispatch.NewSender(srv.URL, dispatch.WithSleep(func(ctx context.Context, d time.Duration) error { return nil }))

	res, err := h.svc.CreateCampaign(context.Background(), CreateInput{
		OrgID:          "org-1",
		AgentReference: "agent-1",
		Leads:          []LeadInput{{Phone: "+15550000001"}},
	})
	require.Error(t, err)
	assert.True(t, IsDispatchFailure(err))
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, CampaignStatusFailed, res.Campaign.Status)
	assert.Equal(t, CampaignStatusFailed, h.status(t, res.Campaign.ID))
	assert.Contains(t, h.bus.Kinds(), notify.KindCampaignFailed)

	// FAILED frees the slot: the next upload is admitted at once (and fails the same way).
	next, err := h.svc.CreateCampaign(context.Background(), CreateInput{
		OrgID:          "org-1",
		AgentReference: "agent-1",
		Leads:          []LeadInput{{Phone: "+15550000002"}},
	})
	require.Error(t, err)
	assert.Equal(t, int32(6), hits.Load())
	assert.Equal(t, CampaignStatusFailed, next.Campaign.Status)
}

func TestFIFOPromotion(t *testing.T) {
	h := newHarness(t)

	a := h.create(t, "org-1", "+15550000001")
	b := h.create(t, "org-1", "+15550000002")
	c := h.create(t, "org-1", "+15550000003")
	require.Equal(t, CampaignStatusQueued, b.Status)
	require.Equal(t, CampaignStatusQueued, c.Status)

	h.completeAll(t, a)
	assert.Equal(t, CampaignStatusCompleted, h.status(t, a.ID))
	assert.Equal(t, CampaignStatusQueued, h.status(t, b.ID), "promotion runs from the queue")

	h.promote(t, a.ID)
	assert.Equal(t, CampaignStatusWaitingForCallbacks, h.status(t, b.ID), "B was created before C")
	assert.Equal(t, CampaignStatusQueued, h.status(t, c.ID))
	assert.Equal(t, []string{a.ID, b.ID}, h.disp.campaigns())

	h.completeAll(t, Campaign{ID: b.ID, OrgID: "org-1"})
	h.promote(t, b.ID)
	assert.Equal(t, CampaignStatusWaitingForCallbacks, h.status(t, c.ID))
}

func TestHandlePromoteJob_NothingQueuedCompletes(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, "org-1", "+15550000001")
	h.completeAll(t, a)

	h.promote(t, a.ID)
	assert.Equal(t, []string{a.ID}, h.disp.campaigns())
	assert.Equal(t, 0, h.store.ActiveCount("org-1"))
}

func TestHandlePromoteJob_DispatchFailureIsPermanent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, "org-1", "+15550000001")
	b := h.create(t, "org-1", "+15550000002")
	h.completeAll(t, a)

	h.disp.err = fmt.Errorf("%w: boom", dispatch.ErrDispatchFailed)
	job, err := h.jobs.Get(ctx, PromoteJobID(a.ID))
	require.NoError(t, err)
	err = h.svc.HandlePromoteJob(ctx, job)
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
	assert.Equal(t, CampaignStatusFailed, h.status(t, b.ID))
}

func TestCompletion_PromotesInlineWithoutQueue(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, "org-1", "+15550000001")
	b := h.create(t, "org-1", "+15550000002")

	h.svc.queue = nil
	h.completeAll(t, a)
	assert.Equal(t, CampaignStatusWaitingForCallbacks, h.status(t, b.ID))
}

func TestCompletion_OnlyAfterLastLead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.create(t, "org-1", "+15550000001", "+15550000002", "+15550000003")

	leads, err := h.store.ListLeads(ctx, c.ID)
	require.NoError(t, err)

	for i, l := range leads {
		_, applied, err := h.store.CompleteLead(ctx, c.ID, l.ID, LeadResult{Outcome: LeadOutcomeNoAnswer, Timestamp: time.Now()})
		require.NoError(t, err)
		require.True(t, applied)

		done, err := h.svc.CheckCompletion(ctx, c.OrgID, c.ID)
		require.NoError(t, err)
		if i < len(leads)-1 {
			assert.False(t, done)
			assert.Equal(t, CampaignStatusWaitingForCallbacks, h.status(t, c.ID))
		} else {
			assert.True(t, done)
		}
	}

	got, err := h.store.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, CampaignStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	again, err := h.svc.CheckCompletion(ctx, c.OrgID, c.ID)
	require.NoError(t, err)
	assert.False(t, again, "completion is reported once")
}

func TestCompletion_ValidationErrorLeadsDoNotBlock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.svc.CreateCampaign(ctx, CreateInput{
		OrgID:          "org-1",
		AgentReference: "agent-1",
		Leads:          []LeadInput{{Phone: "+15550000001"}},
		Rejected:       []RejectedLead{{Row: 3, Error: "Missing phone number"}},
	})
	require.NoError(t, err)

	h.completeAll(t, res.Campaign)
	assert.Equal(t, CampaignStatusCompleted, h.status(t, res.Campaign.ID))
}

func TestCompleteLead_ValidationErrorLeadIsTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.svc.CreateCampaign(ctx, CreateInput{
		OrgID:          "org-1",
		AgentReference: "agent-1",
		Leads:          []LeadInput{{Phone: "+15550000001"}},
		Rejected:       []RejectedLead{{Row: 3, Error: "Invalid phone format", Phone: "12"}},
	})
	require.NoError(t, err)

	leads, err := h.store.ListLeads(ctx, res.Campaign.ID)
	require.NoError(t, err)
	rejected := leads[1]
	require.Equal(t, LeadStatusValidationError, rejected.Status)

	got, applied, err := h.store.CompleteLead(ctx, res.Campaign.ID, rejected.ID, LeadResult{Outcome: LeadOutcomeQualified, Timestamp: time.Now()})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, LeadStatusValidationError, got.Status)
	assert.Equal(t, LeadOutcomeValidationError, got.Outcome)
}

func TestCompletion_ZeroDispatchableLeadsCompletesAndCascades(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	busy := h.create(t, "org-1", "+15550000001")
	empty, err := h.svc.CreateCampaign(ctx, CreateInput{
		OrgID:          "org-1",
		AgentReference: "agent-1",
		Rejected:       []RejectedLead{{Row: 2, Error: "Missing phone number"}},
	})
	require.NoError(t, err)
	last := h.create(t, "org-1", "+15550000002")

	h.completeAll(t, busy)
	h.promote(t, busy.ID)
	assert.Equal(t, CampaignStatusCompleted, h.status(t, empty.Campaign.ID))

	h.promote(t, empty.Campaign.ID)
	assert.Equal(t, CampaignStatusWaitingForCallbacks, h.status(t, last.ID))
}

func TestHandleAdmitJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.create(t, "org-1", "+15550000001")
	b := h.create(t, "org-1", "+15550000002")
	job, err := h.jobs.Get(ctx, b.ID)
	require.NoError(t, err)

	err = h.svc.HandleAdmitJob(ctx, job)
	require.ErrorIs(t, err, ErrAdmissionConflict)
	assert.True(t, errors.Is(err, queue.ErrContention))
	assert.Equal(t, CampaignStatusQueued, h.status(t, b.ID))

	// Free the slot without cascading, as if the cascader had not run yet.
	_, err = h.store.TransitionCampaign(ctx, a.ID, CampaignStatusWaitingForCallbacks, CampaignStatusFailed, time.Now())
	require.NoError(t, err)

	require.NoError(t, h.svc.HandleAdmitJob(ctx, job))
	assert.Equal(t, CampaignStatusWaitingForCallbacks, h.status(t, b.ID))

	// A later attempt for the same job is a silent no-op.
	require.NoError(t, h.svc.HandleAdmitJob(ctx, job))
	assert.Equal(t, []string{a.ID, b.ID}, h.disp.campaigns())
}

func TestHandleAdmitJob_DispatchFailureIsPermanent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.create(t, "org-1", "+15550000001")
	b := h.create(t, "org-1", "+15550000002")
	_, err := h.store.TransitionCampaign(ctx, a.ID, CampaignStatusWaitingForCallbacks, CampaignStatusFailed, time.Now())
	require.NoError(t, err)

	h.disp.err = fmt.Errorf("%w: boom", dispatch.ErrDispatchFailed)
	job, _ := h.jobs.Get(ctx, b.ID)
	err = h.svc.HandleAdmitJob(ctx, job)
	require.Error(t, err)
	assert.True(t, IsDispatchFailure(err))
	assert.True(t, retry.IsPermanent(err), "the local retry budget is already spent")
	assert.Equal(t, CampaignStatusFailed, h.status(t, b.ID))
}

func TestHandleAdmitJob_UnknownCampaignIsPermanent(t *testing.T) {
	h := newHarness(t)
	job, err := queue.NewJob(AdmitJobKind, "missing", admitPayload{CampaignID: "missing", OrgID: "o"}, 10)
	require.NoError(t, err)
	err = h.svc.HandleAdmitJob(context.Background(), job)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReads_AreOrgScopedAndDecrypted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.create(t, "org-1", "+15550000001")

	_, err := h.svc.GetCampaign(ctx, "org-2", c.ID)
	require.ErrorIs(t, err, ErrNotFound)

	detail, err := h.svc.GetCampaign(ctx, "org-1", c.ID)
	require.NoError(t, err)
	require.Len(t, detail.Leads, 1)
	assert.Equal(t, "+15550000001", detail.Leads[0].Phone)

	lead, err := h.svc.GetLead(ctx, "org-1", detail.Leads[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "+15550000001", lead.Phone)
	_, err = h.svc.GetLead(ctx, "org-2", detail.Leads[0].ID)
	require.ErrorIs(t, err, ErrNotFound)

	list, err := h.svc.ListCampaigns(ctx, "org-1", time.Time{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Len(t, list[0].Leads, 1)
	assert.Equal(t, LeadStatusPending, list[0].Leads[0].Status)
}

func TestSingleActiveInvariant_ConcurrentSimulation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	orgs := []string{"org-a", "org-b"}

	w := queue.NewWorker(h.jobs, AdmitPolicy(), time.Millisecond)
	w.Handle(AdmitJobKind, h.svc.HandleAdmitJob)
	w.Handle(PromoteJobKind, h.svc.HandlePromoteJob)

	stop := make(chan struct{})
	var violations atomic.Int32
	var monitor sync.WaitGroup
	monitor.Add(1)
	go func() {
		defer monitor.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, o := range orgs {
				if h.store.ActiveCount(o) > 1 {
					violations.Add(1)
				}
			}
		}
	}()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 15; i++ {
				org := orgs[(g+i)%len(orgs)]
				switch (g + i) % 3 {
				case 0:
					_, err := h.svc.CreateCampaign(ctx, CreateInput{
						OrgID:          org,
						AgentReference: "agent",
						Leads:          []LeadInput{{Phone: fmt.Sprintf("+1555%07d", g*100+i)}},
					})
					assert.NoError(t, err)
				case 1:
					list, err := h.store.ListCampaigns(ctx, org, time.Time{})
					assert.NoError(t, err)
					for _, c := range list {
						if c.Status == CampaignStatusWaitingForCallbacks {
							for _, l := range c.Leads {
								_, _, _ = h.store.CompleteLead(ctx, c.ID, l.ID, LeadResult{Outcome: LeadOutcomeFailed, Timestamp: time.Now()})
							}
							_, err := h.svc.CheckCompletion(ctx, org, c.ID)
							assert.NoError(t, err)
						}
					}
				default:
					_, err := w.RunOnce(ctx)
					assert.NoError(t, err)
				}
			}
		}(g)
	}
	wg.Wait()
	close(stop)
	monitor.Wait()

	assert.Zero(t, violations.Load(), "more than one active campaign observed for an org")
	for _, o := range orgs {
		assert.LessOrEqual(t, h.store.ActiveCount(o), 1)
	}
}
