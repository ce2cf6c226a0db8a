package campaigns

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"campaign-platform/internal/dispatch"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ctxStore fails every call made with a done context, like a database driver.
type ctxStore struct {
	*MemoryStore
}

func (s *ctxStore) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	if err := ctx.Err(); err != nil {
		return Campaign{}, err
	}
	return s.MemoryStore.GetCampaign(ctx, id)
}

func (s *ctxStore) TryAdmit(ctx context.Context, orgID, campaignID string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.MemoryStore.TryAdmit(ctx, orgID, campaignID, now)
}

func (s *ctxStore) HasOtherActive(ctx context.Context, orgID, exclude string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.MemoryStore.HasOtherActive(ctx, orgID, exclude)
}

func (s *ctxStore) PendingLeads(ctx context.Context, campaignID string) ([]Lead, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.MemoryStore.PendingLeads(ctx, campaignID)
}

func (s *ctxStore) TransitionCampaign(ctx context.Context, id string, from, to CampaignStatus, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.MemoryStore.TransitionCampaign(ctx, id, from, to, now)
}

func (s *ctxStore) CompleteCampaignIfDone(ctx context.Context, id string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.MemoryStore.CompleteCampaignIfDone(ctx, id, now)
}

func (s *ctxStore) CountOpenLeads(ctx context.Context, id string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.MemoryStore.CountOpenLeads(ctx, id)
}

func (s *ctxStore) PromoteNextQueued(ctx context.Context, orgID string, now time.Time) (Campaign, bool, error) {
	if err := ctx.Err(); err != nil {
		return Campaign{}, false, err
	}
	return s.MemoryStore.PromoteNextQueued(ctx, orgID, now)
}

// cancellingDispatcher cancels the caller's context while the send is in flight.
type cancellingDispatcher struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	err     error
	sendErr error
}

func (d *cancellingDispatcher) Send(ctx context.Context, p dispatch.Payload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancel()
	d.sendErr = ctx.Err()
	return d.err
}

var dispatchOutcomes = []struct {
	name string
	err  error
	want CampaignStatus
}{
	{"worker accepted", nil, CampaignStatusWaitingForCallbacks},
	{"worker unreachable", fmt.Errorf("%w: connection refused", dispatch.ErrDispatchFailed), CampaignStatusFailed},
}

func TestDispatch_UploadCancelledMidSendStillLeavesRunning(t *testing.T) {
	for _, tc := range dispatchOutcomes {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.svc.store = &ctxStore{MemoryStore: h.store}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			d := &cancellingDispatcher{cancel: cancel, err: tc.err}
			h.svc.dispatcher = d

			res, err := h.svc.CreateCampaign(ctx, CreateInput{
				OrgID:          "org-1",
				AgentReference: "agent-1",
				Leads:          []LeadInput{{Phone: "+15550000001"}},
			})
			if tc.err != nil {
				require.Error(t, err)
				assert.True(t, IsDispatchFailure(err))
			} else {
				require.NoError(t, err)
			}

			require.ErrorIs(t, ctx.Err(), context.Canceled)
			assert.NoError(t, d.sendErr, "the send does not inherit the caller's cancellation")
			assert.Equal(t, tc.want, h.status(t, res.Campaign.ID))
			assert.Equal(t, tc.want, res.Campaign.Status)
		})
	}
}

func TestDispatch_AdmitJobCancelledMidSendStillLeavesRunning(t *testing.T) {
	for _, tc := range dispatchOutcomes {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			bg := context.Background()

			a := h.create(t, "org-1", "+15550000001")
			b := h.create(t, "org-1", "+15550000002")
			_, err := h.store.TransitionCampaign(bg, a.ID, CampaignStatusWaitingForCallbacks, CampaignStatusFailed, time.Now())
			require.NoError(t, err)
			job, err := h.jobs.Get(bg, b.ID)
			require.NoError(t, err)

			h.svc.store = &ctxStore{MemoryStore: h.store}
			ctx, cancel := context.WithCancel(bg)
			defer cancel()
			h.svc.dispatcher = &cancellingDispatcher{cancel: cancel, err: tc.err}

			err = h.svc.HandleAdmitJob(ctx, job)
			if tc.err != nil {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tc.want, h.status(t, b.ID))
		})
	}
}
