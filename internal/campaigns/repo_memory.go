package campaigns

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
// A single mutex stands in for the conditional updates the Postgres store
// relies on, so the same compare-and-swap semantics hold.
type MemoryStore struct {
	mu sync.Mutex

	campaigns map[string]Campaign
	leads     map[string][]Lead // key: campaign_id, creation order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns: map[string]Campaign{},
		leads:     map[string][]Lead{},
	}
}

func (s *MemoryStore) CreateCampaign(ctx context.Context, c Campaign, leads []Lead) error {
	if c.ID == "" || c.OrgID == "" || c.Status != CampaignStatusQueued {
		return ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[c.ID]; ok {
		return fmt.Errorf("%w: duplicate campaign id", ErrInvalidArgument)
	}
	s.campaigns[c.ID] = c
	cp := make([]Lead, len(leads))
	copy(cp, leads)
	s.leads[c.ID] = cp
	return nil
}

func (s *MemoryStore) GetCampaign(ctx context.Context, campaignID string) (Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) ListCampaigns(ctx context.Context, orgID string, since time.Time) ([]CampaignWithLeads, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CampaignWithLeads, 0)
	for _, c := range s.campaigns {
		if c.OrgID != orgID || c.CreatedAt.Before(since) {
			continue
		}
		cw := CampaignWithLeads{Campaign: c, Leads: []LeadSummary{}}
		for _, l := range s.leads[c.ID] {
			cw.Leads = append(cw.Leads, LeadSummary{ID: l.ID, Status: l.Status, Outcome: l.Outcome})
		}
		out = append(out, cw)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) GetLead(ctx context.Context, campaignID, leadID string) (Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.leads[campaignID] {
		if l.ID == leadID {
			return l, nil
		}
	}
	return Lead{}, ErrNotFound
}

func (s *MemoryStore) GetLeadForOrg(ctx context.Context, orgID, leadID string) (Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for cid, leads := range s.leads {
		if s.campaigns[cid].OrgID != orgID {
			continue
		}
		for _, l := range leads {
			if l.ID == leadID {
				return l, nil
			}
		}
	}
	return Lead{}, ErrNotFound
}

func (s *MemoryStore) ListLeads(ctx context.Context, campaignID string) ([]Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Lead, len(s.leads[campaignID]))
	copy(out, s.leads[campaignID])
	return out, nil
}

func (s *MemoryStore) PendingLeads(ctx context.Context, campaignID string) ([]Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Lead, 0)
	for _, l := range s.leads[campaignID] {
		if l.Status == LeadStatusPending {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *MemoryStore) TryAdmit(ctx context.Context, orgID, campaignID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok || c.OrgID != orgID || c.Status != CampaignStatusQueued {
		return false, nil
	}
	if s.hasActiveLocked(orgID, campaignID) {
		return false, nil
	}
	c.Status = CampaignStatusRunning
	c.UpdatedAt = now
	s.campaigns[campaignID] = c
	return true, nil
}

func (s *MemoryStore) HasOtherActive(ctx context.Context, orgID, exclude string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasActiveLocked(orgID, exclude), nil
}

func (s *MemoryStore) hasActiveLocked(orgID, exclude string) bool {
	for id, c := range s.campaigns {
		if id != exclude && c.OrgID == orgID && c.Status.IsActive() {
			return true
		}
	}
	return false
}

func (s *MemoryStore) TransitionCampaign(ctx context.Context, campaignID string, from, to CampaignStatus, now time.Time) (bool, error) {
	if !CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok || c.Status != from {
		return false, nil
	}
	c.Status = to
	c.UpdatedAt = now
	s.campaigns[campaignID] = c
	return true, nil
}

func (s *MemoryStore) CompleteCampaignIfDone(ctx context.Context, campaignID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok || c.Status != CampaignStatusWaitingForCallbacks {
		return false, nil
	}
	if s.openLeadsLocked(campaignID) > 0 {
		return false, nil
	}
	c.Status = CampaignStatusCompleted
	c.UpdatedAt = now
	t := now
	c.CompletedAt = &t
	s.campaigns[campaignID] = c
	return true, nil
}

func (s *MemoryStore) PromoteNextQueued(ctx context.Context, orgID string, now time.Time) (Campaign, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasActiveLocked(orgID, "") {
		return Campaign{}, false, nil
	}
	var next *Campaign
	for _, c := range s.campaigns {
		if c.OrgID != orgID || c.Status != CampaignStatusQueued {
			continue
		}
		c := c
		if next == nil || c.CreatedAt.Before(next.CreatedAt) ||
			(c.CreatedAt.Equal(next.CreatedAt) && c.ID < next.ID) {
			next = &c
		}
	}
	if next == nil {
		return Campaign{}, false, nil
	}
	next.Status = CampaignStatusRunning
	next.UpdatedAt = now
	s.campaigns[next.ID] = *next
	return *next, true, nil
}

func (s *MemoryStore) CompleteLead(ctx context.Context, campaignID, leadID string, res LeadResult) (Lead, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	leads := s.leads[campaignID]
	for i, l := range leads {
		if l.ID != leadID {
			continue
		}
		if l.Status == LeadStatusCompleted || l.Status == LeadStatusValidationError {
			return l, false, nil
		}
		ts := res.Timestamp
		l.Status = LeadStatusCompleted
		l.Outcome = res.Outcome
		l.Timestamp = &ts
		l.MeetingDetails = res.MeetingDetails
		l.SiteVisitDetails = res.SiteVisitDetails
		leads[i] = l
		return l, true, nil
	}
	return Lead{}, false, ErrNotFound
}

func (s *MemoryStore) CountOpenLeads(ctx context.Context, campaignID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLeadsLocked(campaignID), nil
}

func (s *MemoryStore) openLeadsLocked(campaignID string) int {
	n := 0
	for _, l := range s.leads[campaignID] {
		if l.Status != LeadStatusCompleted && l.Status != LeadStatusValidationError {
			n++
		}
	}
	return n
}

// ActiveCount returns the number of active campaigns for orgID. Test helper.
func (s *MemoryStore) ActiveCount(orgID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.campaigns {
		if c.OrgID == orgID && c.Status.IsActive() {
			n++
		}
	}
	return n
}
