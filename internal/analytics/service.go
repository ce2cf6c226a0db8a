package analytics

import (
	"context"
	"errors"
	"math"
	"time"

	"campaign-platform/internal/campaigns"
)

var ErrInvalidRequest = errors.New("analytics: invalid request")

// Source is the read side of the campaign store used here.
//
// IMPORTANT: every lookup is org scoped by the service before any lead is read.
type Source interface {
	GetCampaign(ctx context.Context, campaignID string) (campaigns.Campaign, error)
	ListCampaigns(ctx context.Context, orgID string, since time.Time) ([]campaigns.CampaignWithLeads, error)
	ListLeads(ctx context.Context, campaignID string) ([]campaigns.Lead, error)
}

// Decrypter reveals stored phone numbers for exports.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

type Service struct {
	src    Source
	cipher Decrypter
	now    func() time.Time
}

func NewService(src Source, cipher Decrypter) *Service {
	return &Service{src: src, cipher: cipher, now: time.Now}
}

func (s *Service) CampaignMetrics(ctx context.Context, orgID, campaignID string) (CampaignMetrics, error) {
	if orgID == "" || campaignID == "" {
		return CampaignMetrics{}, ErrInvalidRequest
	}
	c, err := s.campaign(ctx, orgID, campaignID)
	if err != nil {
		return CampaignMetrics{}, err
	}
	leads, err := s.src.ListLeads(ctx, c.ID)
	if err != nil {
		return CampaignMetrics{}, err
	}

	var t tally
	for _, l := range leads {
		t.add(l.Status, l.Outcome)
	}
	return CampaignMetrics{
		CampaignID:              c.ID,
		Status:                  string(c.Status),
		TotalContacts:           t.total,
		CompletedContacts:       t.completed,
		PendingContacts:         t.pending,
		InProgressContacts:      t.inProgress,
		QualifiedCount:          t.qualified,
		MeetingScheduledCount:   t.meeting,
		SiteVisitScheduledCount: t.siteVisit,
		NoAnswerCount:           t.noAnswer,
		FailedCount:             t.failed,
		AnswerRate:              t.answerRate(),
		QualificationRate:       t.qualificationRate(),
		FailureRate:             t.failureRate(),
	}, nil
}

func (s *Service) OrgMetrics(ctx context.Context, req OrgMetricsRequest) (OrgMetrics, error) {
	if req.OrgID == "" || req.Days < 0 {
		return OrgMetrics{}, ErrInvalidRequest
	}
	var since time.Time
	if req.Days > 0 {
		since = s.now().Add(-time.Duration(req.Days) * 24 * time.Hour)
	}
	rows, err := s.src.ListCampaigns(ctx, req.OrgID, since)
	if err != nil {
		return OrgMetrics{}, err
	}

	var t tally
	for _, c := range rows {
		if req.CampaignID != "" && c.ID != req.CampaignID {
			continue
		}
		for _, l := range c.Leads {
			t.add(l.Status, l.Outcome)
		}
	}
	return OrgMetrics{
		TotalCalls:              t.total,
		AnswerRate:              t.answerRate(),
		QualificationRate:       t.qualificationRate(),
		MeetingScheduledCount:   t.meeting,
		SiteVisitScheduledCount: t.siteVisit,
		FailureRate:             t.failureRate(),
	}, nil
}

func (s *Service) campaign(ctx context.Context, orgID, campaignID string) (campaigns.Campaign, error) {
	c, err := s.src.GetCampaign(ctx, campaignID)
	if err != nil {
		return campaigns.Campaign{}, err
	}
	if c.OrgID != orgID {
		return campaigns.Campaign{}, campaigns.ErrNotFound
	}
	return c, nil
}

type tally struct {
	total, completed, pending, inProgress           int
	qualified, meeting, siteVisit, noAnswer, failed int
}

func (t *tally) add(status campaigns.LeadStatus, outcome campaigns.LeadOutcome) {
	t.total++
	switch status {
	case campaigns.LeadStatusCompleted:
		t.completed++
	case campaigns.LeadStatusPending:
		t.pending++
	case campaigns.LeadStatusInProgress:
		t.inProgress++
	}
	switch outcome {
	case campaigns.LeadOutcomeQualified:
		t.qualified++
	case campaigns.LeadOutcomeMeetingScheduled:
		t.meeting++
	case campaigns.LeadOutcomeSiteVisitScheduled:
		t.siteVisit++
	case campaigns.LeadOutcomeNoAnswer:
		t.noAnswer++
	case campaigns.LeadOutcomeFailed:
		t.failed++
	}
}

// answerRate counts positive outcomes over every lead, including rejected rows.
func (t tally) answerRate() float64 {
	return percent(t.qualified+t.meeting+t.siteVisit, t.total)
}

func (t tally) qualificationRate() float64 { return percent(t.qualified, t.completed) }

func (t tally) failureRate() float64 { return percent(t.failed, t.completed) }

func percent(n, of int) float64 {
	if of == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(of)*100*100) / 100
}
