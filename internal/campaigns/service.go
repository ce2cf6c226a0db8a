package campaigns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"campaign-platform/internal/audit"
	"campaign-platform/internal/dispatch"
	"campaign-platform/internal/notify"
	"campaign-platform/internal/queue"
	"campaign-platform/pkg/logger"

	"github.com/google/uuid"
)

// Cipher protects phone numbers at rest.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Dispatcher delivers a campaign to the external worker, retrying locally.
type Dispatcher interface {
	Send(ctx context.Context, p dispatch.Payload) error
}

// Enqueuer schedules delayed admission attempts.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job, at time.Time) error
}

// Auditor records campaign lifecycle events. Failures are logged, never returned.
type Auditor interface {
	LogCampaign(ctx context.Context, orgID, campaignID string, typ audit.EventType, actorUserID, message string, metadata map[string]any) error
}

type Deps struct {
	Store      Store
	Cipher     Cipher
	Dispatcher Dispatcher
	Queue      Enqueuer
	Events     notify.Publisher
	Audit      Auditor
}

// Service owns the campaign state machine: admission, dispatch, completion
// and promotion of the next queued campaign. Every status change goes through
// a conditional write in Store; the service holds no locks of its own.
type Service struct {
	store      Store
	cipher     Cipher
	dispatcher Dispatcher
	queue      Enqueuer
	events     notify.Publisher
	audit      Auditor

	now   func() time.Time
	newID func() string
}

func NewService(d Deps) *Service {
	return &Service{
		store:      d.Store,
		cipher:     d.Cipher,
		dispatcher: d.Dispatcher,
		queue:      d.Queue,
		events:     d.Events,
		audit:      d.Audit,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// Store exposes the underlying store to collaborators in the same process
// (callback handler, analytics).
func (s *Service) Store() Store { return s.store }

type CreateInput struct {
	OrgID          string
	AgentReference string
	ActorUserID    string
	Leads          []LeadInput
	Rejected       []RejectedLead
}

type CreateResult struct {
	Campaign   Campaign
	ValidLeads int
	Rejected   []RejectedLead
}

// CreateCampaign persists a QUEUED campaign with its PENDING and
// VALIDATION_ERROR leads, then tries to admit it. An admitted campaign is
// dispatched before returning; a dispatch failure leaves it FAILED and the
// error wraps dispatch.ErrDispatchFailed. Otherwise an admission job is queued.
func (s *Service) CreateCampaign(ctx context.Context, in CreateInput) (CreateResult, error) {
	if in.OrgID == "" || in.AgentReference == "" {
		return CreateResult{}, ErrInvalidArgument
	}
	log := logger.From(ctx)
	now := s.now().UTC()

	c := Campaign{
		ID:             s.newID(),
		OrgID:          in.OrgID,
		AgentReference: in.AgentReference,
		Status:         CampaignStatusQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	leads, err := s.buildLeads(c.ID, now, in.Leads, in.Rejected)
	if err != nil {
		return CreateResult{}, err
	}
	if err := s.store.CreateCampaign(ctx, c, leads); err != nil {
		return CreateResult{}, fmt.Errorf("create campaign: %w", err)
	}
	s.record(ctx, c, audit.EventCampaignCreated, in.ActorUserID, "campaign uploaded", map[string]any{
		"valid_leads":       len(in.Leads),
		"validation_errors": len(in.Rejected),
	})

	res := CreateResult{ValidLeads: len(in.Leads), Rejected: in.Rejected}

	// The campaign row exists: admission and queueing finish even if the
	// caller goes away.
	ctx, cancel := detach(ctx, writeBudget)
	defer cancel()

	admitted, err := s.TryAdmit(ctx, c.OrgID, c.ID)
	if err != nil {
		// The row exists; the admission job will pick it up.
		log.Error("admission check failed, queuing", "campaign_id", c.ID, "err", err)
	}
	if admitted {
		c.Status = CampaignStatusRunning
		derr := s.dispatchRunning(ctx, c, "upload")
		res.Campaign = s.reload(ctx, c)
		return res, derr
	}

	if err := s.enqueueAdmission(ctx, c); err != nil {
		return CreateResult{Campaign: c}, fmt.Errorf("enqueue admission: %w", err)
	}
	s.record(ctx, c, audit.EventCampaignQueued, in.ActorUserID, "another campaign is active", nil)
	res.Campaign = c
	return res, nil
}

func (s *Service) buildLeads(campaignID string, now time.Time, valid []LeadInput, rejected []RejectedLead) ([]Lead, error) {
	out := make([]Lead, 0, len(valid)+len(rejected))
	// Creation order follows ingestion order; the microsecond step keeps it
	// stable under ORDER BY created_at.
	at := func(i int) time.Time { return now.Add(time.Duration(i) * time.Microsecond) }

	for _, in := range valid {
		phone, err := s.cipher.Encrypt(in.Phone)
		if err != nil {
			return nil, fmt.Errorf("encrypt phone: %w", err)
		}
		var custom json.RawMessage
		if len(in.CustomFields) > 0 {
			if custom, err = json.Marshal(in.CustomFields); err != nil {
				return nil, fmt.Errorf("custom fields: %w", err)
			}
		}
		out = append(out, Lead{
			ID:           s.newID(),
			CampaignID:   campaignID,
			Name:         in.Name,
			Phone:        phone,
			Status:       LeadStatusPending,
			CustomFields: custom,
			CreatedAt:    at(len(out)),
		})
	}
	for _, r := range rejected {
		phone := ""
		if r.Phone != "" {
			enc, err := s.cipher.Encrypt(r.Phone)
			if err != nil {
				return nil, fmt.Errorf("encrypt phone: %w", err)
			}
			phone = enc
		}
		out = append(out, Lead{
			ID:         s.newID(),
			CampaignID: campaignID,
			Phone:      phone,
			Status:     LeadStatusValidationError,
			Outcome:    LeadOutcomeValidationError,
			ErrorType:  r.Error,
			CreatedAt:  at(len(out)),
		})
	}
	return out, nil
}

// ListCampaigns returns the org's campaigns, newest first, with lead summaries.
// A zero since returns everything.
func (s *Service) ListCampaigns(ctx context.Context, orgID string, since time.Time) ([]CampaignWithLeads, error) {
	if orgID == "" {
		return nil, ErrInvalidArgument
	}
	return s.store.ListCampaigns(ctx, orgID, since)
}

// GetCampaign returns the campaign with decrypted leads. Campaigns of other
// orgs are reported as ErrNotFound.
func (s *Service) GetCampaign(ctx context.Context, orgID, campaignID string) (CampaignDetail, error) {
	c, err := s.campaignForOrg(ctx, orgID, campaignID)
	if err != nil {
		return CampaignDetail{}, err
	}
	leads, err := s.ListLeads(ctx, orgID, campaignID)
	if err != nil {
		return CampaignDetail{}, err
	}
	return CampaignDetail{Campaign: c, Leads: leads}, nil
}

func (s *Service) ListLeads(ctx context.Context, orgID, campaignID string) ([]Lead, error) {
	if _, err := s.campaignForOrg(ctx, orgID, campaignID); err != nil {
		return nil, err
	}
	leads, err := s.store.ListLeads(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	for i := range leads {
		if err := s.decryptLead(&leads[i]); err != nil {
			return nil, err
		}
	}
	return leads, nil
}

func (s *Service) GetLead(ctx context.Context, orgID, leadID string) (Lead, error) {
	if orgID == "" || leadID == "" {
		return Lead{}, ErrInvalidArgument
	}
	l, err := s.store.GetLeadForOrg(ctx, orgID, leadID)
	if err != nil {
		return Lead{}, err
	}
	if err := s.decryptLead(&l); err != nil {
		return Lead{}, err
	}
	return l, nil
}

// CampaignForOrg loads a campaign and hides other orgs' campaigns behind ErrNotFound.
func (s *Service) CampaignForOrg(ctx context.Context, orgID, campaignID string) (Campaign, error) {
	return s.campaignForOrg(ctx, orgID, campaignID)
}

func (s *Service) campaignForOrg(ctx context.Context, orgID, campaignID string) (Campaign, error) {
	if orgID == "" || campaignID == "" {
		return Campaign{}, ErrInvalidArgument
	}
	c, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return Campaign{}, err
	}
	if c.OrgID != orgID {
		return Campaign{}, ErrNotFound
	}
	return c, nil
}

// DecryptPhone reveals a stored phone value.
func (s *Service) DecryptPhone(ciphertext string) (string, error) {
	return s.cipher.Decrypt(ciphertext)
}

func (s *Service) decryptLead(l *Lead) error {
	phone, err := s.cipher.Decrypt(l.Phone)
	if err != nil {
		return fmt.Errorf("decrypt lead %s: %w", l.ID, err)
	}
	l.Phone = phone
	return nil
}

func (s *Service) reload(ctx context.Context, c Campaign) Campaign {
	cur, err := s.store.GetCampaign(ctx, c.ID)
	if err != nil {
		logger.From(ctx).Warn("campaign reload failed", "campaign_id", c.ID, "err", err)
		return c
	}
	return cur
}

func (s *Service) record(ctx context.Context, c Campaign, typ audit.EventType, actor, msg string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogCampaign(ctx, c.OrgID, c.ID, typ, actor, msg, meta); err != nil {
		logger.From(ctx).Warn("audit append failed", "campaign_id", c.ID, "type", typ, "err", err)
	}
}

func (s *Service) publish(ctx context.Context, orgID string, e notify.Event) {
	if s.events == nil {
		return
	}
	if e.At.IsZero() {
		e.At = s.now().UTC()
	}
	s.events.Publish(ctx, orgID, e)
}

// IsDispatchFailure reports whether err came from an exhausted dispatch.
func IsDispatchFailure(err error) bool {
	return errors.Is(err, dispatch.ErrDispatchFailed)
}
