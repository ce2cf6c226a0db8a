package campaigns

import (
	"context"
	"errors"
	"fmt"
	"time"

	"campaign-platform/internal/audit"
	"campaign-platform/internal/metrics"
	"campaign-platform/internal/notify"
	"campaign-platform/internal/queue"
	"campaign-platform/internal/retry"
	"campaign-platform/pkg/logger"
)

// Queue kinds handled by this package.
const (
	// AdmitJobKind is a delayed admission attempt for one QUEUED campaign.
	AdmitJobKind = "campaign.admit"
	// PromoteJobKind promotes an org's oldest QUEUED campaign after the
	// active one completed.
	PromoteJobKind = "campaign.promote"
)

const (
	admitInitialDelay = 30 * time.Second
	admitMaxAttempts  = 10
)

// ErrAdmissionConflict means another campaign holds the org's active slot.
// It wraps queue.ErrContention so the worker treats it as expected contention.
var ErrAdmissionConflict = fmt.Errorf("campaigns: org has an active campaign: %w", queue.ErrContention)

// AdmitPolicy is the schedule for delayed admission: 30s doubling, 10 attempts.
func AdmitPolicy() retry.Policy {
	return retry.Exponential(admitInitialDelay, admitMaxAttempts)
}

type admitPayload struct {
	CampaignID string `json:"campaign_id"`
	OrgID      string `json:"org_id"`
}

type promotePayload struct {
	OrgID string `json:"org_id"`
	After string `json:"after_campaign_id"`
}

// PromoteJobID is the queue id of the promotion scheduled when campaignID
// completed. One completion yields at most one promotion job.
func PromoteJobID(campaignID string) string {
	return "promote:" + campaignID
}

// TryAdmit moves a QUEUED campaign to RUNNING if the org has no other active
// campaign. It does not dispatch.
func (s *Service) TryAdmit(ctx context.Context, orgID, campaignID string) (bool, error) {
	ok, err := s.store.TryAdmit(ctx, orgID, campaignID, s.now().UTC())
	switch {
	case err != nil:
		metrics.AdmissionAttempts.WithLabelValues("error").Inc()
		return false, err
	case ok:
		metrics.AdmissionAttempts.WithLabelValues("admitted").Inc()
		metrics.CampaignTransitions.WithLabelValues(string(CampaignStatusRunning)).Inc()
	default:
		metrics.AdmissionAttempts.WithLabelValues("queued").Inc()
	}
	return ok, nil
}

func (s *Service) enqueueAdmission(ctx context.Context, c Campaign) error {
	job, err := queue.NewJob(AdmitJobKind, c.ID, admitPayload{CampaignID: c.ID, OrgID: c.OrgID}, admitMaxAttempts)
	if err != nil {
		return err
	}
	// First attempt is due immediately; later ones follow AdmitPolicy.
	return s.queue.Enqueue(ctx, job, s.now().UTC())
}

func (s *Service) enqueuePromotion(ctx context.Context, orgID, completedID string) error {
	job, err := queue.NewJob(PromoteJobKind, PromoteJobID(completedID), promotePayload{OrgID: orgID, After: completedID}, admitMaxAttempts)
	if err != nil {
		return err
	}
	return s.queue.Enqueue(ctx, job, s.now().UTC())
}

// HandlePromoteJob is the queue handler for PromoteJobKind. Finding nothing
// to promote, or losing to another promoter, completes the job. A dispatch
// failure is permanent; store errors are retried.
func (s *Service) HandlePromoteJob(ctx context.Context, job queue.Job) error {
	var p promotePayload
	if err := job.Decode(&p); err != nil || p.OrgID == "" {
		return queue.Permanent(fmt.Errorf("bad promote payload: %v", err))
	}
	c, ok, err := s.ProcessNextQueued(ctx, p.OrgID)
	switch {
	case err != nil && IsDispatchFailure(err):
		return queue.Permanent(err)
	case err != nil:
		metrics.CascadeErrors.Inc()
		return err
	case ok:
		logger.From(ctx).Info("queued campaign promoted", "campaign_id", c.ID, "org_id", p.OrgID, "after", p.After)
	}
	return nil
}

// HandleAdmitJob is the queue handler for AdmitJobKind.
//
// A campaign that is no longer QUEUED was promoted or finished elsewhere, so
// the job completes silently. When another campaign is active the attempt
// fails with ErrAdmissionConflict and the worker schedules the next one.
// A dispatch failure is permanent: the local retry budget is already spent.
func (s *Service) HandleAdmitJob(ctx context.Context, job queue.Job) error {
	var p admitPayload
	if err := job.Decode(&p); err != nil || p.CampaignID == "" {
		return queue.Permanent(fmt.Errorf("bad admit payload: %v", err))
	}
	log := logger.From(ctx).With("campaign_id", p.CampaignID, "org_id", p.OrgID)

	c, err := s.store.GetCampaign(ctx, p.CampaignID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return queue.Permanent(err)
		}
		return err
	}
	if c.Status != CampaignStatusQueued {
		log.Debug("admission skipped, campaign no longer queued", "status", c.Status)
		return nil
	}

	busy, err := s.store.HasOtherActive(ctx, c.OrgID, c.ID)
	if err != nil {
		return err
	}
	if busy {
		metrics.AdmissionAttempts.WithLabelValues("contention").Inc()
		return ErrAdmissionConflict
	}

	// A committed admission must reach dispatch even if the worker is stopping.
	ctx, cancel := detach(ctx, writeBudget)
	defer cancel()
	ok, err := s.TryAdmit(ctx, c.OrgID, c.ID)
	if err != nil {
		return err
	}
	if !ok {
		// Lost the race to a cascader or another worker.
		cur := s.reload(ctx, c)
		if cur.Status != CampaignStatusQueued {
			return nil
		}
		return ErrAdmissionConflict
	}

	c.Status = CampaignStatusRunning
	if err := s.dispatchRunning(ctx, c, "queue"); err != nil {
		return queue.Permanent(err)
	}
	return nil
}

// admitted records the side effects of a campaign entering RUNNING.
func (s *Service) admitted(ctx context.Context, c Campaign, how string) {
	s.record(ctx, c, audit.EventCampaignAdmitted, "", how, nil)
	s.publish(ctx, c.OrgID, notify.Event{
		Kind:       notify.KindCampaignStarted,
		CampaignID: c.ID,
		Data:       map[string]any{"status": CampaignStatusRunning, "via": how},
	})
}
