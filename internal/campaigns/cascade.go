package campaigns

import (
	"context"
	"fmt"
	"time"

	"campaign-platform/internal/audit"
	"campaign-platform/internal/dispatch"
	"campaign-platform/internal/metrics"
	"campaign-platform/internal/notify"
	"campaign-platform/pkg/logger"
)

const (
	// dispatchBudget covers every local send attempt and the waits between them.
	dispatchBudget = 45 * time.Second
	// writeBudget bounds one detached status write and its side effects.
	writeBudget = 10 * time.Second
)

// detach keeps ctx's values (logger, request id) but not its cancellation.
func detach(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}

// dispatchRunning sends a RUNNING campaign to the worker and applies the
// result: WAITING_FOR_CALLBACKS on success, FAILED on exhaustion. The status
// write happens after the HTTP round trip, never inside a transaction.
//
// Once admitted the campaign must leave RUNNING whatever happens to the
// caller, so the send and both writes run detached from ctx.
func (s *Service) dispatchRunning(ctx context.Context, c Campaign, how string) error {
	log := logger.From(ctx).With("campaign_id", c.ID, "org_id", c.OrgID)

	sendCtx, cancel := detach(ctx, dispatchBudget)
	defer cancel()
	s.admitted(sendCtx, c, how)

	payload, err := s.payload(sendCtx, c)
	if err == nil {
		err = s.dispatcher.Send(sendCtx, payload)
	}
	if err != nil {
		s.fail(ctx, c, err)
		return fmt.Errorf("campaign %s: %w", c.ID, err)
	}

	ctx, wcancel := detach(ctx, writeBudget)
	defer wcancel()
	ok, err := s.store.TransitionCampaign(ctx, c.ID, CampaignStatusRunning, CampaignStatusWaitingForCallbacks, s.now().UTC())
	if err != nil {
		return fmt.Errorf("campaign %s: mark waiting: %w", c.ID, err)
	}
	if !ok {
		log.Warn("campaign left RUNNING during dispatch")
		return nil
	}
	metrics.CampaignTransitions.WithLabelValues(string(CampaignStatusWaitingForCallbacks)).Inc()
	c.Status = CampaignStatusWaitingForCallbacks
	s.record(ctx, c, audit.EventCampaignWaiting, "", "dispatched to worker", map[string]any{"leads": len(payload.Leads)})
	s.publish(ctx, c.OrgID, notify.Event{
		Kind:       notify.KindCampaignProgress,
		CampaignID: c.ID,
		Data:       map[string]any{"status": c.Status, "remaining": len(payload.Leads)},
	})

	// A campaign with nothing to call back on is already done.
	if _, err := s.CheckCompletion(ctx, c.OrgID, c.ID); err != nil {
		log.Error("completion check after dispatch failed", "err", err)
	}
	return nil
}

// payload resolves PENDING leads with their stored ids and plaintext phones.
func (s *Service) payload(ctx context.Context, c Campaign) (dispatch.Payload, error) {
	leads, err := s.store.PendingLeads(ctx, c.ID)
	if err != nil {
		return dispatch.Payload{}, fmt.Errorf("load pending leads: %w", err)
	}
	p := dispatch.Payload{
		CampaignID:     c.ID,
		OrgID:          c.OrgID,
		AgentReference: c.AgentReference,
		Leads:          make([]dispatch.Lead, 0, len(leads)),
	}
	for _, l := range leads {
		phone, err := s.cipher.Decrypt(l.Phone)
		if err != nil {
			return dispatch.Payload{}, fmt.Errorf("decrypt lead %s: %w", l.ID, err)
		}
		p.Leads = append(p.Leads, dispatch.Lead{
			ID:           l.ID,
			Name:         l.Name,
			Phone:        phone,
			CustomFields: l.CustomFields,
		})
	}
	return p, nil
}

func (s *Service) fail(ctx context.Context, c Campaign, cause error) {
	ctx, cancel := detach(ctx, writeBudget)
	defer cancel()
	log := logger.From(ctx).With("campaign_id", c.ID, "org_id", c.OrgID)
	ok, err := s.store.TransitionCampaign(ctx, c.ID, CampaignStatusRunning, CampaignStatusFailed, s.now().UTC())
	if err != nil {
		log.Error("mark campaign failed", "err", err)
		return
	}
	if !ok {
		return
	}
	log.Error("campaign failed", "err", cause)
	metrics.CampaignTransitions.WithLabelValues(string(CampaignStatusFailed)).Inc()
	s.record(ctx, c, audit.EventCampaignFailed, "", cause.Error(), nil)
	s.publish(ctx, c.OrgID, notify.Event{
		Kind:       notify.KindCampaignFailed,
		CampaignID: c.ID,
		Data:       map[string]any{"status": CampaignStatusFailed, "error": cause.Error()},
	})
}

// CheckCompletion completes a WAITING_FOR_CALLBACKS campaign once no lead is
// left open, then hands promotion of the org's next queued campaign to the
// queue. It returns true only for the caller whose write completed the
// campaign. Promotion errors are logged and never returned.
func (s *Service) CheckCompletion(ctx context.Context, orgID, campaignID string) (bool, error) {
	log := logger.From(ctx).With("campaign_id", campaignID, "org_id", orgID)

	done, err := s.store.CompleteCampaignIfDone(ctx, campaignID, s.now().UTC())
	if err != nil {
		return false, err
	}
	if !done {
		open, err := s.store.CountOpenLeads(ctx, campaignID)
		if err != nil {
			log.Warn("count open leads failed", "err", err)
			return false, nil
		}
		s.publish(ctx, orgID, notify.Event{
			Kind:       notify.KindCampaignProgress,
			CampaignID: campaignID,
			Data:       map[string]any{"remaining": open},
		})
		return false, nil
	}

	metrics.CampaignTransitions.WithLabelValues(string(CampaignStatusCompleted)).Inc()
	c := Campaign{ID: campaignID, OrgID: orgID, Status: CampaignStatusCompleted}
	s.record(ctx, c, audit.EventCampaignCompleted, "", "all leads reported", nil)
	s.publish(ctx, orgID, notify.Event{
		Kind:       notify.KindCampaignCompleted,
		CampaignID: campaignID,
		Data:       map[string]any{"status": CampaignStatusCompleted},
	})
	log.Info("campaign completed")

	s.promoteNext(ctx, orgID, campaignID)
	return true, nil
}

// promoteNext schedules promotion after completedID finished. Without a queue,
// or when enqueueing fails, it promotes inline.
func (s *Service) promoteNext(ctx context.Context, orgID, completedID string) {
	log := logger.From(ctx).With("org_id", orgID, "after", completedID)
	if s.queue != nil {
		err := s.enqueuePromotion(ctx, orgID, completedID)
		if err == nil {
			return
		}
		log.Warn("enqueue promotion failed, promoting inline", "err", err)
	}
	if _, _, err := s.ProcessNextQueued(ctx, orgID); err != nil {
		metrics.CascadeErrors.Inc()
		log.Error("promote next queued campaign failed", "err", err)
	}
}

// ProcessNextQueued admits the org's oldest QUEUED campaign when nothing is
// active and dispatches it. ok is false when there was nothing to promote or
// another process won. A dispatch failure leaves that campaign FAILED; it is
// not queued again.
func (s *Service) ProcessNextQueued(ctx context.Context, orgID string) (Campaign, bool, error) {
	pctx, cancel := detach(ctx, writeBudget)
	c, ok, err := s.store.PromoteNextQueued(pctx, orgID, s.now().UTC())
	cancel()
	if err != nil || !ok {
		return Campaign{}, false, err
	}
	metrics.AdmissionAttempts.WithLabelValues("promoted").Inc()
	metrics.CampaignTransitions.WithLabelValues(string(CampaignStatusRunning)).Inc()

	if err := s.dispatchRunning(ctx, c, "cascade"); err != nil {
		return s.reload(ctx, c), true, err
	}
	return s.reload(ctx, c), true, nil
}
