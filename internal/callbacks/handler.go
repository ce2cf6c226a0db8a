package callbacks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"campaign-platform/internal/campaigns"
	"campaign-platform/internal/metrics"
	"campaign-platform/internal/notify"
	"campaign-platform/pkg/logger"
)

var (
	ErrInvalidPayload = errors.New("callbacks: invalid payload")
	// ErrNotDispatched means the lead failed validation at upload and was
	// never sent to the worker.
	ErrNotDispatched = errors.New("callbacks: lead was never dispatched")
)

// completionBudget bounds the completion check and the promotion hand-off
// that follows an applied callback.
const completionBudget = 10 * time.Second

// Request is one per-lead result reported by the worker.
type Request struct {
	CampaignID       string
	LeadID           string
	Outcome          string
	Timestamp        string // ISO-8601, as received; part of the dedup key
	MeetingDetails   *campaigns.Appointment
	SiteVisitDetails *campaigns.Appointment
}

// Result reports what Handle did. For a store-level duplicate Lead holds the
// existing row; for a cache-level duplicate it is empty.
type Result struct {
	Duplicate bool
	Lead      campaigns.Lead
}

// Completer runs completion detection after a lead changes.
type Completer interface {
	CheckCompletion(ctx context.Context, orgID, campaignID string) (bool, error)
}

// Handler applies worker callbacks exactly once per lead.
//
// Idempotency is layered: the cache short-circuits repeated deliveries of the
// same (campaign, lead, timestamp); a lead already COMPLETED is reported as a
// duplicate and heals the cache; the store write itself only applies while the
// lead is not COMPLETED, so two concurrent deliveries cannot both win.
type Handler struct {
	store     campaigns.Store
	cache     Cache
	completer Completer
	events    notify.Publisher
	ttl       time.Duration
}

func NewHandler(store campaigns.Store, cache Cache, completer Completer, events notify.Publisher, ttl time.Duration) *Handler {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &Handler{store: store, cache: cache, completer: completer, events: events, ttl: ttl}
}

func (h *Handler) Handle(ctx context.Context, req Request) (Result, error) {
	if req.CampaignID == "" || req.LeadID == "" || req.Timestamp == "" {
		return Result{}, ErrInvalidPayload
	}
	ts, err := parseTimestamp(req.Timestamp)
	if err != nil {
		return Result{}, fmt.Errorf("%w: timestamp: %v", ErrInvalidPayload, err)
	}

	log := logger.From(ctx).With("campaign_id", req.CampaignID, "lead_id", req.LeadID)
	key := Key(req.CampaignID, req.LeadID, req.Timestamp)

	seen, err := h.cache.Seen(ctx, key)
	if err != nil {
		// The store checks below still hold without the cache.
		log.Warn("dedup cache unavailable", "err", err)
	}
	if seen {
		metrics.Callbacks.WithLabelValues("duplicate_cache").Inc()
		return Result{Duplicate: true}, nil
	}

	c, err := h.store.GetCampaign(ctx, req.CampaignID)
	if err != nil {
		if errors.Is(err, campaigns.ErrNotFound) {
			metrics.Callbacks.WithLabelValues("not_found").Inc()
		}
		return Result{}, err
	}
	lead, err := h.store.GetLead(ctx, c.ID, req.LeadID)
	if err != nil {
		if errors.Is(err, campaigns.ErrNotFound) {
			metrics.Callbacks.WithLabelValues("not_found").Inc()
		}
		return Result{}, err
	}
	switch lead.Status {
	case campaigns.LeadStatusValidationError:
		metrics.Callbacks.WithLabelValues("not_dispatched").Inc()
		log.Warn("callback for a lead that was never dispatched")
		return Result{}, ErrNotDispatched
	case campaigns.LeadStatusCompleted:
		h.mark(ctx, log, key)
		metrics.Callbacks.WithLabelValues("duplicate_store").Inc()
		// A redelivery retries a completion check lost with an earlier request.
		h.complete(ctx, log, c)
		return Result{Duplicate: true, Lead: lead}, nil
	}

	outcome, known := campaigns.MapOutcome(req.Outcome)
	if !known {
		metrics.UnknownOutcomes.Inc()
		log.Warn("unknown callback outcome mapped to FAILED", "outcome", req.Outcome)
	}

	updated, applied, err := h.store.CompleteLead(ctx, c.ID, lead.ID, campaigns.LeadResult{
		Outcome:          outcome,
		Timestamp:        ts,
		MeetingDetails:   req.MeetingDetails,
		SiteVisitDetails: req.SiteVisitDetails,
	})
	if err != nil {
		return Result{}, err
	}
	h.mark(ctx, log, key)
	if !applied {
		// A concurrent delivery completed the lead first.
		metrics.Callbacks.WithLabelValues("duplicate_store").Inc()
		return Result{Duplicate: true, Lead: updated}, nil
	}
	metrics.Callbacks.WithLabelValues("applied").Inc()

	if h.events != nil {
		h.events.Publish(ctx, c.OrgID, notify.Event{
			Kind:       notify.KindLeadUpdated,
			CampaignID: c.ID,
			Data: map[string]any{
				"lead_id":            updated.ID,
				"status":             updated.Status,
				"outcome":            updated.Outcome,
				"meeting_details":    updated.MeetingDetails,
				"site_visit_details": updated.SiteVisitDetails,
			},
		})
	}

	h.complete(ctx, log, c)
	return Result{Lead: updated}, nil
}

// complete runs the completion check detached from the caller: once a lead is
// written, the campaign must still be able to finish if the request goes away.
func (h *Handler) complete(ctx context.Context, log *slog.Logger, c campaigns.Campaign) {
	if h.completer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completionBudget)
	defer cancel()
	if _, err := h.completer.CheckCompletion(ctx, c.OrgID, c.ID); err != nil {
		log.Error("completion check failed", "err", err)
	}
}

func (h *Handler) mark(ctx context.Context, log *slog.Logger, key string) {
	if err := h.cache.Mark(ctx, key, h.ttl); err != nil {
		log.Warn("dedup cache write failed", "err", err)
	}
}

func parseTimestamp(v string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z0700", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("not ISO-8601: %q", v)
}
