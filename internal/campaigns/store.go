package campaigns

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("campaigns: not found")
	ErrInvalidArgument   = errors.New("campaigns: invalid argument")
	ErrInvalidTransition = errors.New("campaigns: invalid status transition")
)

// Store is the persistence contract for campaigns and leads.
//
// Every method that changes status is a compare-and-swap at the data layer:
// it succeeds only if the row still holds the expected status, and reports
// whether it won. No caller may rely on in-process locks for these invariants,
// since several instances share one store.
type Store interface {
	// CreateCampaign inserts a QUEUED campaign and all of its leads atomically.
	CreateCampaign(ctx context.Context, c Campaign, leads []Lead) error

	GetCampaign(ctx context.Context, campaignID string) (Campaign, error)
	ListCampaigns(ctx context.Context, orgID string, since time.Time) ([]CampaignWithLeads, error)

	GetLead(ctx context.Context, campaignID, leadID string) (Lead, error)
	// GetLeadForOrg resolves a lead by id, scoped to the owning org.
	GetLeadForOrg(ctx context.Context, orgID, leadID string) (Lead, error)
	ListLeads(ctx context.Context, campaignID string) ([]Lead, error)
	// PendingLeads returns PENDING leads in creation order.
	PendingLeads(ctx context.Context, campaignID string) ([]Lead, error)

	// TryAdmit moves campaignID from QUEUED to RUNNING only if no other
	// campaign of orgID is RUNNING or WAITING_FOR_CALLBACKS.
	TryAdmit(ctx context.Context, orgID, campaignID string, now time.Time) (bool, error)

	// HasOtherActive reports whether orgID has an active campaign other than exclude.
	HasOtherActive(ctx context.Context, orgID, exclude string) (bool, error)

	// TransitionCampaign moves campaignID from "from" to "to". It returns
	// false when the row no longer holds "from".
	TransitionCampaign(ctx context.Context, campaignID string, from, to CampaignStatus, now time.Time) (bool, error)

	// CompleteCampaignIfDone moves a WAITING_FOR_CALLBACKS campaign to COMPLETED
	// when no dispatchable lead is left open. It returns true for exactly one caller.
	CompleteCampaignIfDone(ctx context.Context, campaignID string, now time.Time) (bool, error)

	// PromoteNextQueued admits the oldest QUEUED campaign of orgID when nothing
	// is active. ok is false when there is nothing to promote or another
	// process won the race.
	PromoteNextQueued(ctx context.Context, orgID string, now time.Time) (c Campaign, ok bool, err error)

	// CompleteLead writes the result onto a PENDING or IN_PROGRESS lead. applied
	// is false when the lead is already COMPLETED or is a VALIDATION_ERROR
	// lead; the stored lead is returned unchanged.
	CompleteLead(ctx context.Context, campaignID, leadID string, res LeadResult) (lead Lead, applied bool, err error)

	// CountOpenLeads counts leads that still block completion.
	CountOpenLeads(ctx context.Context, campaignID string) (int, error)
}
