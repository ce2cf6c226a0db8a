package audit

import "time"

// Event is an immutable, append-only record of something that happened to a
// campaign.
//
// Invariants:
// - Events are never updated or deleted.
// - org_id is required for tenancy isolation.
// - Appends are best-effort; critical flows never block on them.
type Event struct {
	ID         string    `json:"id" db:"id"`
	OrgID      string    `json:"org_id" db:"org_id"`
	CampaignID string    `json:"campaign_id,omitempty" db:"campaign_id"`
	Type       EventType `json:"type" db:"type"`

	// ActorUserID is empty for system actions (queue worker, callbacks).
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`

	Message string `json:"message,omitempty" db:"message"`
	// Metadata is optional JSON.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventCampaignCreated   EventType = "campaign.created"
	EventCampaignQueued    EventType = "campaign.queued"
	EventCampaignAdmitted  EventType = "campaign.admitted"
	EventCampaignWaiting   EventType = "campaign.waiting_for_callbacks"
	EventCampaignCompleted EventType = "campaign.completed"
	EventCampaignFailed    EventType = "campaign.failed"
)
