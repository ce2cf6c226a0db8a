package campaigns

import (
	"encoding/json"
	"time"
)

// Campaign is a batch of leads handed to the external worker together.
//
// Tenancy invariant: OrgID is required and immutable.
// Admission invariant: per org, at most one campaign is RUNNING or WAITING_FOR_CALLBACKS.
// Campaigns are never deleted here; retention is handled elsewhere.
type Campaign struct {
	ID             string         `json:"campaign_id" db:"id"`
	OrgID          string         `json:"org_id" db:"org_id"`
	AgentReference string         `json:"agent_reference" db:"agent_reference"`
	Status         CampaignStatus `json:"status" db:"status"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

type CampaignStatus string

const (
	CampaignStatusQueued              CampaignStatus = "QUEUED"
	CampaignStatusRunning             CampaignStatus = "RUNNING"
	CampaignStatusWaitingForCallbacks CampaignStatus = "WAITING_FOR_CALLBACKS"
	CampaignStatusCompleted           CampaignStatus = "COMPLETED"
	CampaignStatusFailed              CampaignStatus = "FAILED"
)

// IsActive reports whether the status occupies the org's single active slot.
func (s CampaignStatus) IsActive() bool {
	return s == CampaignStatusRunning || s == CampaignStatusWaitingForCallbacks
}

func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignStatusCompleted || s == CampaignStatusFailed
}

// campaignTransitions lists every forward edge. Nothing reverses.
var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignStatusQueued:              {CampaignStatusRunning},
	CampaignStatusRunning:             {CampaignStatusWaitingForCallbacks, CampaignStatusFailed},
	CampaignStatusWaitingForCallbacks: {CampaignStatusCompleted, CampaignStatusFailed},
}

// CanTransition reports whether from -> to is a legal campaign move.
func CanTransition(from, to CampaignStatus) bool {
	for _, next := range campaignTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Lead is one contact inside a campaign.
//
// Phone is stored encrypted; services decrypt it only when handing it to the
// worker or to an authorized reader.
// Once Status is COMPLETED the row is never written again.
type Lead struct {
	ID         string     `json:"lead_id" db:"id"`
	CampaignID string     `json:"campaign_id" db:"campaign_id"`
	Name       string     `json:"name,omitempty" db:"name"`
	Phone      string     `json:"phone" db:"phone"`
	Status     LeadStatus `json:"status" db:"status"`

	CustomFields     json.RawMessage `json:"custom_fields,omitempty" db:"custom_fields"`
	Outcome          LeadOutcome     `json:"outcome,omitempty" db:"outcome"`
	MeetingDetails   *Appointment    `json:"meeting_details,omitempty" db:"meeting_details"`
	SiteVisitDetails *Appointment    `json:"site_visit_details,omitempty" db:"site_visit_details"`
	ErrorType        string          `json:"error_type,omitempty" db:"error_type"`
	Tags             []string        `json:"tags,omitempty" db:"tags"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	Timestamp *time.Time `json:"timestamp,omitempty" db:"timestamp"`
}

type LeadStatus string

const (
	LeadStatusPending         LeadStatus = "PENDING"
	LeadStatusInProgress      LeadStatus = "IN_PROGRESS"
	LeadStatusCompleted       LeadStatus = "COMPLETED"
	LeadStatusValidationError LeadStatus = "VALIDATION_ERROR"
)

type LeadOutcome string

const (
	LeadOutcomeQualified          LeadOutcome = "QUALIFIED"
	LeadOutcomeMeetingScheduled   LeadOutcome = "MEETING_SCHEDULED"
	LeadOutcomeSiteVisitScheduled LeadOutcome = "SITE_VISIT_SCHEDULED"
	LeadOutcomeNoAnswer           LeadOutcome = "NO_ANSWER"
	LeadOutcomeFailed             LeadOutcome = "FAILED"
	LeadOutcomeValidationError    LeadOutcome = "VALIDATION_ERROR"
)

// externalOutcomes maps the worker's lower snake case values.
var externalOutcomes = map[string]LeadOutcome{
	"qualified":            LeadOutcomeQualified,
	"site_visit_scheduled": LeadOutcomeSiteVisitScheduled,
	"meeting_scheduled":    LeadOutcomeMeetingScheduled,
	"no_answer":            LeadOutcomeNoAnswer,
	"failed":               LeadOutcomeFailed,
	"validation_error":     LeadOutcomeValidationError,
}

// MapOutcome converts a worker outcome value. Unknown values map to FAILED and
// known is false so callers can surface the mismatch.
func MapOutcome(external string) (outcome LeadOutcome, known bool) {
	if o, ok := externalOutcomes[external]; ok {
		return o, true
	}
	return LeadOutcomeFailed, false
}

// Appointment carries meeting or site visit details reported by the worker.
type Appointment struct {
	Datetime string `json:"datetime"`
	Location string `json:"location"`
}

// LeadInput is one validated lead supplied by ingestion.
type LeadInput struct {
	Name         string         `json:"name,omitempty"`
	Phone        string         `json:"phone"`
	CustomFields map[string]any `json:"custom_fields,omitempty"`
}

// RejectedLead is an ingestion row that failed validation. It is persisted as a
// VALIDATION_ERROR lead and never dispatched.
type RejectedLead struct {
	Row   int    `json:"row"`
	Error string `json:"error"`
	Phone string `json:"phone,omitempty"`
}

// LeadResult is the outcome written when a callback completes a lead.
type LeadResult struct {
	Outcome          LeadOutcome
	Timestamp        time.Time
	MeetingDetails   *Appointment
	SiteVisitDetails *Appointment
}

// LeadSummary is the compact per-lead view used in campaign listings.
type LeadSummary struct {
	ID      string      `json:"lead_id"`
	Status  LeadStatus  `json:"status"`
	Outcome LeadOutcome `json:"outcome,omitempty"`
}

// CampaignWithLeads is a campaign plus its leads for list/detail views.
type CampaignWithLeads struct {
	Campaign
	Leads []LeadSummary `json:"leads"`
}

// CampaignDetail is a campaign with full lead rows (phones decrypted).
type CampaignDetail struct {
	Campaign
	Leads []Lead `json:"leads"`
}
