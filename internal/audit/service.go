package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records campaign lifecycle events.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to org users by default.
// - Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.OrgID == "" || e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// LogCampaign records a campaign event. metadata may be nil.
func (s *Service) LogCampaign(ctx context.Context, orgID, campaignID string, typ EventType, actorUserID, message string, metadata map[string]any) error {
	e := Event{
		OrgID:       orgID,
		CampaignID:  campaignID,
		Type:        typ,
		ActorUserID: actorUserID,
		Message:     message,
	}
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return err
		}
		e.Metadata = string(raw)
	}
	return s.Append(ctx, e)
}
