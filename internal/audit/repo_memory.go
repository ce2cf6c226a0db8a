package audit

import (
	"context"
	"sync"
)

// MemoryRepo is a simple in-memory append-only repository useful for tests.
// It is not intended for production use.
type MemoryRepo struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Append(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the event types recorded for campaignID, in append order.
func (r *MemoryRepo) Types(campaignID string) []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0)
	for _, e := range r.events {
		if e.CampaignID == campaignID {
			out = append(out, e.Type)
		}
	}
	return out
}
