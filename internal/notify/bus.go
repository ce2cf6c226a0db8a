package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"campaign-platform/pkg/logger"

	"github.com/redis/go-redis/v9"
)

type Kind string

const (
	KindLeadUpdated       Kind = "lead.updated"
	KindCampaignProgress  Kind = "campaign.progress"
	KindCampaignCompleted Kind = "campaign.completed"
	KindCampaignStarted   Kind = "campaign.started"
	KindCampaignFailed    Kind = "campaign.failed"
)

// Event is a one-way notification for every session of an org.
type Event struct {
	Kind       Kind           `json:"type"`
	OrgID      string         `json:"org_id"`
	CampaignID string         `json:"campaign_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	At         time.Time      `json:"timestamp"`
}

// Publisher is fire-and-forget: Publish never reports delivery failures to the
// caller, it only logs them.
type Publisher interface {
	Publish(ctx context.Context, orgID string, e Event)
}

// Subscriber streams the events of one org until ctx ends.
type Subscriber interface {
	Subscribe(ctx context.Context, orgID string) (<-chan Event, error)
}

func channelFor(orgID string) string {
	return "org:" + orgID + ":events"
}

// RedisBus fans events out through Redis pub/sub, so any instance can reach a
// session held by any other instance.
type RedisBus struct {
	rdb redis.UniversalClient
}

func NewRedisBus(rdb redis.UniversalClient) *RedisBus {
	return &RedisBus{rdb: rdb}
}

func (b *RedisBus) Publish(ctx context.Context, orgID string, e Event) {
	if orgID == "" {
		return
	}
	e.OrgID = orgID
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		logger.From(ctx).Warn("notify: marshal failed", "kind", e.Kind, "err", err)
		return
	}
	if err := b.rdb.Publish(ctx, channelFor(orgID), raw).Err(); err != nil {
		logger.From(ctx).Warn("notify: publish failed", "org_id", orgID, "kind", e.Kind, "err", err)
	}
}

func (b *RedisBus) Subscribe(ctx context.Context, orgID string) (<-chan Event, error) {
	if orgID == "" {
		return nil, errors.New("notify: org_id required")
	}
	sub := b.rdb.Subscribe(ctx, channelFor(orgID))
	// Receive blocks until the subscription is confirmed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("notify: subscribe: %w", err)
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var e Event
				if err := json.Unmarshal([]byte(m.Payload), &e); err != nil {
					logger.From(ctx).Warn("notify: bad event payload", "err", err)
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// MemoryBus is an in-process Publisher/Subscriber for tests and single-node dev.
// It also records every published event.
type MemoryBus struct {
	mu     sync.Mutex
	events []Event
	subs   map[string][]chan Event
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: map[string][]chan Event{}}
}

func (b *MemoryBus) Publish(ctx context.Context, orgID string, e Event) {
	e.OrgID = orgID
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	for _, ch := range b.subs[orgID] {
		select {
		case ch <- e:
		default:
			// Slow subscriber; drop.
		}
	}
}

func (b *MemoryBus) Subscribe(ctx context.Context, orgID string) (<-chan Event, error) {
	if orgID == "" {
		return nil, errors.New("notify: org_id required")
	}
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.subs[orgID] = append(b.subs[orgID], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[orgID]
		for i, c := range list {
			if c == ch {
				b.subs[orgID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// Events returns a copy of everything published so far.
func (b *MemoryBus) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// Kinds returns the kinds published so far, in order.
func (b *MemoryBus) Kinds() []Kind {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Kind, 0, len(b.events))
	for _, e := range b.events {
		out = append(out, e.Kind)
	}
	return out
}
