package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"campaign-platform/internal/metrics"
	"campaign-platform/internal/retry"
	"campaign-platform/pkg/logger"
)

// ErrDispatchFailed is returned once every local attempt has failed.
var ErrDispatchFailed = errors.New("dispatch: webhook delivery failed")

const (
	DefaultTimeout  = 10 * time.Second
	DefaultAttempts = 3
)

// Lead is one entry of the worker payload. Phone is plaintext.
type Lead struct {
	ID           string          `json:"lead_id"`
	Name         string          `json:"name"`
	Phone        string          `json:"phone"`
	CustomFields json.RawMessage `json:"custom_fields"`
}

// Payload is the body POSTed to the external worker.
type Payload struct {
	CampaignID     string `json:"campaign_id"`
	OrgID          string `json:"org_id"`
	AgentReference string `json:"agent_reference"`
	Leads          []Lead `json:"leads"`
}

// Sender POSTs campaign payloads to the worker endpoint, retrying locally with
// linear backoff. It owns no campaign state; callers apply the resulting
// transition.
type Sender struct {
	url     string
	client  *http.Client
	timeout time.Duration
	policy  retry.Policy
	sleep   retry.SleepFunc
}

type Option func(*Sender)

func WithHTTPClient(c *http.Client) Option { return func(s *Sender) { s.client = c } }

func WithTimeout(d time.Duration) Option {
	return func(s *Sender) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithSleep replaces the wait between attempts. Tests use it to skip real time.
func WithSleep(fn retry.SleepFunc) Option { return func(s *Sender) { s.sleep = fn } }

func NewSender(url string, opts ...Option) *Sender {
	s := &Sender{
		url:     url,
		client:  &http.Client{},
		timeout: DefaultTimeout,
		policy:  retry.Linear(time.Second, DefaultAttempts),
		sleep:   retry.Sleep,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Send delivers p, making at most DefaultAttempts POSTs. Any 2xx is success.
func (s *Sender) Send(ctx context.Context, p Payload) error {
	if p.Leads == nil {
		p.Leads = []Lead{}
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("dispatch: encode payload: %w", err)
	}

	log := logger.From(ctx).With("campaign_id", p.CampaignID, "org_id", p.OrgID)
	err = retry.Do(ctx, s.policy, s.sleep, func(ctx context.Context, attempt int) error {
		err := s.post(ctx, body)
		if err != nil {
			metrics.DispatchAttempts.WithLabelValues("error").Inc()
			log.Warn("webhook attempt failed", "attempt", attempt, "err", err)
			return err
		}
		metrics.DispatchAttempts.WithLabelValues("ok").Inc()
		log.Info("webhook delivered", "attempt", attempt, "leads", len(p.Leads))
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}
	return nil
}

func (s *Sender) post(ctx context.Context, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("worker responded %d", resp.StatusCode)
	}
	return nil
}
