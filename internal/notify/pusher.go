package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"pkt.systems/pslog"

	"matchlock/internal/model"
	"matchlock/internal/obs"
)

// Pusher hands one notification to the push transport.
type Pusher interface {
	Push(ctx context.Context, n model.Notification) error
}

// WebhookPusher POSTs each notification as JSON to a push gateway. Any
// non-2xx answer is a failed attempt.
type WebhookPusher struct {
	URL    string
	Client *http.Client
}

func NewWebhookPusher(url string) *WebhookPusher {
	return &WebhookPusher{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookPayload struct {
	ID          string    `json:"id"`
	RecipientID string    `json:"recipient_id"`
	RequestID   string    `json:"request_id"`
	Kind        string    `json:"kind"`
	CreatedAt   time.Time `json:"created_at"`
	Attempt     int       `json:"attempt"`
}

func (p *WebhookPusher) Push(ctx context.Context, n model.Notification) error {
	body, err := json.Marshal(webhookPayload{
		ID:          n.ID,
		RecipientID: n.RecipientID,
		RequestID:   n.RequestID,
		Kind:        string(n.Kind),
		CreatedAt:   n.CreatedAt,
		Attempt:     n.Attempts + 1,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", n.ID)

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("push gateway returned %d", resp.StatusCode)
	}
	return nil
}

// LogPusher logs notifications instead of sending them.
type LogPusher struct {
	Logger pslog.Logger
}

func (p LogPusher) Push(_ context.Context, n model.Notification) error {
	obs.EnsureLogger(p.Logger).Info("notify.push.logged",
		"notification_id", n.ID,
		"recipient_id", n.RecipientID,
		"request_id", n.RequestID,
		"kind", n.Kind,
	)
	return nil
}
