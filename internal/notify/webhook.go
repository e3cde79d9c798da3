package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// WebhookConfig configures a WebhookNotifier.
type WebhookConfig struct {
	DefaultURL string
	// URLs maps a workspace ID to its webhook; workspaces without an entry
	// use DefaultURL.
	URLs       map[string]string
	RatePerSec float64
	Burst      int
	Timeout    time.Duration
}

// WebhookNotifier POSTs notifications as JSON, rate limited per URL.
type WebhookNotifier struct {
	cfg    WebhookConfig
	client *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// webhookBody is the JSON document posted to the webhook.
type webhookBody struct {
	WorkspaceID string         `json:"workspace_id"`
	Event       Kind           `json:"event"`
	Payload     map[string]any `json:"payload"`
	Timestamp   time.Time      `json:"timestamp"`
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &WebhookNotifier{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		limiters: make(map[string]*rate.Limiter),
	}
}

// URLFor returns the webhook for workspaceID, or "" when none applies.
func (n *WebhookNotifier) URLFor(workspaceID string) string {
	if u, ok := n.cfg.URLs[workspaceID]; ok && u != "" {
		return u
	}
	return n.cfg.DefaultURL
}

func (n *WebhookNotifier) Notify(ctx context.Context, workspaceID string, kind Kind, payload map[string]any) error {
	url := n.URLFor(workspaceID)
	if url == "" {
		return nil
	}

	if lim := n.limiter(url); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	body, err := json.Marshal(webhookBody{
		WorkspaceID: workspaceID,
		Event:       kind,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

func (n *WebhookNotifier) limiter(url string) *rate.Limiter {
	if n.cfg.RatePerSec <= 0 {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	lim, ok := n.limiters[url]
	if !ok {
		burst := n.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(n.cfg.RatePerSec), burst)
		n.limiters[url] = lim
	}
	return lim
}
