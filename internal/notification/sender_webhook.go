package notification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/erfinfo/efc-backup/internal/scheduler"
)

// webhookPayload is the JSON body sent to the webhook endpoint, shaped after
// the batch outcome rather than a generic notification envelope so a
// receiver can act on scheduleName/outcome/failed without parsing prose.
type webhookPayload struct {
	ScheduleName string            `json:"scheduleName"`
	Kind         string            `json:"kind"`
	Origin       string            `json:"origin"`
	Outcome      string            `json:"outcome"` // "success" or "failure"
	Succeeded    []string          `json:"succeeded,omitempty"`
	Failed       map[string]string `json:"failed,omitempty"`
	Title        string            `json:"title"`
	Body         string            `json:"body"`
	Timestamp    string            `json:"timestamp"`
}

// webhookSender delivers batch outcomes via an outbound HTTP POST,
// optionally HMAC-SHA256-signed when a secret is configured.
type webhookSender struct {
	client *http.Client
	loader func(ctx context.Context) (*WebhookConfig, error)
}

func newWebhookSender(loader func(ctx context.Context) (*WebhookConfig, error)) *webhookSender {
	return &webhookSender{
		client: &http.Client{Timeout: 10 * time.Second},
		loader: loader,
	}
}

// Send serializes the batch summary and POSTs it. Skipped silently if the
// webhook is unconfigured or disabled.
func (s *webhookSender) Send(ctx context.Context, summary scheduler.BatchSummary, title, body string) error {
	cfg, err := s.loader(ctx)
	if err != nil {
		if err == ErrConfigNotFound {
			return nil
		}
		return fmt.Errorf("%w: failed to load webhook config: %s", ErrSendFailed, err)
	}
	if !cfg.Enabled {
		return nil
	}

	outcome := "success"
	if summary.AnyFailed() {
		outcome = "failure"
	}

	data, err := json.Marshal(webhookPayload{
		ScheduleName: summary.ScheduleName,
		Kind:         string(summary.Kind),
		Origin:       summary.Origin,
		Outcome:      outcome,
		Succeeded:    summary.Succeeded,
		Failed:       summary.Failed,
		Title:        title,
		Body:         body,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("%w: failed to marshal webhook payload: %s", ErrSendFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: failed to build webhook request: %s", ErrSendFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "efc-backup-webhook/1.0")

	if cfg.Secret != "" {
		sig := hmacSHA256(data, cfg.Secret)
		req.Header.Set("X-EFC-Signature", "sha256="+sig)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: webhook request failed: %s", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: webhook returned non-2xx status %d", ErrSendFailed, resp.StatusCode)
	}
	return nil
}

func hmacSHA256(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
