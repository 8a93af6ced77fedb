package notifications

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

	"github.com/crosslogic/metering/pkg/events"
	"go.uber.org/zap"
)

// WebhookAdapter sends alerts to a generic webhook with an HMAC signature
type WebhookAdapter struct {
	url     string
	secret  string
	headers map[string]string
	client  *http.Client
	logger  *zap.Logger
}

// WebhookPayload is the body posted to generic webhooks
type WebhookPayload struct {
	EventID     string                 `json:"event_id"`
	EventType   string                 `json:"event_type"`
	Timestamp   string                 `json:"timestamp"`
	PrincipalID string                 `json:"principal_id,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// NewWebhookAdapter creates a new generic webhook adapter
func NewWebhookAdapter(url, secret string, headers map[string]string, timeout time.Duration, logger *zap.Logger) *WebhookAdapter {
	return &WebhookAdapter{
		url:     url,
		secret:  secret,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Name implements Channel.
func (w *WebhookAdapter) Name() string { return "webhook" }

// Send posts the event to the webhook
func (w *WebhookAdapter) Send(ctx context.Context, event events.Event) error {
	body, err := json.Marshal(WebhookPayload{
		EventID:     event.ID,
		EventType:   string(event.Type),
		Timestamp:   event.Timestamp.Format(time.RFC3339),
		PrincipalID: event.PrincipalID,
		Data:        event.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "metering-alerts/1.0")
	for key, value := range w.headers {
		req.Header.Set(key, value)
	}
	req.Header.Set("X-Metering-Event-Type", string(event.Type))
	req.Header.Set("X-Metering-Event-ID", event.ID)
	if w.secret != "" {
		req.Header.Set("X-Metering-Signature", Sign(body, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the signature header value for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by Sign. Receivers of alert
// webhooks use it.
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(signature), []byte(Sign(payload, secret)))
}
