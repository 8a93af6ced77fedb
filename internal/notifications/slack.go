package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/crosslogic/metering/pkg/events"
	"go.uber.org/zap"
)

// SlackAdapter sends alerts to Slack via incoming webhooks
type SlackAdapter struct {
	webhookURL string
	channel    string
	client     *http.Client
	logger     *zap.Logger
}

// SlackWebhookPayload represents a Slack webhook message
type SlackWebhookPayload struct {
	Channel  string       `json:"channel,omitempty"`
	Username string       `json:"username,omitempty"`
	Blocks   []SlackBlock `json:"blocks,omitempty"`
	Text     string       `json:"text,omitempty"` // Fallback text
}

// SlackBlock represents a Slack Block Kit block
type SlackBlock struct {
	Type   string            `json:"type"`
	Text   *SlackTextObject  `json:"text,omitempty"`
	Fields []SlackTextObject `json:"fields,omitempty"`
}

// SlackTextObject represents a text object in Slack
type SlackTextObject struct {
	Type string `json:"type"` // "plain_text" or "mrkdwn"
	Text string `json:"text"`
}

// NewSlackAdapter creates a new Slack alert adapter
func NewSlackAdapter(webhookURL, channel string, timeout time.Duration, logger *zap.Logger) *SlackAdapter {
	return &SlackAdapter{
		webhookURL: webhookURL,
		channel:    channel,
		client:     &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Name implements Channel.
func (s *SlackAdapter) Name() string { return "slack" }

// Send posts the event to Slack
func (s *SlackAdapter) Send(ctx context.Context, event events.Event) error {
	title := alertTitle(event.Type)
	body, err := json.Marshal(SlackWebhookPayload{
		Channel:  s.channel,
		Username: "Metering Alerts",
		Blocks:   s.formatEvent(title, event),
		Text:     title,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *SlackAdapter) formatEvent(title string, event events.Event) []SlackBlock {
	keys := make([]string, 0, len(event.Payload))
	for k := range event.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]SlackTextObject, 0, len(keys)+1)
	if event.PrincipalID != "" {
		fields = append(fields, SlackTextObject{Type: "mrkdwn", Text: "*principal_id*\n" + event.PrincipalID})
	}
	for _, k := range keys {
		fields = append(fields, SlackTextObject{Type: "mrkdwn", Text: fmt.Sprintf("*%s*\n%v", k, event.Payload[k])})
	}
	// Slack rejects sections with more than ten fields.
	if len(fields) > 10 {
		fields = fields[:10]
	}

	blocks := []SlackBlock{
		{Type: "header", Text: &SlackTextObject{Type: "plain_text", Text: title}},
	}
	if len(fields) > 0 {
		blocks = append(blocks, SlackBlock{Type: "section", Fields: fields})
	}
	blocks = append(blocks, SlackBlock{
		Type: "context",
		Text: &SlackTextObject{Type: "mrkdwn", Text: fmt.Sprintf("%s at %s", event.Type, event.Timestamp.Format(time.RFC3339))},
	})
	return blocks
}

func alertTitle(t events.EventType) string {
	switch t {
	case events.EventStoreUnavailable:
		return "Quota store unavailable, requests are being denied"
	case events.EventCommitDeadLetter:
		return "Usage commit dead-lettered"
	case events.EventUsageReconciled:
		return "Usage reconciliation pass finished"
	default:
		return string(t)
	}
}
