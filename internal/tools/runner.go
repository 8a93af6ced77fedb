package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/crosslogic/metering/internal/config"
	"github.com/crosslogic/metering/pkg/models"
	"go.uber.org/zap"
)

const (
	maxAttempts      = 3
	baseRetryDelay   = 100 * time.Millisecond
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
	maxResponseBody  = 4 << 20
	maxInputLength   = 32 << 10
)

var (
	// ErrBackendUnavailable is returned while the backend circuit is open.
	ErrBackendUnavailable = errors.New("tool backend unavailable")
	// ErrEmptyInput is returned for blank tool input.
	ErrEmptyInput = errors.New("input is required")
	// ErrInputTooLong is returned for input over the accepted size.
	ErrInputTooLong = errors.New("input too long")
)

// BackendError is a non-success response from the model backend.
type BackendError struct {
	StatusCode int
	Body       string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Result is the output of one tool run.
type Result struct {
	ToolID           string        `json:"tool_id"`
	Model            string        `json:"model"`
	Content          string        `json:"content"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	Duration         time.Duration `json:"-"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Runner executes tools against an OpenAI-compatible chat completions
// backend. Transient failures are retried and repeated failures open a
// circuit that fails calls fast until the cooldown passes.
type Runner struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger

	mu           sync.Mutex
	failures     int
	lastFailTime time.Time
	state        string // "closed", "open", "half-open"
	now          func() time.Time
}

// NewRunner creates a runner for the configured backend
func NewRunner(cfg config.BackendConfig, logger *zap.Logger) *Runner {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
	}
	return &Runner{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout, Transport: transport},
		logger:  logger,
		state:   "closed",
		now:     time.Now,
	}
}

// Run sends input to the backend under the tool's system prompt.
func (r *Runner) Run(ctx context.Context, tool *models.Tool, input string) (*Result, error) {
	if strings.TrimSpace(input) == "" {
		return nil, ErrEmptyInput
	}
	if len(input) > maxInputLength {
		return nil, ErrInputTooLong
	}
	if !r.allow() {
		return nil, ErrBackendUnavailable
	}

	messages := make([]chatMessage, 0, 2)
	if tool.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: tool.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: input})
	body, err := json.Marshal(chatRequest{Model: tool.Model, Messages: messages, MaxTokens: tool.MaxTokens})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	start := time.Now()
	resp, err := r.executeWithRetry(ctx, body)
	if err != nil {
		// The caller walking away says nothing about backend health.
		if ctx.Err() == nil {
			r.recordFailure()
		}
		r.logger.Warn("tool backend call failed",
			zap.String("tool_id", tool.ID),
			zap.Error(err),
			zap.Duration("latency", time.Since(start)),
		)
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		r.recordFailure()
		return nil, fmt.Errorf("failed to read backend response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 {
			r.recordFailure()
		}
		return nil, &BackendError{StatusCode: resp.StatusCode, Body: truncate(string(data), 512)}
	}

	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		r.recordFailure()
		return nil, fmt.Errorf("failed to decode backend response: %w", err)
	}
	if len(out.Choices) == 0 {
		r.recordFailure()
		return nil, fmt.Errorf("backend response has no choices")
	}
	r.recordSuccess()

	model := out.Model
	if model == "" {
		model = tool.Model
	}
	return &Result{
		ToolID:           tool.ID,
		Model:            model,
		Content:          out.Choices[0].Message.Content,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
		Duration:         time.Since(start),
	}, nil
}

func (r *Runner) executeWithRetry(ctx context.Context, body []byte) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create backend request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if r.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+r.apiKey)
		}

		resp, err := r.client.Do(req)
		if err == nil && !isRetryableStatus(resp.StatusCode) {
			return resp, nil
		}
		if err != nil {
			if !isRetryableError(err) {
				return nil, err
			}
			lastErr = err
		} else {
			if attempt == maxAttempts-1 {
				return resp, nil
			}
			resp.Body.Close()
			lastErr = fmt.Errorf("HTTP %d response", resp.StatusCode)
		}

		if attempt < maxAttempts-1 {
			delay := time.Duration(attempt+1) * baseRetryDelay
			r.logger.Debug("retrying backend request",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe")
}

func isRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func (r *Runner) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == "open" {
		if r.now().Sub(r.lastFailTime) > breakerCooldown {
			r.state = "half-open"
			return true
		}
		return false
	}
	return true
}

func (r *Runner) recordFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
	r.lastFailTime = r.now()
	if r.state == "half-open" || r.failures >= breakerThreshold {
		if r.state != "open" {
			r.logger.Warn("tool backend circuit opened", zap.Int("failures", r.failures))
		}
		r.state = "open"
	}
}

func (r *Runner) recordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != "closed" {
		r.logger.Info("tool backend circuit closed")
	}
	r.state = "closed"
	r.failures = 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
