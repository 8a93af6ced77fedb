package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crosslogic/metering/internal/config"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var summarize = &models.Tool{
	ID:           "summarize",
	Name:         "Summarize",
	Model:        "llama-3-8b",
	SystemPrompt: "Summarize the text in one sentence.",
	MaxTokens:    128,
	Enabled:      true,
}

func newTestRunner(t *testing.T, handler http.HandlerFunc) (*Runner, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	r := NewRunner(config.BackendConfig{BaseURL: srv.URL + "/", APIKey: "sk-test", Timeout: 5 * time.Second}, zap.NewNop())
	return r, &calls
}

func writeCompletion(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"model":"llama-3-8b","choices":[{"message":{"role":"assistant","content":"` + content + `"}}],"usage":{"prompt_tokens":12,"completion_tokens":7}}`))
}

func TestRunnerRun(t *testing.T) {
	r, calls := newTestRunner(t, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "/v1/chat/completions", req.URL.Path)
		assert.Equal(t, "Bearer sk-test", req.Header.Get("Authorization"))

		var body chatRequest
		assert.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "llama-3-8b", body.Model)
		assert.Equal(t, 128, body.MaxTokens)
		if assert.Len(t, body.Messages, 2) {
			assert.Equal(t, "system", body.Messages[0].Role)
			assert.Equal(t, summarize.SystemPrompt, body.Messages[0].Content)
			assert.Equal(t, "long text", body.Messages[1].Content)
		}

		writeCompletion(w, "short text")
	})

	res, err := r.Run(context.Background(), summarize, "long text")
	require.NoError(t, err)
	assert.Equal(t, "short text", res.Content)
	assert.Equal(t, "summarize", res.ToolID)
	assert.Equal(t, 12, res.PromptTokens)
	assert.Equal(t, 7, res.CompletionTokens)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunnerRetriesTransientStatus(t *testing.T) {
	var n atomic.Int32
	r, calls := newTestRunner(t, func(w http.ResponseWriter, req *http.Request) {
		if n.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeCompletion(w, "ok")
	})

	res, err := r.Run(context.Background(), summarize, "text")
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRunnerClientErrorIsNotRetried(t *testing.T) {
	r, calls := newTestRunner(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad model"}`))
	})

	_, err := r.Run(context.Background(), summarize, "text")
	var backendErr *BackendError
	require.True(t, errors.As(err, &backendErr))
	assert.Equal(t, http.StatusBadRequest, backendErr.StatusCode)
	assert.Contains(t, backendErr.Body, "bad model")
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunnerCircuitOpensAndRecovers(t *testing.T) {
	var healthy atomic.Bool
	r, calls := newTestRunner(t, func(w http.ResponseWriter, req *http.Request) {
		if healthy.Load() {
			writeCompletion(w, "ok")
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	})
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	for i := 0; i < breakerThreshold; i++ {
		_, err := r.Run(context.Background(), summarize, "text")
		require.Error(t, err)
	}
	require.Equal(t, int32(breakerThreshold), calls.Load())

	_, err := r.Run(context.Background(), summarize, "text")
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Equal(t, int32(breakerThreshold), calls.Load(), "open circuit must not reach the backend")

	now = now.Add(breakerCooldown + time.Second)
	healthy.Store(true)
	res, err := r.Run(context.Background(), summarize, "text")
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Content)
	assert.Equal(t, "closed", r.state)
}

func TestRunnerRejectsBadInput(t *testing.T) {
	r, calls := newTestRunner(t, func(w http.ResponseWriter, req *http.Request) {
		writeCompletion(w, "ok")
	})

	_, err := r.Run(context.Background(), summarize, "   ")
	assert.ErrorIs(t, err, ErrEmptyInput)

	big := make([]byte, maxInputLength+1)
	for i := range big {
		big[i] = 'a'
	}
	_, err = r.Run(context.Background(), summarize, string(big))
	assert.ErrorIs(t, err, ErrInputTooLong)
	assert.Zero(t, calls.Load())
}
