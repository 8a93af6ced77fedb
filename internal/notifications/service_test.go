package notifications

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/crosslogic/metering/internal/config"
	"github.com/crosslogic/metering/pkg/cache"
	"github.com/crosslogic/metering/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type receiver struct {
	mu       sync.Mutex
	bodies   [][]byte
	headers  []http.Header
	failNext atomic.Int32
}

func (r *receiver) handler(w http.ResponseWriter, req *http.Request) {
	if r.failNext.Load() > 0 {
		r.failNext.Add(-1)
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	r.bodies = append(r.bodies, body)
	r.headers = append(r.headers, req.Header.Clone())
	r.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (r *receiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func newReceiver(t *testing.T) (*receiver, string) {
	t.Helper()
	r := &receiver{}
	srv := httptest.NewServer(http.HandlerFunc(r.handler))
	t.Cleanup(srv.Close)
	return r, srv.URL
}

func testConfig() *Config {
	return &Config{
		Enabled:          true,
		Cooldown:         time.Minute,
		MaxRetries:       2,
		RetryBackoffBase: time.Millisecond,
		DeliveryTimeout:  time.Second,
	}
}

func outageEvent() events.Event {
	return events.NewEvent(events.EventStoreUnavailable, "principal-1", map[string]interface{}{
		"action_class": "ai-request",
		"store":        "window",
		"error":        "connection refused",
	})
}

func TestWebhookAlertIsSigned(t *testing.T) {
	rec, url := newReceiver(t)
	cfg := testConfig()
	cfg.WebhookURL = url
	cfg.WebhookSecret = "whsec"
	svc := NewService(cfg, nil, zap.NewNop())

	event := outageEvent()
	require.NoError(t, svc.HandleEvent(context.Background(), event))
	require.Equal(t, 1, rec.count())

	body := rec.bodies[0]
	assert.True(t, VerifySignature(body, rec.headers[0].Get("X-Metering-Signature"), "whsec"))
	assert.False(t, VerifySignature(body, rec.headers[0].Get("X-Metering-Signature"), "other"))
	assert.Equal(t, string(events.EventStoreUnavailable), rec.headers[0].Get("X-Metering-Event-Type"))

	var payload WebhookPayload
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, event.ID, payload.EventID)
	assert.Equal(t, "principal-1", payload.PrincipalID)
	assert.Equal(t, "window", payload.Data["store"])
}

func TestSlackAlertFormatsPayload(t *testing.T) {
	rec, url := newReceiver(t)
	cfg := testConfig()
	cfg.SlackWebhookURL = url
	cfg.SlackChannel = "#ops"
	svc := NewService(cfg, nil, zap.NewNop())

	require.NoError(t, svc.HandleEvent(context.Background(), outageEvent()))
	require.Equal(t, 1, rec.count())

	var msg SlackWebhookPayload
	require.NoError(t, json.Unmarshal(rec.bodies[0], &msg))
	assert.Equal(t, "#ops", msg.Channel)
	assert.Equal(t, "Quota store unavailable, requests are being denied", msg.Text)
	require.Len(t, msg.Blocks, 3)
	assert.Equal(t, "header", msg.Blocks[0].Type)
	assert.Len(t, msg.Blocks[1].Fields, 4)
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	rec, url := newReceiver(t)
	cfg := testConfig()
	cfg.WebhookURL = url
	svc := NewService(cfg, nil, zap.NewNop())
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.HandleEvent(ctx, outageEvent()))
	}
	assert.Equal(t, 1, rec.count())

	// A different store is a different alert.
	daily := outageEvent()
	daily.Payload["store"] = "daily"
	require.NoError(t, svc.HandleEvent(ctx, daily))
	assert.Equal(t, 2, rec.count())

	now = now.Add(time.Minute + time.Second)
	require.NoError(t, svc.HandleEvent(ctx, outageEvent()))
	assert.Equal(t, 3, rec.count())
}

func TestCooldownSharedThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	c, err := cache.NewCache(config.RedisConfig{Host: mr.Host(), Port: port})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	rec, url := newReceiver(t)
	cfg := testConfig()
	cfg.WebhookURL = url
	first := NewService(cfg, c, zap.NewNop())
	second := NewService(cfg, c, zap.NewNop())

	ctx := context.Background()
	require.NoError(t, first.HandleEvent(ctx, outageEvent()))
	require.NoError(t, second.HandleEvent(ctx, outageEvent()))
	assert.Equal(t, 1, rec.count())

	mr.FastForward(2 * time.Minute)
	require.NoError(t, second.HandleEvent(ctx, outageEvent()))
	assert.Equal(t, 2, rec.count())
}

func TestDeliveryRetries(t *testing.T) {
	rec, url := newReceiver(t)
	cfg := testConfig()
	cfg.WebhookURL = url
	svc := NewService(cfg, nil, zap.NewNop())

	rec.failNext.Store(2)
	require.NoError(t, svc.HandleEvent(context.Background(), outageEvent()))
	assert.Equal(t, 1, rec.count())
}

func TestDeliveryGivesUp(t *testing.T) {
	rec, url := newReceiver(t)
	cfg := testConfig()
	cfg.WebhookURL = url
	svc := NewService(cfg, nil, zap.NewNop())

	rec.failNext.Store(10)
	err := svc.HandleEvent(context.Background(), outageEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook")
	assert.Equal(t, int32(7), rec.failNext.Load())
}

func TestSubscribeRoutesAlertEvents(t *testing.T) {
	rec, url := newReceiver(t)
	cfg := testConfig()
	cfg.WebhookURL = url
	svc := NewService(cfg, nil, zap.NewNop())
	bus := events.NewBus(zap.NewNop())
	svc.Subscribe(bus)

	ctx := context.Background()
	require.NoError(t, bus.PublishAndWait(ctx, events.NewEvent(events.EventCommitDeadLetter, "p-1", map[string]interface{}{"commit_id": "c-1"})))
	require.NoError(t, bus.PublishAndWait(ctx, events.NewEvent(events.EventRateLimited, "p-1", nil)))
	assert.Equal(t, 1, rec.count())
}

func TestDisabledServiceSubscribesNothing(t *testing.T) {
	rec, url := newReceiver(t)
	cfg := testConfig()
	cfg.Enabled = false
	cfg.WebhookURL = url
	bus := events.NewBus(zap.NewNop())
	NewService(cfg, nil, zap.NewNop()).Subscribe(bus)

	require.NoError(t, bus.PublishAndWait(context.Background(), outageEvent()))
	assert.Equal(t, 0, rec.count())
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, (&Config{}).Validate())
	assert.Error(t, (&Config{Enabled: true}).Validate())
	assert.NoError(t, (&Config{Enabled: true, SlackWebhookURL: "https://hooks.slack.com/x"}).Validate())
}

func TestMaskURL(t *testing.T) {
	assert.Equal(t, "https://hooks.slack.com/****", maskURL("https://hooks.slack.com/services/T000/B000/XXXX"))
	assert.Equal(t, "****", maskURL("not a url"))
}
