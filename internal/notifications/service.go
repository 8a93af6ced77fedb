package notifications

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/crosslogic/metering/pkg/cache"
	"github.com/crosslogic/metering/pkg/events"
	"go.uber.org/zap"
)

// Channel is one alert destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, event events.Event) error
}

// alertEvents are the events operators are paged for.
var alertEvents = []events.EventType{
	events.EventStoreUnavailable,
	events.EventCommitDeadLetter,
	events.EventUsageReconciled,
}

// Service turns quota events into operator alerts.
type Service struct {
	config   *Config
	cache    *cache.Cache
	channels []Channel
	logger   *zap.Logger

	// local cooldown used when no cache is configured
	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time
}

// NewService creates the alert service. cacheClient may be nil, in which
// case cooldowns are tracked per process.
func NewService(config *Config, cacheClient *cache.Cache, logger *zap.Logger) *Service {
	s := &Service{
		config:   config,
		cache:    cacheClient,
		logger:   logger,
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
	if !config.Enabled {
		logger.Info("alerts are disabled")
		return s
	}

	if config.SlackWebhookURL != "" {
		s.channels = append(s.channels, NewSlackAdapter(config.SlackWebhookURL, config.SlackChannel, config.DeliveryTimeout, logger))
		logger.Info("slack alerts enabled", zap.String("webhook_url", maskURL(config.SlackWebhookURL)))
	}
	if config.WebhookURL != "" {
		s.channels = append(s.channels, NewWebhookAdapter(config.WebhookURL, config.WebhookSecret, config.WebhookHeaders, config.DeliveryTimeout, logger))
		logger.Info("webhook alerts enabled", zap.String("url", maskURL(config.WebhookURL)))
	}
	return s
}

// Subscribe registers the alert handler on bus.
func (s *Service) Subscribe(bus *events.Bus) {
	if !s.config.Enabled || len(s.channels) == 0 {
		return
	}
	for _, t := range alertEvents {
		bus.Subscribe(t, s.HandleEvent)
	}
}

// HandleEvent delivers event to every channel unless the same alert went
// out within the cooldown.
func (s *Service) HandleEvent(ctx context.Context, event events.Event) error {
	if !s.reserve(ctx, alertKey(event)) {
		suppressedTotal.WithLabelValues(string(event.Type)).Inc()
		return nil
	}

	var failed []string
	for _, ch := range s.channels {
		if err := s.deliver(ctx, ch, event); err != nil {
			s.logger.Error("alert delivery failed",
				zap.String("channel", ch.Name()),
				zap.String("event_type", string(event.Type)),
				zap.String("event_id", event.ID),
				zap.Error(err),
			)
			failed = append(failed, ch.Name())
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("alert %s not delivered to %s", event.ID, strings.Join(failed, ", "))
	}
	return nil
}

func (s *Service) deliver(ctx context.Context, ch Channel, event events.Event) error {
	var err error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := s.config.RetryBackoffBase * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		start := time.Now()
		err = ch.Send(ctx, event)
		if err == nil {
			recordDelivery(ch.Name(), string(event.Type), "success", time.Since(start))
			return nil
		}
		recordDelivery(ch.Name(), string(event.Type), "failure", time.Since(start))
	}
	return err
}

// reserve claims the cooldown slot for key. A cache error lets the alert
// through; a duplicate alert beats a missing one.
func (s *Service) reserve(ctx context.Context, key string) bool {
	if s.config.Cooldown <= 0 {
		return true
	}
	if s.cache != nil {
		ok, err := s.cache.SetNX(ctx, "alerts:cooldown:"+key, "1", s.config.Cooldown)
		if err == nil {
			return ok
		}
		s.logger.Warn("alert cooldown check failed", zap.Error(err))
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if last, ok := s.lastSent[key]; ok && now.Sub(last) < s.config.Cooldown {
		return false
	}
	s.lastSent[key] = now
	return true
}

// alertKey groups repeats of the same condition.
func alertKey(event events.Event) string {
	key := string(event.Type)
	if store, ok := event.Payload["store"].(string); ok {
		key += ":" + store
	}
	return key
}

// maskURL hides everything but the scheme and host of a webhook URL.
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "****"
	}
	return u.Scheme + "://" + u.Host + "/****"
}
