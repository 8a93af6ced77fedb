package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/crosslogic/metering/pkg/cache"
	"github.com/crosslogic/metering/pkg/events"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

const (
	webhookProcessedTTL  = 24 * time.Hour
	webhookProcessingTTL = 5 * time.Minute

	// maxWebhookBody bounds the payload read from Stripe.
	maxWebhookBody = 64 << 10

	tierMetadataKey = "plan_tier"
)

// WebhookHandler applies Stripe subscription lifecycle events to principals.
//
// Subscription events decide which plan tier a principal is metered under
// and whether it may act at all:
// - customer.subscription.created and customer.subscription.updated set the
// tier and status from the subscription's price and state
// - customer.subscription.deleted drops the principal back to the free tier
//
// Every event is verified with Stripe's signature scheme before it is read.
// Events are deduplicated by Stripe event ID, in Redis when a cache is
// configured and in process memory otherwise. On success a plan.changed
// event is published so cached principals can be refreshed.
type WebhookHandler struct {
	// webhookSecret is the Stripe webhook signing secret used to verify event authenticity.
	webhookSecret string

	// principals receives the tier and status changes
	principals PrincipalStore

	// plans is used to recognise a tier named by a Stripe price
	plans *PlanResolver

	logger *zap.Logger

	// cache provides distributed idempotency tracking
	cache *cache.Cache

	eventBus events.Publisher

	// processedEvents tracks webhook IDs when no cache is configured.
	processedEvents map[string]time.Time

	mu sync.Mutex
}

// NewWebhookHandler creates a new Stripe webhook handler.
//
// cacheClient and eventBus may be nil. Without a cache, deduplication only
// spans this process.
//
// Example:
//
//	handler := NewWebhookHandler(cfg.Billing.StripeWebhookSecret, principals, plans, redisCache, logger, bus)
//	r.Post("/api/webhooks/stripe", handler.HandleWebhook)
func NewWebhookHandler(webhookSecret string, principals PrincipalStore, plans *PlanResolver, cacheClient *cache.Cache, logger *zap.Logger, eventBus events.Publisher) *WebhookHandler {
	return &WebhookHandler{
		webhookSecret:   webhookSecret,
		principals:      principals,
		plans:           plans,
		cache:           cacheClient,
		eventBus:        eventBus,
		logger:          logger,
		processedEvents: make(map[string]time.Time),
	}
}

// HandleWebhook processes incoming Stripe webhook events.
//
// HTTP Response Codes:
// - 200 OK: Event processed, already processed, or of a type we ignore
// - 400 Bad Request: Invalid request body or signature
// - 500 Internal Server Error: The principal update failed; Stripe retries
//
// Events naming a customer we do not know are acknowledged with 200 so
// Stripe stops redelivering them.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Error("failed to read webhook body", zap.Error(err))
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(body, signature, h.webhookSecret)
	if err != nil {
		h.logger.Warn("webhook signature verification failed", zap.Error(err))
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}

	lockAcquired, err := h.reserveEvent(ctx, event.ID)
	if err != nil {
		h.logger.Error("failed to reserve webhook event",
			zap.Error(err),
			zap.String("event_id", event.ID),
		)
		http.Error(w, "Failed to reserve event", http.StatusInternalServerError)
		return
	}
	if !lockAcquired {
		h.logger.Info("webhook event already in progress or processed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		w.WriteHeader(http.StatusOK)
		return
	}

	var handlerErr error
	defer func() {
		h.finalizeEvent(context.WithoutCancel(ctx), event.ID, handlerErr == nil)
	}()

	h.logger.Info("processing webhook event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.Time("created", time.Unix(event.Created, 0)),
	)

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		handlerErr = h.handleSubscriptionChanged(ctx, event, false)
	case "customer.subscription.deleted":
		handlerErr = h.handleSubscriptionChanged(ctx, event, true)
	default:
		h.logger.Info("ignoring webhook event type",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
	}

	if errors.Is(handlerErr, ErrPrincipalNotFound) {
		h.logger.Warn("webhook names unknown customer",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		handlerErr = nil
	}
	if handlerErr != nil {
		h.logger.Error("webhook event processing failed",
			zap.Error(handlerErr),
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		http.Error(w, "Event processing failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handleSubscriptionChanged applies a subscription to its principal.
//
// The tier is taken from the first item's price lookup key, then from the
// subscription's plan_tier metadata, and must name a configured plan. A
// deleted subscription always lands on the free tier with an active status,
// since the principal keeps free access after cancelling.
func (h *WebhookHandler) handleSubscriptionChanged(ctx context.Context, event stripe.Event, deleted bool) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return fmt.Errorf("subscription missing customer ID")
	}
	customerID := sub.Customer.ID

	tier := models.TierFree
	status := models.PrincipalActive
	if !deleted {
		tier = h.subscriptionTier(&sub)
		status = mapSubscriptionStatus(sub.Status)
	}

	principal, err := h.principals.UpdateSubscription(ctx, customerID, tier, status)
	if err != nil {
		return err
	}

	h.logger.Info("subscription applied",
		zap.String("principal_id", principal.ID.String()),
		zap.String("customer_id", customerID),
		zap.String("subscription_id", sub.ID),
		zap.String("plan_tier", principal.PlanTier),
		zap.String("status", string(principal.Status)),
	)

	if h.eventBus != nil {
		evt := events.NewEvent(events.EventPlanChanged, principal.ID.String(), map[string]interface{}{
			"customer_id":     customerID,
			"subscription_id": sub.ID,
			"plan_tier":       principal.PlanTier,
			"status":          string(principal.Status),
			"stripe_event":    string(event.Type),
		})
		if err := h.eventBus.Publish(ctx, evt); err != nil {
			h.logger.Error("failed to publish plan change", zap.Error(err))
		}
	}
	return nil
}

func (h *WebhookHandler) subscriptionTier(sub *stripe.Subscription) string {
	var candidates []string
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.Price != nil && item.Price.LookupKey != "" {
				candidates = append(candidates, item.Price.LookupKey)
				break
			}
		}
	}
	if tier := sub.Metadata[tierMetadataKey]; tier != "" {
		candidates = append(candidates, tier)
	}

	for _, tier := range candidates {
		if _, ok := h.plans.Tiers()[tier]; ok {
			return tier
		}
	}
	h.logger.Warn("subscription names no known plan tier, using free",
		zap.String("subscription_id", sub.ID),
		zap.Strings("candidates", candidates),
	)
	return models.TierFree
}

func (h *WebhookHandler) reserveEvent(ctx context.Context, eventID string) (bool, error) {
	if h.cache != nil {
		return h.cache.SetNX(ctx, h.redisKeyForEvent(eventID), "processing", webhookProcessingTTL)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanupExpiredEvents(time.Now())
	if _, exists := h.processedEvents[eventID]; exists {
		return false, nil
	}
	h.processedEvents[eventID] = time.Now()
	return true, nil
}

func (h *WebhookHandler) finalizeEvent(ctx context.Context, eventID string, success bool) {
	if h.cache != nil {
		key := h.redisKeyForEvent(eventID)
		if success {
			if err := h.cache.Set(ctx, key, "processed", webhookProcessedTTL); err != nil {
				h.logger.Warn("failed to persist webhook completion in cache",
					zap.String("event_id", eventID),
					zap.Error(err),
				)
			}
			return
		}
		if err := h.cache.Delete(ctx, key); err != nil {
			h.logger.Warn("failed to release webhook lock",
				zap.String("event_id", eventID),
				zap.Error(err),
			)
		}
		return
	}

	if !success {
		h.mu.Lock()
		delete(h.processedEvents, eventID)
		h.mu.Unlock()
	}
}

func (h *WebhookHandler) redisKeyForEvent(eventID string) string {
	return fmt.Sprintf("webhooks:stripe:%s", eventID)
}

func (h *WebhookHandler) cleanupExpiredEvents(now time.Time) {
	for id, ts := range h.processedEvents {
		if now.Sub(ts) > webhookProcessedTTL {
			delete(h.processedEvents, id)
		}
	}
}

// mapSubscriptionStatus maps a Stripe subscription status to a principal status.
//
// Trialing and active subscriptions may act. Anything awaiting payment is
// suspended, which blocks metered actions until Stripe reports it paid.
// A canceled subscription that has not been deleted yet keeps the principal
// active; the deletion event moves it to free.
func mapSubscriptionStatus(stripeStatus stripe.SubscriptionStatus) models.PrincipalStatus {
	switch stripeStatus {
	case stripe.SubscriptionStatusActive,
		stripe.SubscriptionStatusTrialing,
		stripe.SubscriptionStatusCanceled:
		return models.PrincipalActive
	case stripe.SubscriptionStatusPastDue,
		stripe.SubscriptionStatusUnpaid,
		stripe.SubscriptionStatusIncomplete,
		stripe.SubscriptionStatusIncompleteExpired:
		return models.PrincipalSuspended
	default:
		return models.PrincipalSuspended
	}
}
