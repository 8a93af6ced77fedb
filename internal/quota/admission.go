package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/crosslogic/metering/pkg/events"
	"github.com/crosslogic/metering/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Admitter combines the window counter and the daily tracker into one
// allow or deny decision.
type Admitter struct {
	windows   WindowCounter
	daily     *DailyTracker
	clock     *DayClock
	publisher events.Publisher
	logger    *zap.Logger
}

// NewAdmitter creates an admitter. publisher may be nil.
func NewAdmitter(windows WindowCounter, daily *DailyTracker, clock *DayClock, publisher events.Publisher, logger *zap.Logger) *Admitter {
	return &Admitter{
		windows:   windows,
		daily:     daily,
		clock:     clock,
		publisher: publisher,
		logger:    logger,
	}
}

// Admit decides whether principalID may perform one actionClass action.
//
// The window is consulted first and a window denial returns at once. When
// the window admits but the daily quota denies, the window slot is handed
// back. A store failure denies with reason rate_limit_unavailable and
// returns an error matching ErrRateLimitUnavailable.
func (a *Admitter) Admit(ctx context.Context, principalID, actionClass string, policy Policy) (*AdmissionResult, error) {
	if principalID == "" || actionClass == "" {
		return nil, invalidInput("principal id and action class are required")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	now := a.clock.Now()
	day := a.clock.Today(now)
	start := time.Now()

	result, err := a.admit(ctx, principalID, actionClass, policy, now, day)
	if result != nil {
		metrics.ObserveAdmission(actionClass, result.Allowed, result.Reason, time.Since(start).Seconds())
	}
	return result, err
}

func (a *Admitter) admit(ctx context.Context, principalID, actionClass string, policy Policy, now time.Time, day Day) (*AdmissionResult, error) {
	key := WindowKey(principalID, actionClass)

	res, err := a.windows.CheckAndReserve(ctx, key, policy.WindowLimit, policy.Window, now)
	if err != nil {
		return a.unavailable(ctx, principalID, actionClass, policy, "window", err), asUnavailable(err)
	}

	result := &AdmissionResult{
		WindowLimit:     policy.WindowLimit,
		WindowRemaining: res.Remaining,
		DailyLimit:      policy.DailyLimit,
	}

	if !res.Allowed {
		retry := ceilSeconds(res.ResetAt.Sub(now))
		result.Reason = ReasonRateLimited
		result.RetryAfterSeconds = &retry
		result.ResetAt = res.ResetAt
		result.Message = fmt.Sprintf("too many requests, retry in %d seconds", retry)

		a.logger.Info("admission denied by window",
			zap.String("principal_id", principalID),
			zap.String("action_class", actionClass),
			zap.Int64("count", res.Count),
			zap.Int64("limit", res.Limit),
		)
		a.publish(ctx, events.EventRateLimited, principalID, map[string]interface{}{
			"action_class":        actionClass,
			"retry_after_seconds": retry,
			"window_limit":        policy.WindowLimit,
			"reset_at":            res.ResetAt,
		})
		return result, nil
	}

	check, err := a.daily.CheckDaily(ctx, principalID, policy.DailyLimit, day)
	if err != nil {
		a.release(ctx, res, actionClass)
		return a.unavailable(ctx, principalID, actionClass, policy, "daily", err), asUnavailable(err)
	}

	if !check.Allowed {
		a.release(ctx, res, actionClass)

		midnight := a.clock.NextMidnight(now)
		result.Reason = ReasonDailyLimitReached
		result.WindowRemaining = res.Remaining + 1
		if policy.Blocked() {
			result.Message = "usage is blocked for this account"
		} else {
			retry := ceilSeconds(midnight.Sub(now))
			result.RetryAfterSeconds = &retry
			result.ResetAt = midnight
			result.Message = fmt.Sprintf("daily limit of %d reached, resets at midnight %s",
				policy.DailyLimit, a.clock.Location.String())
		}

		a.logger.Info("admission denied by daily quota",
			zap.String("principal_id", principalID),
			zap.String("action_class", actionClass),
			zap.Int64("daily_count", check.EffectiveCount),
			zap.Int64("daily_limit", policy.DailyLimit),
			zap.String("day", day.String()),
		)
		a.publish(ctx, events.EventDailyLimitReached, principalID, map[string]interface{}{
			"action_class": actionClass,
			"daily_limit":  policy.DailyLimit,
			"day":          day.String(),
		})
		return result, nil
	}

	result.Allowed = true
	// Remaining counts exclude the action being admitted.
	result.DailyRemaining = check.Remaining - 1
	result.Remaining = min(result.WindowRemaining, result.DailyRemaining)
	result.ResetAt = res.ResetAt
	result.Ticket = &Ticket{
		ID:          uuid.New(),
		PrincipalID: principalID,
		ActionClass: actionClass,
		Day:         day,
		AdmittedAt:  now,
		Reservation: res,
	}
	return result, nil
}

// release hands back a window slot after a later gate denied. A failed
// release only costs the principal one slot until the window resets.
func (a *Admitter) release(ctx context.Context, res *Reservation, actionClass string) {
	if err := a.windows.Release(ctx, res); err != nil {
		metrics.WindowReleases.WithLabelValues(actionClass, "error").Inc()
		a.logger.Warn("failed to release window reservation",
			zap.String("key", res.Key),
			zap.Error(err),
		)
		return
	}
	metrics.WindowReleases.WithLabelValues(actionClass, "released").Inc()
}

func (a *Admitter) unavailable(ctx context.Context, principalID, actionClass string, policy Policy, store string, err error) *AdmissionResult {
	metrics.StoreErrors.WithLabelValues(store, "admit").Inc()
	a.logger.Error("quota store unavailable, denying request",
		zap.String("principal_id", principalID),
		zap.String("action_class", actionClass),
		zap.String("store", store),
		zap.Error(err),
	)
	a.publish(ctx, events.EventStoreUnavailable, principalID, map[string]interface{}{
		"action_class": actionClass,
		"store":        store,
		"error":        err.Error(),
	})
	return &AdmissionResult{
		WindowLimit: policy.WindowLimit,
		DailyLimit:  policy.DailyLimit,
		Reason:      ReasonUnavailable,
		Message:     "usage limits cannot be verified right now, please retry shortly",
	}
}

func (a *Admitter) publish(ctx context.Context, eventType events.EventType, principalID string, payload map[string]interface{}) {
	if a.publisher == nil {
		return
	}
	if err := a.publisher.Publish(ctx, events.NewEvent(eventType, principalID, payload)); err != nil {
		a.logger.Warn("failed to publish event", zap.String("event_type", string(eventType)), zap.Error(err))
	}
}
