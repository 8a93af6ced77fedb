package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published
type EventType string

const (
	// Admission events
	EventRateLimited       EventType = "quota.rate_limited"
	EventDailyLimitReached EventType = "quota.daily_limit_reached"
	EventStoreUnavailable  EventType = "quota.store_unavailable"

	// Accounting events
	EventCommitFailed     EventType = "quota.commit_failed"
	EventCommitDeadLetter EventType = "quota.commit_dead_lettered"
	EventUsageReconciled  EventType = "quota.usage_reconciled"

	// Subscription events
	EventPlanChanged EventType = "plan.changed"
)

// Event represents a single event in the system
type Event struct {
	// ID is a unique identifier for this event (for idempotency)
	ID string

	Type      EventType
	Timestamp time.Time

	// PrincipalID is the metered identity the event concerns. Empty for
	// system events.
	PrincipalID string

	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload
func NewEvent(eventType EventType, principalID string, payload map[string]interface{}) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		PrincipalID: principalID,
		Payload:     payload,
	}
}
