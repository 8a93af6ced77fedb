package quota

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Denial reasons carried by AdmissionResult.
const (
	ReasonRateLimited       = "rate_limited"
	ReasonDailyLimitReached = "daily_limit_reached"
	ReasonUnavailable       = "rate_limit_unavailable"
)

// ActionAIRequest is the action class for metered AI tool invocations.
const ActionAIRequest = "ai-request"

// ActionAuthAttempt is the action class for failed authentication bursts.
const ActionAuthAttempt = "auth-attempt"

// Policy bundles the limits one principal is held to for an action class.
type Policy struct {
	WindowLimit int64         `json:"window_limit"`
	Window      time.Duration `json:"window"`
	// DailyLimit <= 0 blocks the principal entirely.
	DailyLimit int64 `json:"daily_limit"`
}

// Validate rejects policies the window counter cannot enforce.
func (p Policy) Validate() error {
	if p.WindowLimit <= 0 {
		return invalidInput("window limit must be positive, got %d", p.WindowLimit)
	}
	if p.Window <= 0 {
		return invalidInput("window duration must be positive, got %s", p.Window)
	}
	return nil
}

// Blocked reports whether the policy denies every action.
func (p Policy) Blocked() bool {
	return p.DailyLimit <= 0
}

// RateWindow is the stored state of one fixed window.
type RateWindow struct {
	Key         string        `json:"key"`
	Count       int64         `json:"count"`
	WindowStart time.Time     `json:"window_start"`
	Window      time.Duration `json:"window"`
	Limit       int64         `json:"limit"`
}

// ResetAt is the instant the window expires.
func (w *RateWindow) ResetAt() time.Time {
	return w.WindowStart.Add(w.Window)
}

// Reservation is the outcome of CheckAndReserve. When Allowed, one slot of
// the window identified by Key and WindowStart belongs to the caller until
// it is committed or released.
type Reservation struct {
	Key         string    `json:"key"`
	Allowed     bool      `json:"allowed"`
	Count       int64     `json:"count"`
	Limit       int64     `json:"limit"`
	Remaining   int64     `json:"remaining"`
	WindowStart time.Time `json:"window_start"`
	ResetAt     time.Time `json:"reset_at"`
}

// DailyQuota is the stored per-principal day counter.
type DailyQuota struct {
	PrincipalID    string    `json:"principal_id"`
	DailyCount     int64     `json:"daily_count"`
	LastActionDate Day       `json:"last_action_date"`
	LifetimeCount  int64     `json:"lifetime_count"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DailyCheck is the read-only answer of the daily tracker.
type DailyCheck struct {
	Allowed        bool  `json:"allowed"`
	Limit          int64 `json:"limit"`
	Remaining      int64 `json:"remaining"`
	EffectiveCount int64 `json:"effective_count"`
}

// AdmissionResult is produced fresh for every admission attempt.
type AdmissionResult struct {
	Allowed         bool  `json:"allowed"`
	Remaining       int64 `json:"remaining"`
	WindowLimit     int64 `json:"window_limit"`
	WindowRemaining int64 `json:"window_remaining"`
	DailyLimit      int64 `json:"daily_limit"`
	DailyRemaining  int64 `json:"daily_remaining"`
	// RetryAfterSeconds is nil when waiting will not help.
	RetryAfterSeconds *int64    `json:"retry_after_seconds"`
	Reason            string    `json:"reason,omitempty"`
	Message           string    `json:"message,omitempty"`
	ResetAt           time.Time `json:"reset_at"`

	// Ticket is set only for admitted attempts and must be handed to Commit.
	Ticket *Ticket `json:"-"`
}

// Err maps a denial to its typed error. It returns nil for admitted results.
func (r *AdmissionResult) Err() error {
	if r == nil || r.Allowed {
		return nil
	}
	switch r.Reason {
	case ReasonRateLimited:
		return &QuotaError{Code: CodeRateLimitExceeded, Message: r.Message}
	case ReasonDailyLimitReached:
		return &QuotaError{Code: CodeDailyQuotaExceeded, Message: r.Message}
	default:
		return &QuotaError{Code: CodeRateLimitUnavailable, Message: r.Message}
	}
}

// Ticket links an admission to the commit that follows it. The day is
// frozen at admission so the commit charges the same calendar day the
// check was made against.
type Ticket struct {
	ID          uuid.UUID    `json:"id"`
	PrincipalID string       `json:"principal_id"`
	ActionClass string       `json:"action_class"`
	Day         Day          `json:"day"`
	AdmittedAt  time.Time    `json:"admitted_at"`
	Reservation *Reservation `json:"reservation,omitempty"`
}

// Outcome describes how the metered action ended. Failed actions consume
// quota like successful ones.
type Outcome struct {
	ToolID   string        `json:"tool_id,omitempty"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// UsageCommitRecord is the payload of one usage commit transaction.
type UsageCommitRecord struct {
	CommitID    uuid.UUID `json:"commit_id"`
	PrincipalID string    `json:"principal_id"`
	ActionClass string    `json:"action_class"`
	ToolID      string    `json:"tool_id,omitempty"`
	Day         Day       `json:"day"`
	Success     bool      `json:"success"`
	DurationMs  int64     `json:"duration_ms"`
	Error       string    `json:"error,omitempty"`
	CommittedAt time.Time `json:"committed_at"`
	Attempts    int       `json:"attempts"`
}

// NewCommitRecord builds the record for an admitted ticket. The ticket id
// doubles as the commit id so retries of the same action are deduplicated.
func NewCommitRecord(ticket *Ticket, outcome Outcome, now time.Time) *UsageCommitRecord {
	return &UsageCommitRecord{
		CommitID:    ticket.ID,
		PrincipalID: ticket.PrincipalID,
		ActionClass: ticket.ActionClass,
		ToolID:      outcome.ToolID,
		Day:         ticket.Day,
		Success:     outcome.Success,
		DurationMs:  outcome.Duration.Milliseconds(),
		Error:       outcome.Error,
		CommittedAt: now,
	}
}

func (r *UsageCommitRecord) validate() error {
	if r.CommitID == uuid.Nil {
		return invalidInput("commit id is required")
	}
	if r.PrincipalID == "" {
		return invalidInput("principal id is required")
	}
	if _, err := ParseDay(string(r.Day)); err != nil {
		return err
	}
	return nil
}

// CommitResult reports the counters after a commit.
type CommitResult struct {
	DailyCount      int64   `json:"daily_count"`
	LastActionDate  Day     `json:"last_action_date"`
	LifetimeCount   int64   `json:"lifetime_count"`
	ToolAvgMs       float64 `json:"tool_avg_ms,omitempty"`
	ToolInvocations int64   `json:"tool_invocations,omitempty"`
	// Duplicate is true when the commit id had already been applied and no
	// counter moved.
	Duplicate bool `json:"duplicate"`
}

// WindowKey names the window counter for a principal and action class.
func WindowKey(principalID, actionClass string) string {
	return fmt.Sprintf("%s:%s", principalID, actionClass)
}
