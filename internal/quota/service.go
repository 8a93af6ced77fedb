package quota

import (
	"context"
	"time"

	"github.com/crosslogic/metering/pkg/events"
	"github.com/crosslogic/metering/pkg/models"
	"go.uber.org/zap"
)

// Options wires a Service.
type Options struct {
	Windows       WindowCounter
	Store         UsageStore
	Clock         *DayClock
	Retrier       *CommitRetrier
	Publisher     events.Publisher
	CommitTimeout time.Duration
	Logger        *zap.Logger
}

// Usage is a read-only view of a principal's standing for one action class.
type Usage struct {
	PrincipalID     string    `json:"principal_id"`
	ActionClass     string    `json:"action_class"`
	Day             Day       `json:"day"`
	WindowCount     int64     `json:"window_count"`
	WindowLimit     int64     `json:"window_limit"`
	WindowRemaining int64     `json:"window_remaining"`
	WindowResetAt   time.Time `json:"window_reset_at"`
	DailyCount      int64     `json:"daily_count"`
	DailyLimit      int64     `json:"daily_limit"`
	DailyRemaining  int64     `json:"daily_remaining"`
	DailyResetAt    time.Time `json:"daily_reset_at"`
	LifetimeCount   int64     `json:"lifetime_count"`
}

// Service is the entry point the HTTP layer and the CLI use.
type Service struct {
	admitter  *Admitter
	committer *Committer
	windows   WindowCounter
	store     UsageStore
	clock     *DayClock
	retrier   *CommitRetrier
}

// NewService builds the admission and commit paths from opts.
func NewService(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = NewDayClock(time.UTC, nil)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	var retrier Retrier
	if opts.Retrier != nil {
		retrier = opts.Retrier
	}

	return &Service{
		admitter:  NewAdmitter(opts.Windows, NewDailyTracker(opts.Store), opts.Clock, opts.Publisher, opts.Logger),
		committer: NewCommitter(opts.Store, retrier, opts.Clock, opts.CommitTimeout, opts.Publisher, opts.Logger),
		windows:   opts.Windows,
		store:     opts.Store,
		clock:     opts.Clock,
		retrier:   opts.Retrier,
	}
}

// Admit decides a single attempt. See Admitter.Admit.
func (s *Service) Admit(ctx context.Context, principalID, actionClass string, policy Policy) (*AdmissionResult, error) {
	return s.admitter.Admit(ctx, principalID, actionClass, policy)
}

// Commit records usage for an admitted attempt. See Committer.Commit.
func (s *Service) Commit(ctx context.Context, ticket *Ticket, outcome Outcome) (*CommitResult, error) {
	return s.committer.Commit(ctx, ticket, outcome)
}

// Release hands back the window slot of an admitted attempt that will not
// run at all.
func (s *Service) Release(ctx context.Context, ticket *Ticket) error {
	if ticket == nil {
		return nil
	}
	return s.windows.Release(ctx, ticket.Reservation)
}

// Throttle reserves one slot in subject's burst window for actionClass
// without consulting or charging any daily quota. It guards actions that
// are not metered usage, such as authentication attempts.
func (s *Service) Throttle(ctx context.Context, subject, actionClass string, limit int64, window time.Duration) (*Reservation, error) {
	if subject == "" || actionClass == "" {
		return nil, invalidInput("subject and action class are required")
	}
	if limit <= 0 || window <= 0 {
		return nil, invalidInput("throttle limit and window must be positive")
	}
	res, err := s.windows.CheckAndReserve(ctx, WindowKey(subject, actionClass), limit, window, s.clock.Now())
	if err != nil {
		return nil, asUnavailable(err)
	}
	return res, nil
}

// ReleaseReservation hands back a slot taken by Throttle. Denied
// reservations hold no slot and are ignored.
func (s *Service) ReleaseReservation(ctx context.Context, res *Reservation) error {
	if res == nil || !res.Allowed {
		return nil
	}
	return s.windows.Release(ctx, res)
}

// Usage reports the principal's current window and daily standing without
// changing either.
func (s *Service) Usage(ctx context.Context, principalID, actionClass string, policy Policy) (*Usage, error) {
	if principalID == "" || actionClass == "" {
		return nil, invalidInput("principal id and action class are required")
	}

	now := s.clock.Now()
	day := s.clock.Today(now)

	rw, err := s.windows.Peek(ctx, WindowKey(principalID, actionClass), policy.Window, now)
	if err != nil {
		return nil, asUnavailable(err)
	}
	q, err := s.store.GetDailyQuota(ctx, principalID)
	if err != nil {
		return nil, unavailable("daily quota read failed", err)
	}

	u := &Usage{
		PrincipalID:   principalID,
		ActionClass:   actionClass,
		Day:           day,
		WindowCount:   rw.Count,
		WindowLimit:   policy.WindowLimit,
		WindowResetAt: rw.ResetAt(),
		DailyCount:    EffectiveDailyCount(q, day),
		DailyLimit:    policy.DailyLimit,
		DailyResetAt:  s.clock.NextMidnight(now),
	}
	if q != nil {
		u.LifetimeCount = q.LifetimeCount
	}
	u.WindowRemaining = max(0, policy.WindowLimit-u.WindowCount)
	u.DailyRemaining = max(0, policy.DailyLimit-u.DailyCount)
	return u, nil
}

// ResetWindow clears the burst window of one action class.
func (s *Service) ResetWindow(ctx context.Context, principalID, actionClass string) error {
	if principalID == "" || actionClass == "" {
		return invalidInput("principal id and action class are required")
	}
	return s.windows.Reset(ctx, WindowKey(principalID, actionClass))
}

// ToolStats returns the aggregate statistics for a tool.
func (s *Service) ToolStats(ctx context.Context, toolID string) (*models.ToolStats, error) {
	stats, err := s.store.GetToolStats(ctx, toolID)
	if err != nil {
		return nil, unavailable("tool stats read failed", err)
	}
	if stats == nil {
		stats = &models.ToolStats{ToolID: toolID}
	}
	return stats, nil
}

// DeadLetters reports how many commits await reconciliation.
func (s *Service) DeadLetters(ctx context.Context) (int64, error) {
	if s.retrier == nil {
		return 0, nil
	}
	return s.retrier.DeadLetterCount(ctx)
}

// Reconcile replays dead-lettered commits now.
func (s *Service) Reconcile(ctx context.Context) (*ReplayReport, error) {
	if s.retrier == nil {
		return &ReplayReport{}, nil
	}
	return s.retrier.Replay(ctx)
}

// Clock exposes the day clock so callers render reset times consistently.
func (s *Service) Clock() *DayClock {
	return s.clock
}
