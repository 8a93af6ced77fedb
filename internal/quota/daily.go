package quota

import (
	"context"
)

// DailyTracker answers whether a principal still has quota left for a day.
// It never writes; rollover happens when the next commit lands.
type DailyTracker struct {
	store UsageStore
}

// NewDailyTracker creates a tracker reading from store
func NewDailyTracker(store UsageStore) *DailyTracker {
	return &DailyTracker{store: store}
}

// CheckDaily evaluates dailyLimit against the principal's count for day.
// A limit of zero or less denies without touching the store.
func (d *DailyTracker) CheckDaily(ctx context.Context, principalID string, dailyLimit int64, day Day) (*DailyCheck, error) {
	if principalID == "" {
		return nil, invalidInput("principal id is required")
	}
	if dailyLimit <= 0 {
		return &DailyCheck{Allowed: false, Limit: dailyLimit}, nil
	}

	q, err := d.store.GetDailyQuota(ctx, principalID)
	if err != nil {
		return nil, unavailable("daily quota read failed", err)
	}

	effective := EffectiveDailyCount(q, day)
	check := &DailyCheck{
		Allowed:        effective < dailyLimit,
		Limit:          dailyLimit,
		EffectiveCount: effective,
	}
	if check.Allowed {
		check.Remaining = dailyLimit - effective
	}
	return check, nil
}
