package quota

import (
	"context"

	"github.com/crosslogic/metering/pkg/models"
)

// UsageStore is the durable home of day counters, lifetime counters and
// tool aggregates.
type UsageStore interface {
	// GetDailyQuota returns nil without error when the principal has never
	// been charged.
	GetDailyQuota(ctx context.Context, principalID string) (*DailyQuota, error)

	// CommitUsage applies a record atomically. Applying the same commit id
	// twice moves no counter and reports Duplicate.
	CommitUsage(ctx context.Context, rec *UsageCommitRecord) (*CommitResult, error)

	// GetToolStats returns nil without error for a tool that was never run.
	GetToolStats(ctx context.Context, toolID string) (*models.ToolStats, error)
}

// EffectiveDailyCount is the count a check must use for day: a record last
// charged on any other day counts as zero.
func EffectiveDailyCount(q *DailyQuota, day Day) int64 {
	if q == nil || q.LastActionDate != day {
		return 0
	}
	return q.DailyCount
}

// rollDaily applies one commit charged to day onto the stored counter.
//
//	stored == day   -> count+1
//	stored <  day   -> 1, day becomes the stored day
//	stored >  day   -> unchanged; a later day has already begun counting
func rollDaily(storedDay Day, storedCount int64, day Day) (Day, int64) {
	switch {
	case storedDay == day:
		return day, storedCount + 1
	case storedDay == "" || storedDay < day:
		return day, 1
	default:
		return storedDay, storedCount
	}
}
