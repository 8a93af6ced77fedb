package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/metering/pkg/database"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/jackc/pgx/v5"
)

// upsertDailySQL charges one action to $2. The CASE mirrors rollDaily: a
// row already on a later day keeps its day counter and only the lifetime
// counter moves.
const upsertDailySQL = `
INSERT INTO daily_quotas (principal_id, daily_count, last_action_date, lifetime_count, updated_at)
VALUES ($1, 1, $2, 1, $3)
ON CONFLICT (principal_id) DO UPDATE SET
    daily_count = CASE
        WHEN daily_quotas.last_action_date = EXCLUDED.last_action_date THEN daily_quotas.daily_count + 1
        WHEN daily_quotas.last_action_date < EXCLUDED.last_action_date THEN 1
        ELSE daily_quotas.daily_count
    END,
    last_action_date = GREATEST(daily_quotas.last_action_date, EXCLUDED.last_action_date),
    lifetime_count = daily_quotas.lifetime_count + 1,
    updated_at = EXCLUDED.updated_at
RETURNING daily_count, last_action_date, lifetime_count
`

const insertUsageEventSQL = `
INSERT INTO usage_events (commit_id, principal_id, action_class, tool_id, usage_date, success, duration_ms, error, committed_at)
VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, NULLIF($8, ''), $9)
ON CONFLICT (commit_id) DO NOTHING
`

// PostgresStore keeps usage counters in PostgreSQL. Each commit is one
// transaction, so the audit row, the day counter and the tool aggregate
// either all move or none do.
type PostgresStore struct {
	db *database.Database
}

// NewPostgresStore creates a usage store on db
func NewPostgresStore(db *database.Database) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetDailyQuota implements UsageStore.
func (s *PostgresStore) GetDailyQuota(ctx context.Context, principalID string) (*DailyQuota, error) {
	var (
		q    = DailyQuota{PrincipalID: principalID}
		date time.Time
	)
	err := s.db.Pool.QueryRow(ctx, `
		SELECT daily_count, last_action_date, lifetime_count, updated_at
		FROM daily_quotas
		WHERE principal_id = $1
	`, principalID).Scan(&q.DailyCount, &date, &q.LifetimeCount, &q.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load daily quota: %w", err)
	}
	q.LastActionDate = DayFromDate(date)
	return &q, nil
}

// CommitUsage implements UsageStore.
func (s *PostgresStore) CommitUsage(ctx context.Context, rec *UsageCommitRecord) (*CommitResult, error) {
	if err := rec.validate(); err != nil {
		return nil, err
	}

	res := &CommitResult{}
	err := s.db.RunInTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, insertUsageEventSQL,
			rec.CommitID, rec.PrincipalID, rec.ActionClass, rec.ToolID, rec.Day.Date(),
			rec.Success, rec.DurationMs, rec.Error, rec.CommittedAt)
		if err != nil {
			return fmt.Errorf("failed to record usage event: %w", err)
		}

		if tag.RowsAffected() == 0 {
			res.Duplicate = true
			return s.readDaily(ctx, tx, rec.PrincipalID, res)
		}

		var date time.Time
		if err := tx.QueryRow(ctx, upsertDailySQL, rec.PrincipalID, rec.Day.Date(), rec.CommittedAt).
			Scan(&res.DailyCount, &date, &res.LifetimeCount); err != nil {
			return fmt.Errorf("failed to update daily quota: %w", err)
		}
		res.LastActionDate = DayFromDate(date)

		if rec.ToolID == "" {
			return nil
		}
		return s.updateToolStats(ctx, tx, rec, res)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *PostgresStore) readDaily(ctx context.Context, tx pgx.Tx, principalID string, res *CommitResult) error {
	var date time.Time
	err := tx.QueryRow(ctx, `
		SELECT daily_count, last_action_date, lifetime_count
		FROM daily_quotas
		WHERE principal_id = $1
	`, principalID).Scan(&res.DailyCount, &date, &res.LifetimeCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load daily quota: %w", err)
	}
	res.LastActionDate = DayFromDate(date)
	return nil
}

// updateToolStats locks the tool row and folds the commit's duration into
// the running average.
func (s *PostgresStore) updateToolStats(ctx context.Context, tx pgx.Tx, rec *UsageCommitRecord, res *CommitResult) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO tool_stats (tool_id) VALUES ($1)
		ON CONFLICT (tool_id) DO NOTHING
	`, rec.ToolID); err != nil {
		return fmt.Errorf("failed to create tool stats: %w", err)
	}

	var (
		invocations int64
		avg         float64
	)
	if err := tx.QueryRow(ctx, `
		SELECT invocations, avg_response_ms
		FROM tool_stats
		WHERE tool_id = $1
		FOR UPDATE
	`, rec.ToolID).Scan(&invocations, &avg); err != nil {
		return fmt.Errorf("failed to lock tool stats: %w", err)
	}

	avg = UpdateRunningAverage(avg, invocations, float64(rec.DurationMs))
	invocations++

	if _, err := tx.Exec(ctx, `
		UPDATE tool_stats
		SET invocations = $2, avg_response_ms = $3, last_invoked_at = $4
		WHERE tool_id = $1
	`, rec.ToolID, invocations, avg, rec.CommittedAt); err != nil {
		return fmt.Errorf("failed to update tool stats: %w", err)
	}

	res.ToolAvgMs = avg
	res.ToolInvocations = invocations
	return nil
}

// GetToolStats implements UsageStore.
func (s *PostgresStore) GetToolStats(ctx context.Context, toolID string) (*models.ToolStats, error) {
	stats := models.ToolStats{ToolID: toolID}
	var last *time.Time
	err := s.db.Pool.QueryRow(ctx, `
		SELECT invocations, avg_response_ms, last_invoked_at
		FROM tool_stats
		WHERE tool_id = $1
	`, toolID).Scan(&stats.Invocations, &stats.AvgResponseMs, &last)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tool stats: %w", err)
	}
	if last != nil {
		stats.LastInvokedAt = *last
	}
	return &stats, nil
}
