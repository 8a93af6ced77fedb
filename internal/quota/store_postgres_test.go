package quota

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/crosslogic/metering/internal/config"
	"github.com/crosslogic/metering/pkg/database"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupPostgres connects to TEST_DATABASE_URL and skips when it is unset.
func setupPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := database.Connect(ctx, dsn, config.DatabaseConfig{MaxOpenConns: 10})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	require.NoError(t, db.Migrate(ctx))
	return NewPostgresStore(db)
}

func TestPostgresStoreCommitUsage(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	principal := "pg-" + uuid.NewString()
	tool := "tool-" + uuid.NewString()

	q, err := store.GetDailyQuota(ctx, principal)
	require.NoError(t, err)
	assert.Nil(t, q)

	rec := testRecord(principal)
	rec.ToolID = tool
	rec.DurationMs = 100
	res, err := store.CommitUsage(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.DailyCount)
	assert.Equal(t, Day("2024-03-10"), res.LastActionDate)
	assert.InDelta(t, 100.0, res.ToolAvgMs, 1e-9)

	dup, err := store.CommitUsage(ctx, rec)
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, int64(1), dup.DailyCount)

	next := testRecord(principal)
	next.ToolID = tool
	next.DurationMs = 300
	res, err = store.CommitUsage(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.DailyCount)
	assert.InDelta(t, 200.0, res.ToolAvgMs, 1e-9)

	stats, err := store.GetToolStats(ctx, tool)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Invocations)
}

func TestPostgresStoreDayRollover(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	principal := "pg-" + uuid.NewString()

	commit := func(day Day) *CommitResult {
		rec := testRecord(principal)
		rec.Day = day
		res, err := store.CommitUsage(ctx, rec)
		require.NoError(t, err)
		return res
	}

	commit("2024-03-10")
	commit("2024-03-10")

	res := commit("2024-03-11")
	assert.Equal(t, int64(1), res.DailyCount)
	assert.Equal(t, Day("2024-03-11"), res.LastActionDate)

	// A late commit for the previous day leaves the new day alone.
	res = commit("2024-03-10")
	assert.Equal(t, int64(1), res.DailyCount)
	assert.Equal(t, Day("2024-03-11"), res.LastActionDate)
	assert.Equal(t, int64(4), res.LifetimeCount)
}

func TestPostgresStoreConcurrentCommits(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	principal := "pg-" + uuid.NewString()
	tool := "tool-" + uuid.NewString()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := testRecord(principal)
			rec.ToolID = tool
			rec.DurationMs = 40
			rec.CommittedAt = time.Now()
			if _, err := store.CommitUsage(ctx, rec); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	q, err := store.GetDailyQuota(ctx, principal)
	require.NoError(t, err)
	assert.Equal(t, int64(n), q.DailyCount)

	stats, err := store.GetToolStats(ctx, tool)
	require.NoError(t, err)
	assert.Equal(t, int64(n), stats.Invocations)
	assert.InDelta(t, 40.0, stats.AvgResponseMs, 1e-9)
}
