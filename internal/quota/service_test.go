package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T, clock *fakeClock) (*Service, *MemoryStore) {
	t.Helper()
	c, _ := setupCache(t)
	store := NewMemoryStore()
	retrier := NewCommitRetrier(store, NewMemoryDeadLetters(), testRetryConfig(), nil, zap.NewNop())
	svc := NewService(Options{
		Windows: NewRedisWindowCounter(c),
		Store:   store,
		Clock:   NewDayClock(time.UTC, clock.Now),
		Retrier: retrier,
		Logger:  zap.NewNop(),
	})
	return svc, store
}

func TestServiceAdmitCommitRoundTrip(t *testing.T) {
	clock := newFakeClock(t0)
	svc, store := newTestService(t, clock)
	ctx := context.Background()
	policy := Policy{WindowLimit: 3, Window: time.Minute, DailyLimit: 5}

	for i := 0; i < 3; i++ {
		res, err := svc.Admit(ctx, "p-1", ActionAIRequest, policy)
		require.NoError(t, err)
		require.True(t, res.Allowed)

		_, err = svc.Commit(ctx, res.Ticket, Outcome{Success: true, ToolID: "summarize", Duration: 10 * time.Millisecond})
		require.NoError(t, err)
	}

	usage, err := svc.Usage(ctx, "p-1", ActionAIRequest, policy)
	require.NoError(t, err)
	assert.Equal(t, int64(3), usage.WindowCount)
	assert.Equal(t, int64(0), usage.WindowRemaining)
	assert.Equal(t, int64(3), usage.DailyCount)
	assert.Equal(t, int64(2), usage.DailyRemaining)
	assert.Equal(t, int64(3), usage.LifetimeCount)
	assert.True(t, usage.DailyResetAt.Equal(time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)))

	res, err := svc.Admit(ctx, "p-1", ActionAIRequest, policy)
	require.NoError(t, err)
	assert.Equal(t, ReasonRateLimited, res.Reason)

	require.NoError(t, svc.ResetWindow(ctx, "p-1", ActionAIRequest))
	res, err = svc.Admit(ctx, "p-1", ActionAIRequest, policy)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	stats, err := svc.ToolStats(ctx, "summarize")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Invocations)

	q, err := store.GetDailyQuota(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), q.DailyCount, "admission alone does not charge the day")
}

func TestServiceReleaseReturnsSlot(t *testing.T) {
	svc, _ := newTestService(t, newFakeClock(t0))
	ctx := context.Background()
	policy := Policy{WindowLimit: 1, Window: time.Minute, DailyLimit: 5}

	res, err := svc.Admit(ctx, "p-1", ActionAIRequest, policy)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	require.NoError(t, svc.Release(ctx, res.Ticket))

	res, err = svc.Admit(ctx, "p-1", ActionAIRequest, policy)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestServiceToolStatsForUnknownTool(t *testing.T) {
	svc, _ := newTestService(t, newFakeClock(t0))

	stats, err := svc.ToolStats(context.Background(), "never-run")
	require.NoError(t, err)
	assert.Equal(t, "never-run", stats.ToolID)
	assert.Zero(t, stats.Invocations)
}

func TestServiceReconcileWithoutDeadLetters(t *testing.T) {
	svc, _ := newTestService(t, newFakeClock(t0))

	n, err := svc.DeadLetters(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	report, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Replayed)
}

func TestServiceThrottle(t *testing.T) {
	svc, store := newTestService(t, newFakeClock(t0))
	ctx := context.Background()

	first, err := svc.Throttle(ctx, "ip:10.0.0.1", ActionAuthAttempt, 2, time.Minute)
	require.NoError(t, err)
	require.True(t, first.Allowed)
	second, err := svc.Throttle(ctx, "ip:10.0.0.1", ActionAuthAttempt, 2, time.Minute)
	require.NoError(t, err)
	require.True(t, second.Allowed)

	denied, err := svc.Throttle(ctx, "ip:10.0.0.1", ActionAuthAttempt, 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, denied.Allowed)
	require.NoError(t, svc.ReleaseReservation(ctx, denied))

	require.NoError(t, svc.ReleaseReservation(ctx, second))
	again, err := svc.Throttle(ctx, "ip:10.0.0.1", ActionAuthAttempt, 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, again.Allowed)

	q, err := store.GetDailyQuota(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	assert.Nil(t, q, "throttling never touches the daily store")

	_, err = svc.Throttle(ctx, "ip:10.0.0.1", ActionAuthAttempt, 0, time.Minute)
	assert.ErrorIs(t, err, ErrInvalidInput)
}
