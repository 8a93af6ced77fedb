package quota

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testRetryConfig() RetryConfig {
	return RetryConfig{
		Workers:     2,
		QueueSize:   8,
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  4 * time.Millisecond,
		Timeout:     time.Second,
	}
}

func testRecord(principalID string) *UsageCommitRecord {
	return &UsageCommitRecord{
		CommitID:    uuid.New(),
		PrincipalID: principalID,
		ActionClass: ActionAIRequest,
		Day:         "2024-03-10",
		Success:     true,
		CommittedAt: t0,
	}
}

func deadLetterQueues(t *testing.T) map[string]DeadLetterQueue {
	c, _ := setupCache(t)
	return map[string]DeadLetterQueue{
		"memory": NewMemoryDeadLetters(),
		"redis":  NewRedisDeadLetters(c, zap.NewNop()),
	}
}

func TestCommitRetrierEventuallyCommits(t *testing.T) {
	store := newFlakyStore()
	store.failCommits.Store(2)
	dead := NewMemoryDeadLetters()

	r := NewCommitRetrier(store, dead, testRetryConfig(), nil, zap.NewNop())
	r.Start()

	rec := testRecord("p-1")
	r.Enqueue(rec)

	require.Eventually(t, func() bool { return store.Committed(rec.CommitID) }, 2*time.Second, 5*time.Millisecond)
	r.Stop()

	n, err := dead.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.Equal(t, int32(3), store.commits.Load())
}

func TestCommitRetrierDeadLettersAfterMaxAttempts(t *testing.T) {
	store := newFlakyStore()
	store.failCommits.Store(100)
	dead := NewMemoryDeadLetters()

	r := NewCommitRetrier(store, dead, testRetryConfig(), nil, zap.NewNop())
	r.Start()
	defer r.Stop()

	r.Enqueue(testRecord("p-1"))

	require.Eventually(t, func() bool {
		n, _ := dead.Len(context.Background())
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), store.commits.Load())
}

func TestCommitRetrierFullQueueDeadLetters(t *testing.T) {
	store := newFlakyStore()
	dead := NewMemoryDeadLetters()
	cfg := testRetryConfig()
	cfg.QueueSize = 1

	// Not started, so the queue never drains.
	r := NewCommitRetrier(store, dead, cfg, nil, zap.NewNop())
	r.Enqueue(testRecord("p-1"))
	r.Enqueue(testRecord("p-2"))

	n, err := dead.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	r.Stop()
	n, err = dead.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "stop moves queued records to dead letters")

	r.Enqueue(testRecord("p-3"))
	n, err = dead.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestCommitRetrierReplay(t *testing.T) {
	for name, dead := range deadLetterQueues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newFlakyStore()
			r := NewCommitRetrier(store, dead, testRetryConfig(), nil, zap.NewNop())

			applied := testRecord("p-1")
			_, err := store.MemoryStore.CommitUsage(ctx, applied)
			require.NoError(t, err)

			for _, rec := range []*UsageCommitRecord{applied, testRecord("p-1"), testRecord("p-2")} {
				require.NoError(t, dead.Push(ctx, rec))
			}

			// The first store call fails and that record must stay queued.
			store.failCommits.Store(1)
			report, err := r.Replay(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, report.Failed)
			assert.Equal(t, int64(1), report.Remaining)
			assert.Equal(t, 2, report.Replayed+report.Duplicates)

			report, err = r.Replay(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, report.Failed)
			assert.Equal(t, int64(0), report.Remaining)

			q, err := store.GetDailyQuota(ctx, "p-1")
			require.NoError(t, err)
			assert.Equal(t, int64(2), q.DailyCount, "the already-applied record must not count twice")

			count, err := r.DeadLetterCount(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(0), count)
		})
	}
}

func TestCommitRetrierBackoff(t *testing.T) {
	r := NewCommitRetrier(NewMemoryStore(), NewMemoryDeadLetters(), RetryConfig{
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  time.Second,
	}, nil, zap.NewNop())

	assert.Equal(t, 100*time.Millisecond, r.backoff(1))
	assert.Equal(t, 200*time.Millisecond, r.backoff(2))
	assert.Equal(t, 800*time.Millisecond, r.backoff(4))
	assert.Equal(t, time.Second, r.backoff(5))
	assert.Equal(t, time.Second, r.backoff(50))
}
