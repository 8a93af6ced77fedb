package quota

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/crosslogic/metering/internal/config"
	"github.com/crosslogic/metering/pkg/cache"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/stretchr/testify/require"
)

func setupCache(t *testing.T) (*cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	c, err := cache.NewCache(config.RedisConfig{Host: mr.Host(), Port: port})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

// windowCounters returns every WindowCounter implementation under test.
func windowCounters(t *testing.T) map[string]WindowCounter {
	c, _ := setupCache(t)
	return map[string]WindowCounter{
		"memory": NewMemoryWindowCounter(),
		"redis":  NewRedisWindowCounter(c),
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

var errStoreDown = errors.New("connection refused")

// flakyStore wraps a MemoryStore and fails a configurable number of calls.
type flakyStore struct {
	*MemoryStore
	failCommits atomic.Int32
	failReads   atomic.Bool
	reads       atomic.Int32
	commits     atomic.Int32
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: NewMemoryStore()}
}

func (s *flakyStore) GetDailyQuota(ctx context.Context, principalID string) (*DailyQuota, error) {
	s.reads.Add(1)
	if s.failReads.Load() {
		return nil, errStoreDown
	}
	return s.MemoryStore.GetDailyQuota(ctx, principalID)
}

func (s *flakyStore) CommitUsage(ctx context.Context, rec *UsageCommitRecord) (*CommitResult, error) {
	s.commits.Add(1)
	if s.failCommits.Load() > 0 {
		s.failCommits.Add(-1)
		return nil, errStoreDown
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.MemoryStore.CommitUsage(ctx, rec)
}

func (s *flakyStore) GetToolStats(ctx context.Context, toolID string) (*models.ToolStats, error) {
	return s.MemoryStore.GetToolStats(ctx, toolID)
}

// brokenWindows fails every call.
type brokenWindows struct{}

func (brokenWindows) CheckAndReserve(context.Context, string, int64, time.Duration, time.Time) (*Reservation, error) {
	return nil, errStoreDown
}
func (brokenWindows) Release(context.Context, *Reservation) error { return errStoreDown }
func (brokenWindows) Peek(context.Context, string, time.Duration, time.Time) (*RateWindow, error) {
	return nil, errStoreDown
}
func (brokenWindows) Reset(context.Context, string) error { return errStoreDown }

type recordingRetrier struct {
	mu      sync.Mutex
	records []*UsageCommitRecord
}

func (r *recordingRetrier) Enqueue(rec *UsageCommitRecord) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
}

func (r *recordingRetrier) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
