package quota

import (
	"context"
	"sync"

	"github.com/crosslogic/metering/pkg/models"
	"github.com/google/uuid"
)

type principalCounters struct {
	mu    sync.Mutex
	quota DailyQuota
}

type toolCounters struct {
	mu    sync.Mutex
	stats models.ToolStats
}

// MemoryStore is an in-process UsageStore. Counters are locked per
// principal and per tool.
type MemoryStore struct {
	principals sync.Map // principal id -> *principalCounters
	tools      sync.Map // tool id -> *toolCounters
	commits    sync.Map // commit id -> struct{}

	eventsMu sync.Mutex
	events   []UsageCommitRecord
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) principal(id string) *principalCounters {
	v, _ := s.principals.LoadOrStore(id, &principalCounters{quota: DailyQuota{PrincipalID: id}})
	return v.(*principalCounters)
}

func (s *MemoryStore) tool(id string) *toolCounters {
	v, _ := s.tools.LoadOrStore(id, &toolCounters{stats: models.ToolStats{ToolID: id}})
	return v.(*toolCounters)
}

// SetDailyQuota overwrites a principal's stored counter.
func (s *MemoryStore) SetDailyQuota(q DailyQuota) {
	p := s.principal(q.PrincipalID)
	p.mu.Lock()
	p.quota = q
	p.mu.Unlock()
}

// GetDailyQuota implements UsageStore.
func (s *MemoryStore) GetDailyQuota(ctx context.Context, principalID string) (*DailyQuota, error) {
	v, ok := s.principals.Load(principalID)
	if !ok {
		return nil, nil
	}
	p := v.(*principalCounters)
	p.mu.Lock()
	defer p.mu.Unlock()

	q := p.quota
	return &q, nil
}

// CommitUsage implements UsageStore.
func (s *MemoryStore) CommitUsage(ctx context.Context, rec *UsageCommitRecord) (*CommitResult, error) {
	if err := rec.validate(); err != nil {
		return nil, err
	}

	p := s.principal(rec.PrincipalID)

	if _, dup := s.commits.LoadOrStore(rec.CommitID, struct{}{}); dup {
		p.mu.Lock()
		defer p.mu.Unlock()
		return &CommitResult{
			DailyCount:     p.quota.DailyCount,
			LastActionDate: p.quota.LastActionDate,
			LifetimeCount:  p.quota.LifetimeCount,
			Duplicate:      true,
		}, nil
	}

	p.mu.Lock()
	p.quota.LastActionDate, p.quota.DailyCount = rollDaily(p.quota.LastActionDate, p.quota.DailyCount, rec.Day)
	p.quota.LifetimeCount++
	p.quota.UpdatedAt = rec.CommittedAt
	res := &CommitResult{
		DailyCount:     p.quota.DailyCount,
		LastActionDate: p.quota.LastActionDate,
		LifetimeCount:  p.quota.LifetimeCount,
	}
	p.mu.Unlock()

	if rec.ToolID != "" {
		t := s.tool(rec.ToolID)
		t.mu.Lock()
		t.stats.AvgResponseMs = UpdateRunningAverage(t.stats.AvgResponseMs, t.stats.Invocations, float64(rec.DurationMs))
		t.stats.Invocations++
		t.stats.LastInvokedAt = rec.CommittedAt
		res.ToolAvgMs = t.stats.AvgResponseMs
		res.ToolInvocations = t.stats.Invocations
		t.mu.Unlock()
	}

	s.eventsMu.Lock()
	s.events = append(s.events, *rec)
	s.eventsMu.Unlock()

	return res, nil
}

// GetToolStats implements UsageStore.
func (s *MemoryStore) GetToolStats(ctx context.Context, toolID string) (*models.ToolStats, error) {
	v, ok := s.tools.Load(toolID)
	if !ok {
		return nil, nil
	}
	t := v.(*toolCounters)
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := t.stats
	return &stats, nil
}

// Committed reports whether a commit id has been applied.
func (s *MemoryStore) Committed(id uuid.UUID) bool {
	_, ok := s.commits.Load(id)
	return ok
}

// UsageEvents returns the audit trail in commit order.
func (s *MemoryStore) UsageEvents() []UsageCommitRecord {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	out := make([]UsageCommitRecord, len(s.events))
	copy(out, s.events)
	return out
}
