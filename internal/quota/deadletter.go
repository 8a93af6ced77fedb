package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/crosslogic/metering/pkg/cache"
	"go.uber.org/zap"
)

// DeadLetterQueue parks usage commits that exhausted their retries until a
// reconciliation pass replays them.
type DeadLetterQueue interface {
	Push(ctx context.Context, rec *UsageCommitRecord) error
	// Pop removes up to max records. It returns fewer when the queue runs dry.
	Pop(ctx context.Context, max int) ([]*UsageCommitRecord, error)
	Len(ctx context.Context) (int64, error)
}

// MemoryDeadLetters keeps dead letters in process.
type MemoryDeadLetters struct {
	mu      sync.Mutex
	records []*UsageCommitRecord
}

// NewMemoryDeadLetters returns an empty queue.
func NewMemoryDeadLetters() *MemoryDeadLetters {
	return &MemoryDeadLetters{}
}

func (q *MemoryDeadLetters) Push(ctx context.Context, rec *UsageCommitRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.records = append(q.records, rec)
	return nil
}

func (q *MemoryDeadLetters) Pop(ctx context.Context, max int) ([]*UsageCommitRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if max > len(q.records) {
		max = len(q.records)
	}
	out := q.records[:max:max]
	q.records = q.records[max:]
	return out, nil
}

func (q *MemoryDeadLetters) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.records)), nil
}

const deadLetterKey = "quota:usage:deadletters"

// RedisDeadLetters keeps dead letters in a Redis list so they survive a
// restart and any replica can reconcile them.
type RedisDeadLetters struct {
	cache  *cache.Cache
	logger *zap.Logger
}

// NewRedisDeadLetters creates a queue on c.
func NewRedisDeadLetters(c *cache.Cache, logger *zap.Logger) *RedisDeadLetters {
	return &RedisDeadLetters{cache: c, logger: logger}
}

func (q *RedisDeadLetters) Push(ctx context.Context, rec *UsageCommitRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter: %w", err)
	}
	if err := q.cache.RPush(ctx, deadLetterKey, data); err != nil {
		return fmt.Errorf("failed to push dead letter: %w", err)
	}
	return nil
}

func (q *RedisDeadLetters) Pop(ctx context.Context, max int) ([]*UsageCommitRecord, error) {
	var out []*UsageCommitRecord
	for len(out) < max {
		raw, err := q.cache.LPop(ctx, deadLetterKey)
		if errors.Is(err, cache.ErrMiss) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("failed to pop dead letter: %w", err)
		}

		var rec UsageCommitRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			q.logger.Error("dropping undecodable dead letter", zap.String("raw", raw), zap.Error(err))
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}

func (q *RedisDeadLetters) Len(ctx context.Context) (int64, error) {
	return q.cache.LLen(ctx, deadLetterKey)
}
