package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crosslogic/metering/pkg/events"
	"github.com/crosslogic/metering/pkg/metrics"
	"go.uber.org/zap"
)

// RetryConfig tunes the asynchronous commit retrier.
type RetryConfig struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Timeout bounds each store attempt.
	Timeout time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.QueueSize < 1 {
		c.QueueSize = 256
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

// ReplayReport summarizes one reconciliation pass over the dead letters.
type ReplayReport struct {
	Replayed   int   `json:"replayed"`
	Duplicates int   `json:"duplicates"`
	Failed     int   `json:"failed"`
	Remaining  int64 `json:"remaining"`
}

// CommitRetrier re-drives usage commits that failed on the request path.
// Records that exhaust their attempts land in the dead-letter queue. Retries
// are safe because the store ignores commit ids it has already applied.
type CommitRetrier struct {
	store     UsageStore
	dead      DeadLetterQueue
	cfg       RetryConfig
	publisher events.Publisher
	logger    *zap.Logger

	queue    chan *UsageCommitRecord
	stop     chan struct{}
	stopped  atomic.Bool
	wg       sync.WaitGroup
	start    sync.Once
	stopOnce sync.Once
}

// NewCommitRetrier creates a retrier. publisher may be nil.
func NewCommitRetrier(store UsageStore, dead DeadLetterQueue, cfg RetryConfig, publisher events.Publisher, logger *zap.Logger) *CommitRetrier {
	cfg = cfg.withDefaults()
	return &CommitRetrier{
		store:     store,
		dead:      dead,
		cfg:       cfg,
		publisher: publisher,
		logger:    logger,
		queue:     make(chan *UsageCommitRecord, cfg.QueueSize),
		stop:      make(chan struct{}),
	}
}

// Start launches the worker pool.
func (r *CommitRetrier) Start() {
	r.start.Do(func() {
		for i := 0; i < r.cfg.Workers; i++ {
			r.wg.Add(1)
			go r.worker()
		}
		r.logger.Info("usage commit retrier started",
			zap.Int("workers", r.cfg.Workers),
			zap.Int("max_attempts", r.cfg.MaxAttempts),
		)
	})
}

// Stop halts the workers. Records still queued or mid-backoff are moved to
// the dead-letter queue.
func (r *CommitRetrier) Stop() {
	r.stopOnce.Do(func() {
		r.stopped.Store(true)
		close(r.stop)
		r.wg.Wait()

		for {
			select {
			case rec := <-r.queue:
				metrics.RetryQueueDepth.Dec()
				r.deadLetter(rec, "retrier stopped")
			default:
				return
			}
		}
	})
}

// Enqueue schedules a failed commit for retry without blocking. A full
// queue sends the record straight to the dead-letter queue.
func (r *CommitRetrier) Enqueue(rec *UsageCommitRecord) {
	if r.stopped.Load() {
		r.deadLetter(rec, "retrier stopped")
		return
	}
	select {
	case r.queue <- rec:
		metrics.RetryQueueDepth.Inc()
	default:
		r.deadLetter(rec, "retry queue full")
	}
}

func (r *CommitRetrier) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		case rec := <-r.queue:
			metrics.RetryQueueDepth.Dec()
			r.retry(rec)
		}
	}
}

func (r *CommitRetrier) retry(rec *UsageCommitRecord) {
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		select {
		case <-r.stop:
			r.deadLetter(rec, "retrier stopped")
			return
		case <-time.After(r.backoff(attempt)):
		}

		rec.Attempts++
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
		res, err := r.store.CommitUsage(ctx, rec)
		cancel()

		if err == nil {
			metrics.CommitRetries.WithLabelValues("succeeded").Inc()
			r.logger.Info("usage commit retry succeeded",
				zap.String("commit_id", rec.CommitID.String()),
				zap.String("principal_id", rec.PrincipalID),
				zap.Int("attempts", rec.Attempts),
				zap.Bool("duplicate", res.Duplicate),
			)
			return
		}

		if CodeOf(err) == CodeInvalidInput {
			metrics.CommitRetries.WithLabelValues("rejected").Inc()
			r.logger.Error("dropping invalid usage commit",
				zap.String("commit_id", rec.CommitID.String()),
				zap.Error(err),
			)
			return
		}

		metrics.CommitRetries.WithLabelValues("failed").Inc()
		r.logger.Warn("usage commit retry failed",
			zap.String("commit_id", rec.CommitID.String()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	r.deadLetter(rec, "retries exhausted")
}

// backoff doubles from BaseBackoff and saturates at MaxBackoff.
func (r *CommitRetrier) backoff(attempt int) time.Duration {
	d := r.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.cfg.MaxBackoff {
			return r.cfg.MaxBackoff
		}
	}
	return d
}

func (r *CommitRetrier) deadLetter(rec *UsageCommitRecord, why string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	defer cancel()

	if err := r.dead.Push(ctx, rec); err != nil {
		// Nothing else holds the record now; the log line is the only trace.
		r.logger.Error("usage commit lost",
			zap.String("commit_id", rec.CommitID.String()),
			zap.String("principal_id", rec.PrincipalID),
			zap.String("day", rec.Day.String()),
			zap.String("reason", why),
			zap.Error(err),
		)
		return
	}
	metrics.DeadLetters.Inc()
	r.logger.Warn("usage commit dead-lettered",
		zap.String("commit_id", rec.CommitID.String()),
		zap.String("principal_id", rec.PrincipalID),
		zap.String("reason", why),
	)
	if r.publisher != nil {
		_ = r.publisher.Publish(ctx, events.NewEvent(events.EventCommitDeadLetter, rec.PrincipalID, map[string]interface{}{
			"commit_id": rec.CommitID.String(),
			"reason":    why,
		}))
	}
}

// DeadLetterCount reports how many commits await reconciliation.
func (r *CommitRetrier) DeadLetterCount(ctx context.Context) (int64, error) {
	return r.dead.Len(ctx)
}

// Replay drains the dead-letter queue once, re-queueing records that still
// fail.
func (r *CommitRetrier) Replay(ctx context.Context) (*ReplayReport, error) {
	pending, err := r.dead.Len(ctx)
	if err != nil {
		return nil, unavailable("dead letter read failed", err)
	}

	recs, err := r.dead.Pop(ctx, int(pending))
	if err != nil {
		r.logger.Warn("dead letter pop interrupted", zap.Error(err))
	}

	report := &ReplayReport{}
	var failed []*UsageCommitRecord
	for _, rec := range recs {
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		rec.Attempts++
		res, cerr := r.store.CommitUsage(attemptCtx, rec)
		cancel()

		switch {
		case cerr == nil && res.Duplicate:
			report.Duplicates++
		case cerr == nil:
			report.Replayed++
		case CodeOf(cerr) == CodeInvalidInput:
			r.logger.Error("dropping invalid dead letter", zap.String("commit_id", rec.CommitID.String()), zap.Error(cerr))
		default:
			report.Failed++
			failed = append(failed, rec)
		}
	}

	for _, rec := range failed {
		if perr := r.dead.Push(context.WithoutCancel(ctx), rec); perr != nil {
			r.logger.Error("usage commit lost",
				zap.String("commit_id", rec.CommitID.String()),
				zap.String("principal_id", rec.PrincipalID),
				zap.Error(perr),
			)
		}
	}

	report.Remaining, _ = r.dead.Len(ctx)
	metrics.DeadLetters.Set(float64(report.Remaining))

	if report.Replayed > 0 || report.Failed > 0 {
		r.logger.Info("usage reconciliation pass finished",
			zap.Int("replayed", report.Replayed),
			zap.Int("duplicates", report.Duplicates),
			zap.Int("failed", report.Failed),
			zap.Int64("remaining", report.Remaining),
		)
	}
	if r.publisher != nil && report.Replayed > 0 {
		_ = r.publisher.Publish(ctx, events.NewEvent(events.EventUsageReconciled, "", map[string]interface{}{
			"replayed":  report.Replayed,
			"failed":    report.Failed,
			"remaining": report.Remaining,
		}))
	}

	return report, nil
}
