package quota

import (
	"context"
	"time"

	"github.com/crosslogic/metering/pkg/events"
	"github.com/crosslogic/metering/pkg/metrics"
	"go.uber.org/zap"
)

// Retrier accepts commits that failed on the request path.
type Retrier interface {
	Enqueue(rec *UsageCommitRecord)
}

// Committer records usage after an admitted action has run.
type Committer struct {
	store     UsageStore
	retrier   Retrier
	clock     *DayClock
	timeout   time.Duration
	publisher events.Publisher
	logger    *zap.Logger
}

// NewCommitter creates a committer. retrier and publisher may be nil.
func NewCommitter(store UsageStore, retrier Retrier, clock *DayClock, timeout time.Duration, publisher events.Publisher, logger *zap.Logger) *Committer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Committer{
		store:     store,
		retrier:   retrier,
		clock:     clock,
		timeout:   timeout,
		publisher: publisher,
		logger:    logger,
	}
}

// Commit charges the ticket's day, the lifetime counter and the tool
// aggregate in one store transaction.
//
// The commit runs detached from ctx's cancellation, so an action whose
// caller went away is still charged. A store failure is logged, handed to
// the retrier and returned as an error matching ErrUsageCommitFailed; the
// caller should still deliver the action's result.
func (c *Committer) Commit(ctx context.Context, ticket *Ticket, outcome Outcome) (*CommitResult, error) {
	if ticket == nil {
		return nil, invalidInput("admission ticket is required")
	}

	rec := NewCommitRecord(ticket, outcome, c.clock.Now())
	rec.Attempts = 1

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	res, err := c.store.CommitUsage(commitCtx, rec)
	if err != nil {
		if CodeOf(err) == CodeInvalidInput {
			return nil, err
		}
		return nil, c.fail(ctx, rec, err)
	}

	result := "committed"
	if res.Duplicate {
		result = "duplicate"
	}
	metrics.Commits.WithLabelValues(rec.ActionClass, result).Inc()

	c.logger.Debug("usage committed",
		zap.String("commit_id", rec.CommitID.String()),
		zap.String("principal_id", rec.PrincipalID),
		zap.String("day", rec.Day.String()),
		zap.Int64("daily_count", res.DailyCount),
		zap.Bool("duplicate", res.Duplicate),
	)
	return res, nil
}

func (c *Committer) fail(ctx context.Context, rec *UsageCommitRecord, err error) error {
	metrics.Commits.WithLabelValues(rec.ActionClass, "failed").Inc()
	metrics.StoreErrors.WithLabelValues("usage", "commit").Inc()

	c.logger.Error("usage commit failed, scheduling retry",
		zap.String("commit_id", rec.CommitID.String()),
		zap.String("principal_id", rec.PrincipalID),
		zap.String("action_class", rec.ActionClass),
		zap.String("tool_id", rec.ToolID),
		zap.String("day", rec.Day.String()),
		zap.Error(err),
	)

	if c.publisher != nil {
		_ = c.publisher.Publish(ctx, events.NewEvent(events.EventCommitFailed, rec.PrincipalID, map[string]interface{}{
			"commit_id":    rec.CommitID.String(),
			"action_class": rec.ActionClass,
			"tool_id":      rec.ToolID,
			"day":          rec.Day.String(),
			"error":        err.Error(),
		}))
	}

	if c.retrier != nil {
		c.retrier.Enqueue(rec)
	}
	return commitFailed(err)
}
