package quota

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Replayer drains dead-lettered commits.
type Replayer interface {
	Replay(ctx context.Context) (*ReplayReport, error)
}

// Reconciler replays dead-lettered usage commits on a cron schedule.
type Reconciler struct {
	replayer Replayer
	cron     *cron.Cron
	logger   *zap.Logger

	// running guards against overlapping passes when one outlasts the
	// schedule interval.
	running sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewReconciler schedules replays with a standard cron expression or a
// descriptor such as "@every 1m".
func NewReconciler(replayer Replayer, schedule string, logger *zap.Logger) (*Reconciler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reconciler{
		replayer: replayer,
		cron:     cron.New(),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	if _, err := r.cron.AddFunc(schedule, r.tick); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start begins running the schedule in the background.
func (r *Reconciler) Start() {
	r.cron.Start()
	r.logger.Info("usage reconciler started", zap.Int("jobs", len(r.cron.Entries())))
}

// Stop cancels any pass in flight and waits for it to return.
func (r *Reconciler) Stop() {
	r.cancel()
	<-r.cron.Stop().Done()
}

func (r *Reconciler) tick() {
	if !r.running.TryLock() {
		r.logger.Debug("previous reconciliation pass still running, skipping")
		return
	}
	defer r.running.Unlock()

	if _, err := r.replayer.Replay(r.ctx); err != nil {
		r.logger.Error("usage reconciliation failed", zap.Error(err))
	}
}

// RunOnce performs a pass immediately, outside the schedule.
func (r *Reconciler) RunOnce(ctx context.Context) (*ReplayReport, error) {
	r.running.Lock()
	defer r.running.Unlock()
	return r.replayer.Replay(ctx)
}
