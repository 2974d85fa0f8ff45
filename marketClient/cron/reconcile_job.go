// Package cron runs the node's periodic background jobs.
package cron

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"github.com/onchain-market/market-node/marketClient/bounty"
)

// Reconciler performs one reconciliation pass.
type Reconciler interface {
	Reconcile(ctx context.Context) ([]bounty.Bounty, error)
}

// ReconcileJob re-runs reconciliation on a fixed interval so drift between
// the cache, memory and the ledger is repaired without a restart.
type ReconcileJob struct {
	scheduler  gocron.Scheduler
	job        gocron.Job
	reconciler Reconciler
	interval   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	runs   atomic.Uint64
	logger zerolog.Logger
}

// NewReconcileJob schedules r every interval. Overlapping runs are skipped.
func NewReconcileJob(r Reconciler, interval time.Duration, logger zerolog.Logger) (*ReconcileJob, error) {
	if r == nil {
		return nil, fmt.Errorf("reconciler is nil")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("reconcile interval must be positive, got %s", interval)
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &ReconcileJob{
		scheduler:  scheduler,
		reconciler: r,
		interval:   interval,
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger.With().Str("component", "reconcile_job").Logger(),
	}

	job, err := scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(j.run),
		gocron.WithName("reconcile"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		cancel()
		_ = scheduler.Shutdown()
		return nil, fmt.Errorf("failed to schedule reconcile job: %w", err)
	}
	j.job = job
	return j, nil
}

// Start begins the schedule. The first run happens one interval from now.
func (j *ReconcileJob) Start() {
	j.scheduler.Start()
	j.logger.Info().Dur("interval", j.interval).Msg("reconcile job started")
}

// ForceSync queues an immediate run.
func (j *ReconcileJob) ForceSync() error {
	if err := j.job.RunNow(); err != nil {
		return fmt.Errorf("failed to trigger reconciliation: %w", err)
	}
	return nil
}

// Runs returns how many passes have completed.
func (j *ReconcileJob) Runs() uint64 {
	return j.runs.Load()
}

// Stop cancels a running pass and shuts the scheduler down.
func (j *ReconcileJob) Stop() error {
	j.cancel()
	if err := j.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}
	j.logger.Info().Msg("reconcile job stopped")
	return nil
}

func (j *ReconcileJob) run() {
	bounties, err := j.reconciler.Reconcile(j.ctx)
	j.runs.Add(1)
	if err != nil {
		j.logger.Error().Err(err).Msg("periodic reconciliation failed")
		return
	}
	j.logger.Debug().Int("bounties", len(bounties)).Msg("periodic reconciliation done")
}
