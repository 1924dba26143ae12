// Package maintenance implements the background maintenance loop (C7): a
// small set of scheduled tasks — importance decay, access-bookkeeping
// flush, cache eviction, hash backfill, health polling, and mirror
// reconciliation — that run atop an already-constructed coordinator. Every
// task is cancellable, idempotent, and yields regularly so it never starves
// the request path.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jordigilh/vectorstore/internal/config"
	"github.com/jordigilh/vectorstore/pkg/coordinator"
	"github.com/jordigilh/vectorstore/pkg/shared/logging"
	"github.com/jordigilh/vectorstore/pkg/storage/vector"
)

// Runner owns the scheduling loop for every background maintenance task.
// It holds no state of its own beyond configuration; all durable state
// lives behind the coordinator it drives.
type Runner struct {
	coord  *coordinator.Coordinator
	cfg    config.MaintenanceConfig
	logger *logrus.Logger
}

// New constructs a Runner. cfg is expected to have already passed
// config.Validate; the defensive defaults here only guard direct
// construction in tests.
func New(coord *coordinator.Coordinator, cfg config.MaintenanceConfig, logger *logrus.Logger) *Runner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Runner{coord: coord, cfg: cfg, logger: logger}
}

func (r *Runner) flushInterval() time.Duration {
	if r.cfg.FlushInterval > 0 {
		return r.cfg.FlushInterval
	}
	return time.Minute
}

func (r *Runner) healthPollInterval() time.Duration {
	if r.cfg.HealthPollInterval > 0 {
		return r.cfg.HealthPollInterval
	}
	return 30 * time.Second
}

func (r *Runner) maxConcurrent() int {
	if r.cfg.MaxConcurrentFlushes > 0 {
		return r.cfg.MaxConcurrentFlushes
	}
	return 4
}

func (r *Runner) backfillBatch() int {
	if r.cfg.HashBackfillBatch > 0 {
		return r.cfg.HashBackfillBatch
	}
	return 500
}

func (r *Runner) resyncBatch() int {
	if r.cfg.ResyncBatch > 0 {
		return r.cfg.ResyncBatch
	}
	return 500
}

func (r *Runner) decayRate() float64 {
	if r.cfg.ImportanceDecayRate > 0 {
		return r.cfg.ImportanceDecayRate
	}
	return 0.01
}

type scheduledTask struct {
	name     string
	interval time.Duration
	run      func(context.Context) (int, error)
}

// Run starts every scheduled task and blocks until ctx is cancelled, at
// which point it waits for in-flight task runs to finish before returning.
// A disabled runner (config.MaintenanceConfig.Enabled == false) returns
// immediately.
func (r *Runner) Run(ctx context.Context) {
	if !r.cfg.Enabled {
		r.logger.WithFields(logging.MaintenanceFields("run").ToLogrus()).Info("maintenance loop disabled, not starting")
		return
	}

	tasks := []scheduledTask{
		{"importance_decay", r.flushInterval(), r.decayImportance},
		{"access_bookkeeping_flush", r.flushInterval(), r.flushAccessBookkeeping},
		{"cache_eviction", r.flushInterval(), r.evictCache},
		{"hash_backfill", r.flushInterval(), r.backfillHashes},
		{"health_poll", r.healthPollInterval(), r.pollHealth},
		{"mirror_reconciliation", r.flushInterval(), r.reconcileMirrors},
	}

	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go r.runLoop(ctx, &wg, t)
	}
	wg.Wait()
}

func (r *Runner) runLoop(ctx context.Context, wg *sync.WaitGroup, task scheduledTask) {
	defer wg.Done()
	ticker := time.NewTicker(task.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, task)
		}
	}
}

// runOnce executes task once under its own deadline, bounded by its own
// interval so a stuck task never piles up concurrent runs of itself.
func (r *Runner) runOnce(ctx context.Context, task scheduledTask) {
	taskCtx, cancel := context.WithTimeout(ctx, task.interval)
	defer cancel()

	start := time.Now()
	n, err := task.run(taskCtx)
	taskDuration.WithLabelValues(task.name).Observe(time.Since(start).Seconds())
	itemsProcessedTotal.WithLabelValues(task.name).Add(float64(n))

	fields := logging.MaintenanceFields(task.name).Count(n).Duration(time.Since(start))
	if err != nil {
		taskRunsTotal.WithLabelValues(task.name, "error").Inc()
		r.logger.WithFields(fields.Error(err).ToLogrus()).Warn("maintenance task failed")
		return
	}
	taskRunsTotal.WithLabelValues(task.name, "ok").Inc()
	r.logger.WithFields(fields.ToLogrus()).Debug("maintenance task completed")
}

// decayImportance applies multiplicative decay toward the configured floor
// to the primary's most recently created memories. Decay is bounded at the
// floor by construction (newScore never goes below it), preserving the
// invariant that importance never leaves [0, 1].
func (r *Runner) decayImportance(ctx context.Context) (int, error) {
	memories, err := r.coord.Primary().GetRecent(ctx, r.backfillBatch())
	if err != nil {
		return 0, err
	}

	floor := r.cfg.ImportanceFloor
	rate := r.decayRate()
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(r.maxConcurrent())

	var mu sync.Mutex
	processed := 0
	for _, m := range memories {
		m := m
		if m.ImportanceScore <= floor {
			continue
		}
		newScore := floor + (m.ImportanceScore-floor)*(1-rate)
		group.Go(func() error {
			if err := r.coord.UpdateImportance(gctx, m.ID, newScore); err != nil {
				r.logger.WithFields(logging.MemoryFields("decay", m.ID).Error(err).ToLogrus()).
					Warn("importance decay failed for one memory, continuing")
				return nil
			}
			mu.Lock()
			processed++
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()
	return processed, nil
}

// flushAccessBookkeeping drains the coordinator's buffered read-access
// counts and applies them to the primary in a bounded-concurrency batch.
func (r *Runner) flushAccessBookkeeping(ctx context.Context) (int, error) {
	drained := r.coord.DrainAccessCounts()
	if len(drained) == 0 {
		return 0, nil
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(r.maxConcurrent())
	var mu sync.Mutex
	processed := 0
	for id, count := range drained {
		id, count := id, count
		group.Go(func() error {
			if err := r.coord.Primary().BumpAccess(gctx, id, count); err != nil {
				r.logger.WithFields(logging.MemoryFields("access_flush", id).Error(err).ToLogrus()).
					Warn("access bookkeeping flush failed for one memory, continuing")
				return nil
			}
			mu.Lock()
			processed++
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()
	return processed, nil
}

// evictCache sweeps the embedding cache for TTL-expired entries.
func (r *Runner) evictCache(ctx context.Context) (int, error) {
	return r.coord.Embedding().EvictExpired(), nil
}

// backfillHashes pages memories that predate the dedup hash index through
// it in bounded batches.
func (r *Runner) backfillHashes(ctx context.Context) (int, error) {
	return r.coord.RebuildHashes(ctx, r.backfillBatch())
}

// pollHealth refreshes every provider's state machine position and
// records it as a gauge for dashboards/alerting.
func (r *Runner) pollHealth(ctx context.Context) (int, error) {
	reports := r.coord.ProviderHealth(ctx)
	for _, report := range reports {
		value := 0.0
		if report.Healthy {
			value = 1.0
		}
		providerStateGauge.WithLabelValues(report.Name, string(report.Role)).Set(value)
		if !report.Healthy {
			r.logger.WithFields(logging.ProviderFields("health_poll", report.Name, string(report.Role)).
				Custom("state", string(report.State)).Custom("error", report.Error).ToLogrus()).
				Warn("provider unhealthy")
		}
	}
	return len(reports), nil
}

// reconcileMirrors asks the coordinator to compare and, if needed,
// reconcile every secondary against the primary. ResyncSecondary itself
// only reconciles when divergence exceeds the configured threshold, so
// this task is safe to run unconditionally on every tick.
func (r *Runner) reconcileMirrors(ctx context.Context) (int, error) {
	var reconciled int
	var firstErr error
	for _, secondary := range r.coord.Secondaries() {
		report, err := r.coord.ResyncSecondary(ctx, secondary.Name(), r.resyncBatch(), r.cfg.DivergenceThreshold)
		if err != nil {
			r.logger.WithFields(logging.ProviderFields("resync", secondary.Name(), string(vector.RoleSecondary)).
				Error(err).ToLogrus()).Warn("mirror reconciliation failed for one secondary, continuing")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if report.Diverged {
			r.logger.WithFields(logging.ProviderFields("resync", secondary.Name(), string(vector.RoleSecondary)).
				Custom("primary_count", report.PrimaryCount).Custom("secondary_count", report.SecondaryCount).
				Custom("reconciled", report.Reconciled).ToLogrus()).
				Info("secondary diverged, reconciled")
		}
		reconciled += report.Reconciled
	}
	return reconciled, firstErr
}
