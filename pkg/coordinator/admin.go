package coordinator

import (
	"context"
	"fmt"
	"time"

	appErrors "github.com/jordigilh/vectorstore/internal/errors"
	"github.com/jordigilh/vectorstore/pkg/shared/logging"
	"github.com/jordigilh/vectorstore/pkg/storage/vector"
)

// RebuildHashes pages up to batch of the primary's most recent memories
// through the dedup service's hash index, the rebuild_hashes admin
// operation. It returns the number of memories processed.
func (c *Coordinator) RebuildHashes(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = 500
	}
	ctx, cancel := context.WithTimeout(ctx, c.adminDeadline())
	defer cancel()

	memories, err := c.primary.GetRecent(ctx, batch)
	if err != nil {
		return 0, err
	}
	return c.dedupSvc.RebuildHashes(memories), nil
}

// recordCounter is satisfied by providers (RedisProvider) that can report
// their indexed count cheaply, without materializing every record.
type recordCounter interface {
	RecordCount(ctx context.Context) (int64, error)
}

// ResyncSecondary compares a named secondary's record count against the
// primary's and, if the divergence exceeds divergenceThreshold (a fraction
// of the primary's count), reconciles by mirroring up to batch of the
// primary's most recent memories into it. divergenceThreshold is the
// maintenance loop's config.MaintenanceConfig.DivergenceThreshold.
func (c *Coordinator) ResyncSecondary(ctx context.Context, secondaryName string, batch int, divergenceThreshold float64) (*ResyncReport, error) {
	if batch <= 0 {
		batch = 500
	}
	if divergenceThreshold <= 0 {
		divergenceThreshold = 0.05
	}
	ctx, cancel := context.WithTimeout(ctx, c.adminDeadline())
	defer cancel()

	var secondary vector.Provider
	for _, s := range c.secondaries {
		if s.Name() == secondaryName {
			secondary = s
			break
		}
	}
	if secondary == nil {
		return nil, appErrors.NewNotFoundError(fmt.Sprintf("secondary provider %s", secondaryName))
	}

	primaryStats, err := c.primary.Stats(ctx)
	if err != nil {
		return nil, err
	}

	report := &ResyncReport{Secondary: secondaryName, PrimaryCount: primaryStats.TotalCount}

	counter, ok := secondary.(recordCounter)
	if !ok {
		secondaryStats, err := secondary.Stats(ctx)
		if err != nil {
			return nil, err
		}
		report.SecondaryCount = secondaryStats.TotalCount
	} else {
		n, err := counter.RecordCount(ctx)
		if err != nil {
			return nil, err
		}
		report.SecondaryCount = int(n)
	}

	diff := report.PrimaryCount - report.SecondaryCount
	if diff < 0 {
		diff = -diff
	}
	if float64(diff) <= divergenceThreshold*float64(maxInt(report.PrimaryCount, 1)) {
		return report, nil
	}
	report.Diverged = true

	memories, err := c.primary.GetRecent(ctx, batch)
	if err != nil {
		return report, err
	}
	var reconciled int
	for _, m := range memories {
		if err := secondary.Store(ctx, m); err != nil {
			c.logger.WithFields(logging.ProviderFields("resync", secondaryName, string(secondary.Role())).Error(err).ToLogrus()).
				Warn("resync store failed for one memory, continuing")
			continue
		}
		reconciled++
	}
	report.Reconciled = reconciled
	return report, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// SetDedupMode changes the dedup pipeline's operating mode.
func (c *Coordinator) SetDedupMode(mode string) error {
	return c.dedupSvc.SetMode(mode)
}

// ProviderHealth reports every provider's current health, the
// provider_health admin operation.
func (c *Coordinator) ProviderHealth(ctx context.Context) []ProviderHealthReport {
	ctx, cancel := context.WithTimeout(ctx, c.adminDeadline())
	defer cancel()

	providers := append([]vector.Provider{c.primary}, c.secondaries...)
	reports := make([]ProviderHealthReport, 0, len(providers))
	for _, p := range providers {
		report := ProviderHealthReport{Name: p.Name(), Role: p.Role(), State: p.State()}
		if err := p.Health(ctx); err != nil {
			report.Error = err.Error()
		} else {
			report.Healthy = true
		}
		reports = append(reports, report)
	}
	return reports
}

// LiveStats aggregates every provider's statistics plus coordinator-level
// bookkeeping, the live_stats admin operation.
func (c *Coordinator) LiveStats(ctx context.Context) (*LiveStats, error) {
	ctx, cancel := context.WithTimeout(ctx, c.adminDeadline())
	defer cancel()

	stats := &LiveStats{
		Providers:   make(map[string]*vector.ProviderStats),
		CacheLen:    c.embedding.CacheLen(),
		DedupMode:   c.dedupSvc.Mode(),
		GeneratedAt: time.Now(),
	}

	providers := append([]vector.Provider{c.primary}, c.secondaries...)
	for _, p := range providers {
		s, err := p.Stats(ctx)
		if err != nil {
			c.logger.WithFields(logging.ProviderFields("live_stats", p.Name(), string(p.Role())).Error(err).ToLogrus()).
				Warn("failed to collect provider stats")
			continue
		}
		stats.Providers[p.Name()] = s
	}
	return stats, nil
}

// MarkFalsePositive is the mark_false_positive(reported_id, actual_id)
// admin operation: a reviewer overrides a dedup match, which requires
// reading reportedID's content from the primary since the hash index is
// keyed by content hash, not id.
func (c *Coordinator) MarkFalsePositive(ctx context.Context, reportedID, actualID string) error {
	memory, err := c.primary.GetByID(ctx, reportedID)
	if err != nil {
		return err
	}
	c.dedupSvc.MarkFalsePositive(memory.Content, reportedID, actualID)
	return nil
}
