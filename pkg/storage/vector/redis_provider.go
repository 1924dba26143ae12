package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	appErrors "github.com/jordigilh/vectorstore/internal/errors"
	"github.com/jordigilh/vectorstore/pkg/shared/logging"
	sharedmath "github.com/jordigilh/vectorstore/pkg/shared/math"
)

// RedisProvider is the secondary provider (C3): a lighter-weight store used
// as a read fallback when the primary is Degraded and as a best-effort
// mirror target. It does not participate in transactional guarantees and
// may lag the primary; divergence is resolved by the resync_secondary admin
// operation, never by synchronous compensation.
type RedisProvider struct {
	name      string
	client    *redis.Client
	namespace string
	logger    *logrus.Logger

	mu                  sync.RWMutex
	state               ProviderState
	healthCheckFailures int
	degradeThreshold    int
}

// RedisProviderOption configures a RedisProvider at construction.
type RedisProviderOption func(*RedisProvider)

// WithDegradeThreshold overrides the default 3 consecutive health-check
// failures before the provider transitions Ready -> Degraded.
func WithDegradeThreshold(n int) RedisProviderOption {
	return func(p *RedisProvider) { p.degradeThreshold = n }
}

// NewRedisProvider wraps an existing *redis.Client as a Provider. The
// client's lifecycle (construction, TLS, auth) is the caller's
// responsibility; this constructor only layers the Provider contract and
// key namespacing on top.
func NewRedisProvider(name string, client *redis.Client, namespace string, logger *logrus.Logger) *RedisProvider {
	if logger == nil {
		logger = logrus.New()
	}
	if namespace == "" {
		namespace = "memories"
	}
	return &RedisProvider{
		name:             name,
		client:           client,
		namespace:        namespace,
		logger:           logger,
		state:            StateReady,
		degradeThreshold: 3,
	}
}

func (p *RedisProvider) Name() string      { return p.name }
func (p *RedisProvider) Role() ProviderRole { return RoleSecondary }

func (p *RedisProvider) State() ProviderState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *RedisProvider) recordHealthResult(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.healthCheckFailures++
		if p.healthCheckFailures >= p.degradeThreshold && p.state == StateReady {
			p.state = StateDegraded
		}
		return
	}
	p.healthCheckFailures = 0
	if p.state == StateDegraded {
		p.state = StateReady
	}
}

func (p *RedisProvider) recordKey(id string) string { return fmt.Sprintf("%s:record:%s", p.namespace, id) }
func (p *RedisProvider) indexKey() string           { return fmt.Sprintf("%s:index", p.namespace) }

// Store serializes memory as JSON and indexes it by creation time for
// GetRecent and by-ID lookup. Does not deduplicate; callers are expected to
// have already run the dedup pipeline.
func (p *RedisProvider) Store(ctx context.Context, memory *Memory) error {
	if memory == nil || memory.ID == "" {
		return appErrors.NewInvalidInputError("memory ID cannot be empty")
	}

	payload, err := json.Marshal(memory)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrorTypeInternal, "failed to serialize memory")
	}

	pipe := p.client.TxPipeline()
	pipe.Set(ctx, p.recordKey(memory.ID), payload, 0)
	pipe.ZAdd(ctx, p.indexKey(), redis.Z{Score: float64(memory.CreatedAt.UnixNano()), Member: memory.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		p.recordHealthResult(err)
		return appErrors.Wrap(err, appErrors.ErrorTypeUnavailable, fmt.Sprintf("%s unavailable", p.name))
	}
	p.recordHealthResult(nil)
	return nil
}

// Query performs a brute-force cosine-similarity scan over every indexed
// memory. This is acceptable for the secondary's read-fallback role; it is
// not the provider that carries the store's query-latency budget.
func (p *RedisProvider) Query(ctx context.Context, query *VectorQuery) (*QueryResult, error) {
	start := time.Now()
	if query == nil {
		return nil, appErrors.NewInvalidInputError("query cannot be nil")
	}

	ids, err := p.client.ZRevRange(ctx, p.indexKey(), 0, -1).Result()
	if err != nil {
		p.recordHealthResult(err)
		return nil, appErrors.Wrap(err, appErrors.ErrorTypeUnavailable, fmt.Sprintf("%s unavailable", p.name))
	}
	p.recordHealthResult(nil)

	memories, err := p.fetchMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	scored := make([]*ScoredMemory, 0, len(memories))
	for _, m := range memories {
		if !matchesFilters(m, query) {
			continue
		}
		similarity := 1.0
		if len(query.QueryVector) > 0 && len(m.Embedding) > 0 {
			similarity = sharedmath.CosineSimilarity(query.QueryVector, m.Embedding)
		}
		if similarity < query.SimilarityThreshold {
			continue
		}
		scored = append(scored, &ScoredMemory{Memory: m, Similarity: similarity})
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Similarity > scored[j].Similarity })

	limit := query.Limit
	if limit <= 0 || limit > len(scored) {
		limit = len(scored)
	}
	scored = scored[:limit]
	for i, s := range scored {
		s.Rank = i + 1
	}

	return &QueryResult{
		Results:    scored,
		TotalCount: len(scored),
		SearchTime: time.Since(start),
		QueryType:  "secondary_scan",
	}, nil
}

func matchesFilters(m *Memory, query *VectorQuery) bool {
	if query.DateRange != nil {
		if m.CreatedAt.Before(query.DateRange.From) || m.CreatedAt.After(query.DateRange.To) {
			return false
		}
	}
	for k, want := range query.Metadata {
		got, ok := m.Metadata[k]
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

// GetRecent returns up to limit most-recently-created memories without any
// embedding step, backing the empty-query fast path.
func (p *RedisProvider) GetRecent(ctx context.Context, limit int) ([]*Memory, error) {
	if limit <= 0 {
		limit = 10
	}
	ids, err := p.client.ZRevRange(ctx, p.indexKey(), 0, int64(limit-1)).Result()
	if err != nil {
		p.recordHealthResult(err)
		return nil, appErrors.Wrap(err, appErrors.ErrorTypeUnavailable, fmt.Sprintf("%s unavailable", p.name))
	}
	p.recordHealthResult(nil)
	return p.fetchMany(ctx, ids)
}

// GetByID returns a single memory by ID, or a NotFound error.
func (p *RedisProvider) GetByID(ctx context.Context, id string) (*Memory, error) {
	payload, err := p.client.Get(ctx, p.recordKey(id)).Result()
	if err == redis.Nil {
		return nil, appErrors.NewNotFoundError(fmt.Sprintf("memory %s", id))
	}
	if err != nil {
		p.recordHealthResult(err)
		return nil, appErrors.Wrap(err, appErrors.ErrorTypeUnavailable, fmt.Sprintf("%s unavailable", p.name))
	}
	p.recordHealthResult(nil)
	var m Memory
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrorTypeInternal, "failed to deserialize memory")
	}
	return &m, nil
}

func (p *RedisProvider) fetchMany(ctx context.Context, ids []string) ([]*Memory, error) {
	memories := make([]*Memory, 0, len(ids))
	for _, id := range ids {
		m, err := p.GetByID(ctx, id)
		if err != nil {
			if appErrors.IsType(err, appErrors.ErrorTypeNotFound) {
				continue // index/record drift; skip rather than fail the whole scan
			}
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, nil
}

// Delete removes a memory by ID.
func (p *RedisProvider) Delete(ctx context.Context, id string) error {
	pipe := p.client.TxPipeline()
	del := pipe.Del(ctx, p.recordKey(id))
	pipe.ZRem(ctx, p.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		p.recordHealthResult(err)
		return appErrors.Wrap(err, appErrors.ErrorTypeUnavailable, fmt.Sprintf("%s unavailable", p.name))
	}
	p.recordHealthResult(nil)
	if del.Val() == 0 {
		return appErrors.NewNotFoundError(fmt.Sprintf("memory %s", id))
	}
	return nil
}

// UpdateImportance adjusts a memory's importance score by delta, clamped to
// [0, 1].
func (p *RedisProvider) UpdateImportance(ctx context.Context, id string, delta float64) error {
	m, err := p.GetByID(ctx, id)
	if err != nil {
		return err
	}
	m.ImportanceScore = clamp01(m.ImportanceScore + delta)
	payload, err := json.Marshal(m)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrorTypeInternal, "failed to serialize memory")
	}
	if err := p.client.Set(ctx, p.recordKey(id), payload, 0).Err(); err != nil {
		p.recordHealthResult(err)
		return appErrors.Wrap(err, appErrors.ErrorTypeUnavailable, fmt.Sprintf("%s unavailable", p.name))
	}
	p.recordHealthResult(nil)
	return nil
}

// BumpAccess applies a batched access-bookkeeping update: AccessCount +=
// count, LastAccessedAt = now. Read-modify-write like UpdateImportance,
// since the secondary has no atomic field-increment on a JSON blob.
func (p *RedisProvider) BumpAccess(ctx context.Context, id string, count int) error {
	m, err := p.GetByID(ctx, id)
	if err != nil {
		return err
	}
	m.AccessCount += count
	m.LastAccessedAt = time.Now()
	payload, err := json.Marshal(m)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrorTypeInternal, "failed to serialize memory")
	}
	if err := p.client.Set(ctx, p.recordKey(id), payload, 0).Err(); err != nil {
		p.recordHealthResult(err)
		return appErrors.Wrap(err, appErrors.ErrorTypeUnavailable, fmt.Sprintf("%s unavailable", p.name))
	}
	p.recordHealthResult(nil)
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Health pings the Redis connection and updates the Ready<->Degraded state
// machine per consecutive failure count.
func (p *RedisProvider) Health(ctx context.Context) error {
	err := p.client.Ping(ctx).Err()
	p.recordHealthResult(err)
	if err != nil {
		p.logger.WithFields(logging.ProviderFields("health", p.name, string(RoleSecondary)).Error(err).ToLogrus()).
			Warn("secondary provider health check failed")
		return appErrors.Wrap(err, appErrors.ErrorTypeUnavailable, fmt.Sprintf("%s unavailable", p.name))
	}
	return nil
}

// Stats reports aggregate statistics over the memories this provider holds.
func (p *RedisProvider) Stats(ctx context.Context) (*ProviderStats, error) {
	ids, err := p.client.ZRange(ctx, p.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrorTypeUnavailable, fmt.Sprintf("%s unavailable", p.name))
	}
	stats := &ProviderStats{}
	if len(ids) == 0 {
		return stats, nil
	}

	var totalImportance float64
	var count int64
	for _, id := range ids {
		m, err := p.GetByID(ctx, id)
		if err != nil {
			continue
		}
		count++
		totalImportance += m.ImportanceScore
		if stats.OldestCreatedAt.IsZero() || m.CreatedAt.Before(stats.OldestCreatedAt) {
			stats.OldestCreatedAt = m.CreatedAt
		}
		if m.CreatedAt.After(stats.NewestCreatedAt) {
			stats.NewestCreatedAt = m.CreatedAt
		}
	}
	stats.TotalCount = int(count)
	if count > 0 {
		stats.AverageImportance = totalImportance / float64(count)
	}
	return stats, nil
}

// Close releases the underlying Redis client.
func (p *RedisProvider) Close() error {
	return p.client.Close()
}

var _ Provider = (*RedisProvider)(nil)

// RecordCount reports the number of indexed memories without fetching each
// record, used by the resync_secondary admin operation's divergence check.
func (p *RedisProvider) RecordCount(ctx context.Context) (int64, error) {
	n, err := p.client.ZCard(ctx, p.indexKey()).Result()
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrorTypeUnavailable, fmt.Sprintf("%s unavailable", p.name))
	}
	return n, nil
}

