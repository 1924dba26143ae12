package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	appErrors "github.com/jordigilh/vectorstore/internal/errors"
	"github.com/jordigilh/vectorstore/pkg/shared/logging"
	sharedmath "github.com/jordigilh/vectorstore/pkg/shared/math"
)

// schemaDDL creates the single non-partitioned authoritative table (§4.2):
// one heap, B-tree indexes on created_at, importance_score and
// content_hash, and a GIN index over metadata; there is no index on
// embedding. The embedding column is stored as JSONB rather than a native vector type,
// since no pgvector client ships in the dependency set this core draws
// from (see DESIGN.md); candidate rows are re-ranked by cosine similarity
// in Go after a bounded index-backed fetch.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	content_hash TEXT,
	embedding JSONB,
	metadata JSONB,
	importance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	last_accessed_at TIMESTAMPTZ,
	access_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS memories_created_at_idx ON memories (created_at DESC);
CREATE INDEX IF NOT EXISTS memories_importance_idx ON memories (importance_score DESC);
CREATE INDEX IF NOT EXISTS memories_metadata_gin_idx ON memories USING GIN (metadata);
CREATE INDEX IF NOT EXISTS memories_content_hash_idx ON memories (content_hash);
`

// PostgresProvider is the primary provider (C2): the single authoritative
// store, every write transactional with synchronous commit, reads serviced
// by index-backed scans. State transitions Ready<->Degraded are driven
// through a gobreaker.CircuitBreaker rather than a hand-rolled counter.
type PostgresProvider struct {
	name   string
	pool   *ConnectionPool
	logger *logrus.Logger

	breaker *gobreaker.CircuitBreaker[any]

	mu    sync.RWMutex
	state ProviderState

	candidateWindow int
}

// PostgresProviderOption configures a PostgresProvider at construction.
type PostgresProviderOption func(*PostgresProvider)

// WithCandidateWindow overrides the default bounded-scan size used to
// re-rank candidates by cosine similarity in Go (default 200).
func WithCandidateWindow(n int) PostgresProviderOption {
	return func(p *PostgresProvider) { p.candidateWindow = n }
}

// NewPostgresProvider verifies the schema (table + indexes) synchronously —
// per §4.2, initialization is synchronous from the caller's viewpoint, no
// fire-and-forget — and returns a Ready provider, or an error if the schema
// could not be established.
func NewPostgresProvider(ctx context.Context, name string, pool *ConnectionPool, logger *logrus.Logger, opts ...PostgresProviderOption) (*PostgresProvider, error) {
	if pool == nil {
		return nil, appErrors.New(appErrors.ErrorTypeUnavailable, "connection pool is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	if _, err := pool.DB().ExecContext(ctx, schemaDDL); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrorTypeUnavailable, "failed to verify primary provider schema")
	}

	p := &PostgresProvider{
		name:            name,
		pool:            pool,
		logger:          logger,
		state:           StateReady,
		candidateWindow: 200,
	}
	p.apply(opts...)
	p.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.onBreakerStateChange(to)
		},
	})

	logger.WithFields(logging.DatabaseFields("verify_schema", "memories").ToLogrus()).
		Info("primary provider schema verified")
	return p, nil
}

func (p *PostgresProvider) apply(opts ...PostgresProviderOption) *PostgresProvider {
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *PostgresProvider) onBreakerStateChange(to gobreaker.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch to {
	case gobreaker.StateOpen:
		p.state = StateDegraded
	case gobreaker.StateClosed:
		p.state = StateReady
	}
}

func (p *PostgresProvider) Name() string       { return p.name }
func (p *PostgresProvider) Role() ProviderRole { return RolePrimary }

func (p *PostgresProvider) State() ProviderState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Store inserts memory inside a transaction with synchronous commit,
// guaranteeing read-after-write visibility in this process (§4.2). Does not
// deduplicate; callers are expected to have already run the dedup
// pipeline.
func (p *PostgresProvider) Store(ctx context.Context, memory *Memory) error {
	if memory == nil || memory.ID == "" {
		return appErrors.NewInvalidInputError("memory ID cannot be empty")
	}
	if len(memory.Embedding) == 0 {
		return appErrors.NewInvalidInputError("memory embedding cannot be empty")
	}

	embeddingJSON, err := json.Marshal(memory.Embedding)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrorTypeInternal, "failed to serialize embedding")
	}
	metadataJSON, err := json.Marshal(memory.Metadata)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrorTypeInternal, "failed to serialize metadata")
	}

	_, err = p.pool.ExecuteWithRetry(ctx, "store", func(ctx context.Context, attempt int) (any, error) {
		tx, err := p.pool.DB().BeginTx(ctx, &sql.TxOptions{})
		if err != nil {
			return nil, err
		}
		defer tx.Rollback()

		_, execErr := tx.ExecContext(ctx, `
			INSERT INTO memories (id, content, content_hash, embedding, metadata, importance_score, created_at, last_accessed_at, access_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING`,
			memory.ID, memory.Content, memory.ContentHash, embeddingJSON, metadataJSON,
			memory.ImportanceScore, memory.CreatedAt, memory.LastAccessedAt, memory.AccessCount)
		if execErr != nil {
			return nil, execErr
		}
		return nil, tx.Commit()
	})
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrorTypeUnavailable, fmt.Sprintf("%s unavailable", p.name))
	}
	return nil
}

// Query performs the similarity search. Per the Provider contract, a nil
// query vector and empty query text MUST be serviced by get_recent —
// callers that already know this is an empty query should call GetRecent
// directly, but Query honors the contract either way.
func (p *PostgresProvider) Query(ctx context.Context, query *VectorQuery) (*QueryResult, error) {
	start := time.Now()
	if query == nil {
		return nil, appErrors.NewInvalidInputError("query cannot be nil")
	}
	if len(query.QueryVector) == 0 && query.QueryText == "" {
		memories, err := p.GetRecent(ctx, query.Limit)
		if err != nil {
			return nil, err
		}
		results := make([]*ScoredMemory, len(memories))
		for i, m := range memories {
			results[i] = &ScoredMemory{Memory: m, Similarity: 1.0, Rank: i + 1}
		}
		return &QueryResult{Results: results, TotalCount: len(results), SearchTime: time.Since(start), QueryType: "recent"}, nil
	}

	window := p.candidateWindow
	if query.Limit > 0 && query.Limit*5 > window {
		window = query.Limit * 5
	}

	rows, err := p.queryRows(ctx, `
		SELECT id, content, content_hash, embedding, metadata, importance_score, created_at, last_accessed_at, access_count
		FROM memories ORDER BY created_at DESC LIMIT $1`, window)
	if err != nil {
		return nil, err
	}

	scored := make([]*ScoredMemory, 0, len(rows))
	for _, m := range rows {
		if !matchesFilters(m, query) {
			continue
		}
		similarity := sharedmath.CosineSimilarity(query.QueryVector, m.Embedding)
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
		QueryType:  "ann_scan",
	}, nil
}

// GetRecent returns up to limit most-recently-created memories, skipping
// embedding scoring entirely, backing the empty-query fast path.
func (p *PostgresProvider) GetRecent(ctx context.Context, limit int) ([]*Memory, error) {
	if limit <= 0 {
		limit = 10
	}
	return p.queryRows(ctx, `
		SELECT id, content, content_hash, embedding, metadata, importance_score, created_at, last_accessed_at, access_count
		FROM memories ORDER BY created_at DESC LIMIT $1`, limit)
}

// GetByID returns a single memory by ID.
func (p *PostgresProvider) GetByID(ctx context.Context, id string) (*Memory, error) {
	rows, err := p.queryRows(ctx, `
		SELECT id, content, content_hash, embedding, metadata, importance_score, created_at, last_accessed_at, access_count
		FROM memories WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, appErrors.NewNotFoundError(fmt.Sprintf("memory %s", id))
	}
	return rows[0], nil
}

func (p *PostgresProvider) queryRows(ctx context.Context, query string, args ...any) ([]*Memory, error) {
	result, err := p.pool.ExecuteWithRetry(ctx, "query", func(ctx context.Context, attempt int) (any, error) {
		sqlRows, queryErr := p.pool.DB().QueryContext(ctx, query, args...)
		if queryErr != nil {
			return nil, queryErr
		}
		defer sqlRows.Close()

		var memories []*Memory
		for sqlRows.Next() {
			var m Memory
			var embeddingJSON, metadataJSON []byte
			var contentHash sql.NullString
			var lastAccessedAt sql.NullTime
			if scanErr := sqlRows.Scan(&m.ID, &m.Content, &contentHash, &embeddingJSON, &metadataJSON,
				&m.ImportanceScore, &m.CreatedAt, &lastAccessedAt, &m.AccessCount); scanErr != nil {
				return nil, scanErr
			}
			m.ContentHash = contentHash.String
			if lastAccessedAt.Valid {
				m.LastAccessedAt = lastAccessedAt.Time
			}
			if len(embeddingJSON) > 0 {
				if unmarshalErr := json.Unmarshal(embeddingJSON, &m.Embedding); unmarshalErr != nil {
					return nil, unmarshalErr
				}
			}
			if len(metadataJSON) > 0 {
				if unmarshalErr := json.Unmarshal(metadataJSON, &m.Metadata); unmarshalErr != nil {
					return nil, unmarshalErr
				}
			}
			memories = append(memories, &m)
		}
		return memories, sqlRows.Err()
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrorTypeUnavailable, fmt.Sprintf("%s unavailable", p.name))
	}
	if result == nil {
		return nil, nil
	}
	return result.([]*Memory), nil
}

// Delete removes a memory by ID.
func (p *PostgresProvider) Delete(ctx context.Context, id string) error {
	result, err := p.pool.ExecuteWithRetry(ctx, "delete", func(ctx context.Context, attempt int) (any, error) {
		res, execErr := p.pool.DB().ExecContext(ctx, `DELETE FROM memories WHERE id = $1`, id)
		if execErr != nil {
			return nil, execErr
		}
		n, _ := res.RowsAffected()
		return n, nil
	})
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrorTypeUnavailable, fmt.Sprintf("%s unavailable", p.name))
	}
	if result.(int64) == 0 {
		return appErrors.NewNotFoundError(fmt.Sprintf("memory %s", id))
	}
	return nil
}

// UpdateImportance adjusts a memory's importance score by delta, clamped to
// [0, 1], inside a transaction to avoid a lost-update race with concurrent
// callers.
func (p *PostgresProvider) UpdateImportance(ctx context.Context, id string, delta float64) error {
	_, err := p.pool.ExecuteWithRetry(ctx, "update_importance", func(ctx context.Context, attempt int) (any, error) {
		tx, err := p.pool.DB().BeginTx(ctx, &sql.TxOptions{})
		if err != nil {
			return nil, err
		}
		defer tx.Rollback()

		var current float64
		if scanErr := tx.QueryRowContext(ctx, `SELECT importance_score FROM memories WHERE id = $1 FOR UPDATE`, id).Scan(&current); scanErr != nil {
			if scanErr == sql.ErrNoRows {
				return nil, appErrors.NewNotFoundError(fmt.Sprintf("memory %s", id))
			}
			return nil, scanErr
		}

		updated := clamp01(current + delta)
		if _, execErr := tx.ExecContext(ctx, `UPDATE memories SET importance_score = $1 WHERE id = $2`, updated, id); execErr != nil {
			return nil, execErr
		}
		return nil, tx.Commit()
	})
	if err != nil {
		if appErrors.IsType(err, appErrors.ErrorTypeNotFound) {
			return err
		}
		return appErrors.Wrap(err, appErrors.ErrorTypeUnavailable, fmt.Sprintf("%s unavailable", p.name))
	}
	return nil
}

// BumpAccess applies a batched access-bookkeeping update. Unlike
// UpdateImportance this needs no transaction: access_count is a monotonic
// counter with no invariant a lost update could violate.
func (p *PostgresProvider) BumpAccess(ctx context.Context, id string, count int) error {
	result, err := p.pool.ExecuteWithRetry(ctx, "bump_access", func(ctx context.Context, attempt int) (any, error) {
		res, execErr := p.pool.DB().ExecContext(ctx,
			`UPDATE memories SET access_count = access_count + $1, last_accessed_at = now() WHERE id = $2`,
			count, id)
		if execErr != nil {
			return nil, execErr
		}
		n, _ := res.RowsAffected()
		return n, nil
	})
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrorTypeUnavailable, fmt.Sprintf("%s unavailable", p.name))
	}
	if result.(int64) == 0 {
		return appErrors.NewNotFoundError(fmt.Sprintf("memory %s", id))
	}
	return nil
}

// Health runs the connection pool's ping through the circuit breaker so
// repeated failures trip Ready->Degraded without a hand-rolled counter.
func (p *PostgresProvider) Health(ctx context.Context) error {
	_, err := p.breaker.Execute(func() (any, error) {
		return nil, p.pool.HealthCheck(ctx)
	})
	if err != nil {
		p.logger.WithFields(logging.ProviderFields("health", p.name, string(RolePrimary)).Error(err).ToLogrus()).
			Warn("primary provider health check failed")
		return appErrors.Wrap(err, appErrors.ErrorTypeUnavailable, fmt.Sprintf("%s unavailable", p.name))
	}
	return nil
}

// Stats reports aggregate statistics over the memories this provider
// holds, feeding the live_stats and provider_health admin ops.
func (p *PostgresProvider) Stats(ctx context.Context) (*ProviderStats, error) {
	result, err := p.pool.ExecuteWithRetry(ctx, "stats", func(ctx context.Context, attempt int) (any, error) {
		stats := &ProviderStats{}
		var oldest, newest sql.NullTime
		var avgImportance sql.NullFloat64
		row := p.pool.DB().QueryRowContext(ctx, `
			SELECT count(*), min(created_at), max(created_at), avg(importance_score) FROM memories`)
		if scanErr := row.Scan(&stats.TotalCount, &oldest, &newest, &avgImportance); scanErr != nil {
			return nil, scanErr
		}
		if oldest.Valid {
			stats.OldestCreatedAt = oldest.Time
		}
		if newest.Valid {
			stats.NewestCreatedAt = newest.Time
		}
		if avgImportance.Valid {
			stats.AverageImportance = avgImportance.Float64
		}
		return stats, nil
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrorTypeUnavailable, fmt.Sprintf("%s unavailable", p.name))
	}
	return result.(*ProviderStats), nil
}

// Close releases the underlying connection pool.
func (p *PostgresProvider) Close() error {
	return p.pool.Close()
}

var _ Provider = (*PostgresProvider)(nil)
