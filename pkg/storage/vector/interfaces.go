// Package vector defines the Memory type and the Provider contract every
// storage backend (primary Postgres-vector, secondary Redis) implements,
// plus the query/result and analytics shapes the coordinator composes them
// with.
package vector

import (
	"context"
	"time"
)

// Memory is a single stored unit of content plus its vector embedding and
// bookkeeping fields. It is the unit every Provider operation reads or
// writes.
type Memory struct {
	ID              string                 `json:"id"`
	Content         string                 `json:"content"`
	ContentHash     string                 `json:"content_hash,omitempty"`
	Embedding       []float64              `json:"embedding,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	ImportanceScore float64                `json:"importance_score"`
	CreatedAt       time.Time              `json:"created_at"`
	LastAccessedAt  time.Time              `json:"last_accessed_at"`
	AccessCount     int                    `json:"access_count"`
}

// DateRange bounds a query to memories created within [From, To].
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// VectorQuery describes a similarity search against a provider. Exactly one
// of QueryText or QueryVector is normally populated by the caller; the
// coordinator resolves QueryText to a vector before dispatch except on the
// empty-query fast path, which bypasses embedding entirely.
type VectorQuery struct {
	QueryText           string                 `json:"query_text,omitempty"`
	QueryVector         []float64              `json:"query_vector,omitempty"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
	DateRange           *DateRange             `json:"date_range,omitempty"`
	Limit               int                    `json:"limit"`
	SimilarityThreshold float64                `json:"similarity_threshold"`
	IncludeMetadata     bool                   `json:"include_metadata"`
}

// ScoredMemory pairs a Memory with its similarity score and rank within a
// single query's results.
type ScoredMemory struct {
	Memory     *Memory `json:"memory"`
	Similarity float64 `json:"similarity"`
	Rank       int     `json:"rank"`
}

// QueryResult is what a single provider (or the coordinator's fan-out,
// see pkg/coordinator) returns for a query. ProvidersUsed/ProvidersFailed
// and DataCompleteness are populated by the coordinator, not individual
// providers, which leave them empty.
type QueryResult struct {
	Results          []*ScoredMemory `json:"results"`
	TotalCount       int             `json:"total_count"`
	SearchTime       time.Duration   `json:"search_time"`
	QueryType        string          `json:"query_type"`
	ProvidersUsed    []string        `json:"providers_used,omitempty"`
	ProvidersFailed  []string        `json:"providers_failed,omitempty"`
	DataCompleteness float64         `json:"data_completeness"`
}

// ProviderStats summarizes the memories a provider currently holds.
type ProviderStats struct {
	TotalCount        int       `json:"total_count"`
	OldestCreatedAt   time.Time `json:"oldest_created_at"`
	NewestCreatedAt   time.Time `json:"newest_created_at"`
	AverageImportance float64   `json:"average_importance"`
}

// ConnectionStats reports the health and pool utilization of a provider's
// underlying connection, feeding the provider_health admin operation.
type ConnectionStats struct {
	Available           bool          `json:"available"`
	MaxOpenConnections  int           `json:"max_open_connections"`
	OpenConnections     int           `json:"open_connections"`
	InUse               int           `json:"in_use"`
	Idle                int           `json:"idle"`
	WaitCount           int64         `json:"wait_count"`
	WaitDuration        time.Duration `json:"wait_duration"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	FailedConnections   int64         `json:"failed_connections"`
	HealthCheckFailures int64         `json:"health_check_failures"`
	LastHealthCheck     time.Time     `json:"last_health_check"`
	IsHealthy           bool          `json:"is_healthy"`
}

// ProviderState is a provider's position in its readiness state machine:
// Uninitialized -> Initializing -> Ready -> Degraded -> Shutdown. Degraded
// providers remain queryable but are excluded from new writes; Shutdown
// providers reject all operations.
type ProviderState string

const (
	StateUninitialized ProviderState = "uninitialized"
	StateInitializing  ProviderState = "initializing"
	StateReady         ProviderState = "ready"
	StateDegraded      ProviderState = "degraded"
	StateShutdown      ProviderState = "shutdown"
)

// ProviderRole distinguishes the authoritative primary store from
// best-effort secondary mirrors.
type ProviderRole string

const (
	RolePrimary   ProviderRole = "primary"
	RoleSecondary ProviderRole = "secondary"
)

// Provider is the uniform backend contract the coordinator drives. Every
// implementation must be safe for concurrent use.
type Provider interface {
	// Name identifies this provider instance for logs, metrics, and the
	// providers_used/providers_failed trust-block fields.
	Name() string

	// Role reports whether this provider is the primary or a secondary.
	Role() ProviderRole

	// State reports the provider's current readiness state machine
	// position.
	State() ProviderState

	// Store persists memory. Callers are expected to have already run the
	// dedup pipeline; Store does not deduplicate.
	Store(ctx context.Context, memory *Memory) error

	// Query performs a similarity search. When QueryVector and QueryText
	// are both empty no similarity is computed and every result scores 1.0:
	// the primary delegates to GetRecent (metadata and date-range filters
	// are not applied), the secondary returns every memory that matches
	// those filters.
	Query(ctx context.Context, query *VectorQuery) (*QueryResult, error)

	// GetRecent returns up to limit most-recently-created memories without
	// any embedding step, used by the empty-query fast path.
	GetRecent(ctx context.Context, limit int) ([]*Memory, error)

	// GetByID returns a single memory by ID.
	GetByID(ctx context.Context, id string) (*Memory, error)

	// Delete removes a memory by ID.
	Delete(ctx context.Context, id string) error

	// UpdateImportance adjusts a memory's importance score by delta,
	// clamping to [0, 1].
	UpdateImportance(ctx context.Context, id string, delta float64) error

	// BumpAccess applies a batched access-bookkeeping update: AccessCount
	// += count, LastAccessedAt = now. Used by the background maintenance
	// loop's flush task, never on the hot read path directly.
	BumpAccess(ctx context.Context, id string, count int) error

	// Health reports whether the provider can currently serve requests.
	Health(ctx context.Context) error

	// Stats reports aggregate statistics over the memories this provider
	// holds.
	Stats(ctx context.Context) (*ProviderStats, error)

	// Close releases the provider's resources.
	Close() error
}
