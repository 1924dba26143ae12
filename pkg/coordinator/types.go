// Package coordinator implements the unified store coordinator (C6): the
// single entry point that owns the provider set, the embedding pipeline,
// and the dedup service, and exposes the store/query/get/delete/
// update_importance operations plus a small set of admin operations.
package coordinator

import (
	"time"

	"github.com/jordigilh/vectorstore/pkg/storage/vector"
)

// Trust summarizes how complete and trustworthy a query's results are,
// returned alongside every query response so callers can tell a fully
// satisfied query from one served by degraded or partial providers.
type Trust struct {
	ProvidersUsed    []string `json:"providers_used"`
	ProvidersFailed  []string `json:"providers_failed"`
	DataCompleteness float64  `json:"data_completeness"`
	QueryType        string   `json:"query_type"` // "empty" or "vector"
}

// DefaultQueryLimit is used when Limit is nil (unset). MaxQueryLimit bounds
// an explicit Limit from above; a nil Limit is distinct from a Limit of 0,
// which means "return nothing, and don't query providers at all."
const (
	DefaultQueryLimit = 10
	MaxQueryLimit     = 1000
)

// QueryOptions carries a query's parameters beyond the text itself.
type QueryOptions struct {
	// QueryText is the text to embed and search with. Nil or empty (after
	// normalization) selects the empty-query fast path.
	QueryText *string
	// Limit caps the number of returned memories. Nil selects
	// DefaultQueryLimit; a pointer to 0 is an explicit "return nothing"
	// and short-circuits before any provider is queried. Values above
	// MaxQueryLimit are clamped down to it.
	Limit *int
	// MinSimilarity filters out results scoring below this threshold,
	// unless Relax is set and fewer than Limit results clear it. Must be
	// within [0, 1].
	MinSimilarity float64
	Metadata      map[string]interface{}
	DateRange     *vector.DateRange
	// Providers restricts the target set to these provider names; empty
	// selects every enabled provider.
	Providers []string
	// Relax floors MinSimilarity at 0 once applied, if the strict
	// threshold left the result set short of Limit.
	Relax bool
}

// QueryResponse is what query() returns: the merged, ranked results plus
// the trust block describing how they were gathered.
type QueryResponse struct {
	Memories []*vector.ScoredMemory `json:"memories"`
	Trust    Trust                  `json:"trust"`
}

// ProviderHealthReport is one provider's health() result, used by the
// provider_health admin operation.
type ProviderHealthReport struct {
	Name    string        `json:"name"`
	Role    vector.ProviderRole `json:"role"`
	State   vector.ProviderState `json:"state"`
	Healthy bool          `json:"healthy"`
	Error   string        `json:"error,omitempty"`
}

// LiveStats aggregates every provider's ProviderStats plus coordinator-
// level bookkeeping, the live_stats admin operation.
type LiveStats struct {
	Providers   map[string]*vector.ProviderStats `json:"providers"`
	CacheLen    int                               `json:"embedding_cache_len"`
	DedupMode   string                            `json:"dedup_mode"`
	GeneratedAt time.Time                         `json:"generated_at"`
}

// ResyncReport is the resync_secondary admin operation's result.
type ResyncReport struct {
	Secondary        string `json:"secondary"`
	PrimaryCount     int    `json:"primary_count"`
	SecondaryCount   int    `json:"secondary_count"`
	Diverged         bool   `json:"diverged"`
	Reconciled       int    `json:"reconciled"`
}

// importanceMirrorJob is a pending mirror of an importance-score change,
// queued by UpdateImportance; the maintenance runner does not drain it.
type importanceMirrorJob struct {
	ID    string
	Delta float64
}
