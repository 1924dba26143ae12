package vector

import (
	"context"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"

	appErrors "github.com/jordigilh/vectorstore/internal/errors"
	"github.com/jordigilh/vectorstore/pkg/shared/logging"
)

// EmbeddingModel is the contract an individual tier of the model chain
// implements (§6 "Embedding model contract"): a remote API client, a local
// model, or the deterministic LocalEmbeddingService fallback all satisfy
// it identically.
type EmbeddingModel interface {
	ModelID() string
	Dimension() int
	Embed(ctx context.Context, text string) ([]float64, error)
}

// localModelAdapter lets a LocalEmbeddingService back the model chain as a
// tier without re-implementing EmbeddingModel itself.
type localModelAdapter struct {
	id  string
	gen interface {
		GenerateTextEmbedding(ctx context.Context, text string) ([]float64, error)
		GetEmbeddingDimension() int
	}
}

func (a *localModelAdapter) ModelID() string   { return a.id }
func (a *localModelAdapter) Dimension() int    { return a.gen.GetEmbeddingDimension() }
func (a *localModelAdapter) Embed(ctx context.Context, text string) ([]float64, error) {
	return a.gen.GenerateTextEmbedding(ctx, text)
}

// NewDeterministicModel wraps a LocalEmbeddingService as the last tier of
// an embedding chain, tagged so results can be flagged in metadata per
// §4.4: "the pseudo-embedding fallback ... MUST be tagged in metadata so
// callers can later reprocess."
func NewDeterministicModel(svc *LocalEmbeddingService) EmbeddingModel {
	return &localModelAdapter{id: "deterministic-local", gen: svc}
}

// cacheEntry is one embedding cache record (§3 "Embedding Cache Entry"):
// normalized text -> (vector, model id, inserted-at), with an access-order
// link for LRU eviction.
type cacheEntry struct {
	key        string
	vector     []float64
	modelID    string
	insertedAt time.Time
}

// EmbeddingPipeline implements C4: normalize -> cache lookup -> model
// chain (first success wins) -> validate -> cache insert. It is safe for
// concurrent use.
type EmbeddingPipeline struct {
	models    []EmbeddingModel
	dimension int

	cacheSize int
	cacheTTL  time.Duration

	mu      sync.Mutex
	entries map[string]*cacheNode
	order   *lruList // LRU order, most-recently-used at the front

	group     singleflight.Group
	backoffFn func() backoff.BackOff

	logger *logrus.Logger
}

// EmbeddingPipelineOption configures an EmbeddingPipeline at construction.
type EmbeddingPipelineOption func(*EmbeddingPipeline)

// WithCacheSize overrides the default 10k-entry cache bound.
func WithCacheSize(n int) EmbeddingPipelineOption {
	return func(p *EmbeddingPipeline) { p.cacheSize = n }
}

// WithCacheTTL overrides the default 1h cache entry lifetime.
func WithCacheTTL(d time.Duration) EmbeddingPipelineOption {
	return func(p *EmbeddingPipeline) { p.cacheTTL = d }
}

// NewEmbeddingPipeline builds a pipeline over the given model chain, tried
// in order on each cache miss. dimension is the store's declared D; models
// producing a different length are rejected at validation time, not at
// construction (a single misconfigured tier shouldn't crash startup).
func NewEmbeddingPipeline(dimension int, logger *logrus.Logger, models []EmbeddingModel, opts ...EmbeddingPipelineOption) *EmbeddingPipeline {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	p := &EmbeddingPipeline{
		models:    models,
		dimension: dimension,
		cacheSize: 10000,
		cacheTTL:  time.Hour,
		entries:   make(map[string]*cacheNode),
		order:     newLRUList(),
		logger:    logger,
		backoffFn: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 25 * time.Millisecond
			b.MaxInterval = 250 * time.Millisecond
			b.MaxElapsedTime = 0 // bounded by WithMaxRetries in embedWithRetry, not elapsed time
			return b
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Normalize applies Unicode NFC normalization, collapses runs of
// whitespace to a single space, and trims leading/trailing whitespace
// (§4.4 step 1). It is idempotent (R1): Normalize(Normalize(x)) == Normalize(x).
func Normalize(text string) string {
	normalized := norm.NFC.String(text)
	fields := strings.Fields(normalized)
	return strings.Join(fields, " ")
}

// Embed runs the full C4 pipeline for text, which the caller is expected
// to have already normalized (or will normalize here if not — Normalize is
// idempotent, so calling it twice is harmless).
func (p *EmbeddingPipeline) Embed(ctx context.Context, text string) ([]float64, string, error) {
	normalized := Normalize(text)

	if vec, modelID, ok := p.cacheGet(normalized); ok {
		return vec, modelID, nil
	}

	type result struct {
		vector  []float64
		modelID string
	}
	v, err, _ := p.group.Do(normalized, func() (interface{}, error) {
		if vec, modelID, ok := p.cacheGet(normalized); ok {
			return result{vec, modelID}, nil
		}
		vec, modelID, embedErr := p.runChain(ctx, normalized)
		if embedErr != nil {
			return nil, embedErr
		}
		p.cachePut(normalized, vec, modelID)
		return result{vec, modelID}, nil
	})
	if err != nil {
		return nil, "", err
	}
	r := v.(result)
	return r.vector, r.modelID, nil
}

func (p *EmbeddingPipeline) runChain(ctx context.Context, normalized string) ([]float64, string, error) {
	var lastErr error
	for _, model := range p.models {
		vec, err := p.embedWithRetry(ctx, model, normalized)
		if err != nil {
			p.logger.WithFields(logging.EmbeddingFields("embed", model.ModelID()).Error(err).ToLogrus()).
				Warn("embedding model tier failed, trying next")
			lastErr = err
			continue
		}
		if validateErr := ValidateEmbedding(vec, p.dimension); validateErr != nil {
			p.logger.WithFields(logging.EmbeddingFields("validate", model.ModelID()).Error(validateErr).ToLogrus()).
				Warn("embedding model tier produced invalid vector, trying next")
			lastErr = validateErr
			continue
		}
		return vec, model.ModelID(), nil
	}
	if lastErr == nil {
		lastErr = appErrors.New(appErrors.ErrorTypeEmbeddingFailed, "no embedding models configured")
	}
	return nil, "", appErrors.NewEmbeddingFailedError("generate text embedding", lastErr)
}

func (p *EmbeddingPipeline) embedWithRetry(ctx context.Context, model EmbeddingModel, text string) ([]float64, error) {
	var vec []float64
	op := func() ([]float64, error) {
		v, err := model.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
	bo := backoff.WithMaxRetries(p.backoffFn(), 2)
	err := backoff.Retry(func() error {
		v, err := op()
		if err != nil {
			return err
		}
		vec = v
		return nil
	}, backoff.WithContext(bo, ctx))
	return vec, err
}

// ValidateEmbedding enforces §3 I2/I3: embedding length equals D, and no
// NaN/±Inf components.
func ValidateEmbedding(vec []float64, dimension int) error {
	if len(vec) != dimension {
		return appErrors.New(appErrors.ErrorTypeInvalidInput, "embedding dimension mismatch").
			WithDetailsf("got %d, want %d", len(vec), dimension)
	}
	for _, v := range vec {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return appErrors.New(appErrors.ErrorTypeInvalidInput, "embedding contains NaN or Inf")
		}
	}
	return nil
}

func (p *EmbeddingPipeline) cacheGet(key string) ([]float64, string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	node, ok := p.entries[key]
	if !ok {
		return nil, "", false
	}
	entry := node.entry
	if p.cacheTTL > 0 && time.Since(entry.insertedAt) > p.cacheTTL {
		p.order.remove(node)
		delete(p.entries, key)
		return nil, "", false
	}
	p.order.moveToFront(node)
	return entry.vector, entry.modelID, true
}

func (p *EmbeddingPipeline) cachePut(key string, vec []float64, modelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if node, ok := p.entries[key]; ok {
		node.entry.vector = vec
		node.entry.modelID = modelID
		node.entry.insertedAt = time.Now()
		p.order.moveToFront(node)
		return
	}

	entry := &cacheEntry{key: key, vector: vec, modelID: modelID, insertedAt: time.Now()}
	node := p.order.pushFront(entry)
	p.entries[key] = node

	for p.cacheSize > 0 && len(p.entries) > p.cacheSize {
		oldest := p.order.back()
		if oldest == nil {
			break
		}
		p.order.remove(oldest)
		delete(p.entries, oldest.entry.key)
	}
}

// EvictExpired drops all cache entries older than the configured TTL,
// invoked periodically by the background maintenance loop (§4.7 "Cache
// eviction").
func (p *EmbeddingPipeline) EvictExpired() int {
	if p.cacheTTL <= 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	var evicted int
	node := p.order.back()
	for node != nil {
		prev := node.prev
		if now.Sub(node.entry.insertedAt) > p.cacheTTL {
			p.order.remove(node)
			delete(p.entries, node.entry.key)
			evicted++
		}
		node = prev
	}
	return evicted
}

// CacheLen reports the current number of cached entries.
func (p *EmbeddingPipeline) CacheLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Dimension reports the pipeline's declared embedding dimension.
func (p *EmbeddingPipeline) Dimension() int {
	return p.dimension
}

// cacheNode is one node of the intrusive LRU doubly-linked list.
type cacheNode struct {
	entry      *cacheEntry
	prev, next *cacheNode
}

// lruList is a minimal intrusive doubly-linked list tracking access order
// for the embedding cache; the map in EmbeddingPipeline does the keyed
// lookup, this only orders nodes front (MRU) to back (LRU) for eviction.
type lruList struct {
	head, tail *cacheNode
}

func newLRUList() *lruList {
	return &lruList{}
}

func (l *lruList) pushFront(entry *cacheEntry) *cacheNode {
	node := &cacheNode{entry: entry}
	node.next = l.head
	if l.head != nil {
		l.head.prev = node
	}
	l.head = node
	if l.tail == nil {
		l.tail = node
	}
	return node
}

func (l *lruList) remove(node *cacheNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		l.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		l.tail = node.prev
	}
	node.prev, node.next = nil, nil
}

func (l *lruList) moveToFront(node *cacheNode) {
	if l.head == node {
		return
	}
	l.remove(node)
	node.next = l.head
	if l.head != nil {
		l.head.prev = node
	}
	l.head = node
	if l.tail == nil {
		l.tail = node
	}
}

func (l *lruList) back() *cacheNode {
	return l.tail
}
