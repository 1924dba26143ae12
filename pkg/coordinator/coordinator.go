package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jordigilh/vectorstore/internal/config"
	appErrors "github.com/jordigilh/vectorstore/internal/errors"
	"github.com/jordigilh/vectorstore/pkg/dedup"
	"github.com/jordigilh/vectorstore/pkg/shared/logging"
	"github.com/jordigilh/vectorstore/pkg/storage/vector"
)

var tracer = otel.Tracer("github.com/jordigilh/vectorstore/pkg/coordinator")

const defaultImportance = 0.5

// Coordinator is the unified store's single entry point (C6): it owns the
// provider set, the embedding pipeline, and the dedup service, and
// sequences every operation's cross-provider policy.
type Coordinator struct {
	primary     vector.Provider
	secondaries []vector.Provider
	embedding   *vector.EmbeddingPipeline
	dedupSvc    *dedup.Service
	cfg         config.CoordinatorConfig
	logger      *logrus.Logger

	// Notify is called, best-effort and non-blocking, after a successful
	// store with the stored memory. Auxiliary collaborators (e.g. a graph
	// extractor) hook in here; a nil Notify is a no-op.
	Notify func(memory *vector.Memory)

	mu             sync.Mutex
	mirrorQueues   map[string]chan *vector.Memory
	deleteQueues   map[string]chan string
	pendingMirrors chan importanceMirrorJob
	wg             sync.WaitGroup
	closed         bool

	accessMu      sync.Mutex
	pendingAccess map[string]int
}

// New constructs a Coordinator from an already-built provider set and
// dedup service. cfg is expected to have already passed config.Validate.
func New(primary vector.Provider, secondaries []vector.Provider, embedding *vector.EmbeddingPipeline, dedupSvc *dedup.Service, cfg config.CoordinatorConfig, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	queueSize := cfg.MirrorQueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}

	c := &Coordinator{
		primary:        primary,
		secondaries:    secondaries,
		embedding:      embedding,
		dedupSvc:       dedupSvc,
		cfg:            cfg,
		logger:         logger,
		mirrorQueues:   make(map[string]chan *vector.Memory),
		deleteQueues:   make(map[string]chan string),
		pendingMirrors: make(chan importanceMirrorJob, queueSize),
		pendingAccess:  make(map[string]int),
	}

	for _, secondary := range secondaries {
		storeQ := make(chan *vector.Memory, queueSize)
		deleteQ := make(chan string, queueSize)
		c.mirrorQueues[secondary.Name()] = storeQ
		c.deleteQueues[secondary.Name()] = deleteQ
		c.wg.Add(1)
		go c.runMirrorWorker(secondary, storeQ, deleteQ)
	}

	return c
}

func (c *Coordinator) runMirrorWorker(secondary vector.Provider, storeQ chan *vector.Memory, deleteQ chan string) {
	defer c.wg.Done()
	for {
		select {
		case memory, ok := <-storeQ:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.storeDeadline())
			if err := secondary.Store(ctx, memory); err != nil {
				providerFailuresTotal.WithLabelValues(secondary.Name(), "mirror_store").Inc()
				c.logger.WithFields(logging.ProviderFields("mirror_store", secondary.Name(), string(secondary.Role())).Error(err).ToLogrus()).
					Warn("mirror store failed, secondary will diverge until resync")
			}
			cancel()
		case id, ok := <-deleteQ:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.storeDeadline())
			if err := secondary.Delete(ctx, id); err != nil && !appErrors.IsType(err, appErrors.ErrorTypeNotFound) {
				providerFailuresTotal.WithLabelValues(secondary.Name(), "mirror_delete").Inc()
				c.logger.WithFields(logging.ProviderFields("mirror_delete", secondary.Name(), string(secondary.Role())).Error(err).ToLogrus()).
					Warn("mirror delete failed, secondary will diverge until resync")
			}
			cancel()
		}
	}
}

func (c *Coordinator) enqueueMirrorStore(memory *vector.Memory) {
	for name, q := range c.mirrorQueues {
		select {
		case q <- memory:
		default:
			select {
			case <-q:
				mirrorDroppedTotal.WithLabelValues(name).Inc()
			default:
			}
			select {
			case q <- memory:
			default:
			}
		}
		mirrorQueueDepth.WithLabelValues(name).Set(float64(len(q)))
	}
}

func (c *Coordinator) enqueueMirrorDelete(id string) {
	for _, q := range c.deleteQueues {
		select {
		case q <- id:
		default:
		}
	}
}

func (c *Coordinator) queryDeadline() time.Duration {
	if c.cfg.QueryDeadline > 0 {
		return c.cfg.QueryDeadline
	}
	return 2 * time.Second
}

func (c *Coordinator) storeDeadline() time.Duration {
	if c.cfg.StoreDeadline > 0 {
		return c.cfg.StoreDeadline
	}
	return 5 * time.Second
}

func (c *Coordinator) adminDeadline() time.Duration {
	if c.cfg.AdminDeadline > 0 {
		return c.cfg.AdminDeadline
	}
	return 10 * time.Second
}

func (c *Coordinator) maxContentBytes() int {
	if c.cfg.MaxContentBytes > 0 {
		return c.cfg.MaxContentBytes
	}
	return 1 << 20
}

// Store runs the full write path: validate, embed, dedup, write to
// primary, mirror fan-out, collaborator notify.
func (c *Coordinator) Store(ctx context.Context, content string, metadata map[string]interface{}, importance *float64) (*vector.Memory, error) {
	t := newTimer()
	ctx, span := tracer.Start(ctx, "coordinator.store", trace.WithAttributes(attribute.Int("content.length", len(content))))
	defer span.End()

	normalized := vector.Normalize(content)
	if normalized == "" {
		storesTotal.WithLabelValues("failed").Inc()
		err := appErrors.NewInvalidInputError("content cannot be empty")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if len(content) > c.maxContentBytes() {
		storesTotal.WithLabelValues("failed").Inc()
		err := appErrors.NewOutOfRangeError("content", fmt.Sprintf("exceeds %d bytes", c.maxContentBytes()))
		span.RecordError(err)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.storeDeadline())
	defer cancel()

	embeddingVec, _, err := c.embedding.Embed(ctx, normalized)
	if err != nil {
		storesTotal.WithLabelValues("failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if metadata == nil {
		metadata = map[string]interface{}{}
	}

	result, err := c.dedupSvc.Check(ctx, normalized, embeddingVec, metadata)
	if err != nil {
		// Dedup failures default fail-open; Check itself never returns an
		// error for probe failures (it fails open internally), so reaching
		// here means a genuine programmer error upstream. Still honor
		// fail-open rather than blocking the write.
		c.logger.WithFields(logging.DedupFields("", "error").Error(err).ToLogrus()).Warn("dedup check errored, failing open")
	} else if result.IsDuplicate {
		dedupDecisionsTotal.WithLabelValues(string(result.Tier), "duplicate").Inc()
		canonical, getErr := c.primary.GetByID(ctx, result.CanonicalID)
		if getErr == nil {
			storesTotal.WithLabelValues("duplicate").Inc()
			annotated := *canonical
			annotated.Metadata = cloneMetadata(canonical.Metadata)
			annotated.Metadata["duplicate_of"] = result.CanonicalID
			t.observeSeconds(storeDuration)
			return &annotated, nil
		}
		c.logger.WithFields(logging.MemoryFields("store", result.CanonicalID).Error(getErr).ToLogrus()).
			Warn("dedup resolved a canonical id the primary no longer has, proceeding with write")
	}

	memory := &vector.Memory{
		ID:              uuid.NewString(),
		Content:         normalized,
		ContentHash:     dedup.ContentHash(normalized),
		Embedding:       embeddingVec,
		Metadata:        metadata,
		ImportanceScore: defaultImportance,
		CreatedAt:       time.Now(),
		LastAccessedAt:  time.Now(),
	}
	if importance != nil {
		if *importance < 0 || *importance > 1 {
			storesTotal.WithLabelValues("failed").Inc()
			return nil, appErrors.NewOutOfRangeError("importance", "must be within [0, 1]")
		}
		memory.ImportanceScore = *importance
	}

	if err := c.primary.Store(ctx, memory); err != nil {
		if c.cfg.WriteFailoverMode == config.WriteFailoverFailOpen && len(c.secondaries) > 0 {
			memory.Metadata = cloneMetadata(memory.Metadata)
			memory.Metadata["pending_primary"] = true
			fallback := c.secondaries[0]
			if fallbackErr := fallback.Store(ctx, memory); fallbackErr == nil {
				c.logger.WithFields(logging.ProviderFields("store", fallback.Name(), string(fallback.Role())).Error(err).ToLogrus()).
					Warn("primary store failed, wrote to secondary under fail-open policy")
				storesTotal.WithLabelValues("written").Inc()
				c.dedupSvc.RecordStored(normalized, memory.ID)
				t.observeSeconds(storeDuration)
				return memory, nil
			}
		}
		storesTotal.WithLabelValues("failed").Inc()
		providerFailuresTotal.WithLabelValues(c.primary.Name(), "store").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	c.dedupSvc.RecordStored(normalized, memory.ID)
	c.enqueueMirrorStore(memory)

	if c.Notify != nil {
		go func() {
			defer func() { recover() }()
			c.Notify(memory)
		}()
	}

	storesTotal.WithLabelValues("written").Inc()
	t.observeSeconds(storeDuration)
	return memory, nil
}

func cloneMetadata(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Query dispatches a similarity search (or the empty-query fast path)
// across the target provider set and merges the results.
func (c *Coordinator) Query(ctx context.Context, opts QueryOptions) (*QueryResponse, error) {
	ctx, span := tracer.Start(ctx, "coordinator.query")
	defer span.End()

	if opts.MinSimilarity < 0 || opts.MinSimilarity > 1 {
		return nil, appErrors.NewOutOfRangeError("min_similarity", "must be within [0, 1]")
	}

	limit := DefaultQueryLimit
	if opts.Limit != nil {
		limit = *opts.Limit
	}
	if limit == 0 {
		return &QueryResponse{
			Memories: []*vector.ScoredMemory{},
			Trust:    Trust{DataCompleteness: 1.0, QueryType: "empty"},
		}, nil
	}
	if limit < 0 {
		return nil, appErrors.NewOutOfRangeError("limit", "must not be negative")
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}

	text := ""
	if opts.QueryText != nil {
		text = vector.Normalize(*opts.QueryText)
	}

	if text == "" {
		return c.queryEmpty(ctx, opts, limit)
	}
	return c.queryVector(ctx, opts, text, limit)
}

func (c *Coordinator) queryEmpty(ctx context.Context, opts QueryOptions, limit int) (*QueryResponse, error) {
	t := newTimer()
	defer t.observeSecondsVec(queryDuration, "empty")
	queriesTotal.WithLabelValues("empty").Inc()

	var (
		recents      []*vector.Memory
		providerUsed string
		failed       []string
	)

	if c.primary.State() != vector.StateDegraded && c.primary.State() != vector.StateShutdown {
		if r, err := c.primary.GetRecent(ctx, limit); err == nil {
			recents = r
			providerUsed = c.primary.Name()
		} else {
			failed = append(failed, c.primary.Name())
		}
	} else {
		failed = append(failed, c.primary.Name())
	}

	if providerUsed == "" {
		for _, secondary := range c.secondaries {
			r, err := secondary.GetRecent(ctx, limit)
			if err == nil {
				recents = r
				providerUsed = secondary.Name()
				break
			}
			failed = append(failed, secondary.Name())
		}
	}

	memories := make([]*vector.ScoredMemory, 0, len(recents))
	for i, m := range recents {
		if !memoryMatchesFilters(m, opts.Metadata, opts.DateRange) {
			continue
		}
		memories = append(memories, &vector.ScoredMemory{Memory: m, Similarity: 1.0, Rank: i + 1})
	}

	var err error
	completeness := 1.0
	if providerUsed == "" {
		completeness = 0
		err = appErrors.New(appErrors.ErrorTypeUnavailable, "no provider could serve get_recent")
	} else if len(failed) > 0 {
		completeness = 0.5
	}

	return &QueryResponse{
		Memories: memories,
		Trust: Trust{
			ProvidersUsed:    nonEmptySlice(providerUsed),
			ProvidersFailed:  failed,
			DataCompleteness: completeness,
			QueryType:        "empty",
		},
	}, err
}

func nonEmptySlice(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

func memoryMatchesFilters(m *vector.Memory, metadata map[string]interface{}, dateRange *vector.DateRange) bool {
	if dateRange != nil {
		if m.CreatedAt.Before(dateRange.From) || m.CreatedAt.After(dateRange.To) {
			return false
		}
	}
	for k, want := range metadata {
		got, ok := m.Metadata[k]
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

func (c *Coordinator) queryVector(ctx context.Context, opts QueryOptions, text string, limit int) (*QueryResponse, error) {
	t := newTimer()
	defer t.observeSecondsVec(queryDuration, "vector")
	queriesTotal.WithLabelValues("vector").Inc()

	embeddingVec, _, err := c.embedding.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	targets := c.targetProviders(opts.Providers)
	if len(targets) == 0 {
		return nil, appErrors.New(appErrors.ErrorTypeUnavailable, "no enabled providers to query")
	}

	type providerResult struct {
		name    string
		results []*vector.ScoredMemory
		err     error
	}

	resultsCh := make(chan providerResult, len(targets))
	group, gctx := errgroup.WithContext(ctx)
	for _, provider := range targets {
		provider := provider
		group.Go(func() error {
			deadlineCtx, cancel := context.WithTimeout(gctx, c.queryDeadline())
			defer cancel()
			qr, err := provider.Query(deadlineCtx, &vector.VectorQuery{
				QueryVector:         embeddingVec,
				Metadata:            opts.Metadata,
				DateRange:           opts.DateRange,
				Limit:               limit,
				SimilarityThreshold: opts.MinSimilarity,
				IncludeMetadata:     true,
			})
			if err != nil {
				providerFailuresTotal.WithLabelValues(provider.Name(), "query").Inc()
				resultsCh <- providerResult{name: provider.Name(), err: err}
				return nil // a single provider's failure never aborts the fan-out
			}
			resultsCh <- providerResult{name: provider.Name(), results: qr.Results}
			return nil
		})
	}
	_ = group.Wait()
	close(resultsCh)

	merged := make(map[string]*vector.ScoredMemory)
	var used, failed []string
	for pr := range resultsCh {
		if pr.err != nil {
			failed = append(failed, pr.name)
			c.logger.WithFields(logging.ProviderFields("query", pr.name, "").Error(pr.err).ToLogrus()).
				Warn("provider query failed, omitted from results")
			continue
		}
		used = append(used, pr.name)
		for _, sm := range pr.results {
			if sm.Memory == nil {
				continue
			}
			if existing, ok := merged[sm.Memory.ID]; !ok || sm.Similarity > existing.Similarity {
				merged[sm.Memory.ID] = sm
			}
		}
	}

	all := make([]*vector.ScoredMemory, 0, len(merged))
	for _, sm := range merged {
		all = append(all, sm)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Similarity != all[j].Similarity {
			return all[i].Similarity > all[j].Similarity
		}
		return all[i].Memory.CreatedAt.After(all[j].Memory.CreatedAt)
	})

	threshold := opts.MinSimilarity
	filtered := filterByThreshold(all, threshold, limit)
	if len(filtered) < limit && opts.Relax && threshold > 0 {
		filtered = filterByThreshold(all, 0, limit)
	}
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	for i, sm := range filtered {
		sm.Rank = i + 1
	}

	completeness := 1.0
	if total := len(used) + len(failed); total > 0 {
		completeness = float64(len(used)) / float64(total)
	}

	return &QueryResponse{
		Memories: filtered,
		Trust: Trust{
			ProvidersUsed:    used,
			ProvidersFailed:  failed,
			DataCompleteness: completeness,
			QueryType:        "vector",
		},
	}, nil
}

func filterByThreshold(all []*vector.ScoredMemory, threshold float64, limit int) []*vector.ScoredMemory {
	out := make([]*vector.ScoredMemory, 0, limit)
	for _, sm := range all {
		if sm.Similarity < threshold {
			continue
		}
		out = append(out, sm)
		if len(out) >= limit {
			break
		}
	}
	return out
}

func (c *Coordinator) targetProviders(names []string) []vector.Provider {
	if len(names) == 0 {
		all := make([]vector.Provider, 0, 1+len(c.secondaries))
		all = append(all, c.primary)
		all = append(all, c.secondaries...)
		return all
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []vector.Provider
	if want[c.primary.Name()] {
		out = append(out, c.primary)
	}
	for _, s := range c.secondaries {
		if want[s.Name()] {
			out = append(out, s)
		}
	}
	return out
}

// Get returns a memory by id, probing secondaries in order if the primary
// does not have it.
func (c *Coordinator) Get(ctx context.Context, id string) (*vector.Memory, error) {
	ctx, span := tracer.Start(ctx, "coordinator.get", trace.WithAttributes(attribute.String("memory.id", id)))
	defer span.End()

	memory, err := c.primary.GetByID(ctx, id)
	if err == nil {
		c.recordAccess(id)
		return memory, nil
	}
	if !appErrors.IsType(err, appErrors.ErrorTypeNotFound) {
		span.RecordError(err)
		return nil, err
	}

	for _, secondary := range c.secondaries {
		memory, secErr := secondary.GetByID(ctx, id)
		if secErr == nil {
			c.recordAccess(id)
			annotated := *memory
			annotated.Metadata = cloneMetadata(memory.Metadata)
			annotated.Metadata["source_provider"] = secondary.Name()
			return &annotated, nil
		}
	}
	return nil, err
}

// recordAccess buffers a read hit for id, coalesced in memory until C7's
// access-bookkeeping flush task drains it in a batch.
func (c *Coordinator) recordAccess(id string) {
	c.accessMu.Lock()
	c.pendingAccess[id]++
	c.accessMu.Unlock()
}

// DrainAccessCounts atomically returns and clears the buffered access
// counts, the access-bookkeeping flush task's input.
func (c *Coordinator) DrainAccessCounts() map[string]int {
	c.accessMu.Lock()
	drained := c.pendingAccess
	c.pendingAccess = make(map[string]int)
	c.accessMu.Unlock()
	return drained
}

// Delete removes a memory from the primary transactionally, then fans out
// best-effort deletes to secondaries. A primary NotFound skips the fan-out
// and is returned to the caller unchanged.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "coordinator.delete", trace.WithAttributes(attribute.String("memory.id", id)))
	defer span.End()

	memory, err := c.primary.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := c.primary.Delete(ctx, id); err != nil {
		span.RecordError(err)
		return err
	}
	c.dedupSvc.Forget(memory.Content)
	c.enqueueMirrorDelete(id)
	return nil
}

// UpdateImportance adjusts a memory's importance score to newScore on the
// primary only, then offers a mirror job to the bounded pendingMirrors
// queue, dropping it with a warning when the queue is full. No component in
// this module drains that queue (the maintenance runner does not read it),
// so secondaries keep their previous score.
func (c *Coordinator) UpdateImportance(ctx context.Context, id string, newScore float64) error {
	if newScore < 0 || newScore > 1 {
		return appErrors.NewOutOfRangeError("importance_score", "must be within [0, 1]")
	}
	current, err := c.primary.GetByID(ctx, id)
	if err != nil {
		return err
	}
	delta := newScore - current.ImportanceScore
	if err := c.primary.UpdateImportance(ctx, id, delta); err != nil {
		return err
	}

	select {
	case c.pendingMirrors <- importanceMirrorJob{ID: id, Delta: delta}:
	default:
		c.logger.WithFields(logging.MemoryFields("update_importance", id).ToLogrus()).
			Warn("pending importance mirror queue full, dropping")
	}
	return nil
}

// PendingImportanceMirrors exposes the queue of importance changes that
// UpdateImportance enqueues for secondaries. Nothing in this module reads
// from it.
func (c *Coordinator) PendingImportanceMirrors() <-chan importanceMirrorJob {
	return c.pendingMirrors
}

// Secondaries exposes the secondary provider set for maintenance and admin
// tooling that needs to address them individually.
func (c *Coordinator) Secondaries() []vector.Provider { return c.secondaries }

// Primary exposes the primary provider for maintenance and admin tooling.
func (c *Coordinator) Primary() vector.Provider { return c.primary }

// Embedding exposes the embedding pipeline for maintenance's cache
// eviction task.
func (c *Coordinator) Embedding() *vector.EmbeddingPipeline { return c.embedding }

// Dedup exposes the dedup service for maintenance's hash-backfill task and
// admin tooling.
func (c *Coordinator) Dedup() *dedup.Service { return c.dedupSvc }

// Close stops every mirror worker and waits for in-flight mirrors to
// drain. It does not close the underlying providers; the caller owns
// those (typically via vector.ProviderSet.Close).
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, q := range c.mirrorQueues {
		close(q)
	}
	for _, q := range c.deleteQueues {
		close(q)
	}
	c.mu.Unlock()
	c.wg.Wait()
}
