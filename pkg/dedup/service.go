// Package dedup implements the three-tier deduplication pipeline the
// coordinator runs in front of every primary store: an exact-hash tier, a
// vector-similarity tier, and a data-driven rule tier, each short-circuiting
// on a hit. Every evaluation in a non-off mode is recorded as a Review, so
// the audit trail is complete even when a mode chooses to let a write
// through; off mode records nothing, matching a build with dedup removed.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/vectorstore/internal/config"
	appErrors "github.com/jordigilh/vectorstore/internal/errors"
	"github.com/jordigilh/vectorstore/pkg/shared/logging"
	"github.com/jordigilh/vectorstore/pkg/storage/vector"
)

// Tier names the pipeline stage that produced a Result.
type Tier string

const (
	TierHash   Tier = "hash"
	TierVector Tier = "vector"
	TierRule   Tier = "rule"
	TierNone   Tier = "none"
)

// Decision is the outcome recorded on a Review.
type Decision string

const (
	DecisionDuplicate Decision = "duplicate"
	DecisionUnique    Decision = "unique"
)

const (
	defaultVectorK    = 5
	defaultRuleFloor  = 0.80
	maxReviewsStored  = 10000
)

// Result is the pipeline's verdict on a candidate piece of content.
type Result struct {
	IsDuplicate bool
	CanonicalID string
	Tier        Tier
	Score       float64
	Reason      string
}

// Review is the audit record kept for every candidate the pipeline
// evaluates, independent of whether the active mode let the write through.
type Review struct {
	ContentHash string
	Tier        Tier
	Decision    Decision
	CanonicalID string
	Score       float64
	Reason      string
	Mode        string
	CreatedAt   time.Time
}

// candidate is a near-miss the vector tier surfaced that did not clear the
// similarity threshold, carried into the rule tier for a metadata-equality
// check.
type candidate struct {
	memory *vector.Memory
	score  float64
}

// Service runs the pipeline against a primary provider's vector index and
// an in-process exact-hash index. The hash index is owned by Service, not
// the provider, since spec scope keeps dedup bookkeeping out of the
// storage contract; RebuildHashes repopulates it from provider-supplied
// batches after a restart or backfill.
type Service struct {
	primary vector.Provider
	logger  *logrus.Logger

	mu         sync.RWMutex
	mode       string
	similarity float64
	vectorK    int
	ruleFloor  float64
	rules      []config.DedupRule
	hashIndex  map[string]string // content hash -> memory id
	reviews    []Review
}

// NewService constructs a Service from cfg, which is expected to have
// already passed config.Validate (mode, similarity threshold, and
// candidate-K defaults already filled in).
func NewService(primary vector.Provider, cfg config.DedupConfig, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	mode := cfg.Mode
	if mode == "" {
		mode = config.DedupModeActive
	}
	similarity := cfg.SimilarityThreshold
	if similarity <= 0 {
		similarity = 0.95
		if mode == config.DedupModeStrict {
			similarity = 0.90
		}
	}
	k := cfg.VectorCandidateK
	if k <= 0 {
		k = defaultVectorK
	}
	return &Service{
		primary:    primary,
		logger:     logger,
		mode:       mode,
		similarity: similarity,
		vectorK:    k,
		ruleFloor:  defaultRuleFloor,
		rules:      cfg.Rules,
		hashIndex:  make(map[string]string),
	}
}

// Mode reports the pipeline's current operating mode.
func (s *Service) Mode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// SetMode changes the pipeline's operating mode, the set_dedup_mode admin
// operation (§4.6). Invalid modes are rejected and leave the prior mode in
// place.
func (s *Service) SetMode(mode string) error {
	switch mode {
	case config.DedupModeOff, config.DedupModeLogOnly, config.DedupModeActive, config.DedupModeStrict:
	default:
		return appErrors.NewInvalidInputError(fmt.Sprintf("unsupported dedup mode: %s", mode))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
	return nil
}

// ContentHash computes the exact-match tier's digest over normalized
// content. Exported so callers can pre-compute a memory's hash for storage
// (PostgresProvider.Store persists it in content_hash) without re-deriving
// the normalization rule.
func ContentHash(content string) string {
	normalized := vector.Normalize(content)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Check runs the pipeline against candidate content with its already
// computed embedding, returning the verdict the coordinator's store
// operation should act on. In off mode, Check is a no-op: no probes run
// and no Review is recorded, so a store behaves identically to a build
// with the dedup service removed (§4.5 performance contract: off must
// cost ~1ms; P6 requires byte-identical store behavior). Every other
// mode records a Review regardless of outcome.
func (s *Service) Check(ctx context.Context, content string, embedding []float64, metadata map[string]interface{}) (*Result, error) {
	mode := s.Mode()
	hash := ContentHash(content)

	if mode == config.DedupModeOff {
		return &Result{IsDuplicate: false, Tier: TierNone}, nil
	}

	if id, ok := s.lookupHash(hash); ok {
		result := &Result{IsDuplicate: true, CanonicalID: id, Tier: TierHash, Score: 1.0, Reason: "exact content match"}
		return s.resolve(mode, hash, result)
	}

	similarity := s.Similarity()
	k := s.VectorK()
	ruleFloor := s.RuleFloor()

	queryResult, err := s.primary.Query(ctx, &vector.VectorQuery{
		QueryVector:         embedding,
		Limit:               k,
		SimilarityThreshold: ruleFloor,
		IncludeMetadata:     true,
	})
	if err != nil {
		// Dedup failures default fail-open: log and let the write proceed
		// rather than block storage on a probe failure (§4.6 failure
		// semantics).
		s.logger.WithFields(logging.DedupFields(string(TierVector), "error").Error(err).ToLogrus()).
			Warn("vector tier probe failed, failing open")
		result := &Result{IsDuplicate: false, Tier: TierNone, Reason: "vector probe failed, failed open"}
		s.record(Review{ContentHash: hash, Tier: TierNone, Decision: DecisionUnique, Reason: result.Reason, Mode: mode, CreatedAt: time.Now()})
		return result, nil
	}

	var vectorHit *candidate
	var nearMisses []candidate
	for _, scored := range queryResult.Results {
		if scored.Memory == nil {
			continue
		}
		if scored.Similarity >= similarity && vectorHit == nil {
			c := candidate{memory: scored.Memory, score: scored.Similarity}
			vectorHit = &c
		}
		if scored.Similarity >= ruleFloor {
			nearMisses = append(nearMisses, candidate{memory: scored.Memory, score: scored.Similarity})
		}
	}

	ruleName, ruleHit := s.matchRules(metadata, nearMisses)

	if mode == config.DedupModeStrict {
		// Strict requires the vector and rule tiers to concur on the same
		// memory; a lone hit abstains rather than deciding (§4.5: "all 3
		// tiers must concur-or-abstain").
		if vectorHit != nil && ruleHit != nil && vectorHit.memory.ID == ruleHit.memory.ID {
			result := &Result{
				IsDuplicate: true,
				CanonicalID: vectorHit.memory.ID,
				Tier:        TierRule,
				Score:       vectorHit.score,
				Reason:      fmt.Sprintf("vector and rule %q concur", ruleName),
			}
			return s.resolve(mode, hash, result)
		}
		if vectorHit != nil || ruleHit != nil {
			s.logger.WithFields(logging.DedupFields(string(TierRule), "abstain").ToLogrus()).
				Debug("strict mode tiers did not concur, abstaining")
			result := &Result{IsDuplicate: false, Tier: TierNone, Reason: "tiers did not concur, abstained"}
			s.record(Review{ContentHash: hash, Tier: TierNone, Decision: DecisionUnique, Reason: result.Reason, Mode: mode, CreatedAt: time.Now()})
			return result, nil
		}
	} else {
		if vectorHit != nil {
			result := &Result{
				IsDuplicate: true,
				CanonicalID: vectorHit.memory.ID,
				Tier:        TierVector,
				Score:       vectorHit.score,
				Reason:      "semantic similarity above threshold",
			}
			return s.resolve(mode, hash, result)
		}
		if ruleHit != nil {
			result := &Result{
				IsDuplicate: true,
				CanonicalID: ruleHit.memory.ID,
				Tier:        TierRule,
				Score:       ruleHit.score,
				Reason:      fmt.Sprintf("matched rule %q", ruleName),
			}
			return s.resolve(mode, hash, result)
		}
	}

	result := &Result{IsDuplicate: false, Tier: TierNone}
	s.record(Review{ContentHash: hash, Tier: TierNone, Decision: DecisionUnique, Mode: mode, CreatedAt: time.Now()})
	return result, nil
}

// resolve applies the active mode's policy to a positive tier hit: off
// never reaches here, log_only always reports unique but records the
// review, active/strict report the duplicate.
func (s *Service) resolve(mode, hash string, result *Result) (*Result, error) {
	switch mode {
	case config.DedupModeLogOnly:
		s.record(Review{
			ContentHash: hash, Tier: result.Tier, Decision: DecisionDuplicate,
			CanonicalID: result.CanonicalID, Score: result.Score, Reason: result.Reason,
			Mode: mode, CreatedAt: time.Now(),
		})
		return &Result{IsDuplicate: false, Tier: result.Tier, Reason: "log_only mode, write allowed"}, nil
	default: // active, strict
		s.record(Review{
			ContentHash: hash, Tier: result.Tier, Decision: DecisionDuplicate,
			CanonicalID: result.CanonicalID, Score: result.Score, Reason: result.Reason,
			Mode: mode, CreatedAt: time.Now(),
		})
		return result, nil
	}
}

// matchRules checks each configured rule, in order, against every near-miss
// candidate the vector tier surfaced: a rule fires when every metadata key
// it names compares equal between the candidate's metadata and the
// near-miss memory's. Rules are data (config.DedupRule), the engine only
// orchestrates (§4.5 step 3).
func (s *Service) matchRules(metadata map[string]interface{}, nearMisses []candidate) (string, *candidate) {
	if len(nearMisses) == 0 {
		return "", nil
	}
	s.mu.RLock()
	rules := s.rules
	s.mu.RUnlock()

	for _, rule := range rules {
		for i := range nearMisses {
			if ruleMatches(rule, metadata, nearMisses[i].memory.Metadata) {
				return rule.Name, &nearMisses[i]
			}
		}
	}
	return "", nil
}

func ruleMatches(rule config.DedupRule, candidateMeta, existingMeta map[string]interface{}) bool {
	if len(rule.Conditions) == 0 {
		return false
	}
	for key, allowed := range rule.Conditions {
		candVal, ok := stringField(candidateMeta, key)
		if !ok || !containsString(allowed, candVal) {
			return false
		}
		existingVal, ok := stringField(existingMeta, key)
		if !ok || existingVal != candVal {
			return false
		}
	}
	return true
}

func stringField(meta map[string]interface{}, key string) (string, bool) {
	if meta == nil {
		return "", false
	}
	v, ok := meta[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

// RecordStored registers a successfully stored memory's content hash so a
// subsequent Check can find it via the hash tier.
func (s *Service) RecordStored(content, id string) {
	hash := ContentHash(content)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashIndex[hash] = id
}

// Forget removes a memory's content hash from the index, called when a
// memory is deleted so the hash tier stops pointing at a dead id.
func (s *Service) Forget(content string) {
	hash := ContentHash(content)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hashIndex, hash)
}

// RebuildHashes repopulates the hash index from a batch of existing
// memories, the hash-backfill maintenance task (§4.7) driving pre-dedup
// memories through the index in bounded batches the caller pages through.
func (s *Service) RebuildHashes(memories []*vector.Memory) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range memories {
		if m == nil || m.Content == "" {
			continue
		}
		hash := m.ContentHash
		if hash == "" {
			hash = ContentHash(m.Content)
		}
		s.hashIndex[hash] = m.ID
	}
	return len(memories)
}

// MarkFalsePositive is the building block behind the mark_false_positive
// (reported_id, actual_id) admin operation (§4.5): a human reviewer
// overrides a hash-tier match, evicting the content's hash association and
// recording a review with decision=unique so the audit trail reflects the
// correction.
// The coordinator resolves reportedID to its content (a GetByID on the
// primary) before calling this, since the hash index is keyed by content
// hash, not id.
func (s *Service) MarkFalsePositive(reportedContent, reportedID, actualID string) {
	hash := ContentHash(reportedContent)
	s.mu.Lock()
	delete(s.hashIndex, hash)
	s.mu.Unlock()

	s.record(Review{
		ContentHash: hash,
		Tier:        TierHash,
		Decision:    DecisionUnique,
		CanonicalID: actualID,
		Reason:      fmt.Sprintf("false positive override: %s is not a duplicate of %s", reportedID, actualID),
		Mode:        s.Mode(),
		CreatedAt:   time.Now(),
	})
}

func (s *Service) lookupHash(hash string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.hashIndex[hash]
	return id, ok
}

func (s *Service) record(review Review) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reviews = append(s.reviews, review)
	if len(s.reviews) > maxReviewsStored {
		s.reviews = s.reviews[len(s.reviews)-maxReviewsStored:]
	}
	s.logger.WithFields(logging.DedupFields(string(review.Tier), string(review.Decision)).
		Custom("canonical_id", review.CanonicalID).Custom("mode", review.Mode).ToLogrus()).
		Debug("dedup review recorded")
}

// Reviews returns a copy of the most recent audit records, newest last.
func (s *Service) Reviews() []Review {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Review, len(s.reviews))
	copy(out, s.reviews)
	return out
}

// Similarity reports the active vector-tier similarity threshold.
func (s *Service) Similarity() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.similarity
}

// SetSimilarity overrides the vector-tier similarity threshold. Nothing in
// this module calls it; MarkFalsePositive leaves the threshold unchanged.
func (s *Service) SetSimilarity(threshold float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.similarity = threshold
}

// VectorK reports the candidate window size the vector tier queries with.
func (s *Service) VectorK() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vectorK
}

// RuleFloor reports the minimum similarity a near-miss must clear to be
// considered by the rule tier.
func (s *Service) RuleFloor() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ruleFloor
}
