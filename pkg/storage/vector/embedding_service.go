package vector

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"math"
	"strings"

	"github.com/sirupsen/logrus"
)

// DefaultEmbeddingDimension is used whenever a caller asks for a
// non-positive dimension.
const DefaultEmbeddingDimension = 384

// LocalEmbeddingService is the deterministic, dependency-free tier of the
// embedding model chain (§4.4 step 3, last resort). It hashes normalized
// text into a reproducible unit vector so ingestion never blocks
// permanently on a remote model outage. It is intentionally NOT a real
// semantic model: callers that need production-quality embeddings place a
// remote or local-model tier ahead of it in the chain.
type LocalEmbeddingService struct {
	dimension int
	logger    *logrus.Logger
}

// NewLocalEmbeddingService builds a LocalEmbeddingService. A non-positive
// dimension falls back to DefaultEmbeddingDimension; a nil logger is
// replaced with a discarding logger.
func NewLocalEmbeddingService(dimension int, logger *logrus.Logger) *LocalEmbeddingService {
	if dimension <= 0 {
		dimension = DefaultEmbeddingDimension
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &LocalEmbeddingService{dimension: dimension, logger: logger}
}

// GetEmbeddingDimension reports the fixed dimension this service produces.
func (s *LocalEmbeddingService) GetEmbeddingDimension() int {
	return s.dimension
}

// GenerateTextEmbedding deterministically hashes text into a unit vector of
// length s.dimension. Empty text produces the zero vector rather than
// hashing, so callers can distinguish "no content" from "some content that
// happens to hash near zero."
func (s *LocalEmbeddingService) GenerateTextEmbedding(ctx context.Context, text string) ([]float64, error) {
	if text == "" {
		return make([]float64, s.dimension), nil
	}
	return hashToUnitVector(tokenize(text), s.dimension), nil
}

// tokenize lowercases and splits text on anything that isn't an ASCII
// letter or digit, dropping empty tokens; non-ASCII letters act as
// separators.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	return fields
}

// hashToUnitVector folds tokens into dimension buckets via SHA-256 and
// renormalizes the result to unit L2 norm. The same token stream always
// produces the same vector (R2's cache round-trip law, and this function's
// own determinism, both rely on that).
func hashToUnitVector(tokens []string, dimension int) []float64 {
	vec := make([]float64, dimension)
	for _, tok := range tokens {
		seed := sha256.Sum256([]byte(tok))
		state := binary.BigEndian.Uint64(seed[:8])
		for b := 0; b < dimension; b++ {
			// splitmix64: cheap, well-distributed stream from one hash seed,
			// so embedding a token costs one SHA-256 call, not `dimension`.
			state += 0x9E3779B97F4A7C15
			z := state
			z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
			z = (z ^ (z >> 27)) * 0x94D049BB133111EB
			z = z ^ (z >> 31)
			vec[b] += (float64(z)/float64(^uint64(0)))*2 - 1
		}
	}
	return normalizeL2(vec)
}

func normalizeL2(v []float64) []float64 {
	var sumSq float64
	for _, x := range v {
		sumSq += x * x
	}
	if sumSq == 0 {
		return v
	}
	norm := math.Sqrt(sumSq)
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
