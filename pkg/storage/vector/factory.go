package vector

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/vectorstore/internal/config"
)

// ProviderSet bundles the primary provider, secondary provider, and
// embedding pipeline a coordinator is built from, constructed from a
// single validated Config. Splitting construction out of the coordinator
// keeps provider wiring testable without a live Postgres or Redis.
type ProviderSet struct {
	Primary   *PostgresProvider
	Secondary *RedisProvider
	Embedding *EmbeddingPipeline

	redisClient *redis.Client
}

// BuildProviderSet constructs every component named in cfg. cfg is expected
// to have already passed config.Validate; BuildProviderSet does not repeat
// that validation, it only wires what Validate already guaranteed is
// internally consistent.
func BuildProviderSet(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*ProviderSet, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	embedding, err := buildEmbeddingPipeline(cfg, logger)
	if err != nil {
		return nil, err
	}

	pool, err := NewConnectionPool(&cfg.Postgres, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open primary connection pool: %w", err)
	}
	primary, err := NewPostgresProvider(ctx, cfg.Coordinator.PrimaryProviderName, pool, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to construct primary provider: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Cache.Address})
	secondary := NewRedisProvider("secondary", redisClient, cfg.Cache.Namespace, logger)

	return &ProviderSet{
		Primary:     primary,
		Secondary:   secondary,
		Embedding:   embedding,
		redisClient: redisClient,
	}, nil
}

// buildEmbeddingPipeline wires the model chain per cfg.Embedding.Provider.
// "remote" is rejected: spec.md places external model providers outside
// the core's scope (see DESIGN.md), so there is no concrete remote tier to
// construct here.
func buildEmbeddingPipeline(cfg *config.Config, logger *logrus.Logger) (*EmbeddingPipeline, error) {
	dimension := cfg.Embedding.Dimension
	if dimension <= 0 {
		dimension = 384
	}
	localSvc := NewLocalEmbeddingService(dimension, logger)

	var models []EmbeddingModel
	switch cfg.Embedding.Provider {
	case "", "local":
		modelID := cfg.Embedding.Model
		if modelID == "" {
			modelID = "local-v1"
		}
		models = []EmbeddingModel{
			&localModelAdapter{id: modelID, gen: localSvc},
			NewDeterministicModel(localSvc),
		}
	case "deterministic":
		models = []EmbeddingModel{NewDeterministicModel(localSvc)}
	case "remote":
		return nil, fmt.Errorf("remote embedding provider requires an external client the core does not ship")
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Embedding.Provider)
	}

	return NewEmbeddingPipeline(dimension, logger, models,
		WithCacheSize(cfg.Embedding.CacheSize),
		WithCacheTTL(cfg.Embedding.CacheTTL),
	), nil
}

// Close releases the primary connection pool and the secondary Redis
// client. Safe to call once after the coordinator is done with the set.
func (s *ProviderSet) Close() error {
	var firstErr error
	if err := s.Primary.Close(); err != nil {
		firstErr = err
	}
	if err := s.redisClient.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
