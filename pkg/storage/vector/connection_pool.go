package vector

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/vectorstore/internal/config"
	"github.com/jordigilh/vectorstore/pkg/shared/logging"
)

// ConnectionPool wraps a *sql.DB for the primary provider with the
// bookkeeping §5 and §4.2 require: response-time tracking, health-check
// failure counting, and a DatabaseRetrier for transient-error retry. Pool
// acquisition itself inherits database/sql's built-in timeout behavior via
// context deadlines passed to every method.
type ConnectionPool struct {
	db     *sql.DB
	config *config.PostgresConfig
	logger *logrus.Logger

	retrier *DatabaseRetrier

	mu                  sync.Mutex
	healthCheckFailures int64
	lastHealthCheck     time.Time
	isHealthy           bool
	responseTimes       []time.Duration

	failedConnections int64
}

// NewConnectionPool opens a connection pool to the primary store per cfg.
// Returns an error without attempting to connect if cfg.Enabled is false,
// so callers can run with the primary provider disabled (e.g. in
// lightweight test configurations) without touching a real database.
func NewConnectionPool(cfg *config.PostgresConfig, logger *logrus.Logger) (*ConnectionPool, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	if cfg == nil || !cfg.Enabled {
		return nil, fmt.Errorf("database is not enabled")
	}

	dsn := connectionString(cfg)
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 20
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = maxOpen / 4
		if maxIdle < 1 {
			maxIdle = 1
		}
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	logger.WithFields(logging.DatabaseFields("connect", "memories").ToLogrus()).
		Info("opened primary storage connection pool")

	return &ConnectionPool{
		db:        db,
		config:    cfg,
		logger:    logger,
		retrier:   NewDatabaseRetrier(logger),
		isHealthy: true,
	}, nil
}

// NewConnectionPoolFromDB wraps an already-open *sql.DB (e.g. a sqlmock
// connection in tests, or a pool opened by some other caller) without going
// through sql.Open. The returned pool carries no PostgresConfig.
func NewConnectionPoolFromDB(db *sql.DB, logger *logrus.Logger) *ConnectionPool {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &ConnectionPool{
		db:        db,
		logger:    logger,
		retrier:   NewDatabaseRetrier(logger),
		isHealthy: true,
	}
}

func connectionString(cfg *config.PostgresConfig) string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Database, cfg.SSLMode)
	if cfg.Password != "" {
		dsn += fmt.Sprintf(" password=%s", cfg.Password)
	}
	return dsn
}

// DB returns the underlying *sql.DB for the primary provider's queries.
func (p *ConnectionPool) DB() *sql.DB {
	return p.db
}

// ExecuteWithRetry runs operation under the pool's DatabaseRetrier,
// recording the attempt's wall-clock time into the response-time window
// used by Stats' AverageResponseTime.
func (p *ConnectionPool) ExecuteWithRetry(ctx context.Context, name string, operation Operation) (any, error) {
	start := time.Now()
	result, err := p.retrier.ExecuteDBOperation(ctx, name, operation)
	p.recordResponseTime(time.Since(start))
	if err != nil {
		atomic.AddInt64(&p.failedConnections, 1)
	}
	return result, err
}

func (p *ConnectionPool) recordResponseTime(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responseTimes = append(p.responseTimes, d)
	if len(p.responseTimes) > 100 {
		p.responseTimes = p.responseTimes[len(p.responseTimes)-100:]
	}
}

func (p *ConnectionPool) averageResponseTime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.responseTimes) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range p.responseTimes {
		total += d
	}
	return total / time.Duration(len(p.responseTimes))
}

// HealthCheck pings the database, records the check time and health flag,
// and on failure increments the pool's cumulative health-check failure
// count reported by Stats. The primary provider's Ready<->Degraded
// transition is driven by its circuit breaker counting the errors returned
// here, not by this count.
func (p *ConnectionPool) HealthCheck(ctx context.Context) error {
	p.mu.Lock()
	p.lastHealthCheck = time.Now()
	p.mu.Unlock()

	err := p.db.PingContext(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.healthCheckFailures++
		p.isHealthy = false
		return err
	}
	p.isHealthy = true
	return nil
}

// Stats reports the pool's current utilization and health, feeding the
// provider_health admin operation.
func (p *ConnectionPool) Stats(ctx context.Context) *ConnectionStats {
	if p == nil || p.db == nil {
		return &ConnectionStats{Available: false}
	}
	dbStats := p.db.Stats()
	avgResponse := p.averageResponseTime()

	p.mu.Lock()
	defer p.mu.Unlock()

	return &ConnectionStats{
		Available:           true,
		MaxOpenConnections:  dbStats.MaxOpenConnections,
		OpenConnections:     dbStats.OpenConnections,
		InUse:               dbStats.InUse,
		Idle:                dbStats.Idle,
		WaitCount:           dbStats.WaitCount,
		WaitDuration:        dbStats.WaitDuration,
		AverageResponseTime: avgResponse,
		FailedConnections:   atomic.LoadInt64(&p.failedConnections),
		HealthCheckFailures: p.healthCheckFailures,
		LastHealthCheck:     p.lastHealthCheck,
		IsHealthy:           p.isHealthy,
	}
}

// Close releases the pool's connections.
func (p *ConnectionPool) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}
