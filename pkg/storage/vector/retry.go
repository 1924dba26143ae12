package vector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryConfig controls a Retrier's backoff schedule.
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool
}

// DefaultRetryConfig returns sensible defaults for general transient
// failures.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// DatabaseRetryConfig returns defaults tuned for the primary provider's
// transactional writes: more attempts, gentler backoff.
func DatabaseRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialDelay:      250 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 1.5,
		Jitter:            true,
	}
}

var retryableMessageSubstrings = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"too many connections",
	"deadlock",
	"lock timeout",
	"serialization failure",
	"could not serialize access",
	"connection lost",
	"server closed the connection",
	"broken pipe",
	"i/o timeout",
	"network is unreachable",
	"no route to host",
}

// retryableError lets WrapRetryableError force a retryable verdict
// regardless of message content.
type retryableError struct {
	cause     error
	retryable bool
	reason    string
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("retryable=%t (%s): %v", e.retryable, e.reason, e.cause)
}

func (e *retryableError) Unwrap() error {
	return e.cause
}

// WrapRetryableError wraps err with an explicit retryable verdict,
// bypassing message-based classification. Returns nil if err is nil.
func WrapRetryableError(err error, retryable bool, reason string) error {
	if err == nil {
		return nil
	}
	return &retryableError{cause: err, retryable: retryable, reason: reason}
}

// IsRetryableError reports whether err represents a transient failure
// worth retrying.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var re *retryableError
	if errors.As(err, &re) {
		return re.retryable
	}

	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, s := range retryableMessageSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Operation is a unit of work a Retrier executes, given the current
// 1-indexed attempt number.
type Operation func(ctx context.Context, attempt int) (any, error)

// Retrier executes an Operation with exponential backoff, stopping on
// success, a non-retryable error, max attempts, or context cancellation.
type Retrier struct {
	config RetryConfig
	logger *logrus.Logger
}

// NewRetrier builds a Retrier. A nil logger is replaced with a discarding
// logger.
func NewRetrier(config RetryConfig, logger *logrus.Logger) *Retrier {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Retrier{config: config, logger: logger}
}

// ExecuteWithType runs operation, retrying on retryable failures per the
// Retrier's RetryConfig.
func (r *Retrier) ExecuteWithType(ctx context.Context, operation Operation) (any, error) {
	maxAttempts := r.config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	delay := r.config.InitialDelay

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := operation(ctx, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			return nil, fmt.Errorf("non-retryable error: %w", err)
		}

		if attempt == maxAttempts {
			break
		}

		sleep := delay
		if r.config.Jitter {
			sleep = time.Duration(float64(sleep) * (0.5 + rand.Float64()))
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(math.Min(float64(r.config.MaxDelay), float64(delay)*r.config.BackoffMultiplier))
	}

	return nil, fmt.Errorf("operation failed after %d attempts: %w", maxAttempts, lastErr)
}

// DatabaseRetrier wraps Retrier with DatabaseRetryConfig defaults and a
// convenience entry point that names the operation for logging.
type DatabaseRetrier struct {
	retrier *Retrier
}

// NewDatabaseRetrier builds a DatabaseRetrier using DatabaseRetryConfig.
func NewDatabaseRetrier(logger *logrus.Logger) *DatabaseRetrier {
	return &DatabaseRetrier{retrier: NewRetrier(DatabaseRetryConfig(), logger)}
}

// ExecuteDBOperation runs operation under the database retry policy,
// logging the operation name on each retried attempt.
func (d *DatabaseRetrier) ExecuteDBOperation(ctx context.Context, name string, operation Operation) (any, error) {
	return d.retrier.ExecuteWithType(ctx, func(ctx context.Context, attempt int) (any, error) {
		if attempt > 1 {
			d.retrier.logger.WithFields(logrus.Fields{
				"component": "database",
				"operation": name,
				"attempt":   attempt,
			}).Warn("retrying database operation")
		}
		return operation(ctx, attempt)
	})
}

// RetryIfNeeded adapts a simple func() error into the Retrier machinery,
// for call sites that don't need the attempt number or a typed result.
func RetryIfNeeded(ctx context.Context, config RetryConfig, logger *logrus.Logger, operation func() error) error {
	retrier := NewRetrier(config, logger)
	_, err := retrier.ExecuteWithType(ctx, func(ctx context.Context, attempt int) (any, error) {
		return nil, operation()
	})
	return err
}
