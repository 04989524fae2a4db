// Package retry re-issues reversals that failed for transient reasons.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/theta_engine/internal/models"
	"github.com/eddiefleurent/theta_engine/internal/orders"
)

// Reverser executes one reversal attempt.
type Reverser interface {
	ReverseTrade(ctx context.Context, candidate models.CandidateStockOrder) error
}

// Config controls retry behaviour.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration // Zero means no overall deadline
}

// DefaultConfig is the default retry configuration.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        0,
}

// Client wraps a Reverser with retries.
type Client struct {
	reverser Reverser
	logger   *logrus.Entry
	config   Config
}

// NewClient creates a retry client. Invalid config values fall back to
// DefaultConfig.
func NewClient(reverser Reverser, logger *logrus.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if cfg.Timeout < 0 {
		cfg.Timeout = 0
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if reverser == nil {
		panic("retry.NewClient: reverser must not be nil")
	}

	return &Client{
		reverser: reverser,
		logger:   logger.WithField("component", "retry"),
		config:   cfg,
	}
}

// ReverseWithRetry runs the reversal, retrying transient failures with
// exponential backoff and jitter.
func (c *Client) ReverseWithRetry(ctx context.Context, candidate models.CandidateStockOrder) error {
	runCtx := ctx
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}
	log := c.logger.WithField("ticker", candidate.Ticker())

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		}
		if runCtx.Err() != nil {
			return fmt.Errorf("reversal timed out after %v: %w", c.config.Timeout, runCtx.Err())
		}

		log.Infof("Reversal attempt %d/%d", attempt+1, c.config.MaxRetries+1)

		err := c.reverser.ReverseTrade(runCtx, candidate)
		if err == nil {
			if attempt > 0 {
				log.Infof("Reversal succeeded on attempt %d", attempt+1)
			}
			return nil
		}

		lastErr = err
		log.WithError(err).Warnf("Reversal attempt %d failed", attempt+1)

		if !c.isTransientError(err) || attempt == c.config.MaxRetries {
			break
		}

		log.Infof("Transient error detected, retrying in %v", backoff)
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
			backoff = c.calculateNextBackoff(backoff)
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("operation canceled during backoff: %w", ctx.Err())
		case <-runCtx.Done():
			timer.Stop()
			return fmt.Errorf("reversal timed out during backoff: %w", runCtx.Err())
		}
	}

	return fmt.Errorf("reversal failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

func (c *Client) calculateNextBackoff(currentBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.WithError(err).Warn("Failed to generate jitter")
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

// isTransientError reports whether a fresh attempt may succeed. Protocol
// violations, refusals and cancellations are final, and so is any failure
// that may have left the previous order working or filled.
func (c *Client) isTransientError(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, orders.ErrUnknownOrderState),
		errors.Is(err, orders.ErrNoTerminalState),
		errors.Is(err, orders.ErrOrderOutstanding),
		errors.Is(err, orders.ErrOutsideMarketHours),
		errors.Is(err, orders.ErrNotRunning),
		errors.Is(err, orders.ErrOrderStateUnknown),
		errors.Is(err, models.ErrInvalidOrder):
		return false
	}

	// resubmit only once the broker confirmed the failed order executed nothing
	var execErr *orders.ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Confirmed
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429", // HTTP 429 Too Many Requests
		"502", // HTTP 502 Bad Gateway
		"503", // HTTP 503 Service Unavailable
		"504", // HTTP 504 Gateway Timeout
		"network",
		"dns",
		"tcp",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
