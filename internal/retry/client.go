// Package retry wraps broker order placement with bounded, jittered backoff.
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

	"github.com/eddiefleurent/position_ledger/internal/broker"
)

type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

type Client struct {
	broker broker.Broker
	logger *logrus.Logger
	config Config
}

// NewClient creates a retrying client. Non-positive config values fall back to DefaultConfig.
func NewClient(b broker.Broker, logger *logrus.Logger, config ...Config) *Client {
	if b == nil {
		panic("retry.NewClient: broker cannot be nil")
	}
	if logger == nil {
		logger = logrus.New()
	}
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
		if cfg.MaxRetries < 0 {
			cfg.MaxRetries = DefaultConfig.MaxRetries
		}
		if cfg.InitialBackoff <= 0 {
			cfg.InitialBackoff = DefaultConfig.InitialBackoff
		}
		if cfg.MaxBackoff <= 0 {
			cfg.MaxBackoff = DefaultConfig.MaxBackoff
		}
		if cfg.Timeout <= 0 {
			cfg.Timeout = DefaultConfig.Timeout
		}
	}

	return &Client{
		broker: b,
		logger: logger,
		config: cfg,
	}
}

// PlaceOrderWithRetry submits req, retrying transient failures. A permanent
// broker rejection is returned after the first attempt.
func (c *Client) PlaceOrderWithRetry(ctx context.Context, req broker.OrderRequest) (*broker.OrderStatus, error) {
	if err := req.Validate(); err != nil {
		c.logger.WithError(err).WithField("symbol", req.OptionSymbol).Warn("Refusing invalid order request")
		return nil, &broker.APIError{Status: 400, Body: err.Error()}
	}

	placeCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff
	attempts := 0

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("operation canceled: %w", ctx.Err())
		}
		select {
		case <-placeCtx.Done():
			return nil, fmt.Errorf("place operation timed out after %v: %w", c.config.Timeout, placeCtx.Err())
		default:
		}

		attempts++
		log := c.logger.WithFields(logrus.Fields{
			"symbol":  req.OptionSymbol,
			"side":    req.Side,
			"qty":     req.Quantity,
			"attempt": attempt + 1,
		})
		log.Debugf("Order attempt %d/%d", attempt+1, c.config.MaxRetries+1)

		status, err := c.broker.PlaceOptionOrderCtx(placeCtx, req)
		if err == nil {
			log.WithField("order_id", status.ID).Debug("Order placed")
			return status, nil
		}

		lastErr = err
		log.WithError(err).Warn("Order attempt failed")

		if !c.isTransientError(err) || attempt >= c.config.MaxRetries {
			break
		}
		log.Infof("Transient error detected, retrying in %v", backoff)
		select {
		case <-time.After(backoff):
			backoff = c.calculateNextBackoff(backoff)
		case <-ctx.Done():
			return nil, fmt.Errorf("operation canceled during backoff: %w", ctx.Err())
		case <-placeCtx.Done():
			return nil, fmt.Errorf("place operation timed out during backoff: %w", placeCtx.Err())
		}
	}

	return nil, fmt.Errorf("failed to place order after %d attempts: %w", attempts, lastErr)
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

func (c *Client) isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || broker.IsPermanent(err) {
		return false
	}
	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 429 || apiErr.Status >= 500
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"circuit breaker is open",
		"too many requests",
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
