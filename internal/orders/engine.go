// Package orders drives buy and sell executions against the broker and commits
// their outcomes to the position ledger.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/position_ledger/internal/broker"
	"github.com/eddiefleurent/position_ledger/internal/metrics"
	"github.com/eddiefleurent/position_ledger/internal/models"
	"github.com/eddiefleurent/position_ledger/internal/retry"
	"github.com/eddiefleurent/position_ledger/internal/storage"
)

// PriceSource selects the quote field a cascade step prices from.
type PriceSource string

const (
	SourceMark  PriceSource = "mark"
	SourceMid   PriceSource = "mid"
	SourceBid   PriceSource = "bid"
	SourceFixed PriceSource = "fixed"
)

// ParsePriceSource accepts mark, mid, midpoint or bid.
func ParsePriceSource(s string) (PriceSource, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mark":
		return SourceMark, nil
	case "mid", "midpoint":
		return SourceMid, nil
	case "bid":
		return SourceBid, nil
	default:
		return "", fmt.Errorf("unknown price source %q", s)
	}
}

// Step is one rung of a sell cascade.
type Step struct {
	Source     PriceSource
	Multiplier decimal.Decimal // zero means 1
	Wait       time.Duration
	Price      decimal.Decimal // only for SourceFixed
}

// Config contains configuration for the execution engine.
type Config struct {
	BuyPollSchedule   []time.Duration
	BuyMaxWait        time.Duration
	FillCheckInterval time.Duration
	CallTimeout       time.Duration
	TickSize          decimal.Decimal
	TrimSteps         []Step
	ExitSteps         []Step
	Retry             retry.Config
}

// DefaultConfig is the default configuration for the execution engine.
var DefaultConfig = Config{
	BuyPollSchedule:   []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second, 20 * time.Second, 30 * time.Second},
	BuyMaxWait:        10 * time.Minute,
	FillCheckInterval: 5 * time.Second,
	CallTimeout:       5 * time.Second,
	TickSize:          decimal.RequireFromString("0.01"),
	TrimSteps: []Step{
		{Source: SourceMark, Wait: 60 * time.Second},
		{Source: SourceMid, Wait: 60 * time.Second},
		{Source: SourceBid, Wait: 60 * time.Second},
		{Source: SourceBid, Multiplier: decimal.RequireFromString("0.97"), Wait: 60 * time.Second},
	},
	ExitSteps: []Step{
		{Source: SourceMark, Wait: 30 * time.Second},
		{Source: SourceBid, Wait: 30 * time.Second},
		{Source: SourceBid, Multiplier: decimal.RequireFromString("0.97"), Wait: 30 * time.Second},
		{Source: SourceBid, Multiplier: decimal.RequireFromString("0.95"), Wait: 30 * time.Second},
	},
	Retry: retry.DefaultConfig,
}

// MaxFlowDuration bounds how long one buy or sell can legitimately run: the
// longer of the buy wait and either cascade with a priced lead step, plus the
// placement and cancel budget of every step.
func (c Config) MaxFlowDuration() time.Duration {
	longest := c.BuyMaxWait
	steps := 1
	for _, cascade := range [][]Step{c.TrimSteps, c.ExitSteps} {
		if len(cascade) == 0 {
			continue
		}
		d := cascade[0].Wait
		for _, s := range cascade {
			d += s.Wait
		}
		longest = max(longest, d)
		steps = max(steps, len(cascade)+1)
	}
	placeBudget := c.Retry.Timeout
	if placeBudget <= 0 {
		placeBudget = retry.DefaultConfig.Timeout
	}
	perStep := placeBudget + 3*c.CallTimeout
	return longest + time.Duration(steps)*perStep
}

// ExecutionResult is what a buy or sell reports back to the caller.
type ExecutionResult struct {
	CI                string           `json:"ci"`
	Success           bool             `json:"success"`
	FilledQuantity    int              `json:"filled_quantity"`
	AvgFillPrice      *decimal.Decimal `json:"avg_fill_price,omitempty"`
	RemainingQuantity int              `json:"remaining_quantity"`
	FinalStatus       FlowState        `json:"final_status"`
	ErrorCode         string           `json:"error_code,omitempty"`
	OrderIDs          []string         `json:"order_ids,omitempty"`
}

// Engine executes buys and sell cascades.
type Engine struct {
	broker broker.Broker
	placer *retry.Client
	store  storage.Interface
	logger *logrus.Logger
	config Config
}

// NewEngine creates a new execution engine.
func NewEngine(
	b broker.Broker,
	store storage.Interface,
	logger *logrus.Logger,
	config ...Config,
) *Engine {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}

	if logger == nil {
		logger = logrus.New()
	}

	// Validate and clamp config values
	if len(cfg.BuyPollSchedule) == 0 {
		cfg.BuyPollSchedule = DefaultConfig.BuyPollSchedule
	}
	if cfg.BuyMaxWait <= 0 {
		cfg.BuyMaxWait = DefaultConfig.BuyMaxWait
	}
	if cfg.FillCheckInterval <= 0 {
		cfg.FillCheckInterval = DefaultConfig.FillCheckInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	if !cfg.TickSize.IsPositive() {
		cfg.TickSize = DefaultConfig.TickSize
	}
	if len(cfg.TrimSteps) == 0 {
		cfg.TrimSteps = DefaultConfig.TrimSteps
	}
	if len(cfg.ExitSteps) == 0 {
		cfg.ExitSteps = DefaultConfig.ExitSteps
	}

	if b == nil {
		panic("orders.NewEngine: broker must not be nil")
	}
	if store == nil {
		panic("orders.NewEngine: storage must not be nil")
	}

	return &Engine{
		broker: b,
		placer: retry.NewClient(b, logger, cfg.Retry),
		store:  store,
		logger: logger,
		config: cfg,
	}
}

// Config returns the engine's effective configuration.
func (e *Engine) Config() Config {
	return e.config
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// cleanupContext outlives a cancelled caller so cancels and ledger writes still land.
func (e *Engine) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 2*e.config.CallTimeout)
}

func (e *Engine) orderStatus(ctx context.Context, orderID string) (*broker.OrderStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
	defer cancel()
	st, err := e.broker.GetOrderStatusCtx(callCtx, orderID)
	if err != nil {
		return nil, err
	}
	if st == nil || st.ID == "" {
		return nil, fmt.Errorf("invalid order status response for %s", orderID)
	}
	return st, nil
}

func (e *Engine) quote(ctx context.Context, symbol string) (*broker.Quote, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
	defer cancel()
	return e.broker.GetOptionQuoteCtx(callCtx, symbol)
}

// cancelAndReread cancels an order and returns its final broker view, which
// may carry fills that raced the cancel.
func (e *Engine) cancelAndReread(ctx context.Context, log *logrus.Entry, orderID string) (*broker.OrderStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
	err := e.broker.CancelOrderCtx(callCtx, orderID)
	cancel()
	if err != nil {
		// A filled order cannot be cancelled; the re-read below tells us.
		log.WithError(err).WithField("order_id", orderID).Warn("Cancel failed, re-reading order")
	}
	return e.orderStatus(ctx, orderID)
}

func newTag(prefix string) string {
	return prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func (e *Engine) finish(f *flow, res *ExecutionResult, err error) (*ExecutionResult, error) {
	res.FinalStatus = f.state
	res.Success = err == nil && f.state == FlowFilled
	res.ErrorCode = models.ErrorCode(err)
	if p, ok := e.store.Get(res.CI); ok {
		res.RemainingQuantity = p.TotalQuantity
	}
	metrics.Executions.WithLabelValues(f.kind, string(f.state)).Inc()
	metrics.ExecutionDuration.WithLabelValues(f.kind).Observe(time.Since(f.started).Seconds())

	log := f.log.WithFields(logrus.Fields{
		"final_status": f.state,
		"filled":       res.FilledQuantity,
		"remaining":    res.RemainingQuantity,
	})
	if err != nil {
		log.WithError(err).WithField("error_code", res.ErrorCode).Warn("Execution finished without success")
	} else {
		log.Info("Execution finished")
	}
	return res, err
}

// rejected wraps a broker failure as a rejection, keeping the cause.
func rejected(err error) error {
	if errors.Is(err, models.ErrBrokerRejected) {
		return err
	}
	return fmt.Errorf("%w: %w", models.ErrBrokerRejected, err)
}
