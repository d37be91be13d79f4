package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/position_ledger/internal/lock"
	"github.com/eddiefleurent/position_ledger/internal/metrics"
	"github.com/eddiefleurent/position_ledger/internal/models"
	"github.com/eddiefleurent/position_ledger/internal/orders"
	"github.com/eddiefleurent/position_ledger/internal/resolver"
)

// Config controls locking and default resolution.
type Config struct {
	Heuristic         resolver.Heuristic
	LockTimeout       time.Duration
	KeepAliveInterval time.Duration
	MaxHold           time.Duration // keep-alive stops extending after this
	DefaultBuyQty     int
}

// DefaultConfig holds the dispatcher defaults.
var DefaultConfig = Config{
	Heuristic:     resolver.FIFO,
	LockTimeout:   60 * time.Second,
	DefaultBuyQty: 1,
}

// Executor runs buys and sell cascades.
type Executor interface {
	Buy(ctx context.Context, req orders.BuyRequest) (*orders.ExecutionResult, error)
	Sell(ctx context.Context, req orders.SellRequest) (*orders.ExecutionResult, error)
}

// Outcome is what one intent produced. Exit-all intents fill Batch, one entry
// per position they touched.
type Outcome struct {
	Action     Action                  `json:"action"`
	Resolution *resolver.Resolution    `json:"resolution,omitempty"`
	Execution  *orders.ExecutionResult `json:"execution,omitempty"`
	Batch      []Outcome               `json:"batch,omitempty"`
}

// Dispatcher resolves an intent to a position, takes the position's lock and
// hands it to the execution engine.
type Dispatcher struct {
	resolver *resolver.Resolver
	engine   Executor
	locks    lock.Manager
	logger   *logrus.Logger
	config   Config
}

// New creates a Dispatcher.
func New(r *resolver.Resolver, engine Executor, locks lock.Manager, logger *logrus.Logger, config ...Config) *Dispatcher {
	if r == nil || engine == nil || locks == nil {
		panic("resolver, engine and locks cannot be nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.Heuristic == "" {
		cfg.Heuristic = DefaultConfig.Heuristic
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultConfig.LockTimeout
	}
	if cfg.KeepAliveInterval <= 0 || cfg.KeepAliveInterval >= cfg.LockTimeout {
		cfg.KeepAliveInterval = cfg.LockTimeout / 3
	}
	if cfg.MaxHold <= 0 {
		cfg.MaxHold = orders.DefaultConfig.MaxFlowDuration()
	}
	if cfg.DefaultBuyQty <= 0 {
		cfg.DefaultBuyQty = DefaultConfig.DefaultBuyQty
	}
	return &Dispatcher{resolver: r, engine: engine, locks: locks, logger: logger, config: cfg}
}

// Dispatch executes one intent. The returned Outcome is non-nil whenever the
// intent was valid, and its execution carries the error code on failure.
func (d *Dispatcher) Dispatch(ctx context.Context, in Intent) (*Outcome, error) {
	if err := in.Validate(); err != nil {
		metrics.IntentsTotal.WithLabelValues("invalid", "InvalidIntent").Inc()
		return nil, err
	}
	log := d.logger.WithFields(logrus.Fields{"action": in.Action, "ticker": in.Ticker})
	log.WithField("price", in.Price.Kind).Info("Dispatching intent")

	var (
		out *Outcome
		err error
	)
	switch in.Action {
	case ActionBuy:
		out, err = d.buy(ctx, in)
	case ActionTrim:
		out, err = d.sell(ctx, in, orders.ModeTrim)
	case ActionExit:
		out, err = d.sell(ctx, in, orders.ModeExit)
	case ActionExitAll:
		out, err = d.exitAll(ctx, in)
	}

	metrics.IntentsTotal.WithLabelValues(string(in.Action), models.ErrorCode(err)).Inc()
	if err != nil {
		log.WithError(err).WithField("error_code", models.ErrorCode(err)).Warn("Intent failed")
	}
	return out, err
}

func (d *Dispatcher) heuristic(in Intent) resolver.Heuristic {
	h, _ := resolver.ParseHeuristic(in.Heuristic)
	if in.Heuristic == "" {
		return d.config.Heuristic
	}
	return h
}

func (d *Dispatcher) buy(ctx context.Context, in Intent) (*Outcome, error) {
	c, err := in.Contract()
	if err != nil {
		return nil, err
	}
	qty := in.QuantityHint
	if qty == 0 {
		qty = d.config.DefaultBuyQty
	}
	req := orders.BuyRequest{Contract: c, Quantity: qty}
	if in.Price.Kind == orders.PriceLimit {
		limit := in.Price.Limit
		req.Limit = &limit
	}

	out := &Outcome{Action: in.Action}
	ci := c.ID()
	err = d.withLock(ctx, ci, func(ctx context.Context) error {
		res, err := d.engine.Buy(ctx, req)
		out.Execution = res
		return err
	})
	out.Execution = settled(ci, out.Execution, err)
	return out, err
}

func (d *Dispatcher) sell(ctx context.Context, in Intent, mode orders.Mode) (*Outcome, error) {
	hints, err := in.Hints()
	if err != nil {
		return nil, err
	}
	out := &Outcome{Action: in.Action}
	res, err := d.resolver.Resolve(ctx, in.Ticker, hints, d.heuristic(in))
	if err != nil {
		out.Execution = settled("", nil, err)
		return out, err
	}
	out.Resolution = res
	out.Execution, err = d.sellResolved(ctx, res, orders.SellRequest{
		CI:       res.CI,
		Mode:     mode,
		Quantity: in.QuantityHint,
		Price:    in.Price.PriceHint,
	})
	return out, err
}

func (d *Dispatcher) sellResolved(ctx context.Context, res *resolver.Resolution, req orders.SellRequest) (*orders.ExecutionResult, error) {
	var exec *orders.ExecutionResult
	err := d.withLock(ctx, res.CI, func(ctx context.Context) error {
		r, err := d.engine.Sell(ctx, req)
		exec = r
		return err
	})
	return settled(res.CI, exec, err), err
}

// exitAll exits every matching position one after another. A failure on one
// position does not stop the rest.
func (d *Dispatcher) exitAll(ctx context.Context, in Intent) (*Outcome, error) {
	hints, err := in.Hints()
	if err != nil {
		return nil, err
	}
	out := &Outcome{Action: in.Action}
	all, err := d.resolver.ResolveAll(ctx, in.Ticker, hints, d.heuristic(in))
	if err != nil {
		out.Execution = settled("", nil, err)
		return out, err
	}

	var errs []error
	for i := range all {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res := all[i]
		exec, err := d.sellResolved(ctx, &res, orders.SellRequest{
			CI:    res.CI,
			Mode:  orders.ModeExit,
			Price: in.Price.PriceHint,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.CI, err))
		}
		out.Batch = append(out.Batch, Outcome{Action: ActionExit, Resolution: &res, Execution: exec})
	}
	return out, errors.Join(errs...)
}

// withLock runs fn holding the lock for ci, extending it while fn runs.
func (d *Dispatcher) withLock(ctx context.Context, ci string, fn func(context.Context) error) error {
	h, err := d.locks.Acquire(ctx, ci, d.config.LockTimeout)
	if err != nil {
		if errors.Is(err, models.ErrLockBusy) {
			metrics.LockBusy.Inc()
		}
		return err
	}
	log := d.logger.WithFields(logrus.Fields{"ci": ci, "lock_token": h.Token})
	log.Debug("Lock acquired")

	kaCtx, stopKeepAlive := context.WithTimeout(ctx, d.config.MaxHold)
	lost := make(chan error, 1)
	go func() {
		lost <- lock.KeepAlive(kaCtx, d.locks, h, d.config.LockTimeout, d.config.KeepAliveInterval)
	}()

	err = fn(ctx)

	if ctx.Err() == nil && errors.Is(kaCtx.Err(), context.DeadlineExceeded) {
		log.WithField("max_hold", d.config.MaxHold).Error("Execution outlived its maximum lock hold, lock was left to expire")
	}
	stopKeepAlive()
	if kerr := <-lost; kerr != nil {
		log.WithError(kerr).Error("Lock lost while executing")
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if rerr := d.locks.Release(rctx, h); rerr != nil {
		log.WithError(rerr).Warn("Failed to release lock")
	}
	return err
}

// settled fills in a result for failures that never reached the engine.
func settled(ci string, res *orders.ExecutionResult, err error) *orders.ExecutionResult {
	if res != nil {
		return res
	}
	return &orders.ExecutionResult{
		CI:          ci,
		FinalStatus: orders.FlowSkipped,
		ErrorCode:   models.ErrorCode(err),
	}
}
