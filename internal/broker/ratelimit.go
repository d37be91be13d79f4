package broker

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitedBroker spaces calls to a Broker according to per-minute limits.
// Market data, trading and account calls draw from separate buckets.
type RateLimitedBroker struct {
	broker     Broker
	marketData *rate.Limiter
	trading    *rate.Limiter
	standard   *rate.Limiter
}

// NewRateLimitedBroker wraps broker. A zero limit in any category disables
// limiting for it.
func NewRateLimitedBroker(broker Broker, limits RateLimits, burst int) *RateLimitedBroker {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedBroker{
		broker:     broker,
		marketData: perMinute(limits.MarketData, burst),
		trading:    perMinute(limits.Trading, burst),
		standard:   perMinute(limits.Standard, burst),
	}
}

func perMinute(n, burst int) *rate.Limiter {
	if n <= 0 {
		return rate.NewLimiter(rate.Inf, burst)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), burst)
}

func (r *RateLimitedBroker) GetPositionsCtx(ctx context.Context) ([]Holding, error) {
	if err := r.standard.Wait(ctx); err != nil {
		return nil, err
	}
	return r.broker.GetPositionsCtx(ctx)
}

func (r *RateLimitedBroker) GetOptionQuoteCtx(ctx context.Context, optionSymbol string) (*Quote, error) {
	if err := r.marketData.Wait(ctx); err != nil {
		return nil, err
	}
	return r.broker.GetOptionQuoteCtx(ctx, optionSymbol)
}

func (r *RateLimitedBroker) PlaceOptionOrderCtx(ctx context.Context, req OrderRequest) (*OrderStatus, error) {
	if err := r.trading.Wait(ctx); err != nil {
		return nil, err
	}
	return r.broker.PlaceOptionOrderCtx(ctx, req)
}

func (r *RateLimitedBroker) GetOrderStatusCtx(ctx context.Context, orderID string) (*OrderStatus, error) {
	if err := r.standard.Wait(ctx); err != nil {
		return nil, err
	}
	return r.broker.GetOrderStatusCtx(ctx, orderID)
}

func (r *RateLimitedBroker) CancelOrderCtx(ctx context.Context, orderID string) error {
	if err := r.trading.Wait(ctx); err != nil {
		return err
	}
	return r.broker.CancelOrderCtx(ctx, orderID)
}

var _ Broker = (*RateLimitedBroker)(nil)
