// Package mock provides a simulated brokerage for paper runs and tests.
package mock

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/position_ledger/internal/broker"
)

type order struct {
	req     broker.OrderRequest
	status  broker.OrderStatus
	maxFill int // cap on contracts this order may ever fill
}

// Broker is an in-memory broker. Limit sells fill when the limit is at or
// below the bid, limit buys when the limit is at or above the ask, and market
// orders fill immediately at the touch. Fills update the simulated holdings.
type Broker struct {
	mu          sync.Mutex
	quotes      map[string]broker.Quote
	holdings    map[string]broker.Holding
	orders      map[string]*order
	placed      []broker.OrderRequest
	nextID      int
	latency     time.Duration
	drift       bool
	rejectNext  error
	partialNext int
	failNext    error
}

// NewBroker creates an empty simulated broker.
func NewBroker() *Broker {
	return &Broker{
		quotes:   make(map[string]broker.Quote),
		holdings: make(map[string]broker.Holding),
		orders:   make(map[string]*order),
		nextID:   1000,
	}
}

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// SetQuote sets the quote returned for symbol.
func (b *Broker) SetQuote(symbol string, bid, ask, last decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotes[symbol] = broker.Quote{Symbol: symbol, Bid: bid, Ask: ask, Last: last}
	b.matchLocked()
}

// SetHolding replaces the broker-side holding for symbol. Zero removes it.
func (b *Broker) SetHolding(symbol string, qty int, avgCost decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if qty == 0 {
		delete(b.holdings, symbol)
		return
	}
	b.holdings[symbol] = broker.Holding{Symbol: symbol, Quantity: qty, AvgCost: avgCost}
}

// SetLatency delays every call, honouring context cancellation.
func (b *Broker) SetLatency(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latency = d
}

// SetDrift makes quotes without an explicit price wander randomly around 1.00.
func (b *Broker) SetDrift(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drift = on
}

// RejectNext makes the next order placement fail with err.
func (b *Broker) RejectNext(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectNext = err
}

// FailNext makes the next call of any kind fail with err.
func (b *Broker) FailNext(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = err
}

// PartialNext caps the next placed order at n filled contracts.
func (b *Broker) PartialNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.partialNext = n
}

// Placed returns every order request received, in order.
func (b *Broker) Placed() []broker.OrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]broker.OrderRequest, len(b.placed))
	copy(out, b.placed)
	return out
}

func (b *Broker) wait(ctx context.Context) error {
	b.mu.Lock()
	d := b.latency
	b.mu.Unlock()
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (b *Broker) takeFailLocked() error {
	err := b.failNext
	b.failNext = nil
	return err
}

func (b *Broker) GetPositionsCtx(ctx context.Context) ([]broker.Holding, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailLocked(); err != nil {
		return nil, err
	}
	out := make([]broker.Holding, 0, len(b.holdings))
	for _, h := range b.holdings {
		out = append(out, h)
	}
	return out, nil
}

func (b *Broker) GetOptionQuoteCtx(ctx context.Context, optionSymbol string) (*broker.Quote, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailLocked(); err != nil {
		return nil, err
	}
	q, ok := b.quotes[optionSymbol]
	if !ok {
		if !b.drift {
			return nil, fmt.Errorf("no quote found for symbol: %s", optionSymbol)
		}
		mid := decimal.NewFromFloat(0.5 + secureFloat64()).Round(2)
		q = broker.Quote{
			Symbol: optionSymbol,
			Bid:    mid.Sub(decimal.RequireFromString("0.05")),
			Ask:    mid.Add(decimal.RequireFromString("0.05")),
			Last:   mid,
		}
	}
	return &q, nil
}

func (b *Broker) PlaceOptionOrderCtx(ctx context.Context, req broker.OrderRequest) (*broker.OrderStatus, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, &broker.APIError{Status: 400, Body: err.Error()}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.placed = append(b.placed, req)
	if err := b.takeFailLocked(); err != nil {
		return nil, err
	}
	if err := b.rejectNext; err != nil {
		b.rejectNext = nil
		return nil, err
	}

	b.nextID++
	id := strconv.Itoa(b.nextID)
	o := &order{
		req:     req,
		maxFill: req.Quantity,
		status: broker.OrderStatus{
			ID:       id,
			Status:   broker.StatusOpen,
			Symbol:   req.OptionSymbol,
			Side:     req.Side,
			Quantity: req.Quantity,
			Price:    req.LimitPrice,
		},
	}
	if b.partialNext > 0 {
		o.maxFill = b.partialNext
		b.partialNext = 0
	}
	b.orders[id] = o
	b.tryFillLocked(o)

	st := o.status
	return &st, nil
}

func (b *Broker) GetOrderStatusCtx(ctx context.Context, orderID string) (*broker.OrderStatus, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailLocked(); err != nil {
		return nil, err
	}
	o, ok := b.orders[orderID]
	if !ok {
		return nil, &broker.APIError{Status: 404, Body: "order not found: " + orderID}
	}
	b.tryFillLocked(o)
	st := o.status
	return &st, nil
}

func (b *Broker) CancelOrderCtx(ctx context.Context, orderID string) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailLocked(); err != nil {
		return err
	}
	o, ok := b.orders[orderID]
	if !ok {
		return &broker.APIError{Status: 404, Body: "order not found: " + orderID}
	}
	switch o.status.Status {
	case broker.StatusCanceled:
		return nil
	case broker.StatusFilled, broker.StatusRejected, broker.StatusExpired:
		return &broker.APIError{Status: 400, Body: "order " + orderID + " is already " + o.status.Status}
	}
	o.status.Status = broker.StatusCanceled
	return nil
}

// matchLocked re-evaluates every working order against the current quotes.
func (b *Broker) matchLocked() {
	for _, o := range b.orders {
		b.tryFillLocked(o)
	}
}

func (b *Broker) tryFillLocked(o *order) {
	if o.status.IsFinal() || o.status.FilledQuantity >= o.maxFill {
		return
	}
	q, ok := b.quotes[o.req.OptionSymbol]
	if !ok {
		return
	}

	var price decimal.Decimal
	switch {
	case o.req.Type == broker.OrderTypeMarket && o.req.Side == broker.SideSellToClose:
		price = q.Bid
	case o.req.Type == broker.OrderTypeMarket:
		price = q.Ask
	case o.req.Side == broker.SideSellToClose && q.Bid.IsPositive() && o.req.LimitPrice.LessThanOrEqual(q.Bid):
		price = o.req.LimitPrice
	case o.req.Side == broker.SideBuyToOpen && q.Ask.IsPositive() && o.req.LimitPrice.GreaterThanOrEqual(q.Ask):
		price = o.req.LimitPrice
	default:
		return
	}
	if !price.IsPositive() {
		return
	}

	n := o.maxFill - o.status.FilledQuantity
	prevQty := decimal.NewFromInt(int64(o.status.FilledQuantity))
	newQty := decimal.NewFromInt(int64(n))
	total := prevQty.Add(newQty)
	o.status.AvgFillPrice = o.status.AvgFillPrice.Mul(prevQty).Add(price.Mul(newQty)).Div(total).Round(4)
	o.status.FilledQuantity += n
	if o.status.FilledQuantity >= o.req.Quantity {
		o.status.Status = broker.StatusFilled
	} else {
		o.status.Status = broker.StatusPartiallyFilled
	}
	b.applyFillLocked(o.req, n, price)
}

func (b *Broker) applyFillLocked(req broker.OrderRequest, qty int, price decimal.Decimal) {
	h := b.holdings[req.OptionSymbol]
	h.Symbol = req.OptionSymbol
	if req.Side == broker.SideBuyToOpen {
		notional := h.AvgCost.Mul(decimal.NewFromInt(int64(h.Quantity))).Add(price.Mul(decimal.NewFromInt(int64(qty))))
		h.Quantity += qty
		h.AvgCost = notional.Div(decimal.NewFromInt(int64(h.Quantity))).Round(4)
	} else {
		h.Quantity -= qty
	}
	if h.Quantity <= 0 {
		delete(b.holdings, req.OptionSymbol)
		return
	}
	b.holdings[req.OptionSymbol] = h
}

var _ broker.Broker = (*Broker)(nil)
