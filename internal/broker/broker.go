package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/position_ledger/internal/contract"
)

// Broker defines the single-leg option operations the ledger needs from a brokerage.
type Broker interface {
	// Account
	GetPositionsCtx(ctx context.Context) ([]Holding, error)

	// Market data
	GetOptionQuoteCtx(ctx context.Context, optionSymbol string) (*Quote, error)

	// Orders
	PlaceOptionOrderCtx(ctx context.Context, req OrderRequest) (*OrderStatus, error)
	GetOrderStatusCtx(ctx context.Context, orderID string) (*OrderStatus, error)
	CancelOrderCtx(ctx context.Context, orderID string) error
}

// Side is an order side.
type Side string

const (
	SideBuyToOpen   Side = "buy_to_open"
	SideSellToClose Side = "sell_to_close"
)

// OrderType is limit or market.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// Order statuses, normalized across brokers.
const (
	StatusPending         = "pending"
	StatusOpen            = "open"
	StatusPartiallyFilled = "partially_filled"
	StatusFilled          = "filled"
	StatusCanceled        = "canceled"
	StatusRejected        = "rejected"
	StatusExpired         = "expired"
)

// Holding is one broker-reported position.
type Holding struct {
	Symbol   string          `json:"symbol"`
	Quantity int             `json:"quantity"`
	AvgCost  decimal.Decimal `json:"avg_cost"` // per-contract premium, not notional
}

// Quote is a top-of-book snapshot for one option.
type Quote struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Last   decimal.Decimal `json:"last"`
}

// Mid returns the bid/ask midpoint, or the non-zero side when only one exists.
func (q Quote) Mid() decimal.Decimal {
	switch {
	case q.Bid.IsPositive() && q.Ask.IsPositive():
		return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
	case q.Ask.IsPositive():
		return q.Ask
	default:
		return q.Bid
	}
}

// Mark is the last trade when it sits inside the spread, else the midpoint.
func (q Quote) Mark() decimal.Decimal {
	if q.Last.IsPositive() && q.Bid.IsPositive() && q.Ask.IsPositive() &&
		q.Last.GreaterThanOrEqual(q.Bid) && q.Last.LessThanOrEqual(q.Ask) {
		return q.Last
	}
	return q.Mid()
}

// OrderRequest is a single-leg option order.
type OrderRequest struct {
	OptionSymbol string
	Side         Side
	Quantity     int
	Type         OrderType
	LimitPrice   decimal.Decimal
	Duration     string
	Tag          string
}

// Validate checks the request before it reaches a broker.
func (r OrderRequest) Validate() error {
	if !contract.IsOCC(r.OptionSymbol) {
		return fmt.Errorf("invalid option symbol %q", r.OptionSymbol)
	}
	if r.Side != SideBuyToOpen && r.Side != SideSellToClose {
		return fmt.Errorf("invalid side %q", r.Side)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("invalid quantity for order: %d, quantity must be greater than zero", r.Quantity)
	}
	switch r.Type {
	case OrderTypeLimit:
		if !r.LimitPrice.IsPositive() {
			return fmt.Errorf("invalid price for limit order: %s, price must be positive", r.LimitPrice)
		}
	case OrderTypeMarket:
	default:
		return fmt.Errorf("invalid order type %q", r.Type)
	}
	return nil
}

// OrderStatus is the broker's view of one order.
type OrderStatus struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Quantity       int             `json:"quantity"`
	FilledQuantity int             `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	Price          decimal.Decimal `json:"price"`
}

// IsFinal reports whether the order can no longer change.
func (o OrderStatus) IsFinal() bool {
	switch o.Status {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// IsFilled reports whether the whole order filled.
func (o OrderStatus) IsFilled() bool {
	return o.Status == StatusFilled || (o.Quantity > 0 && o.FilledQuantity >= o.Quantity)
}

// APIError represents an API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// IsPermanent reports whether err is a broker rejection that retrying cannot fix.
// 4xx responses are permanent except 429 Too Many Requests.
func IsPermanent(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 429
	}
	return false
}

// normalizeDuration normalizes and validates duration parameter
func normalizeDuration(duration string) (string, error) {
	if duration == "" {
		return "day", nil
	}

	normalized := strings.ToLower(strings.TrimSpace(duration))
	switch normalized {
	case "good-til-cancelled", "goodtilcancelled", "gtc":
		return "gtc", nil
	case "day":
		return "day", nil
	default:
		return "", fmt.Errorf("invalid duration '%s': must be one of 'day' or 'gtc'", duration)
	}
}

// QuoteOracle adapts a Broker to the resolver's mark lookup.
type QuoteOracle struct {
	Broker Broker
}

// Mark returns the current mark for c.
func (o QuoteOracle) Mark(ctx context.Context, c contract.Contract) (decimal.Decimal, error) {
	q, err := o.Broker.GetOptionQuoteCtx(ctx, contract.OCCSymbol(c))
	if err != nil {
		return decimal.Zero, err
	}
	return q.Mark(), nil
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// exec is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings trips at a 60% failure rate over at least 5 calls.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  3,
	Interval:     60 * time.Second,
	Timeout:      30 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.6,
}

// NewCircuitBreakerBroker creates a new CircuitBreakerBroker with sensible defaults
func NewCircuitBreakerBroker(broker Broker, logger *logrus.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, DefaultCircuitBreakerSettings, logger)
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings.
// Broker rejections do not count as failures; only transport and server errors trip it.
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings, logger *logrus.Logger) *CircuitBreakerBroker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).
				Warnf("Circuit breaker %s state changed", name)
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State returns the breaker state.
func (c *CircuitBreakerBroker) State() gobreaker.State {
	return c.breaker.State()
}

// GetPositionsCtx wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetPositionsCtx(ctx context.Context) ([]Holding, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Holding, error) { return b.GetPositionsCtx(ctx) })
}

// GetOptionQuoteCtx wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOptionQuoteCtx(ctx context.Context, optionSymbol string) (*Quote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Quote, error) {
		return b.GetOptionQuoteCtx(ctx, optionSymbol)
	})
}

// PlaceOptionOrderCtx wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) PlaceOptionOrderCtx(ctx context.Context, req OrderRequest) (*OrderStatus, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderStatus, error) {
		return b.PlaceOptionOrderCtx(ctx, req)
	})
}

// GetOrderStatusCtx wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOrderStatusCtx(ctx context.Context, orderID string) (*OrderStatus, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderStatus, error) {
		return b.GetOrderStatusCtx(ctx, orderID)
	})
}

// CancelOrderCtx wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) CancelOrderCtx(ctx context.Context, orderID string) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.CancelOrderCtx(ctx, orderID)
	})
	return err
}

var _ Broker = (*CircuitBreakerBroker)(nil)
