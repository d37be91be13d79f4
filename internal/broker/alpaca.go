package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// QuoteSource supplies option quotes for brokers without an options quote endpoint.
type QuoteSource interface {
	GetOptionQuoteCtx(ctx context.Context, optionSymbol string) (*Quote, error)
}

// alpacaTrader is the subset of *alpaca.Client the adapter calls.
type alpacaTrader interface {
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	GetOrder(orderID string) (*alpaca.Order, error)
	CancelOrder(orderID string) error
	GetPositions() ([]alpaca.Position, error)
}

// AlpacaBroker trades options through Alpaca. The SDK calls take no context,
// so cancellation is only honoured between calls.
type AlpacaBroker struct {
	client alpacaTrader
	quotes QuoteSource
}

// NewAlpacaBroker creates a client for the given credentials. An empty baseURL
// uses the SDK default (paper or live per APCA_API_BASE_URL).
func NewAlpacaBroker(apiKey, apiSecret, baseURL string, quotes QuoteSource) *AlpacaBroker {
	return newAlpacaBroker(alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	}), quotes)
}

func newAlpacaBroker(client alpacaTrader, quotes QuoteSource) *AlpacaBroker {
	return &AlpacaBroker{client: client, quotes: quotes}
}

func (a *AlpacaBroker) GetPositionsCtx(ctx context.Context) ([]Holding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	positions, err := a.client.GetPositions()
	if err != nil {
		return nil, wrapAlpacaError(err)
	}
	holdings := make([]Holding, 0, len(positions))
	for _, p := range positions {
		qty := int(p.Qty.IntPart())
		if qty == 0 {
			continue
		}
		holdings = append(holdings, Holding{Symbol: p.Symbol, Quantity: qty, AvgCost: p.AvgEntryPrice})
	}
	return holdings, nil
}

func (a *AlpacaBroker) GetOptionQuoteCtx(ctx context.Context, optionSymbol string) (*Quote, error) {
	if a.quotes == nil {
		return nil, fmt.Errorf("alpaca: no quote source configured for %s", optionSymbol)
	}
	return a.quotes.GetOptionQuoteCtx(ctx, optionSymbol)
}

func (a *AlpacaBroker) PlaceOptionOrderCtx(ctx context.Context, req OrderRequest) (*OrderStatus, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	qty := decimal.NewFromInt(int64(req.Quantity))
	side := alpaca.Buy
	if req.Side == SideSellToClose {
		side = alpaca.Sell
	}
	tif := alpaca.Day
	if nd, err := normalizeDuration(req.Duration); err != nil {
		return nil, err
	} else if nd == "gtc" {
		tif = alpaca.GTC
	}

	clientID := req.Tag
	if clientID == "" {
		clientID = uuid.New().String()
	}
	placeReq := alpaca.PlaceOrderRequest{
		Symbol:        req.OptionSymbol,
		Qty:           &qty,
		Side:          side,
		Type:          alpaca.Market,
		TimeInForce:   tif,
		ClientOrderID: clientID,
	}
	if req.Type == OrderTypeLimit {
		limit := req.LimitPrice
		placeReq.Type = alpaca.Limit
		placeReq.LimitPrice = &limit
	}

	o, err := a.client.PlaceOrder(placeReq)
	if err != nil {
		return nil, wrapAlpacaError(err)
	}
	st := mapAlpacaOrder(o)
	st.Side = req.Side
	return st, nil
}

func (a *AlpacaBroker) GetOrderStatusCtx(ctx context.Context, orderID string) (*OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o, err := a.client.GetOrder(orderID)
	if err != nil {
		return nil, wrapAlpacaError(err)
	}
	return mapAlpacaOrder(o), nil
}

func (a *AlpacaBroker) CancelOrderCtx(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrapAlpacaError(a.client.CancelOrder(orderID))
}

func mapAlpacaOrder(o *alpaca.Order) *OrderStatus {
	st := &OrderStatus{
		ID:             o.ID,
		Status:         normalizeAlpacaStatus(o.Status),
		Symbol:         o.Symbol,
		FilledQuantity: int(o.FilledQty.IntPart()),
	}
	if o.Qty != nil {
		st.Quantity = int(o.Qty.IntPart())
	}
	if o.FilledAvgPrice != nil {
		st.AvgFillPrice = *o.FilledAvgPrice
	}
	if o.LimitPrice != nil {
		st.Price = *o.LimitPrice
	}
	return st
}

func normalizeAlpacaStatus(s string) string {
	switch strings.ToLower(s) {
	case "filled":
		return StatusFilled
	case "partially_filled":
		return StatusPartiallyFilled
	case "canceled", "done_for_day", "replaced":
		return StatusCanceled
	case "rejected", "suspended":
		return StatusRejected
	case "expired":
		return StatusExpired
	case "new", "accepted", "pending_new", "accepted_for_bidding", "pending_cancel", "pending_replace", "calculated":
		return StatusOpen
	default:
		return StatusPending
	}
}

// wrapAlpacaError carries the HTTP status into APIError so IsPermanent works.
func wrapAlpacaError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		return &APIError{Status: apiErr.StatusCode, Body: apiErr.Message}
	}
	return err
}

var _ Broker = (*AlpacaBroker)(nil)
