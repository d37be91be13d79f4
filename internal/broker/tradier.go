// Package broker provides brokerage clients for single-leg option orders.
// It includes the Tradier API client, an Alpaca adapter and resilience wrappers.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/position_ledger/internal/contract"
)

// TradierAPI is a Tradier REST client.
type TradierAPI struct {
	client     *http.Client
	apiKey     string
	baseURL    string
	accountID  string
	rateLimits RateLimits
	sandbox    bool
	timeout    time.Duration // configurable timeout for HTTP requests
	logger     *logrus.Logger
}

// RateLimits defines API rate limits for different endpoint categories.
type RateLimits struct {
	MarketData int // requests per minute
	Trading    int // requests per minute
	Standard   int // requests per minute
}

// NewTradierAPI creates a new TradierAPI client with default settings.
func NewTradierAPI(apiKey, accountID string, sandbox bool) *TradierAPI {
	return NewTradierAPIWithBaseURL(apiKey, accountID, sandbox, "")
}

// NewTradierAPIWithBaseURL creates a new TradierAPI client with optional custom baseURL and rate limits
func NewTradierAPIWithBaseURL(
	apiKey, accountID string,
	sandbox bool,
	baseURL string,
	customLimits ...RateLimits,
) *TradierAPI {
	var limits RateLimits

	if baseURL == "" {
		if sandbox {
			baseURL = "https://sandbox.tradier.com/v1"
		} else {
			baseURL = "https://api.tradier.com/v1"
		}
	}
	// Normalize once
	baseURL = strings.TrimRight(baseURL, "/")

	// Use custom limits if provided, otherwise use defaults based on sandbox mode
	var providedLimits RateLimits
	if len(customLimits) > 0 {
		providedLimits = customLimits[0]
	}

	if providedLimits.MarketData > 0 || providedLimits.Trading > 0 || providedLimits.Standard > 0 {
		limits = providedLimits
	} else if sandbox {
		limits = RateLimits{
			MarketData: 120,
			Trading:    120,
			Standard:   120,
		}
	} else {
		limits = RateLimits{
			MarketData: 500,
			Trading:    500,
			Standard:   500,
		}
	}

	defaultTimeout := 10 * time.Second
	return &TradierAPI{
		apiKey:     apiKey,
		baseURL:    baseURL,
		accountID:  accountID,
		client:     &http.Client{Timeout: defaultTimeout},
		sandbox:    sandbox,
		rateLimits: limits,
		timeout:    defaultTimeout,
		logger:     logrus.StandardLogger(),
	}
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (t *TradierAPI) WithHTTPClient(c *http.Client) *TradierAPI {
	if c != nil {
		t.client = c
	}
	return t
}

// WithTimeout sets the HTTP client timeout duration.
func (t *TradierAPI) WithTimeout(timeout time.Duration) *TradierAPI {
	if timeout <= 0 {
		return t
	}
	t.timeout = timeout
	if t.client != nil {
		t.client.Timeout = timeout
	}
	return t
}

// WithLogger sets the logger used for request diagnostics.
func (t *TradierAPI) WithLogger(logger *logrus.Logger) *TradierAPI {
	if logger != nil {
		t.logger = logger
	}
	return t
}

// RateLimits returns the per-minute limits the client was configured with.
func (t *TradierAPI) RateLimits() RateLimits {
	return t.rateLimits
}

// ============ API Response Structures ============

// Handle single-object vs array responses from Tradier
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

// PositionsResponse represents the positions response from the Tradier API.
type PositionsResponse struct {
	Positions PositionsWrapper `json:"positions"`
}

// PositionsWrapper handles the case where positions can be "null" string or an object
type PositionsWrapper struct {
	Position singleOrArray[PositionItem] `json:"position"`
}

func (pw *PositionsWrapper) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)

	// Handle both bare null and quoted "null" cases
	if bytes.Equal(trimmed, []byte(`null`)) || bytes.Equal(trimmed, []byte(`"null"`)) {
		*pw = PositionsWrapper{}
		return nil
	}

	type normalWrapper PositionsWrapper
	return json.Unmarshal(b, (*normalWrapper)(pw))
}

// PositionItem represents a single position item from the Tradier API.
// CostBasis is the total paid, so an option's per-contract premium is
// CostBasis / (Quantity * 100).
type PositionItem struct {
	DateAcquired string  `json:"date_acquired"`
	Symbol       string  `json:"symbol"`
	CostBasis    float64 `json:"cost_basis"`
	ID           int     `json:"id"`
	Quantity     float64 `json:"quantity"`
}

// QuotesResponse represents the quotes response from the Tradier API.
type QuotesResponse struct {
	Quotes struct {
		Quote singleOrArray[QuoteItem] `json:"quote"`
	} `json:"quotes"`
}

// QuoteItem represents a single quote item from the Tradier API.
type QuoteItem struct {
	Symbol     string  `json:"symbol"`
	Type       string  `json:"type"`
	Underlying string  `json:"underlying"`
	Bid        float64 `json:"bid"`
	BidSize    int     `json:"bidsize"`
	Ask        float64 `json:"ask"`
	AskSize    int     `json:"asksize"`
	Last       float64 `json:"last"`
	Volume     int64   `json:"volume"`
}

// OrderResponse represents the order response from the Tradier API.
type OrderResponse struct {
	Order struct {
		CreateDate        string  `json:"create_date"`
		Type              string  `json:"type"`
		Symbol            string  `json:"symbol"`
		OptionSymbol      string  `json:"option_symbol"`
		Side              string  `json:"side"`
		Class             string  `json:"class"`
		Status            string  `json:"status"`
		Duration          string  `json:"duration"`
		TransactionDate   string  `json:"transaction_date"`
		AvgFillPrice      float64 `json:"avg_fill_price"`
		ExecQuantity      float64 `json:"exec_quantity"`
		LastFillPrice     float64 `json:"last_fill_price"`
		LastFillQuantity  float64 `json:"last_fill_quantity"`
		RemainingQuantity float64 `json:"remaining_quantity"`
		ID                int     `json:"id"`
		Price             float64 `json:"price"`
		Quantity          float64 `json:"quantity"`
		Tag               string  `json:"tag"`
		ReasonDescription string  `json:"reason_description"`
	} `json:"order"`
}

// toStatus converts a Tradier order into the normalized status.
func (r *OrderResponse) toStatus() *OrderStatus {
	o := r.Order
	status := strings.ToLower(o.Status)
	if status == "ok" {
		// placement and cancel acknowledgements carry "ok" instead of an order state
		status = StatusPending
	}
	sym := o.OptionSymbol
	if sym == "" {
		sym = o.Symbol
	}
	return &OrderStatus{
		ID:             strconv.Itoa(o.ID),
		Status:         status,
		Symbol:         sym,
		Side:           Side(o.Side),
		Quantity:       int(math.Round(o.Quantity)),
		FilledQuantity: int(math.Round(o.ExecQuantity)),
		AvgFillPrice:   decimal.NewFromFloat(o.AvgFillPrice),
		Price:          decimal.NewFromFloat(o.Price),
	}
}

// ============ API Methods ============

// GetOptionQuoteCtx retrieves the current quote for an OCC option symbol.
func (t *TradierAPI) GetOptionQuoteCtx(ctx context.Context, optionSymbol string) (*Quote, error) {
	params := url.Values{}
	params.Set("symbols", optionSymbol)
	params.Set("greeks", "false")
	endpoint := t.baseURL + "/markets/quotes?" + params.Encode()

	var response QuotesResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}

	quotes := response.Quotes.Quote
	if len(quotes) == 0 {
		return nil, fmt.Errorf("no quote found for symbol: %s", optionSymbol)
	}

	q := quotes[0]
	return &Quote{
		Symbol: q.Symbol,
		Bid:    decimal.NewFromFloat(q.Bid),
		Ask:    decimal.NewFromFloat(q.Ask),
		Last:   decimal.NewFromFloat(q.Last),
	}, nil
}

// GetPositionsCtx retrieves current positions from the account with context support.
func (t *TradierAPI) GetPositionsCtx(ctx context.Context) ([]Holding, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/positions", t.baseURL, t.accountID)

	var response PositionsResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}

	items := []PositionItem(response.Positions.Position)
	holdings := make([]Holding, 0, len(items))
	for _, p := range items {
		qty := int(math.Round(p.Quantity))
		if qty == 0 {
			continue
		}
		multiplier := 1.0
		if contract.IsOCC(p.Symbol) {
			multiplier = 100
		}
		avg := decimal.NewFromFloat(p.CostBasis).
			Div(decimal.NewFromFloat(math.Abs(p.Quantity) * multiplier)).
			Round(4)
		holdings = append(holdings, Holding{Symbol: p.Symbol, Quantity: qty, AvgCost: avg})
	}
	return holdings, nil
}

// PlaceOptionOrderCtx places a single-leg option order.
func (t *TradierAPI) PlaceOptionOrderCtx(ctx context.Context, req OrderRequest) (*OrderStatus, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	nd, err := normalizeDuration(req.Duration)
	if err != nil {
		return nil, err
	}
	c, err := contract.ParseOCC(req.OptionSymbol)
	if err != nil {
		return nil, fmt.Errorf("failed to extract underlying symbol from option symbol: %s", req.OptionSymbol)
	}

	params := url.Values{}
	params.Add("class", "option")
	params.Add("symbol", contract.Symbols.BrokerSymbol(c.Ticker)) // Required underlying symbol
	params.Add("option_symbol", req.OptionSymbol)
	params.Add("side", string(req.Side))
	params.Add("quantity", strconv.Itoa(req.Quantity))
	params.Add("type", string(req.Type))
	params.Add("duration", nd)
	if req.Type == OrderTypeLimit {
		params.Add("price", req.LimitPrice.StringFixed(2))
	}
	if tag := sanitizeTag(req.Tag); tag != "" {
		params.Add("tag", tag)
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)

	var response OrderResponse
	if err := t.makeRequestCtx(ctx, http.MethodPost, endpoint, params, &response); err != nil {
		return nil, err
	}
	if response.Order.ID == 0 {
		return nil, &APIError{Status: http.StatusUnprocessableEntity, Body: "order response carried no id"}
	}

	st := response.toStatus()
	st.Symbol = req.OptionSymbol
	st.Side = req.Side
	st.Quantity = req.Quantity
	st.Price = req.LimitPrice
	return st, nil
}

// GetOrderStatusCtx retrieves the status of an existing order by ID with context
func (t *TradierAPI) GetOrderStatusCtx(ctx context.Context, orderID string) (*OrderStatus, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%s", t.baseURL, t.accountID, url.PathEscape(orderID))
	var response OrderResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	return response.toStatus(), nil
}

// CancelOrderCtx cancels an open order.
func (t *TradierAPI) CancelOrderCtx(ctx context.Context, orderID string) error {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%s", t.baseURL, t.accountID, url.PathEscape(orderID))
	var response OrderResponse
	return t.makeRequestCtx(ctx, http.MethodDelete, endpoint, nil, &response)
}

// sanitizeTag keeps the characters Tradier accepts in order tags.
func sanitizeTag(tag string) string {
	var b strings.Builder
	for _, r := range tag {
		if r == '-' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else if r == '_' || r == '.' {
			b.WriteRune('-')
		}
		if b.Len() >= 255 {
			break
		}
	}
	return b.String()
}

// makeRequestCtx makes an HTTP request with context support for timeout/cancellation
func (t *TradierAPI) makeRequestCtx(ctx context.Context, method, endpoint string,
	params url.Values, response interface{}) error {
	var req *http.Request
	var err error

	if method == http.MethodPost && params != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}

	req.Header.Add("Authorization", "Bearer "+t.apiKey)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "position-ledger/1.0 (+tradier)")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.logger.WithError(err).Debug("Failed to close response body")
		}
	}()

	// Check rate limit headers
	remaining := resp.Header.Get("X-Ratelimit-Available")
	if remaining == "" {
		remaining = resp.Header.Get("X-RateLimit-Remaining")
	}
	if remaining != "" && t.sandbox {
		t.logger.WithField("remaining", remaining).Debug("Tradier rate limit")
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		ct := resp.Header.Get("Content-Type")
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s (%s) -> %s (retry-after: %s)", method, endpoint, ct, string(body), ra)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s (%s) -> %s", method, endpoint, ct, string(body))}
	}

	if resp.StatusCode == http.StatusNoContent || response == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}

var _ Broker = (*TradierAPI)(nil)
