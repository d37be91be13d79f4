// Package dispatch turns structured trade intents into locked executions.
package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/position_ledger/internal/contract"
	"github.com/eddiefleurent/position_ledger/internal/orders"
	"github.com/eddiefleurent/position_ledger/internal/resolver"
)

// Action is what an intent asks for.
type Action string

const (
	ActionBuy     Action = "buy"
	ActionTrim    Action = "trim"
	ActionExit    Action = "exit"
	ActionExitAll Action = "exit_all"
)

// Price is an intent price: a number, "market" or "BE".
type Price struct {
	orders.PriceHint
}

// UnmarshalJSON accepts a JSON number or one of the price keywords.
func (p *Price) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		p.PriceHint = orders.PriceHint{Kind: orders.PriceMarket}
		return nil
	}
	raw := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
	}
	h, err := orders.ParsePriceHint(raw)
	if err != nil {
		return err
	}
	p.PriceHint = h
	return nil
}

// MarshalJSON writes limits as numbers and keywords as strings.
func (p Price) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case orders.PriceLimit:
		return []byte(p.Limit.String()), nil
	case orders.PriceBreakEven:
		return []byte(`"BE"`), nil
	default:
		return []byte(`"market"`), nil
	}
}

// Intent is the structured instruction produced by the upstream parser.
type Intent struct {
	Action       Action           `json:"action"`
	Ticker       string           `json:"ticker"`
	Strike       *decimal.Decimal `json:"strike,omitempty"`
	OptionKind   string           `json:"option_kind,omitempty"`
	Expiration   string           `json:"expiration,omitempty"`
	Price        Price            `json:"price"`
	QuantityHint int              `json:"quantity_hint,omitempty"`
	Heuristic    string           `json:"heuristic,omitempty"`
}

// ParseIntent decodes and validates one intent.
func ParseIntent(data []byte) (Intent, error) {
	var in Intent
	if err := json.Unmarshal(data, &in); err != nil {
		return Intent{}, fmt.Errorf("decode intent: %w", err)
	}
	if err := in.Validate(); err != nil {
		return Intent{}, err
	}
	return in, nil
}

// Validate checks the fields the action needs.
func (in *Intent) Validate() error {
	in.Action = Action(strings.ToLower(strings.TrimSpace(string(in.Action))))
	in.Ticker = strings.ToUpper(strings.TrimSpace(in.Ticker))
	if in.Ticker == "" {
		return fmt.Errorf("intent: ticker is required")
	}
	if in.QuantityHint < 0 {
		return fmt.Errorf("intent: quantity_hint must be >= 0, got %d", in.QuantityHint)
	}
	if in.Price.Kind == "" {
		in.Price.Kind = orders.PriceMarket
	}
	if _, err := resolver.ParseHeuristic(in.Heuristic); err != nil {
		return fmt.Errorf("intent: %w", err)
	}
	if _, err := in.Hints(); err != nil {
		return err
	}

	switch in.Action {
	case ActionBuy:
		if in.Strike == nil || in.OptionKind == "" || in.Expiration == "" {
			return fmt.Errorf("intent: buy needs strike, option_kind and expiration")
		}
		if in.Price.Kind == orders.PriceBreakEven {
			return fmt.Errorf("intent: BE is not a valid buy price")
		}
	case ActionTrim, ActionExit, ActionExitAll:
	default:
		return fmt.Errorf("intent: unknown action %q", in.Action)
	}
	return nil
}

// Hints returns the resolver hints the intent carries.
func (in Intent) Hints() (resolver.Hints, error) {
	var h resolver.Hints
	if in.Strike != nil {
		if !in.Strike.IsPositive() {
			return h, fmt.Errorf("intent: strike must be positive, got %s", in.Strike)
		}
		s := *in.Strike
		h.Strike = &s
	}
	if in.OptionKind != "" {
		k, err := contract.ParseKind(in.OptionKind)
		if err != nil {
			return h, fmt.Errorf("intent: %w", err)
		}
		h.Kind = k
	}
	if in.Expiration != "" {
		t, err := contract.ParseDate(in.Expiration)
		if err != nil {
			return h, fmt.Errorf("intent: %w", err)
		}
		h.Expiration = &t
	}
	return h, nil
}

// Contract builds the exact contract a buy names.
func (in Intent) Contract() (contract.Contract, error) {
	h, err := in.Hints()
	if err != nil {
		return contract.Contract{}, err
	}
	if h.Strike == nil || h.Expiration == nil || h.Kind == "" {
		return contract.Contract{}, fmt.Errorf("intent: contract needs strike, option_kind and expiration")
	}
	return contract.New(in.Ticker, *h.Expiration, *h.Strike, h.Kind)
}
