package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/position_ledger/internal/contract"
)

// Position is the ledger row for one contract identity.
//
// TotalQuantity always equals the sum of the quantities of the position's open
// lots. AvgCostBasis is the quantity-weighted average over open lots at the
// time the last lot was added; consuming lots does not change it.
type Position struct {
	CI               string          `json:"ci"`
	Ticker           string          `json:"ticker"`
	Strike           decimal.Decimal `json:"strike"`
	OptionKind       contract.Kind   `json:"option_kind"`
	Expiration       time.Time       `json:"expiration"`
	TotalQuantity    int             `json:"total_quantity"`
	AvgCostBasis     decimal.Decimal `json:"avg_cost_basis"`
	Status           Status          `json:"status"`
	OriginTag        string          `json:"origin_tag,omitempty"`
	FirstEntryTime   time.Time       `json:"first_entry_time"`
	LastUpdateTime   time.Time       `json:"last_update_time"`
	PendingExitSince *time.Time      `json:"pending_exit_since,omitempty"`
	// PreExitStatus is the status to restore when a pending exit is abandoned.
	PreExitStatus Status `json:"pre_exit_status,omitempty"`
	// RealizedPnL is in premium points per contract unit, summed over closed lot quantity.
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// LotStatus is the state of a single tranche.
type LotStatus string

const (
	LotOpen   LotStatus = "open"
	LotClosed LotStatus = "closed"
)

// Lot is one buy-side fill. Only Status and the exit fields change after the
// lot is settled.
type Lot struct {
	LotID          string           `json:"lot_id"`
	CI             string           `json:"ci"`
	Quantity       int              `json:"quantity"`
	CostBasis      decimal.Decimal  `json:"cost_basis"`
	EntryTime      time.Time        `json:"entry_time"`
	SourceOrderRef string           `json:"source_order_ref,omitempty"`
	Status         LotStatus        `json:"status"`
	ExitTime       *time.Time       `json:"exit_time,omitempty"`
	ExitPrice      *decimal.Decimal `json:"exit_price,omitempty"`
	// Seq breaks ties between lots with the same entry time.
	Seq int64 `json:"seq"`
}

// Contract rebuilds the contract the position refers to.
func (p Position) Contract() contract.Contract {
	return contract.Contract{
		Ticker:     p.Ticker,
		Expiration: p.Expiration,
		Strike:     p.Strike,
		Kind:       p.OptionKind,
	}
}

// IsActive reports whether the position still holds contracts or is waiting on a fill.
func (p Position) IsActive() bool {
	switch p.Status {
	case StatusOpen, StatusTrimmed, StatusPendingExit:
		return true
	default:
		return false
	}
}

// Sellable reports whether a sell intent may start on the position.
func (p Position) Sellable() bool {
	return (p.Status == StatusOpen || p.Status == StatusTrimmed) && p.TotalQuantity > 0
}

// Terminal reports whether the record has no further lifecycle.
func (p Position) Terminal() bool {
	return p.Status == StatusClosed || p.Status == StatusCancelled
}

// SumOpen returns the quantity held across open lots.
func SumOpen(lots []Lot) int {
	total := 0
	for _, l := range lots {
		if l.Status == LotOpen {
			total += l.Quantity
		}
	}
	return total
}

// WeightedCost returns the quantity-weighted cost basis of the open lots.
func WeightedCost(lots []Lot) decimal.Decimal {
	qty := decimal.Zero
	notional := decimal.Zero
	for _, l := range lots {
		if l.Status != LotOpen || l.Quantity <= 0 {
			continue
		}
		q := decimal.NewFromInt(int64(l.Quantity))
		qty = qty.Add(q)
		notional = notional.Add(l.CostBasis.Mul(q))
	}
	if qty.IsZero() {
		return decimal.Zero
	}
	return notional.Div(qty).Round(4)
}

// CloneLots returns a deep copy of lots.
func CloneLots(lots []Lot) []Lot {
	out := make([]Lot, len(lots))
	for i, l := range lots {
		out[i] = l.clone()
	}
	return out
}

// Clone returns a copy that shares no pointers with p.
func (p Position) Clone() Position {
	if p.PendingExitSince != nil {
		t := *p.PendingExitSince
		p.PendingExitSince = &t
	}
	return p
}

func (l Lot) clone() Lot {
	if l.ExitTime != nil {
		t := *l.ExitTime
		l.ExitTime = &t
	}
	if l.ExitPrice != nil {
		d := *l.ExitPrice
		l.ExitPrice = &d
	}
	return l
}
