// Package storage holds the position ledger: an arena of position and lot
// records indexed by contract identity, with write-through persistence.
package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/position_ledger/internal/contract"
	"github.com/eddiefleurent/position_ledger/internal/models"
)

// Reader is the read side of the ledger used by the resolver and the HTTP API.
type Reader interface {
	Get(ci string) (models.Position, bool)
	Lots(ci string) []models.Lot
	ListOpen(ticker string) []models.Position
	List() []models.Position
}

// Interface defines every mutation the ledger accepts.
//
// Implementations must be safe for concurrent use. Mutations on one contract
// identity are serialized; mutations on different identities may run in parallel.
type Interface interface {
	Reader

	// Buy side
	AppendLot(ctx context.Context, c contract.Contract, quantity int, costBasis decimal.Decimal,
		sourceRef, originTag string) (models.Position, models.Lot, error)
	SettleLot(ctx context.Context, ci, lotID string, filledQty int, fillPrice decimal.Decimal) (models.Position, error)
	CancelLot(ctx context.Context, ci, lotID, condition string) (models.Position, error)
	ConfirmOpen(ctx context.Context, ci string) (models.Position, error)

	// Sell side
	BeginExit(ctx context.Context, ci string) (models.Status, error)
	AbortExit(ctx context.Context, ci string) (models.Position, error)
	Consume(ctx context.Context, ci string, quantity int, exitPrice decimal.Decimal) (ConsumptionResult, error)
	FinishExit(ctx context.Context, ci string) (models.Position, error)
	ExpireStaleExits(ctx context.Context, olderThan time.Duration, held func(ci string) bool) []string

	// Reconciliation
	Correct(ctx context.Context, ci string, brokerQty int, brokerAvgCost decimal.Decimal) (Correction, error)
	CloseExternally(ctx context.Context, ci string) (models.Position, error)
	Adopt(ctx context.Context, c contract.Contract, quantity int, avgCost decimal.Decimal) (models.Position, error)
}

// LotConsumption records how much of one lot a sell consumed.
type LotConsumption struct {
	LotID     string          `json:"lot_id"`
	Quantity  int             `json:"quantity"`
	CostBasis decimal.Decimal `json:"cost_basis"`
	Closed    bool            `json:"closed"`
}

// ConsumptionResult is returned by Consume.
type ConsumptionResult struct {
	LotsTouched     []LotConsumption `json:"lots_touched"`
	RealizedAvgExit decimal.Decimal  `json:"realized_avg_exit"`
	RealizedPnL     decimal.Decimal  `json:"realized_pnl"`
	Remaining       int              `json:"remaining"`
	Status          models.Status    `json:"status"`
}

// Correction describes one reconciliation write.
type Correction struct {
	CI             string   `json:"ci"`
	LocalQuantity  int      `json:"local_quantity"`
	BrokerQuantity int      `json:"broker_quantity"`
	LotsReduced    []string `json:"lots_reduced,omitempty"`
	LotAdded       string   `json:"lot_added,omitempty"`
}

// Ensure Store implements Interface
var _ Interface = (*Store)(nil)
