package storage

import (
	"context"

	"github.com/eddiefleurent/position_ledger/internal/models"
)

// Snapshot is the durable form of one ledger record.
type Snapshot struct {
	Position models.Position `json:"position"`
	Lots     []models.Lot    `json:"lots"`
}

// Persister writes ledger records through to durable storage. Save must not
// return until the snapshot is durable; a failed Save leaves the previous
// snapshot in place.
type Persister interface {
	Save(ctx context.Context, snap Snapshot) error
	LoadAll(ctx context.Context) ([]Snapshot, error)
}
