package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/position_ledger/internal/contract"
	"github.com/eddiefleurent/position_ledger/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS ledger_positions (
	ci                 TEXT PRIMARY KEY,
	ticker             TEXT NOT NULL,
	strike             NUMERIC NOT NULL,
	option_kind        TEXT NOT NULL,
	expiration         DATE NOT NULL,
	total_quantity     INTEGER NOT NULL,
	avg_cost_basis     NUMERIC NOT NULL,
	status             TEXT NOT NULL,
	origin_tag         TEXT NOT NULL DEFAULT '',
	first_entry_time   TIMESTAMPTZ NOT NULL,
	last_update_time   TIMESTAMPTZ NOT NULL,
	pending_exit_since TIMESTAMPTZ,
	pre_exit_status    TEXT NOT NULL DEFAULT '',
	realized_pnl       NUMERIC NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS ledger_lots (
	lot_id           TEXT PRIMARY KEY,
	ci               TEXT NOT NULL REFERENCES ledger_positions(ci) ON DELETE CASCADE,
	quantity         INTEGER NOT NULL,
	cost_basis       NUMERIC NOT NULL,
	entry_time       TIMESTAMPTZ NOT NULL,
	source_order_ref TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	exit_time        TIMESTAMPTZ,
	exit_price       NUMERIC,
	seq              BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS ledger_lots_ci_idx ON ledger_lots (ci, entry_time, seq);
`

// PostgresPersister stores ledger records in PostgreSQL. Monetary values are
// NUMERIC so decimals round-trip exactly.
type PostgresPersister struct {
	pool *pgxpool.Pool
}

// NewPostgresPersister wraps an existing pool.
func NewPostgresPersister(pool *pgxpool.Pool) *PostgresPersister {
	return &PostgresPersister{pool: pool}
}

// Migrate creates the ledger tables if they do not exist.
func (p *PostgresPersister) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate ledger schema: %w", err)
	}
	return nil
}

// Save upserts the position and replaces its lots in one transaction.
func (p *PostgresPersister) Save(ctx context.Context, snap Snapshot) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	pos := snap.Position
	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_positions (ci, ticker, strike, option_kind, expiration, total_quantity,
		     avg_cost_basis, status, origin_tag, first_entry_time, last_update_time,
		     pending_exit_since, pre_exit_status, realized_pnl)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7::NUMERIC, $8, $9, $10, $11, $12, $13, $14::NUMERIC)
		 ON CONFLICT (ci) DO UPDATE SET
		     total_quantity = EXCLUDED.total_quantity,
		     avg_cost_basis = EXCLUDED.avg_cost_basis,
		     status = EXCLUDED.status,
		     origin_tag = EXCLUDED.origin_tag,
		     first_entry_time = EXCLUDED.first_entry_time,
		     last_update_time = EXCLUDED.last_update_time,
		     pending_exit_since = EXCLUDED.pending_exit_since,
		     pre_exit_status = EXCLUDED.pre_exit_status,
		     realized_pnl = EXCLUDED.realized_pnl`,
		pos.CI, pos.Ticker, pos.Strike.String(), string(pos.OptionKind), pos.Expiration,
		pos.TotalQuantity, pos.AvgCostBasis.String(), string(pos.Status), pos.OriginTag,
		pos.FirstEntryTime, pos.LastUpdateTime, pos.PendingExitSince,
		string(pos.PreExitStatus), pos.RealizedPnL.String(),
	)
	if err != nil {
		return fmt.Errorf("upsert position %s: %w", pos.CI, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM ledger_lots WHERE ci = $1`, pos.CI); err != nil {
		return fmt.Errorf("clear lots for %s: %w", pos.CI, err)
	}

	for _, l := range snap.Lots {
		var exitPrice *string
		if l.ExitPrice != nil {
			s := l.ExitPrice.String()
			exitPrice = &s
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO ledger_lots (lot_id, ci, quantity, cost_basis, entry_time, source_order_ref,
			     status, exit_time, exit_price, seq)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8, $9::NUMERIC, $10)`,
			l.LotID, pos.CI, l.Quantity, l.CostBasis.String(), l.EntryTime, l.SourceOrderRef,
			string(l.Status), l.ExitTime, exitPrice, l.Seq,
		)
		if err != nil {
			return fmt.Errorf("insert lot %s: %w", l.LotID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit %s: %w", pos.CI, err)
	}
	return nil
}

// LoadAll reads every position with its lots.
func (p *PostgresPersister) LoadAll(ctx context.Context) ([]Snapshot, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT ci, ticker, strike::TEXT, option_kind, expiration, total_quantity,
		        avg_cost_basis::TEXT, status, origin_tag, first_entry_time, last_update_time,
		        pending_exit_since, pre_exit_status, realized_pnl::TEXT
		 FROM ledger_positions ORDER BY ci`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}

	byCI := make(map[string]*Snapshot)
	var order []string
	for rows.Next() {
		var pos models.Position
		var strike, avg, pnl, kind, status, preExit string
		var exp time.Time
		if err := rows.Scan(&pos.CI, &pos.Ticker, &strike, &kind, &exp, &pos.TotalQuantity,
			&avg, &status, &pos.OriginTag, &pos.FirstEntryTime, &pos.LastUpdateTime,
			&pos.PendingExitSince, &preExit, &pnl); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan position: %w", err)
		}
		pos.Strike, _ = decimal.NewFromString(strike)
		pos.AvgCostBasis, _ = decimal.NewFromString(avg)
		pos.RealizedPnL, _ = decimal.NewFromString(pnl)
		pos.OptionKind = contract.Kind(kind)
		pos.Status = models.Status(status)
		pos.PreExitStatus = models.Status(preExit)
		pos.Expiration = contract.DateOnly(exp)
		byCI[pos.CI] = &Snapshot{Position: pos}
		order = append(order, pos.CI)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	lotRows, err := p.pool.Query(ctx,
		`SELECT lot_id, ci, quantity, cost_basis::TEXT, entry_time, source_order_ref,
		        status, exit_time, exit_price::TEXT, seq
		 FROM ledger_lots ORDER BY ci, entry_time, seq`)
	if err != nil {
		return nil, fmt.Errorf("query lots: %w", err)
	}
	defer lotRows.Close()

	for lotRows.Next() {
		var l models.Lot
		var cost, status string
		var exitPrice *string
		if err := lotRows.Scan(&l.LotID, &l.CI, &l.Quantity, &cost, &l.EntryTime, &l.SourceOrderRef,
			&status, &l.ExitTime, &exitPrice, &l.Seq); err != nil {
			return nil, fmt.Errorf("scan lot: %w", err)
		}
		l.CostBasis, _ = decimal.NewFromString(cost)
		l.Status = models.LotStatus(status)
		if exitPrice != nil {
			d, _ := decimal.NewFromString(*exitPrice)
			l.ExitPrice = &d
		}
		if snap, ok := byCI[l.CI]; ok {
			snap.Lots = append(snap.Lots, l)
		}
	}
	if err := lotRows.Err(); err != nil {
		return nil, err
	}

	sort.Strings(order)
	out := make([]Snapshot, 0, len(order))
	for _, ci := range order {
		out = append(out, *byCI[ci])
	}
	return out, nil
}

var _ Persister = (*PostgresPersister)(nil)
