package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/position_ledger/internal/contract"
	"github.com/eddiefleurent/position_ledger/internal/models"
)

// ReconcileSourceRef tags lots created or reduced by reconciliation.
const ReconcileSourceRef = "reconcile"

// record is one arena slot. Its mutex serializes writers for a single identity.
type record struct {
	mu   sync.Mutex
	pos  models.Position
	lots []models.Lot
}

// Store is the in-memory arena backing the ledger.
type Store struct {
	mu        sync.RWMutex // guards the records map, never held across a record lock
	records   map[string]*record
	persister Persister
	logger    *logrus.Logger
	now       func() time.Time
	seq       atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty ledger. A nil persister keeps the ledger in memory only.
func NewStore(persister Persister, logger *logrus.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Store{
		records:   make(map[string]*record),
		persister: persister,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load hydrates the arena from the persister. Records whose cached quantity
// disagrees with their lots are repaired from the lots.
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	snaps, err := s.persister.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("loading ledger: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var maxSeq int64
	for _, snap := range snaps {
		pos := snap.Position
		if want := models.SumOpen(snap.Lots); pos.TotalQuantity != want {
			s.logger.WithFields(logrus.Fields{
				"ci":     pos.CI,
				"stored": pos.TotalQuantity,
				"lots":   want,
			}).Warn("Ledger record quantity disagrees with lots, repairing from lots")
			pos.TotalQuantity = want
		}
		for _, l := range snap.Lots {
			if l.Seq > maxSeq {
				maxSeq = l.Seq
			}
		}
		s.records[pos.CI] = &record{pos: pos, lots: models.CloneLots(snap.Lots)}
	}
	s.seq.Store(maxSeq)
	s.logger.Infof("Loaded %d ledger records", len(snaps))
	return nil
}

// recordFor returns the arena slot for ci, creating an empty one if asked.
func (s *Store) recordFor(ci string, create bool) *record {
	s.mu.RLock()
	rec, ok := s.records[ci]
	s.mu.RUnlock()
	if ok || !create {
		return rec
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok = s.records[ci]; ok {
		return rec
	}
	rec = &record{}
	s.records[ci] = rec
	return rec
}

func (s *Store) snapshotRecords() []*record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out
}

// mutate runs fn against copies of one record, persists the result and only
// then commits it. Any error leaves the record exactly as it was.
func (s *Store) mutate(
	ctx context.Context,
	ci string,
	create bool,
	fn func(pos *models.Position, lots *[]models.Lot) error,
) (models.Position, []models.Lot, error) {
	rec := s.recordFor(ci, create)
	if rec == nil {
		return models.Position{}, nil, fmt.Errorf("%w: %s", models.ErrPositionNotFound, ci)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !create && rec.pos.Status == models.StatusNone {
		return models.Position{}, nil, fmt.Errorf("%w: %s", models.ErrPositionNotFound, ci)
	}

	pos := rec.pos.Clone()
	lots := models.CloneLots(rec.lots)
	if err := fn(&pos, &lots); err != nil {
		if errors.Is(err, errNoChange) {
			return rec.pos.Clone(), models.CloneLots(rec.lots), nil
		}
		return models.Position{}, nil, err
	}

	if sum := models.SumOpen(lots); pos.TotalQuantity != sum {
		return models.Position{}, nil, fmt.Errorf("ledger invariant violated for %s: total %d, open lots %d",
			ci, pos.TotalQuantity, sum)
	}

	if s.persister != nil {
		if err := s.persister.Save(ctx, Snapshot{Position: pos, Lots: lots}); err != nil {
			return models.Position{}, nil, fmt.Errorf("persisting %s: %w", ci, err)
		}
	}

	rec.pos = pos
	rec.lots = lots
	return pos.Clone(), models.CloneLots(lots), nil
}

func (s *Store) nextLot(ci string, qty int, cost decimal.Decimal, ref string, at time.Time) models.Lot {
	return models.Lot{
		LotID:          uuid.New().String(),
		CI:             ci,
		Quantity:       qty,
		CostBasis:      cost,
		EntryTime:      at,
		SourceOrderRef: ref,
		Status:         models.LotOpen,
		Seq:            s.seq.Add(1),
	}
}

// AppendLot records a buy-side tranche. A missing, closed or cancelled record
// starts a fresh position in opening; an existing one averages the lot in and
// keeps its status.
func (s *Store) AppendLot(
	ctx context.Context,
	c contract.Contract,
	quantity int,
	costBasis decimal.Decimal,
	sourceRef, originTag string,
) (models.Position, models.Lot, error) {
	if quantity <= 0 {
		return models.Position{}, models.Lot{}, fmt.Errorf("append lot: quantity must be > 0, got %d", quantity)
	}
	if costBasis.IsNegative() {
		return models.Position{}, models.Lot{}, fmt.Errorf("append lot: cost basis must be >= 0, got %s", costBasis)
	}

	ci := c.ID()
	var lot models.Lot
	pos, _, err := s.mutate(ctx, ci, true, func(pos *models.Position, lots *[]models.Lot) error {
		now := s.now()
		if pos.Status == models.StatusNone || pos.Terminal() {
			prev := pos.Status
			*pos = models.Position{
				CI:             ci,
				Ticker:         c.Ticker,
				Strike:         c.Strike,
				OptionKind:     c.Kind,
				Expiration:     c.Expiration,
				OriginTag:      originTag,
				FirstEntryTime: now,
				Status:         prev,
				RealizedPnL:    decimal.Zero,
			}
			if err := pos.Transition(models.StatusOpening, models.ConditionOrderPlaced, now); err != nil {
				return err
			}
		}

		lot = s.nextLot(ci, quantity, costBasis, sourceRef, now)
		*lots = append(*lots, lot)
		pos.TotalQuantity = models.SumOpen(*lots)
		pos.AvgCostBasis = models.WeightedCost(*lots)
		pos.LastUpdateTime = now
		return nil
	})
	if err != nil {
		return models.Position{}, models.Lot{}, err
	}
	return pos, lot, nil
}

// SettleLot rewrites a pending buy lot with what the broker actually filled.
func (s *Store) SettleLot(ctx context.Context, ci, lotID string, filledQty int, fillPrice decimal.Decimal) (models.Position, error) {
	pos, _, err := s.mutate(ctx, ci, false, func(pos *models.Position, lots *[]models.Lot) error {
		idx := findLot(*lots, lotID)
		if idx < 0 || (*lots)[idx].Status != models.LotOpen {
			return fmt.Errorf("%w: %s in %s", ErrLotNotFound, lotID, ci)
		}
		lot := &(*lots)[idx]
		if filledQty <= 0 || filledQty > lot.Quantity {
			return fmt.Errorf("settle lot %s: filled quantity %d outside 1..%d", lotID, filledQty, lot.Quantity)
		}
		if filledQty == lot.Quantity && (!fillPrice.IsPositive() || fillPrice.Equal(lot.CostBasis)) {
			return errNoChange
		}
		lot.Quantity = filledQty
		if fillPrice.IsPositive() {
			lot.CostBasis = fillPrice
		}
		pos.TotalQuantity = models.SumOpen(*lots)
		pos.AvgCostBasis = models.WeightedCost(*lots)
		pos.LastUpdateTime = s.now()
		return nil
	})
	return pos, err
}

// CancelLot removes a buy lot that never filled. An opening position left with
// no lots becomes cancelled.
func (s *Store) CancelLot(ctx context.Context, ci, lotID, condition string) (models.Position, error) {
	if condition == "" {
		condition = models.ConditionOrderTimeout
	}
	pos, _, err := s.mutate(ctx, ci, false, func(pos *models.Position, lots *[]models.Lot) error {
		idx := findLot(*lots, lotID)
		if idx < 0 || (*lots)[idx].Status != models.LotOpen {
			return fmt.Errorf("%w: %s in %s", ErrLotNotFound, lotID, ci)
		}
		*lots = append((*lots)[:idx], (*lots)[idx+1:]...)
		now := s.now()
		pos.TotalQuantity = models.SumOpen(*lots)
		if pos.TotalQuantity > 0 {
			pos.AvgCostBasis = models.WeightedCost(*lots)
		}
		pos.LastUpdateTime = now
		if pos.Status == models.StatusOpening && pos.TotalQuantity == 0 {
			return pos.Transition(models.StatusCancelled, condition, now)
		}
		return nil
	})
	return pos, err
}

// ConfirmOpen moves an opening position to open. It is a no-op for a position
// that is already open.
func (s *Store) ConfirmOpen(ctx context.Context, ci string) (models.Position, error) {
	pos, _, err := s.mutate(ctx, ci, false, func(pos *models.Position, _ *[]models.Lot) error {
		switch pos.Status {
		case models.StatusOpen, models.StatusTrimmed, models.StatusPendingExit:
			return errNoChange
		}
		return pos.Transition(models.StatusOpen, models.ConditionOrderFilled, s.now())
	})
	return pos, err
}

// BeginExit marks a sellable position pending_exit and returns the status it had.
func (s *Store) BeginExit(ctx context.Context, ci string) (models.Status, error) {
	var prev models.Status
	_, _, err := s.mutate(ctx, ci, false, func(pos *models.Position, _ *[]models.Lot) error {
		prev = pos.Status
		switch {
		case pos.Status == models.StatusPendingExit:
			return fmt.Errorf("%w: %s already has a sell in flight", models.ErrLockBusy, ci)
		case !pos.Sellable():
			return fmt.Errorf("%w: %s is %s with quantity %d", models.ErrPositionNotFound, ci, pos.Status, pos.TotalQuantity)
		}
		return pos.Transition(models.StatusPendingExit, models.ConditionExitLocked, s.now())
	})
	return prev, err
}

// AbortExit restores the status a position had before BeginExit. Positions
// that are not pending_exit are returned unchanged.
func (s *Store) AbortExit(ctx context.Context, ci string) (models.Position, error) {
	pos, _, err := s.mutate(ctx, ci, false, func(pos *models.Position, _ *[]models.Lot) error {
		if pos.Status != models.StatusPendingExit {
			return errNoChange
		}
		return pos.Transition(restoreStatus(*pos), models.ConditionExitAborted, s.now())
	})
	return pos, err
}

// FinishExit resolves a pending_exit position once its sell flow has filled:
// trimmed while contracts remain, closed otherwise. Positions that are not
// pending_exit are returned unchanged.
func (s *Store) FinishExit(ctx context.Context, ci string) (models.Position, error) {
	pos, _, err := s.mutate(ctx, ci, false, func(pos *models.Position, _ *[]models.Lot) error {
		if pos.Status != models.StatusPendingExit {
			return errNoChange
		}
		if pos.TotalQuantity == 0 {
			return pos.Transition(models.StatusClosed, models.ConditionFullExit, s.now())
		}
		return pos.Transition(models.StatusTrimmed, models.ConditionPartialExit, s.now())
	})
	return pos, err
}

// ExpireStaleExits releases pending_exit records older than olderThan whose
// lock is no longer held, and returns their identities.
func (s *Store) ExpireStaleExits(ctx context.Context, olderThan time.Duration, held func(ci string) bool) []string {
	cutoff := s.now().Add(-olderThan)
	var expired []string
	for _, p := range s.List() {
		if p.Status != models.StatusPendingExit || p.PendingExitSince == nil || p.PendingExitSince.After(cutoff) {
			continue
		}
		if held != nil && held(p.CI) {
			continue
		}
		_, _, err := s.mutate(ctx, p.CI, false, func(pos *models.Position, _ *[]models.Lot) error {
			if pos.Status != models.StatusPendingExit {
				return errNoChange
			}
			return pos.Transition(restoreStatus(*pos), models.ConditionExitExpired, s.now())
		})
		if err != nil {
			s.logger.WithError(err).WithField("ci", p.CI).Warn("Failed to release stale pending exit")
			continue
		}
		s.logger.WithField("ci", p.CI).Warn("Released stale pending exit")
		expired = append(expired, p.CI)
	}
	return expired
}

func restoreStatus(p models.Position) models.Status {
	if p.PreExitStatus == models.StatusOpen || p.PreExitStatus == models.StatusTrimmed {
		return p.PreExitStatus
	}
	return models.StatusTrimmed
}

// Consume sells quantity contracts out of the position's open lots, oldest
// first. A lot consumed in part is split: the open lot keeps its id with the
// remainder and a closed lot records the consumed part.
func (s *Store) Consume(ctx context.Context, ci string, quantity int, exitPrice decimal.Decimal) (ConsumptionResult, error) {
	if quantity <= 0 {
		return ConsumptionResult{}, fmt.Errorf("consume: quantity must be > 0, got %d", quantity)
	}

	var result ConsumptionResult
	_, _, err := s.mutate(ctx, ci, false, func(pos *models.Position, lots *[]models.Lot) error {
		switch pos.Status {
		case models.StatusOpen, models.StatusTrimmed, models.StatusPendingExit:
		default:
			return fmt.Errorf("%w: cannot consume from %s position %s", models.ErrInvalidTransition, pos.Status, ci)
		}
		if quantity > pos.TotalQuantity {
			s.logger.WithFields(logrus.Fields{
				"ci":        ci,
				"requested": quantity,
				"available": pos.TotalQuantity,
			}).Error("Consume exceeds ledger quantity, local and broker state may have drifted")
			return fmt.Errorf("%w: %s requested %d, available %d",
				models.ErrInsufficientQuantity, ci, quantity, pos.TotalQuantity)
		}

		now := s.now()
		touched, closedParts := takeLots(lots, quantity, fifoOrder(*lots), func() int64 { return s.seq.Add(1) })
		realized := decimal.Zero
		for i := range touched {
			q := decimal.NewFromInt(int64(touched[i].Quantity))
			realized = realized.Add(exitPrice.Sub(touched[i].CostBasis).Mul(q))
		}
		for _, idx := range closedParts {
			exitAt := now
			price := exitPrice
			(*lots)[idx].ExitTime = &exitAt
			(*lots)[idx].ExitPrice = &price
		}

		pos.TotalQuantity = models.SumOpen(*lots)
		pos.RealizedPnL = pos.RealizedPnL.Add(realized)

		switch {
		case pos.TotalQuantity == 0:
			if err := pos.Transition(models.StatusClosed, models.ConditionFullExit, now); err != nil {
				return err
			}
		case pos.Status == models.StatusPendingExit:
			// The sell flow holding the exit resolves the status with FinishExit.
			// An aborted exit now restores to trimmed.
			pos.PreExitStatus = models.StatusTrimmed
			pos.LastUpdateTime = now
		default:
			if err := pos.Transition(models.StatusTrimmed, models.ConditionPartialExit, now); err != nil {
				return err
			}
		}

		result = ConsumptionResult{
			LotsTouched:     touched,
			RealizedAvgExit: exitPrice,
			RealizedPnL:     realized,
			Remaining:       pos.TotalQuantity,
			Status:          pos.Status,
		}
		return nil
	})
	if err != nil {
		return ConsumptionResult{}, err
	}
	return result, nil
}

// Correct forces the position's quantity to what the broker reports. Shrinking
// reduces the newest lots first; growing appends a reconciliation lot at the
// broker's average cost.
func (s *Store) Correct(ctx context.Context, ci string, brokerQty int, brokerAvgCost decimal.Decimal) (Correction, error) {
	if brokerQty <= 0 {
		return Correction{}, fmt.Errorf("correct %s: broker quantity must be > 0, use CloseExternally", ci)
	}

	var corr Correction
	_, _, err := s.mutate(ctx, ci, false, func(pos *models.Position, lots *[]models.Lot) error {
		if pos.Status != models.StatusOpen && pos.Status != models.StatusTrimmed {
			return fmt.Errorf("%w: cannot correct %s position %s", models.ErrInvalidTransition, pos.Status, ci)
		}
		corr = Correction{CI: ci, LocalQuantity: pos.TotalQuantity, BrokerQuantity: brokerQty}
		if brokerQty == pos.TotalQuantity {
			return errNoChange
		}

		now := s.now()
		if brokerQty < pos.TotalQuantity {
			order := fifoOrder(*lots)
			for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
				order[i], order[j] = order[j], order[i]
			}
			touched, closedParts := takeLots(lots, pos.TotalQuantity-brokerQty, order, func() int64 { return s.seq.Add(1) })
			for _, t := range touched {
				corr.LotsReduced = append(corr.LotsReduced, t.LotID)
			}
			for _, idx := range closedParts {
				exitAt := now
				(*lots)[idx].ExitTime = &exitAt
				(*lots)[idx].SourceOrderRef = ReconcileSourceRef
			}
			pos.TotalQuantity = models.SumOpen(*lots)
			if pos.Status == models.StatusOpen {
				return pos.Transition(models.StatusTrimmed, models.ConditionDriftCorrected, now)
			}
			pos.LastUpdateTime = now
			return nil
		}

		cost := brokerAvgCost
		if !cost.IsPositive() {
			cost = pos.AvgCostBasis
		}
		lot := s.nextLot(ci, brokerQty-pos.TotalQuantity, cost, ReconcileSourceRef, now)
		*lots = append(*lots, lot)
		corr.LotAdded = lot.LotID
		pos.TotalQuantity = models.SumOpen(*lots)
		pos.AvgCostBasis = models.WeightedCost(*lots)
		pos.LastUpdateTime = now
		return nil
	})
	if err != nil {
		return Correction{}, err
	}
	return corr, nil
}

// CloseExternally closes every open lot of a position the broker no longer holds.
func (s *Store) CloseExternally(ctx context.Context, ci string) (models.Position, error) {
	pos, _, err := s.mutate(ctx, ci, false, func(pos *models.Position, lots *[]models.Lot) error {
		now := s.now()
		for i := range *lots {
			if (*lots)[i].Status == models.LotOpen {
				exitAt := now
				(*lots)[i].Status = models.LotClosed
				(*lots)[i].ExitTime = &exitAt
			}
		}
		pos.TotalQuantity = 0
		return pos.Transition(models.StatusClosed, models.ConditionClosedExternally, now)
	})
	return pos, err
}

// Adopt creates an open position for a contract the broker holds but the
// ledger does not.
func (s *Store) Adopt(ctx context.Context, c contract.Contract, quantity int, avgCost decimal.Decimal) (models.Position, error) {
	if quantity <= 0 {
		return models.Position{}, fmt.Errorf("adopt %s: quantity must be > 0", c.ID())
	}
	ci := c.ID()
	pos, _, err := s.mutate(ctx, ci, true, func(pos *models.Position, lots *[]models.Lot) error {
		if pos.Status != models.StatusNone && !pos.Terminal() {
			return fmt.Errorf("%w: %s already tracked as %s", models.ErrInvalidTransition, ci, pos.Status)
		}
		now := s.now()
		*pos = models.Position{
			CI:             ci,
			Ticker:         c.Ticker,
			Strike:         c.Strike,
			OptionKind:     c.Kind,
			Expiration:     c.Expiration,
			OriginTag:      "broker",
			FirstEntryTime: now,
			Status:         pos.Status,
			RealizedPnL:    decimal.Zero,
		}
		*lots = append(*lots, s.nextLot(ci, quantity, avgCost, ReconcileSourceRef, now))
		pos.TotalQuantity = models.SumOpen(*lots)
		pos.AvgCostBasis = models.WeightedCost(*lots)
		return pos.Transition(models.StatusOpen, models.ConditionAdopted, now)
	})
	return pos, err
}

// Get returns a copy of the position for ci.
func (s *Store) Get(ci string) (models.Position, bool) {
	rec := s.recordFor(ci, false)
	if rec == nil {
		return models.Position{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.pos.Status == models.StatusNone {
		return models.Position{}, false
	}
	return rec.pos.Clone(), true
}

// Lots returns copies of every lot recorded for ci, open and closed.
func (s *Store) Lots(ci string) []models.Lot {
	rec := s.recordFor(ci, false)
	if rec == nil {
		return nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return models.CloneLots(rec.lots)
}

// ListOpen returns active positions (open, trimmed or pending_exit), optionally
// filtered by ticker, oldest first.
func (s *Store) ListOpen(ticker string) []models.Position {
	root := ""
	if ticker != "" {
		root = contract.Symbols.TraderSymbol(ticker)
	}
	var out []models.Position
	for _, p := range s.List() {
		if !p.IsActive() {
			continue
		}
		if root != "" && p.Ticker != root {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].FirstEntryTime.Equal(out[j].FirstEntryTime) {
			return out[i].FirstEntryTime.Before(out[j].FirstEntryTime)
		}
		return out[i].CI < out[j].CI
	})
	return out
}

// List returns every record, sorted by identity.
func (s *Store) List() []models.Position {
	recs := s.snapshotRecords()
	out := make([]models.Position, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		if rec.pos.Status != models.StatusNone {
			out = append(out, rec.pos.Clone())
		}
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CI < out[j].CI })
	return out
}

func findLot(lots []models.Lot, lotID string) int {
	for i := range lots {
		if lots[i].LotID == lotID {
			return i
		}
	}
	return -1
}

// fifoOrder returns the indexes of open lots ordered by entry time, then insertion.
func fifoOrder(lots []models.Lot) []int {
	var idx []int
	for i := range lots {
		if lots[i].Status == models.LotOpen && lots[i].Quantity > 0 {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		la, lb := lots[idx[a]], lots[idx[b]]
		if !la.EntryTime.Equal(lb.EntryTime) {
			return la.EntryTime.Before(lb.EntryTime)
		}
		return la.Seq < lb.Seq
	})
	return idx
}

// takeLots removes quantity from the lots at the given indexes in order. Fully
// taken lots are closed in place; a partly taken lot keeps its remainder open
// and a new closed lot is appended for the taken part. It returns what was
// taken and the indexes of every lot that is now closed by this call.
func takeLots(lots *[]models.Lot, quantity int, order []int, nextSeq func() int64) ([]LotConsumption, []int) {
	var touched []LotConsumption
	var closed []int
	remaining := quantity
	for _, idx := range order {
		if remaining == 0 {
			break
		}
		lot := &(*lots)[idx]
		take := lot.Quantity
		if take > remaining {
			take = remaining
		}
		remaining -= take

		if take == lot.Quantity {
			lot.Status = models.LotClosed
			closed = append(closed, idx)
			touched = append(touched, LotConsumption{LotID: lot.LotID, Quantity: take, CostBasis: lot.CostBasis, Closed: true})
			continue
		}

		part := *lot
		part.LotID = uuid.New().String()
		part.Quantity = take
		part.Status = models.LotClosed
		part.Seq = nextSeq()
		lot.Quantity -= take
		touched = append(touched, LotConsumption{LotID: lot.LotID, Quantity: take, CostBasis: lot.CostBasis})
		*lots = append(*lots, part)
		closed = append(closed, len(*lots)-1)
	}
	return touched, closed
}
