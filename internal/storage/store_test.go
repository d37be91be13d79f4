package storage

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/position_ledger/internal/contract"
	"github.com/eddiefleurent/position_ledger/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 28, 14, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func spyCall(t *testing.T) contract.Contract {
	t.Helper()
	c, err := contract.New("SPY", time.Date(2026, 1, 28, 0, 0, 0, 0, time.UTC), decimal.NewFromInt(595), contract.Call)
	require.NoError(t, err)
	return c
}

func newTestStore(t *testing.T) (*Store, *MockPersister, *fakeClock) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	clock := newFakeClock()
	p := NewMockPersister()
	return NewStore(p, logger, WithClock(clock.Now)), p, clock
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// openPosition appends the given lots one clock tick apart and confirms the position open.
func openPosition(t *testing.T, s *Store, clock *fakeClock, c contract.Contract, lots ...lotSpec) {
	t.Helper()
	ctx := context.Background()
	for _, l := range lots {
		_, _, err := s.AppendLot(ctx, c, l.qty, dec(l.cost), "", "test")
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}
	_, err := s.ConfirmOpen(ctx, c.ID())
	require.NoError(t, err)
}

type lotSpec struct {
	qty  int
	cost string
}

func TestAppendLot_NewPositionIsOpening(t *testing.T) {
	s, p, _ := newTestStore(t)
	c := spyCall(t)

	pos, lot, err := s.AppendLot(context.Background(), c, 5, dec("1.20"), "ord-1", "alert")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpening, pos.Status)
	assert.Equal(t, 5, pos.TotalQuantity)
	assert.True(t, pos.AvgCostBasis.Equal(dec("1.2")))
	assert.Equal(t, "alert", pos.OriginTag)
	assert.Equal(t, models.LotOpen, lot.Status)
	assert.Equal(t, "ord-1", lot.SourceOrderRef)

	snap, ok := p.Stored(c.ID())
	require.True(t, ok)
	assert.Equal(t, 5, snap.Position.TotalQuantity)
	assert.Len(t, snap.Lots, 1)
}

func TestAppendLot_WeightedAverage(t *testing.T) {
	s, _, clock := newTestStore(t)
	c := spyCall(t)
	openPosition(t, s, clock, c, lotSpec{2, "1.00"})

	pos, _, err := s.AppendLot(context.Background(), c, 2, dec("2.00"), "", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, pos.Status, "adding to an open position keeps it open")
	assert.Equal(t, 4, pos.TotalQuantity)
	assert.True(t, pos.AvgCostBasis.Equal(dec("1.5")), "got %s", pos.AvgCostBasis)
}

func TestAppendLot_Validation(t *testing.T) {
	s, _, _ := newTestStore(t)
	c := spyCall(t)

	_, _, err := s.AppendLot(context.Background(), c, 0, dec("1"), "", "")
	assert.Error(t, err)
	_, _, err = s.AppendLot(context.Background(), c, 1, dec("-1"), "", "")
	assert.Error(t, err)

	_, ok := s.Get(c.ID())
	assert.False(t, ok)
}

func TestConsume_FIFOAcrossLots(t *testing.T) {
	s, _, clock := newTestStore(t)
	c := spyCall(t)
	openPosition(t, s, clock, c, lotSpec{5, "1.00"}, lotSpec{3, "2.00"})
	before := s.Lots(c.ID())
	require.Len(t, before, 2)

	res, err := s.Consume(context.Background(), c.ID(), 6, dec("3.00"))
	require.NoError(t, err)

	require.Len(t, res.LotsTouched, 2)
	assert.Equal(t, before[0].LotID, res.LotsTouched[0].LotID)
	assert.Equal(t, 5, res.LotsTouched[0].Quantity)
	assert.True(t, res.LotsTouched[0].Closed)
	assert.Equal(t, before[1].LotID, res.LotsTouched[1].LotID)
	assert.Equal(t, 1, res.LotsTouched[1].Quantity)
	assert.False(t, res.LotsTouched[1].Closed)

	assert.Equal(t, 2, res.Remaining)
	assert.Equal(t, models.StatusTrimmed, res.Status)
	// (3-1)*5 + (3-2)*1
	assert.True(t, res.RealizedPnL.Equal(dec("11")), "got %s", res.RealizedPnL)

	pos, ok := s.Get(c.ID())
	require.True(t, ok)
	assert.Equal(t, 2, pos.TotalQuantity)
	assert.True(t, pos.AvgCostBasis.Equal(dec("1.375")), "consuming does not move the average")

	var open []models.Lot
	for _, l := range s.Lots(c.ID()) {
		if l.Status == models.LotOpen {
			open = append(open, l)
		}
	}
	require.Len(t, open, 1)
	assert.Equal(t, before[1].LotID, open[0].LotID)
	assert.Equal(t, 2, open[0].Quantity)
}

func TestConsume_FullExitCloses(t *testing.T) {
	s, _, clock := newTestStore(t)
	c := spyCall(t)
	openPosition(t, s, clock, c, lotSpec{3, "1.00"})

	res, err := s.Consume(context.Background(), c.ID(), 3, dec("0.50"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, res.Status)
	assert.Equal(t, 0, res.Remaining)
	assert.True(t, res.RealizedPnL.Equal(dec("-1.5")))

	for _, l := range s.Lots(c.ID()) {
		assert.Equal(t, models.LotClosed, l.Status)
		require.NotNil(t, l.ExitPrice)
		assert.True(t, l.ExitPrice.Equal(dec("0.5")))
	}
	assert.Empty(t, s.ListOpen(""))
}

func TestConsume_InsufficientQuantityLeavesRecordUnchanged(t *testing.T) {
	s, p, clock := newTestStore(t)
	c := spyCall(t)
	openPosition(t, s, clock, c, lotSpec{5, "1.00"}, lotSpec{3, "2.00"})
	beforePos, _ := s.Get(c.ID())
	beforeLots := s.Lots(c.ID())
	saves := p.GetSaveCallCount()

	_, err := s.Consume(context.Background(), c.ID(), 9, dec("3.00"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInsufficientQuantity))
	assert.Equal(t, "InsufficientQuantity", models.ErrorCode(err))

	afterPos, _ := s.Get(c.ID())
	assert.Equal(t, beforePos, afterPos)
	assert.Equal(t, beforeLots, s.Lots(c.ID()))
	assert.Equal(t, saves, p.GetSaveCallCount())
}

func TestConsume_RejectsOpeningPosition(t *testing.T) {
	s, _, _ := newTestStore(t)
	c := spyCall(t)
	_, _, err := s.AppendLot(context.Background(), c, 2, dec("1"), "", "")
	require.NoError(t, err)

	_, err = s.Consume(context.Background(), c.ID(), 1, dec("1"))
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestConsume_UnknownPosition(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.Consume(context.Background(), "SPY_20260128_595_C", 1, dec("1"))
	assert.ErrorIs(t, err, models.ErrPositionNotFound)
}

func TestPersistFailureRollsBack(t *testing.T) {
	s, p, clock := newTestStore(t)
	c := spyCall(t)
	openPosition(t, s, clock, c, lotSpec{4, "1.00"})
	before, _ := s.Get(c.ID())
	beforeLots := s.Lots(c.ID())

	p.SetSaveError(errors.New("disk full"))
	_, err := s.Consume(context.Background(), c.ID(), 2, dec("2.00"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	_, _, err = s.AppendLot(context.Background(), c, 1, dec("1.00"), "", "")
	require.Error(t, err)

	after, _ := s.Get(c.ID())
	assert.Equal(t, before, after)
	assert.Equal(t, beforeLots, s.Lots(c.ID()))

	p.SetSaveError(nil)
	res, err := s.Consume(context.Background(), c.ID(), 2, dec("2.00"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Remaining)
}

func TestConfirmOpen_Idempotent(t *testing.T) {
	s, p, clock := newTestStore(t)
	c := spyCall(t)
	openPosition(t, s, clock, c, lotSpec{1, "1.00"})
	saves := p.GetSaveCallCount()

	pos, err := s.ConfirmOpen(context.Background(), c.ID())
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, pos.Status)
	assert.Equal(t, saves, p.GetSaveCallCount(), "confirming an open position writes nothing")
}

func TestSettleLot_PartialFill(t *testing.T) {
	s, _, _ := newTestStore(t)
	c := spyCall(t)
	_, lot, err := s.AppendLot(context.Background(), c, 5, dec("1.00"), "", "")
	require.NoError(t, err)

	pos, err := s.SettleLot(context.Background(), c.ID(), lot.LotID, 3, dec("0.95"))
	require.NoError(t, err)
	assert.Equal(t, 3, pos.TotalQuantity)
	assert.True(t, pos.AvgCostBasis.Equal(dec("0.95")))

	_, err = s.SettleLot(context.Background(), c.ID(), lot.LotID, 4, dec("0.95"))
	assert.Error(t, err, "cannot settle more than the lot holds")

	_, err = s.SettleLot(context.Background(), c.ID(), "missing", 1, dec("1"))
	assert.ErrorIs(t, err, ErrLotNotFound)
}

func TestCancelLot_CancelsEmptyOpening(t *testing.T) {
	s, _, _ := newTestStore(t)
	c := spyCall(t)
	_, lot, err := s.AppendLot(context.Background(), c, 2, dec("1.00"), "", "")
	require.NoError(t, err)

	pos, err := s.CancelLot(context.Background(), c.ID(), lot.LotID, models.ConditionOrderTimeout)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, pos.Status)
	assert.Equal(t, 0, pos.TotalQuantity)
	assert.Empty(t, s.Lots(c.ID()))

	// a later buy reopens the record
	pos, _, err = s.AppendLot(context.Background(), c, 1, dec("1.10"), "", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpening, pos.Status)
}

func TestCancelLot_KeepsOpenPositionOpen(t *testing.T) {
	s, _, clock := newTestStore(t)
	c := spyCall(t)
	openPosition(t, s, clock, c, lotSpec{2, "1.00"})
	_, lot, err := s.AppendLot(context.Background(), c, 3, dec("2.00"), "", "")
	require.NoError(t, err)

	pos, err := s.CancelLot(context.Background(), c.ID(), lot.LotID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, pos.Status)
	assert.Equal(t, 2, pos.TotalQuantity)
	assert.True(t, pos.AvgCostBasis.Equal(dec("1")))
}

func TestBeginAbortExit(t *testing.T) {
	s, _, clock := newTestStore(t)
	c := spyCall(t)
	openPosition(t, s, clock, c, lotSpec{4, "1.00"})
	ctx := context.Background()

	prev, err := s.BeginExit(ctx, c.ID())
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, prev)

	pos, _ := s.Get(c.ID())
	assert.Equal(t, models.StatusPendingExit, pos.Status)
	require.NotNil(t, pos.PendingExitSince)
	assert.True(t, pos.IsActive())

	_, err = s.BeginExit(ctx, c.ID())
	assert.ErrorIs(t, err, models.ErrLockBusy)

	pos, err = s.AbortExit(ctx, c.ID())
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, pos.Status)
	assert.Nil(t, pos.PendingExitSince)
}

func TestConsume_DuringExitKeepsPendingExit(t *testing.T) {
	s, _, clock := newTestStore(t)
	c := spyCall(t)
	openPosition(t, s, clock, c, lotSpec{10, "1.00"})
	ctx := context.Background()

	_, err := s.BeginExit(ctx, c.ID())
	require.NoError(t, err)

	res, err := s.Consume(ctx, c.ID(), 2, dec("1.50"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingExit, res.Status)
	assert.Equal(t, 8, res.Remaining)

	pos, _ := s.Get(c.ID())
	assert.Equal(t, models.StatusPendingExit, pos.Status, "sell still in flight")
	require.NotNil(t, pos.PendingExitSince)

	pos, err = s.FinishExit(ctx, c.ID())
	require.NoError(t, err)
	assert.Equal(t, models.StatusTrimmed, pos.Status)
	assert.Nil(t, pos.PendingExitSince)

	// finishing twice is a no-op
	pos, err = s.FinishExit(ctx, c.ID())
	require.NoError(t, err)
	assert.Equal(t, models.StatusTrimmed, pos.Status)
}

func TestAbortExit_AfterPartialFillRestoresTrimmed(t *testing.T) {
	s, _, clock := newTestStore(t)
	c := spyCall(t)
	openPosition(t, s, clock, c, lotSpec{4, "1.00"})
	ctx := context.Background()

	_, err := s.BeginExit(ctx, c.ID())
	require.NoError(t, err)
	_, err = s.Consume(ctx, c.ID(), 1, dec("1.20"))
	require.NoError(t, err)

	pos, err := s.AbortExit(ctx, c.ID())
	require.NoError(t, err)
	assert.Equal(t, models.StatusTrimmed, pos.Status)
	assert.Equal(t, 3, pos.TotalQuantity)
}

func TestConsume_DuringExitClosesAtZero(t *testing.T) {
	s, _, clock := newTestStore(t)
	c := spyCall(t)
	openPosition(t, s, clock, c, lotSpec{3, "1.00"})
	ctx := context.Background()

	_, err := s.BeginExit(ctx, c.ID())
	require.NoError(t, err)
	res, err := s.Consume(ctx, c.ID(), 3, dec("1.10"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, res.Status)

	pos, err := s.FinishExit(ctx, c.ID())
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, pos.Status)
}

func TestBeginExit_NotSellable(t *testing.T) {
	s, _, _ := newTestStore(t)
	c := spyCall(t)
	_, _, err := s.AppendLot(context.Background(), c, 1, dec("1"), "", "")
	require.NoError(t, err)

	_, err = s.BeginExit(context.Background(), c.ID())
	assert.ErrorIs(t, err, models.ErrPositionNotFound)
}

func TestExpireStaleExits(t *testing.T) {
	s, _, clock := newTestStore(t)
	ctx := context.Background()
	a := spyCall(t)
	b, err := contract.New("SPY", a.Expiration, decimal.NewFromInt(600), contract.Put)
	require.NoError(t, err)
	openPosition(t, s, clock, a, lotSpec{2, "1.00"})
	openPosition(t, s, clock, b, lotSpec{2, "1.00"})
	_, err = s.Consume(ctx, b.ID(), 1, dec("1.5"))
	require.NoError(t, err)

	_, err = s.BeginExit(ctx, a.ID())
	require.NoError(t, err)
	_, err = s.BeginExit(ctx, b.ID())
	require.NoError(t, err)

	assert.Empty(t, s.ExpireStaleExits(ctx, 5*time.Minute, nil), "nothing is stale yet")

	clock.Advance(10 * time.Minute)
	held := func(ci string) bool { return ci == a.ID() }
	expired := s.ExpireStaleExits(ctx, 5*time.Minute, held)
	assert.Equal(t, []string{b.ID()}, expired)

	pb, _ := s.Get(b.ID())
	assert.Equal(t, models.StatusTrimmed, pb.Status, "restores the status held before the exit")
	pa, _ := s.Get(a.ID())
	assert.Equal(t, models.StatusPendingExit, pa.Status, "held locks are left alone")
}

func TestCorrect_ShrinkReducesNewestLots(t *testing.T) {
	s, _, clock := newTestStore(t)
	c := spyCall(t)
	openPosition(t, s, clock, c, lotSpec{5, "1.00"}, lotSpec{3, "2.00"})
	lots := s.Lots(c.ID())

	corr, err := s.Correct(context.Background(), c.ID(), 4, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, 8, corr.LocalQuantity)
	assert.Equal(t, 4, corr.BrokerQuantity)
	assert.Equal(t, []string{lots[1].LotID, lots[0].LotID}, corr.LotsReduced)

	pos, _ := s.Get(c.ID())
	assert.Equal(t, 4, pos.TotalQuantity)
	assert.Equal(t, models.StatusTrimmed, pos.Status)

	for _, l := range s.Lots(c.ID()) {
		if l.Status == models.LotOpen {
			assert.Equal(t, lots[0].LotID, l.LotID)
			assert.Equal(t, 4, l.Quantity)
		}
	}
}

func TestCorrect_GrowAppendsReconcileLot(t *testing.T) {
	s, _, clock := newTestStore(t)
	c := spyCall(t)
	openPosition(t, s, clock, c, lotSpec{2, "1.00"})

	corr, err := s.Correct(context.Background(), c.ID(), 5, dec("1.50"))
	require.NoError(t, err)
	require.NotEmpty(t, corr.LotAdded)

	pos, _ := s.Get(c.ID())
	assert.Equal(t, 5, pos.TotalQuantity)
	assert.Equal(t, models.StatusOpen, pos.Status)
	assert.True(t, pos.AvgCostBasis.Equal(dec("1.3")), "got %s", pos.AvgCostBasis)

	lots := s.Lots(c.ID())
	assert.Equal(t, ReconcileSourceRef, lots[len(lots)-1].SourceOrderRef)
}

func TestCorrect_EqualIsNoop(t *testing.T) {
	s, p, clock := newTestStore(t)
	c := spyCall(t)
	openPosition(t, s, clock, c, lotSpec{2, "1.00"})
	saves := p.GetSaveCallCount()

	corr, err := s.Correct(context.Background(), c.ID(), 2, decimal.Zero)
	require.NoError(t, err)
	assert.Empty(t, corr.LotsReduced)
	assert.Empty(t, corr.LotAdded)
	assert.Equal(t, saves, p.GetSaveCallCount())
}

func TestCloseExternallyAndAdopt(t *testing.T) {
	s, _, clock := newTestStore(t)
	ctx := context.Background()
	c := spyCall(t)
	openPosition(t, s, clock, c, lotSpec{2, "1.00"})

	pos, err := s.CloseExternally(ctx, c.ID())
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, pos.Status)
	assert.Equal(t, 0, pos.TotalQuantity)

	pos, err = s.Adopt(ctx, c, 3, dec("0.80"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, pos.Status)
	assert.Equal(t, "broker", pos.OriginTag)
	assert.Equal(t, 3, pos.TotalQuantity)

	_, err = s.Adopt(ctx, c, 1, dec("1"))
	assert.ErrorIs(t, err, models.ErrInvalidTransition, "cannot adopt a tracked position")
}

func TestListOpen_FiltersAndOrders(t *testing.T) {
	s, _, clock := newTestStore(t)
	ctx := context.Background()
	exp := time.Date(2026, 1, 28, 0, 0, 0, 0, time.UTC)
	later, err := contract.New("SPY", exp, decimal.NewFromInt(600), contract.Put)
	require.NoError(t, err)
	spx, err := contract.New("SPXW", exp, decimal.NewFromInt(5950), contract.Call)
	require.NoError(t, err)
	first := spyCall(t)

	openPosition(t, s, clock, first, lotSpec{1, "1"})
	openPosition(t, s, clock, later, lotSpec{1, "1"})
	openPosition(t, s, clock, spx, lotSpec{1, "1"})
	pending := contract.Contract{Ticker: "SPY", Expiration: exp, Strike: decimal.NewFromInt(610), Kind: contract.Call}
	_, _, err = s.AppendLot(ctx, pending, 1, dec("1"), "", "")
	require.NoError(t, err)

	spy := s.ListOpen("spy")
	require.Len(t, spy, 2, "opening positions are not listed")
	assert.Equal(t, first.ID(), spy[0].CI)
	assert.Equal(t, later.ID(), spy[1].CI)

	spxOpen := s.ListOpen("SPXW")
	require.Len(t, spxOpen, 1)
	assert.Equal(t, "SPX", spxOpen[0].Ticker)

	assert.Len(t, s.ListOpen(""), 3)
	assert.Len(t, s.List(), 4)
}

func TestLoad_RestoresFromPersister(t *testing.T) {
	s, p, clock := newTestStore(t)
	c := spyCall(t)
	openPosition(t, s, clock, c, lotSpec{5, "1.00"}, lotSpec{3, "2.00"})
	_, err := s.Consume(context.Background(), c.ID(), 6, dec("3"))
	require.NoError(t, err)

	logger, hook := test.NewNullLogger()
	restored := NewStore(p, logger)
	require.NoError(t, restored.Load(context.Background()))

	want, _ := s.Get(c.ID())
	got, ok := restored.Get(c.ID())
	require.True(t, ok)
	assert.Equal(t, want, got)
	assert.Equal(t, s.Lots(c.ID()), restored.Lots(c.ID()))
	assert.Equal(t, 1, p.GetLoadCallCount())
	assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)

	// new lots sort after restored ones
	_, lot, err := restored.AppendLot(context.Background(), c, 1, dec("1"), "", "")
	require.NoError(t, err)
	for _, l := range s.Lots(c.ID()) {
		assert.Greater(t, lot.Seq, l.Seq)
	}
}

func TestLoad_Error(t *testing.T) {
	s, p, _ := newTestStore(t)
	p.SetLoadError(errors.New("boom"))
	assert.Error(t, s.Load(context.Background()))
}

func TestConcurrentAppendsOnOneIdentity(t *testing.T) {
	s, _, _ := newTestStore(t)
	c := spyCall(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.AppendLot(context.Background(), c, 1, dec("1.00"), "", "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	pos, ok := s.Get(c.ID())
	require.True(t, ok)
	assert.Equal(t, 50, pos.TotalQuantity)
	assert.Len(t, s.Lots(c.ID()), 50)
}

// TestQuantityInvariant_RandomOperations drives random mutations and checks
// that the cached total always matches the open lots and never goes negative.
func TestQuantityInvariant_RandomOperations(t *testing.T) {
	s, _, clock := newTestStore(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	exp := time.Date(2026, 1, 28, 0, 0, 0, 0, time.UTC)

	var contracts []contract.Contract
	for _, strike := range []int64{590, 595, 600} {
		c, err := contract.New("SPY", exp, decimal.NewFromInt(strike), contract.Call)
		require.NoError(t, err)
		contracts = append(contracts, c)
	}

	for i := 0; i < 2000; i++ {
		clock.Advance(time.Second)
		c := contracts[rng.Intn(len(contracts))]
		ci := c.ID()
		switch rng.Intn(7) {
		case 0, 1:
			_, _, _ = s.AppendLot(ctx, c, 1+rng.Intn(5), decimal.NewFromFloat(0.5+rng.Float64()), "", "")
		case 2:
			_, _ = s.ConfirmOpen(ctx, ci)
		case 3:
			_, _ = s.Consume(ctx, ci, 1+rng.Intn(6), decimal.NewFromFloat(rng.Float64()*3))
		case 4:
			if _, err := s.BeginExit(ctx, ci); err == nil && rng.Intn(2) == 0 {
				_, _ = s.AbortExit(ctx, ci)
			}
		case 5:
			_, _ = s.Correct(ctx, ci, 1+rng.Intn(8), decimal.Zero)
		case 6:
			if rng.Intn(10) == 0 {
				_, _ = s.CloseExternally(ctx, ci)
			}
		}

		for _, p := range s.List() {
			lots := s.Lots(p.CI)
			require.Equal(t, models.SumOpen(lots), p.TotalQuantity, "step %d %s", i, p.CI)
			require.GreaterOrEqual(t, p.TotalQuantity, 0)
			for _, l := range lots {
				require.Greater(t, l.Quantity, 0, "lots never hold zero contracts")
			}
			if p.Status == models.StatusClosed {
				require.Zero(t, p.TotalQuantity)
			}
		}
	}
}
