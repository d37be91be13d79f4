package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/position_ledger/internal/contract"
	"github.com/eddiefleurent/position_ledger/internal/models"
	"github.com/eddiefleurent/position_ledger/internal/storage"
)

var (
	today    = time.Date(2026, 1, 28, 0, 0, 0, 0, time.UTC)
	tomorrow = today.AddDate(0, 0, 1)
	nextWeek = today.AddDate(0, 0, 7)
	start    = time.Date(2026, 1, 28, 14, 0, 0, 0, time.UTC)
)

type mockOracle struct {
	mock.Mock
}

func (m *mockOracle) Mark(ctx context.Context, c contract.Contract) (decimal.Decimal, error) {
	args := m.Called(ctx, c.ID())
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

type fixture struct {
	t     *testing.T
	store *storage.Store
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{t: t, now: start}
	logger, _ := test.NewNullLogger()
	f.store = storage.NewStore(nil, logger, storage.WithClock(func() time.Time { return f.now }))
	return f
}

// open adds an open position entered at the fixture clock, then advances it a minute.
func (f *fixture) open(exp time.Time, strike int64, kind contract.Kind, qty int, cost string) string {
	f.t.Helper()
	c, err := contract.New("SPY", exp, decimal.NewFromInt(strike), kind)
	require.NoError(f.t, err)
	ctx := context.Background()
	_, _, err = f.store.AppendLot(ctx, c, qty, decimal.RequireFromString(cost), "", "")
	require.NoError(f.t, err)
	_, err = f.store.ConfirmOpen(ctx, c.ID())
	require.NoError(f.t, err)
	f.now = f.now.Add(time.Minute)
	return c.ID()
}

func (f *fixture) resolver(oracle QuoteOracle) *Resolver {
	logger, _ := test.NewNullLogger()
	r := New(f.store, oracle, time.UTC, logger)
	r.SetClock(func() time.Time { return start.Add(time.Hour) })
	return r
}

func strike(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

func TestResolve_SingleCandidate(t *testing.T) {
	f := newFixture(t)
	ci := f.open(nextWeek, 595, contract.Call, 2, "1.00")

	res, err := f.resolver(nil).Resolve(context.Background(), "spy", Hints{}, FIFO)
	require.NoError(t, err)
	assert.Equal(t, ci, res.CI)
	assert.Equal(t, 2, res.Position.TotalQuantity)
}

func TestResolve_NoCandidates(t *testing.T) {
	f := newFixture(t)
	f.open(nextWeek, 595, contract.Call, 2, "1.00")

	_, err := f.resolver(nil).Resolve(context.Background(), "QQQ", Hints{}, FIFO)
	assert.ErrorIs(t, err, models.ErrPositionNotFound)
}

func TestResolve_HintsScore(t *testing.T) {
	f := newFixture(t)
	call595 := f.open(nextWeek, 595, contract.Call, 1, "1.00")
	put595 := f.open(nextWeek, 595, contract.Put, 1, "1.00")
	call600 := f.open(tomorrow, 600, contract.Call, 1, "1.00")
	r := f.resolver(nil)
	ctx := context.Background()

	tests := []struct {
		name  string
		hints Hints
		want  string
		score int
	}{
		{"strike and kind", Hints{Strike: strike(595), Kind: contract.Put}, put595, 15},
		{"strike only picks oldest of the matches", Hints{Strike: strike(595)}, call595, 10},
		{"expiration", Hints{Expiration: &tomorrow}, call600, 10},
		{"kind and strike", Hints{Strike: strike(600), Kind: contract.Call}, call600, 15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Resolve(ctx, "SPY", tt.hints, FIFO)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.CI)
			assert.Equal(t, tt.score, res.Score)
		})
	}
}

func TestResolve_HintsMatchingNothing(t *testing.T) {
	f := newFixture(t)
	f.open(nextWeek, 595, contract.Call, 1, "1.00")

	_, err := f.resolver(nil).Resolve(context.Background(), "SPY", Hints{Strike: strike(700)}, FIFO)
	assert.ErrorIs(t, err, models.ErrPositionNotFound)
}

func TestResolve_SameDayBonus(t *testing.T) {
	f := newFixture(t)
	f.open(nextWeek, 595, contract.Call, 1, "1.00")
	zero := f.open(today, 590, contract.Call, 1, "1.00")

	res, err := f.resolver(nil).Resolve(context.Background(), "SPY", Hints{Kind: contract.Call}, FIFO)
	require.NoError(t, err)
	assert.Equal(t, zero, res.CI, "0DTE wins on the same-day bonus")
	assert.Equal(t, kindMatchScore+sameDayScore, res.Score)
}

func TestResolve_SameDayAloneIsNotAMatch(t *testing.T) {
	f := newFixture(t)
	f.open(today, 590, contract.Call, 1, "1.00")

	_, err := f.resolver(nil).Resolve(context.Background(), "SPY", Hints{Strike: strike(700)}, FIFO)
	assert.ErrorIs(t, err, models.ErrPositionNotFound, "expiring today does not count as a hint match")

	res, err := f.resolver(nil).Resolve(context.Background(), "SPY", Hints{}, FIFO)
	require.NoError(t, err)
	assert.Zero(t, res.Score, "no hints, no bonus")
}

func TestResolve_Heuristics(t *testing.T) {
	f := newFixture(t)
	oldest := f.open(nextWeek, 595, contract.Call, 2, "1.00")
	biggest := f.open(tomorrow, 600, contract.Call, 8, "2.00")
	zeroDay := f.open(today, 590, contract.Put, 1, "4.00")

	oracle := &mockOracle{}
	oracle.On("Mark", mock.Anything, oldest).Return(decimal.RequireFromString("1.10"), nil)  // +10%
	oracle.On("Mark", mock.Anything, biggest).Return(decimal.RequireFromString("3.00"), nil) // +50%
	oracle.On("Mark", mock.Anything, zeroDay).Return(decimal.RequireFromString("4.40"), nil) // +10%
	r := f.resolver(oracle)

	tests := []struct {
		h    Heuristic
		want string
	}{
		{FIFO, oldest},
		{Nearest, zeroDay},
		{Largest, biggest},
		{Profit, biggest},
	}
	for _, tt := range tests {
		t.Run(string(tt.h), func(t *testing.T) {
			res, err := r.Resolve(context.Background(), "SPY", Hints{}, tt.h)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.CI)
			assert.Equal(t, tt.h, res.Heuristic)
		})
	}
}

func TestResolve_ProfitFallsBackToFIFO(t *testing.T) {
	f := newFixture(t)
	oldest := f.open(nextWeek, 595, contract.Call, 1, "1.00")
	other := f.open(tomorrow, 600, contract.Call, 1, "1.00")

	oracle := &mockOracle{}
	oracle.On("Mark", mock.Anything, oldest).Return(decimal.RequireFromString("1.10"), nil)
	oracle.On("Mark", mock.Anything, other).Return(decimal.Zero, errors.New("no quote"))

	res, err := f.resolver(oracle).Resolve(context.Background(), "SPY", Hints{}, Profit)
	require.NoError(t, err)
	assert.Equal(t, oldest, res.CI)

	res, err = f.resolver(nil).Resolve(context.Background(), "SPY", Hints{}, Profit)
	require.NoError(t, err)
	assert.Equal(t, oldest, res.CI)
}

func TestResolve_ExactTieIsAmbiguous(t *testing.T) {
	f := newFixture(t)
	for _, s := range []int64{595, 600} {
		c, err := contract.New("SPY", nextWeek, decimal.NewFromInt(s), contract.Call)
		require.NoError(t, err)
		_, _, err = f.store.AppendLot(context.Background(), c, 1, decimal.NewFromInt(1), "", "")
		require.NoError(t, err)
		_, err = f.store.ConfirmOpen(context.Background(), c.ID())
		require.NoError(t, err)
	}

	_, err := f.resolver(nil).Resolve(context.Background(), "SPY", Hints{}, FIFO)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrAmbiguousPosition)
	assert.Equal(t, "AmbiguousPosition", models.ErrorCode(err))

	// a hint breaks the tie
	res, err := f.resolver(nil).Resolve(context.Background(), "SPY", Hints{Strike: strike(600)}, FIFO)
	require.NoError(t, err)
	assert.Contains(t, res.CI, "_600_")

	all, err := f.resolver(nil).ResolveAll(context.Background(), "SPY", Hints{}, FIFO)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestResolve_Deterministic(t *testing.T) {
	f := newFixture(t)
	f.open(nextWeek, 595, contract.Call, 2, "1.00")
	f.open(tomorrow, 600, contract.Put, 3, "1.00")
	f.open(today, 590, contract.Call, 1, "1.00")
	r := f.resolver(nil)

	first, err := r.Resolve(context.Background(), "SPY", Hints{Kind: contract.Call}, Nearest)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := r.Resolve(context.Background(), "SPY", Hints{Kind: contract.Call}, Nearest)
		require.NoError(t, err)
		assert.Equal(t, first.CI, again.CI)
	}
}

func TestResolve_IncludesPendingExit(t *testing.T) {
	f := newFixture(t)
	ci := f.open(nextWeek, 595, contract.Call, 2, "1.00")
	_, err := f.store.BeginExit(context.Background(), ci)
	require.NoError(t, err)

	res, err := f.resolver(nil).Resolve(context.Background(), "SPY", Hints{}, FIFO)
	require.NoError(t, err)
	assert.Equal(t, ci, res.CI)
	assert.Equal(t, models.StatusPendingExit, res.Position.Status)
}

func TestParseHeuristic(t *testing.T) {
	h, err := ParseHeuristic("Nearest")
	require.NoError(t, err)
	assert.Equal(t, Nearest, h)

	h, err = ParseHeuristic("")
	require.NoError(t, err)
	assert.Equal(t, FIFO, h)

	_, err = ParseHeuristic("random")
	assert.Error(t, err)
}
