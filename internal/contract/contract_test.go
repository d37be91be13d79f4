package contract

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestID_Format(t *testing.T) {
	tests := []struct {
		name   string
		ticker string
		exp    time.Time
		strike string
		kind   Kind
		want   string
	}{
		{"whole strike", "spy", date(2026, 1, 28), "595", Call, "SPY_20260128_595_C"},
		{"trailing zeros trimmed", "SPY", date(2026, 1, 28), "595.50", Put, "SPY_20260128_595.5_P"},
		{"broker root mapped to trader root", "SPXW", date(2026, 3, 20), "5950", Call, "SPX_20260320_5950_C"},
		{"time of day ignored", "QQQ", time.Date(2026, 2, 6, 15, 59, 0, 0, time.UTC), "510", Put, "QQQ_20260206_510_P"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ID(tt.ticker, tt.exp, decimal.RequireFromString(tt.strike), tt.kind)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestID_Deterministic(t *testing.T) {
	a, err := ID("SPY", date(2026, 1, 28), decimal.RequireFromString("595.0"), Call)
	require.NoError(t, err)
	b, err := ID("SPY", date(2026, 1, 28), decimal.NewFromInt(595), Call)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestID_DistinctContractsDoNotCollide(t *testing.T) {
	base := date(2026, 1, 28)
	ids := map[string]bool{}
	inputs := []struct {
		ticker string
		exp    time.Time
		strike string
		kind   Kind
	}{
		{"SPY", base, "595", Call},
		{"SPY", base, "595", Put},
		{"SPY", base, "595.5", Call},
		{"SPY", base.AddDate(0, 0, 1), "595", Call},
		{"QQQ", base, "595", Call},
		{"SP", base, "5595", Call},
	}
	for _, in := range inputs {
		id, err := ID(in.ticker, in.exp, decimal.RequireFromString(in.strike), in.kind)
		require.NoError(t, err)
		assert.False(t, ids[id], "duplicate identity %s", id)
		ids[id] = true
	}
}

func TestNew_Validation(t *testing.T) {
	exp := date(2026, 1, 28)
	_, err := New("", exp, decimal.NewFromInt(1), Call)
	assert.ErrorIs(t, err, ErrInvalidContract)
	_, err = New("SP_Y", exp, decimal.NewFromInt(1), Call)
	assert.ErrorIs(t, err, ErrInvalidContract)
	_, err = New("SPY", time.Time{}, decimal.NewFromInt(1), Call)
	assert.ErrorIs(t, err, ErrInvalidContract)
	_, err = New("SPY", exp, decimal.Zero, Call)
	assert.ErrorIs(t, err, ErrInvalidContract)
	_, err = New("SPY", exp, decimal.NewFromInt(1), Kind("X"))
	assert.ErrorIs(t, err, ErrInvalidContract)
}

func TestParse_RoundTrip(t *testing.T) {
	c, err := New("SPY", date(2026, 1, 28), decimal.RequireFromString("595.5"), Put)
	require.NoError(t, err)

	parsed, err := Parse(c.ID())
	require.NoError(t, err)
	assert.Equal(t, c.ID(), parsed.ID())
	assert.True(t, parsed.Strike.Equal(c.Strike))
	assert.Equal(t, Put, parsed.Kind)

	_, err = Parse("SPY_20260128_595")
	assert.ErrorIs(t, err, ErrInvalidContract)
	_, err = Parse("SPY_2026-01-28_595_C")
	assert.ErrorIs(t, err, ErrInvalidContract)
}

func TestParseKind(t *testing.T) {
	for _, s := range []string{"c", "C", "call", "CALL", " calls "} {
		k, err := ParseKind(s)
		require.NoError(t, err, s)
		assert.Equal(t, Call, k)
	}
	for _, s := range []string{"p", "Put", "PUTS"} {
		k, err := ParseKind(s)
		require.NoError(t, err, s)
		assert.Equal(t, Put, k)
	}
	_, err := ParseKind("straddle")
	assert.Error(t, err)
}

func TestKind_FormatsAsLetter(t *testing.T) {
	// identities and OCC symbols embed the kind directly
	assert.Equal(t, "C", fmt.Sprint(Call))
	assert.Equal(t, "P", fmt.Sprintf("%s", Put))

	c, err := New("SPY", date(2026, 1, 28), decimal.NewFromInt(595), Call)
	require.NoError(t, err)
	assert.Equal(t, "SPY_20260128_595_C", c.ID())
	assert.Equal(t, "SPY260128C00595000", OCCSymbol(c))
}

func TestOCCSymbol(t *testing.T) {
	c, err := New("SPY", date(2024, 12, 20), decimal.NewFromInt(450), Put)
	require.NoError(t, err)
	assert.Equal(t, "SPY241220P00450000", OCCSymbol(c))

	spx, err := New("SPX", date(2026, 1, 28), decimal.RequireFromString("5950"), Call)
	require.NoError(t, err)
	assert.Equal(t, "SPXW260128C05950000", OCCSymbol(spx))

	frac, err := New("SPY", date(2024, 12, 20), decimal.RequireFromString("123.5"), Call)
	require.NoError(t, err)
	assert.Equal(t, "SPY241220C00123500", OCCSymbol(frac))
}

func TestParseOCC(t *testing.T) {
	c, err := ParseOCC("SPXW260128C05950000")
	require.NoError(t, err)
	assert.Equal(t, "SPX_20260128_5950_C", c.ID())

	c, err = ParseOCC("SPY241220P00450500")
	require.NoError(t, err)
	assert.Equal(t, "SPY_20241220_450.5_P", c.ID())

	for _, bad := range []string{"SPY", "AAPL", "SPY241220X00450000", "SPY24122P000450000", "241220P00450000"} {
		_, err := ParseOCC(bad)
		assert.Error(t, err, bad)
		assert.False(t, IsOCC(bad), bad)
	}
}

func TestSymbolMap(t *testing.T) {
	m := NewSymbolMap(map[string]string{"spx": "spxw", "NDX": "NDXP"})
	assert.Equal(t, "SPXW", m.BrokerSymbol("spx"))
	assert.Equal(t, "SPX", m.TraderSymbol("SPXW"))
	assert.Equal(t, "AAPL", m.BrokerSymbol("aapl"))
	assert.Equal(t, []string{"NDX", "NDXP"}, m.Variants("ndxp"))
	assert.Equal(t, []string{"SPY"}, m.Variants("SPY"))
}

func TestSameDay(t *testing.T) {
	c, err := New("SPY", date(2026, 1, 28), decimal.NewFromInt(595), Call)
	require.NoError(t, err)
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		ny = time.FixedZone("ET", -5*60*60)
	}
	// 02:00 UTC on the 29th is still the 28th in New York
	assert.True(t, c.SameDay(time.Date(2026, 1, 29, 2, 0, 0, 0, time.UTC), ny))
	assert.False(t, c.SameDay(time.Date(2026, 1, 29, 2, 0, 0, 0, time.UTC), time.UTC))
}
