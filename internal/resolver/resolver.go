// Package resolver picks the ledger position a loosely specified trade
// instruction refers to.
package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/position_ledger/internal/contract"
	"github.com/eddiefleurent/position_ledger/internal/models"
	"github.com/eddiefleurent/position_ledger/internal/storage"
)

// Heuristic names a ranking rule.
type Heuristic string

const (
	FIFO    Heuristic = "fifo"
	Nearest Heuristic = "nearest"
	Profit  Heuristic = "profit"
	Largest Heuristic = "largest"
)

// Score weights.
const (
	strikeMatchScore     = 10
	expirationMatchScore = 10
	kindMatchScore       = 5
	sameDayScore         = 3
)

// ParseHeuristic accepts a heuristic name case-insensitively. Empty means fifo.
func ParseHeuristic(s string) (Heuristic, error) {
	switch h := Heuristic(strings.ToLower(strings.TrimSpace(s))); h {
	case "":
		return FIFO, nil
	case FIFO, Nearest, Profit, Largest:
		return h, nil
	default:
		return "", fmt.Errorf("unknown heuristic %q", s)
	}
}

// Hints are the optional contract details an instruction carried.
type Hints struct {
	Strike     *decimal.Decimal
	Expiration *time.Time
	Kind       contract.Kind
}

// Empty reports whether no hint was given.
func (h Hints) Empty() bool {
	return h.Strike == nil && h.Expiration == nil && h.Kind == ""
}

// Resolution is the selected position.
type Resolution struct {
	CI        string          `json:"ci"`
	Position  models.Position `json:"position"`
	Score     int             `json:"score"`
	Heuristic Heuristic       `json:"heuristic"`
}

// QuoteOracle supplies current marks for the profit heuristic.
type QuoteOracle interface {
	Mark(ctx context.Context, c contract.Contract) (decimal.Decimal, error)
}

// Resolver scores ledger positions against instruction hints.
type Resolver struct {
	store  storage.Reader
	oracle QuoteOracle
	loc    *time.Location
	now    func() time.Time
	logger *logrus.Logger
}

// New creates a Resolver. oracle may be nil, in which case profit ranks like fifo.
func New(store storage.Reader, oracle QuoteOracle, loc *time.Location, logger *logrus.Logger) *Resolver {
	if store == nil {
		panic("store cannot be nil")
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Resolver{store: store, oracle: oracle, loc: loc, now: time.Now, logger: logger}
}

// SetClock overrides the time source used for same-day matching.
func (r *Resolver) SetClock(now func() time.Time) { r.now = now }

type candidate struct {
	pos   models.Position
	score int
	gain  *decimal.Decimal
}

// Resolve returns the single best position for ticker.
//
// Candidates are scored against hints and only the top score survives; the
// heuristic then ranks the survivors. When the first two are equal under the
// heuristic the instruction is rejected with ErrAmbiguousPosition.
func (r *Resolver) Resolve(ctx context.Context, ticker string, hints Hints, h Heuristic) (*Resolution, error) {
	ranked, err := r.rank(ctx, ticker, hints, h)
	if err != nil {
		return nil, err
	}

	if len(ranked) > 1 && !r.less(h, ranked[0], ranked[1]) {
		r.logger.WithFields(logrus.Fields{
			"ticker":    ticker,
			"heuristic": h,
			"first":     ranked[0].pos.CI,
			"second":    ranked[1].pos.CI,
		}).Warn("Resolution tied, rejecting instruction")
		return nil, fmt.Errorf("%w: %s and %s tie under %s", models.ErrAmbiguousPosition,
			ranked[0].pos.CI, ranked[1].pos.CI, h)
	}

	best := ranked[0]
	return &Resolution{CI: best.pos.CI, Position: best.pos, Score: best.score, Heuristic: h}, nil
}

// ResolveAll returns every top-scoring position for ticker in heuristic order.
// Ties are not an error since all candidates are selected.
func (r *Resolver) ResolveAll(ctx context.Context, ticker string, hints Hints, h Heuristic) ([]Resolution, error) {
	ranked, err := r.rank(ctx, ticker, hints, h)
	if err != nil {
		return nil, err
	}
	out := make([]Resolution, 0, len(ranked))
	for _, c := range ranked {
		out = append(out, Resolution{CI: c.pos.CI, Position: c.pos, Score: c.score, Heuristic: h})
	}
	return out, nil
}

func (r *Resolver) rank(ctx context.Context, ticker string, hints Hints, h Heuristic) ([]candidate, error) {
	if h == "" {
		h = FIFO
	}
	if _, ok := comparators[h]; !ok {
		return nil, fmt.Errorf("unknown heuristic %q", h)
	}

	positions := r.store.ListOpen(ticker)
	if len(positions) == 0 {
		return nil, fmt.Errorf("%w: no open positions for %s", models.ErrPositionNotFound, ticker)
	}

	now := r.now()
	cands := make([]candidate, 0, len(positions))
	top := -1
	for _, p := range positions {
		s := r.score(p, hints, now)
		if s > top {
			top = s
		}
		cands = append(cands, candidate{pos: p, score: s})
	}

	// With hints given, a candidate matching none of them is not a resolution.
	if !hints.Empty() && top == 0 {
		return nil, fmt.Errorf("%w: no %s position matches the given contract details", models.ErrPositionNotFound, ticker)
	}

	survivors := cands[:0]
	for _, c := range cands {
		if c.score == top {
			survivors = append(survivors, c)
		}
	}

	if h == Profit {
		r.attachGains(ctx, survivors)
	}

	sort.SliceStable(survivors, func(i, j int) bool { return r.less(h, survivors[i], survivors[j]) })
	return survivors, nil
}

// score sums the hint matches for p. The same-day bonus only counts once some
// hint matched, so a same-day position never outranks a hinted one on its own.
func (r *Resolver) score(p models.Position, hints Hints, now time.Time) int {
	if hints.Empty() {
		return 0
	}
	s := 0
	if hints.Strike != nil && hints.Strike.Equal(p.Strike) {
		s += strikeMatchScore
	}
	if hints.Expiration != nil && contract.DateOnly(*hints.Expiration).Equal(contract.DateOnly(p.Expiration)) {
		s += expirationMatchScore
	}
	if hints.Kind != "" && hints.Kind == p.OptionKind {
		s += kindMatchScore
	}
	if s > 0 && p.Contract().SameDay(now, r.loc) {
		s += sameDayScore
	}
	return s
}

// attachGains fetches marks for the profit heuristic. Any missing quote drops
// the whole set back to fifo ordering so candidates stay comparable.
func (r *Resolver) attachGains(ctx context.Context, cands []candidate) {
	if r.oracle == nil || len(cands) < 2 {
		return
	}
	gains := make([]decimal.Decimal, len(cands))
	for i, c := range cands {
		mark, err := r.oracle.Mark(ctx, c.pos.Contract())
		if err != nil || !mark.IsPositive() {
			r.logger.WithError(err).WithField("ci", c.pos.CI).Warn("No quote for profit ranking, falling back to fifo")
			return
		}
		if c.pos.AvgCostBasis.IsPositive() {
			gains[i] = mark.Sub(c.pos.AvgCostBasis).Div(c.pos.AvgCostBasis)
		} else {
			gains[i] = mark
		}
	}
	for i := range cands {
		g := gains[i]
		cands[i].gain = &g
	}
}

// less reports whether a ranks strictly ahead of b under h.
func (r *Resolver) less(h Heuristic, a, b candidate) bool {
	if h == "" {
		h = FIFO
	}
	return comparators[h](r, a, b) < 0
}

// comparator returns <0 when a ranks ahead of b, 0 when they tie.
type comparator func(r *Resolver, a, b candidate) int

var comparators = map[Heuristic]comparator{
	FIFO: func(_ *Resolver, a, b candidate) int {
		return compareFIFO(a, b)
	},
	Nearest: func(r *Resolver, a, b candidate) int {
		now := r.now()
		aSame, bSame := a.pos.Contract().SameDay(now, r.loc), b.pos.Contract().SameDay(now, r.loc)
		if aSame != bSame {
			if aSame {
				return -1
			}
			return 1
		}
		if c := compareTime(a.pos.Expiration, b.pos.Expiration); c != 0 {
			return c
		}
		return compareFIFO(a, b)
	},
	Profit: func(_ *Resolver, a, b candidate) int {
		if a.gain != nil && b.gain != nil {
			if c := b.gain.Cmp(*a.gain); c != 0 {
				return c
			}
		}
		return compareFIFO(a, b)
	},
	Largest: func(_ *Resolver, a, b candidate) int {
		if a.pos.TotalQuantity != b.pos.TotalQuantity {
			if a.pos.TotalQuantity > b.pos.TotalQuantity {
				return -1
			}
			return 1
		}
		return compareFIFO(a, b)
	},
}

func compareFIFO(a, b candidate) int {
	return compareTime(a.pos.FirstEntryTime, b.pos.FirstEntryTime)
}

func compareTime(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	default:
		return 0
	}
}
