// Package contract derives canonical identities for single-leg option contracts
// and converts them to and from broker (OCC/OSI) symbols.
package contract

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind is the option kind encoded in a contract identity.
type Kind string

const (
	// Call is a call option.
	Call Kind = "C"
	// Put is a put option.
	Put Kind = "P"
)

// ErrInvalidContract is returned when a contract or identity cannot be built or parsed.
var ErrInvalidContract = errors.New("invalid contract")

const (
	ciDateLayout  = "20060102"
	isoDateLayout = "2006-01-02"
)

// ParseKind accepts c, call, p or put in any case.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "c", "call", "calls":
		return Call, nil
	case "p", "put", "puts":
		return Put, nil
	default:
		return "", fmt.Errorf("%w: unknown option kind %q", ErrInvalidContract, s)
	}
}

// Contract is a single tradable option identified by ticker, expiration, strike and kind.
type Contract struct {
	Ticker     string          `json:"ticker"`
	Expiration time.Time       `json:"expiration"`
	Strike     decimal.Decimal `json:"strike"`
	Kind       Kind            `json:"option_kind"`
}

// New validates and normalizes the four identity inputs. The ticker is upper-cased
// and mapped to its trader root (e.g. SPXW -> SPX) and the expiration is reduced
// to its calendar date.
func New(ticker string, expiration time.Time, strike decimal.Decimal, kind Kind) (Contract, error) {
	root := Symbols.TraderSymbol(ticker)
	if root == "" {
		return Contract{}, fmt.Errorf("%w: ticker is required", ErrInvalidContract)
	}
	if !validTicker(root) {
		return Contract{}, fmt.Errorf("%w: ticker %q must be alphanumeric", ErrInvalidContract, ticker)
	}
	if expiration.IsZero() {
		return Contract{}, fmt.Errorf("%w: expiration is required", ErrInvalidContract)
	}
	if !strike.IsPositive() {
		return Contract{}, fmt.Errorf("%w: strike must be positive, got %s", ErrInvalidContract, strike)
	}
	if kind != Call && kind != Put {
		return Contract{}, fmt.Errorf("%w: option kind must be C or P, got %q", ErrInvalidContract, kind)
	}
	return Contract{
		Ticker:     root,
		Expiration: DateOnly(expiration),
		Strike:     strike,
		Kind:       kind,
	}, nil
}

// ID is shorthand for New(...).ID().
func ID(ticker string, expiration time.Time, strike decimal.Decimal, kind Kind) (string, error) {
	c, err := New(ticker, expiration, strike, kind)
	if err != nil {
		return "", err
	}
	return c.ID(), nil
}

// ID returns the canonical identity TICKER_YYYYMMDD_STRIKE_{C|P}.
// The strike is written in its shortest decimal form so 595.50 and 595.5 agree.
func (c Contract) ID() string {
	return fmt.Sprintf("%s_%s_%s_%s", c.Ticker, c.Expiration.Format(ciDateLayout), c.Strike.String(), string(c.Kind))
}

func (c Contract) String() string {
	return c.ID()
}

// Parse inverts Contract.ID.
func Parse(ci string) (Contract, error) {
	parts := strings.Split(strings.TrimSpace(ci), "_")
	if len(parts) != 4 {
		return Contract{}, fmt.Errorf("%w: identity %q must have 4 parts", ErrInvalidContract, ci)
	}
	exp, err := time.Parse(ciDateLayout, parts[1])
	if err != nil {
		return Contract{}, fmt.Errorf("%w: identity %q has bad date: %v", ErrInvalidContract, ci, err)
	}
	strike, err := decimal.NewFromString(parts[2])
	if err != nil {
		return Contract{}, fmt.Errorf("%w: identity %q has bad strike: %v", ErrInvalidContract, ci, err)
	}
	kind, err := ParseKind(parts[3])
	if err != nil {
		return Contract{}, err
	}
	return New(parts[0], exp, strike, kind)
}

// ParseDate accepts YYYY-MM-DD or YYYYMMDD.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	layout := ciDateLayout
	if strings.Contains(s, "-") {
		layout = isoDateLayout
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad date %q", ErrInvalidContract, s)
	}
	return t, nil
}

// DateOnly returns midnight UTC of t's calendar date in t's own location.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// SameDay reports whether the contract expires on the calendar day of now in loc.
func (c Contract) SameDay(now time.Time, loc *time.Location) bool {
	if loc != nil {
		now = now.In(loc)
	}
	return DateOnly(now).Equal(c.Expiration)
}

func validTicker(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.':
		default:
			return false
		}
	}
	return true
}
