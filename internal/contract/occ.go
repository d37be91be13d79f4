package contract

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const occDateLayout = "060102"

var strikeScale = decimal.NewFromInt(1000)

// OCCSymbol formats the contract as an OCC/OSI option symbol using the broker root,
// e.g. SPX 2026-01-28 5950 C -> SPXW260128C05950000.
func OCCSymbol(c Contract) string {
	// strike is carried in thousandths, zero padded to 8 digits
	strike := c.Strike.Mul(strikeScale).Round(0).IntPart()
	return fmt.Sprintf("%s%s%s%08d", Symbols.BrokerSymbol(c.Ticker), c.Expiration.Format(occDateLayout), string(c.Kind), strike)
}

// ParseOCC parses an OCC/OSI option symbol: ROOT + YYMMDD + C/P + 8-digit strike.
func ParseOCC(symbol string) (Contract, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if len(s) < 16 {
		return Contract{}, fmt.Errorf("%w: option symbol too short: %s", ErrInvalidContract, symbol)
	}

	// the 15-character suffix is fixed width; everything before it is the root
	split := len(s) - 15
	root, date, kindChar, strikeDigits := s[:split], s[split:split+6], s[split+6:split+7], s[split+7:]
	if !isDigits(date, 6) || !isDigits(strikeDigits, 8) {
		return Contract{}, fmt.Errorf("%w: malformed option symbol: %s", ErrInvalidContract, symbol)
	}
	if root[len(root)-1] >= '0' && root[len(root)-1] <= '9' {
		return Contract{}, fmt.Errorf("%w: malformed option symbol: %s", ErrInvalidContract, symbol)
	}

	exp, err := time.Parse(occDateLayout, date)
	if err != nil {
		return Contract{}, fmt.Errorf("%w: bad expiration in %s: %v", ErrInvalidContract, symbol, err)
	}
	kind, err := ParseKind(kindChar)
	if err != nil {
		return Contract{}, err
	}
	thousandths, err := strconv.ParseInt(strikeDigits, 10, 64)
	if err != nil {
		return Contract{}, fmt.Errorf("%w: bad strike in %s: %v", ErrInvalidContract, symbol, err)
	}
	return New(strings.TrimSpace(root), exp, decimal.New(thousandths, -3), kind)
}

// IsOCC reports whether symbol looks like an option symbol rather than an equity.
func IsOCC(symbol string) bool {
	_, err := ParseOCC(symbol)
	return err == nil
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
