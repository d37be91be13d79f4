package contract

import (
	"strings"
	"sync"
)

// SymbolMap translates between the root traders quote (SPX) and the root the
// broker lists options under (SPXW).
type SymbolMap struct {
	mu       sync.RWMutex
	toBroker map[string]string
	toTrader map[string]string
}

// DefaultSymbolMappings are the trader -> broker roots used when none are configured.
var DefaultSymbolMappings = map[string]string{
	"SPX": "SPXW",
}

// Symbols is the process-wide mapping used by New, OCCSymbol and ParseOCC.
var Symbols = NewSymbolMap(DefaultSymbolMappings)

// NewSymbolMap builds a map from trader root to broker root.
func NewSymbolMap(traderToBroker map[string]string) *SymbolMap {
	m := &SymbolMap{}
	m.Set(traderToBroker)
	return m
}

// Set replaces all mappings.
func (m *SymbolMap) Set(traderToBroker map[string]string) {
	toBroker := make(map[string]string, len(traderToBroker))
	toTrader := make(map[string]string, len(traderToBroker))
	for trader, broker := range traderToBroker {
		t := strings.ToUpper(strings.TrimSpace(trader))
		b := strings.ToUpper(strings.TrimSpace(broker))
		if t == "" || b == "" {
			continue
		}
		toBroker[t] = b
		toTrader[b] = t
	}
	m.mu.Lock()
	m.toBroker = toBroker
	m.toTrader = toTrader
	m.mu.Unlock()
}

// BrokerSymbol returns the broker root for a trader symbol.
func (m *SymbolMap) BrokerSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.toBroker[s]; ok {
		return b
	}
	return s
}

// TraderSymbol returns the trader root for a broker symbol.
func (m *SymbolMap) TraderSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.toTrader[s]; ok {
		return t
	}
	return s
}

// Variants lists every root a ticker may appear under.
func (m *SymbolMap) Variants(symbol string) []string {
	trader := m.TraderSymbol(symbol)
	broker := m.BrokerSymbol(trader)
	if broker == trader {
		return []string{trader}
	}
	return []string{trader, broker}
}
