package zerodha

import (
	"sync"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"
)

// instrumentMapper translates between trading symbols and the instrument
// tokens the Kite stream keys ticks by.
type instrumentMapper struct {
	mu      sync.RWMutex
	tokens  map[string]uint32
	symbols map[uint32]string
}

func newInstrumentMapper(pinned map[string]uint32) *instrumentMapper {
	m := &instrumentMapper{
		tokens:  make(map[string]uint32, len(pinned)),
		symbols: make(map[uint32]string, len(pinned)),
	}
	for sym, tok := range pinned {
		m.add(sym, tok)
	}
	return m
}

func (m *instrumentMapper) add(symbol string, token uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[symbol] = token
	m.symbols[token] = symbol
}

// learn maps the wanted symbols found in an exchange instrument dump and
// returns how many were added.
func (m *instrumentMapper) learn(insts kiteconnect.Instruments, want []string) int {
	need := make(map[string]bool, len(want))
	for _, s := range want {
		need[s] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, in := range insts {
		if !need[in.Tradingsymbol] {
			continue
		}
		tok := uint32(in.InstrumentToken)
		m.tokens[in.Tradingsymbol] = tok
		m.symbols[tok] = in.Tradingsymbol
		n++
	}
	return n
}

func (m *instrumentMapper) getToken(symbol string) (uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok, ok := m.tokens[symbol]
	return tok, ok
}

// getSymbol returns "" for tokens outside the universe.
func (m *instrumentMapper) getSymbol(token uint32) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.symbols[token]
}

// tokensFor returns the tokens of symbols and the symbols that have none.
func (m *instrumentMapper) tokensFor(symbols []string) (tokens []uint32, missing []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range symbols {
		if t, ok := m.tokens[s]; ok {
			tokens = append(tokens, t)
		} else {
			missing = append(missing, s)
		}
	}
	return tokens, missing
}

func (m *instrumentMapper) size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tokens)
}
