// Package account holds the account-wide aggregates the risk gate reads:
// equity, buying power, open exposure, outstanding reservations and cooldowns.
package account

import (
	"math"
	"sync"
	"time"

	"ml-trading-bot/internal/types"
)

// Exposure is the open position on one symbol, valued at entry.
type Exposure struct {
	Symbol     string          `json:"symbol"`
	Direction  types.Direction `json:"direction"`
	Quantity   float64         `json:"quantity"`
	EntryPrice float64         `json:"entry_price"`
}

func (e Exposure) Notional() float64 { return math.Abs(e.Quantity) * e.EntryPrice }

// Reservation holds capital for an entry intent between sizing and fill.
type Reservation struct {
	IntentID string  `json:"intent_id"`
	Symbol   string  `json:"symbol"`
	Notional float64 `json:"notional"`
}

// State is a point-in-time copy of the book. Version increases on every
// mutation, so two reads with the same version saw the same state.
type State struct {
	Version      uint64                 `json:"version"`
	Equity       float64                `json:"equity"`
	Cash         float64                `json:"cash"`
	Positions    map[string]Exposure    `json:"positions"`
	Reservations map[string]Reservation `json:"reservations"`
	LastClose    map[string]time.Time   `json:"last_close"`
}

func (s State) clone() State {
	c := s
	c.Positions = make(map[string]Exposure, len(s.Positions))
	for k, v := range s.Positions {
		c.Positions[k] = v
	}
	c.Reservations = make(map[string]Reservation, len(s.Reservations))
	for k, v := range s.Reservations {
		c.Reservations[k] = v
	}
	c.LastClose = make(map[string]time.Time, len(s.LastClose))
	for k, v := range s.LastClose {
		c.LastClose[k] = v
	}
	return c
}

// Reserved is the capital held by outstanding reservations.
func (s State) Reserved() float64 {
	sum := 0.0
	for _, r := range s.Reservations {
		sum += r.Notional
	}
	return sum
}

// BuyingPower is cash net of reservations.
func (s State) BuyingPower() float64 {
	return s.Cash - s.Reserved()
}

// SymbolExposure is open plus reserved notional on symbol.
func (s State) SymbolExposure(symbol string) float64 {
	e := s.Positions[symbol].Notional()
	for _, r := range s.Reservations {
		if r.Symbol == symbol {
			e += r.Notional
		}
	}
	return e
}

// PortfolioExposure is open plus reserved notional across all symbols.
func (s State) PortfolioExposure() float64 {
	e := s.Reserved()
	for _, p := range s.Positions {
		e += p.Notional()
	}
	return e
}

// Committed counts open positions plus symbols with a pending entry.
func (s State) Committed() int {
	syms := make(map[string]bool, len(s.Positions)+len(s.Reservations))
	for sym := range s.Positions {
		syms[sym] = true
	}
	for _, r := range s.Reservations {
		syms[r.Symbol] = true
	}
	return len(syms)
}

func (s State) Pending(symbol string) bool {
	for _, r := range s.Reservations {
		if r.Symbol == symbol {
			return true
		}
	}
	return false
}

// Book serializes every read-modify-write of the account under one lock.
type Book struct {
	mu sync.Mutex
	st State
}

func NewBook(equity float64) *Book {
	return &Book{st: State{
		Equity:       equity,
		Cash:         equity,
		Positions:    map[string]Exposure{},
		Reservations: map[string]Reservation{},
		LastClose:    map[string]time.Time{},
	}}
}

// Restore replaces the book with a previously persisted state.
func Restore(st State) *Book {
	b := &Book{st: st.clone()}
	b.st.Version++
	return b
}

func (b *Book) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st.clone()
}

func (b *Book) Version() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st.Version
}

// Atomically runs fn on a snapshot and applies the reservation it returns,
// all under the book lock: no other mutation can interleave between the
// read and the reserve.
func (b *Book) Atomically(fn func(State) *Reservation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r := fn(b.st.clone()); r != nil {
		b.st.Reservations[r.IntentID] = *r
		b.st.Version++
	}
}

// Release drops a reservation; unknown ids are ignored.
func (b *Book) Release(intentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.st.Reservations[intentID]; ok {
		delete(b.st.Reservations, intentID)
		b.st.Version++
	}
}

// Open converts an entry reservation into open exposure. quantity is signed.
func (b *Book) Open(intentID, symbol string, quantity, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.st.Reservations, intentID)
	dir := types.Long
	if quantity < 0 {
		dir = types.Short
	}
	b.st.Positions[symbol] = Exposure{Symbol: symbol, Direction: dir, Quantity: quantity, EntryPrice: price}
	b.st.Cash -= math.Abs(quantity) * price
	b.st.Version++
}

// Close reduces the open exposure on symbol by quantity (unsigned) and books
// the realized pnl. A fully closed symbol starts its cooldown at at.
func (b *Book) Close(symbol string, quantity, pnl float64, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.st.Positions[symbol]
	if !ok {
		return
	}
	q := math.Min(math.Abs(quantity), math.Abs(e.Quantity))
	b.st.Cash += q*e.EntryPrice + pnl
	b.st.Equity += pnl
	remaining := math.Abs(e.Quantity) - q
	if remaining <= 1e-9 {
		delete(b.st.Positions, symbol)
		b.st.LastClose[symbol] = at
	} else {
		e.Quantity = math.Copysign(remaining, e.Quantity)
		b.st.Positions[symbol] = e
	}
	b.st.Version++
}

// Sync adopts the broker's equity and buying power, keeping the book's own
// exposure and reservations.
func (b *Book) Sync(info types.AccountInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.st.Equity = info.Equity
	b.st.Cash = info.BuyingPower
	b.st.Version++
}

// Add grows the open exposure on symbol by quantity (signed, same direction)
// at price, averaging the entry.
func (b *Book) Add(symbol string, quantity, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.st.Positions[symbol]
	if !ok {
		dir := types.Long
		if quantity < 0 {
			dir = types.Short
		}
		e = Exposure{Symbol: symbol, Direction: dir}
	}
	total := math.Abs(e.Quantity) + math.Abs(quantity)
	e.EntryPrice = (e.EntryPrice*math.Abs(e.Quantity) + price*math.Abs(quantity)) / total
	e.Quantity = math.Copysign(total, quantity)
	b.st.Positions[symbol] = e
	b.st.Cash -= math.Abs(quantity) * price
	b.st.Version++
}
