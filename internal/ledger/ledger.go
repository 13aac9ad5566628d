// Package ledger is the performance ledger: the ordered record of closed
// positions and the equity curve derived from them.
package ledger

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"ml-trading-bot/internal/logger"
	"ml-trading-bot/internal/types"
)

// Store persists ledger entries. Append must be durable before it returns.
type Store interface {
	Append(ctx context.Context, e types.LedgerEntry) error
	Load(ctx context.Context) ([]types.LedgerEntry, error)
}

type Ledger struct {
	store        Store
	startEquity  float64
	mu           sync.RWMutex
	entries      []types.LedgerEntry
	byID         map[string]int
	lastClosedAt time.Time
}

func New(store Store, startingEquity float64) *Ledger {
	return &Ledger{store: store, startEquity: startingEquity, byID: map[string]int{}}
}

// Load replaces the in-memory ledger with the store's contents.
func (l *Ledger) Load(ctx context.Context) error {
	es, err := l.store.Load(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = l.entries[:0]
	l.byID = make(map[string]int, len(es))
	l.lastClosedAt = time.Time{}
	for _, e := range es {
		if _, dup := l.byID[e.Position.ID]; dup {
			continue
		}
		l.byID[e.Position.ID] = len(l.entries)
		l.entries = append(l.entries, e)
		if e.Position.ClosedAt != nil && e.Position.ClosedAt.After(l.lastClosedAt) {
			l.lastClosedAt = *e.Position.ClosedAt
		}
	}
	logger.Info(ctx, "Ledger loaded", "entries", len(l.entries), "equity", l.equityLocked())
	return nil
}

// Record appends a closed position. Recording the same position id again
// returns the existing entry and writes nothing.
func (l *Ledger) Record(ctx context.Context, p types.Position) (types.LedgerEntry, error) {
	if p.ClosedAt == nil || p.RealizedPnL == nil {
		return types.LedgerEntry{}, fmt.Errorf("position %s is not closed", p.ID)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if i, ok := l.byID[p.ID]; ok {
		return l.entries[i], nil
	}

	closedAt := *p.ClosedAt
	if closedAt.Before(l.lastClosedAt) {
		logger.Warn(ctx, "Close time earlier than last recorded close, raising it",
			"position_id", p.ID, "closed_at", closedAt, "last", l.lastClosedAt)
		closedAt = l.lastClosedAt
	}
	p.ClosedAt = &closedAt

	basis := p.EntryPrice * math.Abs(p.Quantity)
	var ret float64
	if basis > 0 {
		ret = *p.RealizedPnL / basis
	}
	e := types.LedgerEntry{
		Position:    p,
		ReturnPct:   ret,
		EquityAfter: l.equityLocked() + *p.RealizedPnL,
	}
	if err := l.store.Append(ctx, e); err != nil {
		return types.LedgerEntry{}, fmt.Errorf("%s: %v: %w", p.ID, err, types.ErrLedgerWrite)
	}
	l.byID[p.ID] = len(l.entries)
	l.entries = append(l.entries, e)
	l.lastClosedAt = closedAt
	return e, nil
}

func (l *Ledger) equityLocked() float64 {
	if n := len(l.entries); n > 0 {
		return l.entries[n-1].EquityAfter
	}
	return l.startEquity
}

func (l *Ledger) Equity() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.equityLocked()
}

func (l *Ledger) Entries() []types.LedgerEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]types.LedgerEntry(nil), l.entries...)
}

// Summary computes the performance figures over every recorded entry.
func (l *Ledger) Summary() types.Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Summarize(l.entries, l.startEquity)
}

// Summarize is the pure form of Summary. Cumulative return compounds the
// per-trade returns; max drawdown is the largest peak-to-trough fall of the
// equity curve, as a fraction of the peak.
func Summarize(entries []types.LedgerEntry, startEquity float64) types.Summary {
	s := types.Summary{TradeCount: len(entries), Equity: startEquity}
	if len(entries) == 0 {
		return s
	}
	growth := 1.0
	wins := 0
	peak := startEquity
	for _, e := range entries {
		growth *= 1 + e.ReturnPct
		if e.Position.RealizedPnL != nil && *e.Position.RealizedPnL > 0 {
			wins++
		}
		if e.EquityAfter > peak {
			peak = e.EquityAfter
		}
		if peak > 0 {
			if dd := (peak - e.EquityAfter) / peak; dd > s.MaxDrawdown {
				s.MaxDrawdown = dd
			}
		}
	}
	wr := float64(wins) / float64(len(entries))
	s.WinRate = &wr
	s.CumulativeReturn = growth - 1
	s.Equity = entries[len(entries)-1].EquityAfter
	return s
}
