package ledger

import (
	"context"
	"time"

	"ml-trading-bot/internal/tradelog"
	"ml-trading-bot/internal/types"
)

// FileStore keeps the ledger in the daily trade log.
type FileStore struct {
	log *tradelog.Log
}

func NewFileStore(log *tradelog.Log) *FileStore { return &FileStore{log: log} }

func (s *FileStore) Append(_ context.Context, e types.LedgerEntry) error {
	return s.log.Append(toLogEntry(e))
}

func (s *FileStore) Load(context.Context) ([]types.LedgerEntry, error) {
	rows, err := s.log.ReadAll()
	if err != nil {
		return nil, err
	}
	out := make([]types.LedgerEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromLogEntry(r))
	}
	return out, nil
}

func toLogEntry(e types.LedgerEntry) tradelog.Entry {
	p := e.Position
	var pnl float64
	if p.RealizedPnL != nil {
		pnl = *p.RealizedPnL
	}
	var closed time.Time
	if p.ClosedAt != nil {
		closed = *p.ClosedAt
	}
	return tradelog.Entry{
		PositionID:  p.ID,
		Symbol:      p.Symbol,
		Side:        string(p.Side()),
		Qty:         p.Quantity,
		EntryPrice:  p.EntryPrice,
		ExitPrice:   p.ExitPrice,
		PnL:         pnl,
		ReturnPct:   e.ReturnPct,
		EquityAfter: e.EquityAfter,
		Reason:      p.Reason,
		OpenedAt:    p.OpenedAt,
		ClosedAt:    closed,
	}
}

func fromLogEntry(r tradelog.Entry) types.LedgerEntry {
	pnl := r.PnL
	closed := r.ClosedAt
	return types.LedgerEntry{
		Position: types.Position{
			ID:          r.PositionID,
			Symbol:      r.Symbol,
			Quantity:    r.Qty,
			EntryPrice:  r.EntryPrice,
			OpenedAt:    r.OpenedAt,
			ClosedAt:    &closed,
			ExitPrice:   r.ExitPrice,
			RealizedPnL: &pnl,
			Reason:      r.Reason,
		},
		ReturnPct:   r.ReturnPct,
		EquityAfter: r.EquityAfter,
	}
}
