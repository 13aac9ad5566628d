package engine

import (
	"context"
	"math"

	"ml-trading-bot/internal/logger"
	"ml-trading-bot/internal/types"
)

const (
	ReasonStopLoss   = "stop_loss"
	ReasonTakeProfit = "take_profit"
)

// stopManager checks open positions against fixed-percentage stop loss and
// take profit levels. A zero percentage disables that side.
type stopManager struct {
	stopLossPct   float64
	takeProfitPct float64
}

func newStopManager(stopLossPct, takeProfitPct float64) *stopManager {
	return &stopManager{stopLossPct: stopLossPct, takeProfitPct: takeProfitPct}
}

// levels returns the stop and target prices for pos. Zero means disabled.
func (sm *stopManager) levels(pos types.Position) (stop, target float64) {
	dir := 1.0
	if pos.Quantity < 0 {
		dir = -1
	}
	if sm.stopLossPct > 0 {
		stop = pos.EntryPrice * (1 - dir*sm.stopLossPct)
	}
	if sm.takeProfitPct > 0 {
		target = pos.EntryPrice * (1 + dir*sm.takeProfitPct)
	}
	return stop, target
}

// check reports whether price has crossed either level of pos.
func (sm *stopManager) check(ctx context.Context, pos types.Position, price float64) (string, bool) {
	if pos.Quantity == 0 || price <= 0 || math.IsNaN(price) {
		return "", false
	}
	stop, target := sm.levels(pos)
	long := pos.Quantity > 0

	var reason string
	switch {
	case stop > 0 && ((long && price <= stop) || (!long && price >= stop)):
		reason = ReasonStopLoss
	case target > 0 && ((long && price >= target) || (!long && price <= target)):
		reason = ReasonTakeProfit
	default:
		return "", false
	}

	logger.Warn(ctx, "Protective exit triggered",
		"symbol", pos.Symbol,
		"event", reason,
		"current_price", price,
		"stop_price", stop,
		"target_price", target,
		"position_qty", pos.Quantity,
		"entry_price", pos.EntryPrice,
		"unrealized_pnl", (price-pos.EntryPrice)*pos.Quantity,
	)
	return reason, true
}
