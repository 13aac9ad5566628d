package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"ml-trading-bot/internal/types"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.Signal(types.EnterLong)
	r.Signal(types.EnterLong)
	r.Veto("cooldown")
	r.OrderTransition(types.StateFilled)
	r.Anomaly("TCS")
	r.StaleOrder("TCS")
	r.Performance(types.Summary{Equity: 101000, CumulativeReturn: 0.01})
	r.OpenPositions(2)
	r.CycleDuration(150 * time.Millisecond)

	if got := testutil.ToFloat64(r.signals.WithLabelValues("enter_long")); got != 2 {
		t.Errorf("signals %v", got)
	}
	if got := testutil.ToFloat64(r.vetoes.WithLabelValues("cooldown")); got != 1 {
		t.Errorf("vetoes %v", got)
	}
	if got := testutil.ToFloat64(r.transitions.WithLabelValues("Filled")); got != 1 {
		t.Errorf("transitions %v", got)
	}
	if got := testutil.ToFloat64(r.equity); got != 101000 {
		t.Errorf("equity %v", got)
	}
	if got := testutil.ToFloat64(r.openPos); got != 2 {
		t.Errorf("open positions %v", got)
	}
	if n, err := testutil.GatherAndCount(reg, "trading_bot_cycle_duration_seconds"); err != nil || n != 1 {
		t.Errorf("cycle histogram count %d err %v", n, err)
	}
}

func TestWinRateAppearsAfterFirstClose(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.Performance(types.Summary{Equity: 100000})
	if n, _ := testutil.GatherAndCount(reg, "trading_bot_win_rate"); n != 0 {
		t.Fatalf("win rate exported before any trade")
	}

	win := 0.5
	r.Performance(types.Summary{Equity: 99000, TradeCount: 2, WinRate: &win, MaxDrawdown: 0.02})
	r.Performance(types.Summary{Equity: 99500, TradeCount: 3, WinRate: &win, MaxDrawdown: 0.02})
	if got := testutil.ToFloat64(r.winRate); got != 0.5 {
		t.Errorf("win rate %v", got)
	}
	if got := testutil.ToFloat64(r.drawdown); got != 0.02 {
		t.Errorf("drawdown %v", got)
	}
	if got := testutil.ToFloat64(r.trades); got != 3 {
		t.Errorf("closed trades %v", got)
	}
}
