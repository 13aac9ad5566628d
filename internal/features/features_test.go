package features

import (
	"context"
	"math"
	"testing"
	"time"

	"ml-trading-bot/internal/types"
)

func risingCandles(n int, start time.Time) []types.Candle {
	cs := make([]types.Candle, n)
	for i := range cs {
		p := 100 + float64(i)
		cs[i] = types.Candle{Ts: start.Add(time.Duration(i) * time.Minute).Unix(), Open: p, High: p + 1, Low: p - 1, Close: p, Vol: 10}
	}
	return cs
}

func TestBuildFullHistory(t *testing.T) {
	start := time.Date(2024, 3, 4, 9, 15, 0, 0, ist) // Monday
	cs := risingCandles(MinCandles(), start)
	snap, err := Build("TCS", cs)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(snap.Names) != len(snap.Values) {
		t.Fatalf("names %d values %d", len(snap.Names), len(snap.Values))
	}
	for _, n := range snap.Names {
		if math.IsNaN(snap.Values[n]) {
			t.Errorf("%s is NaN with full history", n)
		}
	}
	last := cs[len(cs)-1]
	if snap.Price != last.Close || !snap.Timestamp.Equal(time.Unix(last.Ts, 0)) {
		t.Errorf("snapshot anchored to wrong bar: %+v", snap)
	}
	if snap.Values["lag_close_1"] != last.Close-1 {
		t.Errorf("lag_close_1 = %v", snap.Values["lag_close_1"])
	}
	if snap.Values["trade_count"] != 5 {
		t.Errorf("trade_count = %v", snap.Values["trade_count"])
	}
	if snap.Values["day_of_week"] != 0 {
		t.Errorf("day_of_week = %v, want 0 for Monday", snap.Values["day_of_week"])
	}
	if snap.Values["rsi"] != 100 {
		t.Errorf("rsi = %v", snap.Values["rsi"])
	}
}

func TestBuildShortHistoryYieldsNaN(t *testing.T) {
	cs := risingCandles(10, time.Now())
	snap, err := Build("TCS", cs)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !math.IsNaN(snap.Values["close_mean_390"]) {
		t.Error("close_mean_390 should be NaN with 10 bars")
	}
	if math.IsNaN(snap.Values["close_mean_5"]) {
		t.Error("close_mean_5 should be defined with 10 bars")
	}
	if _, err := Build("TCS", nil); err == nil {
		t.Error("expected error on empty candles")
	}
}

func TestStaticCandlesAdvance(t *testing.T) {
	now := time.Date(2024, 3, 4, 10, 0, 30, 0, ist)
	src := NewStaticCandles(1000, 7, func() time.Time { return now })
	ctx := context.Background()

	a, err := src.RecentCandles(ctx, "INFY", 50)
	if err != nil || len(a) != 50 {
		t.Fatalf("RecentCandles = %d, %v", len(a), err)
	}
	if a[len(a)-1].Ts != now.Truncate(time.Minute).Unix() {
		t.Errorf("last bar not at current minute")
	}
	now = now.Add(3 * time.Minute)
	b, _ := src.RecentCandles(ctx, "INFY", 50)
	if b[len(b)-1].Ts-a[len(a)-1].Ts != 180 {
		t.Errorf("series did not advance by three bars")
	}
	if b[len(b)-4] != a[len(a)-1] {
		t.Errorf("history rewritten between calls")
	}

	other := NewStaticCandles(1000, 7, func() time.Time { return now.Add(-3 * time.Minute) })
	c, _ := other.RecentCandles(ctx, "INFY", 50)
	if c[len(c)-1] != a[len(a)-1] {
		t.Errorf("same seed should give the same series")
	}
}

func TestSourceLatest(t *testing.T) {
	now := time.Now()
	src := NewSource(NewStaticCandles(500, 1, func() time.Time { return now }), 0)
	snap, err := src.Latest(context.Background(), "SBIN")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if snap.Symbol != "SBIN" || math.IsNaN(snap.Values["close_std_390"]) {
		t.Errorf("unexpected snapshot: %v", snap.Values["close_std_390"])
	}
}
