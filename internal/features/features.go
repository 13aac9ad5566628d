// Package features turns recent candles into the per-bar indicator vector the
// models were trained on.
package features

import (
	"context"
	"fmt"
	"math"
	"time"

	"ml-trading-bot/internal/interfaces"
	"ml-trading-bot/internal/ta"
	"ml-trading-bot/internal/types"
)

var ist = time.FixedZone("IST", 19800)

// Windows are the rolling lookbacks in bars.
var Windows = []int{5, 10, 30, 60, 120, 390}

const (
	lags       = 5
	rsiPeriod  = 14
	bbWindow   = 20
	bbStdDev   = 2.0
	macdFast   = 12
	macdSlow   = 26
	macdSignal = 9
	tradeCount = 5
)

// Names is the full ordered feature set.
func Names() []string {
	names := []string{"vwap", "return_1m", "log_return"}
	for _, w := range Windows {
		names = append(names,
			fmt.Sprintf("close_mean_%d", w),
			fmt.Sprintf("close_std_%d", w),
			fmt.Sprintf("return_%d", w),
		)
	}
	for l := 1; l <= lags; l++ {
		names = append(names, fmt.Sprintf("lag_close_%d", l))
	}
	return append(names,
		"rsi", "macd", "macd_signal", "bb_high", "bb_low", "obv",
		"minute", "hour", "day_of_week", "trade_count",
	)
}

// MinCandles is the history needed for every feature to be defined.
func MinCandles() int {
	return Windows[len(Windows)-1] + 1
}

// Build computes the snapshot for the last candle. Features without enough
// history are NaN.
func Build(symbol string, candles []types.Candle) (types.FeatureSnapshot, error) {
	if len(candles) == 0 {
		return types.FeatureSnapshot{}, fmt.Errorf("%s: %w", symbol, types.ErrNoData)
	}
	closes := make([]float64, len(candles))
	vols := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		vols[i] = c.Vol
	}
	last := candles[len(candles)-1]
	ts := time.Unix(last.Ts, 0).In(ist)

	v := make(map[string]float64, 64)
	v["vwap"] = ta.VWAP(closes, vols)
	v["return_1m"] = ta.PctChange(closes, 1)
	v["log_return"] = math.NaN()
	if n := len(closes); n > 1 && closes[n-2] > 0 && closes[n-1] > 0 {
		v["log_return"] = math.Log(closes[n-1] / closes[n-2])
	}
	for _, w := range Windows {
		v[fmt.Sprintf("close_mean_%d", w)] = ta.SMA(closes, w)
		v[fmt.Sprintf("close_std_%d", w)] = ta.SampleStdDev(closes, w)
		v[fmt.Sprintf("return_%d", w)] = ta.PctChange(closes, w)
	}
	for l := 1; l <= lags; l++ {
		lag := math.NaN()
		if len(closes) > l {
			lag = closes[len(closes)-1-l]
		}
		v[fmt.Sprintf("lag_close_%d", l)] = lag
	}
	v["rsi"] = ta.RSI(closes, rsiPeriod)
	v["macd"], v["macd_signal"] = ta.MACD(closes, macdFast, macdSlow, macdSignal)
	_, v["bb_high"], v["bb_low"] = ta.Bollinger(closes, bbWindow, bbStdDev)
	v["obv"] = ta.OBV(closes, vols)
	v["minute"] = float64(ts.Minute())
	v["hour"] = float64(ts.Hour())
	v["day_of_week"] = float64((int(ts.Weekday()) + 6) % 7) // Monday = 0
	v["trade_count"] = ta.Changes(closes, tradeCount)

	return types.FeatureSnapshot{
		Symbol:    symbol,
		Timestamp: ts,
		Price:     last.Close,
		Names:     Names(),
		Values:    v,
	}, nil
}

// Source builds snapshots from a candle source.
type Source struct {
	candles interfaces.CandleSource
	n       int
}

var _ interfaces.FeatureSource = (*Source)(nil)

func NewSource(candles interfaces.CandleSource, n int) *Source {
	if n < MinCandles() {
		n = MinCandles()
	}
	return &Source{candles: candles, n: n}
}

func (s *Source) Latest(ctx context.Context, symbol string) (types.FeatureSnapshot, error) {
	cs, err := s.candles.RecentCandles(ctx, symbol, s.n)
	if err != nil {
		return types.FeatureSnapshot{}, err
	}
	return Build(symbol, cs)
}
