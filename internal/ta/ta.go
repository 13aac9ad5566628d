// Package ta reduces a close/volume history to the latest value of each
// indicator. Windowed indicators come from TA-Lib; a window longer than the
// history yields NaN so callers can tell "not enough data" from zero.
package ta

import (
	"math"

	"github.com/markcheno/go-talib"
)

func last(vals []float64) float64 { return vals[len(vals)-1] }

func SMA(closes []float64, n int) float64 {
	if n <= 0 || len(closes) < n {
		return math.NaN()
	}
	return last(talib.Sma(closes, n))
}

// StdDev is the population standard deviation over the last n values.
func StdDev(vals []float64, n int) float64 {
	if n <= 1 || len(vals) < n {
		return math.NaN()
	}
	return last(talib.StdDev(vals, n, 1))
}

// SampleStdDev is StdDev with the n-1 denominator.
func SampleStdDev(vals []float64, n int) float64 {
	sd := StdDev(vals, n)
	return sd * math.Sqrt(float64(n)/float64(n-1))
}

// RSI uses Wilder smoothing and needs period+1 closes.
func RSI(closes []float64, period int) float64 {
	if period < 2 || len(closes) < period+1 {
		return math.NaN()
	}
	return last(talib.Rsi(closes, period))
}

// MACD returns the latest MACD line and its signal line.
func MACD(closes []float64, fast, slow, signal int) (macd, sig float64) {
	if fast <= 0 || fast >= slow || signal <= 0 || len(closes) < slow+signal {
		return math.NaN(), math.NaN()
	}
	m, s, _ := talib.Macd(closes, fast, slow, signal)
	return last(m), last(s)
}

// Bollinger returns the SMA band with k standard deviations either side.
func Bollinger(closes []float64, n int, k float64) (mid, up, low float64) {
	if n <= 1 || len(closes) < n {
		return math.NaN(), math.NaN(), math.NaN()
	}
	u, m, l := talib.BBands(closes, n, k, k, talib.SMA)
	return last(m), last(u), last(l)
}

// OBV is the on-balance volume over the whole series, seeded with the first
// bar's volume.
func OBV(closes, vols []float64) float64 {
	if len(closes) != len(vols) || len(closes) == 0 {
		return math.NaN()
	}
	return last(talib.Obv(closes, vols))
}

// PctChange is the fractional change over the last n bars.
func PctChange(closes []float64, n int) float64 {
	if n <= 0 || len(closes) < n+1 || closes[len(closes)-1-n] == 0 {
		return math.NaN()
	}
	return last(talib.Rocp(closes, n))
}

// VWAP is the cumulative volume weighted average close.
func VWAP(closes, vols []float64) float64 {
	if len(closes) != len(vols) {
		return math.NaN()
	}
	pv, v := 0.0, 0.0
	for i := range closes {
		pv += closes[i] * vols[i]
		v += vols[i]
	}
	if v == 0 {
		return math.NaN()
	}
	return pv / v
}

// Changes counts bars in the last n whose close differs from the prior bar.
func Changes(closes []float64, n int) float64 {
	if n <= 0 || len(closes) < n+1 {
		return math.NaN()
	}
	c := 0
	for i := len(closes) - n; i < len(closes); i++ {
		if closes[i] != closes[i-1] {
			c++
		}
	}
	return float64(c)
}
