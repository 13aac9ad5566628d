package zerodha

import (
	"fmt"
	"math"
	"sync"

	"ml-trading-bot/internal/types"
)

// candleCache aggregates ticks into one-minute candles per symbol and keeps
// the most recent maxSize of them.
type candleCache struct {
	buffers map[string]*candleBuffer
	maxSize int
	mu      sync.RWMutex
}

type candleBuffer struct {
	candles []types.Candle
	// lastVolume is the day's cumulative traded volume at the previous tick.
	lastVolume float64
}

func newCandleCache(maxSize int) *candleCache {
	return &candleCache{
		buffers: make(map[string]*candleBuffer),
		maxSize: maxSize,
	}
}

func (cc *candleCache) initBuffer(symbol string) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if _, ok := cc.buffers[symbol]; !ok {
		cc.buffers[symbol] = &candleBuffer{candles: make([]types.Candle, 0, cc.maxSize)}
	}
}

// addTick folds a trade at ts (unix seconds) into the minute bar it falls
// in. cumVolume is the exchange's running day volume. Ticks older than the
// current bar are dropped.
func (cc *candleCache) addTick(symbol string, ts int64, price, cumVolume float64) {
	if price <= 0 || math.IsNaN(price) {
		return
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()

	buf, exists := cc.buffers[symbol]
	if !exists {
		return
	}
	vol := 0.0
	if buf.lastVolume > 0 && cumVolume >= buf.lastVolume {
		vol = cumVolume - buf.lastVolume
	}
	buf.lastVolume = cumVolume

	minute := ts - ts%60
	n := len(buf.candles)
	switch {
	case n > 0 && buf.candles[n-1].Ts == minute:
		c := &buf.candles[n-1]
		c.High = math.Max(c.High, price)
		c.Low = math.Min(c.Low, price)
		c.Close = price
		c.Vol += vol
	case n > 0 && buf.candles[n-1].Ts > minute:
		return
	default:
		buf.candles = append(buf.candles, types.Candle{Ts: minute, Open: price, High: price, Low: price, Close: price, Vol: vol})
		if len(buf.candles) > cc.maxSize {
			buf.candles = buf.candles[1:]
		}
	}
}

// getRecent retrieves up to the last n candles for a symbol
func (cc *candleCache) getRecent(symbol string, n int) ([]types.Candle, error) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	buffer, exists := cc.buffers[symbol]
	if !exists {
		return nil, fmt.Errorf("no candle data for symbol %s: %w", symbol, types.ErrNoData)
	}
	candles := buffer.candles
	if len(candles) == 0 {
		return nil, fmt.Errorf("no candles available for %s: %w", symbol, types.ErrNoData)
	}
	if len(candles) > n {
		candles = candles[len(candles)-n:]
	}
	return append([]types.Candle(nil), candles...), nil
}

// lastPrice is the close of the newest candle.
func (cc *candleCache) lastPrice(symbol string) (float64, bool) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	buf, ok := cc.buffers[symbol]
	if !ok || len(buf.candles) == 0 {
		return 0, false
	}
	return buf.candles[len(buf.candles)-1].Close, true
}
