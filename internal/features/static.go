package features

import (
	"context"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"ml-trading-bot/internal/interfaces"
	"ml-trading-bot/internal/types"
)

// StaticCandles is a deterministic one-minute random walk per symbol. Each
// call extends the series up to the current minute, so successive cycles see
// new bars the way a live feed would.
type StaticCandles struct {
	base float64
	seed int64
	now  func() time.Time

	mu     sync.Mutex
	series map[string]*walk
}

type walk struct {
	rng     *rand.Rand
	candles []types.Candle
}

var _ interfaces.CandleSource = (*StaticCandles)(nil)

const maxStaticCandles = 2000

func NewStaticCandles(base float64, seed int64, now func() time.Time) *StaticCandles {
	if now == nil {
		now = time.Now
	}
	return &StaticCandles{base: base, seed: seed, now: now, series: make(map[string]*walk)}
}

func (s *StaticCandles) RecentCandles(ctx context.Context, symbol string, n int) ([]types.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if n < 1 {
		n = 1
	}
	end := s.now().Truncate(time.Minute).Unix()
	w, ok := s.series[symbol]
	if !ok {
		h := fnv.New64a()
		_, _ = h.Write([]byte(symbol))
		w = &walk{rng: rand.New(rand.NewSource(s.seed ^ int64(h.Sum64())))}
		s.series[symbol] = w
		for ts := end - int64(n-1)*60; ts <= end; ts += 60 {
			w.next(ts, s.base)
		}
	}
	for last := w.candles[len(w.candles)-1].Ts; last < end; last += 60 {
		w.next(last+60, s.base)
	}
	if len(w.candles) > maxStaticCandles {
		w.candles = w.candles[len(w.candles)-maxStaticCandles:]
	}

	from := len(w.candles) - n
	if from < 0 {
		from = 0
	}
	out := make([]types.Candle, len(w.candles)-from)
	copy(out, w.candles[from:])
	return out, nil
}

func (w *walk) next(ts int64, base float64) {
	prev := base
	if len(w.candles) > 0 {
		prev = w.candles[len(w.candles)-1].Close
	}
	c := prev * (1 + (w.rng.Float64()-0.5)*0.004)
	open := prev
	h := max(open, c) * (1 + w.rng.Float64()*0.001)
	l := min(open, c) * (1 - w.rng.Float64()*0.001)
	w.candles = append(w.candles, types.Candle{
		Ts:    ts,
		Open:  open,
		High:  h,
		Low:   l,
		Close: c,
		Vol:   100 + w.rng.Float64()*1000,
	})
}
