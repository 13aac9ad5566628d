package zerodha

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	"ml-trading-bot/internal/logger"
	"ml-trading-bot/internal/types"
)

const maxCandlesPerSymbol = 1000

// tickerManager owns the Kite WebSocket: ticks feed the candle cache and
// order updates are handed to onOrder.
type tickerManager struct {
	ticker      *kiteticker.Ticker
	apiKey      string
	accessToken string

	cache   *candleCache
	mapper  *instrumentMapper
	onOrder func(kiteconnect.Order)

	lost atomic.Bool
}

var _ TickerManager = (*tickerManager)(nil)

func newTickerManager(apiKey, accessToken string, mapper *instrumentMapper, onOrder func(kiteconnect.Order)) *tickerManager {
	return &tickerManager{
		apiKey:      apiKey,
		accessToken: accessToken,
		cache:       newCandleCache(maxCandlesPerSymbol),
		mapper:      mapper,
		onOrder:     onOrder,
	}
}

func (tm *tickerManager) Start(ctx context.Context) error {
	tm.ticker = kiteticker.New(tm.apiKey, tm.accessToken)
	tm.setupEventHandlers()

	go func() {
		logger.Info(ctx, "Starting Kite WebSocket ticker")
		tm.ticker.Serve()
	}()
	return nil
}

func (tm *tickerManager) Stop(ctx context.Context) {
	if tm.ticker == nil {
		return
	}
	logger.Info(ctx, "Stopping Kite WebSocket ticker")
	tm.ticker.Stop()
}

func (tm *tickerManager) Subscribe(ctx context.Context, symbols []string) error {
	tokens, missing := tm.mapper.tokensFor(symbols)
	if len(missing) > 0 {
		return fmt.Errorf("no instrument token for %v", missing)
	}
	for _, s := range symbols {
		tm.cache.initBuffer(s)
	}
	if err := tm.ticker.Subscribe(tokens); err != nil {
		return fmt.Errorf("failed to subscribe to symbols: %w", err)
	}
	if err := tm.ticker.SetMode(kiteticker.ModeFull, tokens); err != nil {
		return fmt.Errorf("failed to set ticker mode: %w", err)
	}
	logger.Info(ctx, "Subscribed to live ticks", "symbols", symbols, "count", len(symbols))
	return nil
}

func (tm *tickerManager) Lost() bool { return tm.lost.Load() }

func (tm *tickerManager) GetRecentCandles(symbol string, n int) ([]types.Candle, error) {
	return tm.cache.getRecent(symbol, n)
}

// connectWait is how long Start waits for the socket before subscribing.
const connectWait = 2 * time.Second
