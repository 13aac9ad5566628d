package zerodha

import (
	"context"

	"ml-trading-bot/internal/types"
)

// TickerManager streams market ticks and order updates over the Kite
// WebSocket.
type TickerManager interface {
	// Start initializes and starts the WebSocket connection
	Start(ctx context.Context) error

	// Stop closes the WebSocket connection gracefully
	Stop(ctx context.Context)

	// Subscribe subscribes to symbols for live data streaming
	Subscribe(ctx context.Context, symbols []string) error

	// GetRecentCandles retrieves recent one-minute candles from cache
	GetRecentCandles(symbol string, n int) ([]types.Candle, error)

	// Lost reports whether the stream gave up reconnecting
	Lost() bool
}
