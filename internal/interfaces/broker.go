package interfaces

import (
	"context"

	"ml-trading-bot/internal/types"
)

// Broker is the execution venue. SubmitOrder returns the broker's order id;
// CancelOrder returns types.ErrAlreadyTerminal when the order can no longer
// be cancelled. Connectivity failures wrap types.ErrBrokerUnavailable.
type Broker interface {
	SubmitOrder(ctx context.Context, intent types.OrderIntent) (string, error)
	PollStatus(ctx context.Context, brokerOrderID string) (types.OrderStatus, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	Account(ctx context.Context) (types.AccountInfo, error)
	Start(ctx context.Context, symbols []string) error
	Stop(ctx context.Context)
}

// StatusStream is implemented by brokers that push order updates.
type StatusStream interface {
	Updates() <-chan types.OrderStatus
}

// CandleSource supplies recent bars for a symbol, oldest first.
type CandleSource interface {
	RecentCandles(ctx context.Context, symbol string, n int) ([]types.Candle, error)
}
