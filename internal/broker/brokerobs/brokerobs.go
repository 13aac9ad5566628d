package brokerobs

import (
	"context"
	"time"

	"ml-trading-bot/internal/interfaces"
	"ml-trading-bot/internal/logger"
	"ml-trading-bot/internal/trace"
	"ml-trading-bot/internal/types"
)

// observableBroker wraps a Broker with observability (logging & tracing)
type observableBroker struct {
	broker interfaces.Broker
}

var _ interfaces.Broker = (*observableBroker)(nil)

// Wrap wraps a broker with observability middleware. When the broker also
// streams status updates or serves candles, the wrapper does too.
func Wrap(broker interfaces.Broker) interfaces.Broker {
	ob := &observableBroker{broker: broker}
	stream, isStream := broker.(interfaces.StatusStream)
	candles, isCandles := broker.(interfaces.CandleSource)
	switch {
	case isStream && isCandles:
		return &struct {
			*observableBroker
			interfaces.StatusStream
			interfaces.CandleSource
		}{ob, stream, candles}
	case isStream:
		return &struct {
			*observableBroker
			interfaces.StatusStream
		}{ob, stream}
	case isCandles:
		return &struct {
			*observableBroker
			interfaces.CandleSource
		}{ob, candles}
	}
	return ob
}

// SubmitOrder places an order with observability
func (ob *observableBroker) SubmitOrder(ctx context.Context, in types.OrderIntent) (string, error) {
	ctx, span := trace.StartSpan(ctx, "broker.SubmitOrder")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Submitting order",
		"symbol", in.Symbol,
		"side", in.Side,
		"qty", in.Quantity,
		"order_type", in.OrderType,
		"intent_id", in.ID,
	)

	start := time.Now()
	id, err := ob.broker.SubmitOrder(ctx, in)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to submit order", err,
			"symbol", in.Symbol,
			"intent_id", in.ID,
		)
		return "", err
	}

	logger.InfoSkip(ctx, 1, "Order accepted by broker",
		"symbol", in.Symbol,
		"broker_order_id", id,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return id, nil
}

func (ob *observableBroker) PollStatus(ctx context.Context, id string) (types.OrderStatus, error) {
	ctx, span := trace.StartSpan(ctx, "broker.PollStatus")
	defer span.End()

	s, err := ob.broker.PollStatus(ctx, id)
	if err != nil {
		logger.WarnSkip(ctx, 1, "Order status poll failed", "broker_order_id", id, "error", err)
		return s, err
	}
	logger.DebugSkip(ctx, 1, "Order status polled",
		"broker_order_id", id,
		"kind", s.Kind,
		"filled", s.FilledQty,
	)
	return s, nil
}

func (ob *observableBroker) CancelOrder(ctx context.Context, id string) error {
	ctx, span := trace.StartSpan(ctx, "broker.CancelOrder")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Cancelling order", "broker_order_id", id)
	if err := ob.broker.CancelOrder(ctx, id); err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to cancel order", err, "broker_order_id", id)
		return err
	}
	return nil
}

func (ob *observableBroker) Account(ctx context.Context) (types.AccountInfo, error) {
	ctx, span := trace.StartSpan(ctx, "broker.Account")
	defer span.End()

	a, err := ob.broker.Account(ctx)
	if err != nil {
		logger.WarnSkip(ctx, 1, "Account fetch failed", "error", err)
		return a, err
	}
	logger.DebugSkip(ctx, 1, "Account fetched", "equity", a.Equity, "buying_power", a.BuyingPower)
	return a, nil
}

// Start initializes broker with observability
func (ob *observableBroker) Start(ctx context.Context, symbols []string) error {
	ctx, span := trace.StartSpan(ctx, "broker.Start")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Starting broker", "symbols", symbols, "count", len(symbols))

	if err := ob.broker.Start(ctx, symbols); err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to start broker", err, "symbols", symbols)
		return err
	}

	logger.InfoSkip(ctx, 1, "Broker started successfully", "symbols", symbols)
	return nil
}

// Stop stops broker with observability
func (ob *observableBroker) Stop(ctx context.Context) {
	ctx, span := trace.StartSpan(ctx, "broker.Stop")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Stopping broker")
	ob.broker.Stop(ctx)
	logger.InfoSkip(ctx, 1, "Broker stopped successfully")
}
