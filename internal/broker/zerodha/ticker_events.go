package zerodha

import (
	"context"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	"github.com/zerodha/gokiteconnect/v4/models"

	"ml-trading-bot/internal/logger"
)

func (tm *tickerManager) setupEventHandlers() {
	tm.ticker.OnConnect(tm.onConnect)
	tm.ticker.OnError(tm.onError)
	tm.ticker.OnClose(tm.onClose)
	tm.ticker.OnReconnect(tm.onReconnect)
	tm.ticker.OnNoReconnect(tm.onNoReconnect)
	tm.ticker.OnTick(tm.onTick)
	tm.ticker.OnOrderUpdate(tm.onOrderUpdate)
}

func (tm *tickerManager) onConnect() {
	tm.lost.Store(false)
	logger.Info(context.Background(), "Kite stream connected", "mapped_symbols", tm.mapper.size())
}

func (tm *tickerManager) onError(err error) {
	logger.ErrorWithErr(context.Background(), "Kite stream error", err)
}

func (tm *tickerManager) onClose(code int, reason string) {
	logger.Warn(context.Background(), "Kite stream closed", "code", code, "reason", reason)
}

func (tm *tickerManager) onReconnect(attempt int, delay time.Duration) {
	logger.Info(context.Background(), "Kite stream reconnecting", "attempt", attempt, "delay", delay)
}

// onNoReconnect marks the stream lost. Fills are still reconciled by
// polling, but Account reports the broker unavailable from here on.
func (tm *tickerManager) onNoReconnect(attempt int) {
	tm.lost.Store(true)
	logger.Error(context.Background(), "Kite stream gave up reconnecting", "attempts", attempt)
}

func (tm *tickerManager) onTick(tick models.Tick) {
	symbol := tm.mapper.getSymbol(tick.InstrumentToken)
	if symbol == "" {
		return
	}
	ts := tick.Timestamp.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	tm.cache.addTick(symbol, ts.Unix(), tick.LastPrice, float64(tick.VolumeTraded))
}

// onOrderUpdate forwards updates for orders this bot placed. Orders placed
// by hand on the same account carry no tag.
func (tm *tickerManager) onOrderUpdate(order kiteconnect.Order) {
	if order.Tag == "" {
		logger.Debug(context.Background(), "Ignoring untagged order update", "order_id", order.OrderID, "symbol", order.TradingSymbol)
		return
	}
	logger.Debug(context.Background(), "Order update received",
		"order_id", order.OrderID,
		"status", order.Status,
		"filled", order.FilledQuantity,
		"tag", order.Tag,
	)
	if tm.onOrder != nil {
		tm.onOrder(order)
	}
}
