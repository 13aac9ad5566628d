package engine

import (
	"errors"
	"sync"
	"time"

	"ml-trading-bot/internal/alert"
	"ml-trading-bot/internal/engine/engineobs"
	"ml-trading-bot/internal/risk"
	"ml-trading-bot/internal/signal"
	"ml-trading-bot/internal/store"
)

// New builds the engine from configuration. The fuser, risk gate, stops and
// session window are derived from cfg; everything stateful comes from d.
func New(cfg *store.Config, d Deps) (*Engine, error) {
	switch {
	case d.Features == nil:
		return nil, errors.New("engine: feature source is required")
	case d.Classifier == nil || d.Regressor == nil:
		return nil, errors.New("engine: classifier and regressor are required")
	case d.Broker == nil || d.Orders == nil || d.Book == nil:
		return nil, errors.New("engine: broker, order manager and book are required")
	}

	session, err := newSessionWindow(cfg.Session.Enforce, cfg.Session.Open, cfg.Session.Close)
	if err != nil {
		return nil, err
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Observer == nil {
		d.Observer = nopObserver{}
	}
	if d.Alerts == nil {
		d.Alerts = alert.LogSink{}
	}

	e := &Engine{
		symbols:       append([]string(nil), cfg.Universe...),
		interval:      cfg.PollInterval,
		features:      d.Features,
		clf:           d.Classifier,
		reg:           d.Regressor,
		fuser:         signal.New(signal.ConfigFrom(cfg.Signal), d.Now),
		gate:          risk.NewGate(d.Book, risk.LimitsFrom(cfg.Risk, cfg.Execution)),
		stops:         newStopManager(cfg.Stop.StopLossPct, cfg.Stop.TakeProfitPct),
		session:       session,
		broker:        d.Broker,
		orders:        d.Orders,
		book:          d.Book,
		ledger:        d.Ledger,
		alerts:        d.Alerts,
		obs:           d.Observer,
		now:           d.Now,
		eod:           d.EOD,
		tlog:          d.TradeLog,
		retentionDays: cfg.EOD.RetentionDays,
		syncAccount:   cfg.Mode == "LIVE",
		maxReconnect:  cfg.Execution.MaxReconnectAttempts,
		locks:         map[string]*sync.Mutex{},
	}
	if e.maxReconnect < 1 {
		e.maxReconnect = 1
	}
	e.stepper = engineobs.Wrap(e)
	return e, nil
}
