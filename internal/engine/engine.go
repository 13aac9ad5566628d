// Package engine runs the per-symbol decision loop: features, protective
// stops, model forecasts, fusion, sizing and submission. Cycle and Run drive
// it across the universe alongside order reconciliation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ml-trading-bot/internal/account"
	"ml-trading-bot/internal/alert"
	"ml-trading-bot/internal/eod"
	"ml-trading-bot/internal/interfaces"
	"ml-trading-bot/internal/ledger"
	"ml-trading-bot/internal/logger"
	"ml-trading-bot/internal/orders"
	"ml-trading-bot/internal/risk"
	"ml-trading-bot/internal/signal"
	"ml-trading-bot/internal/tradelog"
	"ml-trading-bot/internal/types"
)

// VetoSessionClosed refuses entries outside trading hours.
const VetoSessionClosed = "session_closed"

// Observer receives decision-loop events, typically for metrics.
type Observer interface {
	Signal(action types.Action)
	Veto(reason string)
	StepError(symbol string)
	OpenPositions(n int)
	CycleDuration(d time.Duration)
	Performance(s types.Summary)
}

type nopObserver struct{}

func (nopObserver) Signal(types.Action)         {}
func (nopObserver) Veto(string)                 {}
func (nopObserver) StepError(string)            {}
func (nopObserver) OpenPositions(int)           {}
func (nopObserver) CycleDuration(time.Duration) {}
func (nopObserver) Performance(types.Summary)   {}

// Deps are the collaborators the engine drives. Observer, Alerts, EOD and
// TradeLog are optional.
type Deps struct {
	Features   interfaces.FeatureSource
	Classifier interfaces.Classifier
	Regressor  interfaces.Regressor
	Broker     interfaces.Broker
	Orders     *orders.Manager
	Book       *account.Book
	Ledger     *ledger.Ledger
	Alerts     alert.Sink
	Observer   Observer
	EOD        eod.IEodSummarizer
	TradeLog   *tradelog.Log
	Now        func() time.Time
}

type Engine struct {
	symbols  []string
	interval time.Duration

	features interfaces.FeatureSource
	clf      interfaces.Classifier
	reg      interfaces.Regressor
	fuser    *signal.Fuser
	gate     *risk.Gate
	stops    *stopManager
	session  sessionWindow

	broker interfaces.Broker
	orders *orders.Manager
	book   *account.Book
	ledger *ledger.Ledger
	alerts alert.Sink
	obs    Observer
	now    func() time.Time

	// stepper is the engine as seen through its observability wrapper.
	stepper interfaces.Engine

	eod           eod.IEodSummarizer
	tlog          *tradelog.Log
	retentionDays int
	lastEOD       string

	// syncAccount adopts the broker's equity each cycle.
	syncAccount    bool
	maxReconnect   int
	brokerFailures int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var _ interfaces.Engine = (*Engine)(nil)

func (e *Engine) lockFor(symbol string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		e.locks[symbol] = l
	}
	return l
}

// Step takes one decision for symbol. Decisions for the same symbol never
// overlap. A veto or a skipped symbol is a result, not an error.
func (e *Engine) Step(ctx context.Context, symbol string) (*types.StepResult, error) {
	l := e.lockFor(symbol)
	l.Lock()
	defer l.Unlock()

	now := e.now()
	res := &types.StepResult{Symbol: symbol, Time: now}

	if e.orders.Busy(symbol) {
		res.Reason = "order in flight"
		logger.Debug(ctx, "Symbol busy, skipping decision", "symbol", symbol)
		return res, nil
	}

	snap, err := e.features.Latest(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("features %s: %w", symbol, err)
	}
	res.Price = snap.Price
	res.Time = snap.Timestamp

	sig, err := e.decide(ctx, snap)
	if err != nil {
		return nil, err
	}
	res.Signal = sig
	res.Reason = sig.Reason
	e.obs.Signal(sig.Action)
	logger.Decision(ctx, symbol, string(sig.Action), sig.Strength, sig.Reason,
		"expected_return", sig.ExpectedReturn, "price", snap.Price)

	if sig.Action == types.Hold {
		return res, nil
	}
	if sig.Action != types.Exit && !e.session.allows(now) {
		e.obs.Veto(VetoSessionClosed)
		res.Veto = VetoSessionClosed
		return res, nil
	}

	intent, v := e.gate.SizeAndReserve(sig, snap.Price, now)
	if v != nil {
		e.obs.Veto(v.Reason)
		res.Veto = v.String()
		logger.Risk(ctx, symbol, "VETO", "reason", v.Reason, "detail", v.Detail, "action", sig.Action)
		return res, nil
	}
	intent.Reason = sig.Reason
	res.Intent = intent

	if _, err := e.orders.Submit(ctx, *intent); err != nil {
		if errors.Is(err, types.ErrOrderInFlight) {
			res.Reason = "order in flight"
			return res, nil
		}
		return res, err
	}
	return res, nil
}

// decide returns a protective exit when a stop is hit, and the fused model
// signal otherwise.
func (e *Engine) decide(ctx context.Context, snap types.FeatureSnapshot) (types.Signal, error) {
	if pos, ok := e.orders.OpenPosition(snap.Symbol); ok {
		if reason, hit := e.stops.check(ctx, pos, snap.Price); hit {
			return types.Signal{
				Symbol:    snap.Symbol,
				Timestamp: snap.Timestamp,
				Action:    types.Exit,
				Strength:  1,
				Reason:    reason,
			}, nil
		}
	}

	clf, err := e.clf.PredictDirection(ctx, snap)
	if err != nil {
		return types.Signal{}, fmt.Errorf("classifier %s: %w", snap.Symbol, err)
	}
	reg, err := e.reg.PredictReturn(ctx, snap)
	if err != nil {
		return types.Signal{}, fmt.Errorf("regressor %s: %w", snap.Symbol, err)
	}
	return e.fuser.Fuse(clf, reg, e.orders.Holding(snap.Symbol))
}
