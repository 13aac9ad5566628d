// Package orders drives each order intent through its lifecycle at the
// broker and turns terminal fills into position opens and closes.
//
// State is partitioned per symbol. Every mutation of a symbol's orders or
// position happens under that symbol's lock, and every transition is
// journaled before it is acted on.
package orders

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"

	"ml-trading-bot/internal/account"
	"ml-trading-bot/internal/alert"
	"ml-trading-bot/internal/interfaces"
	"ml-trading-bot/internal/journal"
	"ml-trading-bot/internal/logger"
	"ml-trading-bot/internal/store"
	"ml-trading-bot/internal/types"
)

const (
	PolicyResume = "RESUME"
	PolicyCancel = "CANCEL"

	qtyEpsilon = 1e-9
)

type Config struct {
	MaxSubmitRetries   int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	StaleAfter         time.Duration
	PartialFillTimeout time.Duration
	RecoveryPolicy     string
}

func ConfigFrom(e store.ExecutionConfig) Config {
	return Config{
		MaxSubmitRetries:   e.MaxSubmitRetries,
		BackoffBase:        e.BackoffBase,
		BackoffMax:         e.BackoffMax,
		StaleAfter:         e.StaleAfter,
		PartialFillTimeout: e.PartialFillTimeout,
		RecoveryPolicy:     e.RecoveryPolicy,
	}
}

// Ledger receives closed positions. Record must be idempotent by position id.
type Ledger interface {
	Record(ctx context.Context, p types.Position) (types.LedgerEntry, error)
}

// Observer is notified of lifecycle events, typically for metrics.
type Observer interface {
	OrderTransition(state types.OrderState)
	Anomaly(symbol string)
	StaleOrder(symbol string)
}

type nopObserver struct{}

func (nopObserver) OrderTransition(types.OrderState) {}
func (nopObserver) Anomaly(string)                   {}
func (nopObserver) StaleOrder(string)                {}

// closing is a closed position (or closed slice of one) waiting for the
// ledger to acknowledge it.
type closing struct {
	pos types.Position
	qty float64
	// remaining is the open position after this close; nil when fully closed.
	remaining *types.Position
}

type symbolState struct {
	mu sync.Mutex

	intents  map[string]types.OrderIntent
	orders   map[string]*types.Order
	active   string
	position *types.Position
	closing  []closing
	// partialSince is when the active order first reported a partial fill.
	partialSince time.Time
}

type orphan struct {
	status types.OrderStatus
	at     time.Time
}

type Manager struct {
	cfg     Config
	broker  interfaces.Broker
	book    *account.Book
	ledger  Ledger
	journal *journal.Journal
	alerts  alert.Sink
	obs     Observer

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	symbols  map[string]*symbolState
	byBroker map[string]brokerRef
	// orphans are statuses that arrived before their submit returned.
	orphans map[string][]orphan
}

type brokerRef struct {
	symbol   string
	intentID string
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = sleep }
}

func WithObserver(o Observer) Option { return func(m *Manager) { m.obs = o } }

func WithAlerts(s alert.Sink) Option { return func(m *Manager) { m.alerts = s } }

func New(cfg Config, broker interfaces.Broker, book *account.Book, ledger Ledger, j *journal.Journal, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		broker:   broker,
		book:     book,
		ledger:   ledger,
		journal:  j,
		alerts:   alert.LogSink{},
		obs:      nopObserver{},
		now:      time.Now,
		sleep:    sleepCtx,
		symbols:  make(map[string]*symbolState),
		byBroker: make(map[string]brokerRef),
		orphans:  make(map[string][]orphan),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *Manager) symbol(sym string) *symbolState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.symbols[sym]
	if !ok {
		st = &symbolState{intents: map[string]types.OrderIntent{}, orders: map[string]*types.Order{}}
		m.symbols[sym] = st
	}
	return st
}

func (m *Manager) symbolList() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.symbols))
	for s := range m.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// OpenPosition returns the symbol's open position, including one whose
// close is waiting on the ledger.
func (m *Manager) OpenPosition(symbol string) (types.Position, bool) {
	st := m.symbol(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.position == nil {
		return types.Position{}, false
	}
	return *st.position, true
}

// Holding is the fuser's view of the symbol.
func (m *Manager) Holding(symbol string) types.Holding {
	p, ok := m.OpenPosition(symbol)
	if !ok {
		return types.Holding{Direction: types.Flat}
	}
	return types.Holding{Direction: p.Direction(), EntryPrice: p.EntryPrice}
}

// Busy reports whether the symbol has an order in flight or a close waiting
// on the ledger; no new intent should be sized for it.
func (m *Manager) Busy(symbol string) bool {
	st := m.symbol(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.active != "" || len(st.closing) > 0
}

func (m *Manager) Order(intentID string) (types.Order, bool) {
	m.mu.Lock()
	syms := make([]*symbolState, 0, len(m.symbols))
	for _, st := range m.symbols {
		syms = append(syms, st)
	}
	m.mu.Unlock()
	for _, st := range syms {
		st.mu.Lock()
		o, ok := st.orders[intentID]
		var cp types.Order
		if ok {
			cp = *o
		}
		st.mu.Unlock()
		if ok {
			return cp, true
		}
	}
	return types.Order{}, false
}

// Pending returns the symbol's in-flight order, if any.
func (m *Manager) Pending(symbol string) (types.Order, bool) {
	st := m.symbol(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.active == "" {
		return types.Order{}, false
	}
	return *st.orders[st.active], true
}

// Positions lists open positions across symbols.
func (m *Manager) Positions() []types.Position {
	var out []types.Position
	for _, sym := range m.symbolList() {
		if p, ok := m.OpenPosition(sym); ok {
			out = append(out, p)
		}
	}
	return out
}

func (m *Manager) record(ev string, o *types.Order, in *types.OrderIntent, positions ...types.Position) error {
	r := journal.Record{Time: m.now(), Event: ev, Positions: positions}
	if o != nil {
		cp := *o
		r.Order = &cp
	}
	if in != nil {
		cp := *in
		r.Intent = &cp
	}
	return m.journal.Append(r)
}

func (m *Manager) raise(ctx context.Context, sev alert.Severity, kind, symbol, intentID, msg string, fields map[string]any) {
	a := alert.Alert{Time: m.now(), Severity: sev, Kind: kind, Symbol: symbol, IntentID: intentID, Message: msg, Fields: fields}
	if err := m.alerts.Alert(ctx, a); err != nil {
		logger.Warn(ctx, "Alert delivery failed", "kind", kind, "error", err)
	}
}

func (m *Manager) saveAccount(ctx context.Context) {
	if err := m.journal.SaveAccount(m.book.Snapshot()); err != nil {
		logger.ErrorWithErr(ctx, "Failed to save account snapshot", err)
	}
}

func (m *Manager) backoff(attempt int) time.Duration {
	d := m.cfg.BackoffBase << (attempt - 1)
	if d <= 0 || (m.cfg.BackoffMax > 0 && d > m.cfg.BackoffMax) {
		d = m.cfg.BackoffMax
	}
	return d
}

// Submit journals the intent as Created, hands it to the broker with bounded
// exponential backoff, and returns the order in Submitted state. When every
// attempt fails the order ends Rejected, its reservation is released and
// the returned error wraps types.ErrSubmissionFailed.
func (m *Manager) Submit(ctx context.Context, intent types.OrderIntent) (types.Order, error) {
	st := m.symbol(intent.Symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.active != "" || len(st.closing) > 0 {
		m.book.Release(intent.ID)
		return types.Order{}, fmt.Errorf("%s: %w", intent.Symbol, types.ErrOrderInFlight)
	}
	if intent.Action == types.Exit && st.position == nil {
		return types.Order{}, fmt.Errorf("%s: exit without an open position", intent.Symbol)
	}

	o := &types.Order{IntentID: intent.ID, Symbol: intent.Symbol, State: types.StateCreated, LastUpdate: m.now()}
	if err := m.record("created", o, &intent); err != nil {
		m.book.Release(intent.ID)
		return types.Order{}, err
	}
	st.intents[intent.ID] = intent
	st.orders[intent.ID] = o
	m.obs.OrderTransition(types.StateCreated)

	var (
		brokerID string
		lastErr  error
	)
	for attempt := 1; attempt <= m.cfg.MaxSubmitRetries+1; attempt++ {
		brokerID, lastErr = m.broker.SubmitOrder(ctx, intent)
		if lastErr == nil {
			break
		}
		o.Attempts = attempt
		o.Reason = lastErr.Error()
		o.LastUpdate = m.now()
		if err := m.record("submit_failed", o, nil); err != nil {
			logger.ErrorWithErr(ctx, "Failed to journal submission attempt", err, "intent_id", intent.ID)
		}
		logger.Warn(ctx, "Order submission failed",
			"symbol", intent.Symbol, "intent_id", intent.ID, "attempt", attempt, "error", lastErr)
		if attempt > m.cfg.MaxSubmitRetries {
			break
		}
		if err := m.sleep(ctx, m.backoff(attempt)); err != nil {
			lastErr = fmt.Errorf("interrupted after %d attempts: %w", attempt, err)
			break
		}
	}

	if lastErr != nil {
		o.State = types.StateRejected
		o.Reason = "submission failed: " + lastErr.Error()
		o.LastUpdate = m.now()
		o.Settled = true
		if err := m.record("rejected", o, nil); err != nil {
			logger.ErrorWithErr(ctx, "Failed to journal rejection", err, "intent_id", intent.ID)
		}
		m.book.Release(intent.ID)
		m.obs.OrderTransition(types.StateRejected)
		m.raise(ctx, alert.Critical, alert.KindSubmissionFailed, intent.Symbol, intent.ID,
			fmt.Sprintf("order for %s abandoned after %d attempts", intent.Symbol, o.Attempts),
			map[string]any{"error": lastErr.Error(), "side": string(intent.Side), "quantity": intent.Quantity})
		return *o, fmt.Errorf("%s: %v: %w", intent.Symbol, lastErr, types.ErrSubmissionFailed)
	}

	o.BrokerOrderID = brokerID
	o.State = types.StateSubmitted
	o.Reason = ""
	o.LastUpdate = m.now()
	if err := m.record("submitted", o, nil); err != nil {
		logger.ErrorWithErr(ctx, "Failed to journal submission", err, "intent_id", intent.ID)
	}
	st.active = intent.ID
	st.partialSince = time.Time{}
	m.obs.OrderTransition(types.StateSubmitted)
	logger.Info(ctx, "Order submitted",
		"symbol", intent.Symbol, "intent_id", intent.ID, "broker_order_id", brokerID,
		"side", intent.Side, "quantity", intent.Quantity, "action", intent.Action)

	for _, s := range m.register(brokerID, intent.Symbol, intent.ID) {
		if err := m.applyLocked(ctx, st, o, s); err != nil && !errors.Is(err, types.ErrAnomalousStatus) {
			logger.Warn(ctx, "Buffered status not applied", "intent_id", intent.ID, "error", err)
		}
	}
	return *o, nil
}

// register maps a broker id to its order and returns any statuses that
// arrived for it early.
func (m *Manager) register(brokerID, symbol, intentID string) []types.OrderStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byBroker[brokerID] = brokerRef{symbol: symbol, intentID: intentID}
	early := m.orphans[brokerID]
	delete(m.orphans, brokerID)
	out := make([]types.OrderStatus, len(early))
	for i, o := range early {
		out[i] = o.status
	}
	return out
}

func (m *Manager) lookup(s types.OrderStatus) (brokerRef, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.byBroker[s.BrokerOrderID]
	if !ok {
		m.orphans[s.BrokerOrderID] = append(m.orphans[s.BrokerOrderID], orphan{status: s, at: m.now()})
	}
	return ref, ok
}

// ApplyStatus merges a broker status event. Updates are applied
// monotonically by filled quantity: duplicates and events for terminal
// orders are absorbed, a regression is rejected with
// types.ErrAnomalousStatus and leaves the order unchanged.
func (m *Manager) ApplyStatus(ctx context.Context, s types.OrderStatus) error {
	ref, ok := m.lookup(s)
	if !ok {
		return fmt.Errorf("broker order %s: %w", s.BrokerOrderID, types.ErrUnknownOrder)
	}
	st := m.symbol(ref.symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	o, ok := st.orders[ref.intentID]
	if !ok {
		return fmt.Errorf("intent %s: %w", ref.intentID, types.ErrUnknownOrder)
	}
	return m.applyLocked(ctx, st, o, s)
}

func (m *Manager) applyLocked(ctx context.Context, st *symbolState, o *types.Order, s types.OrderStatus) error {
	intent := st.intents[o.IntentID]
	if o.State.Terminal() {
		if s.Kind == types.StatusFilled && s.FilledQty <= qtyEpsilon {
			s.FilledQty = intent.Quantity
		}
		if s.FilledQty > o.FilledQty+qtyEpsilon && s.FilledQty <= intent.Quantity+qtyEpsilon {
			return m.lateFill(ctx, st, o, s)
		}
		logger.Debug(ctx, "Status for terminal order absorbed",
			"intent_id", o.IntentID, "state", o.State, "kind", s.Kind)
		return nil
	}
	filled := s.FilledQty
	switch {
	case filled > qtyEpsilon:
	case s.Kind == types.StatusFilled:
		filled = intent.Quantity
	case s.Kind == types.StatusCancelled, s.Kind == types.StatusRejected:
		filled, s.AvgFillPrice = m.terminalFill(ctx, o, intent, s.AvgFillPrice)
	}
	if filled < o.FilledQty-qtyEpsilon || filled > intent.Quantity+qtyEpsilon {
		m.obs.Anomaly(o.Symbol)
		logger.Error(ctx, "Anomalous status update rejected",
			"symbol", o.Symbol, "intent_id", o.IntentID, "broker_order_id", s.BrokerOrderID,
			"kind", s.Kind, "reported_filled", filled, "recorded_filled", o.FilledQty, "quantity", intent.Quantity)
		m.raise(ctx, alert.Warning, alert.KindAnomalousStatus, o.Symbol, o.IntentID,
			"broker reported an inconsistent fill quantity",
			map[string]any{"reported": filled, "recorded": o.FilledQty})
		return fmt.Errorf("%s %s: filled %v after %v: %w", o.Symbol, s.Kind, filled, o.FilledQty, types.ErrAnomalousStatus)
	}

	next := o.State
	switch s.Kind {
	case types.StatusAccepted:
		if next == types.StateCreated {
			next = types.StateSubmitted
		}
	case types.StatusPartialFill:
		if filled > qtyEpsilon {
			next = types.StatePartiallyFilled
		}
		if filled >= intent.Quantity-qtyEpsilon {
			next = types.StateFilled
		}
	case types.StatusFilled:
		next = types.StateFilled
	case types.StatusRejected:
		next = types.StateRejected
	case types.StatusCancelled:
		next = types.StateCancelled
	default:
		return fmt.Errorf("%s: unknown status kind %q: %w", o.Symbol, s.Kind, types.ErrAnomalousStatus)
	}

	progressed := filled > o.FilledQty+qtyEpsilon
	if next == o.State && !progressed {
		return nil
	}

	now := m.now()
	if progressed && o.FilledQty <= qtyEpsilon {
		st.partialSince = now
	}
	o.FilledQty = filled
	if s.AvgFillPrice > 0 {
		o.AvgFillPrice = s.AvgFillPrice
	}
	if o.AvgFillPrice <= 0 && filled > 0 {
		o.AvgFillPrice = intent.Price
	}
	if s.Reason != "" {
		o.Reason = s.Reason
	}
	changed := next != o.State
	o.State = next
	o.LastUpdate = now
	o.Stale = false
	if err := m.record(string(s.Kind), o, nil); err != nil {
		return err
	}
	if changed {
		m.obs.OrderTransition(next)
	}
	if next.Terminal() {
		if st.active == o.IntentID {
			st.active = ""
			st.partialSince = time.Time{}
		}
		m.settle(ctx, st, o)
	}
	return nil
}

// terminalFill is the filled quantity for a cancel or reject that carries
// none. The broker is asked for its own view; without an answer the order
// keeps what it already has.
func (m *Manager) terminalFill(ctx context.Context, o *types.Order, intent types.OrderIntent, avg float64) (float64, float64) {
	if o.BrokerOrderID == "" {
		return o.FilledQty, avg
	}
	ps, err := m.broker.PollStatus(ctx, o.BrokerOrderID)
	if err != nil {
		logger.Warn(ctx, "Could not confirm fills of terminal order",
			"intent_id", o.IntentID, "broker_order_id", o.BrokerOrderID, "error", err)
		return o.FilledQty, avg
	}
	if ps.FilledQty > o.FilledQty+qtyEpsilon && ps.FilledQty <= intent.Quantity+qtyEpsilon {
		if ps.AvgFillPrice > 0 {
			avg = ps.AvgFillPrice
		}
		return ps.FilledQty, avg
	}
	return o.FilledQty, avg
}

// lateFill merges a fill reported after the order went terminal. Filled
// quantity only grows, and only the new quantity gets a position effect.
func (m *Manager) lateFill(ctx context.Context, st *symbolState, o *types.Order, s types.OrderStatus) error {
	intent := st.intents[o.IntentID]
	prevQty, prevAvg := o.FilledQty, o.AvgFillPrice
	delta := s.FilledQty - prevQty

	o.FilledQty = s.FilledQty
	if s.AvgFillPrice > 0 {
		o.AvgFillPrice = s.AvgFillPrice
	}
	if o.AvgFillPrice <= 0 {
		o.AvgFillPrice = intent.Price
	}
	price := (o.AvgFillPrice*o.FilledQty - prevAvg*prevQty) / delta
	if prevQty <= qtyEpsilon || price <= 0 {
		price = o.AvgFillPrice
	}
	prevState := o.State
	if o.FilledQty >= intent.Quantity-qtyEpsilon {
		o.State = types.StateFilled
	}
	o.LastUpdate = m.now()
	logger.Warn(ctx, "Fill reported after order went terminal",
		"symbol", o.Symbol, "intent_id", o.IntentID, "state", prevState,
		"previous_filled", prevQty, "filled", o.FilledQty)
	if o.State != prevState {
		m.obs.OrderTransition(o.State)
	}

	var positions []types.Position
	if intent.Action == types.Exit {
		open := st.position
		if n := len(st.closing); n > 0 {
			open = st.closing[n-1].remaining
		}
		if open == nil {
			m.raise(ctx, alert.Warning, alert.KindAnomalousStatus, o.Symbol, o.IntentID,
				"exit filled beyond the open position", map[string]any{"filled": o.FilledQty})
		} else {
			suffix := ""
			if prevQty > qtyEpsilon {
				suffix = "+" + strconv.FormatFloat(o.FilledQty, 'f', -1, 64)
			}
			c := closeSlice(*open, intent, delta, price, o.LastUpdate, suffix)
			st.closing = append(st.closing, c)
			positions = append(positions, c.pos)
		}
	} else {
		p, ok := m.growPosition(st, intent, delta, price, o)
		if !ok {
			m.raise(ctx, alert.Warning, alert.KindAnomalousStatus, o.Symbol, o.IntentID,
				"late entry fill opposes the open position", map[string]any{"filled": o.FilledQty})
		} else {
			positions = append(positions, p)
			logger.Trade(ctx, intent.Symbol, string(intent.Side), delta, price, o.BrokerOrderID,
				"event", "position_opened", "position_id", p.ID, "state", o.State)
		}
	}

	if err := m.record("late_fill", o, nil, positions...); err != nil {
		return err
	}
	if len(positions) > 0 && intent.Action != types.Exit {
		m.saveAccount(ctx)
	}
	m.flush(ctx, st)
	return nil
}

// growPosition adds a late entry fill to the symbol's position, opening one
// when the symbol is flat.
func (m *Manager) growPosition(st *symbolState, intent types.OrderIntent, qty, price float64, o *types.Order) (types.Position, bool) {
	signed := qty * intent.Side.Sign()
	if st.position == nil {
		p := types.Position{ID: intent.ID, Symbol: intent.Symbol, Quantity: signed, EntryPrice: price, OpenedAt: o.LastUpdate}
		if o.FilledQty-qty > qtyEpsilon {
			p.ID = intent.ID + "+" + strconv.FormatFloat(o.FilledQty, 'f', -1, 64)
		}
		st.position = &p
		m.book.Open(intent.ID, intent.Symbol, signed, price)
		return p, true
	}
	if (st.position.Quantity > 0) != (signed > 0) {
		return types.Position{}, false
	}
	p := *st.position
	total := math.Abs(p.Quantity) + qty
	p.EntryPrice = (p.EntryPrice*math.Abs(p.Quantity) + price*qty) / total
	p.Quantity = math.Copysign(total, p.Quantity)
	st.position = &p
	m.book.Add(intent.Symbol, signed, price)
	return p, true
}

// settle applies the position effect of a terminal order exactly once.
func (m *Manager) settle(ctx context.Context, st *symbolState, o *types.Order) {
	if o.Settled {
		return
	}
	intent := st.intents[o.IntentID]
	at := o.LastUpdate
	var positions []types.Position

	switch {
	case intent.Action == types.Exit:
		if o.FilledQty > qtyEpsilon && st.position != nil {
			c := m.closePosition(st, intent, o, at)
			st.closing = append(st.closing, c)
			positions = append(positions, c.pos)
		}
	case o.FilledQty > qtyEpsilon:
		p := types.Position{
			ID:         intent.ID,
			Symbol:     intent.Symbol,
			Quantity:   o.FilledQty * intent.Side.Sign(),
			EntryPrice: o.AvgFillPrice,
			OpenedAt:   at,
		}
		st.position = &p
		m.book.Open(intent.ID, intent.Symbol, p.Quantity, p.EntryPrice)
		positions = append(positions, p)
		logger.Trade(ctx, intent.Symbol, string(intent.Side), o.FilledQty, o.AvgFillPrice, o.BrokerOrderID,
			"event", "position_opened", "position_id", p.ID, "state", o.State)
	default:
		m.book.Release(intent.ID)
	}

	o.Settled = true
	if err := m.record("settled", o, nil, positions...); err != nil {
		logger.ErrorWithErr(ctx, "Failed to journal settlement", err, "intent_id", o.IntentID)
	}
	if len(positions) > 0 && intent.Action != types.Exit {
		m.saveAccount(ctx)
	}
	m.flush(ctx, st)
}

func (m *Manager) closePosition(st *symbolState, intent types.OrderIntent, o *types.Order, at time.Time) closing {
	return closeSlice(*st.position, intent, o.FilledQty, o.AvgFillPrice, at, "")
}

// closeSlice closes qty of pos at price. A partial close is archived as its
// own position, its id suffixed when the exit order already closed a slice.
func closeSlice(pos types.Position, intent types.OrderIntent, qty, price float64, at time.Time, suffix string) closing {
	open := math.Abs(pos.Quantity)
	qty = math.Min(qty, open)
	dir := pos.Side().Sign()
	pnl := (price - pos.EntryPrice) * qty * dir
	closedAt := at

	reason := intent.Reason
	if reason == "" {
		reason = string(intent.Action)
	}

	if qty >= open-qtyEpsilon {
		closed := pos
		closed.ClosedAt = &closedAt
		closed.ExitPrice = price
		closed.RealizedPnL = &pnl
		closed.Reason = reason
		return closing{pos: closed, qty: qty}
	}
	slice := types.Position{
		ID:          pos.ID + ":" + intent.ID + suffix,
		Symbol:      pos.Symbol,
		Quantity:    qty * dir,
		EntryPrice:  pos.EntryPrice,
		OpenedAt:    pos.OpenedAt,
		ClosedAt:    &closedAt,
		ExitPrice:   price,
		RealizedPnL: &pnl,
		Reason:      reason,
	}
	rest := pos
	rest.Quantity = (open - qty) * dir
	return closing{pos: slice, qty: qty, remaining: &rest}
}

// flush hands closed positions to the ledger in order. A position is only
// removed from the book once the ledger has acknowledged it.
func (m *Manager) flush(ctx context.Context, st *symbolState) error {
	for len(st.closing) > 0 {
		c := st.closing[0]
		entry, err := m.ledger.Record(ctx, c.pos)
		if err != nil {
			logger.ErrorWithErr(ctx, "Ledger write failed, position stays open until acknowledged", err,
				"symbol", c.pos.Symbol, "position_id", c.pos.ID)
			m.raise(ctx, alert.Warning, alert.KindLedgerWrite, c.pos.Symbol, c.pos.ID,
				"ledger write failed; will retry", map[string]any{"error": err.Error()})
			return fmt.Errorf("%s: %w", c.pos.ID, err)
		}
		st.closing = st.closing[1:]
		rec := journal.Record{Time: m.now(), Event: "recorded", Recorded: []string{c.pos.ID}}
		if c.remaining != nil {
			st.position = c.remaining
			rec.Positions = []types.Position{*c.remaining}
		} else {
			st.position = nil
		}
		if err := m.journal.Append(rec); err != nil {
			logger.ErrorWithErr(ctx, "Failed to journal ledger acknowledgement", err, "position_id", c.pos.ID)
		}
		m.book.Close(c.pos.Symbol, c.qty, *c.pos.RealizedPnL, *c.pos.ClosedAt)
		m.saveAccount(ctx)
		logger.Trade(ctx, c.pos.Symbol, string(c.pos.Side().Opposite()), c.qty, c.pos.ExitPrice, c.pos.ID,
			"event", "position_closed", "realized_pnl", *c.pos.RealizedPnL, "return_pct", entry.ReturnPct,
			"equity_after", entry.EquityAfter, "reason", c.pos.Reason)
	}
	return nil
}

// Cancel asks the broker to cancel the order. It is only valid while the
// order is Submitted or PartiallyFilled; otherwise it returns
// types.ErrAlreadyTerminal and does nothing.
func (m *Manager) Cancel(ctx context.Context, intentID string) error {
	o, ok := m.Order(intentID)
	if !ok {
		return fmt.Errorf("intent %s: %w", intentID, types.ErrUnknownOrder)
	}
	st := m.symbol(o.Symbol)
	st.mu.Lock()
	defer st.mu.Unlock()
	return m.cancelLocked(ctx, st, st.orders[intentID], "cancel requested")
}

func (m *Manager) cancelLocked(ctx context.Context, st *symbolState, o *types.Order, why string) error {
	if o.State != types.StateSubmitted && o.State != types.StatePartiallyFilled {
		return fmt.Errorf("%s in state %s: %w", o.IntentID, o.State, types.ErrAlreadyTerminal)
	}
	if err := m.broker.CancelOrder(ctx, o.BrokerOrderID); err != nil {
		return err
	}
	o.CancelSent = true
	o.Reason = why
	if err := m.record("cancel_sent", o, nil); err != nil {
		logger.ErrorWithErr(ctx, "Failed to journal cancel", err, "intent_id", o.IntentID)
	}
	logger.Info(ctx, "Cancel sent", "symbol", o.Symbol, "intent_id", o.IntentID, "reason", why)
	return nil
}

// Reconcile polls every in-flight order, flags the ones that stay
// unresolved past the stale window, cancels the remainder of partial fills
// past their timeout, and retries pending ledger writes. Errors from
// different symbols are combined.
func (m *Manager) Reconcile(ctx context.Context) error {
	var errs error
	for _, sym := range m.symbolList() {
		errs = multierr.Append(errs, m.reconcileSymbol(ctx, sym))
	}
	m.pruneOrphans()
	return errs
}

func (m *Manager) reconcileSymbol(ctx context.Context, sym string) error {
	st := m.symbol(sym)
	st.mu.Lock()
	defer st.mu.Unlock()

	var errs error
	if len(st.closing) > 0 {
		errs = multierr.Append(errs, m.flush(ctx, st))
	}
	if st.active == "" {
		return errs
	}
	o := st.orders[st.active]
	if o.BrokerOrderID == "" {
		return errs
	}

	s, err := m.broker.PollStatus(ctx, o.BrokerOrderID)
	if err == nil {
		if aerr := m.applyLocked(ctx, st, o, s); aerr != nil && !errors.Is(aerr, types.ErrAnomalousStatus) {
			errs = multierr.Append(errs, aerr)
		}
	} else {
		errs = multierr.Append(errs, fmt.Errorf("poll %s: %w", o.BrokerOrderID, err))
	}
	if o.State.Terminal() {
		return errs
	}

	now := m.now()
	if o.State == types.StatePartiallyFilled && !o.CancelSent && m.cfg.PartialFillTimeout > 0 &&
		!st.partialSince.IsZero() && now.Sub(st.partialSince) > m.cfg.PartialFillTimeout {
		if cerr := m.cancelLocked(ctx, st, o, "partial fill timeout"); cerr != nil && !errors.Is(cerr, types.ErrAlreadyTerminal) {
			errs = multierr.Append(errs, cerr)
		}
	}
	if !o.Stale && m.cfg.StaleAfter > 0 && now.Sub(o.LastUpdate) > m.cfg.StaleAfter {
		o.Stale = true
		if jerr := m.record("stale", o, nil); jerr != nil {
			logger.ErrorWithErr(ctx, "Failed to journal stale flag", jerr, "intent_id", o.IntentID)
		}
		m.obs.StaleOrder(o.Symbol)
		m.raise(ctx, alert.Warning, alert.KindStaleOrder, o.Symbol, o.IntentID,
			fmt.Sprintf("order %s unresolved for %s", o.BrokerOrderID, now.Sub(o.LastUpdate).Round(time.Second)),
			map[string]any{"state": string(o.State), "filled": o.FilledQty})
	}
	return errs
}

func (m *Manager) pruneOrphans() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.cfg.StaleAfter)
	for id, list := range m.orphans {
		if len(list) > 0 && list[len(list)-1].at.Before(cutoff) {
			delete(m.orphans, id)
		}
	}
}
