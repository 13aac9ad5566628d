package orders

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"

	"go.uber.org/multierr"

	"ml-trading-bot/internal/account"
	"ml-trading-bot/internal/alert"
	"ml-trading-bot/internal/journal"
	"ml-trading-bot/internal/logger"
	"ml-trading-bot/internal/types"
)

// Recover rebuilds in-flight state from the journal after a restart. Orders
// that never reached the broker are marked Rejected("interrupted") and are
// never resubmitted. Orders the broker knows about are polled and tracked
// again; partial fills are kept (RESUME) or have their remainder cancelled
// (CANCEL). Open positions and entry reservations are restored into the
// book, unrecorded closes are retried, and the journal is compacted.
//
// Broker errors while polling do not fail recovery; the orders stay tracked
// and Reconcile picks them up.
func (m *Manager) Recover(ctx context.Context) error {
	snap, err := m.journal.Replay()
	if err != nil {
		return err
	}

	m.restorePositions(ctx, snap)

	ids := make([]string, 0, len(snap.Orders))
	for id := range snap.Orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return snap.Orders[ids[i]].LastUpdate.Before(snap.Orders[ids[j]].LastUpdate)
	})

	var pollErrs error
	for _, id := range ids {
		o := snap.Orders[id]
		intent, ok := snap.Intents[id]
		if !ok {
			logger.Warn(ctx, "Journaled order has no intent, skipping", "intent_id", id)
			continue
		}
		if o.State.Terminal() && o.Settled {
			continue
		}
		pollErrs = multierr.Append(pollErrs, m.recoverOrder(ctx, intent, o))
	}
	if pollErrs != nil {
		logger.Warn(ctx, "Some orders could not be polled during recovery", "error", pollErrs)
	}

	for _, sym := range m.symbolList() {
		st := m.symbol(sym)
		st.mu.Lock()
		if err := m.flush(ctx, st); err != nil {
			logger.Warn(ctx, "Unrecorded close still pending after recovery", "symbol", sym, "error", err)
		}
		st.mu.Unlock()
	}

	fresh, err := m.journal.Replay()
	if err != nil {
		return err
	}
	if err := m.journal.Compact(fresh); err != nil {
		return err
	}
	m.saveAccount(ctx)

	logger.Info(ctx, "Order state recovered",
		"orders", len(ids), "open_positions", len(m.Positions()))
	return nil
}

func (m *Manager) restorePositions(ctx context.Context, snap *journal.State) {
	for _, p := range snap.OpenPositions() {
		st := m.symbol(p.Symbol)
		st.mu.Lock()
		cp := p
		st.position = &cp
		m.book.Open(p.ID, p.Symbol, p.Quantity, p.EntryPrice)
		st.mu.Unlock()
	}

	for _, c := range snap.Unrecorded() {
		st := m.symbol(c.Symbol)
		st.mu.Lock()
		qty := math.Abs(c.Quantity)
		if i := strings.IndexByte(c.ID, ':'); i >= 0 && st.position != nil && st.position.ID == c.ID[:i] {
			// slice of a position that is still partly open
			rest := *st.position
			rest.Quantity = math.Copysign(math.Abs(rest.Quantity)-qty, rest.Quantity)
			st.closing = append(st.closing, closing{pos: c, qty: qty, remaining: &rest})
		} else {
			open := c
			open.ClosedAt, open.ExitPrice, open.RealizedPnL, open.Reason = nil, 0, nil, ""
			st.position = &open
			m.book.Open(open.ID, open.Symbol, open.Quantity, open.EntryPrice)
			st.closing = append(st.closing, closing{pos: c, qty: qty})
		}
		st.mu.Unlock()
		logger.Info(ctx, "Unrecorded close restored", "symbol", c.Symbol, "position_id", c.ID)
	}
}

func (m *Manager) recoverOrder(ctx context.Context, intent types.OrderIntent, o types.Order) error {
	st := m.symbol(intent.Symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	cp := o
	st.intents[intent.ID] = intent
	st.orders[intent.ID] = &cp
	ord := &cp

	if ord.State == types.StateCreated {
		ord.State = types.StateRejected
		ord.Reason = "interrupted"
		ord.LastUpdate = m.now()
		ord.Settled = true
		if err := m.record("interrupted", ord, nil); err != nil {
			logger.ErrorWithErr(ctx, "Failed to journal interrupted intent", err, "intent_id", intent.ID)
		}
		m.obs.OrderTransition(types.StateRejected)
		m.raise(ctx, alert.Warning, alert.KindInterrupted, intent.Symbol, intent.ID,
			"intent interrupted before reaching the broker; not resubmitted",
			map[string]any{"side": string(intent.Side), "quantity": intent.Quantity})
		return nil
	}

	if ord.State.Terminal() {
		m.settle(ctx, st, ord)
		return nil
	}

	if intent.Action != types.Exit {
		m.book.Atomically(func(account.State) *account.Reservation {
			return &account.Reservation{IntentID: intent.ID, Symbol: intent.Symbol, Notional: intent.Notional()}
		})
	}
	st.active = intent.ID
	if ord.State == types.StatePartiallyFilled {
		st.partialSince = m.now()
	}
	for _, s := range m.register(ord.BrokerOrderID, intent.Symbol, intent.ID) {
		if err := m.applyLocked(ctx, st, ord, s); err != nil && !errors.Is(err, types.ErrAnomalousStatus) {
			logger.Warn(ctx, "Buffered status not applied", "intent_id", intent.ID, "error", err)
		}
	}

	var errs error
	s, err := m.broker.PollStatus(ctx, ord.BrokerOrderID)
	if err != nil {
		errs = multierr.Append(errs, err)
	} else if aerr := m.applyLocked(ctx, st, ord, s); aerr != nil && !errors.Is(aerr, types.ErrAnomalousStatus) {
		errs = multierr.Append(errs, aerr)
	}

	if ord.State == types.StatePartiallyFilled && m.cfg.RecoveryPolicy == PolicyCancel && !ord.CancelSent {
		if err := m.cancelLocked(ctx, st, ord, "recovery policy"); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	logger.Info(ctx, "In-flight order recovered",
		"symbol", intent.Symbol, "intent_id", intent.ID, "state", ord.State, "filled", ord.FilledQty)
	return errs
}
