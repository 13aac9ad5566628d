// Package risk sizes signals into order intents and vetoes the ones that
// would breach account limits.
package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"ml-trading-bot/internal/account"
	"ml-trading-bot/internal/store"
	"ml-trading-bot/internal/types"
)

type Limits struct {
	RiskFraction float64
	MaxPositions int
	// Exposure caps are fractions of equity.
	MaxSymbolExposure    float64
	MaxPortfolioExposure float64
	LotSize              float64
	Cooldown             time.Duration
	OrderType            types.OrderType
	LimitOffset          float64
}

func LimitsFrom(r store.RiskConfig, e store.ExecutionConfig) Limits {
	ot := types.Market
	if e.OrderType == "LIMIT" {
		ot = types.Limit
	}
	return Limits{
		RiskFraction:         r.RiskFraction,
		MaxPositions:         r.MaxPositions,
		MaxSymbolExposure:    r.MaxSymbolExposure,
		MaxPortfolioExposure: r.MaxPortfolioExposure,
		LotSize:              r.LotSize,
		Cooldown:             r.Cooldown,
		OrderType:            ot,
		LimitOffset:          e.LimitOffset,
	}
}

// Veto reasons double as metric labels.
const (
	VetoHold              = "hold"
	VetoInvalidPrice      = "invalid_price"
	VetoPositionOpen      = "position_open"
	VetoPendingEntry      = "pending_entry"
	VetoNoPosition        = "no_position"
	VetoCooldown          = "cooldown"
	VetoMaxPositions      = "max_positions"
	VetoZeroQuantity      = "zero_quantity"
	VetoSymbolExposure    = "symbol_exposure"
	VetoPortfolioExposure = "portfolio_exposure"
	VetoBuyingPower       = "buying_power"
)

// Veto is an expected refusal to trade, not an error.
type Veto struct {
	Symbol string
	Reason string
	Detail string
}

func (v *Veto) String() string {
	if v.Detail == "" {
		return v.Reason
	}
	return v.Reason + ": " + v.Detail
}

func veto(sym, reason, format string, args ...any) *Veto {
	return &Veto{Symbol: sym, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// lotEpsilon absorbs float error when flooring to whole lots.
const lotEpsilon = 1e-9

// Size turns a signal into an intent against a snapshot of the account. It
// reads nothing else and mutates nothing; the returned intent has no ID.
func Size(sig types.Signal, st account.State, price float64, now time.Time, lim Limits) (*types.OrderIntent, *Veto) {
	sym := sig.Symbol
	if sig.Action == types.Hold {
		return nil, &Veto{Symbol: sym, Reason: VetoHold}
	}
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return nil, veto(sym, VetoInvalidPrice, "price %v", price)
	}
	if sig.Action == types.Exit {
		return sizeExit(sig, st, price, now)
	}

	if _, open := st.Positions[sym]; open {
		return nil, &Veto{Symbol: sym, Reason: VetoPositionOpen}
	}
	if st.Pending(sym) {
		return nil, &Veto{Symbol: sym, Reason: VetoPendingEntry}
	}
	if last, ok := st.LastClose[sym]; ok && lim.Cooldown > 0 {
		if left := lim.Cooldown - now.Sub(last); left > 0 {
			return nil, veto(sym, VetoCooldown, "%s remaining", left.Round(time.Second))
		}
	}
	if st.Committed() >= lim.MaxPositions {
		return nil, veto(sym, VetoMaxPositions, "%d of %d in use", st.Committed(), lim.MaxPositions)
	}

	lot := lim.LotSize
	if lot <= 0 {
		lot = 1
	}
	capNotional := st.Equity * lim.RiskFraction
	strength := math.Max(0, math.Min(1, sig.Strength))
	lots := math.Floor(capNotional*strength/price/lot + lotEpsilon)
	qty := lots * lot
	if qty*price > capNotional {
		qty -= lot
	}
	if qty <= 0 {
		return nil, veto(sym, VetoZeroQuantity, "budget %.2f at price %.2f", capNotional*strength, price)
	}
	notional := qty * price

	if lim.MaxSymbolExposure > 0 {
		if e, limit := st.SymbolExposure(sym)+notional, st.Equity*lim.MaxSymbolExposure; e > limit {
			return nil, veto(sym, VetoSymbolExposure, "%.2f exceeds %.2f", e, limit)
		}
	}
	if lim.MaxPortfolioExposure > 0 {
		if e, limit := st.PortfolioExposure()+notional, st.Equity*lim.MaxPortfolioExposure; e > limit {
			return nil, veto(sym, VetoPortfolioExposure, "%.2f exceeds %.2f", e, limit)
		}
	}
	if bp := st.BuyingPower(); notional > bp {
		return nil, veto(sym, VetoBuyingPower, "need %.2f have %.2f", notional, bp)
	}

	side := types.Buy
	if sig.Action == types.EnterShort {
		side = types.Sell
	}
	intent := &types.OrderIntent{
		Symbol:    sym,
		Side:      side,
		Quantity:  qty,
		OrderType: lim.OrderType,
		CreatedAt: now,
		Action:    sig.Action,
		Price:     price,
	}
	if lim.OrderType == types.Limit {
		intent.LimitPrice = price * (1 + side.Sign()*lim.LimitOffset)
	}
	return intent, nil
}

// sizeExit flattens the whole open position at market.
func sizeExit(sig types.Signal, st account.State, price float64, now time.Time) (*types.OrderIntent, *Veto) {
	pos, ok := st.Positions[sig.Symbol]
	if !ok || pos.Quantity == 0 {
		return nil, &Veto{Symbol: sig.Symbol, Reason: VetoNoPosition}
	}
	side := types.Sell
	if pos.Quantity < 0 {
		side = types.Buy
	}
	return &types.OrderIntent{
		Symbol:    sig.Symbol,
		Side:      side,
		Quantity:  math.Abs(pos.Quantity),
		OrderType: types.Market,
		CreatedAt: now,
		Action:    types.Exit,
		Price:     price,
	}, nil
}

// Gate runs Size and the resulting reservation as one atomic step on the
// account book.
type Gate struct {
	book   *account.Book
	limits Limits
	newID  func() string
}

func NewGate(book *account.Book, limits Limits) *Gate {
	return &Gate{book: book, limits: limits, newID: uuid.NewString}
}

func (g *Gate) Limits() Limits { return g.limits }

func (g *Gate) SizeAndReserve(sig types.Signal, price float64, now time.Time) (*types.OrderIntent, *Veto) {
	var (
		intent *types.OrderIntent
		v      *Veto
	)
	g.book.Atomically(func(st account.State) *account.Reservation {
		intent, v = Size(sig, st, price, now, g.limits)
		if intent == nil {
			return nil
		}
		intent.ID = g.newID()
		if intent.Action == types.Exit {
			return nil
		}
		return &account.Reservation{IntentID: intent.ID, Symbol: intent.Symbol, Notional: intent.Notional()}
	})
	return intent, v
}
