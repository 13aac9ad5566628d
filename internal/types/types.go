package types

import (
	"math"
	"time"
)

type Candle struct {
	Ts                          int64
	Open, High, Low, Close, Vol float64
}

// FeatureSnapshot is one bar's indicator vector for a symbol. Names keeps the
// producer's column order; Values is keyed by the same names.
type FeatureSnapshot struct {
	Symbol    string             `json:"symbol"`
	Timestamp time.Time          `json:"timestamp"`
	Price     float64            `json:"price"`
	Names     []string           `json:"names"`
	Values    map[string]float64 `json:"values"`
}

// Vector returns the values for names in order. Missing names are NaN.
func (s FeatureSnapshot) Vector(names []string) []float64 {
	out := make([]float64, len(names))
	for i, n := range names {
		v, ok := s.Values[n]
		if !ok {
			v = math.NaN()
		}
		out[i] = v
	}
	return out
}

type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
	Flat  Direction = "flat"
)

// Opposite returns the reverse direction; flat has no opposite.
func (d Direction) Opposite() Direction {
	switch d {
	case Long:
		return Short
	case Short:
		return Long
	}
	return Flat
}

type ForecastKind string

const (
	KindClassifier ForecastKind = "classifier"
	KindRegressor  ForecastKind = "regressor"
)

type ModelForecast struct {
	Kind                ForecastKind `json:"kind"`
	Symbol              string       `json:"symbol"`
	Timestamp           time.Time    `json:"timestamp"`
	Direction           Direction    `json:"direction"`
	DirectionConfidence float64      `json:"direction_confidence"`
	ExpectedReturn      float64      `json:"expected_return"`
	ModelVersion        string       `json:"model_version"`
}

type Action string

const (
	EnterLong  Action = "enter_long"
	EnterShort Action = "enter_short"
	Exit       Action = "exit"
	Hold       Action = "hold"
)

type Signal struct {
	Symbol         string    `json:"symbol"`
	Timestamp      time.Time `json:"timestamp"`
	Action         Action    `json:"action"`
	Strength       float64   `json:"strength"`
	ExpectedReturn float64   `json:"expected_return"`
	Reason         string    `json:"reason,omitempty"`
}

// Holding is the fuser's view of the open position on a symbol.
type Holding struct {
	Direction  Direction
	EntryPrice float64
}

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Sign is +1 for buy and -1 for sell.
func (s Side) Sign() float64 {
	if s == Sell {
		return -1
	}
	return 1
}

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

type OrderIntent struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Quantity   float64   `json:"quantity"`
	OrderType  OrderType `json:"order_type"`
	LimitPrice float64   `json:"limit_price,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	// Action is the signal that produced the intent: an entry opens a
	// position, an exit closes the symbol's open position.
	Action Action  `json:"action"`
	Price  float64 `json:"price"`
	Reason string  `json:"reason,omitempty"`
}

// Notional is the reference value of the intent at sizing time.
func (i OrderIntent) Notional() float64 {
	return i.Quantity * i.Price
}

type OrderState string

const (
	StateCreated         OrderState = "Created"
	StateSubmitted       OrderState = "Submitted"
	StatePartiallyFilled OrderState = "PartiallyFilled"
	StateFilled          OrderState = "Filled"
	StateRejected        OrderState = "Rejected"
	StateCancelled       OrderState = "Cancelled"
)

func (s OrderState) Terminal() bool {
	return s == StateFilled || s == StateRejected || s == StateCancelled
}

type Order struct {
	IntentID      string     `json:"intent_id"`
	Symbol        string     `json:"symbol"`
	BrokerOrderID string     `json:"broker_order_id,omitempty"`
	State         OrderState `json:"state"`
	FilledQty     float64    `json:"filled_quantity"`
	AvgFillPrice  float64    `json:"avg_fill_price"`
	LastUpdate    time.Time  `json:"last_update"`
	Reason        string     `json:"reason,omitempty"`
	Attempts      int        `json:"attempts,omitempty"`
	Stale         bool       `json:"stale,omitempty"`
	CancelSent    bool       `json:"cancel_sent,omitempty"`
	// Settled is set once the terminal position effect has been applied.
	Settled bool `json:"settled,omitempty"`
}

type Position struct {
	ID          string     `json:"id"`
	Symbol      string     `json:"symbol"`
	Quantity    float64    `json:"quantity"`
	EntryPrice  float64    `json:"entry_price"`
	OpenedAt    time.Time  `json:"opened_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	ExitPrice   float64    `json:"exit_price,omitempty"`
	RealizedPnL *float64   `json:"realized_pnl,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

func (p Position) Open() bool { return p.ClosedAt == nil }

func (p Position) Direction() Direction {
	switch {
	case p.Quantity > 0:
		return Long
	case p.Quantity < 0:
		return Short
	}
	return Flat
}

// Side is the side of the order that opened the position.
func (p Position) Side() Side {
	if p.Quantity < 0 {
		return Sell
	}
	return Buy
}

type LedgerEntry struct {
	Position    Position `json:"position"`
	ReturnPct   float64  `json:"return_pct"`
	EquityAfter float64  `json:"equity_after"`
}

type Summary struct {
	CumulativeReturn float64  `json:"cumulative_return"`
	WinRate          *float64 `json:"win_rate"`
	TradeCount       int      `json:"trade_count"`
	MaxDrawdown      float64  `json:"max_drawdown"`
	Equity           float64  `json:"equity"`
}

// StatusKind tags a broker order status event.
type StatusKind string

const (
	StatusAccepted    StatusKind = "accepted"
	StatusPartialFill StatusKind = "partial_fill"
	StatusFilled      StatusKind = "filled"
	StatusRejected    StatusKind = "rejected"
	StatusCancelled   StatusKind = "cancelled"
)

func (k StatusKind) Terminal() bool {
	return k == StatusFilled || k == StatusRejected || k == StatusCancelled
}

type OrderStatus struct {
	BrokerOrderID string     `json:"broker_order_id"`
	Kind          StatusKind `json:"kind"`
	FilledQty     float64    `json:"filled_quantity"`
	AvgFillPrice  float64    `json:"avg_fill_price"`
	Reason        string     `json:"reason,omitempty"`
	Time          time.Time  `json:"time"`
}

type AccountInfo struct {
	Equity      float64 `json:"equity"`
	BuyingPower float64 `json:"buying_power"`
}

type StepResult struct {
	Symbol string       `json:"symbol"`
	Signal Signal       `json:"signal"`
	Price  float64      `json:"price"`
	Time   time.Time    `json:"time"`
	Intent *OrderIntent `json:"intent,omitempty"`
	Veto   string       `json:"veto,omitempty"`
	Reason string       `json:"reason"`
}
