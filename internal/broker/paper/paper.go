// Package paper is a simulated broker. Market orders fill at the intent's
// reference price (plus slippage), limit orders at their limit, and status
// events are published asynchronously on Updates.
package paper

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"ml-trading-bot/internal/interfaces"
	"ml-trading-bot/internal/logger"
	"ml-trading-bot/internal/types"
)

type Config struct {
	StartingEquity float64
	// FillDelay is how long an order rests before it fills.
	FillDelay time.Duration
	// PartialFills splits each fill into two events.
	PartialFills bool
	// Slippage is applied against the order side as a fraction of price.
	Slippage float64
	LotSize  float64
	// Manual leaves orders resting until Fill is called.
	Manual bool
}

type order struct {
	intent types.OrderIntent
	status types.OrderStatus
}

type Broker struct {
	cfg Config

	mu        sync.Mutex
	orders    map[string]*order
	cash      float64
	holdings  map[string]float64
	lastPrice map[string]float64
	down      error

	updates chan types.OrderStatus
	wg      sync.WaitGroup
	done    chan struct{}
	stopped bool
}

var (
	_ interfaces.Broker       = (*Broker)(nil)
	_ interfaces.StatusStream = (*Broker)(nil)
)

func New(cfg Config) *Broker {
	if cfg.LotSize <= 0 {
		cfg.LotSize = 1
	}
	return &Broker{
		cfg:       cfg,
		orders:    map[string]*order{},
		cash:      cfg.StartingEquity,
		holdings:  map[string]float64{},
		lastPrice: map[string]float64{},
		updates:   make(chan types.OrderStatus, 256),
		done:      make(chan struct{}),
	}
}

// SetUnavailable makes every call fail with err until cleared with nil.
func (b *Broker) SetUnavailable(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = err
}

func (b *Broker) unavailable() error {
	if b.down != nil {
		return fmt.Errorf("paper: %v: %w", b.down, types.ErrBrokerUnavailable)
	}
	return nil
}

func (b *Broker) Updates() <-chan types.OrderStatus { return b.updates }

func (b *Broker) Start(ctx context.Context, symbols []string) error {
	logger.Info(ctx, "Paper broker started", "symbols", len(symbols), "equity", b.cfg.StartingEquity)
	return nil
}

// Stop waits for pending fills to finish publishing.
func (b *Broker) Stop(ctx context.Context) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	close(b.done)
	b.mu.Unlock()
	b.wg.Wait()
	logger.Info(ctx, "Paper broker stopped")
}

func (b *Broker) SubmitOrder(ctx context.Context, in types.OrderIntent) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.unavailable(); err != nil {
		return "", err
	}
	if in.Quantity <= 0 {
		return "", fmt.Errorf("paper: non-positive quantity %v", in.Quantity)
	}
	if b.stopped {
		return "", fmt.Errorf("paper: stopped: %w", types.ErrBrokerUnavailable)
	}
	id := uuid.NewString()
	o := &order{intent: in, status: types.OrderStatus{BrokerOrderID: id, Kind: types.StatusAccepted, Time: time.Now()}}
	b.orders[id] = o
	b.lastPrice[in.Symbol] = in.Price
	b.publish(o.status)

	if !b.cfg.Manual {
		b.wg.Add(1)
		go b.fillLater(id)
	}
	logger.Debug(ctx, "Paper order accepted", "broker_order_id", id, "symbol", in.Symbol, "side", in.Side, "quantity", in.Quantity)
	return id, nil
}

func (b *Broker) fillLater(id string) {
	defer b.wg.Done()
	if b.cfg.FillDelay > 0 {
		t := time.NewTimer(b.cfg.FillDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-b.done:
			return
		}
	}
	b.mu.Lock()
	o, ok := b.orders[id]
	if !ok || o.status.Kind.Terminal() {
		b.mu.Unlock()
		return
	}
	qty := o.intent.Quantity
	b.mu.Unlock()

	if b.cfg.PartialFills {
		if half := math.Floor(qty/2/b.cfg.LotSize) * b.cfg.LotSize; half > 0 && half < qty {
			_ = b.Fill(id, half)
		}
	}
	_ = b.Fill(id, qty)
}

func (b *Broker) fillPrice(in types.OrderIntent) float64 {
	if in.OrderType == types.Limit && in.LimitPrice > 0 {
		return in.LimitPrice
	}
	return in.Price * (1 + in.Side.Sign()*b.cfg.Slippage)
}

// Fill advances the order's cumulative filled quantity to filled.
func (b *Broker) Fill(id string, filled float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[id]
	if !ok {
		return fmt.Errorf("paper %s: %w", id, types.ErrUnknownOrder)
	}
	if o.status.Kind.Terminal() {
		return fmt.Errorf("paper %s: %w", id, types.ErrAlreadyTerminal)
	}
	filled = math.Min(filled, o.intent.Quantity)
	delta := filled - o.status.FilledQty
	if delta <= 0 {
		return nil
	}
	px := b.fillPrice(o.intent)
	sign := o.intent.Side.Sign()
	b.cash -= sign * delta * px
	b.holdings[o.intent.Symbol] += sign * delta
	b.lastPrice[o.intent.Symbol] = px

	o.status.FilledQty = filled
	o.status.AvgFillPrice = px
	o.status.Time = time.Now()
	o.status.Kind = types.StatusPartialFill
	if filled >= o.intent.Quantity {
		o.status.Kind = types.StatusFilled
	}
	b.publish(o.status)
	return nil
}

// Reject fails a resting order.
func (b *Broker) Reject(id, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[id]
	if !ok {
		return fmt.Errorf("paper %s: %w", id, types.ErrUnknownOrder)
	}
	if o.status.Kind.Terminal() {
		return fmt.Errorf("paper %s: %w", id, types.ErrAlreadyTerminal)
	}
	o.status.Kind = types.StatusRejected
	o.status.Reason = reason
	o.status.Time = time.Now()
	b.publish(o.status)
	return nil
}

// publish must be called with b.mu held. A full channel drops the event;
// PollStatus still reports it.
func (b *Broker) publish(s types.OrderStatus) {
	select {
	case b.updates <- s:
	default:
		logger.Warn(context.Background(), "Paper status update dropped", "broker_order_id", s.BrokerOrderID, "kind", s.Kind)
	}
}

func (b *Broker) PollStatus(_ context.Context, id string) (types.OrderStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.unavailable(); err != nil {
		return types.OrderStatus{}, err
	}
	o, ok := b.orders[id]
	if !ok {
		return types.OrderStatus{}, fmt.Errorf("paper %s: %w", id, types.ErrUnknownOrder)
	}
	return o.status, nil
}

func (b *Broker) CancelOrder(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.unavailable(); err != nil {
		return err
	}
	o, ok := b.orders[id]
	if !ok {
		return fmt.Errorf("paper %s: %w", id, types.ErrUnknownOrder)
	}
	if o.status.Kind.Terminal() {
		return fmt.Errorf("paper %s: %w", id, types.ErrAlreadyTerminal)
	}
	o.status.Kind = types.StatusCancelled
	o.status.Reason = "cancelled"
	o.status.Time = time.Now()
	b.publish(o.status)
	return nil
}

// Account marks holdings at the last fill or reference price.
func (b *Broker) Account(context.Context) (types.AccountInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.unavailable(); err != nil {
		return types.AccountInfo{}, err
	}
	equity := b.cash
	for sym, q := range b.holdings {
		equity += q * b.lastPrice[sym]
	}
	return types.AccountInfo{Equity: equity, BuyingPower: b.cash}, nil
}
