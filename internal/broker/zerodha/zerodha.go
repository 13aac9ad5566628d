// Package zerodha is the LIVE broker: orders go through the Kite Connect
// REST API, order updates and market ticks arrive over the Kite WebSocket.
package zerodha

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"ml-trading-bot/internal/interfaces"
	"ml-trading-bot/internal/logger"
	"ml-trading-bot/internal/types"
)

const (
	varietyRegular = "regular"
	validityDay    = "DAY"
	tagLen         = 20
)

// kiteClient is the subset of *kiteconnect.Client the adapter uses.
type kiteClient interface {
	PlaceOrder(variety string, orderParams kiteconnect.OrderParams) (kiteconnect.OrderResponse, error)
	GetOrderHistory(orderID string) ([]kiteconnect.Order, error)
	CancelOrder(variety string, orderID string, parentOrderID *string) (kiteconnect.OrderResponse, error)
	GetUserMargins() (kiteconnect.AllMargins, error)
	GetInstrumentsByExchange(exchange string) (kiteconnect.Instruments, error)
}

type Params struct {
	APIKey      string
	AccessToken string
	Exchange    string
	Product     string
	// Tokens pins instrument tokens; symbols not listed are looked up from
	// the exchange's instrument dump on Start.
	Tokens map[string]uint32
}

type Zerodha struct {
	p       Params
	kc      kiteClient
	mapper  *instrumentMapper
	ticker  TickerManager
	cache   *candleCache
	updates chan types.OrderStatus

	mu      sync.Mutex
	started bool
}

var (
	_ interfaces.Broker       = (*Zerodha)(nil)
	_ interfaces.StatusStream = (*Zerodha)(nil)
	_ interfaces.CandleSource = (*Zerodha)(nil)
)

func NewZerodha(p Params) (*Zerodha, error) {
	if p.APIKey == "" || p.AccessToken == "" {
		return nil, errors.New("zerodha: missing API key/access token")
	}
	kc := kiteconnect.New(p.APIKey)
	kc.SetAccessToken(p.AccessToken)
	return newWithClient(p, kc), nil
}

func newWithClient(p Params, kc kiteClient) *Zerodha {
	z := &Zerodha{
		p:       p,
		kc:      kc,
		mapper:  newInstrumentMapper(p.Tokens),
		updates: make(chan types.OrderStatus, 256),
	}
	tm := newTickerManager(p.APIKey, p.AccessToken, z.mapper, z.forwardOrder)
	z.ticker, z.cache = tm, tm.cache
	return z
}

func unavailable(op string, err error) error {
	return fmt.Errorf("kite %s: %v: %w", op, err, types.ErrBrokerUnavailable)
}

func (z *Zerodha) Updates() <-chan types.OrderStatus { return z.updates }

// Start resolves instrument tokens, opens the WebSocket and subscribes the
// universe.
func (z *Zerodha) Start(ctx context.Context, symbols []string) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.started {
		return nil
	}
	if err := z.resolveTokens(ctx, symbols); err != nil {
		return err
	}
	if err := z.ticker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start ticker manager: %w", err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(connectWait):
	}
	if err := z.ticker.Subscribe(ctx, symbols); err != nil {
		return fmt.Errorf("failed to subscribe to symbols: %w", err)
	}
	z.started = true
	return nil
}

func (z *Zerodha) resolveTokens(ctx context.Context, symbols []string) error {
	_, missing := z.mapper.tokensFor(symbols)
	if len(missing) == 0 {
		return nil
	}
	insts, err := z.kc.GetInstrumentsByExchange(z.p.Exchange)
	if err != nil {
		return unavailable("instruments", err)
	}
	learned := z.mapper.learn(insts, missing)
	if _, still := z.mapper.tokensFor(symbols); len(still) > 0 {
		return fmt.Errorf("zerodha: no %s instrument for %v", z.p.Exchange, still)
	}
	logger.Info(ctx, "Instrument tokens resolved", "exchange", z.p.Exchange, "learned", learned, "mapped", z.mapper.size())
	return nil
}

func (z *Zerodha) Stop(ctx context.Context) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.started {
		z.ticker.Stop(ctx)
		z.started = false
	}
}

func (z *Zerodha) RecentCandles(_ context.Context, symbol string, n int) ([]types.Candle, error) {
	return z.ticker.GetRecentCandles(symbol, n)
}

// orderTag fits the intent id into Kite's tag limit.
func orderTag(intentID string) string {
	t := strings.ReplaceAll(intentID, "-", "")
	if len(t) > tagLen {
		t = t[:tagLen]
	}
	return t
}

func (z *Zerodha) SubmitOrder(ctx context.Context, in types.OrderIntent) (string, error) {
	qty := int(math.Round(in.Quantity))
	if qty <= 0 {
		return "", fmt.Errorf("zerodha: quantity %v rounds to zero", in.Quantity)
	}
	params := kiteconnect.OrderParams{
		Exchange:        z.p.Exchange,
		Tradingsymbol:   in.Symbol,
		Validity:        validityDay,
		Product:         z.p.Product,
		OrderType:       "MARKET",
		TransactionType: strings.ToUpper(string(in.Side)),
		Quantity:        qty,
		Tag:             orderTag(in.ID),
	}
	if in.OrderType == types.Limit {
		params.OrderType = "LIMIT"
		params.Price = math.Round(in.LimitPrice*20) / 20
	}
	resp, err := z.kc.PlaceOrder(varietyRegular, params)
	if err != nil {
		return "", unavailable("place order", err)
	}
	logger.Debug(ctx, "Kite order placed", "order_id", resp.OrderID, "symbol", in.Symbol, "tag", params.Tag)
	return resp.OrderID, nil
}

func (z *Zerodha) PollStatus(_ context.Context, id string) (types.OrderStatus, error) {
	hist, err := z.kc.GetOrderHistory(id)
	if err != nil {
		return types.OrderStatus{}, unavailable("order history", err)
	}
	if len(hist) == 0 {
		return types.OrderStatus{}, fmt.Errorf("kite order %s: %w", id, types.ErrUnknownOrder)
	}
	return statusFromKite(hist[len(hist)-1]), nil
}

// CancelOrder returns types.ErrAlreadyTerminal when Kite refuses the cancel
// and the order history shows the order already completed, was cancelled
// or was rejected. Only network and general failures count as unavailable.
func (z *Zerodha) CancelOrder(_ context.Context, id string) error {
	_, err := z.kc.CancelOrder(varietyRegular, id, nil)
	if err == nil {
		return nil
	}
	switch kiteErrorType(err) {
	case kiteconnect.InputError, kiteconnect.OrderError:
	default:
		return unavailable("cancel order", err)
	}
	hist, herr := z.kc.GetOrderHistory(id)
	if herr == nil && len(hist) > 0 {
		switch statusFromKite(hist[len(hist)-1]).Kind {
		case types.StatusFilled, types.StatusCancelled, types.StatusRejected:
			return fmt.Errorf("kite order %s: %v: %w", id, err, types.ErrAlreadyTerminal)
		}
	}
	return fmt.Errorf("kite cancel %s refused: %w", id, err)
}

func kiteErrorType(err error) string {
	var ke kiteconnect.Error
	if errors.As(err, &ke) {
		return ke.ErrorType
	}
	var pke *kiteconnect.Error
	if errors.As(err, &pke) && pke != nil {
		return pke.ErrorType
	}
	return ""
}

var errStreamLost = errors.New("order stream lost")

func (z *Zerodha) Account(context.Context) (types.AccountInfo, error) {
	if z.ticker.Lost() {
		return types.AccountInfo{}, unavailable("stream", errStreamLost)
	}
	m, err := z.kc.GetUserMargins()
	if err != nil {
		return types.AccountInfo{}, unavailable("margins", err)
	}
	return types.AccountInfo{Equity: m.Equity.Net, BuyingPower: m.Equity.Available.Cash}, nil
}

func (z *Zerodha) forwardOrder(o kiteconnect.Order) {
	s := statusFromKite(o)
	select {
	case z.updates <- s:
	default:
		logger.Warn(context.Background(), "Order update dropped, channel full", "order_id", o.OrderID, "status", o.Status)
	}
}

// statusFromKite maps a Kite order snapshot to a status event. Every
// non-final Kite status is accepted, or partial_fill once something filled.
func statusFromKite(o kiteconnect.Order) types.OrderStatus {
	s := types.OrderStatus{
		BrokerOrderID: o.OrderID,
		FilledQty:     float64(o.FilledQuantity),
		AvgFillPrice:  float64(o.AveragePrice),
		Reason:        o.StatusMessage,
		Time:          time.Now(),
	}
	switch strings.ToUpper(o.Status) {
	case "COMPLETE":
		s.Kind = types.StatusFilled
	case "CANCELLED", "CANCELLED AMO":
		s.Kind = types.StatusCancelled
	case "REJECTED":
		s.Kind = types.StatusRejected
	default:
		s.Kind = types.StatusAccepted
		if s.FilledQty > 0 {
			s.Kind = types.StatusPartialFill
		}
	}
	return s
}
