package paper

import (
	"context"
	"errors"
	"testing"
	"time"

	"ml-trading-bot/internal/types"
)

func intent(side types.Side, qty, px float64) types.OrderIntent {
	return types.OrderIntent{ID: "i1", Symbol: "TCS", Side: side, Quantity: qty, OrderType: types.Market, Price: px}
}

func next(t *testing.T, b *Broker) types.OrderStatus {
	t.Helper()
	select {
	case s := <-b.Updates():
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no status update")
	}
	return types.OrderStatus{}
}

func TestMarketOrderFillsAsync(t *testing.T) {
	b := New(Config{StartingEquity: 10000, PartialFills: true})
	defer b.Stop(context.Background())
	id, err := b.SubmitOrder(context.Background(), intent(types.Buy, 10, 100))
	if err != nil {
		t.Fatal(err)
	}
	want := []struct {
		kind types.StatusKind
		qty  float64
	}{{types.StatusAccepted, 0}, {types.StatusPartialFill, 5}, {types.StatusFilled, 10}}
	for _, w := range want {
		s := next(t, b)
		if s.BrokerOrderID != id || s.Kind != w.kind || s.FilledQty != w.qty {
			t.Fatalf("got %+v want %v/%v", s, w.kind, w.qty)
		}
	}
	acct, err := b.Account(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if acct.Equity != 10000 || acct.BuyingPower != 9000 {
		t.Errorf("account: %+v", acct)
	}
	s, _ := b.PollStatus(context.Background(), id)
	if s.Kind != types.StatusFilled || s.AvgFillPrice != 100 {
		t.Errorf("poll: %+v", s)
	}
}

func TestManualFillAndCancel(t *testing.T) {
	b := New(Config{StartingEquity: 10000, Manual: true, Slippage: 0.01})
	ctx := context.Background()
	id, _ := b.SubmitOrder(ctx, intent(types.Sell, 4, 100))
	next(t, b)
	if err := b.Fill(id, 2); err != nil {
		t.Fatal(err)
	}
	if s := next(t, b); s.Kind != types.StatusPartialFill || s.AvgFillPrice != 99 {
		t.Fatalf("partial: %+v", s)
	}
	if err := b.CancelOrder(ctx, id); err != nil {
		t.Fatal(err)
	}
	if s := next(t, b); s.Kind != types.StatusCancelled || s.FilledQty != 2 {
		t.Fatalf("cancel: %+v", s)
	}
	if err := b.CancelOrder(ctx, id); !errors.Is(err, types.ErrAlreadyTerminal) {
		t.Errorf("second cancel: %v", err)
	}
}

func TestUnavailable(t *testing.T) {
	b := New(Config{Manual: true})
	b.SetUnavailable(errors.New("maintenance"))
	if _, err := b.SubmitOrder(context.Background(), intent(types.Buy, 1, 10)); !errors.Is(err, types.ErrBrokerUnavailable) {
		t.Fatalf("submit: %v", err)
	}
	if _, err := b.Account(context.Background()); !errors.Is(err, types.ErrBrokerUnavailable) {
		t.Fatalf("account: %v", err)
	}
	b.SetUnavailable(nil)
	if _, err := b.SubmitOrder(context.Background(), intent(types.Buy, 1, 10)); err != nil {
		t.Fatal(err)
	}
}

func TestLimitFillsAtLimit(t *testing.T) {
	b := New(Config{Manual: true})
	in := intent(types.Buy, 1, 100)
	in.OrderType, in.LimitPrice = types.Limit, 99.5
	id, _ := b.SubmitOrder(context.Background(), in)
	if err := b.Fill(id, 1); err != nil {
		t.Fatal(err)
	}
	if s, _ := b.PollStatus(context.Background(), id); s.AvgFillPrice != 99.5 || s.Kind != types.StatusFilled {
		t.Fatalf("status: %+v", s)
	}
}
