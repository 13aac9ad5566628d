package brokerobs

import (
	"context"
	"testing"

	"ml-trading-bot/internal/broker/paper"
	"ml-trading-bot/internal/interfaces"
	"ml-trading-bot/internal/types"
)

func TestWrapKeepsStatusStream(t *testing.T) {
	b := Wrap(paper.New(paper.Config{Manual: true}))
	stream, ok := b.(interfaces.StatusStream)
	if !ok {
		t.Fatal("wrapped paper broker lost its status stream")
	}
	id, err := b.SubmitOrder(context.Background(), types.OrderIntent{ID: "i", Symbol: "TCS", Side: types.Buy, Quantity: 1, Price: 10})
	if err != nil {
		t.Fatal(err)
	}
	if s := <-stream.Updates(); s.BrokerOrderID != id || s.Kind != types.StatusAccepted {
		t.Fatalf("update: %+v", s)
	}
	if _, ok := b.(interfaces.CandleSource); ok {
		t.Error("paper broker does not serve candles")
	}
}
