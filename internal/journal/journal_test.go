package journal

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ml-trading-bot/internal/account"
	"ml-trading-bot/internal/types"
)

func intent(id string) *types.OrderIntent {
	return &types.OrderIntent{ID: id, Symbol: "TCS", Side: types.Buy, Quantity: 10, OrderType: types.Market, Action: types.EnterLong, Price: 50}
}

func TestReplayLastWriteWins(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	in := intent("a")
	must(t, j.Append(Record{Event: "created", Intent: in, Order: &types.Order{IntentID: "a", Symbol: "TCS", State: types.StateCreated}}))
	must(t, j.Append(Record{Event: "submitted", Order: &types.Order{IntentID: "a", Symbol: "TCS", State: types.StateSubmitted, BrokerOrderID: "B1"}}))
	must(t, j.Append(Record{Event: "filled", Order: &types.Order{IntentID: "a", Symbol: "TCS", State: types.StateFilled, FilledQty: 10, AvgFillPrice: 50, Settled: true},
		Positions: []types.Position{{ID: "a", Symbol: "TCS", Quantity: 10, EntryPrice: 50, OpenedAt: time.Now()}}}))
	must(t, j.Close())

	j, err = Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	st, err := j.Replay()
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	o := st.Orders["a"]
	if o.State != types.StateFilled || o.BrokerOrderID != "" || !o.Settled {
		t.Errorf("order = %+v", o)
	}
	if st.Intents["a"].Quantity != 10 {
		t.Errorf("intent lost: %+v", st.Intents)
	}
	if open := st.OpenPositions(); len(open) != 1 || open[0].ID != "a" {
		t.Errorf("open positions = %+v", open)
	}
}

func TestUnrecordedPositions(t *testing.T) {
	j, _ := Open(t.TempDir())
	defer j.Close()
	closed := time.Now()
	pnl := 5.0
	must(t, j.Append(Record{Event: "closed", Positions: []types.Position{
		{ID: "p1", Symbol: "TCS", Quantity: 1, EntryPrice: 10, ClosedAt: &closed, ExitPrice: 15, RealizedPnL: &pnl},
		{ID: "p2", Symbol: "INFY", Quantity: 1, EntryPrice: 10, ClosedAt: &closed, ExitPrice: 15, RealizedPnL: &pnl},
	}}))
	must(t, j.Append(Record{Event: "recorded", Recorded: []string{"p1"}}))
	st, _ := j.Replay()
	if un := st.Unrecorded(); len(un) != 1 || un[0].ID != "p2" {
		t.Errorf("unrecorded = %+v", un)
	}
}

func TestReplayCorruptLine(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ordersFile)
	body := `{"event":"created","order":{"intent_id":"a","state":"Created"}}` + "\n" + "{not json}\n" + `{"event":"x"}` + "\n"
	must(t, os.WriteFile(p, []byte(body), 0o644))
	j, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	if _, err := j.Replay(); !errors.Is(err, types.ErrStateCorrupt) {
		t.Fatalf("expected ErrStateCorrupt, got %v", err)
	}
}

func TestOpenTrimsTornTail(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ordersFile)
	must(t, os.WriteFile(p, []byte(`{"event":"a","order":{"intent_id":"a","state":"Submitted"}}`+"\n"+`{"event":"b","ord`), 0o644))
	j, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	must(t, j.Append(Record{Event: "c", Order: &types.Order{IntentID: "c", State: types.StateCreated}}))
	st, err := j.Replay()
	if err != nil {
		t.Fatalf("Replay after torn tail: %v", err)
	}
	if len(st.Orders) != 2 {
		t.Errorf("orders = %+v", st.Orders)
	}
}

func TestCompactKeepsLiveState(t *testing.T) {
	j, _ := Open(t.TempDir())
	defer j.Close()
	closed := time.Now()
	must(t, j.Append(Record{Intent: intent("done"), Order: &types.Order{IntentID: "done", State: types.StateFilled, Settled: true}}))
	must(t, j.Append(Record{Intent: intent("live"), Order: &types.Order{IntentID: "live", State: types.StateSubmitted, BrokerOrderID: "B"}}))
	must(t, j.Append(Record{Positions: []types.Position{
		{ID: "open", Symbol: "TCS", Quantity: 3},
		{ID: "gone", Symbol: "SBIN", Quantity: 3, ClosedAt: &closed},
	}, Recorded: []string{"gone"}}))
	st, _ := j.Replay()
	must(t, j.Compact(st))
	must(t, j.Append(Record{Event: "after", Order: &types.Order{IntentID: "new", State: types.StateCreated}}))

	got, err := j.Replay()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got.Orders["done"]; ok {
		t.Error("settled terminal order survived compaction")
	}
	if got.Orders["live"].BrokerOrderID != "B" || got.Intents["live"].ID != "live" {
		t.Errorf("live order lost: %+v", got.Orders)
	}
	if _, ok := got.Positions["gone"]; ok {
		t.Error("recorded position survived compaction")
	}
	if _, ok := got.Orders["new"]; !ok {
		t.Error("append after compaction lost")
	}
}

func TestAccountSnapshot(t *testing.T) {
	j, _ := Open(t.TempDir())
	defer j.Close()
	if st, err := j.LoadAccount(); err != nil || st != nil {
		t.Fatalf("empty dir: %v %v", st, err)
	}
	b := account.NewBook(5000)
	b.Open("x", "TCS", 2, 100)
	must(t, j.SaveAccount(b.Snapshot()))
	st, err := j.LoadAccount()
	if err != nil {
		t.Fatal(err)
	}
	if st.Equity != 5000 || st.Positions["TCS"].Quantity != 2 {
		t.Errorf("account = %+v", st)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
