package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"ml-trading-bot/internal/account"
	"ml-trading-bot/internal/alert"
	"ml-trading-bot/internal/broker/paper"
	"ml-trading-bot/internal/journal"
	"ml-trading-bot/internal/ledger"
	"ml-trading-bot/internal/orders"
	"ml-trading-bot/internal/risk"
	"ml-trading-bot/internal/store"
	"ml-trading-bot/internal/tradelog"
	"ml-trading-bot/internal/types"
)

type stubFeatures struct {
	mu     sync.Mutex
	now    func() time.Time
	prices map[string]float64
	errs   map[string]error
}

func (f *stubFeatures) set(sym string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[sym] = price
}

func (f *stubFeatures) Latest(_ context.Context, sym string) (types.FeatureSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[sym]; err != nil {
		return types.FeatureSnapshot{}, err
	}
	return types.FeatureSnapshot{
		Symbol:    sym,
		Timestamp: f.now(),
		Price:     f.prices[sym],
		Names:     []string{"x"},
		Values:    map[string]float64{"x": 1},
	}, nil
}

type forecast struct {
	dir  types.Direction
	conf float64
	ret  float64
}

// stubModel serves as both classifier and regressor.
type stubModel struct {
	mu    sync.Mutex
	by    map[string]forecast
	calls int
}

func (m *stubModel) set(sym string, dir types.Direction, conf, ret float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.by[sym] = forecast{dir: dir, conf: conf, ret: ret}
}

func (m *stubModel) get(sym string) forecast {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	f, ok := m.by[sym]
	if !ok {
		return forecast{dir: types.Flat, conf: 0.5}
	}
	return f
}

func (m *stubModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *stubModel) PredictDirection(_ context.Context, s types.FeatureSnapshot) (types.ModelForecast, error) {
	f := m.get(s.Symbol)
	return types.ModelForecast{Kind: types.KindClassifier, Symbol: s.Symbol, Timestamp: s.Timestamp,
		Direction: f.dir, DirectionConfidence: f.conf, ModelVersion: "test"}, nil
}

func (m *stubModel) PredictReturn(_ context.Context, s types.FeatureSnapshot) (types.ModelForecast, error) {
	f := m.get(s.Symbol)
	return types.ModelForecast{Kind: types.KindRegressor, Symbol: s.Symbol, Timestamp: s.Timestamp,
		Direction: f.dir, ExpectedReturn: f.ret, ModelVersion: "test"}, nil
}

type fakeObserver struct {
	mu         sync.Mutex
	signals    map[types.Action]int
	vetoes     map[string]int
	stepErrors map[string]int
	open       int
	cycles     int
}

func newFakeObserver() *fakeObserver {
	return &fakeObserver{signals: map[types.Action]int{}, vetoes: map[string]int{}, stepErrors: map[string]int{}}
}

func (o *fakeObserver) Signal(a types.Action) { o.mu.Lock(); o.signals[a]++; o.mu.Unlock() }
func (o *fakeObserver) Veto(r string)         { o.mu.Lock(); o.vetoes[r]++; o.mu.Unlock() }
func (o *fakeObserver) StepError(s string)    { o.mu.Lock(); o.stepErrors[s]++; o.mu.Unlock() }
func (o *fakeObserver) OpenPositions(n int)   { o.mu.Lock(); o.open = n; o.mu.Unlock() }
func (o *fakeObserver) CycleDuration(time.Duration) {
	o.mu.Lock()
	o.cycles++
	o.mu.Unlock()
}
func (o *fakeObserver) Performance(types.Summary) {}

func (o *fakeObserver) vetoCount(r string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.vetoes[r]
}

type harness struct {
	eng     *Engine
	broker  *paper.Broker
	mgr     *orders.Manager
	book    *account.Book
	ledger  *ledger.Ledger
	feats   *stubFeatures
	model   *stubModel
	alerts  *alert.Memory
	obs     *fakeObserver
	journal *journal.Journal
}

const baseConfig = `
universe: [AAA, BBB]
poll_interval: 10ms
model:
  classifier_path: clf.yaml
  regressor_path: reg.yaml
`

// monday10 is a Monday mid-session in IST.
var monday10 = time.Date(2024, 3, 4, 10, 0, 0, 0, tradelog.IST)

func newHarness(t *testing.T, extra string, at time.Time, pcfg paper.Config) *harness {
	t.Helper()
	cfg, err := store.ParseConfig([]byte(baseConfig + extra))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	now := func() time.Time { return at }

	j, err := journal.Open(t.TempDir())
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })

	pcfg.StartingEquity = cfg.Risk.StartingEquity
	h := &harness{
		broker:  paper.New(pcfg),
		book:    account.NewBook(cfg.Risk.StartingEquity),
		ledger:  ledger.New(ledger.NewFileStore(tradelog.New(t.TempDir())), cfg.Risk.StartingEquity),
		feats:   &stubFeatures{now: now, prices: map[string]float64{"AAA": 100, "BBB": 200}, errs: map[string]error{}},
		model:   &stubModel{by: map[string]forecast{}},
		alerts:  &alert.Memory{},
		obs:     newFakeObserver(),
		journal: j,
	}
	t.Cleanup(func() { h.broker.Stop(context.Background()) })

	h.mgr = orders.New(orders.ConfigFrom(cfg.Execution), h.broker, h.book, h.ledger, j,
		orders.WithClock(now),
		orders.WithSleep(func(context.Context, time.Duration) error { return nil }),
		orders.WithAlerts(h.alerts),
	)
	h.eng, err = New(cfg, Deps{
		Features:   h.feats,
		Classifier: h.model,
		Regressor:  h.model,
		Broker:     h.broker,
		Orders:     h.mgr,
		Book:       h.book,
		Ledger:     h.ledger,
		Alerts:     h.alerts,
		Observer:   h.obs,
		Now:        now,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return h
}

func (h *harness) step(t *testing.T, sym string) *types.StepResult {
	t.Helper()
	res, err := h.eng.Step(context.Background(), sym)
	if err != nil {
		t.Fatalf("step %s: %v", sym, err)
	}
	return res
}

// fill completes the symbol's in-flight order for qty and lets
// reconciliation apply it.
func (h *harness) fill(t *testing.T, sym string, qty float64) {
	t.Helper()
	o, ok := h.mgr.Pending(sym)
	if !ok {
		t.Fatalf("%s has no pending order", sym)
	}
	if err := h.broker.Fill(o.BrokerOrderID, qty); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if err := h.mgr.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
}

func TestStepEntersLong(t *testing.T) {
	h := newHarness(t, "", monday10, paper.Config{Manual: true})
	h.model.set("AAA", types.Long, 0.8, 0.01)

	res := h.step(t, "AAA")
	if res.Signal.Action != types.EnterLong {
		t.Fatalf("action = %s, want enter_long (%s)", res.Signal.Action, res.Reason)
	}
	if res.Intent == nil {
		t.Fatalf("no intent, veto %q", res.Veto)
	}
	// equity 100000 * risk 0.1 * strength 0.8 / price 100
	if res.Intent.Side != types.Buy || res.Intent.Quantity != 80 {
		t.Fatalf("intent = %s %v, want buy 80", res.Intent.Side, res.Intent.Quantity)
	}
	o, ok := h.mgr.Order(res.Intent.ID)
	if !ok || o.State != types.StateSubmitted {
		t.Fatalf("order = %+v, want Submitted", o)
	}

	h.fill(t, "AAA", 80)
	pos, ok := h.mgr.OpenPosition("AAA")
	if !ok || pos.Quantity != 80 || pos.EntryPrice != 100 {
		t.Fatalf("position = %+v (open %v), want 80 @ 100", pos, ok)
	}
	if got := h.book.Snapshot().Positions["AAA"].Quantity; got != 80 {
		t.Errorf("book exposure = %v, want 80", got)
	}
}

func TestStopLossExitsWithoutConsultingModels(t *testing.T) {
	h := newHarness(t, "", monday10, paper.Config{Manual: true})
	h.model.set("AAA", types.Long, 0.8, 0.01)
	h.step(t, "AAA")
	h.fill(t, "AAA", 80)
	calls := h.model.callCount()

	h.feats.set("AAA", 93)
	res := h.step(t, "AAA")
	if res.Signal.Action != types.Exit || res.Signal.Reason != ReasonStopLoss {
		t.Fatalf("signal = %s %q, want exit stop_loss", res.Signal.Action, res.Signal.Reason)
	}
	if h.model.callCount() != calls {
		t.Errorf("models consulted on a stop exit")
	}
	if res.Intent == nil || res.Intent.Side != types.Sell || res.Intent.Quantity != 80 {
		t.Fatalf("exit intent = %+v, want sell 80", res.Intent)
	}
	if res.Intent.Reason != ReasonStopLoss {
		t.Errorf("intent reason = %q", res.Intent.Reason)
	}

	h.fill(t, "AAA", 80)
	if _, ok := h.mgr.OpenPosition("AAA"); ok {
		t.Fatal("position still open after exit fill")
	}
	entries := h.ledger.Entries()
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(entries))
	}
	if pnl := *entries[0].Position.RealizedPnL; pnl != -560 {
		t.Errorf("realized pnl = %v, want -560", pnl)
	}
	if entries[0].Position.Reason != ReasonStopLoss {
		t.Errorf("close reason = %q", entries[0].Position.Reason)
	}
}

func TestOpposingForecastExits(t *testing.T) {
	h := newHarness(t, "", monday10, paper.Config{Manual: true})
	h.model.set("AAA", types.Long, 0.8, 0.01)
	h.step(t, "AAA")
	h.fill(t, "AAA", 80)

	h.model.set("AAA", types.Short, 0.9, -0.02)
	h.feats.set("AAA", 102)
	res := h.step(t, "AAA")
	if res.Signal.Action != types.Exit {
		t.Fatalf("action = %s, want exit", res.Signal.Action)
	}
	h.fill(t, "AAA", 80)
	if sum := h.ledger.Summary(); sum.TradeCount != 1 || sum.Equity != 100160 {
		t.Fatalf("summary = %+v, want one trade and equity 100160", sum)
	}
}

func TestStepSkipsSymbolWithOrderInFlight(t *testing.T) {
	h := newHarness(t, "", monday10, paper.Config{Manual: true})
	h.model.set("AAA", types.Long, 0.8, 0.01)
	h.step(t, "AAA")
	calls := h.model.callCount()

	res := h.step(t, "AAA")
	if res.Intent != nil || res.Reason != "order in flight" {
		t.Fatalf("second step = %+v, want skip", res)
	}
	if h.model.callCount() != calls {
		t.Error("models consulted for a busy symbol")
	}
}

func TestHoldSubmitsNothing(t *testing.T) {
	h := newHarness(t, "", monday10, paper.Config{Manual: true})

	res := h.step(t, "AAA")
	if res.Signal.Action != types.Hold || res.Signal.Strength != 0 {
		t.Fatalf("signal = %+v, want hold", res.Signal)
	}
	if res.Intent != nil || res.Veto != "" {
		t.Fatalf("hold produced intent %+v veto %q", res.Intent, res.Veto)
	}
	if _, ok := h.mgr.Pending("AAA"); ok {
		t.Fatal("hold left an order pending")
	}
}

func TestEntryOutsideSessionIsVetoed(t *testing.T) {
	extra := `
session:
  enforce: true
  open: "09:15"
  close: "15:30"
`
	evening := time.Date(2024, 3, 4, 16, 0, 0, 0, tradelog.IST)
	h := newHarness(t, extra, evening, paper.Config{Manual: true})
	h.model.set("AAA", types.Long, 0.8, 0.01)

	res := h.step(t, "AAA")
	if res.Veto != VetoSessionClosed || res.Intent != nil {
		t.Fatalf("result = %+v, want session veto", res)
	}
	if h.obs.vetoCount(VetoSessionClosed) != 1 {
		t.Errorf("session veto not observed")
	}
	if len(h.book.Snapshot().Reservations) != 0 {
		t.Errorf("vetoed entry reserved capital")
	}
}

func TestCycleVetoesBeyondMaxPositions(t *testing.T) {
	h := newHarness(t, "risk:\n  max_positions: 1\n", monday10, paper.Config{Manual: true})
	h.model.set("AAA", types.Long, 0.8, 0.01)
	h.model.set("BBB", types.Long, 0.8, 0.01)

	if err := h.eng.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if _, ok := h.mgr.Pending("AAA"); !ok {
		t.Error("AAA has no pending order")
	}
	if _, ok := h.mgr.Pending("BBB"); ok {
		t.Error("BBB was submitted past the position limit")
	}
	if h.obs.vetoCount(risk.VetoMaxPositions) != 1 {
		t.Errorf("vetoes = %v", h.obs.vetoes)
	}
}

func TestCycleIsolatesSymbolFailure(t *testing.T) {
	h := newHarness(t, "", monday10, paper.Config{Manual: true})
	h.model.set("AAA", types.Long, 0.8, 0.01)
	h.feats.errs["BBB"] = errors.New("feed down")

	err := h.eng.Cycle(context.Background())
	if err == nil || !strings.Contains(err.Error(), "BBB") {
		t.Fatalf("cycle error = %v, want BBB failure", err)
	}
	if _, ok := h.mgr.Pending("AAA"); !ok {
		t.Error("AAA did not trade past BBB's failure")
	}
	if h.obs.stepErrors["BBB"] != 1 {
		t.Errorf("step errors = %v", h.obs.stepErrors)
	}
}

func TestCycleReportsConnectivityLoss(t *testing.T) {
	h := newHarness(t, "execution:\n  max_reconnect_attempts: 2\n", monday10, paper.Config{Manual: true})
	ctx := context.Background()
	h.broker.SetUnavailable(errors.New("gateway timeout"))

	if err := h.eng.Cycle(ctx); errors.Is(err, types.ErrBrokerConnectivity) {
		t.Fatalf("first failed cycle already fatal: %v", err)
	}
	err := h.eng.Cycle(ctx)
	if !errors.Is(err, types.ErrBrokerConnectivity) {
		t.Fatalf("second failed cycle = %v, want ErrBrokerConnectivity", err)
	}
	if h.alerts.Count(alert.KindBrokerConnectivity) != 1 {
		t.Errorf("connectivity alerts = %d", h.alerts.Count(alert.KindBrokerConnectivity))
	}

	h.broker.SetUnavailable(nil)
	if err := h.eng.Cycle(ctx); err != nil {
		t.Fatalf("cycle after recovery: %v", err)
	}
	if h.eng.brokerFailures != 0 {
		t.Errorf("failure count = %d after recovery", h.eng.brokerFailures)
	}
}

func TestRunReturnsConnectivityError(t *testing.T) {
	h := newHarness(t, "execution:\n  max_reconnect_attempts: 1\n", monday10, paper.Config{Manual: true})
	h.broker.SetUnavailable(errors.New("down"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.eng.Run(ctx); !errors.Is(err, types.ErrBrokerConnectivity) {
		t.Fatalf("Run = %v, want ErrBrokerConnectivity", err)
	}
}

func TestRunCleanShutdown(t *testing.T) {
	h := newHarness(t, "", monday10, paper.Config{Manual: true})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.eng.Run(ctx); err != nil {
		t.Fatalf("Run after cancel = %v, want nil", err)
	}
}

func TestRunAppliesStreamedFills(t *testing.T) {
	h := newHarness(t, "", monday10, paper.Config{})
	h.model.set("AAA", types.Long, 0.8, 0.01)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.eng.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for {
		if p, ok := h.mgr.OpenPosition("AAA"); ok && p.Quantity == 80 {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("position never opened")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run = %v", err)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	cfg, err := store.ParseConfig([]byte(baseConfig))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(cfg, Deps{}); err == nil {
		t.Fatal("New accepted empty deps")
	}
}
