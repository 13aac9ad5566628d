package risk

import (
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"ml-trading-bot/internal/account"
	"ml-trading-bot/internal/types"
)

var now = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func limits() Limits {
	return Limits{
		RiskFraction:         0.01,
		MaxPositions:         5,
		MaxSymbolExposure:    0.5,
		MaxPortfolioExposure: 1,
		LotSize:              1,
		OrderType:            types.Market,
	}
}

func long(sym string, strength float64) types.Signal {
	return types.Signal{Symbol: sym, Timestamp: now, Action: types.EnterLong, Strength: strength}
}

func TestSizeScenario(t *testing.T) {
	st := account.NewBook(100000).Snapshot()
	intent, v := Size(long("TCS", 0.8), st, 50, now, limits())
	if v != nil {
		t.Fatalf("unexpected veto: %s", v)
	}
	if intent.Quantity != 16 || intent.Side != types.Buy || intent.Notional() != 800 {
		t.Errorf("intent = %+v", intent)
	}
	if intent.Action != types.EnterLong || !intent.CreatedAt.Equal(now) {
		t.Errorf("intent metadata = %+v", intent)
	}
}

func TestSizeNeverExceedsRiskBudget(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 5000; i++ {
		equity := 1000 + rng.Float64()*1e6
		lim := limits()
		lim.RiskFraction = 0.001 + rng.Float64()*0.2
		lim.LotSize = []float64{1, 5, 25, 0.5}[rng.Intn(4)]
		lim.MaxSymbolExposure, lim.MaxPortfolioExposure = 0, 0
		price := 0.5 + rng.Float64()*5000
		strength := rng.Float64()
		intent, v := Size(long("X", strength), account.NewBook(equity).Snapshot(), price, now, lim)
		if v != nil {
			continue
		}
		if intent.Notional() > equity*lim.RiskFraction {
			t.Fatalf("notional %v exceeds %v (equity %v rf %v strength %v price %v)",
				intent.Notional(), equity*lim.RiskFraction, equity, lim.RiskFraction, strength, price)
		}
		if lots := intent.Quantity / lim.LotSize; math.Abs(lots-math.Round(lots)) > 1e-9 {
			t.Fatalf("quantity %v is not a whole number of %v lots", intent.Quantity, lim.LotSize)
		}
	}
}

func TestSizeVetoes(t *testing.T) {
	base := account.NewBook(100000)
	withPos := account.NewBook(100000)
	withPos.Open("x", "TCS", 10, 50)
	pending := account.NewBook(100000)
	pending.Atomically(func(account.State) *account.Reservation {
		return &account.Reservation{IntentID: "p", Symbol: "TCS", Notional: 100}
	})
	cooling := account.NewBook(100000)
	cooling.Open("x", "TCS", 10, 50)
	cooling.Close("TCS", 10, 0, now.Add(-time.Minute))

	lim := limits()
	lim.Cooldown = 5 * time.Minute
	tiny := limits()
	tiny.MaxSymbolExposure = 0.005
	one := limits()
	one.MaxPositions = 1
	broke := account.NewBook(100000)
	broke.Sync(types.AccountInfo{Equity: 100000, BuyingPower: 100})

	cases := []struct {
		name  string
		sig   types.Signal
		st    account.State
		price float64
		lim   Limits
		want  string
	}{
		{"hold", types.Signal{Symbol: "TCS", Action: types.Hold}, base.Snapshot(), 50, lim, VetoHold},
		{"price", long("TCS", 0.8), base.Snapshot(), 0, lim, VetoInvalidPrice},
		{"open", long("TCS", 0.8), withPos.Snapshot(), 50, lim, VetoPositionOpen},
		{"pending", long("TCS", 0.8), pending.Snapshot(), 50, lim, VetoPendingEntry},
		{"cooldown", long("TCS", 0.8), cooling.Snapshot(), 50, lim, VetoCooldown},
		{"max positions", long("INFY", 0.8), withPos.Snapshot(), 50, one, VetoMaxPositions},
		{"zero qty", long("TCS", 0.01), base.Snapshot(), 50, lim, VetoZeroQuantity},
		{"symbol exposure", long("TCS", 0.8), base.Snapshot(), 50, tiny, VetoSymbolExposure},
		{"buying power", long("TCS", 0.8), broke.Snapshot(), 50, lim, VetoBuyingPower},
		{"exit without position", types.Signal{Symbol: "TCS", Action: types.Exit, Strength: 1}, base.Snapshot(), 50, lim, VetoNoPosition},
	}
	for _, tc := range cases {
		intent, v := Size(tc.sig, tc.st, tc.price, now, tc.lim)
		if intent != nil || v == nil {
			t.Errorf("%s: expected veto, got intent %+v", tc.name, intent)
			continue
		}
		if v.Reason != tc.want {
			t.Errorf("%s: veto %q, want %q", tc.name, v.Reason, tc.want)
		}
	}
}

func TestCooldownExpires(t *testing.T) {
	b := account.NewBook(100000)
	b.Open("x", "TCS", 10, 50)
	b.Close("TCS", 10, 0, now.Add(-10*time.Minute))
	lim := limits()
	lim.Cooldown = 5 * time.Minute
	if _, v := Size(long("TCS", 0.8), b.Snapshot(), 50, now, lim); v != nil {
		t.Errorf("cooldown should have expired: %s", v)
	}
}

func TestSizeExitFlattens(t *testing.T) {
	b := account.NewBook(100000)
	b.Open("x", "SBIN", -30, 20)
	intent, v := Size(types.Signal{Symbol: "SBIN", Action: types.Exit, Strength: 1}, b.Snapshot(), 21, now, limits())
	if v != nil {
		t.Fatalf("veto: %s", v)
	}
	if intent.Side != types.Buy || intent.Quantity != 30 || intent.OrderType != types.Market {
		t.Errorf("exit intent = %+v", intent)
	}
}

func TestLimitPrice(t *testing.T) {
	lim := limits()
	lim.OrderType = types.Limit
	lim.LimitOffset = 0.001
	st := account.NewBook(100000).Snapshot()
	buy, _ := Size(long("TCS", 1), st, 100, now, lim)
	if math.Abs(buy.LimitPrice-100.1) > 1e-9 {
		t.Errorf("buy limit = %v", buy.LimitPrice)
	}
	sell, _ := Size(types.Signal{Symbol: "TCS", Action: types.EnterShort, Strength: 1}, st, 100, now, lim)
	if sell.Side != types.Sell || math.Abs(sell.LimitPrice-99.9) > 1e-9 {
		t.Errorf("sell intent = %+v", sell)
	}
}

func TestGateReservesAtomically(t *testing.T) {
	book := account.NewBook(100000)
	lim := limits()
	lim.MaxPortfolioExposure = 0.015
	g := NewGate(book, lim)

	first, v := g.SizeAndReserve(long("TCS", 0.8), 50, now)
	if v != nil || first.ID == "" {
		t.Fatalf("first signal: intent %+v veto %v", first, v)
	}
	second, v := g.SizeAndReserve(long("INFY", 0.8), 50, now)
	if second != nil || v == nil || v.Reason != VetoPortfolioExposure {
		t.Fatalf("second signal should be vetoed on portfolio exposure, got %+v %v", second, v)
	}
	if r := book.Snapshot().Reserved(); r != 800 {
		t.Errorf("reserved = %v", r)
	}
}

func TestGateConcurrentSignalsSecondVetoed(t *testing.T) {
	book := account.NewBook(100000)
	lim := limits()
	lim.MaxPortfolioExposure = 0.015
	g := NewGate(book, lim)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		intents []*types.OrderIntent
		vetoes  []*Veto
	)
	start := make(chan struct{})
	for _, sym := range []string{"TCS", "INFY"} {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			<-start
			intent, v := g.SizeAndReserve(long(sym, 0.8), 50, now)
			mu.Lock()
			defer mu.Unlock()
			if intent != nil {
				intents = append(intents, intent)
			}
			if v != nil {
				vetoes = append(vetoes, v)
			}
		}(sym)
	}
	close(start)
	wg.Wait()

	if len(intents) != 1 || len(vetoes) != 1 {
		t.Fatalf("got %d intents and %d vetoes, want one of each", len(intents), len(vetoes))
	}
	if vetoes[0].Reason != VetoPortfolioExposure {
		t.Errorf("veto reason = %s", vetoes[0].Reason)
	}
	if book.Snapshot().PortfolioExposure() > 100000*0.015 {
		t.Error("portfolio cap breached")
	}
}

func TestGateExitDoesNotReserve(t *testing.T) {
	book := account.NewBook(100000)
	book.Open("x", "TCS", 16, 50)
	g := NewGate(book, limits())
	intent, v := g.SizeAndReserve(types.Signal{Symbol: "TCS", Action: types.Exit, Strength: 1}, 55, now)
	if v != nil || intent.Quantity != 16 || intent.Side != types.Sell {
		t.Fatalf("exit = %+v %v", intent, v)
	}
	if len(book.Snapshot().Reservations) != 0 {
		t.Error("exit intent must not reserve capital")
	}
}
