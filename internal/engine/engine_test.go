package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/lookoupai/chainmakes-go/internal/cache"
	"github.com/lookoupai/chainmakes-go/internal/eventbus"
	"github.com/lookoupai/chainmakes-go/internal/exchange"
	"github.com/lookoupai/chainmakes-go/internal/store"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

// testBot is the baseline scenario configuration: both legs start at
// 100, 1% thresholds, 100 margin at 10x leverage, regression
// take-profit at 1%.
func testBot(maxDCA int, steps store.DCAConfig) *store.Bot {
	return &store.Bot{
		M1: "BTCUSDT", M2: "ETHUSDT",
		StartTime:      time.Now(),
		Leverage:       10,
		PerOrderMargin: d("100"),
		MaxPositionVal: d("10000"),
		MaxDCATimes:    maxDCA,
		DCAConfigJSON:  steps,
		ProfitMode:     store.ProfitModeRegression,
		ProfitRatio:    d("1.0"),
		StopLossRatio:  decimal.Zero,
		M1StartPrice:   dp("100"),
		M2StartPrice:   dp("100"),
		Status:         store.StatusRunning,
	}
}

func oneLevel() store.DCAConfig {
	return store.DCAConfig{{Index: 1, Threshold: d("1.0"), Multiplier: d("1.0")}}
}

func twoLevels() store.DCAConfig {
	return store.DCAConfig{
		{Index: 1, Threshold: d("1.0"), Multiplier: d("1.0")},
		{Index: 2, Threshold: d("1.0"), Multiplier: d("1.5")},
	}
}

func newTestEngine(t *testing.T, bot *store.Bot) (*Engine, *store.Store, *exchange.Mock) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.CreateBot(bot); err != nil {
		t.Fatalf("create bot: %v", err)
	}

	mock := exchange.NewMock()
	e := New(bot.ID, st, mock, eventbus.New(), zerolog.Nop())
	e.settleDelay = 0
	e.cache = cache.NewWithTTL(0) // every tick sees fresh prices

	loaded, err := st.GetBot(bot.ID)
	if err != nil {
		t.Fatalf("load bot: %v", err)
	}
	e.bot = loaded
	return e, st, mock
}

func reload(t *testing.T, st *store.Store, id int64) *store.Bot {
	t.Helper()
	b, err := st.GetBot(id)
	if err != nil {
		t.Fatalf("reload bot: %v", err)
	}
	return b
}

func TestFirstEntry(t *testing.T) {
	e, st, mock := newTestEngine(t, testBot(1, oneLevel()))
	mock.SetPrice("BTCUSDT", d("102"))
	mock.SetPrice("ETHUSDT", d("100"))

	if err := e.executeTick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	bot := reload(t, st, e.botID)
	if bot.CurrentDCACount != 1 {
		t.Fatalf("expected dca count 1, got %d", bot.CurrentDCACount)
	}
	if bot.FirstTradeSpread == nil || !bot.FirstTradeSpread.Equal(d("2")) {
		t.Fatalf("expected first trade spread 2, got %v", bot.FirstTradeSpread)
	}
	if bot.LastTradeSpread == nil || !bot.LastTradeSpread.Equal(d("2")) {
		t.Fatalf("expected last trade spread 2, got %v", bot.LastTradeSpread)
	}
	if bot.TotalTrades != 2 {
		t.Fatalf("expected 2 trades, got %d", bot.TotalTrades)
	}

	positions, err := st.OpenPositions(e.botID)
	if err != nil {
		t.Fatalf("open positions: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("expected 2 open positions, got %d", len(positions))
	}
	bySymbol := map[string]store.Position{}
	for _, p := range positions {
		bySymbol[p.Symbol] = p
	}
	// m1 led (+2% vs 0%), so it is shorted and m2 is longed.
	if bySymbol["BTCUSDT"].Side != "short" || bySymbol["ETHUSDT"].Side != "long" {
		t.Fatalf("expected short m1 / long m2, got %s / %s", bySymbol["BTCUSDT"].Side, bySymbol["ETHUSDT"].Side)
	}
	wantAmt1 := d("1000").Div(d("102"))
	wantAmt2 := d("1000").Div(d("100"))
	if !bySymbol["BTCUSDT"].Amount.Equal(wantAmt1) {
		t.Fatalf("m1 amount: want %s got %s", wantAmt1, bySymbol["BTCUSDT"].Amount)
	}
	if !bySymbol["ETHUSDT"].Amount.Equal(wantAmt2) {
		t.Fatalf("m2 amount: want %s got %s", wantAmt2, bySymbol["ETHUSDT"].Amount)
	}
}

func TestScaleInGatedThenTriggered(t *testing.T) {
	bot := testBot(2, twoLevels())
	// keep the regression take-profit out of the way: |first - current|
	// reaches 1.5 at the widest point below, which would otherwise close
	bot.ProfitRatio = d("10")
	e, st, mock := newTestEngine(t, bot)
	ctx := context.Background()

	mock.SetPrice("BTCUSDT", d("102"))
	mock.SetPrice("ETHUSDT", d("100"))
	if err := e.executeTick(ctx); err != nil {
		t.Fatalf("tick 1: %v", err)
	}

	// spread moves to 2.5%: |2.5-2| = 0.5 < 1.0 threshold, no action.
	mock.SetPrice("BTCUSDT", d("102.5"))
	if err := e.executeTick(ctx); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	bot = reload(t, st, e.botID)
	if bot.CurrentDCACount != 1 || bot.TotalTrades != 2 {
		t.Fatalf("scale-in should have been gated: dca=%d trades=%d", bot.CurrentDCACount, bot.TotalTrades)
	}

	// spread moves to 3.5%: |3.5-2| = 1.5 >= 1.0, second open at 1.5x.
	mock.SetPrice("BTCUSDT", d("103.5"))
	if err := e.executeTick(ctx); err != nil {
		t.Fatalf("tick 3: %v", err)
	}
	bot = reload(t, st, e.botID)
	if bot.CurrentDCACount != 2 {
		t.Fatalf("expected dca count 2, got %d", bot.CurrentDCACount)
	}
	if bot.TotalTrades != 4 {
		t.Fatalf("expected 4 trades, got %d", bot.TotalTrades)
	}
	if !bot.LastTradeSpread.Equal(d("3.5")) {
		t.Fatalf("expected last trade spread 3.5, got %s", bot.LastTradeSpread)
	}
	if !bot.FirstTradeSpread.Equal(d("2")) {
		t.Fatalf("first trade spread must not move on scale-in, got %s", bot.FirstTradeSpread)
	}

	// VWAP law on the merged m1 short: two fills at 102 and 103.5.
	p, err := st.OpenPositionBySymbol(e.botID, "BTCUSDT")
	if err != nil || p == nil {
		t.Fatalf("m1 position: %v %v", p, err)
	}
	amt1 := d("1000").Div(d("102"))
	amt2 := d("1500").Div(d("103.5"))
	wantEntry := amt1.Mul(d("102")).Add(amt2.Mul(d("103.5"))).Div(amt1.Add(amt2))
	if !p.EntryPrice.Sub(wantEntry).Abs().LessThan(d("0.000001")) {
		t.Fatalf("vwap entry: want %s got %s", wantEntry, p.EntryPrice)
	}
}

func TestRegressionTakeProfit(t *testing.T) {
	e, st, mock := newTestEngine(t, testBot(2, twoLevels()))
	ctx := context.Background()

	mock.SetPrice("BTCUSDT", d("102"))
	mock.SetPrice("ETHUSDT", d("100"))
	if err := e.executeTick(ctx); err != nil {
		t.Fatalf("tick 1: %v", err)
	}

	// spread regresses from 2.0 to 1.0: |2.0-1.0| >= 1.0 ratio, close.
	mock.SetPrice("BTCUSDT", d("101"))
	if err := e.executeTick(ctx); err != nil {
		t.Fatalf("tick 2: %v", err)
	}

	bot := reload(t, st, e.botID)
	if bot.CurrentDCACount != 0 || bot.LastTradeSpread != nil || bot.FirstTradeSpread != nil {
		t.Fatalf("counters must reset after close: %+v", bot)
	}
	if bot.CurrentCycle != 1 {
		t.Fatalf("expected cycle 1 after close, got %d", bot.CurrentCycle)
	}
	positions, _ := st.OpenPositions(e.botID)
	if len(positions) != 0 {
		t.Fatalf("expected no open positions after take-profit, got %d", len(positions))
	}
}

func TestStopLossDisabledAtZeroRatio(t *testing.T) {
	bot := testBot(1, oneLevel())
	bot.ProfitMode = store.ProfitModePosition
	bot.ProfitRatio = d("100") // far away, never triggers
	e, st, mock := newTestEngine(t, bot)
	ctx := context.Background()

	mock.SetPrice("BTCUSDT", d("102"))
	mock.SetPrice("ETHUSDT", d("100"))
	if err := e.executeTick(ctx); err != nil {
		t.Fatalf("tick 1: %v", err)
	}

	// hugely negative P&L with stop_loss_ratio = 0 must not close
	positions, _ := st.OpenPositions(e.botID)
	for _, p := range positions {
		p.UnrealizedPnL = d("-100000")
		if err := st.SavePosition(&p); err != nil {
			t.Fatalf("save position: %v", err)
		}
	}
	if err := e.executeTick(ctx); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	positions, _ = st.OpenPositions(e.botID)
	if len(positions) != 2 {
		t.Fatalf("stop-loss fired despite ratio 0: %d positions open", len(positions))
	}
}

func TestStopLossTriggers(t *testing.T) {
	bot := testBot(1, oneLevel())
	bot.ProfitMode = store.ProfitModePosition
	bot.ProfitRatio = d("100")
	bot.StopLossRatio = d("15")
	e, st, mock := newTestEngine(t, bot)
	ctx := context.Background()

	mock.SetPrice("BTCUSDT", d("102"))
	mock.SetPrice("ETHUSDT", d("100"))
	if err := e.executeTick(ctx); err != nil {
		t.Fatalf("tick 1: %v", err)
	}

	// -20 total P&L on 100 committed margin = 20% loss >= 15% ratio
	positions, _ := st.OpenPositions(e.botID)
	for _, p := range positions {
		p.UnrealizedPnL = d("-10")
		if err := st.SavePosition(&p); err != nil {
			t.Fatalf("save position: %v", err)
		}
	}
	if err := e.executeTick(ctx); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	positions, _ = st.OpenPositions(e.botID)
	if len(positions) != 0 {
		t.Fatalf("expected stop-loss close, %d positions still open", len(positions))
	}
	b := reload(t, st, e.botID)
	if !b.TotalProfit.Equal(d("-20")) {
		t.Fatalf("realized pnl should land in total_profit: got %s", b.TotalProfit)
	}
}

func TestPauseAfterClose(t *testing.T) {
	bot := testBot(1, oneLevel())
	bot.PauseAfterClose = true
	e, st, mock := newTestEngine(t, bot)
	ctx := context.Background()

	mock.SetPrice("BTCUSDT", d("102"))
	mock.SetPrice("ETHUSDT", d("100"))
	if err := e.executeTick(ctx); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	mock.SetPrice("BTCUSDT", d("101"))
	if err := e.executeTick(ctx); err != nil {
		t.Fatalf("tick 2: %v", err)
	}

	b := reload(t, st, e.botID)
	if b.Status != store.StatusPaused {
		t.Fatalf("expected paused after close, got %s", b.Status)
	}
	if e.running.Load() {
		t.Fatal("tick loop should stop after pause_after_close")
	}
}

func TestReconcileOrphanExchangePositions(t *testing.T) {
	e, st, mock := newTestEngine(t, testBot(2, twoLevels()))
	ctx := context.Background()

	// exchange reports a long m1 (5) and short m2 (7) the DB knows
	// nothing about, e.g. rows lost in an unclean shutdown
	mock.SetPrice("BTCUSDT", d("100"))
	mock.SetPrice("ETHUSDT", d("100"))
	if _, err := mock.CreateMarketOrder(ctx, "BTCUSDT", "buy", d("5"), false); err != nil {
		t.Fatalf("seed m1: %v", err)
	}
	if _, err := mock.CreateMarketOrder(ctx, "ETHUSDT", "sell", d("7"), false); err != nil {
		t.Fatalf("seed m2: %v", err)
	}

	if err := e.reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	positions, _ := st.OpenPositions(e.botID)
	if len(positions) != 2 {
		t.Fatalf("expected 2 adopted positions, got %d", len(positions))
	}
	bot := reload(t, st, e.botID)
	if bot.CurrentDCACount != 1 {
		t.Fatalf("expected dca count 1 (two legs, one layer), got %d", bot.CurrentDCACount)
	}

	// idempotence: a second pass with no drift changes nothing
	if err := e.reconcile(ctx); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	again, _ := st.OpenPositions(e.botID)
	if len(again) != 2 {
		t.Fatalf("second reconcile disturbed positions: %d", len(again))
	}
	bot2 := reload(t, st, e.botID)
	if bot2.CurrentDCACount != 1 || bot2.CurrentCycle != bot.CurrentCycle {
		t.Fatalf("second reconcile disturbed counters: %+v", bot2)
	}
}

func TestReconcileClosesStragglers(t *testing.T) {
	bot := testBot(1, oneLevel())
	bot.CurrentDCACount = 1
	bot.LastTradeSpread = dp("2")
	bot.FirstTradeSpread = dp("2")
	e, st, _ := newTestEngine(t, bot)
	e.bot = reload(t, st, bot.ID)

	// DB thinks a position is open; the exchange is flat
	p := &store.Position{BotID: bot.ID, Cycle: 1, Symbol: "BTCUSDT", Side: "short", Amount: d("1"), IsOpen: true}
	if err := st.CreatePosition(p); err != nil {
		t.Fatalf("seed db position: %v", err)
	}

	if err := e.reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	open, _ := st.OpenPositions(bot.ID)
	if len(open) != 0 {
		t.Fatalf("straggler should be closed, %d still open", len(open))
	}
	b := reload(t, st, bot.ID)
	if b.CurrentDCACount != 0 || b.LastTradeSpread != nil || b.FirstTradeSpread != nil {
		t.Fatalf("counters should reset: %+v", b)
	}
	if b.CurrentCycle != 1 {
		t.Fatalf("expected fresh cycle after straggler reset, got %d", b.CurrentCycle)
	}
}

func TestBaselineInitFromCurrentPrices(t *testing.T) {
	bot := testBot(1, oneLevel())
	bot.M1StartPrice = nil
	bot.M2StartPrice = nil
	bot.StartTime = time.Now() // recent: baselines come from current prices
	e, st, mock := newTestEngine(t, bot)

	mock.SetPrice("BTCUSDT", d("102"))
	mock.SetPrice("ETHUSDT", d("100"))
	if err := e.executeTick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	b := reload(t, st, e.botID)
	if b.M1StartPrice == nil || !b.M1StartPrice.Equal(d("102")) {
		t.Fatalf("m1 baseline: %v", b.M1StartPrice)
	}
	if b.M2StartPrice == nil || !b.M2StartPrice.Equal(d("100")) {
		t.Fatalf("m2 baseline: %v", b.M2StartPrice)
	}
	// spread against fresh baselines is 0, so nothing should open
	if b.CurrentDCACount != 0 {
		t.Fatalf("no entry expected on baseline tick, got dca=%d", b.CurrentDCACount)
	}
}

func TestSubThresholdSpreadDoesNotTrade(t *testing.T) {
	e, _, mock := newTestEngine(t, testBot(1, oneLevel()))
	mock.SetPrice("BTCUSDT", d("100.5"))
	mock.SetPrice("ETHUSDT", d("100"))
	if err := e.executeTick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	// below the 1% threshold: a sample is still recorded, no trade
	bot := reload(t, e.st, e.botID)
	if bot.CurrentDCACount != 0 {
		t.Fatalf("0.5%% spread must not trade, dca=%d", bot.CurrentDCACount)
	}
}
