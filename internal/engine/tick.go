package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lookoupai/chainmakes-go/internal/apperr"
	"github.com/lookoupai/chainmakes-go/internal/eventbus"
	"github.com/lookoupai/chainmakes-go/internal/exchange"
	"github.com/lookoupai/chainmakes-go/internal/spread"
	"github.com/lookoupai/chainmakes-go/internal/store"
	"github.com/lookoupai/chainmakes-go/internal/telemetry"
)

const positionRefreshEveryNTicks = 3

const recentStartWindow = 5 * time.Minute

// getPrice serves a symbol's last price through the Price Cache,
// refetching via the Exchange Port (with retry) on a miss.
func (e *Engine) getPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if price, ok := e.cache.Get(symbol); ok {
		return price, nil
	}
	var ticker exchange.Ticker
	err := exchange.WithRetry(ctx, e.log, exchange.ReadPolicy, "GetTicker:"+symbol, func(ctx context.Context) error {
		t, err := e.ex.GetTicker(ctx, symbol)
		if err != nil {
			return err
		}
		ticker = t
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	e.cache.Set(symbol, ticker.Last)
	return ticker.Last, nil
}

// executeTick runs one complete pass: fetch prices, establish
// baselines, record the spread, refresh positions on the throttle,
// evaluate exits, evaluate entry. A transient price-fetch failure
// skips the rest of this tick without being treated as fatal.
func (e *Engine) executeTick(ctx context.Context) error {
	e.tickCount++
	started := time.Now()
	defer func() {
		telemetry.TickDuration.Observe(time.Since(started).Seconds())
	}()

	p1, err := e.getPrice(ctx, e.bot.M1)
	if err != nil {
		if apperr.Is(err, apperr.KindTransient) {
			e.log.Warn().Err(err).Msg("price fetch failed, skipping tick")
			return nil
		}
		return err
	}
	p2, err := e.getPrice(ctx, e.bot.M2)
	if err != nil {
		if apperr.Is(err, apperr.KindTransient) {
			e.log.Warn().Err(err).Msg("price fetch failed, skipping tick")
			return nil
		}
		return err
	}

	if err := e.ensureBaselines(ctx, p1, p2); err != nil {
		return err
	}

	s := spread.Spread(p1, *e.bot.M1StartPrice, p2, *e.bot.M2StartPrice)

	sample := &store.SpreadSample{BotID: e.botID, M1Price: p1, M2Price: p2, SpreadPct: s, RecordedAt: time.Now()}
	if err := e.st.CreateSpreadSample(sample); err != nil {
		return apperr.Persistence("CreateSpreadSample", err)
	}
	e.bus.Publish(e.botID, eventbus.SpreadUpdate, map[string]interface{}{
		"m1_price": p1, "m2_price": p2, "spread_pct": s,
	})

	if e.tickCount%positionRefreshEveryNTicks == 0 {
		if err := e.refreshPositions(ctx); err != nil {
			e.log.Error().Err(err).Msg("position refresh failed, continuing")
		}
	}

	openPositions, err := e.st.OpenPositions(e.botID)
	if err != nil {
		return apperr.Persistence("OpenPositions", err)
	}

	if len(openPositions) > 0 {
		closed, err := e.evaluateExit(ctx, openPositions, s)
		if err != nil {
			return err
		}
		if closed {
			return nil
		}
	}

	return e.evaluateEntry(ctx, p1, p2, s)
}

// ensureBaselines lazily establishes m1/m2_start_price the first time
// the engine observes prices for this bot: current prices for a
// recently started bot, the 5-minute candle nearest start_time
// otherwise, falling back to current prices when history is missing.
func (e *Engine) ensureBaselines(ctx context.Context, p1, p2 decimal.Decimal) error {
	if e.bot.M1StartPrice != nil {
		return nil
	}

	var base1, base2 decimal.Decimal
	if time.Since(e.bot.StartTime) <= recentStartWindow {
		base1, base2 = p1, p2
	} else {
		tsMs := e.bot.StartTime.UnixMilli()
		h1, err := e.fetchHistorical(ctx, e.bot.M1, tsMs)
		if err != nil {
			return err
		}
		h2, err := e.fetchHistorical(ctx, e.bot.M2, tsMs)
		if err != nil {
			return err
		}
		base1 = valueOr(h1, p1)
		base2 = valueOr(h2, p2)
	}

	e.bot.M1StartPrice = &base1
	e.bot.M2StartPrice = &base2
	if err := e.st.SaveBot(e.bot); err != nil {
		return apperr.Persistence("SaveBot:baselines", err)
	}
	return nil
}

func (e *Engine) fetchHistorical(ctx context.Context, symbol string, tsMs int64) (*decimal.Decimal, error) {
	var price *decimal.Decimal
	err := exchange.WithRetry(ctx, e.log, exchange.ReadPolicy, "FetchHistoricalPrice:"+symbol, func(ctx context.Context) error {
		p, err := e.ex.FetchHistoricalPrice(ctx, symbol, tsMs)
		if err != nil {
			return err
		}
		price = p
		return nil
	})
	if err != nil && apperr.Is(err, apperr.KindTransient) {
		return nil, nil // caller falls back to the current price
	}
	if err != nil {
		return nil, err
	}
	return price, nil
}

func valueOr(p *decimal.Decimal, fallback decimal.Decimal) decimal.Decimal {
	if p == nil {
		return fallback
	}
	return *p
}

// refreshPositions pulls current_price/unrealized_pnl from the
// exchange for each open position, throttled to every 3rd tick.
func (e *Engine) refreshPositions(ctx context.Context) error {
	openPositions, err := e.st.OpenPositions(e.botID)
	if err != nil {
		return apperr.Persistence("OpenPositions", err)
	}
	for _, p := range openPositions {
		var xp *exchange.Position
		err := exchange.WithRetry(ctx, e.log, exchange.ReadPolicy, "GetPosition:"+p.Symbol, func(ctx context.Context) error {
			got, err := e.ex.GetPosition(ctx, p.Symbol)
			if err != nil {
				return err
			}
			xp = got
			return nil
		})
		if err != nil {
			e.log.Warn().Err(err).Str("symbol", p.Symbol).Msg("position refresh skipped")
			continue
		}
		if xp == nil {
			continue
		}
		p.CurrentPrice = xp.CurrentPrice
		p.UnrealizedPnL = xp.UnrealizedPnL
		if err := e.st.SavePosition(&p); err != nil {
			return apperr.Persistence("SavePosition", err)
		}
		e.bus.Publish(e.botID, eventbus.PositionUpdate, map[string]interface{}{
			"symbol": p.Symbol, "current_price": p.CurrentPrice, "unrealized_pnl": p.UnrealizedPnL,
		})
	}
	return nil
}

// totalMarginFor sums the margin committed across DCA levels 0..count-1.
func (e *Engine) totalMarginFor(count int) decimal.Decimal {
	total := decimal.Zero
	for i := 0; i < count && i < len(e.bot.DCAConfigJSON); i++ {
		total = total.Add(e.bot.PerOrderMargin.Mul(e.bot.DCAConfigJSON[i].Multiplier))
	}
	return total
}

func sumPnL(positions []store.Position) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.UnrealizedPnL)
	}
	return total
}

// evaluateExit checks take-profit then stop-loss against the open
// positions. Returns true if a close was triggered.
func (e *Engine) evaluateExit(ctx context.Context, openPositions []store.Position, currentSpread decimal.Decimal) (bool, error) {
	totalPnL := sumPnL(openPositions)
	totalMargin := e.totalMarginFor(e.bot.CurrentDCACount)

	takeProfit := false
	if e.bot.ProfitMode == store.ProfitModeRegression {
		if e.bot.FirstTradeSpread != nil {
			takeProfit = spread.TakeProfitRegression(currentSpread, *e.bot.FirstTradeSpread, e.bot.ProfitRatio)
		}
	} else {
		takeProfit = spread.TakeProfitPosition(totalPnL, totalMargin, e.bot.ProfitRatio)
	}
	if takeProfit {
		return true, e.closeAll(ctx, "take_profit")
	}

	if spread.StopLoss(totalPnL, totalMargin, e.bot.StopLossRatio) {
		return true, e.closeAll(ctx, "stop_loss")
	}
	return false, nil
}

// evaluateEntry decides whether to open: the first entry gates on the
// absolute spread, scale-ins gate on the move since the last trade.
func (e *Engine) evaluateEntry(ctx context.Context, p1, p2, currentSpread decimal.Decimal) error {
	if e.bot.CurrentDCACount >= e.bot.MaxDCATimes {
		return nil
	}
	lvl := e.bot.CurrentDCACount
	if lvl >= len(e.bot.DCAConfigJSON) {
		return apperr.Invariant("evaluateEntry", fmt.Errorf("dca_config missing entry for level %d", lvl))
	}
	threshold := e.bot.DCAConfigJSON[lvl].Threshold

	var satisfied bool
	if e.bot.LastTradeSpread == nil {
		satisfied = currentSpread.Abs().GreaterThanOrEqual(threshold)
	} else {
		satisfied = currentSpread.Sub(*e.bot.LastTradeSpread).Abs().GreaterThanOrEqual(threshold)
	}
	if !satisfied {
		return nil
	}
	return e.open(ctx, lvl, p1, p2, currentSpread)
}
