package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lookoupai/chainmakes-go/internal/apperr"
	"github.com/lookoupai/chainmakes-go/internal/eventbus"
	"github.com/lookoupai/chainmakes-go/internal/exchange"
	"github.com/lookoupai/chainmakes-go/internal/spread"
	"github.com/lookoupai/chainmakes-go/internal/store"
	"github.com/lookoupai/chainmakes-go/internal/telemetry"
)

// minSettleable is the smallest exchange-reported amount treated as a
// real remaining position; below the venue's minimum precision the leg
// is treated as already flat.
var minSettleable = decimal.NewFromFloat(0.01)

// submitAndSettle submits one market order and re-reads it after the
// settle delay to learn the actual fill and cost. Submission is never
// retried: order creation is not idempotent on any supported venue, so
// a transient error after the request left the socket could mean a
// duplicate position.
func (e *Engine) submitAndSettle(ctx context.Context, symbol string, side spread.Side, amount decimal.Decimal, reduceOnly bool) (exchange.Order, error) {
	order, err := e.ex.CreateMarketOrder(ctx, symbol, side, amount, reduceOnly)
	if err != nil {
		return exchange.Order{}, err
	}

	select {
	case <-time.After(e.settleDelay):
	case <-ctx.Done():
		return exchange.Order{}, ctx.Err()
	}

	var settled exchange.Order
	err = exchange.WithRetry(ctx, e.log, exchange.ReadPolicy, "GetOrder:"+symbol, func(ctx context.Context) error {
		o, err := e.ex.GetOrder(ctx, order.ID, symbol)
		if err != nil {
			return err
		}
		settled = o
		return nil
	})
	if err != nil {
		return exchange.Order{}, err
	}
	return settled, nil
}

// open handles both first entry and scale-in; the only difference is
// which dca_config level sizes the orders.
func (e *Engine) open(ctx context.Context, lvl int, p1, p2, currentSpread decimal.Decimal) error {
	d1 := spread.PercentChange(p1, *e.bot.M1StartPrice)
	d2 := spread.PercentChange(p2, *e.bot.M2StartPrice)
	side1, side2 := spread.Direction(d1, d2)
	if e.bot.ReverseOpening {
		side1, side2 = spread.Opposite(side1), spread.Opposite(side2)
	}

	step := e.bot.DCAConfigJSON[lvl]
	margin := e.bot.PerOrderMargin.Mul(step.Multiplier)
	notional := margin.Mul(decimal.NewFromInt(int64(e.bot.Leverage)))
	amt1 := notional.Div(p1)
	amt2 := notional.Div(p2)

	order1, err := e.submitAndSettle(ctx, e.bot.M1, side1, amt1, false)
	if err != nil {
		return err
	}
	order2, err := e.submitAndSettle(ctx, e.bot.M2, side2, amt2, false)
	if err != nil {
		return err
	}

	if order1.Filled.IsZero() || order2.Filled.IsZero() {
		e.log.Error().
			Str("m1_filled", order1.Filled.String()).
			Str("m2_filled", order2.Filled.String()).
			Msg("open aborted: one or both legs filled zero")
		e.tradeLog("error", "open aborted: zero fill on at least one leg", map[string]interface{}{
			"m1_filled": order1.Filled, "m2_filled": order2.Filled, "dca_level": lvl + 1,
		})
		return nil
	}

	dcaLevel := lvl + 1
	err = e.st.Transaction(func(tx *store.Store) error {
		for _, leg := range []struct {
			symbol string
			side   spread.Side
			order  exchange.Order
		}{{e.bot.M1, side1, order1}, {e.bot.M2, side2, order2}} {
			row := &store.Order{
				BotID: e.botID, Cycle: e.bot.CurrentCycle, DCALevel: dcaLevel,
				Symbol: leg.symbol, Side: string(leg.side), OrderType: store.OrderKindMarket,
				RequestedAmount: leg.order.Amount, FilledAmount: leg.order.Filled, Cost: leg.order.Cost,
				Status: string(leg.order.Status), ExchangeOrderID: leg.order.ID,
			}
			if err := tx.CreateOrder(row); err != nil {
				return apperr.Persistence("CreateOrder", err)
			}
			if err := e.upsertPosition(tx, leg.symbol, leg.side, leg.order); err != nil {
				return err
			}
		}

		e.bot.CurrentDCACount++
		e.bot.LastTradeSpread = &currentSpread
		if e.bot.FirstTradeSpread == nil {
			e.bot.FirstTradeSpread = &currentSpread
		}
		e.bot.TotalTrades += 2
		if err := tx.SaveBot(e.bot); err != nil {
			return apperr.Persistence("SaveBot:open", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	telemetry.OpensTotal.Inc()
	e.tradeLog("trade", "opened spread pair", map[string]interface{}{
		"dca_level": dcaLevel, "spread": currentSpread,
		"m1_side": side1, "m2_side": side2, "m1_filled": order1.Filled, "m2_filled": order2.Filled,
	})
	return nil
}

// upsertPosition applies one filled leg to this symbol's Position row:
// same-direction fills VWAP-merge, opposite-direction fills reduce.
func (e *Engine) upsertPosition(tx *store.Store, symbol string, side spread.Side, order exchange.Order) error {
	entryPrice := order.Cost.Div(order.Filled)
	wantSide := "long"
	if side == spread.Sell {
		wantSide = "short"
	}

	existing, err := tx.OpenPositionBySymbol(e.botID, symbol)
	if err != nil {
		return apperr.Persistence("OpenPositionBySymbol", err)
	}

	if existing == nil {
		row := &store.Position{
			BotID: e.botID, Cycle: e.bot.CurrentCycle, Symbol: symbol, Side: wantSide,
			Amount: order.Filled, EntryPrice: entryPrice, CurrentPrice: entryPrice, IsOpen: true,
		}
		if err := tx.CreatePosition(row); err != nil {
			return apperr.Persistence("CreatePosition", err)
		}
		e.bus.Publish(e.botID, eventbus.PositionUpdate, map[string]interface{}{"symbol": symbol, "side": wantSide, "amount": order.Filled})
		e.bus.Publish(e.botID, eventbus.OrderUpdate, map[string]interface{}{"symbol": symbol, "side": side, "filled": order.Filled})
		return nil
	}

	if existing.Side == wantSide {
		totalAmt := existing.Amount.Add(order.Filled)
		existing.EntryPrice = existing.Amount.Mul(existing.EntryPrice).Add(order.Filled.Mul(entryPrice)).Div(totalAmt)
		existing.Amount = totalAmt
	} else {
		remaining := existing.Amount.Sub(order.Filled)
		if remaining.LessThanOrEqual(decimal.Zero) {
			existing.IsOpen = false
			now := time.Now()
			existing.ClosedAt = &now
		} else {
			existing.Amount = remaining
		}
	}
	if err := tx.SavePosition(existing); err != nil {
		return apperr.Persistence("SavePosition", err)
	}
	e.bus.Publish(e.botID, eventbus.PositionUpdate, map[string]interface{}{"symbol": symbol, "side": existing.Side, "amount": existing.Amount})
	e.bus.Publish(e.botID, eventbus.OrderUpdate, map[string]interface{}{"symbol": symbol, "side": side, "filled": order.Filled})
	return nil
}

// closeAll flattens every open leg and finalizes the cycle; used by
// take-profit, stop-loss, and user-requested close alike.
func (e *Engine) closeAll(ctx context.Context, reason string) error {
	openPositions, err := e.st.OpenPositions(e.botID)
	if err != nil {
		return apperr.Persistence("OpenPositions", err)
	}
	if len(openPositions) == 0 {
		return nil
	}

	cycleRealized := decimal.Zero
	for _, p := range openPositions {
		closeSide := spread.Buy
		if p.Side == "long" {
			closeSide = spread.Sell
		}

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
			return err
		}

		if xp == nil || xp.Amount.LessThan(minSettleable) {
			cycleRealized = cycleRealized.Add(p.UnrealizedPnL)
			if err := e.st.ClosePosition(p.ID); err != nil {
				return apperr.Persistence("ClosePosition", err)
			}
			continue
		}

		order, err := e.submitAndSettle(ctx, p.Symbol, closeSide, xp.Amount, true)
		if err != nil {
			return err
		}
		cycleRealized = cycleRealized.Add(p.UnrealizedPnL)

		err = e.st.Transaction(func(tx *store.Store) error {
			row := &store.Order{
				BotID: e.botID, Cycle: e.bot.CurrentCycle, DCALevel: 0, Symbol: p.Symbol,
				Side: string(closeSide), OrderType: store.OrderKindMarket, RequestedAmount: order.Amount,
				FilledAmount: order.Filled, Cost: order.Cost, Status: string(order.Status), ExchangeOrderID: order.ID,
			}
			if err := tx.CreateOrder(row); err != nil {
				return err
			}
			return tx.ClosePosition(p.ID)
		})
		if err != nil {
			return apperr.Persistence("CloseLeg", err)
		}
	}

	e.bot.TotalProfit = e.bot.TotalProfit.Add(cycleRealized)
	e.bot.CurrentCycle++
	e.bot.CurrentDCACount = 0
	e.bot.LastTradeSpread = nil
	e.bot.FirstTradeSpread = nil
	if e.bot.PauseAfterClose {
		e.bot.Status = store.StatusPaused
	}
	if err := e.st.SaveBot(e.bot); err != nil {
		return apperr.Persistence("SaveBot:close", err)
	}

	telemetry.ClosesTotal.WithLabelValues(reason).Inc()
	e.log.Info().Str("reason", reason).Str("cycle_realized_pnl", cycleRealized.String()).Msg("positions closed")
	e.tradeLog("trade", "closed spread pair: "+reason, map[string]interface{}{
		"cycle_realized_pnl": cycleRealized, "total_profit": e.bot.TotalProfit, "cycle": e.bot.CurrentCycle,
	})
	e.bus.Publish(e.botID, eventbus.StatusUpdate, map[string]interface{}{
		"reason": reason, "cycle_realized_pnl": cycleRealized, "status": e.bot.Status,
	})

	// pause_after_close ends the tick loop as well; the Manager's
	// completion hook will not rewrite the paused status because the
	// engine exits cleanly.
	if e.bot.PauseAfterClose {
		e.running.Store(false)
	}
	return nil
}

// CloseAllPositions is the externally-callable entry point the Bot
// Manager uses for user-requested closes and for the orderly shutdown
// grace period. It takes the op lock so it never interleaves with a
// tick in flight.
func (e *Engine) CloseAllPositions(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if e.bot == nil {
		bot, err := e.st.GetBot(e.botID)
		if err != nil {
			return apperr.Persistence("LoadBot", err)
		}
		e.bot = bot
	}
	return e.closeAll(ctx, "user_requested")
}
