package engine

import (
	"context"

	"github.com/lookoupai/chainmakes-go/internal/exchange"
	"github.com/lookoupai/chainmakes-go/internal/store"
	"github.com/lookoupai/chainmakes-go/internal/telemetry"
)

// reconcile brings persisted state into agreement with exchange
// reality before any new decision is made. Runs once at startup; the
// data reconciler repeats a lighter version of this periodically while
// the engine is live.
func (e *Engine) reconcile(ctx context.Context) error {
	var exchangePositions []exchange.Position
	err := exchange.WithRetry(ctx, e.log, exchange.ReadPolicy, "GetAllPositions", func(ctx context.Context) error {
		all, err := e.ex.GetAllPositions(ctx)
		if err != nil {
			return err
		}
		exchangePositions = all
		return nil
	})
	if err != nil {
		return err
	}

	bySymbol := make(map[string]exchange.Position)
	for _, p := range exchangePositions {
		if p.Symbol == e.bot.M1 || p.Symbol == e.bot.M2 {
			bySymbol[p.Symbol] = p
		}
	}

	dbOpen, err := e.st.OpenPositions(e.botID)
	if err != nil {
		return err
	}
	dbBySymbol := make(map[string]store.Position, len(dbOpen))
	for _, p := range dbOpen {
		dbBySymbol[p.Symbol] = p
	}

	maxCycle, err := e.st.MaxCycle(e.botID)
	if err != nil {
		return err
	}
	newCycle := maxCycle + 1

	inserted := 0
	for symbol, xp := range bySymbol {
		if _, ok := dbBySymbol[symbol]; ok {
			continue
		}
		row := &store.Position{
			BotID: e.botID, Cycle: newCycle, Symbol: symbol,
			Side: string(xp.Side), Amount: xp.Amount, EntryPrice: xp.EntryPrice,
			CurrentPrice: xp.CurrentPrice, UnrealizedPnL: xp.UnrealizedPnL, IsOpen: true,
		}
		if err := e.st.CreatePosition(row); err != nil {
			return err
		}
		inserted++
	}

	closed := 0
	for symbol, dp := range dbBySymbol {
		if _, ok := bySymbol[symbol]; ok {
			continue
		}
		if err := e.st.ClosePosition(dp.ID); err != nil {
			return err
		}
		closed++
	}

	changed := false
	n := len(bySymbol)
	if n > 0 {
		want := n / 2
		if want != e.bot.CurrentDCACount {
			e.bot.CurrentDCACount = want
			changed = true
		}
	} else if e.bot.CurrentDCACount != 0 || e.bot.LastTradeSpread != nil || e.bot.FirstTradeSpread != nil || len(dbBySymbol) > 0 {
		e.bot.CurrentDCACount = 0
		e.bot.LastTradeSpread = nil
		e.bot.FirstTradeSpread = nil
		e.bot.CurrentCycle++
		changed = true
	}

	if changed {
		if err := e.st.SaveBot(e.bot); err != nil {
			return err
		}
	}

	if inserted > 0 || closed > 0 {
		telemetry.ReconcileCorrections.Add(float64(inserted + closed))
	}
	e.log.Info().
		Int("inserted", inserted).
		Int("closed", closed).
		Int("exchange_positions", n).
		Int("current_dca_count", e.bot.CurrentDCACount).
		Msg("reconciliation complete")
	e.tradeLog("info", "reconciliation complete", map[string]interface{}{
		"inserted": inserted, "closed": closed, "exchange_positions": n, "current_dca_count": e.bot.CurrentDCACount,
	})
	return nil
}
