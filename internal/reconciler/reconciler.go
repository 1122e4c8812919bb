// Package reconciler runs a per-bot secondary loop, sibling to the Bot
// Engine's tick loop, sharing nothing mutable with it except the
// database. It is a belt-and-braces corrector, not a primary actor.
package reconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lookoupai/chainmakes-go/internal/apperr"
	"github.com/lookoupai/chainmakes-go/internal/exchange"
	"github.com/lookoupai/chainmakes-go/internal/store"
	"github.com/lookoupai/chainmakes-go/internal/telemetry"
)

const period = 30 * time.Second

// Reconciler re-polls a single bot's non-terminal orders and open
// positions, correcting drift the Engine's own bookkeeping missed.
type Reconciler struct {
	botID int64
	st    *store.Store
	ex    exchange.Exchange
	log   zerolog.Logger
}

func New(botID int64, st *store.Store, ex exchange.Exchange, log zerolog.Logger) *Reconciler {
	return &Reconciler{botID: botID, st: st, ex: ex, log: log.With().Int64("bot_id", botID).Str("component", "reconciler").Logger()}
}

// Run loops until ctx is cancelled, sleeping `period` between passes.
func (r *Reconciler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(period):
		}
		if err := r.pass(ctx); err != nil {
			r.log.Warn().Err(err).Msg("reconciliation pass failed, continuing")
		}
	}
}

func (r *Reconciler) pass(ctx context.Context) error {
	bot, err := r.st.GetBot(r.botID)
	if err != nil {
		return apperr.Persistence("GetBot", err)
	}
	if err := r.reconcileOrders(ctx); err != nil {
		return err
	}
	return r.reconcilePositions(ctx, bot)
}

func (r *Reconciler) reconcileOrders(ctx context.Context) error {
	orders, err := r.st.NonTerminalOrders(r.botID)
	if err != nil {
		return apperr.Persistence("NonTerminalOrders", err)
	}
	for _, o := range orders {
		fresh, err := r.ex.GetOrder(ctx, o.ExchangeOrderID, o.Symbol)
		if err != nil {
			r.log.Warn().Err(err).Str("order_id", o.ExchangeOrderID).Msg("get_order failed during reconciliation")
			continue
		}
		if string(fresh.Status) == o.Status {
			continue
		}
		o.Status = string(fresh.Status)
		o.FilledAmount = fresh.Filled
		o.Cost = fresh.Cost
		if fresh.Status == exchange.OrderStatusClosed {
			now := time.Now()
			o.FilledAt = &now
		}
		if err := r.st.UpdateOrder(&o); err != nil {
			return apperr.Persistence("UpdateOrder", err)
		}
		telemetry.ReconcileCorrections.Inc()
	}
	return nil
}

func (r *Reconciler) reconcilePositions(ctx context.Context, bot *store.Bot) error {
	exchangePositions, err := r.ex.GetAllPositions(ctx)
	if err != nil {
		return err
	}
	// only this bot's two legs; the same account may carry positions
	// belonging to other bots
	bySymbol := make(map[string]exchange.Position, 2)
	for _, p := range exchangePositions {
		if p.Symbol == bot.M1 || p.Symbol == bot.M2 {
			bySymbol[p.Symbol] = p
		}
	}

	dbOpen, err := r.st.OpenPositions(r.botID)
	if err != nil {
		return apperr.Persistence("OpenPositions", err)
	}
	dbBySymbol := make(map[string]store.Position, len(dbOpen))
	for _, p := range dbOpen {
		dbBySymbol[p.Symbol] = p
	}

	for symbol, xp := range bySymbol {
		dp, ok := dbBySymbol[symbol]
		if !ok {
			maxCycle, err := r.st.MaxCycle(r.botID)
			if err != nil {
				return apperr.Persistence("MaxCycle", err)
			}
			row := &store.Position{
				BotID: r.botID, Cycle: maxCycle + 1, Symbol: symbol, Side: string(xp.Side),
				Amount: xp.Amount, EntryPrice: xp.EntryPrice, CurrentPrice: xp.CurrentPrice,
				UnrealizedPnL: xp.UnrealizedPnL, IsOpen: true,
			}
			if err := r.st.CreatePosition(row); err != nil {
				return apperr.Persistence("CreatePosition", err)
			}
			telemetry.ReconcileCorrections.Inc()
			r.log.Info().Str("symbol", symbol).Msg("adopted exchange position missing from db")
			continue
		}
		if !dp.Amount.Equal(xp.Amount) {
			dp.Amount = xp.Amount
			dp.CurrentPrice = xp.CurrentPrice
			dp.UnrealizedPnL = xp.UnrealizedPnL
			if err := r.st.SavePosition(&dp); err != nil {
				return apperr.Persistence("SavePosition", err)
			}
			telemetry.ReconcileCorrections.Inc()
			r.log.Info().Str("symbol", symbol).Str("amount", xp.Amount.String()).Msg("corrected drifted position amount")
		}
	}

	for symbol, dp := range dbBySymbol {
		if _, ok := bySymbol[symbol]; ok {
			continue
		}
		if err := r.st.ClosePosition(dp.ID); err != nil {
			return apperr.Persistence("ClosePosition", err)
		}
		telemetry.ReconcileCorrections.Inc()
		r.log.Info().Str("symbol", symbol).Msg("closed db position absent on exchange")
	}
	return nil
}
