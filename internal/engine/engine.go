// Package engine runs one instance per running bot, each owning its
// own exchange client, persistence session, price cache, and tick
// loop. This is the heart of the system: reconcile, then loop, then
// record.
package engine

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lookoupai/chainmakes-go/internal/apperr"
	"github.com/lookoupai/chainmakes-go/internal/cache"
	"github.com/lookoupai/chainmakes-go/internal/eventbus"
	"github.com/lookoupai/chainmakes-go/internal/exchange"
	"github.com/lookoupai/chainmakes-go/internal/store"
)

const (
	defaultTickPeriod  = 10 * time.Second
	defaultSettleDelay = 2 * time.Second
)

// Engine drives one bot's entire lifecycle. It is not safe to share
// across goroutines beyond the single Run loop plus the handful of
// externally-callable control methods (Stop, CloseAllPositions),
// which are designed to be invoked by the Bot Manager only.
type Engine struct {
	botID int64
	st    *store.Store
	ex    exchange.Exchange
	bus   *eventbus.Bus
	cache *cache.PriceCache
	log   zerolog.Logger

	// opMu serializes the tick loop against control operations
	// (CloseAllPositions); the bot row is only ever mutated under it.
	opMu      sync.Mutex
	bot       *store.Bot
	running   atomic.Bool
	tickCount int
	done      chan struct{}

	tickPeriod  time.Duration
	settleDelay time.Duration
}

func New(botID int64, st *store.Store, ex exchange.Exchange, bus *eventbus.Bus, log zerolog.Logger) *Engine {
	e := &Engine{
		botID: botID,
		st:    st,
		ex:    ex,
		bus:   bus,
		cache: cache.New(),
		log:   log.With().Int64("bot_id", botID).Logger(),
		done:  make(chan struct{}),

		tickPeriod:  defaultTickPeriod,
		settleDelay: defaultSettleDelay,
	}
	e.running.Store(true)
	return e
}

// Stop requests cooperative shutdown: the tick loop observes this at
// its next sleep boundary and exits.
func (e *Engine) Stop() {
	e.running.Store(false)
}

// Done is closed once Run has returned.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Run executes the full startup sequence and then the tick loop until
// stopped, cancelled, or a fatal error occurs. Non-fatal tick errors
// are logged and the loop continues; fatal errors (auth, persistence)
// stop the engine and return the error to the caller (the Manager's
// completion hook).
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)

	e.opMu.Lock()
	bot, err := e.st.GetBot(e.botID)
	if err != nil {
		e.opMu.Unlock()
		return apperr.Persistence("LoadBot", err)
	}
	e.bot = bot
	e.bot.Status = store.StatusRunning
	if err := e.st.SaveBot(e.bot); err != nil {
		e.opMu.Unlock()
		return apperr.Persistence("SaveBot", err)
	}
	e.opMu.Unlock()
	e.publishStatus()

	stagger := time.Duration(2+e.botID%3) * time.Second
	select {
	case <-time.After(stagger):
	case <-ctx.Done():
		return ctx.Err()
	}
	if !e.running.Load() {
		return nil
	}

	if err := exchange.WithRetry(ctx, e.log, exchange.LeveragePolicy, "SetLeverage:m1", func(ctx context.Context) error {
		return e.ex.SetLeverage(ctx, e.bot.M1, e.bot.Leverage)
	}); err != nil {
		e.log.Warn().Err(err).Msg("set leverage m1 failed, continuing")
	}
	if err := exchange.WithRetry(ctx, e.log, exchange.LeveragePolicy, "SetLeverage:m2", func(ctx context.Context) error {
		return e.ex.SetLeverage(ctx, e.bot.M2, e.bot.Leverage)
	}); err != nil {
		e.log.Warn().Err(err).Msg("set leverage m2 failed, continuing")
	}

	e.opMu.Lock()
	err = e.reconcile(ctx)
	e.opMu.Unlock()
	if err != nil {
		if isFatal(err) {
			e.fail("Reconcile", err)
			return err
		}
		e.log.Error().Err(err).Msg("reconciliation error, continuing into tick loop")
	}

	for e.running.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		e.opMu.Lock()
		err := e.executeTick(ctx)
		e.opMu.Unlock()
		if err != nil {
			if isFatal(err) {
				e.fail("Tick", err)
				return err
			}
			e.log.Error().Err(err).Msg("tick error, continuing")
		}

		select {
		case <-time.After(e.tickPeriod):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// tradeLog appends an entry to the bot's TradeLog. Logging must never
// abort the trade that produced it, so persistence errors here only
// warn.
func (e *Engine) tradeLog(level, message string, detail map[string]interface{}) {
	row := &store.TradeLog{BotID: e.botID, Level: level, Message: message}
	if detail != nil {
		if b, err := json.Marshal(detail); err == nil {
			row.Detail = string(b)
		}
	}
	if err := e.st.CreateTradeLog(row); err != nil {
		e.log.Warn().Err(err).Msg("trade log write failed")
	}
}

// isFatal: auth and persistence failures stop the engine; transient
// and invariant failures do not.
func isFatal(err error) bool {
	return apperr.Is(err, apperr.KindAuth) || apperr.Is(err, apperr.KindPersistence)
}

func (e *Engine) fail(op string, err error) {
	e.log.Error().Err(err).Str("op", op).Msg("fatal error, stopping engine")
	e.bot.Status = store.StatusStopped
	if saveErr := e.st.SaveBot(e.bot); saveErr != nil {
		e.log.Error().Err(saveErr).Msg("failed to persist stopped status after fatal error")
	}
	e.publishStatus()
}

func (e *Engine) publishStatus() {
	e.bus.Publish(e.botID, eventbus.StatusUpdate, map[string]interface{}{
		"status":            e.bot.Status,
		"current_cycle":     e.bot.CurrentCycle,
		"current_dca_count": e.bot.CurrentDCACount,
	})
}
