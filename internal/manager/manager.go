// Package manager is the process-wide registry and lifecycle
// controller for Bot Engines. Exactly one Manager exists per process,
// constructed at startup and torn down at shutdown.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lookoupai/chainmakes-go/internal/engine"
	"github.com/lookoupai/chainmakes-go/internal/eventbus"
	"github.com/lookoupai/chainmakes-go/internal/exchange"
	"github.com/lookoupai/chainmakes-go/internal/reconciler"
	"github.com/lookoupai/chainmakes-go/internal/spread"
	"github.com/lookoupai/chainmakes-go/internal/store"
	"github.com/lookoupai/chainmakes-go/internal/telemetry"
)

const (
	closeGrace        = 15 * time.Second
	connectivityBound = 30 * time.Second
)

// CredentialLookup resolves a bot's exchange adapter tag and decrypted
// credentials. Decryption happens on the caller's side of this
// boundary; the Manager only ever sees plaintext.
type CredentialLookup func(botID int64) (tag string, creds exchange.Credentials, err error)

type runningBot struct {
	eng    *engine.Engine
	cancel context.CancelFunc
	ex     exchange.Exchange
}

// Manager owns every currently-running Engine. All public methods are
// safe for concurrent use.
type Manager struct {
	st     *store.Store
	bus    *eventbus.Bus
	lookup CredentialLookup
	log    zerolog.Logger

	mu      sync.Mutex
	running map[int64]*runningBot
}

func New(st *store.Store, bus *eventbus.Bus, lookup CredentialLookup, log zerolog.Logger) *Manager {
	return &Manager{
		st: st, bus: bus, lookup: lookup, log: log,
		running: make(map[int64]*runningBot),
	}
}

// ErrAlreadyRunning is returned by Start when an engine is already
// registered for the bot.
var ErrAlreadyRunning = errors.New("manager: bot already running")

// Start launches an Engine for botID as an independent task. Refuses
// if one is already registered.
func (m *Manager) Start(ctx context.Context, botID int64) error {
	m.mu.Lock()
	if _, exists := m.running[botID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("bot %d: %w", botID, ErrAlreadyRunning)
	}
	m.mu.Unlock()

	tag, creds, err := m.lookup(botID)
	if err != nil {
		return fmt.Errorf("manager: credential lookup for bot %d: %w", botID, err)
	}
	ex, err := exchange.New(tag, creds)
	if err != nil {
		return fmt.Errorf("manager: build exchange for bot %d: %w", botID, err)
	}

	eng := engine.New(botID, m.st, ex, m.bus, m.log)
	taskCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.running[botID] = &runningBot{eng: eng, cancel: cancel, ex: ex}
	m.mu.Unlock()
	telemetry.EnginesRunning.Inc()

	// Two sibling tasks per bot: the tick loop and the data reconciler.
	// They share nothing mutable except the database and the event bus;
	// cancelling taskCtx (in runEngine, once the engine exits for any
	// reason) takes the reconciler down with it.
	go reconciler.New(botID, m.st, ex, m.log).Run(taskCtx)
	go m.runEngine(taskCtx, cancel, botID, eng, ex)
	return nil
}

// remove drops botID from the registry if still present. Both the
// completion hook and Stop call it; only the first caller wins, so the
// running-engines gauge stays balanced.
func (m *Manager) remove(botID int64) {
	m.mu.Lock()
	_, ok := m.running[botID]
	if ok {
		delete(m.running, botID)
	}
	m.mu.Unlock()
	if ok {
		telemetry.EnginesRunning.Dec()
	}
}

func (m *Manager) runEngine(ctx context.Context, cancel context.CancelFunc, botID int64, eng *engine.Engine, ex exchange.Exchange) {
	err := eng.Run(ctx)
	cancel()
	m.remove(botID)
	ex.Close()

	if err != nil && ctx.Err() == nil {
		m.log.Error().Err(err).Int64("bot_id", botID).Msg("engine terminated abnormally")
		if bot, getErr := m.st.GetBot(botID); getErr == nil {
			bot.Status = store.StatusStopped
			m.st.SaveBot(bot)
		}
	}
}

// Stop requests an orderly close-all (bounded by closeGrace), then sets
// the engine's cooperative stop flag and waits for it to exit; the
// engine's task is cancelled only if it has not exited within
// closeGrace.
func (m *Manager) Stop(ctx context.Context, botID int64) error {
	m.mu.Lock()
	rb, ok := m.running[botID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("manager: bot %d is not running", botID)
	}

	closeCtx, closeCancel := context.WithTimeout(ctx, closeGrace)
	if err := rb.eng.CloseAllPositions(closeCtx); err != nil {
		m.log.Warn().Err(err).Int64("bot_id", botID).Msg("close-all before stop failed, continuing with stop")
	}
	closeCancel()

	rb.eng.Stop()

	select {
	case <-rb.eng.Done():
	case <-time.After(closeGrace):
		m.log.Warn().Int64("bot_id", botID).Msg("engine did not exit within grace period, hard-cancelling")
		rb.cancel()
		<-rb.eng.Done()
	}
	m.remove(botID)

	if bot, err := m.st.GetBot(botID); err == nil {
		bot.Status = store.StatusStopped
		m.st.SaveBot(bot)
	}
	return nil
}

// Pause stops the tick loop without closing positions.
func (m *Manager) Pause(botID int64) error {
	m.mu.Lock()
	rb, ok := m.running[botID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("manager: bot %d is not running", botID)
	}
	rb.eng.Stop()
	<-rb.eng.Done()
	m.remove(botID)

	bot, err := m.st.GetBot(botID)
	if err != nil {
		return err
	}
	bot.Status = store.StatusPaused
	return m.st.SaveBot(bot)
}

// ClosePositions closes a bot's open positions whether or not it is
// currently running, using the running Engine if present or a
// transient exchange client otherwise.
func (m *Manager) ClosePositions(ctx context.Context, botID int64) error {
	m.mu.Lock()
	rb, ok := m.running[botID]
	m.mu.Unlock()
	if ok {
		return rb.eng.CloseAllPositions(ctx)
	}

	bot, err := m.st.GetBot(botID)
	if err != nil {
		return err
	}
	tag, creds, err := m.lookup(botID)
	if err != nil {
		return err
	}
	ex, err := exchange.New(tag, creds)
	if err != nil {
		return err
	}
	defer ex.Close()

	positions, err := ex.GetAllPositions(ctx)
	if err != nil {
		return err
	}
	for _, p := range positions {
		if p.Symbol != bot.M1 && p.Symbol != bot.M2 {
			continue // the account may carry other bots' legs
		}
		closeSide := spread.Buy
		if p.Side == exchange.PositionLong {
			closeSide = spread.Sell
		}
		if _, err := ex.CreateMarketOrder(ctx, p.Symbol, closeSide, p.Amount, true); err != nil {
			m.log.Error().Err(err).Str("symbol", p.Symbol).Msg("close-positions leg failed")
		}
	}
	dbOpen, err := m.st.OpenPositions(botID)
	if err != nil {
		return err
	}
	for _, p := range dbOpen {
		if err := m.st.ClosePosition(p.ID); err != nil {
			return err
		}
	}
	return nil
}

// RecoverAll is called once at process boot: every bot persisted as
// running gets a fresh Engine; any that fails to start is forced back
// to stopped rather than left in a false "running" state.
func (m *Manager) RecoverAll(ctx context.Context) error {
	bots, err := m.st.ListBotsByStatus(store.StatusRunning)
	if err != nil {
		return fmt.Errorf("manager: list running bots: %w", err)
	}
	for _, b := range bots {
		err := m.Start(ctx, b.ID)
		if errors.Is(err, ErrAlreadyRunning) {
			continue // a second recovery pass must not disturb live engines
		}
		if err != nil {
			m.log.Error().Err(err).Int64("bot_id", b.ID).Msg("recovery start failed, forcing stopped")
			b.Status = store.StatusStopped
			m.st.SaveBot(&b)
		}
	}
	return nil
}

// Cleanup stops every running Engine; called on graceful process
// shutdown.
func (m *Manager) Cleanup(ctx context.Context) {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Stop(ctx, id); err != nil {
			m.log.Error().Err(err).Int64("bot_id", id).Msg("cleanup stop failed")
		}
	}
}

// RunningBots returns the ids of bots with a live engine, for the
// control plane's listings.
func (m *Manager) RunningBots() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	return ids
}

// CreateBot validates a bot configuration and inserts it with
// status=stopped. This is the create-bot operation the control plane
// drives; it never touches a live engine.
func (m *Manager) CreateBot(b *store.Bot) error {
	if err := store.ValidateConfig(b); err != nil {
		return err
	}
	b.Status = store.StatusStopped
	return m.st.CreateBot(b)
}

// TestConnection builds a transient exchange client for botID and
// verifies credentials by fetching the account balance, bounded by the
// 30 s connectivity timeout.
func (m *Manager) TestConnection(ctx context.Context, botID int64) error {
	tag, creds, err := m.lookup(botID)
	if err != nil {
		return err
	}
	ex, err := exchange.New(tag, creds)
	if err != nil {
		return err
	}
	defer ex.Close()

	ctx, cancel := context.WithTimeout(ctx, connectivityBound)
	defer cancel()
	if _, err := ex.GetBalance(ctx); err != nil {
		return fmt.Errorf("manager: connectivity test for bot %d: %w", botID, err)
	}
	return nil
}
