package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lookoupai/chainmakes-go/internal/apperr"
	"github.com/lookoupai/chainmakes-go/internal/spread"
)

// Mock is a deterministic, in-memory Exchange adapter: prices are set by
// the test/dry-run driver via SetPrice, orders fill instantly at that
// price, and positions accumulate the same way a real venue would.
// Used for engine tests and dry-run bots (adapter tag "mock").
type Mock struct {
	mu        sync.Mutex
	prices    map[string]decimal.Decimal
	positions map[string]*Position
	orders    map[string]Order
	leverage  map[string]int
	seq       int
}

func NewMock() *Mock {
	return &Mock{
		prices:    make(map[string]decimal.Decimal),
		positions: make(map[string]*Position),
		orders:    make(map[string]Order),
		leverage:  make(map[string]int),
	}
}

// SetPrice sets the last-trade price a symbol will quote and fill at.
func (m *Mock) SetPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

func (m *Mock) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	price, ok := m.prices[symbol]
	if !ok {
		return Ticker{}, apperr.Invariant("GetTicker", fmt.Errorf("unknown symbol %s", symbol))
	}
	return Ticker{Symbol: symbol, Last: price, Bid: price, Ask: price, At: time.Now()}, nil
}

func (m *Mock) fill(symbol string, side spread.Side, amount decimal.Decimal, reduceOnly bool) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	price, ok := m.prices[symbol]
	if !ok {
		return Order{}, apperr.Invariant("fill", fmt.Errorf("unknown symbol %s", symbol))
	}
	if amount.IsZero() {
		return Order{}, apperr.Invariant("fill", fmt.Errorf("zero amount order for %s", symbol))
	}

	m.seq++
	id := uuid.New().String()
	cost := amount.Mul(price)

	m.applyFill(symbol, side, amount, price, reduceOnly)

	order := Order{
		ID:       id,
		Symbol:   symbol,
		Side:     side,
		Type:     OrderTypeMarket,
		Amount:   amount,
		Filled:   amount,
		Cost:     cost,
		Status:   OrderStatusClosed,
		CreateAt: time.Now(),
	}
	m.orders[id] = order
	return order, nil
}

func (m *Mock) applyFill(symbol string, side spread.Side, amount, price decimal.Decimal, reduceOnly bool) {
	existing := m.positions[symbol]
	wantSide := PositionLong
	if side == spread.Sell {
		wantSide = PositionShort
	}

	if existing == nil {
		if reduceOnly {
			return
		}
		m.positions[symbol] = &Position{Symbol: symbol, Side: wantSide, Amount: amount, EntryPrice: price, CurrentPrice: price}
		return
	}

	if existing.Side == wantSide {
		totalAmt := existing.Amount.Add(amount)
		newEntry := existing.Amount.Mul(existing.EntryPrice).Add(amount.Mul(price)).Div(totalAmt)
		existing.Amount = totalAmt
		existing.EntryPrice = newEntry
		existing.CurrentPrice = price
		return
	}

	// opposite direction: reduces the existing position
	remaining := existing.Amount.Sub(amount)
	if remaining.IsZero() || remaining.IsNegative() {
		delete(m.positions, symbol)
		return
	}
	existing.Amount = remaining
	existing.CurrentPrice = price
}

func (m *Mock) CreateMarketOrder(ctx context.Context, symbol string, side spread.Side, amount decimal.Decimal, reduceOnly bool) (Order, error) {
	return m.fill(symbol, side, amount, reduceOnly)
}

func (m *Mock) CreateLimitOrder(ctx context.Context, symbol string, side spread.Side, amount, price decimal.Decimal, reduceOnly bool) (Order, error) {
	return m.fill(symbol, side, amount, reduceOnly)
}

func (m *Mock) GetOrder(ctx context.Context, id, symbol string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return Order{}, apperr.Invariant("GetOrder", fmt.Errorf("unknown order %s", id))
	}
	return order, nil
}

func (m *Mock) CancelOrder(ctx context.Context, id, symbol string) error {
	return nil
}

func (m *Mock) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[symbol]
	if !ok {
		return nil, nil
	}
	cp := *pos
	return &cp, nil
}

func (m *Mock) GetAllPositions(ctx context.Context) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out, nil
}

func (m *Mock) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leverage[symbol] = leverage
	return nil
}

func (m *Mock) GetBalance(ctx context.Context) (map[string]Balance, error) {
	return map[string]Balance{
		"USDT": {Currency: "USDT", Free: decimal.NewFromInt(100000), Used: decimal.Zero, Total: decimal.NewFromInt(100000)},
	}, nil
}

func (m *Mock) FetchHistoricalPrice(ctx context.Context, symbol string, tsMs int64) (*decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	price, ok := m.prices[symbol]
	if !ok {
		return nil, nil
	}
	return &price, nil
}

func (m *Mock) Close() error { return nil }

// SetUnrealizedPnL lets tests directly drive a position's floating P&L
// without modeling the full mark-price math.
func (m *Mock) SetUnrealizedPnL(symbol string, pnl decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pos, ok := m.positions[symbol]; ok {
		pos.UnrealizedPnL = pnl
	}
}
