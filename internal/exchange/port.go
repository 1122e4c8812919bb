// Package exchange defines the capability abstraction over a
// perpetual-futures trading venue and the adapters that satisfy it: a
// real Binance adapter, a real OKX adapter, and a deterministic mock
// used by tests and dry runs. Every adapter translates its venue's
// native conventions into this shared buy/sell/long/short vocabulary.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lookoupai/chainmakes-go/internal/spread"
)

// OrderType mirrors a bot's order_type_open/close configuration.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus is the exchange-reported lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusOpen     OrderStatus = "open"
	OrderStatusClosed   OrderStatus = "closed"
	OrderStatusCanceled OrderStatus = "canceled"
)

// PositionSide is long/short, distinct from the buy/sell order Side.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// Ticker is the last-trade snapshot for a symbol.
type Ticker struct {
	Symbol string
	Last   decimal.Decimal
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Volume decimal.Decimal
	At     time.Time
}

// Order is the exchange's view of a submitted order.
type Order struct {
	ID       string
	Symbol   string
	Side     spread.Side
	Type     OrderType
	Price    *decimal.Decimal // nil for market orders
	Amount   decimal.Decimal
	Filled   decimal.Decimal
	Cost     decimal.Decimal
	Status   OrderStatus
	CreateAt time.Time
}

// Position is the exchange's view of open exposure in one symbol.
type Position struct {
	Symbol        string
	Side          PositionSide
	Amount        decimal.Decimal
	EntryPrice    decimal.Decimal
	CurrentPrice  decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// Balance is a single currency's account balance.
type Balance struct {
	Currency string
	Free     decimal.Decimal
	Used     decimal.Decimal
	Total    decimal.Decimal
}

// Exchange is the capability abstraction every adapter satisfies. All
// methods that hit the network accept a context for cancellation and
// the per-adapter socket timeout; see the Retry Wrapper for transient
// retry behavior layered on top of these calls.
type Exchange interface {
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	CreateMarketOrder(ctx context.Context, symbol string, side spread.Side, amount decimal.Decimal, reduceOnly bool) (Order, error)
	CreateLimitOrder(ctx context.Context, symbol string, side spread.Side, amount, price decimal.Decimal, reduceOnly bool) (Order, error)
	GetOrder(ctx context.Context, id, symbol string) (Order, error)
	CancelOrder(ctx context.Context, id, symbol string) error
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	GetAllPositions(ctx context.Context) ([]Position, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	GetBalance(ctx context.Context) (map[string]Balance, error)
	FetchHistoricalPrice(ctx context.Context, symbol string, tsMs int64) (*decimal.Decimal, error)
	Close() error
}
