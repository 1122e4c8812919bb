// Package store provides typed CRUD over bots, orders, positions,
// spread history, and trade logs, backed by GORM. PostgreSQL in
// production, SQLite for tests and single-node dev.
package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// BotStatus is the bot lifecycle state: stopped, running, or paused.
type BotStatus string

const (
	StatusStopped BotStatus = "stopped"
	StatusRunning BotStatus = "running"
	StatusPaused  BotStatus = "paused"
)

// ProfitMode selects which take-profit formula the engine applies:
// spread regression back toward first entry, or P&L as a percentage of
// committed margin.
type ProfitMode string

const (
	ProfitModeRegression ProfitMode = "regression"
	ProfitModePosition   ProfitMode = "position"
)

type OrderKind string

const (
	OrderKindMarket OrderKind = "market"
	OrderKindLimit  OrderKind = "limit"
)

// DCAStep is one entry of a bot's dca_config: the Nth scale-in's
// spread threshold and margin multiplier.
type DCAStep struct {
	Index      int             `json:"index"`
	Threshold  decimal.Decimal `json:"threshold"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

// DCAConfig is the ordered dca_config sequence, stored as a single JSON
// column. GORM has no native array-of-struct column type, so this
// implements Scanner/Valuer directly rather than pulling in a separate
// JSON-column helper module.
type DCAConfig []DCAStep

func (c DCAConfig) Value() (driver.Value, error) {
	return json.Marshal(c)
}

func (c *DCAConfig) Scan(src interface{}) error {
	if src == nil {
		*c = nil
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("store: unsupported DCAConfig scan type %T", src)
	}
	if len(b) == 0 {
		*c = nil
		return nil
	}
	return json.Unmarshal(b, c)
}

// Bot holds one bot's immutable-while-running configuration plus its
// live counters.
type Bot struct {
	ID              int64  `gorm:"primaryKey;autoIncrement"`
	Name            string
	UserID          int64  `gorm:"index"`
	ExchangeAccount string `gorm:"index"`

	M1        string `gorm:"index"`
	M2        string `gorm:"index"`
	StartTime time.Time

	Leverage        int
	PerOrderMargin  decimal.Decimal `gorm:"type:decimal(30,18)"`
	MaxPositionVal  decimal.Decimal `gorm:"type:decimal(30,18)"`
	MaxDCATimes     int
	DCAConfigJSON   DCAConfig  `gorm:"column:dca_config;type:text"`
	ProfitMode      ProfitMode `gorm:"default:regression"`
	ProfitRatio     decimal.Decimal `gorm:"type:decimal(20,6)"`
	StopLossRatio   decimal.Decimal `gorm:"type:decimal(20,6)"`
	OrderTypeOpen   OrderKind `gorm:"default:market"`
	OrderTypeClose  OrderKind `gorm:"default:market"`
	ReverseOpening  bool
	PauseAfterClose bool

	M1StartPrice *decimal.Decimal `gorm:"type:decimal(30,18)"`
	M2StartPrice *decimal.Decimal `gorm:"type:decimal(30,18)"`

	Status            BotStatus `gorm:"index;default:stopped"`
	CurrentCycle      int
	CurrentDCACount   int
	LastTradeSpread   *decimal.Decimal `gorm:"type:decimal(20,6)"`
	FirstTradeSpread  *decimal.Decimal `gorm:"type:decimal(20,6)"`
	TotalProfit       decimal.Decimal  `gorm:"type:decimal(30,18)"`
	TotalTrades       int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Order is the immutable (save for status/filled rewrites by the Data
// Reconciler) record of a submitted exchange order.
type Order struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	BotID           int64  `gorm:"index"`
	Cycle           int
	DCALevel        int
	Symbol          string
	Side            string
	OrderType       OrderKind
	RequestedAmount decimal.Decimal `gorm:"type:decimal(30,18)"`
	FilledAmount    decimal.Decimal `gorm:"type:decimal(30,18)"`
	Cost            decimal.Decimal `gorm:"type:decimal(30,18)"`
	Status          string          `gorm:"index"`
	ExchangeOrderID string
	FilledAt        *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Position is open exposure in one symbol for one bot. At most one
// open Position exists per (bot, symbol); enforced by the Engine, not
// the schema, since "open" is a soft-delete style flag here.
type Position struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	BotID         int64  `gorm:"index"`
	Cycle         int
	Symbol        string `gorm:"index"`
	Side          string
	Amount        decimal.Decimal `gorm:"type:decimal(30,18)"`
	EntryPrice    decimal.Decimal `gorm:"type:decimal(30,18)"`
	CurrentPrice  decimal.Decimal `gorm:"type:decimal(30,18)"`
	UnrealizedPnL decimal.Decimal `gorm:"type:decimal(30,18)"`
	IsOpen        bool            `gorm:"index"`
	ClosedAt      *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SpreadSample is the append-only spread timeseries.
type SpreadSample struct {
	ID         uint  `gorm:"primaryKey;autoIncrement"`
	BotID      int64 `gorm:"index"`
	M1Price    decimal.Decimal `gorm:"type:decimal(30,18)"`
	M2Price    decimal.Decimal `gorm:"type:decimal(30,18)"`
	SpreadPct  decimal.Decimal `gorm:"type:decimal(20,6)"`
	RecordedAt time.Time       `gorm:"index"`
}

// TradeLog is the append-only diagnostic/event log per bot.
type TradeLog struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	BotID     int64  `gorm:"index"`
	Level     string `gorm:"index"` // info, trade, error
	Message   string
	Detail    string // JSON blob, opaque to the store
	CreatedAt time.Time
}
