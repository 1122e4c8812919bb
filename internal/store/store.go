package store

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store wraps a *gorm.DB. An Engine holds one Store for its entire
// lifetime. The Manager passes its own Store to every Engine and uses
// that same Store for control operations (start/pause/stop); no
// separate per-operation Store is opened. Control operations are kept
// from interleaving with a tick by the Engine's op mutex, not by the
// Store.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn: a postgres://... URL selects PostgreSQL,
// anything else is treated as a SQLite file path (":memory:" for tests).
func Open(dsn string) (*Store, error) {
	var db *gorm.DB
	var err error

	gcfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), gcfg)
	} else {
		db, err = gorm.Open(sqlite.Open(dsn), gcfg)
	}
	if err != nil {
		return nil, fmt.Errorf("store: open %w", err)
	}

	if err := db.AutoMigrate(&Bot{}, &Order{}, &Position{}, &SpreadSample{}, &TradeLog{}); err != nil {
		return nil, fmt.Errorf("store: migrate %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Bot operations

func (s *Store) CreateBot(b *Bot) error {
	return s.db.Create(b).Error
}

func (s *Store) GetBot(id int64) (*Bot, error) {
	var b Bot
	if err := s.db.First(&b, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) SaveBot(b *Bot) error {
	return s.db.Save(b).Error
}

func (s *Store) ListBotsByStatus(status BotStatus) ([]Bot, error) {
	var bots []Bot
	err := s.db.Where("status = ?", status).Find(&bots).Error
	return bots, err
}

// Order operations

func (s *Store) CreateOrder(o *Order) error {
	return s.db.Create(o).Error
}

func (s *Store) UpdateOrder(o *Order) error {
	return s.db.Save(o).Error
}

// NonTerminalOrders returns every order for botID still pending or
// open, for the Data Reconciler to re-poll.
func (s *Store) NonTerminalOrders(botID int64) ([]Order, error) {
	var orders []Order
	err := s.db.Where("bot_id = ? AND status IN ?", botID, []string{"pending", "open"}).Find(&orders).Error
	return orders, err
}

// Position operations

func (s *Store) OpenPositions(botID int64) ([]Position, error) {
	var positions []Position
	err := s.db.Where("bot_id = ? AND is_open = ?", botID, true).Find(&positions).Error
	return positions, err
}

func (s *Store) OpenPositionBySymbol(botID int64, symbol string) (*Position, error) {
	var p Position
	err := s.db.Where("bot_id = ? AND symbol = ? AND is_open = ?", botID, symbol, true).First(&p).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreatePosition(p *Position) error {
	return s.db.Create(p).Error
}

func (s *Store) SavePosition(p *Position) error {
	return s.db.Save(p).Error
}

// ClosePosition marks a Position row closed without querying it back.
func (s *Store) ClosePosition(id uint) error {
	now := time.Now()
	return s.db.Model(&Position{}).Where("id = ?", id).Updates(map[string]interface{}{
		"is_open": false, "closed_at": now,
	}).Error
}

// MaxCycle returns the highest cycle number ever recorded for botID
// across its positions, or 0 if none exist.
func (s *Store) MaxCycle(botID int64) (int, error) {
	var max int
	err := s.db.Model(&Position{}).Where("bot_id = ?", botID).
		Select("COALESCE(MAX(cycle), 0)").Scan(&max).Error
	return max, err
}

// SpreadSample / TradeLog operations

func (s *Store) CreateSpreadSample(sample *SpreadSample) error {
	return s.db.Create(sample).Error
}

func (s *Store) CreateTradeLog(t *TradeLog) error {
	return s.db.Create(t).Error
}

// Transaction runs fn inside a single DB transaction. Multi-row writes
// (the open-position pair, close-cycle finalization) must be
// all-or-nothing.
func (s *Store) Transaction(fn func(tx *Store) error) error {
	return s.db.Transaction(func(gtx *gorm.DB) error {
		return fn(&Store{db: gtx})
	})
}
