package store

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetBot(t *testing.T) {
	s := openTestStore(t)
	b := &Bot{
		M1: "BTCUSDT", M2: "ETHUSDT", StartTime: time.Now(),
		Leverage: 10, PerOrderMargin: decimal.NewFromInt(100),
		MaxDCATimes: 2, Status: StatusStopped,
		DCAConfigJSON: DCAConfig{{Index: 1, Threshold: decimal.NewFromInt(1), Multiplier: decimal.NewFromInt(1)}},
	}
	if err := s.CreateBot(b); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.GetBot(b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.M1 != "BTCUSDT" || len(got.DCAConfigJSON) != 1 {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
}

func TestOpenPositionsExcludesClosed(t *testing.T) {
	s := openTestStore(t)
	b := &Bot{M1: "BTCUSDT", M2: "ETHUSDT", Status: StatusRunning}
	if err := s.CreateBot(b); err != nil {
		t.Fatalf("create bot: %v", err)
	}
	open := &Position{BotID: b.ID, Symbol: "BTCUSDT", Side: "long", Amount: decimal.NewFromInt(1), IsOpen: true}
	closed := &Position{BotID: b.ID, Symbol: "ETHUSDT", Side: "short", Amount: decimal.NewFromInt(1), IsOpen: false}
	if err := s.CreatePosition(open); err != nil {
		t.Fatalf("create open: %v", err)
	}
	if err := s.CreatePosition(closed); err != nil {
		t.Fatalf("create closed: %v", err)
	}

	positions, err := s.OpenPositions(b.ID)
	if err != nil {
		t.Fatalf("open positions: %v", err)
	}
	if len(positions) != 1 || positions[0].Symbol != "BTCUSDT" {
		t.Fatalf("expected only the open BTCUSDT position, got %+v", positions)
	}
}

func TestClosePositionSetsFlagsAndTimestamp(t *testing.T) {
	s := openTestStore(t)
	b := &Bot{M1: "BTCUSDT", M2: "ETHUSDT"}
	s.CreateBot(b)
	p := &Position{BotID: b.ID, Symbol: "BTCUSDT", Side: "long", Amount: decimal.NewFromInt(1), IsOpen: true}
	if err := s.CreatePosition(p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.ClosePosition(p.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	positions, _ := s.OpenPositions(b.ID)
	if len(positions) != 0 {
		t.Fatal("expected no open positions after close")
	}
	var got Position
	if err := s.db.First(&got, p.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.IsOpen || got.ClosedAt == nil {
		t.Fatalf("expected is_open=false and closed_at set, got %+v", got)
	}
}

func TestMaxCycleDefaultsToZero(t *testing.T) {
	s := openTestStore(t)
	b := &Bot{M1: "BTCUSDT", M2: "ETHUSDT"}
	s.CreateBot(b)
	max, err := s.MaxCycle(b.ID)
	if err != nil {
		t.Fatalf("max cycle: %v", err)
	}
	if max != 0 {
		t.Fatalf("expected 0, got %d", max)
	}
}

func TestTransactionRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	b := &Bot{M1: "BTCUSDT", M2: "ETHUSDT"}
	s.CreateBot(b)

	wantErr := errTest
	err := s.Transaction(func(tx *Store) error {
		if err := tx.CreateTradeLog(&TradeLog{BotID: b.ID, Level: "info", Message: "should roll back"}); err != nil {
			return err
		}
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	var n int64
	if err := s.db.Model(&TradeLog{}).Where("bot_id = ?", b.ID).Count(&n).Error; err != nil {
		t.Fatalf("count trade logs: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected the trade log insert to be rolled back, found %d rows", n)
	}
}

var errTest = &sentinelErr{"boom"}

type sentinelErr struct{ s string }

func (e *sentinelErr) Error() string { return e.s }
