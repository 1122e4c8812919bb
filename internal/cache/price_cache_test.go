package cache

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestGetMissBeforeSet(t *testing.T) {
	c := New()
	if _, ok := c.Get("BTCUSDT"); ok {
		t.Fatal("expected miss on empty cache")
	}
}

func TestSetThenGetHits(t *testing.T) {
	c := New()
	c.Set("BTCUSDT", decimal.NewFromInt(65000))
	price, ok := c.Get("BTCUSDT")
	if !ok {
		t.Fatal("expected hit after set")
	}
	if !price.Equal(decimal.NewFromInt(65000)) {
		t.Fatalf("got %s", price)
	}
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	c := NewWithTTL(10 * time.Millisecond)
	c.Set("BTCUSDT", decimal.NewFromInt(1))
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get("BTCUSDT"); ok {
		t.Fatal("expected expiry")
	}
}

func TestInvalidateForcesMiss(t *testing.T) {
	c := New()
	c.Set("BTCUSDT", decimal.NewFromInt(1))
	c.Invalidate("BTCUSDT")
	if _, ok := c.Get("BTCUSDT"); ok {
		t.Fatal("expected miss after invalidate")
	}
}
