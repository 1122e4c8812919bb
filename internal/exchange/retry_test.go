package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lookoupai/chainmakes-go/internal/apperr"
)

var fastPolicy = RetryPolicy{Attempts: 3, Base: time.Millisecond}

func TestWithRetryTransientExhaustsAttempts(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), zerolog.Nop(), fastPolicy, "op", func(ctx context.Context) error {
		calls++
		return apperr.Transient("op", errors.New("connection reset"))
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != fastPolicy.Attempts+1 {
		t.Fatalf("expected %d calls, got %d", fastPolicy.Attempts+1, calls)
	}
}

func TestWithRetryNonTransientSurfacesImmediately(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), zerolog.Nop(), fastPolicy, "op", func(ctx context.Context) error {
		calls++
		return apperr.Auth("op", errors.New("bad signature"))
	})
	if !apperr.Is(err, apperr.KindAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("auth errors must not be retried, got %d calls", calls)
	}
}

func TestWithRetryRecoversMidway(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), zerolog.Nop(), fastPolicy, "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return apperr.Transient("op", errors.New("timeout"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success once fn recovers, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestWithRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithRetry(ctx, zerolog.Nop(), RetryPolicy{Attempts: 5, Base: time.Second}, "op", func(ctx context.Context) error {
		return apperr.Transient("op", errors.New("timeout"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
