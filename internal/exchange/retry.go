package exchange

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lookoupai/chainmakes-go/internal/apperr"
	"github.com/lookoupai/chainmakes-go/internal/telemetry"
)

// RetryPolicy is an exponential-backoff schedule: delay(attempt) =
// Base * 2^attempt, up to Attempts retries.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
}

// ReadPolicy is used for ticker/position/order reads (N=3, base=1s).
var ReadPolicy = RetryPolicy{Attempts: 3, Base: time.Second}

// LeveragePolicy is used for set-leverage calls (N=2, base=500ms).
var LeveragePolicy = RetryPolicy{Attempts: 2, Base: 500 * time.Millisecond}

// WithRetry runs fn, retrying per policy only when fn returns a
// transient *apperr.Error. Non-transient errors (auth, invariant,
// persistence) surface on the first attempt. The elapsed time is bounded
// by policy.Attempts; this never retries forever.
func WithRetry(ctx context.Context, log zerolog.Logger, policy RetryPolicy, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= policy.Attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !apperr.Is(err, apperr.KindTransient) {
			return err
		}
		if attempt == policy.Attempts {
			break
		}
		delay := policy.Base << attempt
		telemetry.RetriesTotal.WithLabelValues(op).Inc()
		log.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Dur("delay", delay).Msg("transient exchange error, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	log.Warn().Err(lastErr).Str("op", op).Msg("retries exhausted")
	return lastErr
}
