package replay

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerGuard wraps a Guard (in practice the Redis guard) with a circuit
// breaker. When the backing store is unhealthy the guard fails OPEN: events
// are treated as not-replayed and processing continues, because the
// idempotent upserts downstream make an occasional duplicate delivery
// harmless, while rejecting live traffic on a cache outage would not be.
type BreakerGuard struct {
	inner   Guard
	breaker *gobreaker.CircuitBreaker[bool]
	logger  *slog.Logger
}

// NewBreakerGuard wraps inner with a circuit breaker. The breaker opens after
// five consecutive failures and probes again after 30 seconds.
func NewBreakerGuard(inner Guard, logger *slog.Logger) *BreakerGuard {
	if logger == nil {
		logger = slog.Default()
	}

	settings := gobreaker.Settings{
		Name:    "replay-guard",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("replay guard breaker state change",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	}

	return &BreakerGuard{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[bool](settings),
		logger:  logger,
	}
}

// Compile-time assertion that BreakerGuard satisfies Guard.
var _ Guard = (*BreakerGuard)(nil)

// CheckAndMark implements Guard. Backend or breaker-open failures degrade to
// "not a replay" with a warning rather than propagating an error.
func (g *BreakerGuard) CheckAndMark(ctx context.Context, eventID string) (bool, error) {
	isReplay, err := g.breaker.Execute(func() (bool, error) {
		return g.inner.CheckAndMark(ctx, eventID)
	})
	if err != nil {
		g.logger.WarnContext(ctx, "replay guard unavailable, failing open",
			slog.String("event_id", eventID),
			slog.Any("error", err),
		)
		return false, nil
	}
	return isReplay, nil
}

// Forget implements Guard. Failures are logged and swallowed: a stale mark
// expires on its own at the end of the window.
func (g *BreakerGuard) Forget(ctx context.Context, eventID string) error {
	_, err := g.breaker.Execute(func() (bool, error) {
		return false, g.inner.Forget(ctx, eventID)
	})
	if err != nil {
		g.logger.WarnContext(ctx, "replay guard forget failed",
			slog.String("event_id", eventID),
			slog.Any("error", err),
		)
	}
	return nil
}
