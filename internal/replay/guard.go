// Package replay implements the replay guard: a short-lived record of webhook
// event IDs that have already been accepted, used to reject re-delivered or
// maliciously replayed events inside the signature tolerance window.
//
// The guard is an interface so the backing store is swappable without
// touching handler logic: the memory store covers single-instance
// deployments, the Redis store shares state across instances. Entries only
// need to live as long as the signature tolerance window -- an older capture
// is already rejected by the verifier, and beyond the window the idempotent
// upserts make re-delivery harmless anyway.
package replay

import (
	"context"
	"time"

	"expensio/internal/external"
)

// Window is how long a processed event ID stays guarded. It equals the
// signature tolerance: the two mechanisms jointly cover the replayable
// lifetime of a captured request.
const Window = external.SignatureTolerance

// Guard records accepted event IDs and answers whether an ID was seen before.
type Guard interface {
	// CheckAndMark atomically checks whether eventID was already accepted
	// within the window and, if not, marks it as accepted. It returns true
	// when the event is a replay. The check and the mark are a single
	// critical section so two near-simultaneous deliveries of the same
	// event cannot both pass.
	CheckAndMark(ctx context.Context, eventID string) (bool, error)

	// Forget releases a mark set by CheckAndMark. Called when downstream
	// processing fails with a retryable error, so the provider's retry of
	// the same event is not locked out with a 409.
	Forget(ctx context.Context, eventID string) error
}

// clock is the time source used by stores; injectable for tests.
type clock func() time.Time
