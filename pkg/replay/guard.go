// Package replay tracks consumed assertion identifiers so a captured
// assertion cannot be presented twice. The backing store's conditional
// insert is the only serialization point: first writer wins, every later
// writer observes the conflict branch.
package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	oerrors "github.com/caregate/ssoguard/pkg/errors"
	"github.com/caregate/ssoguard/pkg/storage"
)

// DefaultSafetyMargin pads the recorded expiry past the assertion's stated
// NotOnOrAfter to absorb clock skew across validating nodes.
const DefaultSafetyMargin = time.Hour

// Entry describes one assertion use to be checked and recorded. ExpiresAt
// is the assertion's stated NotOnOrAfter; the guard adds its safety margin.
type Entry struct {
	AssertionID string
	RequestID   string
	Subject     string
	IPAddress   string
	UserAgent   string
	SessionID   *string
	ExpiresAt   time.Time
}

// Outcome reports a check-and-track decision. When a replay is detected,
// Existing carries the original recorded entry so operators can tell a
// same-client retry apart from a captured assertion presented from another
// network address.
type Outcome struct {
	Safe     bool
	Reason   oerrors.Code
	Existing *storage.ReplayRecord
}

type Guard struct {
	store  storage.ReplayStore
	margin time.Duration
	logger logr.Logger
	now    func() time.Time
}

type Option func(*Guard)

func WithSafetyMargin(margin time.Duration) Option {
	return func(g *Guard) {
		if margin > 0 {
			g.margin = margin
		}
	}
}

func WithLogger(logger logr.Logger) Option {
	return func(g *Guard) {
		g.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

func NewGuard(store storage.ReplayStore, opts ...Option) (*Guard, error) {
	if store == nil {
		return nil, oerrors.ErrMissingReplayStore
	}

	guard := &Guard{
		store:  store,
		margin: DefaultSafetyMargin,
		logger: logr.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(guard)
	}

	return guard, nil
}

// FailureMode documents the guard's behavior when the store is down:
// fail closed. The rate limiter holds the opposite policy.
func (g *Guard) FailureMode() storage.FailureMode {
	return storage.FailureModeClosed
}

// CheckAndTrack atomically records first use of an assertion ID. The write
// is detached from the caller's cancellation: an aborted login request must
// not leave the assertion replayable, so once issued the insert runs to
// completion.
//
// Store errors return an unsafe outcome alongside the error; the caller
// must treat any !Safe outcome as a failed check.
func (g *Guard) CheckAndTrack(ctx context.Context, entry Entry) (Outcome, error) {
	ctx = context.WithoutCancel(ctx)

	record := storage.ReplayRecord{
		ID:          uuid.NewString(),
		AssertionID: entry.AssertionID,
		RequestID:   entry.RequestID,
		Subject:     entry.Subject,
		IPAddress:   entry.IPAddress,
		UserAgent:   entry.UserAgent,
		SessionID:   entry.SessionID,
		DateAdded:   g.now().UTC(),
		ExpiresAt:   entry.ExpiresAt.UTC().Add(g.margin),
	}

	created, err := g.store.CreateReplay(ctx, record)
	if err != nil {
		g.logger.Error(err, "replay store unavailable, failing closed", "assertion_id", entry.AssertionID)
		return Outcome{Safe: false, Reason: oerrors.CodeStorageUnavailable},
			oerrors.Wrap(oerrors.CodeStorageUnavailable, "replay guard: create replay record", err)
	}

	if created {
		return Outcome{Safe: true}, nil
	}

	outcome := Outcome{Safe: false, Reason: oerrors.CodeReplayDetected}

	existing, err := g.store.GetReplay(ctx, entry.AssertionID)
	if err != nil {
		// The replay itself is established; only the detail lookup failed.
		g.logger.Error(err, "failed to load original replay record", "assertion_id", entry.AssertionID)
		return outcome, nil
	}

	outcome.Existing = &existing
	return outcome, nil
}

// CleanupExpired deletes entries whose padded expiry has passed. Safe to
// run concurrently with inserts and with itself; deleting nothing is a
// successful no-op.
func (g *Guard) CleanupExpired(ctx context.Context) (int64, error) {
	deleted, err := g.store.DeleteExpiredReplays(ctx, g.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("replay guard: delete expired entries: %w", err)
	}
	return deleted, nil
}
