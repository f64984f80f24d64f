package storage

import (
	"context"
	"errors"
	"time"
)

// ErrReplayNotFound reports a point lookup for an assertion ID with no
// recorded consumption.
var ErrReplayNotFound = errors.New("storage: replay record not found")

// ReplayRecord is the persisted consumption marker for one assertion.
// Created exactly once per assertion ID; read-only afterward; removed only
// by the expiry sweep.
type ReplayRecord struct {
	ID          string
	AssertionID string
	RequestID   string
	Subject     string
	IPAddress   string
	UserAgent   string
	SessionID   *string
	DateAdded   time.Time
	ExpiresAt   time.Time
}

// ReplayStore persists assertion consumption markers.
//
// CreateReplay must be atomic with respect to concurrent callers on the
// same assertion ID: exactly one caller observes created=true, all others
// observe created=false. Implementations back this with whatever
// conditional-insert primitive the store offers (a unique constraint, a
// conditional put).
type ReplayStore interface {
	// CreateReplay inserts the record unless one already exists for its
	// assertion ID. created=false with a nil error means the ID was
	// already consumed.
	CreateReplay(ctx context.Context, record ReplayRecord) (created bool, err error)
	// GetReplay returns the record for an assertion ID, or ErrReplayNotFound.
	GetReplay(ctx context.Context, assertionID string) (ReplayRecord, error)
	// DeleteExpiredReplays removes records whose expiry precedes the given
	// time and reports how many were removed. Zero removals is success.
	DeleteExpiredReplays(ctx context.Context, before time.Time) (int64, error)
}
