package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/caregate/ssoguard/pkg/storage"
)

const (
	createReplayQuery = `
INSERT INTO ssoguard.replay_assertion (
  id, assertion_id, request_id, subject, ip_address, user_agent, session_id, date_added, expires_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (assertion_id) DO NOTHING
`

	getReplayQuery = `
SELECT
  id::text, assertion_id, request_id, subject, ip_address::text, user_agent, session_id, date_added, expires_at
FROM ssoguard.replay_assertion
WHERE assertion_id = $1
`

	deleteExpiredReplayQuery = `
DELETE FROM ssoguard.replay_assertion
WHERE expires_at < $1
`
)

// CreateReplay records first use of an assertion ID. The ON CONFLICT clause
// on the assertion_id unique index is the serialization point: concurrent
// inserts for the same ID race inside postgres and exactly one row lands.
func (a *Adapter) CreateReplay(ctx context.Context, record storage.ReplayRecord) (bool, error) {
	if err := a.requirePreparedStatements(); err != nil {
		return false, err
	}

	dateAdded := record.DateAdded
	if dateAdded.IsZero() {
		dateAdded = time.Now().UTC()
	}

	result, err := a.stmts.createReplay.ExecContext(
		ctx,
		record.ID,
		record.AssertionID,
		record.RequestID,
		record.Subject,
		normalizeIPAddress(record.IPAddress),
		record.UserAgent,
		record.SessionID,
		dateAdded,
		record.ExpiresAt.UTC(),
	)
	if err != nil {
		// A unique violation outside the ON CONFLICT target (the id
		// primary key) still means the record exists.
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

func (a *Adapter) GetReplay(ctx context.Context, assertionID string) (storage.ReplayRecord, error) {
	if err := a.requirePreparedStatements(); err != nil {
		return storage.ReplayRecord{}, err
	}

	row := a.stmts.getReplay.QueryRowContext(ctx, assertionID)
	record, err := scanReplay(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ReplayRecord{}, storage.ErrReplayNotFound
	}
	if err != nil {
		return storage.ReplayRecord{}, err
	}

	return record, nil
}

func (a *Adapter) DeleteExpiredReplays(ctx context.Context, before time.Time) (int64, error) {
	if err := a.requirePreparedStatements(); err != nil {
		return 0, err
	}

	result, err := a.stmts.deleteExpiredReplay.ExecContext(ctx, before.UTC())
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

func scanReplay(s scanner) (storage.ReplayRecord, error) {
	var (
		record    storage.ReplayRecord
		sessionID sql.NullString
	)

	if err := s.Scan(
		&record.ID,
		&record.AssertionID,
		&record.RequestID,
		&record.Subject,
		&record.IPAddress,
		&record.UserAgent,
		&sessionID,
		&record.DateAdded,
		&record.ExpiresAt,
	); err != nil {
		return storage.ReplayRecord{}, err
	}

	if sessionID.Valid {
		value := sessionID.String
		record.SessionID = &value
	}
	record.DateAdded = record.DateAdded.UTC()
	record.ExpiresAt = record.ExpiresAt.UTC()

	return record, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.UniqueViolation
}

func normalizeIPAddress(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "0.0.0.0"
	}
	return value
}
