// ABOUTME: Session row persistence - challenge nonces with expiry timestamps
// ABOUTME: RotateSession is the conditional update that makes nonces single-use

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateSession persists a new challenge row. The nonce must be unique; a
// collision on 16 random bytes indicates a broken randomness source and is
// surfaced as a plain error.
func (s *SQLiteStore) CreateSession(ctx context.Context, nonce []byte, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (nonce, expires_at) VALUES (?, ?)
	`, nonce, formatTime(expiresAt))
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "expires_at", expiresAt)
	return nil
}

// GetSessionByNonce looks up the session holding the presented nonce.
// Returns ErrSessionNotFound if no row holds it.
func (s *SQLiteStore) GetSessionByNonce(ctx context.Context, nonce []byte) (*Session, error) {
	var session Session
	var expiresAtStr string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, nonce, expires_at FROM sessions WHERE nonce = ?
	`, nonce).Scan(&session.ID, &session.Nonce, &expiresAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	session.ExpiresAt, err = parseTime(expiresAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}

	return &session, nil
}

// DeleteSession removes a session row. Used for lazy eviction of expired
// sessions; deleting a row that is already gone is not an error.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// RotateSession atomically replaces the session's nonce and expiry, guarded
// on the row still holding oldNonce. The guard is what makes a presented
// nonce valid at most once: of any number of concurrent callers that passed
// signature verification against oldNonce, exactly one update matches the
// row and every other caller sees zero rows affected. Zero rows is reported
// as ErrSessionNotFound; there is no unconditional fallback.
func (s *SQLiteStore) RotateSession(ctx context.Context, id int64, oldNonce, newNonce []byte, expiresAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET nonce = ?, expires_at = ? WHERE id = ? AND nonce = ?
	`, newNonce, formatTime(expiresAt), id, oldNonce)
	if err != nil {
		return fmt.Errorf("rotating session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrSessionNotFound
	}

	s.logger.Debug("rotated session", "id", id, "expires_at", expiresAt)
	return nil
}
