// ABOUTME: One-time prekey storage - bulk upload and transactional single-key consumption
// ABOUTME: TakeChatPackage pops exactly one key together with the user's long-term keys

package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// AddOneTimePrekeys stores a batch of one-time prekeys for the user. An empty
// batch is a no-op. Returns the number of keys stored.
func (s *SQLiteStore) AddOneTimePrekeys(ctx context.Context, userID uuid.UUID, prekeys [][]byte) (int, error) {
	if len(prekeys) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, prekey := range prekeys {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO onetime_prekeys (user_id, prekey) VALUES (?, ?)
		`, userID.String(), prekey)
		if err != nil {
			return 0, fmt.Errorf("inserting one-time prekey: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing prekey upload: %w", err)
	}

	s.logger.Debug("added one-time prekeys", "user_id", userID, "count", len(prekeys))
	return len(prekeys), nil
}

// TakeChatPackage consumes one of the user's one-time prekeys and returns it
// with the user's identity key, signed prekey and prekey signature, in one
// transaction. Concurrent callers never receive the same one-time key: the
// delete-returning statement removes the row before the package is built,
// and a failed user lookup rolls the consumption back.
// Returns ErrUserNotFound or ErrNoPrekeys.
func (s *SQLiteStore) TakeChatPackage(ctx context.Context, userID uuid.UUID) (*ChatPackage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var pkg ChatPackage
	err = tx.QueryRowContext(ctx, `
		DELETE FROM onetime_prekeys
		WHERE id = (SELECT id FROM onetime_prekeys WHERE user_id = ? LIMIT 1)
		RETURNING prekey
	`, userID.String()).Scan(&pkg.OneTimeKey)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("consuming one-time prekey: %w", err)
	}
	exhausted := err == sql.ErrNoRows

	err = tx.QueryRowContext(ctx, `
		SELECT identity_key, signed_prekey, prekey_signature FROM users WHERE id = ?
	`, userID.String()).Scan(&pkg.IdentityKey, &pkg.SignedPrekey, &pkg.PrekeySignature)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user keys: %w", err)
	}

	if exhausted {
		return nil, ErrNoPrekeys
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing package retrieval: %w", err)
	}

	s.logger.Debug("took chat package", "user_id", userID)
	return &pkg, nil
}
