// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides device/user/session/mailbox persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeLayout is RFC 3339 with a fixed nine-digit fraction. The fixed width
// keeps lexicographic ordering of stored timestamps correct, which the
// mailbox relies on for ORDER BY reception_time.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// Concurrent writers wait instead of failing immediately with SQLITE_BUSY
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Bounded pool; callers supply a deadline context to fail fast on exhaustion
	db.SetMaxOpenConns(10)

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id               TEXT PRIMARY KEY,
			email            TEXT NOT NULL UNIQUE,
			identity_key     BLOB NOT NULL,
			signed_prekey    BLOB NOT NULL,
			prekey_signature BLOB NOT NULL,
			nickname         TEXT,
			bio              TEXT,
			created_at       TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS devices (
			id         TEXT PRIMARY KEY,
			user_id    TEXT REFERENCES users(id),
			public_key BLOB NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_devices_user ON devices(user_id);

		CREATE TABLE IF NOT EXISTS sessions (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			nonce      BLOB NOT NULL UNIQUE,
			expires_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id             TEXT PRIMARY KEY,
			recipient      TEXT NOT NULL,
			sender         TEXT NOT NULL,
			reception_time TEXT NOT NULL,
			type           TEXT NOT NULL,
			payload        TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS mailbox (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id  TEXT NOT NULL REFERENCES devices(id),
			message_id TEXT NOT NULL REFERENCES messages(id)
		);

		CREATE INDEX IF NOT EXISTS idx_mailbox_device ON mailbox(device_id);

		CREATE TABLE IF NOT EXISTS onetime_prekeys (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL REFERENCES users(id),
			prekey  BLOB NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_onetime_prekeys_user ON onetime_prekeys(user_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateDevice registers a device with its verification key and returns the
// new device id. The device has no owner until a user is created from it.
func (s *SQLiteStore) CreateDevice(ctx context.Context, publicKey []byte) (uuid.UUID, error) {
	id := uuid.New()
	query := `INSERT INTO devices (id, public_key, created_at) VALUES (?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query, id.String(), publicKey, formatTime(time.Now()))
	if err != nil {
		return uuid.Nil, fmt.Errorf("inserting device: %w", err)
	}

	s.logger.Debug("created device", "id", id)
	return id, nil
}

// GetDevice retrieves a device by ID.
// Returns ErrDeviceNotFound if the device doesn't exist.
func (s *SQLiteStore) GetDevice(ctx context.Context, id uuid.UUID) (*Device, error) {
	query := `SELECT id, user_id, public_key, created_at FROM devices WHERE id = ?`

	var device Device
	var idStr, createdAtStr string
	var userIDStr sql.NullString

	err := s.db.QueryRowContext(ctx, query, id.String()).Scan(
		&idStr,
		&userIDStr,
		&device.PublicKey,
		&createdAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying device: %w", err)
	}

	device.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parsing device id: %w", err)
	}

	if userIDStr.Valid {
		userID, err := uuid.Parse(userIDStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing device user id: %w", err)
		}
		device.UserID = &userID
	}

	device.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &device, nil
}

// CreateUser inserts the user and binds the creating device to it in one
// transaction. The device must exist and must not already have an owner.
// Returns ErrDuplicateEmail, ErrDeviceNotFound or ErrDeviceOwned accordingly.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User, deviceID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (id, email, identity_key, signed_prekey, prekey_signature, nickname, bio, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		user.ID.String(),
		user.Email,
		user.IdentityKey,
		user.SignedPrekey,
		user.PrekeySignature,
		nullString(user.Nickname),
		nullString(user.Bio),
		formatTime(user.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	// Owner is set exactly once; the guard rejects already-owned devices.
	result, err := tx.ExecContext(ctx, `
		UPDATE devices SET user_id = ? WHERE id = ? AND user_id IS NULL
	`, user.ID.String(), deviceID.String())
	if err != nil {
		return fmt.Errorf("binding device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM devices WHERE id = ?`, deviceID.String()).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrDeviceNotFound
		}
		if err != nil {
			return fmt.Errorf("checking device: %w", err)
		}
		return ErrDeviceOwned
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing user creation: %w", err)
	}

	s.logger.Debug("created user", "id", user.ID, "device_id", deviceID)
	return nil
}

// nullString returns nil for empty strings, otherwise the string pointer
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetUser retrieves a user by ID.
// Returns ErrUserNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `
		SELECT id, email, identity_key, signed_prekey, prekey_signature, nickname, bio, created_at
		FROM users
		WHERE id = ?
	`

	var user User
	var idStr, createdAtStr string
	var nickname, bio sql.NullString

	err := s.db.QueryRowContext(ctx, query, id.String()).Scan(
		&idStr,
		&user.Email,
		&user.IdentityKey,
		&user.SignedPrekey,
		&user.PrekeySignature,
		&nickname,
		&bio,
		&createdAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	user.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parsing user id: %w", err)
	}
	user.Nickname = nickname.String
	user.Bio = bio.String

	user.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &user, nil
}

// UpdateSignedPrekey replaces the user's signed prekey and its signature.
// Returns ErrUserNotFound if the user doesn't exist.
func (s *SQLiteStore) UpdateSignedPrekey(ctx context.Context, userID uuid.UUID, signedPrekey, prekeySignature []byte) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET signed_prekey = ?, prekey_signature = ? WHERE id = ?
	`, signedPrekey, prekeySignature, userID.String())
	if err != nil {
		return fmt.Errorf("updating signed prekey: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrUserNotFound
	}

	s.logger.Debug("rotated signed prekey", "user_id", userID)
	return nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
