// ABOUTME: Session manager - nonce challenge issuance and verify-and-rotate
// ABOUTME: Rotation rides on the store's conditional update for single-use nonces

package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/couriermesh/courier/internal/store"
)

// Session errors
var (
	// ErrSessionInvalid means the presented nonce is absent, expired, or was
	// already consumed. The client must bootstrap a new session.
	ErrSessionInvalid = errors.New("session invalid")

	// ErrDeviceUnknown means the presented device id is not registered.
	ErrDeviceUnknown = errors.New("device unknown")

	// ErrAuthenticationFailed means the signature over the nonce does not
	// verify against the device's registered public key.
	ErrAuthenticationFailed = errors.New("authentication failed")
)

// NonceSize is the length in bytes of a session challenge nonce.
const NonceSize = 16

// DefaultSessionTTL is how long an issued or rotated nonce stays valid.
const DefaultSessionTTL = time.Hour

// SessionStore defines the session persistence the manager needs.
type SessionStore interface {
	CreateSession(ctx context.Context, nonce []byte, expiresAt time.Time) error
	GetSessionByNonce(ctx context.Context, nonce []byte) (*store.Session, error)
	DeleteSession(ctx context.Context, id int64) error
	RotateSession(ctx context.Context, id int64, oldNonce, newNonce []byte, expiresAt time.Time) error
}

// DeviceStore defines the device lookup the manager needs.
type DeviceStore interface {
	GetDevice(ctx context.Context, id uuid.UUID) (*store.Device, error)
}

// SessionManager issues challenge nonces and verifies signed nonces on
// protected requests. Randomness is an injected capability so tests can
// substitute a deterministic source.
//
// Expired sessions are evicted lazily, only when their nonce is next
// presented; storage growth from abandoned sessions is unbounded.
type SessionManager struct {
	sessions SessionStore
	devices  DeviceStore
	rand     io.Reader
	ttl      time.Duration
	logger   *slog.Logger
}

// NewSessionManager creates a session manager. A zero ttl falls back to
// DefaultSessionTTL; a nil rnd falls back to crypto/rand.Reader.
func NewSessionManager(sessions SessionStore, devices DeviceStore, ttl time.Duration, rnd io.Reader) *SessionManager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if rnd == nil {
		rnd = rand.Reader
	}
	return &SessionManager{
		sessions: sessions,
		devices:  devices,
		rand:     rnd,
		ttl:      ttl,
		logger:   slog.Default().With("component", "auth"),
	}
}

// newNonce draws NonceSize bytes from the injected randomness source.
func (m *SessionManager) newNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(m.rand, nonce); err != nil {
		return nil, fmt.Errorf("reading randomness: %w", err)
	}
	return nonce, nil
}

// Issue generates a fresh challenge nonce, persists it with its expiry, and
// returns both. No device is bound to the session yet.
func (m *SessionManager) Issue(ctx context.Context) ([]byte, time.Time, error) {
	nonce, err := m.newNonce()
	if err != nil {
		return nil, time.Time{}, err
	}

	expiry := time.Now().UTC().Add(m.ttl)
	if err := m.sessions.CreateSession(ctx, nonce, expiry); err != nil {
		return nil, time.Time{}, fmt.Errorf("creating session: %w", err)
	}

	m.logger.Debug("issued session nonce", "expires_at", expiry)
	return nonce, expiry, nil
}

// VerifyAndRotate authenticates a protected request: it resolves the session
// by nonce, lazily evicts it if expired, checks the device's signature over
// the nonce, and atomically swaps in a fresh nonce and expiry. The swap is
// conditioned on the row still holding the presented nonce, so concurrent
// presentations of the same nonce yield at most one success.
//
// On success it returns the verified identity and the new nonce the client
// must use for its next request.
func (m *SessionManager) VerifyAndRotate(ctx context.Context, deviceID uuid.UUID, nonce, signedNonce []byte) (*Identity, []byte, error) {
	session, err := m.sessions.GetSessionByNonce(ctx, nonce)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			m.logger.Warn("auth failure", "reason", "nonce_unknown", "device_id", deviceID)
			return nil, nil, ErrSessionInvalid
		}
		return nil, nil, fmt.Errorf("looking up session: %w", err)
	}

	if !session.ExpiresAt.After(time.Now().UTC()) {
		// Lazy eviction; this is the only path that removes expired sessions.
		if err := m.sessions.DeleteSession(ctx, session.ID); err != nil {
			return nil, nil, fmt.Errorf("deleting expired session: %w", err)
		}
		m.logger.Warn("auth failure", "reason", "session_expired", "device_id", deviceID)
		return nil, nil, ErrSessionInvalid
	}

	device, err := m.devices.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, store.ErrDeviceNotFound) {
			m.logger.Warn("auth failure", "reason", "device_unknown", "device_id", deviceID)
			return nil, nil, ErrDeviceUnknown
		}
		return nil, nil, fmt.Errorf("looking up device: %w", err)
	}

	if err := VerifyDetached(device.PublicKey, nonce, signedNonce); err != nil {
		m.logger.Warn("auth failure", "reason", "signature_mismatch", "device_id", deviceID)
		return nil, nil, ErrAuthenticationFailed
	}

	newNonce, err := m.newNonce()
	if err != nil {
		return nil, nil, err
	}

	expiry := time.Now().UTC().Add(m.ttl)
	if err := m.sessions.RotateSession(ctx, session.ID, nonce, newNonce, expiry); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			// A concurrent request consumed the nonce between lookup and swap.
			m.logger.Warn("auth failure", "reason", "nonce_consumed", "device_id", deviceID)
			return nil, nil, ErrSessionInvalid
		}
		return nil, nil, fmt.Errorf("rotating session: %w", err)
	}

	return &Identity{DeviceID: device.ID, UserID: device.UserID}, newNonce, nil
}
