// ABOUTME: Store interface and data types for courier persistence
// ABOUTME: Defines Device, User, Session, Message models and sentinel errors

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors returned by store operations. Callers match with errors.Is.
var (
	// ErrDeviceNotFound is returned when a referenced device does not exist.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrUserNotFound is returned when a referenced user does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrSessionNotFound is returned when no session row holds the presented
	// nonce. RotateSession also returns it when the conditional update matches
	// zero rows because a concurrent caller consumed the nonce first.
	ErrSessionNotFound = errors.New("session not found")

	// ErrDeviceOwned is returned when binding a device that already has an owner.
	ErrDeviceOwned = errors.New("device already owned by a user")

	// ErrDuplicateEmail is returned when creating a user with an email that
	// is already registered.
	ErrDuplicateEmail = errors.New("email already registered")

	// ErrNoPrekeys is returned when a chat package is requested for a user
	// with no one-time prekeys left.
	ErrNoPrekeys = errors.New("no one-time prekeys available")
)

// Device represents a registered physical device. PublicKey is the device's
// Ed25519 verification key and is immutable once set. UserID is nil until the
// device is bound to a user at user creation, and is set exactly once.
type Device struct {
	ID        uuid.UUID
	UserID    *uuid.UUID
	PublicKey []byte
	CreatedAt time.Time
}

// User represents an account with its long-term key material.
type User struct {
	ID              uuid.UUID
	Email           string
	IdentityKey     []byte
	SignedPrekey    []byte
	PrekeySignature []byte
	Nickname        string
	Bio             string
	CreatedAt       time.Time
}

// Session is an outstanding authentication challenge. The nonce is a 16-byte
// single-use secret; it is replaced together with the expiry on every
// successful rotation. Expired rows are deleted lazily when next presented.
type Session struct {
	ID        int64
	Nonce     []byte
	ExpiresAt time.Time
}

// Message is an immutable message addressed to a user. The payload is an
// opaque blob; the server never inspects it.
type Message struct {
	ID            uuid.UUID
	Recipient     uuid.UUID
	Sender        uuid.UUID
	ReceptionTime time.Time
	Type          string
	Payload       json.RawMessage
}

// ChatPackage bundles the key material a peer needs to start a conversation
// with a user. The one-time key is consumed from storage when the package is
// built and is never handed out twice.
type ChatPackage struct {
	IdentityKey     []byte
	SignedPrekey    []byte
	PrekeySignature []byte
	OneTimeKey      []byte
}

// Store defines the persistence operations for devices, users, sessions and
// the mailbox. SQLiteStore implements it.
type Store interface {
	// Devices
	CreateDevice(ctx context.Context, publicKey []byte) (uuid.UUID, error)
	GetDevice(ctx context.Context, id uuid.UUID) (*Device, error)

	// Users
	CreateUser(ctx context.Context, user *User, deviceID uuid.UUID) error
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	UpdateSignedPrekey(ctx context.Context, userID uuid.UUID, signedPrekey, prekeySignature []byte) error

	// One-time prekeys
	AddOneTimePrekeys(ctx context.Context, userID uuid.UUID, prekeys [][]byte) (int, error)
	TakeChatPackage(ctx context.Context, userID uuid.UUID) (*ChatPackage, error)

	// Sessions
	CreateSession(ctx context.Context, nonce []byte, expiresAt time.Time) error
	GetSessionByNonce(ctx context.Context, nonce []byte) (*Session, error)
	DeleteSession(ctx context.Context, id int64) error
	RotateSession(ctx context.Context, id int64, oldNonce, newNonce []byte, expiresAt time.Time) error

	// Mailbox
	SubmitMessage(ctx context.Context, msg *Message) (fanout int, err error)
	PollMailbox(ctx context.Context, deviceID uuid.UUID) ([]*Message, error)

	// Close releases any resources held by the store
	Close() error
}
