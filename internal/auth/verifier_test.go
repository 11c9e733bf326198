// ABOUTME: Unit tests for detached Ed25519 signature verification
// ABOUTME: Malformed input of any kind must yield the same mismatch error

package auth

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyDetached_Valid(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	message := []byte("challenge nonce bytes")
	signature := ed25519.Sign(priv, message)

	assert.NoError(t, VerifyDetached(pub, message, signature))
}

func TestVerifyDetached_WrongKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	message := []byte("challenge nonce bytes")
	signature := ed25519.Sign(priv, message)

	assert.ErrorIs(t, VerifyDetached(otherPub, message, signature), ErrSignatureMismatch)
}

func TestVerifyDetached_TamperedMessage(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	signature := ed25519.Sign(priv, []byte("original"))

	assert.ErrorIs(t, VerifyDetached(pub, []byte("tampered"), signature), ErrSignatureMismatch)
}

func TestVerifyDetached_MalformedInput(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	message := []byte("challenge nonce bytes")
	signature := ed25519.Sign(priv, message)

	tests := []struct {
		name      string
		publicKey []byte
		signature []byte
	}{
		{"truncated key", pub[:16], signature},
		{"empty key", nil, signature},
		{"truncated signature", pub, signature[:32]},
		{"empty signature", pub, nil},
		{"oversized key", append([]byte{0}, pub...), signature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Same error for every malformed shape; no detail leaks
			assert.ErrorIs(t, VerifyDetached(tt.publicKey, message, tt.signature), ErrSignatureMismatch)
		})
	}
}
