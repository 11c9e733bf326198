// ABOUTME: Detached Ed25519 signature verification over exact byte strings
// ABOUTME: Used for nonce-challenge checks and signed-prekey checks

package auth

import (
	"crypto/ed25519"
	"errors"
)

// ErrSignatureMismatch is returned whenever a signature does not verify.
// Malformed keys and malformed signatures produce the same error so a caller
// learns nothing about why verification failed.
var ErrSignatureMismatch = errors.New("signature mismatch")

// VerifyDetached checks that signature is a valid Ed25519 signature of
// message under publicKey. Pure function, no state.
func VerifyDetached(publicKey, message, signature []byte) error {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return ErrSignatureMismatch
	}
	if !ed25519.Verify(ed25519.PublicKey(publicKey), message, signature) {
		return ErrSignatureMismatch
	}
	return nil
}
