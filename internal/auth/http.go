// ABOUTME: HTTP middleware authenticating requests via the nonce challenge headers
// ABOUTME: Verifies and rotates the session, then adds Identity to the request context

package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Credential envelope headers. Binary fields travel base64-encoded.
const (
	HeaderDeviceID    = "X-Device-ID"
	HeaderNonce       = "X-Nonce"
	HeaderSignedNonce = "X-Signed-Nonce"

	// HeaderNewNonce carries the rotated nonce on every response whose
	// credentials verified, whether or not the handler itself succeeded.
	HeaderNewNonce = "X-New-Nonce"
)

// verifyTimeout bounds the session verification against pool exhaustion.
const verifyTimeout = 10 * time.Second

// credentials is the parsed protected-request envelope.
type credentials struct {
	deviceID    uuid.UUID
	nonce       []byte
	signedNonce []byte
}

// extractCredentials parses the credential headers.
// Returns an error message (empty if successful); the message never
// distinguishes which field was at fault beyond its name.
func extractCredentials(r *http.Request) (*credentials, string) {
	deviceIDStr := r.Header.Get(HeaderDeviceID)
	if deviceIDStr == "" {
		return nil, "missing device id header"
	}
	deviceID, err := uuid.Parse(deviceIDStr)
	if err != nil {
		return nil, "malformed device id header"
	}

	nonceStr := r.Header.Get(HeaderNonce)
	if nonceStr == "" {
		return nil, "missing nonce header"
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceStr)
	if err != nil {
		return nil, "malformed nonce header"
	}

	signedStr := r.Header.Get(HeaderSignedNonce)
	if signedStr == "" {
		return nil, "missing signed nonce header"
	}
	signedNonce, err := base64.StdEncoding.DecodeString(signedStr)
	if err != nil {
		return nil, "malformed signed nonce header"
	}

	return &credentials{deviceID: deviceID, nonce: nonce, signedNonce: signedNonce}, ""
}

// Middleware creates an HTTP middleware that authenticates requests with the
// nonce challenge protocol. On success the rotated nonce is attached to the
// response before the handler runs, and the verified Identity is added to the
// request context using the WithIdentity/IdentityFromContext pattern.
func Middleware(sessions *SessionManager, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default().With("component", "auth")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			creds, errMsg := extractCredentials(r)
			if errMsg != "" {
				logger.Warn("auth failure", "reason", "malformed_credentials", "detail", errMsg, "remote_addr", r.RemoteAddr)
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			// The rotation must commit even if the client goes away mid-request.
			ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), verifyTimeout)
			identity, newNonce, err := sessions.VerifyAndRotate(ctx, creds.deviceID, creds.nonce, creds.signedNonce)
			cancel()
			if err != nil {
				writeAuthError(w, logger, err)
				return
			}

			// Attach the new nonce up front; the handler's outcome must not
			// affect whether the client learns its next challenge.
			w.Header().Set(HeaderNewNonce, base64.StdEncoding.EncodeToString(newNonce))

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// writeAuthError maps session verification errors onto HTTP responses.
// Internal causes are logged, never surfaced.
func writeAuthError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, ErrSessionInvalid):
		http.Error(w, `{"error":"session invalid"}`, http.StatusUnauthorized)
	case errors.Is(err, ErrDeviceUnknown):
		http.Error(w, `{"error":"device unknown"}`, http.StatusUnauthorized)
	case errors.Is(err, ErrAuthenticationFailed):
		http.Error(w, `{"error":"authentication failed"}`, http.StatusUnauthorized)
	default:
		logger.Error("session verification failed", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}
