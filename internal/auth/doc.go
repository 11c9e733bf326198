// Package auth authenticates devices to courier with a rotating signed
// challenge. There are no passwords and no bearer tokens.
//
// # Protocol
//
// A client bootstraps a session and receives a random 16-byte nonce with an
// expiry. On every protected request it presents its device id, the current
// nonce, and an Ed25519 signature over the nonce, all in headers. The
// middleware verifies the signature against the device's registered public
// key and atomically swaps a fresh nonce into the session row; the response
// carries the new nonce, which the client must use for its next request.
// The tokens are forward-chained and single-use, like rotating refresh
// tokens.
//
// # Concurrency
//
// The nonce swap is a conditional update at the storage layer (guarded on
// the row still holding the presented nonce), so two concurrent requests
// presenting the same nonce cannot both succeed, even across server
// processes sharing the store. A plain read-check-write sequence would not
// give that guarantee.
//
// # Identity propagation
//
// On success the middleware attaches an Identity (device id plus optional
// owning user) to the request context; handlers retrieve it with
// IdentityFromContext. There is no implicit per-request storage.
package auth
