// Package store provides persistent storage for courier using SQLite.
//
// # Architecture
//
// All shared state lives behind the database: the service may run as several
// independent processes against the same file, so correctness never depends on
// in-process locks. Every operation that touches shared state runs either as a
// single SQL statement or inside one transaction:
//
//   - RotateSession: a conditional update (WHERE id = ? AND nonce = ?) that
//     guarantees a presented nonce succeeds at most once under concurrency.
//   - SubmitMessage: message insert plus per-device mailbox fan-out, all-or-nothing.
//   - PollMailbox: delete-then-fetch drain, making delivery at-most-once.
//   - TakeChatPackage: delete-returning consumption of one one-time prekey.
//
// # Data Models
//
//   - Device: registered hardware with an Ed25519 verification key and an
//     optional owning user
//   - User: account with identity key, signed prekey and prekey signature
//   - Session: outstanding challenge nonce with expiry (lazily evicted)
//   - Message: immutable, opaque-payload message addressed to a user
//   - ChatPackage: key bundle with a consumed one-time prekey
//
// There is no background sweep for expired sessions; abandoned sessions stay
// until their nonce is next presented.
package store
