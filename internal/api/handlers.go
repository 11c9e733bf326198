// ABOUTME: HTTP handlers for sessions, devices, users, keys and the mailbox
// ABOUTME: Request/response structs carry binary fields as base64 Bytes

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/couriermesh/courier/internal/auth"
	"github.com/couriermesh/courier/internal/store"
)

// NewSessionResponse is the JSON response for POST /session/new.
type NewSessionResponse struct {
	Nonce     Bytes     `json:"nonce"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleNewSession bootstraps a session: it issues a fresh challenge nonce
// with its expiry. No authentication required, no device bound yet.
func (s *Server) handleNewSession(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := opCtx(r)
	defer cancel()

	nonce, expiry, err := s.sessions.Issue(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSessionResponse{Nonce: nonce, ExpiresAt: expiry})
}

// RegisterDeviceRequest is the JSON request body for POST /devices/new.
type RegisterDeviceRequest struct {
	PublicKey Bytes `json:"public_key"`
}

// RegisterDeviceResponse is the JSON response for POST /devices/new.
type RegisterDeviceResponse struct {
	DeviceID string `json:"device_id"`
}

// handleRegisterDevice stores a device's verification key and returns its id.
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req RegisterDeviceRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if len(req.PublicKey) == 0 {
		http.Error(w, `{"error":"malformed body"}`, http.StatusBadRequest)
		return
	}

	ctx, cancel := opCtx(r)
	defer cancel()

	deviceID, err := s.store.CreateDevice(ctx, req.PublicKey)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, RegisterDeviceResponse{DeviceID: deviceID.String()})
}

// CreateUserRequest is the JSON request body for POST /users/new.
type CreateUserRequest struct {
	Email           string `json:"email"`
	IdentityKey     Bytes  `json:"identity_key"`
	SignedPrekey    Bytes  `json:"signed_prekey"`
	PrekeySignature Bytes  `json:"prekey_signature"`
	Nickname        string `json:"nickname,omitempty"`
	Bio             string `json:"bio,omitempty"`
}

// CreateUserResponse is the JSON response for POST /users/new.
type CreateUserResponse struct {
	UserID string `json:"user_id"`
}

// handleCreateUser creates a user and binds the calling device to it. The
// signed prekey must verify against the identity key before anything is
// written.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	identity := auth.MustIdentityFromContext(r.Context())

	var req CreateUserRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Email == "" {
		http.Error(w, `{"error":"malformed body"}`, http.StatusBadRequest)
		return
	}

	if err := auth.VerifyDetached(req.IdentityKey, req.SignedPrekey, req.PrekeySignature); err != nil {
		s.writeError(w, err)
		return
	}

	user := &store.User{
		ID:              uuid.New(),
		Email:           req.Email,
		IdentityKey:     req.IdentityKey,
		SignedPrekey:    req.SignedPrekey,
		PrekeySignature: req.PrekeySignature,
		Nickname:        req.Nickname,
		Bio:             req.Bio,
		CreatedAt:       time.Now().UTC(),
	}

	ctx, cancel := opCtx(r)
	defer cancel()

	if err := s.store.CreateUser(ctx, user, identity.DeviceID); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, CreateUserResponse{UserID: user.ID.String()})
}

// RotatePrekeyRequest is the JSON request body for POST /keys/signed.
type RotatePrekeyRequest struct {
	SignedPrekey    Bytes `json:"signed_prekey"`
	PrekeySignature Bytes `json:"prekey_signature"`
}

// handleRotateSignedPrekey replaces the caller's signed prekey after
// verifying the new signature against the stored identity key.
func (s *Server) handleRotateSignedPrekey(w http.ResponseWriter, r *http.Request) {
	identity := auth.MustIdentityFromContext(r.Context())
	if identity.UserID == nil {
		http.Error(w, `{"error":"authentication failed"}`, http.StatusUnauthorized)
		return
	}

	var req RotatePrekeyRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	ctx, cancel := opCtx(r)
	defer cancel()

	user, err := s.store.GetUser(ctx, *identity.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := auth.VerifyDetached(user.IdentityKey, req.SignedPrekey, req.PrekeySignature); err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.store.UpdateSignedPrekey(ctx, user.ID, req.SignedPrekey, req.PrekeySignature); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// AddOneTimeKeysRequest is the JSON request body for POST /keys/onetime.
type AddOneTimeKeysRequest struct {
	Keys []Bytes `json:"keys"`
}

// AddOneTimeKeysResponse is the JSON response for POST /keys/onetime.
type AddOneTimeKeysResponse struct {
	Added int `json:"added"`
}

// handleAddOneTimeKeys bulk-uploads one-time prekeys for the caller's user.
func (s *Server) handleAddOneTimeKeys(w http.ResponseWriter, r *http.Request) {
	identity := auth.MustIdentityFromContext(r.Context())
	if identity.UserID == nil {
		http.Error(w, `{"error":"authentication failed"}`, http.StatusUnauthorized)
		return
	}

	var req AddOneTimeKeysRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	prekeys := make([][]byte, len(req.Keys))
	for i, k := range req.Keys {
		prekeys[i] = k
	}

	ctx, cancel := opCtx(r)
	defer cancel()

	added, err := s.store.AddOneTimePrekeys(ctx, *identity.UserID, prekeys)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, AddOneTimeKeysResponse{Added: added})
}

// ChatPackageResponse is the JSON response for GET /keys/package/{user_id}.
type ChatPackageResponse struct {
	IdentityKey     Bytes `json:"identity_key"`
	SignedPrekey    Bytes `json:"signed_prekey"`
	PrekeySignature Bytes `json:"prekey_signature"`
	OneTimeKey      Bytes `json:"onetime_key"`
}

// handleChatPackage returns the key bundle for starting a conversation with
// the given user, consuming one of their one-time prekeys.
func (s *Server) handleChatPackage(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.PathValue("user_id"))
	if err != nil {
		http.Error(w, `{"error":"malformed body"}`, http.StatusBadRequest)
		return
	}

	ctx, cancel := opCtx(r)
	defer cancel()

	pkg, err := s.store.TakeChatPackage(ctx, userID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, ChatPackageResponse{
		IdentityKey:     pkg.IdentityKey,
		SignedPrekey:    pkg.SignedPrekey,
		PrekeySignature: pkg.PrekeySignature,
		OneTimeKey:      pkg.OneTimeKey,
	})
}

// SubmitMessageRequest is the JSON request body for POST /messages/new.
// The sender is the verified identity, never supplied by the client.
type SubmitMessageRequest struct {
	Recipient string          `json:"recipient"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// SubmitMessageResponse is the JSON response for POST /messages/new.
// Fanout reports how many device mailboxes the message was replicated to;
// zero means the recipient had no devices and the message will never be
// delivered.
type SubmitMessageResponse struct {
	MessageID string `json:"message_id"`
	Fanout    int    `json:"fanout"`
}

// handleSubmitMessage stores a message and fans it out to the recipient's
// devices.
func (s *Server) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	identity := auth.MustIdentityFromContext(r.Context())
	if identity.UserID == nil {
		http.Error(w, `{"error":"authentication failed"}`, http.StatusUnauthorized)
		return
	}

	var req SubmitMessageRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	recipient, err := uuid.Parse(req.Recipient)
	if err != nil || req.Type == "" {
		http.Error(w, `{"error":"malformed body"}`, http.StatusBadRequest)
		return
	}

	msg := store.NewMessage(*identity.UserID, recipient, req.Type, req.Payload)

	ctx, cancel := opCtx(r)
	defer cancel()

	fanout, err := s.store.SubmitMessage(ctx, msg)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, SubmitMessageResponse{MessageID: msg.ID.String(), Fanout: fanout})
}

// MailboxMessage is one delivered message in a mailbox poll response.
type MailboxMessage struct {
	Sender        string          `json:"sender"`
	Type          string          `json:"type"`
	ReceptionTime time.Time       `json:"reception_time"`
	Payload       json.RawMessage `json:"payload"`
}

// MailboxResponse is the JSON response for GET /mailbox.
type MailboxResponse struct {
	Messages []MailboxMessage `json:"messages"`
}

// handlePollMailbox drains the calling device's backlog. Messages returned
// here are gone from the backlog; there is no redelivery.
func (s *Server) handlePollMailbox(w http.ResponseWriter, r *http.Request) {
	identity := auth.MustIdentityFromContext(r.Context())

	ctx, cancel := opCtx(r)
	defer cancel()

	msgs, err := s.store.PollMailbox(ctx, identity.DeviceID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := MailboxResponse{Messages: make([]MailboxMessage, len(msgs))}
	for i, m := range msgs {
		out.Messages[i] = MailboxMessage{
			Sender:        m.Sender.String(),
			Type:          m.Type,
			ReceptionTime: m.ReceptionTime,
			Payload:       m.Payload,
		}
	}

	s.writeJSON(w, http.StatusOK, out)
}
