// ABOUTME: End-to-end tests driving the full HTTP API with a nonce-chaining client
// ABOUTME: Covers registration, user creation, key exchange and mailbox delivery

package api

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couriermesh/courier/internal/auth"
	"github.com/couriermesh/courier/internal/store"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sessions := auth.NewSessionManager(st, st, 0, nil)
	srv := httptest.NewServer(NewServer(st, sessions).Routes())
	t.Cleanup(srv.Close)
	return srv
}

// deviceClient plays the device side of the protocol: it holds the signing
// key and chains each response's new nonce into the next request.
type deviceClient struct {
	t        *testing.T
	baseURL  string
	deviceID string
	priv     ed25519.PrivateKey
	nonce    []byte
}

// newDeviceClient registers a fresh device and bootstraps its first session.
func newDeviceClient(t *testing.T, srv *httptest.Server) *deviceClient {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	c := &deviceClient{t: t, baseURL: srv.URL, priv: priv}

	var reg RegisterDeviceResponse
	c.postOpen("/devices/new", RegisterDeviceRequest{PublicKey: Bytes(pub)}, &reg)
	c.deviceID = reg.DeviceID

	var sess NewSessionResponse
	c.postOpen("/session/new", nil, &sess)
	c.nonce = sess.Nonce
	return c
}

// postOpen issues an unauthenticated POST and decodes the JSON response.
func (c *deviceClient) postOpen(path string, body, out any) {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(c.baseURL+path, "application/json", &buf)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	require.Equal(c.t, http.StatusOK, resp.StatusCode)
	if out != nil {
		require.NoError(c.t, json.NewDecoder(resp.Body).Decode(out))
	}
}

// do issues an authenticated request, signing the current nonce and adopting
// the rotated one from the response. Returns the status code and raw body.
func (c *deviceClient) do(method, path string, body any) (int, []byte) {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, c.baseURL+path, &buf)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderDeviceID, c.deviceID)
	req.Header.Set(auth.HeaderNonce, base64.StdEncoding.EncodeToString(c.nonce))
	req.Header.Set(auth.HeaderSignedNonce, base64.StdEncoding.EncodeToString(ed25519.Sign(c.priv, c.nonce)))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	if encoded := resp.Header.Get(auth.HeaderNewNonce); encoded != "" {
		newNonce, err := base64.StdEncoding.DecodeString(encoded)
		require.NoError(c.t, err)
		c.nonce = newNonce
	}

	raw, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp.StatusCode, raw
}

// doJSON is do with a decoded 200 response.
func (c *deviceClient) doJSON(method, path string, body, out any) {
	c.t.Helper()
	status, raw := c.do(method, path, body)
	require.Equal(c.t, http.StatusOK, status, "body: %s", raw)
	if out != nil {
		require.NoError(c.t, json.Unmarshal(raw, out))
	}
}

// createUser registers a user owned by this device's caller.
func (c *deviceClient) createUser(email string) string {
	c.t.Helper()
	identityPub, identityPriv, err := ed25519.GenerateKey(nil)
	require.NoError(c.t, err)
	signedPrekey := []byte("signed-prekey-" + email)

	var resp CreateUserResponse
	c.doJSON(http.MethodPost, "/users/new", CreateUserRequest{
		Email:           email,
		IdentityKey:     Bytes(identityPub),
		SignedPrekey:    Bytes(signedPrekey),
		PrekeySignature: Bytes(ed25519.Sign(identityPriv, signedPrekey)),
	}, &resp)
	return resp.UserID
}

func TestFullProtocolFlow(t *testing.T) {
	srv := newTestServer(t)

	sender := newDeviceClient(t, srv)
	recipient := newDeviceClient(t, srv)

	senderUser := sender.createUser("alice@example.com")
	recipientUser := recipient.createUser("bob@example.com")
	require.NotEqual(t, senderUser, recipientUser)

	// The recipient stocks one-time prekeys
	var added AddOneTimeKeysResponse
	recipient.doJSON(http.MethodPost, "/keys/onetime", AddOneTimeKeysRequest{
		Keys: []Bytes{Bytes("otk-1"), Bytes("otk-2")},
	}, &added)
	assert.Equal(t, 2, added.Added)

	// The sender fetches a chat package, consuming one prekey
	var pkg ChatPackageResponse
	sender.doJSON(http.MethodGet, "/keys/package/"+recipientUser, nil, &pkg)
	assert.NotEmpty(t, pkg.IdentityKey)
	assert.NotEmpty(t, pkg.OneTimeKey)

	// The sender submits a message for the recipient
	var submitted SubmitMessageResponse
	sender.doJSON(http.MethodPost, "/messages/new", SubmitMessageRequest{
		Recipient: recipientUser,
		Type:      "chat",
		Payload:   json.RawMessage(`{"body":"hello bob"}`),
	}, &submitted)
	assert.Equal(t, 1, submitted.Fanout)
	assert.NotEmpty(t, submitted.MessageID)

	// The recipient's device drains its mailbox
	var mailbox MailboxResponse
	recipient.doJSON(http.MethodGet, "/mailbox", nil, &mailbox)
	require.Len(t, mailbox.Messages, 1)
	assert.Equal(t, senderUser, mailbox.Messages[0].Sender)
	assert.Equal(t, "chat", mailbox.Messages[0].Type)
	assert.JSONEq(t, `{"body":"hello bob"}`, string(mailbox.Messages[0].Payload))

	// No redelivery on a second poll
	recipient.doJSON(http.MethodGet, "/mailbox", nil, &mailbox)
	assert.Empty(t, mailbox.Messages)
}

func TestNonceChainsAcrossRequests(t *testing.T) {
	srv := newTestServer(t)
	c := newDeviceClient(t, srv)
	c.createUser("chain@example.com")

	// Every authenticated request consumes the nonce and hands back a new
	// one; several polls in a row only work because the client chains them.
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		key := base64.StdEncoding.EncodeToString(c.nonce)
		require.False(t, seen[key], "nonce reissued")
		seen[key] = true

		var mailbox MailboxResponse
		c.doJSON(http.MethodGet, "/mailbox", nil, &mailbox)
	}
}

func TestReplayedNonceRejected(t *testing.T) {
	srv := newTestServer(t)
	c := newDeviceClient(t, srv)

	stale := append([]byte(nil), c.nonce...)
	var mailbox MailboxResponse
	c.doJSON(http.MethodGet, "/mailbox", nil, &mailbox)

	// Replaying the consumed nonce fails even with a valid signature
	c.nonce = stale
	status, raw := c.do(http.MethodGet, "/mailbox", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.JSONEq(t, `{"error":"session invalid"}`, string(raw))
}

func TestProtectedRouteWithoutCredentials(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/mailbox")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateUser_DuplicateEmail(t *testing.T) {
	srv := newTestServer(t)

	first := newDeviceClient(t, srv)
	first.createUser("taken@example.com")

	second := newDeviceClient(t, srv)
	identityPub, identityPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signedPrekey := []byte("sp")

	status, raw := second.do(http.MethodPost, "/users/new", CreateUserRequest{
		Email:           "taken@example.com",
		IdentityKey:     Bytes(identityPub),
		SignedPrekey:    Bytes(signedPrekey),
		PrekeySignature: Bytes(ed25519.Sign(identityPriv, signedPrekey)),
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.JSONEq(t, `{"error":"email already registered"}`, string(raw))
}

func TestCreateUser_BadPrekeySignature(t *testing.T) {
	srv := newTestServer(t)
	c := newDeviceClient(t, srv)

	identityPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, wrongPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signedPrekey := []byte("sp")

	status, raw := c.do(http.MethodPost, "/users/new", CreateUserRequest{
		Email:           "bad@example.com",
		IdentityKey:     Bytes(identityPub),
		SignedPrekey:    Bytes(signedPrekey),
		PrekeySignature: Bytes(ed25519.Sign(wrongPriv, signedPrekey)),
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.JSONEq(t, `{"error":"signature mismatch"}`, string(raw))
}

func TestRotateSignedPrekey(t *testing.T) {
	srv := newTestServer(t)
	c := newDeviceClient(t, srv)

	identityPub, identityPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	initialPrekey := []byte("initial-prekey")

	var created CreateUserResponse
	c.doJSON(http.MethodPost, "/users/new", CreateUserRequest{
		Email:           "rotate@example.com",
		IdentityKey:     Bytes(identityPub),
		SignedPrekey:    Bytes(initialPrekey),
		PrekeySignature: Bytes(ed25519.Sign(identityPriv, initialPrekey)),
	}, &created)

	// Stock a one-time key so the package endpoint has something to serve
	var added AddOneTimeKeysResponse
	c.doJSON(http.MethodPost, "/keys/onetime", AddOneTimeKeysRequest{Keys: []Bytes{Bytes("otk")}}, &added)

	newPrekey := []byte("rotated-prekey")
	status, _ := c.do(http.MethodPost, "/keys/signed", RotatePrekeyRequest{
		SignedPrekey:    Bytes(newPrekey),
		PrekeySignature: Bytes(ed25519.Sign(identityPriv, newPrekey)),
	})
	require.Equal(t, http.StatusOK, status)

	var pkg ChatPackageResponse
	c.doJSON(http.MethodGet, "/keys/package/"+created.UserID, nil, &pkg)
	assert.Equal(t, Bytes(newPrekey), pkg.SignedPrekey)
}

func TestRotateSignedPrekey_RejectsWrongSigner(t *testing.T) {
	srv := newTestServer(t)
	c := newDeviceClient(t, srv)
	c.createUser("rotate2@example.com")

	_, wrongPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	newPrekey := []byte("rotated-prekey")

	status, raw := c.do(http.MethodPost, "/keys/signed", RotatePrekeyRequest{
		SignedPrekey:    Bytes(newPrekey),
		PrekeySignature: Bytes(ed25519.Sign(wrongPriv, newPrekey)),
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.JSONEq(t, `{"error":"signature mismatch"}`, string(raw))
}

func TestChatPackage_UserNotFound(t *testing.T) {
	srv := newTestServer(t)
	c := newDeviceClient(t, srv)

	status, raw := c.do(http.MethodGet, "/keys/package/6ba7b810-9dad-11d1-80b4-00c04fd430c8", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.JSONEq(t, `{"error":"user unknown"}`, string(raw))
}

func TestChatPackage_NoPrekeys(t *testing.T) {
	srv := newTestServer(t)

	owner := newDeviceClient(t, srv)
	userID := owner.createUser("empty@example.com")

	caller := newDeviceClient(t, srv)
	status, raw := caller.do(http.MethodGet, "/keys/package/"+userID, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.JSONEq(t, `{"error":"no one-time prekeys available"}`, string(raw))
}

func TestSubmitMessage_RequiresUser(t *testing.T) {
	srv := newTestServer(t)

	// Authenticated device with no user bound yet
	c := newDeviceClient(t, srv)

	status, raw := c.do(http.MethodPost, "/messages/new", SubmitMessageRequest{
		Recipient: "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		Type:      "chat",
		Payload:   json.RawMessage(`{}`),
	})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.JSONEq(t, `{"error":"authentication failed"}`, string(raw))
}

func TestSubmitMessage_ZeroDeviceRecipient(t *testing.T) {
	srv := newTestServer(t)

	c := newDeviceClient(t, srv)
	c.createUser("lonely-sender@example.com")

	// A recipient with no devices is accepted; the zero fan-out tells the
	// caller the message will never reach anyone.
	var submitted SubmitMessageResponse
	c.doJSON(http.MethodPost, "/messages/new", SubmitMessageRequest{
		Recipient: "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		Type:      "chat",
		Payload:   json.RawMessage(`{}`),
	}, &submitted)
	assert.Equal(t, 0, submitted.Fanout)
}
