package eventsub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hawkbat/twitchblade/apierr"
	"github.com/hawkbat/twitchblade/auth"
	"github.com/hawkbat/twitchblade/helix"
)

// stubProvider satisfies auth.TokenProvider for session tests.
type stubProvider struct {
	clientID string
	kind     auth.TokenKind
	userID   string
	scopes   auth.ScopeSet
}

func (p *stubProvider) ClientID() string              { return p.clientID }
func (p *stubProvider) Kind() auth.TokenKind          { return p.kind }
func (p *stubProvider) UserID() string                { return p.userID }
func (p *stubProvider) Scopes() auth.ScopeSet         { return p.scopes }
func (p *stubProvider) Validate(context.Context) error { return nil }
func (p *stubProvider) Invalidate()                   {}
func (p *stubProvider) AccessToken(context.Context) (*auth.AccessToken, error) {
	return &auth.AccessToken{Value: "AT", Kind: p.kind, Scopes: p.scopes}, nil
}
func (p *stubProvider) Refresh(context.Context) (*auth.AccessToken, error) {
	return &auth.AccessToken{Value: "AT", Kind: p.kind, Scopes: p.scopes}, nil
}

func chatProvider() *stubProvider {
	return &stubProvider{
		clientID: "cid",
		kind:     auth.KindUser,
		userID:   "u1",
		scopes:   auth.NewScopeSet(auth.ScopeUserReadChat),
	}
}

// fakeHelix records subscription creates and deletes.
type fakeHelix struct {
	srv *httptest.Server

	mu      sync.Mutex
	created []map[string]any
	deleted []string
	subSeq  atomic.Int32
}

func newFakeHelix(t *testing.T) *fakeHelix {
	t.Helper()
	f := &fakeHelix{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/eventsub/subscriptions" {
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.Method {
		case http.MethodPost:
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			id := fmt.Sprintf("sub-%d", f.subSeq.Add(1))
			f.mu.Lock()
			f.created = append(f.created, body)
			f.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]any{{
					"id":      id,
					"status":  "enabled",
					"type":    body["type"],
					"version": body["version"],
				}},
			})
		case http.MethodDelete:
			f.mu.Lock()
			f.deleted = append(f.deleted, r.URL.Query().Get("id"))
			f.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeHelix) createdBodies() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, len(f.created))
	copy(out, f.created)
	return out
}

func (f *fakeHelix) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.deleted))
	copy(out, f.deleted)
	return out
}

// serverConn is the server side of one accepted WebSocket connection.
type serverConn struct {
	conn   *websocket.Conn
	closed chan struct{}
}

func (sc *serverConn) send(t *testing.T, data []byte) {
	t.Helper()
	require.NoError(t, sc.conn.WriteMessage(websocket.TextMessage, data))
}

func (sc *serverConn) waitClosed(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case <-sc.closed:
	case <-time.After(within):
		t.Fatal("peer did not close the connection in time")
	}
}

// wsHarness is a fake EventSub endpoint; every accepted connection is
// welcomed with a fresh session id and handed to the test.
type wsHarness struct {
	srv        *httptest.Server
	conns      chan *serverConn
	keepalive  int
	sessionSeq atomic.Int32
}

func newWSHarness(t *testing.T, keepaliveSeconds int) *wsHarness {
	t.Helper()
	h := &wsHarness{conns: make(chan *serverConn, 4), keepalive: keepaliveSeconds}
	upgrader := websocket.Upgrader{}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sc := &serverConn{conn: conn, closed: make(chan struct{})}
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					close(sc.closed)
					return
				}
			}
		}()
		id := fmt.Sprintf("S%d", h.sessionSeq.Add(1))
		data, _ := json.Marshal(welcomePayload(id, h.keepalive, ""))
		conn.WriteMessage(websocket.TextMessage, data)
		h.conns <- sc
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *wsHarness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

func (h *wsHarness) accept(t *testing.T, within time.Duration) *serverConn {
	t.Helper()
	select {
	case sc := <-h.conns:
		return sc
	case <-time.After(within):
		t.Fatal("no connection arrived in time")
		return nil
	}
}

// Frame builders.

func envelope(messageType, messageID string, payload map[string]any) map[string]any {
	return map[string]any{
		"metadata": map[string]any{
			"message_id":        messageID,
			"message_type":      messageType,
			"message_timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		},
		"payload": payload,
	}
}

func welcomePayload(sessionID string, keepalive int, reconnectURL string) map[string]any {
	session := map[string]any{
		"id":                        sessionID,
		"status":                    "connected",
		"keepalive_timeout_seconds": keepalive,
		"connected_at":              time.Now().UTC().Format(time.RFC3339Nano),
	}
	if reconnectURL != "" {
		session["reconnect_url"] = reconnectURL
	}
	return envelope("session_welcome", uuid.NewString(), map[string]any{"session": session})
}

func notificationFrame(t *testing.T, messageID, subscriptionID string, event map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(envelope("notification", messageID, map[string]any{
		"subscription": map[string]any{
			"id":      subscriptionID,
			"status":  "enabled",
			"type":    "channel.chat.message",
			"version": "1",
		},
		"event": event,
	}))
	require.NoError(t, err)
	return data
}

func reconnectFrame(t *testing.T, reconnectURL string) []byte {
	t.Helper()
	data, err := json.Marshal(envelope("session_reconnect", uuid.NewString(), map[string]any{
		"session": map[string]any{
			"id":            "S1",
			"status":        "reconnecting",
			"reconnect_url": reconnectURL,
		},
	}))
	require.NoError(t, err)
	return data
}

func revocationFrame(t *testing.T, subscriptionID, reason string) []byte {
	t.Helper()
	data, err := json.Marshal(envelope("revocation", uuid.NewString(), map[string]any{
		"subscription": map[string]any{
			"id":      subscriptionID,
			"status":  reason,
			"type":    "channel.chat.message",
			"version": "1",
		},
	}))
	require.NoError(t, err)
	return data
}

func chatEvent() map[string]any {
	return map[string]any{
		"broadcaster_user_id": "B",
		"chatter_user_id":     "U",
		"message_id":          uuid.NewString(),
		"message":             map[string]any{"text": "hi"},
	}
}

func chatCondition() map[string]any {
	return map[string]any{"broadcaster_user_id": "B", "user_id": "U"}
}

func newTestClient(t *testing.T, fh *fakeHelix, h *wsHarness) *Client {
	t.Helper()
	hx := helix.NewClient(chatProvider(),
		helix.WithBaseURL(fh.srv.URL),
		helix.WithHTTPClient(fh.srv.Client()),
	)
	c := NewClient(hx, WithWelcomeURL(h.wsURL()))
	t.Cleanup(c.Close)
	return c
}

func recvTimeout(t *testing.T, st *Stream, within time.Duration) (*Notification, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()
	return st.Recv(ctx)
}

func TestSubscribeDeliversNotificationExactlyOnce(t *testing.T) {
	h := newWSHarness(t, 10)
	fh := newFakeHelix(t)
	client := newTestClient(t, fh, h)

	st, err := client.Subscribe(context.Background(), "channel.chat.message", "1", chatCondition())
	require.NoError(t, err)
	assert.Equal(t, "sub-1", st.SubscriptionID())

	// The subscription must be bound to the welcomed session's id.
	bodies := fh.createdBodies()
	require.Len(t, bodies, 1)
	transport := bodies[0]["transport"].(map[string]any)
	assert.Equal(t, "websocket", transport["method"])
	assert.Equal(t, "S1", transport["session_id"])

	sc := h.accept(t, 2*time.Second)
	sc.send(t, notificationFrame(t, "m-1", "sub-1", chatEvent()))

	n, err := recvTimeout(t, st, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "sub-1", n.Subscription.ID)
	assert.Equal(t, "m-1", n.Metadata.MessageID)

	// Nothing else was sent; the stream must not invent a second delivery.
	_, err = recvTimeout(t, st, 300*time.Millisecond)
	assert.Equal(t, apierr.CodeCancelled, apierr.CodeOf(err))
}

func TestDuplicateMessageIsDropped(t *testing.T) {
	h := newWSHarness(t, 10)
	fh := newFakeHelix(t)
	client := newTestClient(t, fh, h)

	st, err := client.Subscribe(context.Background(), "channel.chat.message", "1", chatCondition())
	require.NoError(t, err)
	sc := h.accept(t, 2*time.Second)

	frame := notificationFrame(t, "m-dup", "sub-1", chatEvent())
	sc.send(t, frame)
	sc.send(t, frame)
	sc.send(t, notificationFrame(t, "m-2", "sub-1", chatEvent()))

	first, err := recvTimeout(t, st, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "m-dup", first.Metadata.MessageID)

	second, err := recvTimeout(t, st, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "m-2", second.Metadata.MessageID, "duplicate must be dropped silently")
}

func TestGracefulReconnectHandoff(t *testing.T) {
	h := newWSHarness(t, 10)
	fh := newFakeHelix(t)
	client := newTestClient(t, fh, h)

	st, err := client.Subscribe(context.Background(), "channel.chat.message", "1", chatCondition())
	require.NoError(t, err)
	oldConn := h.accept(t, 2*time.Second)

	oldConn.send(t, reconnectFrame(t, h.wsURL()))
	newConn := h.accept(t, 2*time.Second)

	// The server may replay the last notification on both sockets across
	// the handoff; the consumer must see it exactly once.
	frame := notificationFrame(t, "m-replay", "sub-1", chatEvent())
	oldConn.send(t, frame)
	newConn.send(t, frame)

	n, err := recvTimeout(t, st, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "m-replay", n.Metadata.MessageID)

	_, err = recvTimeout(t, st, 300*time.Millisecond)
	assert.Equal(t, apierr.CodeCancelled, apierr.CodeOf(err))

	// The old socket closes once the new one is welcomed, and the server
	// migrated subscriptions: no second create call.
	oldConn.waitClosed(t, 2*time.Second)
	assert.Len(t, fh.createdBodies(), 1)
}

func TestKeepaliveTimeoutRestartsAndResubscribes(t *testing.T) {
	if testing.Short() {
		t.Skip("watchdog test needs several seconds")
	}
	h := newWSHarness(t, 1) // watchdog fires ~3.5s after the welcome
	fh := newFakeHelix(t)
	client := newTestClient(t, fh, h)

	st, err := client.Subscribe(context.Background(), "channel.chat.message", "1", chatCondition())
	require.NoError(t, err)
	h.accept(t, 2*time.Second)

	// Starve the watchdog; the session must redial and recreate the
	// subscription against the new session id.
	newConn := h.accept(t, 10*time.Second)

	require.Eventually(t, func() bool {
		return len(fh.createdBodies()) == 2
	}, 5*time.Second, 50*time.Millisecond, "subscription must be recreated after restart")

	bodies := fh.createdBodies()
	transport := bodies[1]["transport"].(map[string]any)
	assert.Equal(t, "S2", transport["session_id"])

	require.Eventually(t, func() bool {
		return st.SubscriptionID() == "sub-2"
	}, 2*time.Second, 20*time.Millisecond)

	newConn.send(t, notificationFrame(t, "m-after-restart", "sub-2", chatEvent()))
	n, err := recvTimeout(t, st, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "m-after-restart", n.Metadata.MessageID)
}

func TestRevocationTerminatesStreamOnly(t *testing.T) {
	h := newWSHarness(t, 10)
	fh := newFakeHelix(t)
	client := newTestClient(t, fh, h)

	st1, err := client.Subscribe(context.Background(), "channel.chat.message", "1", chatCondition())
	require.NoError(t, err)
	st2, err := client.Subscribe(context.Background(), "stream.online", "1", map[string]any{"broadcaster_user_id": "B"})
	require.NoError(t, err)
	sc := h.accept(t, 2*time.Second)

	sc.send(t, revocationFrame(t, st1.SubscriptionID(), "authorization_revoked"))

	_, err = recvTimeout(t, st1, 2*time.Second)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeRevoked, apierr.CodeOf(err))
	assert.Equal(t, "authorization_revoked", apierr.RevocationReason(err))

	// The sibling stream on the same session keeps working.
	onlineEvent := map[string]any{
		"broadcaster_user_id": "B",
		"type":                "live",
		"started_at":          time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, mErr := json.Marshal(envelope("notification", uuid.NewString(), map[string]any{
		"subscription": map[string]any{
			"id":      st2.SubscriptionID(),
			"status":  "enabled",
			"type":    "stream.online",
			"version": "1",
		},
		"event": onlineEvent,
	}))
	require.NoError(t, mErr)
	sc.send(t, data)

	n, err := recvTimeout(t, st2, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, st2.SubscriptionID(), n.Subscription.ID)
}

func TestStreamsShareOneSession(t *testing.T) {
	h := newWSHarness(t, 10)
	fh := newFakeHelix(t)
	client := newTestClient(t, fh, h)

	_, err := client.Subscribe(context.Background(), "channel.chat.message", "1", chatCondition())
	require.NoError(t, err)
	_, err = client.Subscribe(context.Background(), "stream.online", "1", map[string]any{"broadcaster_user_id": "B"})
	require.NoError(t, err)

	h.accept(t, 2*time.Second)
	select {
	case <-h.conns:
		t.Fatal("streams from the same token must share one connection")
	case <-time.After(300 * time.Millisecond):
	}

	bodies := fh.createdBodies()
	require.Len(t, bodies, 2)
	for _, body := range bodies {
		assert.Equal(t, "S1", body["transport"].(map[string]any)["session_id"])
	}
}

func TestCloseDeletesSubscriptionAndSession(t *testing.T) {
	h := newWSHarness(t, 10)
	fh := newFakeHelix(t)
	client := newTestClient(t, fh, h)

	st, err := client.Subscribe(context.Background(), "channel.chat.message", "1", chatCondition())
	require.NoError(t, err)
	sc := h.accept(t, 2*time.Second)

	st.Close()

	require.Eventually(t, func() bool {
		ids := fh.deletedIDs()
		return len(ids) == 1 && ids[0] == "sub-1"
	}, 2*time.Second, 20*time.Millisecond, "best-effort delete must fire")
	sc.waitClosed(t, 2*time.Second)
	assert.Nil(t, st.Err())
}

func TestInvalidEventPayloadClosesStream(t *testing.T) {
	h := newWSHarness(t, 10)
	fh := newFakeHelix(t)
	client := newTestClient(t, fh, h)

	st, err := client.Subscribe(context.Background(), "channel.chat.message", "1", chatCondition())
	require.NoError(t, err)
	sc := h.accept(t, 2*time.Second)

	sc.send(t, notificationFrame(t, "m-bad", "sub-1", map[string]any{"nope": true}))

	_, err = recvTimeout(t, st, 2*time.Second)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeProtocolError, apierr.CodeOf(err))
}

func TestSubscribeErrors(t *testing.T) {
	h := newWSHarness(t, 10)
	fh := newFakeHelix(t)
	client := newTestClient(t, fh, h)

	_, err := client.Subscribe(context.Background(), "channel.nonsense", "1", chatCondition())
	assert.Equal(t, apierr.CodeUnknownKind, apierr.CodeOf(err))

	_, err = client.Subscribe(context.Background(), "channel.chat.message", "1", map[string]any{"broadcaster_user_id": "B"})
	assert.Equal(t, apierr.CodeBadRequest, apierr.CodeOf(err), "condition missing user_id")

	hx := helix.NewClient(
		&stubProvider{clientID: "cid", kind: auth.KindUser, userID: "u1", scopes: auth.ScopeSet{}},
		helix.WithBaseURL(fh.srv.URL),
	)
	unscoped := NewClient(hx, WithWelcomeURL(h.wsURL()))
	t.Cleanup(unscoped.Close)
	_, err = unscoped.Subscribe(context.Background(), "channel.chat.message", "1", chatCondition())
	assert.Equal(t, apierr.CodeScopeMissing, apierr.CodeOf(err))
}
