// Package eventsub implements the EventSub WebSocket transport: the typed
// event catalog, the session state machine with keepalive and reconnect
// handling, and per-subscription streams of validated notifications.
package eventsub

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hawkbat/twitchblade/apierr"
	"github.com/hawkbat/twitchblade/auth"
	"github.com/hawkbat/twitchblade/helix"
	"github.com/hawkbat/twitchblade/internal/logging"
	"github.com/hawkbat/twitchblade/internal/schemax"
)

// Client creates and shares EventSub sessions and hands out per-subscription
// streams. Streams from the same token share one session; the session closes
// when its last stream does.
type Client struct {
	helix      *helix.Client
	welcomeURL string
	dialer     *websocket.Dialer
	logger     zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithWelcomeURL overrides the EventSub entry point, for tests.
func WithWelcomeURL(u string) ClientOption {
	return func(c *Client) { c.welcomeURL = u }
}

// WithDialer sets the WebSocket dialer.
func WithDialer(d *websocket.Dialer) ClientOption {
	return func(c *Client) { c.dialer = d }
}

// WithLogger installs a logger; the default discards everything.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logging.EventSub(logger) }
}

// NewClient creates an EventSub client on top of a Helix client, whose token
// provider supplies the identity sessions are keyed by.
func NewClient(hx *helix.Client, opts ...ClientOption) *Client {
	c := &Client{
		helix:      hx,
		welcomeURL: DefaultWelcomeURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		logger:   logging.Nop(),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe creates a server-side subscription for one event kind and
// returns its stream. The condition must satisfy the definition's condition
// schema, and the provider's token must satisfy its auth requirement.
func (c *Client) Subscribe(ctx context.Context, eventType, version string, condition any) (*Stream, error) {
	def, ok := Lookup(eventType, version)
	if !ok {
		return nil, apierr.UnknownKind(eventType, version)
	}
	if err := schemax.ValidateValue(def.ConditionSchema, condition); err != nil {
		return nil, apierr.BadRequest(err.Error())
	}

	provider := c.helix.Provider()
	req, supported := def.RequiredAuth[provider.Kind()]
	if !supported {
		return nil, apierr.AuthUnsupported(def.Key())
	}
	if provider.Kind() == auth.KindUser {
		if err := provider.Validate(ctx); err != nil {
			return nil, err
		}
		if !req.SatisfiedBy(provider.Scopes()) {
			return nil, apierr.ScopeMissing(req.String())
		}
	}

	sess, err := c.acquireSession(ctx, provider)
	if err != nil {
		return nil, err
	}
	// The reference is held from here on; every failure path releases it.
	if err := sess.waitWelcome(ctx); err != nil {
		c.releaseSession(sess)
		return nil, err
	}

	st := newStream(c, sess, def, condition)
	subscriptionID, err := c.createSubscription(ctx, def, condition, sess.id)
	if err != nil {
		c.releaseSession(sess)
		return nil, err
	}
	st.setSubscriptionID(subscriptionID)
	if !sess.attach(subscriptionID, st) {
		c.releaseSession(sess)
		return nil, apierr.New(apierr.CodeTransport, "session closed during subscribe")
	}

	c.logger.Info().
		Str("type", def.Type).
		Str("version", def.Version).
		Str("subscription_id", subscriptionID).
		Str("session_id", sess.id).
		Msg("subscribed")
	return st, nil
}

// acquireSession returns the session for the provider's identity, creating
// and starting one when none is live, and takes one reference on it.
func (c *Client) acquireSession(ctx context.Context, provider auth.TokenProvider) (*session, error) {
	key := provider.ClientID() + "/" + provider.UserID()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, apierr.Cancelled(context.Canceled)
	}
	if sess, ok := c.sessions[key]; ok {
		select {
		case <-sess.done:
			// Replaced below.
		default:
			sess.refs.Add(1)
			return sess, nil
		}
	}

	sess := newSession(c.welcomeURL, c.dialer, c.logger)
	sess.resubscribe = func(ctx context.Context, st *Stream, sessionID string) (string, error) {
		id, err := c.createSubscription(ctx, st.def, st.condition, sessionID)
		if err != nil {
			return "", err
		}
		st.setSubscriptionID(id)
		return id, nil
	}
	sess.onClosed = func(closed *session) {
		c.mu.Lock()
		if c.sessions[key] == closed {
			delete(c.sessions, key)
		}
		c.mu.Unlock()
	}
	if err := sess.start(); err != nil {
		return nil, err
	}
	sess.refs.Add(1)
	c.sessions[key] = sess
	return sess, nil
}

// createSubscription asks Helix for a websocket-transport subscription bound
// to the given session.
func (c *Client) createSubscription(ctx context.Context, def *Definition, condition any, sessionID string) (string, error) {
	body := map[string]any{
		"type":      def.Type,
		"version":   def.Version,
		"condition": condition,
		"transport": map[string]any{
			"method":     "websocket",
			"session_id": sessionID,
		},
	}
	resp, err := c.helix.Do(ctx, helix.CreateEventSubSubscription, helix.Request{Body: body})
	if err != nil {
		return "", err
	}
	var created []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp.Data, &created); err != nil || len(created) == 0 || created[0].ID == "" {
		return "", apierr.ProtocolError("subscription creation response missing id")
	}
	return created[0].ID, nil
}

// release detaches a finished stream and drops its session reference; the
// last reference deletes the server-side subscription best-effort and closes
// the session.
func (c *Client) release(st *Stream) {
	st.releaseOnce.Do(func() {
		sess := st.session
		subscriptionID := st.SubscriptionID()
		if subscriptionID != "" {
			sess.detach(subscriptionID)
		}
		if sess.refs.Add(-1) > 0 {
			return
		}
		if subscriptionID != "" {
			c.deleteSubscription(subscriptionID)
		}
		sess.close()
	})
}

// releaseSession drops a reference taken by acquireSession before a stream
// got attached.
func (c *Client) releaseSession(sess *session) {
	if sess.refs.Add(-1) <= 0 {
		sess.close()
	}
}

// deleteSubscription is best-effort; the server also garbage-collects
// subscriptions whose transport went away.
func (c *Client) deleteSubscription(subscriptionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	q := url.Values{}
	q.Set("id", subscriptionID)
	if _, err := c.helix.Do(ctx, helix.DeleteEventSubSubscription, helix.Request{Query: q}); err != nil {
		c.logger.Warn().Err(err).Str("subscription_id", subscriptionID).Msg("best-effort subscription delete failed")
	}
}

// SessionStats snapshots activity counters for every live session.
func (c *Client) SessionStats() []Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Stats, 0, len(c.sessions))
	for _, sess := range c.sessions {
		out = append(out, sess.statsSnapshot())
	}
	return out
}

// Close tears down every session and stream. The client is unusable
// afterwards.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	sessions := make([]*session, 0, len(c.sessions))
	for _, sess := range c.sessions {
		sessions = append(sessions, sess)
	}
	c.mu.Unlock()
	for _, sess := range sessions {
		sess.close()
		<-sess.done
	}
}
