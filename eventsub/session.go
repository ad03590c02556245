package eventsub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hawkbat/twitchblade/apierr"
)

// DefaultWelcomeURL is the EventSub WebSocket entry point.
const DefaultWelcomeURL = "wss://eventsub.wss.twitch.tv/ws"

const (
	// seenIDsCapacity bounds the FIFO set of recently seen message ids; it
	// survives graceful reconnect handoff so duplicates across the swap are
	// dropped.
	seenIDsCapacity = 128

	// maxReconnectAttempts bounds the disconnect-driven restart loop.
	maxReconnectAttempts = 10

	// welcomeFloor is the minimum welcome deadline; the effective deadline
	// is max(welcomeFloor, keepalive timeout).
	welcomeFloor = 30 * time.Second

	// watchdogSlack pads the keepalive deadline beyond 1.5x the server's
	// announced timeout.
	watchdogSlack = 2 * time.Second

	// frameBuffer absorbs reader bursts while the driver is busy, e.g.
	// mid-handoff.
	frameBuffer = 32
)

type sessionState int

const (
	stateConnecting sessionState = iota
	stateWelcomed
	stateReconnecting
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateWelcomed:
		return "welcomed"
	case stateReconnecting:
		return "reconnecting"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// seenSet is a bounded FIFO set of message ids.
type seenSet struct {
	order   []string
	members map[string]struct{}
	limit   int
}

func newSeenSet(limit int) *seenSet {
	return &seenSet{members: make(map[string]struct{}, limit), limit: limit}
}

// seen records id and reports whether it was already present.
func (s *seenSet) seen(id string) bool {
	if _, dup := s.members[id]; dup {
		return true
	}
	s.members[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > s.limit {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.members, oldest)
	}
	return false
}

// Stats counts session activity for callers and debug logging.
type Stats struct {
	MessagesSeen      int64
	DuplicatesDropped int64
	Reconnects        int64
}

// socket is one WebSocket connection tagged with a generation so frames
// from a replaced connection can be recognized and dropped.
type socket struct {
	gen  int
	conn *websocket.Conn
}

type inboundFrame struct {
	gen  int
	data []byte
}

type socketClosed struct {
	gen int
	err error
}

// session owns a single logical EventSub connection: the welcome handshake,
// keepalive watchdog, dedup, graceful handoff, disconnect-driven restarts,
// and notification routing to subscribed streams.
//
// All state transitions run on the driver goroutine; one reader goroutine
// per socket feeds it through the frames channel.
type session struct {
	welcomeURL string
	dialer     *websocket.Dialer
	logger     zerolog.Logger

	// resubscribe recreates one stream's server-side subscription after an
	// ungraceful restart; onClosed lets the owning client drop the session
	// from its pool.
	resubscribe func(ctx context.Context, st *Stream, sessionID string) (string, error)
	onClosed    func(*session)

	ctx    context.Context
	cancel context.CancelFunc

	frames chan any

	// streams is owned by the driver goroutine; registration funnels
	// through the frames channel. refs counts attached streams plus
	// in-flight Subscribe calls.
	streams map[string]*Stream
	refs    atomic.Int32

	id          string
	state       sessionState
	keepalive   time.Duration
	connectedAt time.Time
	seen        *seenSet

	statsMu sync.Mutex
	stats   Stats

	primary *socket
	pending *socket
	nextGen int

	restarting bool // a restart welcome must recreate subscriptions

	welcomed chan struct{}
	done     chan struct{}
	closeErr error
}

func newSession(url string, dialer *websocket.Dialer, logger zerolog.Logger) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		welcomeURL: url,
		dialer:     dialer,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		frames:     make(chan any, frameBuffer),
		streams:    make(map[string]*Stream),
		seen:       newSeenSet(seenIDsCapacity),
		welcomed:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// start dials the welcome URL and launches the driver.
func (s *session) start() error {
	sock, err := s.dial(s.welcomeURL)
	if err != nil {
		s.cancel()
		close(s.done)
		return apierr.Transport(err)
	}
	s.primary = sock
	s.state = stateConnecting
	go s.run()
	return nil
}

// waitWelcome blocks until the session reaches welcomed, fails, or ctx
// expires.
func (s *session) waitWelcome(ctx context.Context) error {
	select {
	case <-s.welcomed:
		return nil
	case <-s.done:
		if s.closeErr != nil {
			return s.closeErr
		}
		return apierr.Transport(nil)
	case <-ctx.Done():
		return apierr.Cancelled(ctx.Err())
	}
}

func (s *session) dial(url string) (*socket, error) {
	conn, _, err := s.dialer.DialContext(s.ctx, url, nil)
	if err != nil {
		return nil, err
	}
	s.nextGen++
	sock := &socket{gen: s.nextGen, conn: conn}
	go s.readLoop(sock)
	return sock, nil
}

// readLoop pumps frames from one socket into the driver.
func (s *session) readLoop(sock *socket) {
	for {
		_, data, err := sock.conn.ReadMessage()
		if err != nil {
			select {
			case s.frames <- socketClosed{gen: sock.gen, err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case s.frames <- inboundFrame{gen: sock.gen, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

// run is the driver: the only goroutine that mutates session state.
func (s *session) run() {
	defer s.teardown()

	watchdog := time.NewTimer(welcomeFloor)
	defer watchdog.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case ev := <-s.frames:
			switch ev := ev.(type) {
			case inboundFrame:
				if !s.handleFrame(ev, watchdog) {
					if !s.restart(watchdog) {
						return
					}
				}
			case socketClosed:
				if !s.handleSocketClosed(ev) {
					if !s.restart(watchdog) {
						return
					}
				}
			case registerStream:
				s.streams[ev.id] = ev.stream
				close(ev.done)
			case unregisterStream:
				delete(s.streams, ev.id)
				close(ev.done)
			}

		case <-watchdog.C:
			s.logger.Warn().
				Str("session_id", s.id).
				Str("state", s.state.String()).
				Msg("watchdog fired without traffic")
			if !s.welcomedOnce() && s.closeErr == nil {
				s.closeErr = apierr.New(apierr.CodeTransport, "welcome did not arrive in time")
			}
			if !s.restart(watchdog) {
				return
			}
		}
	}
}

// handleFrame processes one inbound frame; false means the session lost its
// primary connection and needs a restart.
func (s *session) handleFrame(ev inboundFrame, watchdog *time.Timer) bool {
	if !s.relevantGen(ev.gen) {
		return true
	}

	msg, err := decodeMessage(ev.data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("dropping undecodable frame")
		return true
	}
	s.statsMu.Lock()
	s.stats.MessagesSeen++
	s.statsMu.Unlock()

	if s.seen.seen(msg.meta().MessageID) {
		s.statsMu.Lock()
		s.stats.DuplicatesDropped++
		s.statsMu.Unlock()
		s.logger.Debug().Str("message_id", msg.meta().MessageID).Msg("duplicate message dropped")
		return true
	}

	// Every decodable, non-duplicate message on a live connection feeds the
	// watchdog.
	s.resetWatchdog(watchdog)

	switch msg := msg.(type) {
	case *welcomeMessage:
		return s.handleWelcome(ev.gen, msg, watchdog)

	case *keepaliveMessage:
		return true

	case *reconnectMessage:
		return s.handleReconnect(msg)

	case *notificationMessage:
		if s.state != stateWelcomed && s.state != stateReconnecting {
			s.logger.Warn().Msg("notification before welcome dropped")
			return true
		}
		s.route(msg)
		return true

	case *revocationMessage:
		s.handleRevocation(msg)
		return true
	}
	return true
}

// relevantGen reports whether a frame's socket generation is still live:
// the primary always is, the pending socket only during handoff.
func (s *session) relevantGen(gen int) bool {
	if s.primary != nil && gen == s.primary.gen {
		return true
	}
	return s.pending != nil && gen == s.pending.gen
}

func (s *session) handleWelcome(gen int, msg *welcomeMessage, watchdog *time.Timer) bool {
	switch s.state {
	case stateConnecting:
		s.id = msg.Session.ID
		s.keepalive = time.Duration(msg.Session.KeepaliveTimeoutSeconds) * time.Second
		s.connectedAt = msg.Session.ConnectedAt
		s.state = stateWelcomed
		s.resetWatchdog(watchdog)
		s.logger.Info().
			Str("session_id", s.id).
			Dur("keepalive", s.keepalive).
			Msg("session welcomed")
		if s.restarting {
			s.restarting = false
			s.recreateSubscriptions()
		}
		select {
		case <-s.welcomed:
		default:
			close(s.welcomed)
		}
		return true

	case stateReconnecting:
		if s.pending == nil || gen != s.pending.gen {
			return true
		}
		// Swap: the new socket becomes primary, the old one closes. The
		// server migrates subscriptions; nothing to recreate.
		old := s.primary
		s.primary = s.pending
		s.pending = nil
		s.id = msg.Session.ID
		if msg.Session.KeepaliveTimeoutSeconds > 0 {
			s.keepalive = time.Duration(msg.Session.KeepaliveTimeoutSeconds) * time.Second
		}
		s.state = stateWelcomed
		s.resetWatchdog(watchdog)
		if old != nil {
			old.conn.Close()
		}
		s.logger.Info().Str("session_id", s.id).Msg("graceful reconnect complete")
		return true
	}
	s.logger.Warn().Str("state", s.state.String()).Msg("unexpected welcome dropped")
	return true
}

func (s *session) handleReconnect(msg *reconnectMessage) bool {
	if s.state != stateWelcomed {
		s.logger.Warn().Str("state", s.state.String()).Msg("reconnect directive in unexpected state")
		return true
	}
	s.logger.Info().Str("reconnect_url", msg.Session.ReconnectURL).Msg("reconnect directive received")
	sock, err := s.dial(msg.Session.ReconnectURL)
	if err != nil {
		// Treat a failed handoff like an ungraceful disconnect.
		s.logger.Warn().Err(err).Msg("reconnect dial failed")
		return false
	}
	s.pending = sock
	s.state = stateReconnecting
	return true
}

func (s *session) handleSocketClosed(ev socketClosed) bool {
	if s.pending != nil && ev.gen == s.pending.gen {
		// The handoff target died before its welcome; fall back to a full
		// restart.
		s.pending = nil
		s.logger.Warn().Err(ev.err).Msg("pending socket closed during handoff")
		return false
	}
	if s.primary == nil || ev.gen != s.primary.gen {
		return true
	}
	s.logger.Warn().Err(ev.err).Str("session_id", s.id).Msg("socket closed")
	return false
}

func (s *session) handleRevocation(msg *revocationMessage) {
	st, ok := s.streams[msg.Subscription.ID]
	if !ok {
		s.logger.Warn().Str("subscription_id", msg.Subscription.ID).Msg("revocation for unknown subscription")
		return
	}
	delete(s.streams, msg.Subscription.ID)
	st.terminate(apierr.Revoked(msg.Subscription.Status))
	s.logger.Info().
		Str("subscription_id", msg.Subscription.ID).
		Str("reason", msg.Subscription.Status).
		Msg("subscription revoked")
}

// route hands a notification to the owning stream's queue. Backpressure is
// block-producer: a full queue stalls the session rather than dropping.
func (s *session) route(msg *notificationMessage) {
	st, ok := s.streams[msg.Subscription.ID]
	if !ok {
		s.logger.Warn().Str("subscription_id", msg.Subscription.ID).Msg("notification for unknown subscription dropped")
		return
	}
	n := &Notification{Metadata: msg.Metadata, Subscription: msg.Subscription, Event: msg.Event}
	select {
	case st.queue <- n:
		return
	default:
	}
	s.logger.Warn().
		Str("subscription_id", msg.Subscription.ID).
		Msg("stream queue full, blocking session until consumer catches up")
	select {
	case st.queue <- n:
	case <-st.closed:
	case <-s.ctx.Done():
	}
}

// restart handles an ungraceful disconnect: close everything, redial the
// welcome URL with backoff, and mark the next welcome as needing
// subscription recreation. Returns false when the session must close.
func (s *session) restart(watchdog *time.Timer) bool {
	s.closeSockets()
	if s.ctx.Err() != nil {
		return false
	}
	// Restarts only make sense for a session that once reached welcomed and
	// still has callers attached; a session that never welcomed fails its
	// Subscribe call instead.
	if !s.welcomedOnce() || s.refs.Load() == 0 {
		return false
	}

	s.state = stateConnecting
	s.restarting = true
	s.statsMu.Lock()
	s.stats.Reconnects++
	s.statsMu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.RandomizationFactor = 1
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		if s.ctx.Err() != nil {
			return false
		}
		sock, err := s.dial(s.welcomeURL)
		if err == nil {
			s.primary = sock
			s.resetWelcomeDeadline(watchdog)
			s.logger.Info().Int("attempt", attempt).Msg("redialed welcome URL")
			return true
		}
		wait := bo.NextBackOff()
		s.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("reconnect dial failed")
		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
	s.closeErr = apierr.New(apierr.CodeTransport, "reconnect budget exhausted")
	return false
}

func (s *session) welcomedOnce() bool {
	select {
	case <-s.welcomed:
		return true
	default:
		return false
	}
}

// recreateSubscriptions re-registers every attached stream against the new
// session id after an ungraceful restart. Runs off-driver; re-registration
// funnels back through attach and the driver's frame channel.
func (s *session) recreateSubscriptions() {
	stale := make(map[string]*Stream, len(s.streams))
	for id, st := range s.streams {
		stale[id] = st
	}
	s.streams = make(map[string]*Stream, len(stale))
	sessionID := s.id

	go func() {
		for oldID, st := range stale {
			ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
			newID, err := s.resubscribe(ctx, st, sessionID)
			cancel()
			if err != nil {
				s.logger.Error().
					Err(err).
					Str("old_subscription_id", oldID).
					Msg("failed to recreate subscription after reconnect")
				st.terminate(err)
				continue
			}
			s.attach(newID, st)
			s.logger.Info().
				Str("old_subscription_id", oldID).
				Str("subscription_id", newID).
				Msg("subscription recreated")
		}
	}()
}

// statsSnapshot copies the activity counters.
func (s *session) statsSnapshot() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// attach registers a stream under its server-side subscription id. Called
// from Subscribe and from recreation; the registry write is funneled through
// the driver's frame channel to stay single-writer. Returns false when the
// session died first.
func (s *session) attach(subscriptionID string, st *Stream) bool {
	done := make(chan struct{})
	select {
	case s.frames <- registerStream{id: subscriptionID, stream: st, done: done}:
		select {
		case <-done:
			return true
		case <-s.done:
			return false
		}
	case <-s.done:
		return false
	}
}

type registerStream struct {
	id     string
	stream *Stream
	done   chan struct{}
}

type unregisterStream struct {
	id   string
	done chan struct{}
}

func (s *session) detach(subscriptionID string) {
	done := make(chan struct{})
	select {
	case s.frames <- unregisterStream{id: subscriptionID, done: done}:
		select {
		case <-done:
		case <-s.done:
		}
	case <-s.done:
	}
}

func (s *session) resetWatchdog(watchdog *time.Timer) {
	deadline := welcomeFloor
	if s.keepalive > 0 {
		deadline = s.keepalive + s.keepalive/2 + watchdogSlack
	}
	if !watchdog.Stop() {
		select {
		case <-watchdog.C:
		default:
		}
	}
	watchdog.Reset(deadline)
}

func (s *session) resetWelcomeDeadline(watchdog *time.Timer) {
	deadline := welcomeFloor
	if s.keepalive > deadline {
		deadline = s.keepalive
	}
	if !watchdog.Stop() {
		select {
		case <-watchdog.C:
		default:
		}
	}
	watchdog.Reset(deadline)
}

func (s *session) closeSockets() {
	if s.primary != nil {
		s.primary.conn.Close()
		s.primary = nil
	}
	if s.pending != nil {
		s.pending.conn.Close()
		s.pending = nil
	}
}

// teardown finalizes the session: every attached stream ends, owned
// subscriptions are stale.
func (s *session) teardown() {
	s.state = stateClosed
	s.closeSockets()
	s.cancel()
	err := s.closeErr
	if err == nil {
		err = apierr.Cancelled(context.Canceled)
	}
	for id, st := range s.streams {
		delete(s.streams, id)
		st.terminate(err)
	}
	close(s.done)
	if s.onClosed != nil {
		s.onClosed(s)
	}
	s.logger.Info().Str("session_id", s.id).Msg("session closed")
}

// close tears the session down from outside the driver.
func (s *session) close() {
	s.cancel()
}
