package eventsub

import (
	"context"
	"sync"

	"github.com/hawkbat/twitchblade/apierr"
	"github.com/hawkbat/twitchblade/internal/schemax"
)

// streamQueueSize bounds each stream's delivery queue. A full queue blocks
// the session rather than dropping events.
const streamQueueSize = 64

// Stream is a lazy, cancellable sequence of validated notifications for one
// subscription. A stream is not restartable; Subscribe again for a new one.
type Stream struct {
	def       *Definition
	condition any
	client    *Client
	session   *session

	mu             sync.Mutex
	subscriptionID string

	queue       chan *Notification
	closed      chan struct{}
	once        sync.Once
	releaseOnce sync.Once
	err         error
}

func newStream(client *Client, session *session, def *Definition, condition any) *Stream {
	return &Stream{
		def:       def,
		condition: condition,
		client:    client,
		session:   session,
		queue:     make(chan *Notification, streamQueueSize),
		closed:    make(chan struct{}),
	}
}

// Definition returns the event definition this stream was created for.
func (s *Stream) Definition() *Definition { return s.def }

// SubscriptionID is the current server-side subscription id. It changes when
// the session recreates subscriptions after an ungraceful reconnect.
func (s *Stream) SubscriptionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscriptionID
}

func (s *Stream) setSubscriptionID(id string) {
	s.mu.Lock()
	s.subscriptionID = id
	s.mu.Unlock()
}

// Recv pulls the next notification, blocking until one arrives, the stream
// ends, or ctx expires. Each notification is revalidated against the
// definition's event schema before being returned; an invalid payload closes
// the stream with a protocol error.
func (s *Stream) Recv(ctx context.Context) (*Notification, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, apierr.Cancelled(ctx.Err())
		case n := <-s.queue:
			if err := schemax.ValidateBytes(s.def.EventSchema, n.Event); err != nil {
				perr := apierr.Wrap(apierr.CodeProtocolError, "event payload failed schema validation", err)
				s.terminate(perr)
				s.client.release(s)
				return nil, perr
			}
			return n, nil
		case <-s.closed:
			// Drain anything routed before termination.
			select {
			case n := <-s.queue:
				if err := schemax.ValidateBytes(s.def.EventSchema, n.Event); err != nil {
					return nil, apierr.Wrap(apierr.CodeProtocolError, "event payload failed schema validation", err)
				}
				return n, nil
			default:
				return nil, s.closeReason()
			}
		}
	}
}

// Err reports why the stream ended; nil while it is live or after a clean
// Close.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil && apierr.CodeOf(s.err) == apierr.CodeCancelled {
		return nil
	}
	return s.err
}

func (s *Stream) closeReason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return apierr.Cancelled(context.Canceled)
}

// terminate ends the stream with a reason; delivered exactly once.
func (s *Stream) terminate(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.closed)
	})
}

// Close cancels the stream: the mapping is removed from the session. When it
// was the session's last stream, its server-side subscription is deleted
// best-effort and the session closes; otherwise no delete is sent.
func (s *Stream) Close() {
	s.terminate(nil)
	s.client.release(s)
}
