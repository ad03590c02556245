package helix

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/hawkbat/twitchblade/apierr"
)

// Helix's documented bucket refills 800 points per minute. A local pacer at
// that rate keeps bursts from slamming into the server-side bucket before
// the first response headers arrive.
const (
	bucketPointsPerMinute = 800

	headerRateLimitLimit     = "Ratelimit-Limit"
	headerRateLimitRemaining = "Ratelimit-Remaining"
	headerRateLimitReset     = "Ratelimit-Reset"
)

// bucketKey identifies a server-side token bucket: app-token calls share one
// bucket per client id, user-token calls get one per client id + user id.
type bucketKey struct {
	clientID string
	userID   string
}

// bucket mirrors one server-side token bucket. remaining and resetAt track
// the most recent response headers; the pacer is a client-side guard in
// front of them.
type bucket struct {
	mu        sync.Mutex
	remaining int
	resetAt   time.Time
	known     bool

	pacer  *rate.Limiter
	logger zerolog.Logger
}

func newBucket(logger zerolog.Logger) *bucket {
	return &bucket{
		pacer:  rate.NewLimiter(rate.Limit(bucketPointsPerMinute)/60.0, bucketPointsPerMinute),
		logger: logger,
	}
}

// acquire admits one request, waiting for the bucket to refill when the last
// known remaining budget is exhausted. The decrement is optimistic; the next
// response's headers correct it.
func (b *bucket) acquire(ctx context.Context) error {
	if err := b.pacer.Wait(ctx); err != nil {
		return apierr.Cancelled(err)
	}
	for {
		b.mu.Lock()
		if !b.known || b.remaining >= 1 {
			if b.known {
				b.remaining--
			}
			b.mu.Unlock()
			return nil
		}
		resetAt := b.resetAt
		b.mu.Unlock()

		wait := time.Until(resetAt)
		if wait <= 0 {
			b.mu.Lock()
			// The window rolled over; forget the stale headers.
			b.known = false
			b.mu.Unlock()
			continue
		}
		b.logger.Debug().Dur("wait", wait).Msg("rate limit budget exhausted, waiting for reset")
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
		b.mu.Lock()
		b.known = false
		b.mu.Unlock()
	}
}

// update records the bucket state from response headers, when present.
func (b *bucket) update(h http.Header) {
	remaining, okRemaining := headerInt(h, headerRateLimitRemaining)
	reset, okReset := headerInt(h, headerRateLimitReset)
	if !okRemaining && !okReset {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if okRemaining {
		b.remaining = remaining
		b.known = true
	}
	if okReset {
		b.resetAt = time.Unix(int64(reset), 0)
	}
}

// waitUntilReset blocks until the instant named by a 429's ratelimit-reset
// header.
func (b *bucket) waitUntilReset(ctx context.Context, resetAt time.Time) error {
	wait := time.Until(resetAt)
	if wait <= 0 {
		return nil
	}
	b.logger.Debug().Dur("wait", wait).Msg("429 received, waiting for bucket reset")
	return sleepCtx(ctx, wait)
}

func headerInt(h http.Header, name string) (int, bool) {
	raw := h.Get(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return apierr.Cancelled(ctx.Err())
	case <-timer.C:
		return nil
	}
}

// limiterPool holds one bucket per key.
type limiterPool struct {
	mu      sync.RWMutex
	buckets map[bucketKey]*bucket
	logger  zerolog.Logger
}

func newLimiterPool(logger zerolog.Logger) *limiterPool {
	return &limiterPool{
		buckets: make(map[bucketKey]*bucket),
		logger:  logger,
	}
}

// bucketFor returns the bucket for the given identity, creating it on first
// use.
func (p *limiterPool) bucketFor(clientID, userID string) *bucket {
	key := bucketKey{clientID: clientID, userID: userID}

	p.mu.RLock()
	b, exists := p.buckets[key]
	p.mu.RUnlock()
	if exists {
		return b
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if b, exists = p.buckets[key]; !exists {
		b = newBucket(p.logger)
		p.buckets[key] = b
	}
	return b
}
