package helix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/hawkbat/twitchblade/apierr"
	"github.com/hawkbat/twitchblade/auth"
	"github.com/hawkbat/twitchblade/internal/logging"
	"github.com/hawkbat/twitchblade/internal/schemax"
)

// DefaultBaseURL is the Helix API root.
const DefaultBaseURL = "https://api.twitch.tv/helix/"

// maxAttempts bounds the retry loop for network errors and 5xx responses.
// The single 401-refresh retry and the single 429 wait-and-retry do not
// count against it.
const maxAttempts = 5

// Request carries the caller-supplied parts of a Helix call.
type Request struct {
	// Query parameters; validated against the endpoint's query schema.
	Query url.Values
	// Body is marshalled to JSON when non-nil; validated against the
	// endpoint's body schema.
	Body any
	// After is the pagination cursor, set by Pager between pages.
	After string
}

// Response is a completed Helix call.
type Response struct {
	StatusCode int
	// Raw is the full response body; Data is the "data" array within it.
	Raw  json.RawMessage
	Data json.RawMessage
	// Cursor is the pagination cursor, empty on the last page.
	Cursor string
}

// helixErrorBody is Twitch's standard error envelope.
type helixErrorBody struct {
	Error   string `json:"error"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// Client drives the Helix request pipeline: auth preflight, rate-limit
// admission, signing, sending, retrying, response validation, pagination.
// Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	provider   auth.TokenProvider
	limits     *limiterPool
	logger     zerolog.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the Helix root, for tests.
func WithBaseURL(base string) ClientOption {
	return func(c *Client) {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		c.baseURL = base
	}
}

// WithHTTPClient sets the HTTP client used for all calls.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger installs a logger; the default discards everything.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logging.Helix(logger) }
}

// NewClient creates a Helix client authenticated by provider.
func NewClient(provider auth.TokenProvider, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: http.DefaultClient,
		provider:   provider,
		logger:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.limits = newLimiterPool(c.logger)
	return c
}

// Provider returns the token provider the client signs with.
func (c *Client) Provider() auth.TokenProvider { return c.provider }

// Do runs one call against an endpoint descriptor.
func (c *Client) Do(ctx context.Context, ep *Endpoint, req Request) (*Response, error) {
	if err := c.preflight(ep, req); err != nil {
		return nil, err
	}

	bucket := c.limits.bucketFor(c.provider.ClientID(), c.bucketUserID())
	bo := newRetryBackOff()

	var authRetried, rateRetried bool
	transientAttempts := 0
	for {
		resp, err := c.attempt(ctx, ep, req, bucket)
		if err == nil {
			return resp, nil
		}

		var retry *retryDirective
		if !errors.As(err, &retry) {
			return nil, err
		}

		switch retry.kind {
		case retryAuth:
			if authRetried {
				c.provider.Invalidate()
				return nil, apierr.Unauthenticated()
			}
			authRetried = true
			c.provider.Invalidate()
			if _, err := c.provider.Refresh(ctx); err != nil {
				return nil, err
			}
			c.logger.Debug().Str("endpoint", ep.Name).Msg("401 received, token refreshed, retrying")

		case retryRate:
			// One free retry after a 429 that names the reset instant; it
			// does not consume the transient-retry budget.
			if rateRetried || retry.resetAt.IsZero() {
				return nil, apierr.RateLimited()
			}
			rateRetried = true
			if err := bucket.waitUntilReset(ctx, retry.resetAt); err != nil {
				return nil, err
			}

		case retryTransient:
			transientAttempts++
			if transientAttempts >= maxAttempts {
				return nil, apierr.Transport(retry.cause)
			}
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				return nil, apierr.Transport(retry.cause)
			}
			c.logger.Debug().
				Str("endpoint", ep.Name).
				Int("attempt", transientAttempts).
				Dur("backoff", wait).
				Err(retry.cause).
				Msg("transient failure, backing off")
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
		}
	}
}

// preflight covers the pipeline's client-side checks: token kind, scopes,
// query and body schemas.
func (c *Client) preflight(ep *Endpoint, req Request) error {
	if !ep.AllowsKind(c.provider.Kind()) {
		return apierr.AuthUnsupported(ep.Name)
	}
	if c.provider.Kind() == auth.KindUser && !ep.RequiredScopes.Empty() {
		if !ep.RequiredScopes.SatisfiedBy(c.provider.Scopes()) {
			return apierr.ScopeMissing(ep.RequiredScopes.String())
		}
	}
	if ep.QuerySchema != nil {
		if err := schemax.ValidateValue(ep.QuerySchema, queryToMap(req.Query)); err != nil {
			return apierr.BadRequest(err.Error())
		}
	}
	if req.Body != nil {
		if err := schemax.ValidateValue(ep.BodySchema, req.Body); err != nil {
			return apierr.BadRequest(err.Error())
		}
	} else if ep.BodySchema != nil && ep.Method != http.MethodGet && ep.Method != http.MethodDelete {
		if err := schemax.ValidateValue(ep.BodySchema, map[string]any{}); err != nil {
			return apierr.BadRequest("missing request body")
		}
	}
	return nil
}

type retryKind int

const (
	retryAuth retryKind = iota
	retryRate
	retryTransient
)

// retryDirective flows a retryable failure out of attempt() to the loop in
// Do, carrying what the retry needs.
type retryDirective struct {
	kind    retryKind
	resetAt time.Time
	cause   error
}

func (r *retryDirective) Error() string {
	if r.cause != nil {
		return r.cause.Error()
	}
	return "retryable helix failure"
}

// attempt performs exactly one admission + round-trip + classification.
func (c *Client) attempt(ctx context.Context, ep *Endpoint, req Request, bucket *bucket) (*Response, error) {
	if err := bucket.acquire(ctx); err != nil {
		return nil, err
	}
	tok, err := c.provider.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	httpReq, err := c.buildRequest(ctx, ep, req, tok.Value)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, ep.timeout())
	defer cancel()
	httpResp, err := c.httpClient.Do(httpReq.WithContext(callCtx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, apierr.Cancelled(ctx.Err())
		}
		return nil, &retryDirective{kind: retryTransient, cause: err}
	}
	// Read to completion even on error statuses so the connection recycles.
	body, readErr := io.ReadAll(httpResp.Body)
	httpResp.Body.Close()
	if readErr != nil {
		return nil, &retryDirective{kind: retryTransient, cause: readErr}
	}

	bucket.update(httpResp.Header)

	switch {
	case ep.IsSuccess(httpResp.StatusCode):
		return c.parseSuccess(ep, httpResp.StatusCode, body)

	case httpResp.StatusCode == http.StatusUnauthorized:
		return nil, &retryDirective{kind: retryAuth}

	case httpResp.StatusCode == http.StatusTooManyRequests:
		directive := &retryDirective{kind: retryRate}
		if reset, ok := headerInt(httpResp.Header, headerRateLimitReset); ok {
			directive.resetAt = time.Unix(int64(reset), 0)
		}
		return nil, directive

	case httpResp.StatusCode >= 500:
		return nil, &retryDirective{kind: retryTransient, cause: apierr.Newf(apierr.CodeTransport, "helix returned %d", httpResp.StatusCode)}

	case ep.IsKnownError(httpResp.StatusCode):
		return nil, helixErrorFromBody(httpResp.StatusCode, body)

	default:
		return nil, apierr.Newf(apierr.CodeProtocolError, "unexpected status %d from %s", httpResp.StatusCode, ep.Name)
	}
}

func (c *Client) buildRequest(ctx context.Context, ep *Endpoint, req Request, token string) (*http.Request, error) {
	u := c.baseURL + ep.Path
	query := url.Values{}
	for key, values := range req.Query {
		query[key] = values
	}
	if req.After != "" {
		query.Set("after", req.After)
	}
	if encoded := query.Encode(); encoded != "" {
		u += "?" + encoded
	}

	var body io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, apierr.BadRequest(err.Error())
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, ep.Method, u, body)
	if err != nil {
		return nil, apierr.BadRequest(err.Error())
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Client-Id", c.provider.ClientID())
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	return httpReq, nil
}

func (c *Client) parseSuccess(ep *Endpoint, status int, body []byte) (*Response, error) {
	resp := &Response{StatusCode: status, Raw: body}
	if len(body) == 0 {
		return resp, nil
	}
	if err := schemax.ValidateBytes(ep.ResponseSchema, body); err != nil {
		return nil, apierr.Wrap(apierr.CodeProtocolError, "response failed schema validation for "+ep.Name, err)
	}
	var envelope struct {
		Data       json.RawMessage `json:"data"`
		Pagination struct {
			Cursor string `json:"cursor"`
		} `json:"pagination"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, apierr.Wrap(apierr.CodeProtocolError, "unparsable response body from "+ep.Name, err)
	}
	resp.Data = envelope.Data
	resp.Cursor = envelope.Pagination.Cursor
	return resp, nil
}

func helixErrorFromBody(status int, body []byte) error {
	var parsed helixErrorBody
	message := http.StatusText(status)
	if json.Unmarshal(body, &parsed) == nil && parsed.Message != "" {
		message = parsed.Message
	}
	return apierr.HelixError(status, message)
}

// bucketUserID keys user-token calls by the validated user id; app-token
// calls share the client-wide bucket.
func (c *Client) bucketUserID() string {
	if c.provider.Kind() == auth.KindApp {
		return ""
	}
	return c.provider.UserID()
}

// queryToMap converts url.Values into the shape the query schemas expect:
// single values as strings, repeated values as arrays.
func queryToMap(q url.Values) map[string]any {
	out := make(map[string]any, len(q))
	for key, values := range q {
		if len(values) == 1 {
			out[key] = values[0]
		} else {
			out[key] = values
		}
	}
	return out
}

// newRetryBackOff builds the transient-failure policy: 500 ms initial,
// doubling, 30 s cap, full jitter.
func newRetryBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.RandomizationFactor = 1
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}
