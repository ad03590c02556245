// Package auth implements the Twitch OAuth surface: the scope vocabulary and
// predicate, the four token acquisition flows, and the caching token
// provider consumed by the Helix and EventSub clients.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/hawkbat/twitchblade/apierr"
	"github.com/hawkbat/twitchblade/internal/logging"
)

// DefaultAuthBaseURL is the Twitch identity service root.
const DefaultAuthBaseURL = "https://id.twitch.tv/oauth2"

// Credentials identifies the application to the identity service. RedirectURI
// and ClientSecret are required only by the flows that use them.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// Flow produces and refreshes access tokens. Each variant covers one OAuth
// grant; a flow rejects operations its grant cannot serve.
type Flow interface {
	ClientID() string
	Kind() TokenKind
	CanRefresh(tok *AccessToken) bool
	Refresh(ctx context.Context, tok *AccessToken) (*AccessToken, error)
}

type flowOptions struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// FlowOption customizes a flow's environment.
type FlowOption func(*flowOptions)

// WithAuthBaseURL overrides the identity service root, for tests.
func WithAuthBaseURL(base string) FlowOption {
	return func(o *flowOptions) { o.baseURL = strings.TrimSuffix(base, "/") }
}

// WithHTTPClient sets the HTTP client used for token endpoint calls.
func WithHTTPClient(client *http.Client) FlowOption {
	return func(o *flowOptions) { o.httpClient = client }
}

// WithFlowLogger installs a logger; the default discards everything.
func WithFlowLogger(logger zerolog.Logger) FlowOption {
	return func(o *flowOptions) { o.logger = logging.Auth(logger) }
}

func newFlowOptions(opts []FlowOption) flowOptions {
	o := flowOptions{baseURL: DefaultAuthBaseURL, logger: logging.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// endpoint maps the identity root onto the oauth2 endpoint shape. Twitch
// expects client credentials in the POST body, not basic auth.
func (o flowOptions) endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:       o.baseURL + "/authorize",
		TokenURL:      o.baseURL + "/token",
		DeviceAuthURL: o.baseURL + "/device",
		AuthStyle:     oauth2.AuthStyleInParams,
	}
}

// httpContext threads the configured HTTP client through the oauth2 calls,
// wrapped so Twitch's token responses parse.
func (o flowOptions) httpContext(ctx context.Context) context.Context {
	base := o.httpClient
	if base == nil {
		base = http.DefaultClient
	}
	wrapped := &http.Client{
		Transport: &scopeNormalizingTransport{base: base.Transport, tokenPath: "/token"},
		Timeout:   base.Timeout,
	}
	return context.WithValue(ctx, oauth2.HTTPClient, wrapped)
}

// scopeNormalizingTransport rewrites token endpoint responses whose "scope"
// member is a JSON array into the space-joined string form of RFC 6749 §5.1.
// Twitch deviates from the RFC here, and the oauth2 package's token parser
// rejects the array form outright.
type scopeNormalizingTransport struct {
	base      http.RoundTripper
	tokenPath string
}

func (t *scopeNormalizingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rt := t.base
	if rt == nil {
		rt = http.DefaultTransport
	}
	resp, err := rt.RoundTrip(req)
	if err != nil || !strings.HasSuffix(req.URL.Path, t.tokenPath) {
		return resp, err
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "json") {
		return resp, nil
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if json.Unmarshal(body, &fields) == nil {
		if raw, ok := fields["scope"]; ok {
			var scopes []string
			if json.Unmarshal(raw, &scopes) == nil {
				joined, _ := json.Marshal(strings.Join(scopes, " "))
				fields["scope"] = joined
				if rewritten, err := json.Marshal(fields); err == nil {
					body = rewritten
				}
			}
		}
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return resp, nil
}

// authorizeURL builds the user-facing authorize URL shared by the implicit
// and authorization-code flows.
func authorizeURL(base, clientID, redirectURI, responseType string, scopes []Scope, state string, forceVerify bool) string {
	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("response_type", responseType)
	q.Set("scope", NewScopeSet(scopes...).Join())
	q.Set("state", state)
	if forceVerify {
		q.Set("force_verify", "true")
	}
	return base + "/authorize?" + q.Encode()
}

// tokenEndpointError maps oauth2 failures onto the library taxonomy: a
// definitive rejection from the token endpoint means the credential is bad;
// anything else is a transport failure.
func tokenEndpointError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apierr.Cancelled(err)
	}
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		if retrieve.Response != nil && retrieve.Response.StatusCode < 500 {
			return apierr.Wrap(apierr.CodeInvalidToken, "token endpoint rejected the request", err)
		}
	}
	return apierr.Transport(err)
}
