package auth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/singleflight"

	"github.com/hawkbat/twitchblade/apierr"
	"github.com/hawkbat/twitchblade/internal/logging"
	"github.com/hawkbat/twitchblade/internal/schemax"
)

// validationInterval is how long a validation result stays fresh. Twitch
// requires user tokens to be validated no less than hourly.
const validationInterval = time.Hour

// TokenProvider hands out usable tokens to the Helix and EventSub clients.
type TokenProvider interface {
	ClientID() string
	Kind() TokenKind
	// UserID is the identity confirmed by the most recent validation, or ""
	// before the first successful validation (always "" for app tokens).
	UserID() string
	// Scopes is the most recently known granted set.
	Scopes() ScopeSet
	// AccessToken returns a currently-usable token, refreshing if necessary.
	AccessToken(ctx context.Context) (*AccessToken, error)
	// Refresh forces a refresh through the underlying flow.
	Refresh(ctx context.Context) (*AccessToken, error)
	// Validate confirms the token against the validation endpoint, at most
	// once an hour; a no-op for app tokens.
	Validate(ctx context.Context) error
	// Invalidate marks the cached token unusable, e.g. after a 401.
	Invalidate()
}

var validateResponseSchema = schemax.MustCompile("oauth-validate", map[string]any{
	"type":     "object",
	"required": []string{"client_id"},
	"properties": map[string]any{
		"client_id":  map[string]any{"type": "string"},
		"login":      map[string]any{"type": "string"},
		"user_id":    map[string]any{"type": "string"},
		"scopes":     map[string]any{"type": []string{"array", "null"}, "items": map[string]any{"type": "string"}},
		"expires_in": map[string]any{"type": "integer"},
	},
})

// Provider wraps a Flow with token caching, hourly validation, and
// refresh-on-expiry. All methods are safe for concurrent use; refresh and
// validation are single-flight.
type Provider struct {
	flow       Flow
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
	schema     *jsonschema.Schema

	mu          sync.Mutex
	token       *AccessToken
	login       string
	userID      string
	scopes      ScopeSet
	validatedAt time.Time

	group singleflight.Group
}

// ProviderOption customizes a Provider.
type ProviderOption func(*Provider)

// WithProviderHTTPClient sets the client used for the validate endpoint.
func WithProviderHTTPClient(client *http.Client) ProviderOption {
	return func(p *Provider) { p.httpClient = client }
}

// WithProviderBaseURL overrides the identity service root, for tests.
func WithProviderBaseURL(base string) ProviderOption {
	return func(p *Provider) { p.baseURL = base }
}

// WithProviderLogger installs a logger; the default discards everything.
func WithProviderLogger(logger zerolog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = logging.Auth(logger) }
}

// NewProvider creates a provider over flow holding initial as the current
// token. initial may be nil for flows that can mint on demand (client
// credentials).
func NewProvider(flow Flow, initial *AccessToken, opts ...ProviderOption) *Provider {
	p := &Provider{
		flow:       flow,
		baseURL:    DefaultAuthBaseURL,
		httpClient: http.DefaultClient,
		logger:     logging.Nop(),
		schema:     validateResponseSchema,
		token:      initial,
		scopes:     ScopeSet{},
	}
	if initial != nil && len(initial.Scopes) > 0 {
		p.scopes = initial.Scopes
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) ClientID() string { return p.flow.ClientID() }

func (p *Provider) Kind() TokenKind { return p.flow.Kind() }

func (p *Provider) UserID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userID
}

// Login is the user login confirmed by the most recent validation.
func (p *Provider) Login() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.login
}

func (p *Provider) Scopes() ScopeSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scopes
}

// AccessToken returns a currently-usable token, refreshing when the cached
// one is expired or invalidated.
func (p *Provider) AccessToken(ctx context.Context) (*AccessToken, error) {
	p.mu.Lock()
	tok := p.token
	p.mu.Unlock()
	if tok.Usable(time.Now()) {
		return tok, nil
	}
	fresh, err := p.Refresh(ctx)
	if err != nil {
		if apierr.CodeOf(err) == apierr.CodeConfigError {
			return nil, apierr.Wrap(apierr.CodeInvalidToken, "token expired and cannot be refreshed", err)
		}
		return nil, err
	}
	return fresh, nil
}

// Refresh forces a refresh through the flow. Concurrent callers share one
// refresh; all receive the same fresh token or the same error.
func (p *Provider) Refresh(ctx context.Context) (*AccessToken, error) {
	result, err, _ := p.group.Do("refresh", func() (any, error) {
		p.mu.Lock()
		current := p.token
		p.mu.Unlock()

		if !p.flow.CanRefresh(current) {
			return nil, apierr.ConfigError("flow cannot refresh this token")
		}
		fresh, err := p.flow.Refresh(ctx, current)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		p.token = fresh
		if len(fresh.Scopes) > 0 || fresh.Kind == KindApp {
			p.scopes = fresh.Scopes
		}
		// A refreshed token has not been validated yet.
		p.validatedAt = time.Time{}
		p.mu.Unlock()

		p.logger.Debug().Str("client_id", p.flow.ClientID()).Msg("token refreshed")
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*AccessToken), nil
}

// Invalidate marks the cached token unusable and drops the validation cache.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token.Invalidate()
	p.validatedAt = time.Time{}
}

// Validate confirms the current token against the validation endpoint,
// reusing a cached result younger than an hour. Concurrent validators share
// one network round-trip. App-token providers trust the expiry instant and
// never hit the endpoint.
func (p *Provider) Validate(ctx context.Context) error {
	if p.flow.Kind() == KindApp {
		return nil
	}
	p.mu.Lock()
	fresh := !p.validatedAt.IsZero() && time.Since(p.validatedAt) < validationInterval
	p.mu.Unlock()
	if fresh {
		return nil
	}
	_, err, _ := p.group.Do("validate", func() (any, error) {
		return nil, p.validateOnce(ctx)
	})
	return err
}

func (p *Provider) validateOnce(ctx context.Context) error {
	tok, err := p.AccessToken(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/validate", nil)
	if err != nil {
		return apierr.Transport(err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.Value)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apierr.Cancelled(ctx.Err())
		}
		return apierr.Transport(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apierr.Transport(err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		p.Invalidate()
		return apierr.InvalidToken("validation endpoint rejected the token")
	}
	if resp.StatusCode != http.StatusOK {
		return apierr.Newf(apierr.CodeProtocolError, "validation endpoint returned %d", resp.StatusCode)
	}
	if err := schemax.ValidateBytes(p.schema, body); err != nil {
		return apierr.Wrap(apierr.CodeProtocolError, "malformed validation response", err)
	}

	var parsed struct {
		ClientID  string   `json:"client_id"`
		Login     string   `json:"login"`
		UserID    string   `json:"user_id"`
		Scopes    []string `json:"scopes"`
		ExpiresIn int      `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return apierr.Wrap(apierr.CodeProtocolError, "malformed validation response", err)
	}
	if parsed.ClientID != p.flow.ClientID() {
		p.Invalidate()
		return apierr.InvalidToken("validation response client_id does not match")
	}

	p.mu.Lock()
	p.login = parsed.Login
	p.userID = parsed.UserID
	if parsed.Scopes != nil {
		p.scopes = ScopeSetFromStrings(parsed.Scopes)
	}
	p.validatedAt = time.Now()
	p.mu.Unlock()

	p.logger.Debug().Str("login", parsed.Login).Str("user_id", parsed.UserID).Msg("token validated")
	return nil
}

// StartPeriodicValidation validates hourly until the returned stop function
// is called or ctx is cancelled.
func (p *Provider) StartPeriodicValidation(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(validationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.Validate(ctx); err != nil {
					p.logger.Warn().Err(err).Msg("periodic validation failed")
				}
			}
		}
	}()
	return cancel
}
