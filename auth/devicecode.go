package auth

import (
	"context"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/hawkbat/twitchblade/apierr"
)

// DeviceCode is the server's answer to a device authorization request: the
// code the user must enter, where to enter it, and how to poll for the
// resulting token.
type DeviceCode struct {
	DeviceCode      string
	UserCode        string
	VerificationURI string
	Interval        time.Duration
	ExpiresAt       time.Time
}

// DeviceCodeFlow implements the device-code grant: request a user code, show
// it to the user, poll the token endpoint until they authorize or the code
// expires. Confidential clients supply a secret; public clients omit it.
type DeviceCodeFlow struct {
	creds Credentials
	opts  flowOptions
	conf  *oauth2.Config

	polls singleflight.Group
}

// NewDeviceCodeFlow validates the configuration. The secret is optional.
func NewDeviceCodeFlow(creds Credentials, opts ...FlowOption) (*DeviceCodeFlow, error) {
	if creds.ClientID == "" {
		return nil, apierr.ConfigError("device code flow requires a client id")
	}
	o := newFlowOptions(opts)
	return &DeviceCodeFlow{
		creds: creds,
		opts:  o,
		conf: &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			Endpoint:     o.endpoint(),
		},
	}, nil
}

func (f *DeviceCodeFlow) ClientID() string { return f.creds.ClientID }

func (f *DeviceCodeFlow) Kind() TokenKind { return KindUser }

// RequestCode asks the device endpoint for a user code covering the given
// scopes.
func (f *DeviceCodeFlow) RequestCode(ctx context.Context, scopes []Scope) (*DeviceCode, error) {
	joined := NewScopeSet(scopes...).Join()
	// Twitch's device endpoint reads the plural form; send both so either
	// spelling is honoured.
	resp, err := f.conf.DeviceAuth(f.opts.httpContext(ctx),
		oauth2.SetAuthURLParam("scope", joined),
		oauth2.SetAuthURLParam("scopes", joined),
	)
	if err != nil {
		return nil, tokenEndpointError(err)
	}
	interval := time.Duration(resp.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	f.opts.logger.Debug().
		Str("user_code", resp.UserCode).
		Dur("interval", interval).
		Msg("device code issued")
	return &DeviceCode{
		DeviceCode:      resp.DeviceCode,
		UserCode:        resp.UserCode,
		VerificationURI: resp.VerificationURI,
		Interval:        interval,
		ExpiresAt:       resp.Expiry,
	}, nil
}

// Poll polls the token endpoint at the server-dictated interval until the
// user authorizes, the device code expires, or ctx is cancelled. Concurrent
// Poll calls for the same device code share a single polling loop.
func (f *DeviceCodeFlow) Poll(ctx context.Context, dc *DeviceCode) (*AccessToken, error) {
	if dc == nil || dc.DeviceCode == "" {
		return nil, apierr.ConfigError("device code is required")
	}
	result, err, _ := f.polls.Do(dc.DeviceCode, func() (any, error) {
		tok, err := f.conf.DeviceAccessToken(f.opts.httpContext(ctx), &oauth2.DeviceAuthResponse{
			DeviceCode: dc.DeviceCode,
			Interval:   int64(dc.Interval / time.Second),
			Expiry:     dc.ExpiresAt,
		})
		if err != nil {
			return nil, tokenEndpointError(err)
		}
		return tokenFromOAuth2(tok, KindUser)
	})
	if err != nil {
		return nil, err
	}
	return result.(*AccessToken), nil
}

// Authorize runs the whole grant: request a code, hand it to prompt (which
// must show the user code and verification URI to the user), then poll until
// authorized, expired, or cancelled.
func (f *DeviceCodeFlow) Authorize(ctx context.Context, scopes []Scope, prompt func(*DeviceCode)) (*AccessToken, error) {
	dc, err := f.RequestCode(ctx, scopes)
	if err != nil {
		return nil, err
	}
	if prompt != nil {
		prompt(dc)
	}
	return f.Poll(ctx, dc)
}

// CanRefresh reports whether the token carries a refresh credential.
func (f *DeviceCodeFlow) CanRefresh(tok *AccessToken) bool {
	return tok != nil && tok.RefreshValue != ""
}

// Refresh obtains a fresh token using the refresh credential. Public clients
// refresh without a secret.
func (f *DeviceCodeFlow) Refresh(ctx context.Context, tok *AccessToken) (*AccessToken, error) {
	if !f.CanRefresh(tok) {
		return nil, apierr.ConfigError("token has no refresh credential")
	}
	src := f.conf.TokenSource(f.opts.httpContext(ctx), &oauth2.Token{RefreshToken: tok.RefreshValue})
	fresh, err := src.Token()
	if err != nil {
		return nil, tokenEndpointError(err)
	}
	out, err := tokenFromOAuth2(fresh, KindUser)
	if err != nil {
		return nil, err
	}
	if out.RefreshValue == "" {
		out.RefreshValue = tok.RefreshValue
	}
	return out, nil
}
