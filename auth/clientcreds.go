package auth

import (
	"context"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/hawkbat/twitchblade/apierr"
)

// ClientCredentialsFlow mints app access tokens from the client id and
// secret. App tokens carry no refresh credential; refreshing means minting a
// new one. Server-side only.
type ClientCredentialsFlow struct {
	creds Credentials
	opts  flowOptions
	conf  *clientcredentials.Config
}

// NewClientCredentialsFlow validates the configuration; the grant cannot run
// without a secret.
func NewClientCredentialsFlow(creds Credentials, opts ...FlowOption) (*ClientCredentialsFlow, error) {
	if creds.ClientID == "" {
		return nil, apierr.ConfigError("client credentials flow requires a client id")
	}
	if creds.ClientSecret == "" {
		return nil, apierr.ConfigError("client credentials flow requires a client secret")
	}
	o := newFlowOptions(opts)
	return &ClientCredentialsFlow{
		creds: creds,
		opts:  o,
		conf: &clientcredentials.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			TokenURL:     o.endpoint().TokenURL,
			AuthStyle:    o.endpoint().AuthStyle,
		},
	}, nil
}

func (f *ClientCredentialsFlow) ClientID() string { return f.creds.ClientID }

func (f *ClientCredentialsFlow) Kind() TokenKind { return KindApp }

// Acquire mints a new app token.
func (f *ClientCredentialsFlow) Acquire(ctx context.Context) (*AccessToken, error) {
	tok, err := f.conf.Token(f.opts.httpContext(ctx))
	if err != nil {
		return nil, tokenEndpointError(err)
	}
	return tokenFromOAuth2(tok, KindApp)
}

// CanRefresh always reports true; a new issuance serves as the refresh.
func (f *ClientCredentialsFlow) CanRefresh(*AccessToken) bool { return true }

// Refresh mints a new app token; the old one is discarded.
func (f *ClientCredentialsFlow) Refresh(ctx context.Context, _ *AccessToken) (*AccessToken, error) {
	return f.Acquire(ctx)
}
