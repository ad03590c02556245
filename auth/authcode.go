package auth

import (
	"context"

	"golang.org/x/oauth2"

	"github.com/hawkbat/twitchblade/apierr"
)

// AuthCodeFlow implements the authorization-code grant. Building the
// authorize URL is environment-neutral; Exchange and Refresh require the
// client secret and therefore run server-side only.
type AuthCodeFlow struct {
	creds Credentials
	opts  flowOptions
	conf  *oauth2.Config
}

// NewAuthCodeFlow validates the configuration; the grant needs a client id,
// a secret for the code exchange, and a registered redirect URI.
func NewAuthCodeFlow(creds Credentials, opts ...FlowOption) (*AuthCodeFlow, error) {
	if creds.ClientID == "" {
		return nil, apierr.ConfigError("authorization code flow requires a client id")
	}
	if creds.ClientSecret == "" {
		return nil, apierr.ConfigError("authorization code flow requires a client secret")
	}
	if creds.RedirectURI == "" {
		return nil, apierr.ConfigError("authorization code flow requires a redirect URI")
	}
	o := newFlowOptions(opts)
	return &AuthCodeFlow{
		creds: creds,
		opts:  o,
		conf: &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RedirectURL:  creds.RedirectURI,
			Endpoint:     o.endpoint(),
		},
	}, nil
}

func (f *AuthCodeFlow) ClientID() string { return f.creds.ClientID }

func (f *AuthCodeFlow) Kind() TokenKind { return KindUser }

// AuthorizeURL builds the URL the user must visit; the code comes back on
// the redirect query.
func (f *AuthCodeFlow) AuthorizeURL(scopes []Scope, state string, forceVerify bool) string {
	return authorizeURL(f.opts.baseURL, f.creds.ClientID, f.creds.RedirectURI, "code", scopes, state, forceVerify)
}

// VerifyState compares the state echoed on the redirect against the expected
// one; mismatch fails the flow.
func (f *AuthCodeFlow) VerifyState(expected, got string) error {
	if !stateMatches(expected, got) {
		return apierr.ConfigError("Invalid state parameter")
	}
	return nil
}

// Exchange trades the authorization code for a user token.
func (f *AuthCodeFlow) Exchange(ctx context.Context, code string) (*AccessToken, error) {
	tok, err := f.conf.Exchange(f.opts.httpContext(ctx), code)
	if err != nil {
		return nil, tokenEndpointError(err)
	}
	return tokenFromOAuth2(tok, KindUser)
}

// CanRefresh reports whether the token carries a refresh credential.
func (f *AuthCodeFlow) CanRefresh(tok *AccessToken) bool {
	return tok != nil && tok.RefreshValue != ""
}

// Refresh obtains a fresh token using the refresh credential and the client
// secret.
func (f *AuthCodeFlow) Refresh(ctx context.Context, tok *AccessToken) (*AccessToken, error) {
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
	// The endpoint may rotate or omit the refresh credential; keep the old
	// one when omitted.
	if out.RefreshValue == "" {
		out.RefreshValue = tok.RefreshValue
	}
	return out, nil
}
