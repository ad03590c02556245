package auth

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hawkbat/twitchblade/apierr"
)

// ImplicitFlow implements the OAuth implicit grant: the token is returned in
// the URL fragment after the user redirect, and can never be refreshed.
//
// Building the authorize URL works anywhere; extracting the token from the
// redirect fragment is the only browser-bound step, so callers wire the two
// halves to fit their environment.
type ImplicitFlow struct {
	creds Credentials
	opts  flowOptions

	// ignoreStateMismatch makes TokenFromFragment return (nil, nil) instead
	// of failing on a foreign state, so several concurrent flows can share
	// one redirect handler.
	ignoreStateMismatch bool
}

// NewImplicitFlow validates the configuration; the implicit grant needs a
// client id and a redirect URI but never a secret.
func NewImplicitFlow(creds Credentials, opts ...FlowOption) (*ImplicitFlow, error) {
	if creds.ClientID == "" {
		return nil, apierr.ConfigError("implicit flow requires a client id")
	}
	if creds.RedirectURI == "" {
		return nil, apierr.ConfigError("implicit flow requires a redirect URI")
	}
	return &ImplicitFlow{creds: creds, opts: newFlowOptions(opts)}, nil
}

// IgnoreStateMismatch enables demultiplexing mode: a fragment carrying an
// unexpected state yields (nil, nil) rather than an error.
func (f *ImplicitFlow) IgnoreStateMismatch() *ImplicitFlow {
	f.ignoreStateMismatch = true
	return f
}

func (f *ImplicitFlow) ClientID() string { return f.creds.ClientID }

func (f *ImplicitFlow) Kind() TokenKind { return KindUser }

// AuthorizeURL builds the URL the user must visit. state should come from
// NewState and be held for the matching TokenFromFragment call.
func (f *ImplicitFlow) AuthorizeURL(scopes []Scope, state string, forceVerify bool) string {
	return authorizeURL(f.opts.baseURL, f.creds.ClientID, f.creds.RedirectURI, "token", scopes, state, forceVerify)
}

// TokenFromFragment parses the fragment of the redirect URL
// ("access_token=...&scope=...&state=...") and returns the embedded token.
func (f *ImplicitFlow) TokenFromFragment(fragment, expectedState string) (*AccessToken, error) {
	values, err := url.ParseQuery(fragment)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeProtocolError, "unparsable redirect fragment", err)
	}
	if !stateMatches(expectedState, values.Get("state")) {
		if f.ignoreStateMismatch {
			return nil, nil
		}
		return nil, apierr.ConfigError("Invalid state parameter")
	}
	accessToken := values.Get("access_token")
	if accessToken == "" {
		return nil, apierr.ProtocolError("redirect fragment missing access_token")
	}
	if tt := values.Get("token_type"); tt != "" && !strings.EqualFold(tt, "bearer") {
		return nil, apierr.ProtocolError("unexpected token_type " + tt)
	}
	tok := &AccessToken{
		Value:  accessToken,
		Scopes: ParseScopes(values.Get("scope")),
		Kind:   KindUser,
	}
	if raw := values.Get("expires_in"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil {
			tok.ExpiresAt = time.Now().Add(time.Duration(secs) * time.Second)
		}
	}
	return tok, nil
}

// CanRefresh always reports false; implicit tokens carry no refresh
// credential.
func (f *ImplicitFlow) CanRefresh(*AccessToken) bool { return false }

// Refresh fails; the implicit grant cannot refresh.
func (f *ImplicitFlow) Refresh(context.Context, *AccessToken) (*AccessToken, error) {
	return nil, apierr.ConfigError("implicit flow cannot refresh tokens")
}
