package auth

import (
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/hawkbat/twitchblade/apierr"
)

// TokenKind distinguishes user access tokens from app access tokens.
type TokenKind string

const (
	// KindUser tokens are tied to a human identity and carry scopes.
	KindUser TokenKind = "user"
	// KindApp tokens are tied to the application; no scopes, no refresh
	// credential (re-minted on demand).
	KindApp TokenKind = "app"
)

// expirySkew is subtracted from the expiry instant when deciding usability,
// so a token is never presented within its final seconds.
const expirySkew = 30 * time.Second

// AccessToken is a bearer credential plus the metadata needed to refresh and
// preflight it.
type AccessToken struct {
	Value        string
	RefreshValue string
	ExpiresAt    time.Time
	Scopes       ScopeSet
	Kind         TokenKind

	invalidated bool
}

// Usable reports whether the token can be presented at the given instant. A
// token rejected by the validation endpoint is unusable regardless of expiry.
func (t *AccessToken) Usable(now time.Time) bool {
	if t == nil || t.Value == "" || t.invalidated {
		return false
	}
	if t.ExpiresAt.IsZero() {
		return true
	}
	return now.Before(t.ExpiresAt.Add(-expirySkew))
}

// Invalidate marks the token unusable; the next AccessToken call on the
// owning provider will refresh.
func (t *AccessToken) Invalidate() {
	if t != nil {
		t.invalidated = true
	}
}

// tokenFromOAuth2 converts a wire token, enforcing the response contract:
// a non-empty access token and token_type "bearer". Twitch returns granted
// scopes as a JSON array alongside the token.
func tokenFromOAuth2(tok *oauth2.Token, kind TokenKind) (*AccessToken, error) {
	if tok == nil || tok.AccessToken == "" {
		return nil, apierr.ProtocolError("token response missing access_token")
	}
	if !strings.EqualFold(tok.TokenType, "bearer") {
		return nil, apierr.ProtocolError("unexpected token_type " + tok.TokenType)
	}
	return &AccessToken{
		Value:        tok.AccessToken,
		RefreshValue: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		Scopes:       scopesFromExtra(tok),
		Kind:         kind,
	}, nil
}

func scopesFromExtra(tok *oauth2.Token) ScopeSet {
	switch v := tok.Extra("scope").(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return ScopeSetFromStrings(out)
	case string:
		return ParseScopes(v)
	}
	return ScopeSet{}
}
