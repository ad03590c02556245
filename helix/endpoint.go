// Package helix implements the authenticated Helix REST pipeline: a closed
// catalog of endpoint descriptors, the per-bucket rate-limit gate, and the
// request client that signs, sends, retries, validates, and paginates.
package helix

import (
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hawkbat/twitchblade/auth"
)

// AuthKind restricts which token kinds an endpoint accepts.
type AuthKind int

const (
	// AuthAny accepts app or user tokens.
	AuthAny AuthKind = iota
	// AuthApp accepts app tokens only.
	AuthApp
	// AuthUser accepts user tokens only.
	AuthUser
)

// DefaultTimeout is the wall-clock budget of a single Helix call unless the
// endpoint overrides it.
const DefaultTimeout = 30 * time.Second

// Endpoint describes one Helix REST operation. Descriptors are data only;
// the client owns all networking. Adding an operation means adding a table
// entry, never a control-flow change.
type Endpoint struct {
	// Name identifies the endpoint, e.g. "CreateEventSubSubscription".
	Name string

	// Method and Path form the request line; Path is relative to the Helix
	// base URL, e.g. "eventsub/subscriptions".
	Method string
	Path   string

	// QuerySchema, BodySchema, and ResponseSchema validate the request
	// query, the JSON body, and the response body. A nil schema accepts
	// anything (e.g. no body on GETs).
	QuerySchema    *jsonschema.Schema
	BodySchema     *jsonschema.Schema
	ResponseSchema *jsonschema.Schema

	// SuccessCodes are the statuses that mean the call worked.
	// KnownErrorCodes are the documented failure statuses; below 500 they
	// surface as HelixError rather than ProtocolError. A 5xx status, listed
	// or not, is retried as a transient failure and surfaces as Transport
	// once the retry budget is spent.
	SuccessCodes    []int
	KnownErrorCodes []int

	// Auth restricts token kinds; RequiredScopes applies to user tokens.
	Auth           AuthKind
	RequiredScopes auth.Requirement

	// Timeout overrides DefaultTimeout when non-zero.
	Timeout time.Duration
}

// AllowsKind reports whether the endpoint accepts the given token kind.
func (e *Endpoint) AllowsKind(kind auth.TokenKind) bool {
	switch e.Auth {
	case AuthApp:
		return kind == auth.KindApp
	case AuthUser:
		return kind == auth.KindUser
	}
	return true
}

// IsSuccess reports whether status is in the endpoint's success set.
func (e *Endpoint) IsSuccess(status int) bool {
	for _, code := range e.SuccessCodes {
		if code == status {
			return true
		}
	}
	return false
}

// IsKnownError reports whether status is a documented failure status.
func (e *Endpoint) IsKnownError(status int) bool {
	for _, code := range e.KnownErrorCodes {
		if code == status {
			return true
		}
	}
	return false
}

func (e *Endpoint) timeout() time.Duration {
	if e.Timeout > 0 {
		return e.Timeout
	}
	return DefaultTimeout
}
