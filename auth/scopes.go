package auth

import (
	"sort"
	"strings"
)

// Scope is a named permission attached to a user access token.
//
// The vocabulary below mirrors Twitch's published scope list. Validation
// responses may carry scope strings that postdate this build; those are
// preserved as-is rather than rejected.
type Scope string

const (
	ScopeAnalyticsReadExtensions Scope = "analytics:read:extensions"
	ScopeAnalyticsReadGames      Scope = "analytics:read:games"
	ScopeBitsRead                Scope = "bits:read"

	ScopeChannelBot               Scope = "channel:bot"
	ScopeChannelEditCommercial    Scope = "channel:edit:commercial"
	ScopeChannelManageAds         Scope = "channel:manage:ads"
	ScopeChannelManageBroadcast   Scope = "channel:manage:broadcast"
	ScopeChannelManageExtensions  Scope = "channel:manage:extensions"
	ScopeChannelManageGuestStar   Scope = "channel:manage:guest_star"
	ScopeChannelManageModerators  Scope = "channel:manage:moderators"
	ScopeChannelManagePolls       Scope = "channel:manage:polls"
	ScopeChannelManagePredictions Scope = "channel:manage:predictions"
	ScopeChannelManageRaids       Scope = "channel:manage:raids"
	ScopeChannelManageRedemptions Scope = "channel:manage:redemptions"
	ScopeChannelManageSchedule    Scope = "channel:manage:schedule"
	ScopeChannelManageVideos      Scope = "channel:manage:videos"
	ScopeChannelManageVips        Scope = "channel:manage:vips"
	ScopeChannelModerate          Scope = "channel:moderate"
	ScopeChannelReadAds           Scope = "channel:read:ads"
	ScopeChannelReadCharity       Scope = "channel:read:charity"
	ScopeChannelReadEditors       Scope = "channel:read:editors"
	ScopeChannelReadGoals         Scope = "channel:read:goals"
	ScopeChannelReadGuestStar     Scope = "channel:read:guest_star"
	ScopeChannelReadHypeTrain     Scope = "channel:read:hype_train"
	ScopeChannelReadPolls         Scope = "channel:read:polls"
	ScopeChannelReadPredictions   Scope = "channel:read:predictions"
	ScopeChannelReadRedemptions   Scope = "channel:read:redemptions"
	ScopeChannelReadStreamKey     Scope = "channel:read:stream_key"
	ScopeChannelReadSubscriptions Scope = "channel:read:subscriptions"
	ScopeChannelReadVips          Scope = "channel:read:vips"

	ScopeChatEdit       Scope = "chat:edit"
	ScopeChatRead       Scope = "chat:read"
	ScopeClipsEdit      Scope = "clips:edit"
	ScopeModerationRead Scope = "moderation:read"

	ScopeModeratorManageAnnouncements   Scope = "moderator:manage:announcements"
	ScopeModeratorManageAutomod         Scope = "moderator:manage:automod"
	ScopeModeratorManageAutomodSettings Scope = "moderator:manage:automod_settings"
	ScopeModeratorManageBannedUsers     Scope = "moderator:manage:banned_users"
	ScopeModeratorManageBlockedTerms    Scope = "moderator:manage:blocked_terms"
	ScopeModeratorManageChatMessages    Scope = "moderator:manage:chat_messages"
	ScopeModeratorManageChatSettings    Scope = "moderator:manage:chat_settings"
	ScopeModeratorManageGuestStar       Scope = "moderator:manage:guest_star"
	ScopeModeratorManageShieldMode      Scope = "moderator:manage:shield_mode"
	ScopeModeratorManageShoutouts       Scope = "moderator:manage:shoutouts"
	ScopeModeratorManageUnbanRequests   Scope = "moderator:manage:unban_requests"
	ScopeModeratorManageWarnings        Scope = "moderator:manage:warnings"
	ScopeModeratorReadAutomodSettings   Scope = "moderator:read:automod_settings"
	ScopeModeratorReadBannedUsers       Scope = "moderator:read:banned_users"
	ScopeModeratorReadBlockedTerms      Scope = "moderator:read:blocked_terms"
	ScopeModeratorReadChatMessages      Scope = "moderator:read:chat_messages"
	ScopeModeratorReadChatSettings      Scope = "moderator:read:chat_settings"
	ScopeModeratorReadChatters          Scope = "moderator:read:chatters"
	ScopeModeratorReadFollowers         Scope = "moderator:read:followers"
	ScopeModeratorReadGuestStar         Scope = "moderator:read:guest_star"
	ScopeModeratorReadModerators        Scope = "moderator:read:moderators"
	ScopeModeratorReadShieldMode        Scope = "moderator:read:shield_mode"
	ScopeModeratorReadShoutouts         Scope = "moderator:read:shoutouts"
	ScopeModeratorReadSuspiciousUsers   Scope = "moderator:read:suspicious_users"
	ScopeModeratorReadUnbanRequests     Scope = "moderator:read:unban_requests"
	ScopeModeratorReadVips              Scope = "moderator:read:vips"
	ScopeModeratorReadWarnings          Scope = "moderator:read:warnings"

	ScopeUserBot                   Scope = "user:bot"
	ScopeUserEdit                  Scope = "user:edit"
	ScopeUserEditBroadcast         Scope = "user:edit:broadcast"
	ScopeUserManageBlockedUsers    Scope = "user:manage:blocked_users"
	ScopeUserManageChatColor       Scope = "user:manage:chat_color"
	ScopeUserManageWhispers        Scope = "user:manage:whispers"
	ScopeUserReadBlockedUsers      Scope = "user:read:blocked_users"
	ScopeUserReadBroadcast         Scope = "user:read:broadcast"
	ScopeUserReadChat              Scope = "user:read:chat"
	ScopeUserReadEmail             Scope = "user:read:email"
	ScopeUserReadEmotes            Scope = "user:read:emotes"
	ScopeUserReadFollows           Scope = "user:read:follows"
	ScopeUserReadModeratedChannels Scope = "user:read:moderated_channels"
	ScopeUserReadSubscriptions     Scope = "user:read:subscriptions"
	ScopeUserReadWhispers          Scope = "user:read:whispers"
	ScopeUserWriteChat             Scope = "user:write:chat"

	ScopeWhispersEdit Scope = "whispers:edit"
	ScopeWhispersRead Scope = "whispers:read"
)

// ScopeSet is an unordered set of granted scopes.
type ScopeSet map[Scope]struct{}

// NewScopeSet builds a set from individual scopes.
func NewScopeSet(scopes ...Scope) ScopeSet {
	set := make(ScopeSet, len(scopes))
	for _, s := range scopes {
		set[s] = struct{}{}
	}
	return set
}

// ScopeSetFromStrings builds a set from raw scope strings, e.g. the scopes
// array of a validation response. Unknown strings are kept.
func ScopeSetFromStrings(scopes []string) ScopeSet {
	set := make(ScopeSet, len(scopes))
	for _, s := range scopes {
		if s != "" {
			set[Scope(s)] = struct{}{}
		}
	}
	return set
}

// ParseScopes splits the space-joined wire form used on authorize URLs.
func ParseScopes(joined string) ScopeSet {
	return ScopeSetFromStrings(strings.Fields(joined))
}

// Contains reports membership.
func (s ScopeSet) Contains(scope Scope) bool {
	_, ok := s[scope]
	return ok
}

// Slice returns the scopes in sorted order.
func (s ScopeSet) Slice() []Scope {
	out := make([]Scope, 0, len(s))
	for scope := range s {
		out = append(out, scope)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Join returns the space-joined wire form, sorted for stability.
func (s ScopeSet) Join() string {
	scopes := s.Slice()
	parts := make([]string, len(scopes))
	for i, scope := range scopes {
		parts[i] = string(scope)
	}
	return strings.Join(parts, " ")
}

type reqOp int

const (
	reqNone reqOp = iota
	reqOne
	reqAll
	reqAny
)

// Requirement is a scope requirement expression: a single scope, a
// conjunction, or a disjunction of child requirements. The zero value
// requires nothing and is vacuously satisfied.
type Requirement struct {
	op       reqOp
	scope    Scope
	children []Requirement
}

// RequireScope requires a single scope.
func RequireScope(s Scope) Requirement {
	return Requirement{op: reqOne, scope: s}
}

// RequireAll requires every child requirement.
func RequireAll(children ...Requirement) Requirement {
	return Requirement{op: reqAll, children: children}
}

// RequireAny requires at least one child requirement.
func RequireAny(children ...Requirement) Requirement {
	return Requirement{op: reqAny, children: children}
}

// Empty reports whether the requirement requires nothing.
func (r Requirement) Empty() bool {
	switch r.op {
	case reqNone:
		return true
	case reqAll, reqAny:
		return len(r.children) == 0
	}
	return false
}

// SatisfiedBy evaluates the requirement against a granted set.
func (r Requirement) SatisfiedBy(granted ScopeSet) bool {
	switch r.op {
	case reqNone:
		return true
	case reqOne:
		return granted.Contains(r.scope)
	case reqAll:
		for _, child := range r.children {
			if !child.SatisfiedBy(granted) {
				return false
			}
		}
		return true
	case reqAny:
		if len(r.children) == 0 {
			return true
		}
		for _, child := range r.children {
			if child.SatisfiedBy(granted) {
				return true
			}
		}
		return false
	}
	return false
}

// String renders the expression for diagnostics, e.g.
// "all(user:read:chat, any(channel:moderate, moderation:read))".
func (r Requirement) String() string {
	switch r.op {
	case reqNone:
		return "none"
	case reqOne:
		return string(r.scope)
	case reqAll, reqAny:
		label := "all"
		if r.op == reqAny {
			label = "any"
		}
		parts := make([]string, len(r.children))
		for i, child := range r.children {
			parts[i] = child.String()
		}
		return label + "(" + strings.Join(parts, ", ") + ")"
	}
	return "none"
}

// Scopes returns every scope mentioned anywhere in the expression, used to
// pre-fill authorize URLs.
func (r Requirement) Scopes() []Scope {
	seen := make(ScopeSet)
	r.collect(seen)
	return seen.Slice()
}

func (r Requirement) collect(into ScopeSet) {
	switch r.op {
	case reqOne:
		into[r.scope] = struct{}{}
	case reqAll, reqAny:
		for _, child := range r.children {
			child.collect(into)
		}
	}
}
