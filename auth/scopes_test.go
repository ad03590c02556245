package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequirementSatisfiedBy(t *testing.T) {
	granted := NewScopeSet(ScopeUserReadChat, ScopeChannelModerate)

	tests := []struct {
		name string
		req  Requirement
		want bool
	}{
		{"empty requirement is vacuously satisfied", Requirement{}, true},
		{"single granted", RequireScope(ScopeUserReadChat), true},
		{"single missing", RequireScope(ScopeBitsRead), false},
		{"all-of satisfied", RequireAll(RequireScope(ScopeUserReadChat), RequireScope(ScopeChannelModerate)), true},
		{"all-of one missing", RequireAll(RequireScope(ScopeUserReadChat), RequireScope(ScopeBitsRead)), false},
		{"any-of satisfied", RequireAny(RequireScope(ScopeBitsRead), RequireScope(ScopeChannelModerate)), true},
		{"any-of none", RequireAny(RequireScope(ScopeBitsRead), RequireScope(ScopeChatRead)), false},
		{"empty all-of", RequireAll(), true},
		{"empty any-of", RequireAny(), true},
		{"nested", RequireAll(
			RequireScope(ScopeUserReadChat),
			RequireAny(RequireScope(ScopeBitsRead), RequireScope(ScopeChannelModerate)),
		), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.req.SatisfiedBy(granted))
		})
	}
}

func TestRequirementSatisfiedByEmptyGrant(t *testing.T) {
	assert.True(t, Requirement{}.SatisfiedBy(ScopeSet{}))
	assert.False(t, RequireScope(ScopeUserReadChat).SatisfiedBy(ScopeSet{}))
}

func TestScopeSetRoundTrip(t *testing.T) {
	set := ParseScopes("user:read:chat channel:moderate user:read:chat")
	assert.Len(t, set, 2)
	assert.Equal(t, "channel:moderate user:read:chat", set.Join())
}

func TestScopeSetPreservesUnknownScopes(t *testing.T) {
	set := ScopeSetFromStrings([]string{"user:read:chat", "future:new:scope"})
	assert.True(t, set.Contains(ScopeUserReadChat))
	assert.True(t, set.Contains(Scope("future:new:scope")))
}

func TestRequirementString(t *testing.T) {
	req := RequireAll(
		RequireScope(ScopeUserReadChat),
		RequireAny(RequireScope(ScopeChannelModerate), RequireScope(ScopeModerationRead)),
	)
	assert.Equal(t, "all(user:read:chat, any(channel:moderate, moderation:read))", req.String())
}

func TestRequirementScopes(t *testing.T) {
	req := RequireAny(RequireScope(ScopeChatRead), RequireScope(ScopeBitsRead))
	assert.Equal(t, []Scope{ScopeBitsRead, ScopeChatRead}, req.Scopes())
}
