package eventsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hawkbat/twitchblade/auth"
	"github.com/hawkbat/twitchblade/internal/schemax"
)

func TestLookup(t *testing.T) {
	def, ok := Lookup("channel.chat.message", "1")
	require.True(t, ok)
	assert.Equal(t, "channel.chat.message/1", def.Key())
	assert.True(t, def.SupportsKind(auth.KindUser))
	assert.False(t, def.SupportsKind(auth.KindApp))

	_, ok = Lookup("channel.chat.message", "99")
	assert.False(t, ok)
	_, ok = Lookup("channel.nonsense", "1")
	assert.False(t, ok)
}

func TestDefinitionsEnumerationIsSorted(t *testing.T) {
	defs := Definitions()
	require.NotEmpty(t, defs)
	for i := 1; i < len(defs); i++ {
		assert.Less(t, defs[i-1].Key(), defs[i].Key())
	}
}

func TestConditionSchemasRejectUnknownFields(t *testing.T) {
	def, ok := Lookup("channel.subscribe", "1")
	require.True(t, ok)

	assert.NoError(t, schemax.ValidateValue(def.ConditionSchema, map[string]any{
		"broadcaster_user_id": "B",
	}))
	assert.Error(t, schemax.ValidateValue(def.ConditionSchema, map[string]any{
		"broadcaster_user_id": "B",
		"user_id":             "U",
	}))
	assert.Error(t, schemax.ValidateValue(def.ConditionSchema, map[string]any{}))
}

func TestStreamOnlineAllowsAppTokens(t *testing.T) {
	def, ok := Lookup("stream.online", "1")
	require.True(t, ok)
	assert.True(t, def.SupportsKind(auth.KindApp))
	req := def.RequiredAuth[auth.KindApp]
	assert.True(t, req.Empty())
}
