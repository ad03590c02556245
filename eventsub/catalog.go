package eventsub

import (
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hawkbat/twitchblade/auth"
	"github.com/hawkbat/twitchblade/internal/schemax"
)

// Definition is one entry of the event catalog: the condition and event
// schemas plus the auth each token kind needs. `(Type, Version)` is the
// single source of truth for payload validation and auth preflight.
type Definition struct {
	Type    string
	Version string

	ConditionSchema *jsonschema.Schema
	EventSchema     *jsonschema.Schema

	// RequiredAuth maps each supported token kind to its scope requirement.
	// A kind absent from the map cannot subscribe to this event at all; a
	// present kind with an empty requirement needs no scopes.
	RequiredAuth map[auth.TokenKind]auth.Requirement
}

// Key returns the registry key, "type/version".
func (d *Definition) Key() string { return d.Type + "/" + d.Version }

// SupportsKind reports whether the given token kind may subscribe.
func (d *Definition) SupportsKind(kind auth.TokenKind) bool {
	_, ok := d.RequiredAuth[kind]
	return ok
}

func conditionSchema(required []string, fields ...string) *jsonschema.Schema {
	props := map[string]any{}
	for _, f := range fields {
		props[f] = map[string]any{"type": "string", "minLength": 1}
	}
	schema := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schemax.MustCompile("condition", schema)
}

func eventSchema(required ...string) *jsonschema.Schema {
	props := map[string]any{}
	for _, f := range required {
		props[f] = map[string]any{}
	}
	return schemax.MustCompile("event", map[string]any{
		"type":       "object",
		"required":   required,
		"properties": props,
	})
}

func userOnly(req auth.Requirement) map[auth.TokenKind]auth.Requirement {
	return map[auth.TokenKind]auth.Requirement{auth.KindUser: req}
}

func userOrApp(req auth.Requirement) map[auth.TokenKind]auth.Requirement {
	return map[auth.TokenKind]auth.Requirement{auth.KindUser: req, auth.KindApp: {}}
}

// The shipped event catalog. Closed and immutable; adding a kind is a table
// edit.
var definitions = []*Definition{
	{
		Type:            "channel.chat.message",
		Version:         "1",
		ConditionSchema: conditionSchema([]string{"broadcaster_user_id", "user_id"}, "broadcaster_user_id", "user_id"),
		EventSchema:     eventSchema("broadcaster_user_id", "chatter_user_id", "message_id", "message"),
		RequiredAuth: userOnly(auth.RequireAny(
			auth.RequireScope(auth.ScopeUserReadChat),
			auth.RequireAll(auth.RequireScope(auth.ScopeUserBot), auth.RequireScope(auth.ScopeChannelBot)),
		)),
	},
	{
		Type:            "channel.chat.notification",
		Version:         "1",
		ConditionSchema: conditionSchema([]string{"broadcaster_user_id", "user_id"}, "broadcaster_user_id", "user_id"),
		EventSchema:     eventSchema("broadcaster_user_id", "notice_type"),
		RequiredAuth:    userOnly(auth.RequireScope(auth.ScopeUserReadChat)),
	},
	{
		Type:            "channel.follow",
		Version:         "2",
		ConditionSchema: conditionSchema([]string{"broadcaster_user_id", "moderator_user_id"}, "broadcaster_user_id", "moderator_user_id"),
		EventSchema:     eventSchema("user_id", "broadcaster_user_id", "followed_at"),
		RequiredAuth:    userOnly(auth.RequireScope(auth.ScopeModeratorReadFollowers)),
	},
	{
		Type:            "channel.subscribe",
		Version:         "1",
		ConditionSchema: conditionSchema([]string{"broadcaster_user_id"}, "broadcaster_user_id"),
		EventSchema:     eventSchema("user_id", "broadcaster_user_id", "tier"),
		RequiredAuth:    userOnly(auth.RequireScope(auth.ScopeChannelReadSubscriptions)),
	},
	{
		Type:            "channel.update",
		Version:         "2",
		ConditionSchema: conditionSchema([]string{"broadcaster_user_id"}, "broadcaster_user_id"),
		EventSchema:     eventSchema("broadcaster_user_id", "title"),
		RequiredAuth:    userOrApp(auth.Requirement{}),
	},
	{
		Type:            "channel.ban",
		Version:         "1",
		ConditionSchema: conditionSchema([]string{"broadcaster_user_id"}, "broadcaster_user_id"),
		EventSchema:     eventSchema("user_id", "broadcaster_user_id", "moderator_user_id"),
		RequiredAuth:    userOnly(auth.RequireScope(auth.ScopeChannelModerate)),
	},
	{
		Type:            "channel.raid",
		Version:         "1",
		ConditionSchema: conditionSchema(nil, "from_broadcaster_user_id", "to_broadcaster_user_id"),
		EventSchema:     eventSchema("from_broadcaster_user_id", "to_broadcaster_user_id", "viewers"),
		RequiredAuth:    userOrApp(auth.Requirement{}),
	},
	{
		Type:            "channel.cheer",
		Version:         "1",
		ConditionSchema: conditionSchema([]string{"broadcaster_user_id"}, "broadcaster_user_id"),
		EventSchema:     eventSchema("broadcaster_user_id", "bits"),
		RequiredAuth:    userOnly(auth.RequireScope(auth.ScopeBitsRead)),
	},
	{
		Type:            "channel.channel_points_custom_reward_redemption.add",
		Version:         "1",
		ConditionSchema: conditionSchema([]string{"broadcaster_user_id"}, "broadcaster_user_id", "reward_id"),
		EventSchema:     eventSchema("broadcaster_user_id", "user_id", "reward"),
		RequiredAuth: userOnly(auth.RequireAny(
			auth.RequireScope(auth.ScopeChannelReadRedemptions),
			auth.RequireScope(auth.ScopeChannelManageRedemptions),
		)),
	},
	{
		Type:            "stream.online",
		Version:         "1",
		ConditionSchema: conditionSchema([]string{"broadcaster_user_id"}, "broadcaster_user_id"),
		EventSchema:     eventSchema("broadcaster_user_id", "type", "started_at"),
		RequiredAuth:    userOrApp(auth.Requirement{}),
	},
	{
		Type:            "stream.offline",
		Version:         "1",
		ConditionSchema: conditionSchema([]string{"broadcaster_user_id"}, "broadcaster_user_id"),
		EventSchema:     eventSchema("broadcaster_user_id"),
		RequiredAuth:    userOrApp(auth.Requirement{}),
	},
	{
		Type:            "user.update",
		Version:         "1",
		ConditionSchema: conditionSchema([]string{"user_id"}, "user_id"),
		EventSchema:     eventSchema("user_id", "user_login"),
		RequiredAuth:    userOrApp(auth.Requirement{}),
	},
}

var definitionsByKey = func() map[string]*Definition {
	m := make(map[string]*Definition, len(definitions))
	for _, d := range definitions {
		m[d.Key()] = d
	}
	return m
}()

// Lookup finds the definition for an event type and version.
func Lookup(eventType, version string) (*Definition, bool) {
	d, ok := definitionsByKey[eventType+"/"+version]
	return d, ok
}

// Definitions enumerates the catalog in key order.
func Definitions() []*Definition {
	out := make([]*Definition, len(definitions))
	copy(out, definitions)
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}
