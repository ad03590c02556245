package helix

import (
	"net/http"
	"sort"

	"github.com/hawkbat/twitchblade/auth"
	"github.com/hawkbat/twitchblade/internal/schemax"
)

// Schema fragments shared by the catalog. Query values arrive as strings or
// repeated strings, so query properties accept both forms.
func queryParam() map[string]any {
	return map[string]any{"type": []string{"string", "array"}, "items": map[string]any{"type": "string"}}
}

func querySchema(required []string, params ...string) map[string]any {
	props := map[string]any{}
	for _, p := range params {
		props[p] = queryParam()
	}
	schema := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// dataEnvelope is the standard Helix response shape: a "data" array plus an
// optional pagination cursor.
func dataEnvelope(itemSchema map[string]any) map[string]any {
	items := itemSchema
	if items == nil {
		items = map[string]any{"type": "object"}
	}
	return map[string]any{
		"type":     "object",
		"required": []string{"data"},
		"properties": map[string]any{
			"data": map[string]any{"type": "array", "items": items},
			"pagination": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"cursor": map[string]any{"type": "string"},
				},
			},
			"total":          map[string]any{"type": "integer"},
			"total_cost":     map[string]any{"type": "integer"},
			"max_total_cost": map[string]any{"type": "integer"},
		},
	}
}

// The shipped endpoint catalog. Closed: lookup is by name through
// EndpointByName, enumeration through Endpoints.
var (
	GetUsers = &Endpoint{
		Name:         "GetUsers",
		Method:       http.MethodGet,
		Path:         "users",
		QuerySchema:  schemax.MustCompile("get-users-query", querySchema(nil, "id", "login")),
		ResponseSchema: schemax.MustCompile("get-users-response", dataEnvelope(map[string]any{
			"type":     "object",
			"required": []string{"id", "login", "display_name"},
			"properties": map[string]any{
				"id":           map[string]any{"type": "string"},
				"login":        map[string]any{"type": "string"},
				"display_name": map[string]any{"type": "string"},
			},
		})),
		SuccessCodes:    []int{http.StatusOK},
		KnownErrorCodes: []int{http.StatusBadRequest, http.StatusUnauthorized},
		Auth:            AuthAny,
	}

	GetStreams = &Endpoint{
		Name:   "GetStreams",
		Method: http.MethodGet,
		Path:   "streams",
		QuerySchema: schemax.MustCompile("get-streams-query",
			querySchema(nil, "user_id", "user_login", "game_id", "type", "language", "first", "before", "after")),
		ResponseSchema:  schemax.MustCompile("get-streams-response", dataEnvelope(nil)),
		SuccessCodes:    []int{http.StatusOK},
		KnownErrorCodes: []int{http.StatusBadRequest, http.StatusUnauthorized},
		Auth:            AuthAny,
	}

	GetChannelInformation = &Endpoint{
		Name:            "GetChannelInformation",
		Method:          http.MethodGet,
		Path:            "channels",
		QuerySchema:     schemax.MustCompile("get-channel-query", querySchema([]string{"broadcaster_id"}, "broadcaster_id")),
		ResponseSchema:  schemax.MustCompile("get-channel-response", dataEnvelope(nil)),
		SuccessCodes:    []int{http.StatusOK},
		KnownErrorCodes: []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusTooManyRequests},
		Auth:            AuthAny,
	}

	ModifyChannelInformation = &Endpoint{
		Name:        "ModifyChannelInformation",
		Method:      http.MethodPatch,
		Path:        "channels",
		QuerySchema: schemax.MustCompile("modify-channel-query", querySchema([]string{"broadcaster_id"}, "broadcaster_id")),
		BodySchema: schemax.MustCompile("modify-channel-body", map[string]any{
			"type":     "object",
			"minProperties": 1,
			"properties": map[string]any{
				"game_id":                      map[string]any{"type": "string"},
				"broadcaster_language":         map[string]any{"type": "string"},
				"title":                        map[string]any{"type": "string"},
				"delay":                        map[string]any{"type": "integer"},
				"tags":                         map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"content_classification_labels": map[string]any{"type": "array"},
				"is_branded_content":           map[string]any{"type": "boolean"},
			},
			"additionalProperties": false,
		}),
		SuccessCodes:    []int{http.StatusNoContent},
		KnownErrorCodes: []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict, http.StatusInternalServerError},
		Auth:            AuthUser,
		RequiredScopes:  auth.RequireScope(auth.ScopeChannelManageBroadcast),
	}

	SendChatMessage = &Endpoint{
		Name:   "SendChatMessage",
		Method: http.MethodPost,
		Path:   "chat/messages",
		BodySchema: schemax.MustCompile("send-chat-message-body", map[string]any{
			"type":     "object",
			"required": []string{"broadcaster_id", "sender_id", "message"},
			"properties": map[string]any{
				"broadcaster_id":               map[string]any{"type": "string"},
				"sender_id":                    map[string]any{"type": "string"},
				"message":                      map[string]any{"type": "string", "maxLength": 500},
				"reply_parent_message_id":      map[string]any{"type": "string"},
				"for_source_only":              map[string]any{"type": "boolean"},
			},
			"additionalProperties": false,
		}),
		ResponseSchema:  schemax.MustCompile("send-chat-message-response", dataEnvelope(nil)),
		SuccessCodes:    []int{http.StatusOK},
		KnownErrorCodes: []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusUnprocessableEntity},
		Auth:            AuthAny,
		RequiredScopes:  auth.RequireAny(auth.RequireScope(auth.ScopeUserWriteChat), auth.RequireScope(auth.ScopeUserBot)),
	}

	GetChatters = &Endpoint{
		Name:   "GetChatters",
		Method: http.MethodGet,
		Path:   "chat/chatters",
		QuerySchema: schemax.MustCompile("get-chatters-query",
			querySchema([]string{"broadcaster_id", "moderator_id"}, "broadcaster_id", "moderator_id", "first", "after")),
		ResponseSchema:  schemax.MustCompile("get-chatters-response", dataEnvelope(nil)),
		SuccessCodes:    []int{http.StatusOK},
		KnownErrorCodes: []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
		Auth:            AuthUser,
		RequiredScopes:  auth.RequireScope(auth.ScopeModeratorReadChatters),
	}

	SendChatAnnouncement = &Endpoint{
		Name:        "SendChatAnnouncement",
		Method:      http.MethodPost,
		Path:        "chat/announcements",
		QuerySchema: schemax.MustCompile("send-announcement-query", querySchema([]string{"broadcaster_id", "moderator_id"}, "broadcaster_id", "moderator_id")),
		BodySchema: schemax.MustCompile("send-announcement-body", map[string]any{
			"type":     "object",
			"required": []string{"message"},
			"properties": map[string]any{
				"message": map[string]any{"type": "string", "maxLength": 500},
				"color":   map[string]any{"type": "string", "enum": []string{"blue", "green", "orange", "purple", "primary"}},
			},
			"additionalProperties": false,
		}),
		SuccessCodes:    []int{http.StatusNoContent},
		KnownErrorCodes: []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusTooManyRequests},
		Auth:            AuthUser,
		RequiredScopes:  auth.RequireScope(auth.ScopeModeratorManageAnnouncements),
	}

	CreateEventSubSubscription = &Endpoint{
		Name:   "CreateEventSubSubscription",
		Method: http.MethodPost,
		Path:   "eventsub/subscriptions",
		BodySchema: schemax.MustCompile("create-eventsub-body", map[string]any{
			"type":     "object",
			"required": []string{"type", "version", "condition", "transport"},
			"properties": map[string]any{
				"type":      map[string]any{"type": "string"},
				"version":   map[string]any{"type": "string"},
				"condition": map[string]any{"type": "object"},
				"transport": map[string]any{
					"type":     "object",
					"required": []string{"method"},
					"properties": map[string]any{
						"method":     map[string]any{"type": "string", "enum": []string{"websocket", "webhook", "conduit"}},
						"session_id": map[string]any{"type": "string"},
						"callback":   map[string]any{"type": "string"},
						"secret":     map[string]any{"type": "string"},
						"conduit_id": map[string]any{"type": "string"},
					},
				},
			},
			"additionalProperties": false,
		}),
		ResponseSchema: schemax.MustCompile("create-eventsub-response", dataEnvelope(map[string]any{
			"type":     "object",
			"required": []string{"id", "status", "type", "version"},
			"properties": map[string]any{
				"id":      map[string]any{"type": "string"},
				"status":  map[string]any{"type": "string"},
				"type":    map[string]any{"type": "string"},
				"version": map[string]any{"type": "string"},
			},
		})),
		SuccessCodes: []int{http.StatusAccepted},
		KnownErrorCodes: []int{
			http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
			http.StatusConflict, http.StatusTooManyRequests,
		},
		Auth: AuthAny,
	}

	GetEventSubSubscriptions = &Endpoint{
		Name:   "GetEventSubSubscriptions",
		Method: http.MethodGet,
		Path:   "eventsub/subscriptions",
		QuerySchema: schemax.MustCompile("get-eventsub-query",
			querySchema(nil, "status", "type", "user_id", "subscription_id", "after")),
		ResponseSchema:  schemax.MustCompile("get-eventsub-response", dataEnvelope(nil)),
		SuccessCodes:    []int{http.StatusOK},
		KnownErrorCodes: []int{http.StatusBadRequest, http.StatusUnauthorized},
		Auth:            AuthAny,
	}

	DeleteEventSubSubscription = &Endpoint{
		Name:            "DeleteEventSubSubscription",
		Method:          http.MethodDelete,
		Path:            "eventsub/subscriptions",
		QuerySchema:     schemax.MustCompile("delete-eventsub-query", querySchema([]string{"id"}, "id")),
		SuccessCodes:    []int{http.StatusNoContent},
		KnownErrorCodes: []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
		Auth:            AuthAny,
	}
)

var endpointsByName = map[string]*Endpoint{}

func init() {
	for _, e := range []*Endpoint{
		GetUsers, GetStreams, GetChannelInformation, ModifyChannelInformation,
		SendChatMessage, GetChatters, SendChatAnnouncement,
		CreateEventSubSubscription, GetEventSubSubscriptions, DeleteEventSubSubscription,
	} {
		endpointsByName[e.Name] = e
	}
}

// EndpointByName looks up a catalog entry.
func EndpointByName(name string) (*Endpoint, bool) {
	e, ok := endpointsByName[name]
	return e, ok
}

// Endpoints enumerates the catalog in name order.
func Endpoints() []*Endpoint {
	out := make([]*Endpoint, 0, len(endpointsByName))
	for _, e := range endpointsByName {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
