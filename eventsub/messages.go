package eventsub

import (
	"encoding/json"
	"time"

	"github.com/hawkbat/twitchblade/apierr"
	"github.com/hawkbat/twitchblade/internal/schemax"
)

// Message types carried in metadata.message_type.
const (
	messageTypeWelcome      = "session_welcome"
	messageTypeKeepalive    = "session_keepalive"
	messageTypeReconnect    = "session_reconnect"
	messageTypeNotification = "notification"
	messageTypeRevocation   = "revocation"
)

// envelopeSchema validates the outer shape of every inbound frame before the
// payload is interpreted.
var envelopeSchema = schemax.MustCompile("eventsub-envelope", map[string]any{
	"type":     "object",
	"required": []string{"metadata", "payload"},
	"properties": map[string]any{
		"metadata": map[string]any{
			"type":     "object",
			"required": []string{"message_id", "message_type", "message_timestamp"},
			"properties": map[string]any{
				"message_id":           map[string]any{"type": "string", "minLength": 1},
				"message_type":         map[string]any{"type": "string"},
				"message_timestamp":    map[string]any{"type": "string"},
				"subscription_type":    map[string]any{"type": "string"},
				"subscription_version": map[string]any{"type": "string"},
			},
		},
		"payload": map[string]any{"type": "object"},
	},
})

// Metadata is the envelope header on every EventSub frame.
type Metadata struct {
	MessageID           string    `json:"message_id"`
	MessageType         string    `json:"message_type"`
	MessageTimestamp    time.Time `json:"message_timestamp"`
	SubscriptionType    string    `json:"subscription_type,omitempty"`
	SubscriptionVersion string    `json:"subscription_version,omitempty"`
}

// SessionInfo describes the server-side session, as carried by welcome and
// reconnect payloads.
type SessionInfo struct {
	ID                      string    `json:"id"`
	Status                  string    `json:"status"`
	KeepaliveTimeoutSeconds int       `json:"keepalive_timeout_seconds"`
	ReconnectURL            string    `json:"reconnect_url"`
	ConnectedAt             time.Time `json:"connected_at"`
}

// SubscriptionInfo describes the server-side subscription a notification or
// revocation belongs to.
type SubscriptionInfo struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Type      string          `json:"type"`
	Version   string          `json:"version"`
	Condition json.RawMessage `json:"condition"`
	CreatedAt time.Time       `json:"created_at"`
}

// message is the decoded form of one inbound frame; exactly one variant is
// populated, discriminated by metadata.message_type.
type message interface {
	meta() Metadata
}

type welcomeMessage struct {
	Metadata Metadata
	Session  SessionInfo
}

type keepaliveMessage struct {
	Metadata Metadata
}

type reconnectMessage struct {
	Metadata Metadata
	Session  SessionInfo
}

type notificationMessage struct {
	Metadata     Metadata
	Subscription SubscriptionInfo
	Event        json.RawMessage
}

type revocationMessage struct {
	Metadata     Metadata
	Subscription SubscriptionInfo
}

func (m *welcomeMessage) meta() Metadata      { return m.Metadata }
func (m *keepaliveMessage) meta() Metadata    { return m.Metadata }
func (m *reconnectMessage) meta() Metadata    { return m.Metadata }
func (m *notificationMessage) meta() Metadata { return m.Metadata }
func (m *revocationMessage) meta() Metadata   { return m.Metadata }

// decodeMessage validates a frame against the envelope schema and decodes it
// into its typed variant. An unknown message_type is a protocol error.
func decodeMessage(data []byte) (message, error) {
	if err := schemax.ValidateBytes(envelopeSchema, data); err != nil {
		return nil, apierr.Wrap(apierr.CodeProtocolError, "frame failed envelope validation", err)
	}
	var raw struct {
		Metadata Metadata        `json:"metadata"`
		Payload  json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, apierr.Wrap(apierr.CodeProtocolError, "unparsable frame", err)
	}

	switch raw.Metadata.MessageType {
	case messageTypeWelcome:
		var payload struct {
			Session SessionInfo `json:"session"`
		}
		if err := json.Unmarshal(raw.Payload, &payload); err != nil || payload.Session.ID == "" {
			return nil, apierr.ProtocolError("welcome payload missing session")
		}
		return &welcomeMessage{Metadata: raw.Metadata, Session: payload.Session}, nil

	case messageTypeKeepalive:
		return &keepaliveMessage{Metadata: raw.Metadata}, nil

	case messageTypeReconnect:
		var payload struct {
			Session SessionInfo `json:"session"`
		}
		if err := json.Unmarshal(raw.Payload, &payload); err != nil || payload.Session.ReconnectURL == "" {
			return nil, apierr.ProtocolError("reconnect payload missing reconnect_url")
		}
		return &reconnectMessage{Metadata: raw.Metadata, Session: payload.Session}, nil

	case messageTypeNotification:
		var payload struct {
			Subscription SubscriptionInfo `json:"subscription"`
			Event        json.RawMessage  `json:"event"`
		}
		if err := json.Unmarshal(raw.Payload, &payload); err != nil || payload.Subscription.ID == "" {
			return nil, apierr.ProtocolError("notification payload missing subscription")
		}
		return &notificationMessage{Metadata: raw.Metadata, Subscription: payload.Subscription, Event: payload.Event}, nil

	case messageTypeRevocation:
		var payload struct {
			Subscription SubscriptionInfo `json:"subscription"`
		}
		if err := json.Unmarshal(raw.Payload, &payload); err != nil || payload.Subscription.ID == "" {
			return nil, apierr.ProtocolError("revocation payload missing subscription")
		}
		return &revocationMessage{Metadata: raw.Metadata, Subscription: payload.Subscription}, nil
	}
	return nil, apierr.ProtocolError("unknown message_type " + raw.Metadata.MessageType)
}

// Notification is one delivered event: the owning subscription plus the
// schema-validated event payload.
type Notification struct {
	Metadata     Metadata
	Subscription SubscriptionInfo
	Event        json.RawMessage
}
