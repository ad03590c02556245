package eventsub

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hawkbat/twitchblade/apierr"
)

func rawFrame(t *testing.T, messageType, messageID string, payload map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"metadata": map[string]any{
			"message_id":        messageID,
			"message_type":      messageType,
			"message_timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		},
		"payload": payload,
	})
	require.NoError(t, err)
	return data
}

func TestDecodeWelcome(t *testing.T) {
	data := rawFrame(t, "session_welcome", "m1", map[string]any{
		"session": map[string]any{
			"id":                        "S1",
			"status":                    "connected",
			"keepalive_timeout_seconds": 10,
			"reconnect_url":             nil,
			"connected_at":              time.Now().UTC().Format(time.RFC3339Nano),
		},
	})
	msg, err := decodeMessage(data)
	require.NoError(t, err)
	welcome, ok := msg.(*welcomeMessage)
	require.True(t, ok)
	assert.Equal(t, "S1", welcome.Session.ID)
	assert.Equal(t, 10, welcome.Session.KeepaliveTimeoutSeconds)
	assert.Equal(t, "m1", welcome.meta().MessageID)
}

func TestDecodeNotification(t *testing.T) {
	data := rawFrame(t, "notification", "m2", map[string]any{
		"subscription": map[string]any{
			"id":      "sub-1",
			"status":  "enabled",
			"type":    "channel.chat.message",
			"version": "1",
		},
		"event": map[string]any{"message_id": "x"},
	})
	msg, err := decodeMessage(data)
	require.NoError(t, err)
	n, ok := msg.(*notificationMessage)
	require.True(t, ok)
	assert.Equal(t, "sub-1", n.Subscription.ID)
	assert.JSONEq(t, `{"message_id":"x"}`, string(n.Event))
}

func TestDecodeReconnect(t *testing.T) {
	data := rawFrame(t, "session_reconnect", "m3", map[string]any{
		"session": map[string]any{
			"id":            "S1",
			"status":        "reconnecting",
			"reconnect_url": "wss://example/new",
		},
	})
	msg, err := decodeMessage(data)
	require.NoError(t, err)
	r, ok := msg.(*reconnectMessage)
	require.True(t, ok)
	assert.Equal(t, "wss://example/new", r.Session.ReconnectURL)
}

func TestDecodeRevocation(t *testing.T) {
	data := rawFrame(t, "revocation", "m4", map[string]any{
		"subscription": map[string]any{
			"id":      "sub-1",
			"status":  "authorization_revoked",
			"type":    "channel.chat.message",
			"version": "1",
		},
	})
	msg, err := decodeMessage(data)
	require.NoError(t, err)
	r, ok := msg.(*revocationMessage)
	require.True(t, ok)
	assert.Equal(t, "authorization_revoked", r.Subscription.Status)
}

func TestDecodeKeepalive(t *testing.T) {
	msg, err := decodeMessage(rawFrame(t, "session_keepalive", "m5", map[string]any{}))
	require.NoError(t, err)
	_, ok := msg.(*keepaliveMessage)
	assert.True(t, ok)
}

func TestDecodeUnknownMessageType(t *testing.T) {
	_, err := decodeMessage(rawFrame(t, "session_party", "m6", map[string]any{}))
	require.Error(t, err)
	assert.Equal(t, apierr.CodeProtocolError, apierr.CodeOf(err))
}

func TestDecodeRejectsMissingMessageID(t *testing.T) {
	data := []byte(`{"metadata":{"message_type":"session_keepalive","message_timestamp":"2024-01-01T00:00:00Z"},"payload":{}}`)
	_, err := decodeMessage(data)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeProtocolError, apierr.CodeOf(err))
}

func TestSeenSetBoundedFIFO(t *testing.T) {
	set := newSeenSet(3)
	for i := 0; i < 3; i++ {
		assert.False(t, set.seen(fmt.Sprintf("id-%d", i)))
	}
	assert.True(t, set.seen("id-0"))

	// Push one beyond capacity; the oldest falls out.
	assert.False(t, set.seen("id-3"))
	assert.False(t, set.seen("id-0"), "evicted id must be treated as fresh again")
	assert.True(t, set.seen("id-3"))
}
