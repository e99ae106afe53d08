// Package pubsub is a small group-based publish/subscribe hub reached over
// websockets, with a REST publish API and CloudEvents webhook delivery of
// client messages to an upstream service. It also provides the worker-side
// client and the service-side publisher.
package pubsub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Client <-> hub frame types.
const (
	FrameJoinGroup   = "joinGroup"
	FrameLeaveGroup  = "leaveGroup"
	FrameSendToGroup = "sendToGroup"
	FrameMessage     = "message"
	FrameSystem      = "system"
)

const (
	DataTypeJSON = "json"
	DataTypeText = "text"
)

// frame is the single wire shape for both directions.
type frame struct {
	Type         string          `json:"type"`
	Group        string          `json:"group,omitempty"`
	From         string          `json:"from,omitempty"`
	Event        string          `json:"event,omitempty"`
	DataType     string          `json:"dataType,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	UserID       string          `json:"userId,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// Upstream event types and CloudEvents headers.
const (
	EventUserMessage  = "pubsub.user.message"
	EventConnected    = "pubsub.sys.connected"
	EventDisconnected = "pubsub.sys.disconnected"

	HeaderSpecVersion  = "ce-specversion"
	HeaderType         = "ce-type"
	HeaderSource       = "ce-source"
	HeaderID           = "ce-id"
	HeaderTime         = "ce-time"
	HeaderHub          = "ce-hub"
	HeaderGroup        = "ce-group"
	HeaderUserID       = "ce-userId"
	HeaderConnectionID = "ce-connectionId"
	HeaderEventName    = "ce-eventName"
	HeaderSignature    = "ce-signature"

	// HeaderWebhookOrigin is sent by the hub in the OPTIONS handshake that
	// verifies an upstream accepts its events.
	HeaderWebhookOrigin  = "WebHook-Request-Origin"
	HeaderWebhookAllowed = "WebHook-Allowed-Origin"
)

// Sign returns the signature header value for an event id.
func Sign(key []byte, eventID string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(eventID))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a (possibly comma separated) signature header.
func VerifySignature(key []byte, eventID, header string) bool {
	want := Sign(key, eventID)
	for _, s := range strings.Split(header, ",") {
		if hmac.Equal([]byte(strings.TrimSpace(s)), []byte(want)) {
			return true
		}
	}
	return false
}
