// Package server defines the event envelope exchanged over the websocket and
// helpers shared by the hub and connection pumps.
package server

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Tyrowin/taskchat/internal/chat"
)

// Event names used on the wire.
const (
	EventSendMessage  = "send-message"
	EventJoinRoom     = "joinRoom"
	EventLeaveRoom    = "leaveRoom"
	EventChatMessages = "chat-messages"
	EventNewMessage   = "new-message"
)

// Envelope is the frame format for every websocket message in both directions.
// Room is set only on chat-messages and names the room the snapshot belongs
// to; Data stays the bare message array.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Room  *string         `json:"room,omitempty"`
}

// EncodeEnvelope marshals payload under the given event name.
func EncodeEnvelope(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// EncodeHistory builds the chat-messages frame carrying room's snapshot.
func EncodeHistory(room string, history []chat.Message) ([]byte, error) {
	if history == nil {
		history = []chat.Message{}
	}
	data, err := json.Marshal(history)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", EventChatMessages, err)
	}
	return json.Marshal(Envelope{Event: EventChatMessages, Data: data, Room: &room})
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
