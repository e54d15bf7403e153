package models

import "encoding/json"

// Outbound event names.
const (
	EventOnlineUser   = "onlineUser"
	EventMessageUser  = "messageUser"
	EventMessage      = "message"
	EventConversation = "conversation"
	EventError        = "error"
)

// Inbound event names.
const (
	EventMessagePage = "messagePage"
	EventNewMessage  = "newMessage"
	EventSidebar     = "sidebar"
	EventSeen        = "seen"
	EventDisconnect  = "disconnect"
)

// Envelope is the frame carried by every websocket message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
