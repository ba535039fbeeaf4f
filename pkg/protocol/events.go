// Package protocol defines the wire format shared by the hub, the ingress
// API, and the consumer-side client: the JSON event envelope, the known
// event names, and the room naming conventions.
package protocol

import (
	"encoding/json"
	"time"
)

// Client-originated events.
const (
	EventAuthenticate      = "authenticate"
	EventJoinRoom          = "join-room"
	EventLeaveRoom         = "leave-room"
	EventJoinChannel       = "join-channel"
	EventSubscribeTasks    = "subscribe-tasks"
	EventSubscribeMessages = "subscribe-messages"
	EventSubscribeJobs     = "subscribe-job-notifications"
	EventSubscribeQueue    = "subscribe-queue"
	EventTypingStart       = "typing-start"
	EventTypingStop        = "typing-stop"
	EventUpdatePresence    = "update-presence"
)

// Server-originated events.
const (
	EventAuthenticated     = "authenticated"
	EventJoinedRoom        = "joined-room"
	EventUserJoinedRoom    = "user-joined-room"
	EventUserLeftRoom      = "user-left-room"
	EventUserDisconnected  = "user-disconnected"
	EventPresenceUpdate    = "presence-update"
	EventUserTyping        = "user-typing"
	EventUserStoppedTyping = "user-stopped-typing"
	EventError             = "error"
)

// Passthrough events relayed for external collaborators. The hub never
// interprets their payloads.
const (
	EventTaskUpdated        = "task-updated"
	EventNewMessage         = "new-message"
	EventJobUpdated         = "job-updated"
	EventAIJobUpdated       = "ai-job-updated"
	EventAIAnalysisComplete = "ai-analysis-complete"
	EventProjectUpdated     = "project-updated"
	EventSyncComplete       = "sync-complete"
)

// Error codes carried by EventError payloads.
const (
	CodeAuthRequired = "auth-required"
	CodeBadPayload   = "bad-payload"
	CodeUnknownEvent = "unknown-event"
)

// Envelope is the framing for every message on a client connection.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Marshal frames an event with a typed payload. It returns an error only
// when the payload itself cannot be marshaled.
func Marshal(event string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}

type AuthResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type JoinedRoom struct {
	RoomID      string `json:"roomId"`
	MemberCount int    `json:"memberCount"`
}

type RoomMembership struct {
	UserID    string    `json:"userId"`
	RoomID    string    `json:"roomId"`
	Timestamp time.Time `json:"timestamp"`
}

type Disconnected struct {
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

type Presence struct {
	UserID    string    `json:"userId"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type Typing struct {
	UserID    string    `json:"userId"`
	ChannelID string    `json:"channelId"`
	Timestamp time.Time `json:"timestamp"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
