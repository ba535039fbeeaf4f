package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/project-essentials/sockethub/pkg/protocol"
)

// handleAuthenticate records a pass-through identity claim. The hub does not
// validate the token; an upstream collaborator already did. Both an identity
// and a token-like value must simply be present.
func (r *EventRouter) handleAuthenticate(ctx context.Context, connID uuid.UUID, payload json.RawMessage) {
	userID := gjson.GetBytes(payload, "userId").String()
	if userID == "" {
		userID = gjson.GetBytes(payload, "identity").String()
	}
	token := gjson.GetBytes(payload, "token").String()

	if userID == "" || token == "" {
		r.sendTo(connID, protocol.EventAuthenticated, protocol.AuthResult{
			Success: false,
			Error:   "userId and token are required",
		})
		return
	}
	if err := r.registry.Authenticate(connID, userID); err != nil {
		return
	}
	r.sendTo(connID, protocol.EventAuthenticated, protocol.AuthResult{Success: true})
}

func (r *EventRouter) handleJoinRoom(ctx context.Context, connID uuid.UUID, payload json.RawMessage) {
	if _, ok := r.requireAuth(connID, protocol.EventJoinRoom); !ok {
		return
	}
	roomID := gjson.GetBytes(payload, "roomId").String()
	if roomID == "" {
		r.sendError(connID, protocol.CodeBadPayload, "roomId is required")
		return
	}
	r.join(ctx, connID, roomID, true)
}

func (r *EventRouter) handleLeaveRoom(ctx context.Context, connID uuid.UUID, payload json.RawMessage) {
	roomID := gjson.GetBytes(payload, "roomId").String()
	if roomID == "" {
		r.sendError(connID, protocol.CodeBadPayload, "roomId is required")
		return
	}
	res, err := r.registry.Leave(connID, roomID)
	if err != nil || !res.Left {
		return
	}
	r.hub.BroadcastRoom(ctx, roomID, protocol.EventUserLeftRoom, marshalMembership(res.UserID, roomID), connID)
}

func (r *EventRouter) handleJoinChannel(ctx context.Context, connID uuid.UUID, payload json.RawMessage) {
	if _, ok := r.requireAuth(connID, protocol.EventJoinChannel); !ok {
		return
	}
	channelID := gjson.GetBytes(payload, "channelId").String()
	if channelID == "" {
		r.sendError(connID, protocol.CodeBadPayload, "channelId is required")
		return
	}
	r.join(ctx, connID, protocol.ChannelRoom(channelID), true)
}

// Topic subscriptions are thin joins: same registry, derived room names, an
// ack but no membership notice to the rest of the feed.

func (r *EventRouter) handleSubscribeTasks(ctx context.Context, connID uuid.UUID, payload json.RawMessage) {
	if _, ok := r.requireAuth(connID, protocol.EventSubscribeTasks); !ok {
		return
	}
	projectID := gjson.GetBytes(payload, "projectId").String()
	if projectID == "" {
		r.sendError(connID, protocol.CodeBadPayload, "projectId is required")
		return
	}
	r.join(ctx, connID, protocol.TaskRoom(projectID), false)
}

func (r *EventRouter) handleSubscribeMessages(ctx context.Context, connID uuid.UUID, payload json.RawMessage) {
	if _, ok := r.requireAuth(connID, protocol.EventSubscribeMessages); !ok {
		return
	}
	channelID := gjson.GetBytes(payload, "channelId").String()
	if channelID == "" {
		r.sendError(connID, protocol.CodeBadPayload, "channelId is required")
		return
	}
	r.join(ctx, connID, protocol.MessageRoom(channelID), false)
}

func (r *EventRouter) handleSubscribeJobs(ctx context.Context, connID uuid.UUID, payload json.RawMessage) {
	if _, ok := r.requireAuth(connID, protocol.EventSubscribeJobs); !ok {
		return
	}
	r.join(ctx, connID, protocol.AIJobsRoom, false)
}

func (r *EventRouter) handleSubscribeQueue(ctx context.Context, connID uuid.UUID, payload json.RawMessage) {
	if _, ok := r.requireAuth(connID, protocol.EventSubscribeQueue); !ok {
		return
	}
	queueName := gjson.GetBytes(payload, "queueName").String()
	if queueName == "" {
		r.sendError(connID, protocol.CodeBadPayload, "queueName is required")
		return
	}
	r.join(ctx, connID, protocol.QueueRoom(queueName), false)
}

// join adds the connection to a room, acks the caller with the current member
// count, and, for full room joins only, notifies the room's other members. A
// repeated join acks again but never re-notifies.
func (r *EventRouter) join(ctx context.Context, connID uuid.UUID, room string, notify bool) {
	res, err := r.registry.Join(connID, room)
	if err != nil {
		return
	}
	r.sendTo(connID, protocol.EventJoinedRoom, protocol.JoinedRoom{
		RoomID:      room,
		MemberCount: res.MemberCount,
	})
	if notify && res.Joined {
		r.hub.BroadcastRoom(ctx, room, protocol.EventUserJoinedRoom, marshalMembership(res.UserID, room), connID)
	}
}

// handleTypingStart and handleTypingStop relay ephemeral signals scoped to
// one channel's message room. No stored state, no delivery guarantee.
func (r *EventRouter) handleTypingStart(ctx context.Context, connID uuid.UUID, payload json.RawMessage) {
	r.typing(ctx, connID, payload, protocol.EventUserTyping)
}

func (r *EventRouter) handleTypingStop(ctx context.Context, connID uuid.UUID, payload json.RawMessage) {
	r.typing(ctx, connID, payload, protocol.EventUserStoppedTyping)
}

func (r *EventRouter) typing(ctx context.Context, connID uuid.UUID, payload json.RawMessage, event string) {
	channelID := gjson.GetBytes(payload, "channelId").String()
	if channelID == "" {
		return
	}
	info, ok := r.registry.Get(connID)
	if !ok {
		return
	}
	raw, err := json.Marshal(protocol.Typing{
		UserID:    info.UserID,
		ChannelID: channelID,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	r.hub.BroadcastRoom(ctx, protocol.MessageRoom(channelID), event, raw, connID)
}

// handleUpdatePresence stores the status (last write wins) and fans the
// update out once per room the connection belongs to, excluding the sender.
func (r *EventRouter) handleUpdatePresence(ctx context.Context, connID uuid.UUID, payload json.RawMessage) {
	status := gjson.GetBytes(payload, "status").String()
	userID, rooms, err := r.registry.SetPresence(connID, status)
	if err != nil {
		return
	}
	raw, err := json.Marshal(protocol.Presence{
		UserID:    userID,
		Status:    status,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	for _, room := range rooms {
		r.hub.BroadcastRoom(ctx, room, protocol.EventPresenceUpdate, raw, connID)
	}
}

func marshalMembership(userID, roomID string) json.RawMessage {
	raw, _ := json.Marshal(protocol.RoomMembership{
		UserID:    userID,
		RoomID:    roomID,
		Timestamp: time.Now().UTC(),
	})
	return raw
}
