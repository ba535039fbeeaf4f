// Package router dispatches client-originated events: the authenticate
// handshake, room and topic subscriptions, presence, and typing signals.
// Handlers for one connection run serially (the transport's read pump calls
// HandleMessage synchronously); handlers for different connections run
// concurrently and go through the registry for any shared state.
package router

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/project-essentials/sockethub/internal/hub"
	"github.com/project-essentials/sockethub/pkg/protocol"
	"github.com/project-essentials/sockethub/pkg/state"
)

type handlerFunc func(ctx context.Context, connID uuid.UUID, payload json.RawMessage)

type EventRouter struct {
	logger   *slog.Logger
	registry state.Registry
	hub      *hub.Hub
	handlers map[string]handlerFunc
}

func NewEventRouter(logger *slog.Logger, registry state.Registry, h *hub.Hub) *EventRouter {
	r := &EventRouter{
		logger:   logger.With(slog.String("component", "event_router")),
		registry: registry,
		hub:      h,
	}
	r.handlers = map[string]handlerFunc{
		protocol.EventAuthenticate:      r.handleAuthenticate,
		protocol.EventJoinRoom:          r.handleJoinRoom,
		protocol.EventLeaveRoom:         r.handleLeaveRoom,
		protocol.EventJoinChannel:       r.handleJoinChannel,
		protocol.EventSubscribeTasks:    r.handleSubscribeTasks,
		protocol.EventSubscribeMessages: r.handleSubscribeMessages,
		protocol.EventSubscribeJobs:     r.handleSubscribeJobs,
		protocol.EventSubscribeQueue:    r.handleSubscribeQueue,
		protocol.EventTypingStart:       r.handleTypingStart,
		protocol.EventTypingStop:        r.handleTypingStop,
		protocol.EventUpdatePresence:    r.handleUpdatePresence,
	}
	return r
}

// HandleMessage is the transport's message callback. Errors stay local to
// the connection: a malformed payload gets an error event and a log line,
// never a teardown of anything else.
func (r *EventRouter) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		r.logger.Warn("Failed to unmarshal client message",
			slog.String("connID", connID.String()),
			slog.Any("error", err),
		)
		r.sendError(connID, protocol.CodeBadPayload, "malformed message envelope")
		return
	}

	handler, ok := r.handlers[env.Event]
	if !ok {
		r.logger.Warn("Received unknown event",
			slog.String("event", env.Event),
			slog.String("connID", connID.String()),
		)
		r.sendError(connID, protocol.CodeUnknownEvent, "unknown event: "+env.Event)
		return
	}
	handler(ctx, connID, env.Payload)
}

// sendTo delivers a server event directly to one connection.
func (r *EventRouter) sendTo(connID uuid.UUID, event string, payload any) {
	t, ok := r.registry.Transport(connID)
	if !ok {
		return
	}
	msg, err := protocol.Marshal(event, payload)
	if err != nil {
		r.logger.Error("marshal server event", slog.String("event", event), slog.Any("error", err))
		return
	}
	t.Send(msg)
}

func (r *EventRouter) sendError(connID uuid.UUID, code, message string) {
	r.sendTo(connID, protocol.EventError, protocol.Error{Code: code, Message: message})
}

// requireAuth enforces the authenticated-only rule on membership operations.
// A rejection is an explicit error event, never a silent no-op.
func (r *EventRouter) requireAuth(connID uuid.UUID, op string) (state.Info, bool) {
	info, ok := r.registry.Get(connID)
	if !ok {
		return state.Info{}, false
	}
	if !info.Authenticated {
		r.logger.Debug("Rejected unauthenticated operation",
			slog.String("connID", connID.String()),
			slog.String("op", op),
		)
		r.sendError(connID, protocol.CodeAuthRequired, op+" requires authentication")
		return state.Info{}, false
	}
	return info, true
}
