// Package hub implements room fan-out: one logical event delivered to every
// member of a room, locally and, when clustering is enabled, republished to
// peer instances through the relay.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/project-essentials/sockethub/pkg/protocol"
	"github.com/project-essentials/sockethub/pkg/state"
)

// Publisher republishes a local broadcast for peer instances. A nil Publisher
// disables clustering.
type Publisher interface {
	Publish(ctx context.Context, room, event string, payload json.RawMessage)
}

type Hub struct {
	registry state.Registry
	relay    Publisher
	logger   *slog.Logger
}

func New(registry state.Registry, relay Publisher, logger *slog.Logger) *Hub {
	return &Hub{
		registry: registry,
		relay:    relay,
		logger:   logger.With(slog.String("component", "hub")),
	}
}

// SetRelay attaches the cross-instance publisher. It must be called before
// the hub starts serving traffic; the relay and the hub reference each other
// and are wired up in two steps.
func (h *Hub) SetRelay(relay Publisher) {
	h.relay = relay
}

// BroadcastRoom fans an event out to every current member of the room except
// exclude (uuid.Nil excludes nobody), then republishes it on the relay. It
// returns the number of local recipients. An empty room name means all
// connections.
func (h *Hub) BroadcastRoom(ctx context.Context, room, event string, payload json.RawMessage, exclude uuid.UUID) int {
	n := h.deliverLocal(room, event, payload, exclude)
	if h.relay != nil {
		h.relay.Publish(ctx, room, event, payload)
	}
	return n
}

// HandleRelayed repeats a broadcast received from a peer instance to local
// members only. It must not republish, or instances would loop the message
// between each other forever.
func (h *Hub) HandleRelayed(room, event string, payload json.RawMessage) {
	h.deliverLocal(room, event, payload, uuid.Nil)
}

// HandleDisconnect runs the teardown sequence for a closed connection:
// membership removal (atomic in the registry), one disconnect notice per
// affected room to the remaining members, record deletion.
func (h *Hub) HandleDisconnect(ctx context.Context, connID uuid.UUID) {
	report, ok := h.registry.Deregister(connID)
	if !ok {
		return
	}
	notice := protocol.Disconnected{UserID: report.UserID, Timestamp: time.Now().UTC()}
	raw, err := json.Marshal(notice)
	if err != nil {
		h.logger.Error("marshal disconnect notice", slog.Any("error", err))
		return
	}
	for _, room := range report.Rooms {
		h.BroadcastRoom(ctx, room, protocol.EventUserDisconnected, raw, uuid.Nil)
	}
	h.logger.Info("connection cleaned up",
		slog.String("connID", connID.String()),
		slog.String("userID", report.UserID),
		slog.Int("rooms", len(report.Rooms)),
	)
}

// deliverLocal takes a member snapshot under the registry lock and writes
// outside it, so a slow client never blocks membership changes.
func (h *Hub) deliverLocal(room, event string, payload json.RawMessage, exclude uuid.UUID) int {
	msg, err := protocol.Marshal(event, payload)
	if err != nil {
		h.logger.Error("marshal broadcast", slog.String("event", event), slog.Any("error", err))
		return 0
	}

	var targets []state.Member
	if room == "" {
		targets = h.registry.AllMembers()
	} else {
		targets = h.registry.RoomMembers(room)
	}

	sent := 0
	for _, member := range targets {
		if member.ID == exclude || member.Transport == nil {
			continue
		}
		member.Transport.Send(msg)
		sent++
	}
	return sent
}
