package statemanager

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/project-essentials/sockethub/pkg/state"
)

var ErrUnknownConnection = errors.New("connection not registered")

// InMemoryManager keeps all connection and room state in process memory
// behind a single mutex. Every read-modify-write on the membership maps
// happens under the lock, which is what keeps the bidirectional invariant
// intact when joins race disconnects.
type InMemoryManager struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*state.Connection
	rooms map[string]map[uuid.UUID]*state.Connection

	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger) *InMemoryManager {
	return &InMemoryManager{
		conns:  make(map[uuid.UUID]*state.Connection),
		rooms:  make(map[string]map[uuid.UUID]*state.Connection),
		logger: logger.With(slog.String("component", "state_manager_inmemory")),
	}
}

// compile-time check to ensure InMemoryManager implements Registry.
var _ state.Registry = (*InMemoryManager)(nil)

func (m *InMemoryManager) Register(t state.Transport, remoteAddr, userAgent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	connID := t.ID()
	if _, exists := m.conns[connID]; exists {
		return errors.New("connection is already registered")
	}
	m.conns[connID] = &state.Connection{
		ID:          connID,
		RemoteAddr:  remoteAddr,
		UserAgent:   userAgent,
		ConnectedAt: time.Now(),
		Rooms:       make(map[string]struct{}),
		Transport:   t,
	}
	m.logger.Debug("Connection registered", slog.String("connID", connID.String()))
	return nil
}

func (m *InMemoryManager) Deregister(connID uuid.UUID) (state.DisconnectReport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		// already deregistered
		return state.DisconnectReport{}, false
	}

	report := state.DisconnectReport{
		UserID: conn.UserID,
		Rooms:  make([]string, 0, len(conn.Rooms)),
	}
	for room := range conn.Rooms {
		report.Rooms = append(report.Rooms, room)
		m.removeMemberLocked(room, connID)
	}
	delete(m.conns, connID)

	m.logger.Debug("Connection deregistered",
		slog.String("connID", connID.String()),
		slog.Int("roomsLeft", len(report.Rooms)),
	)
	return report, true
}

func (m *InMemoryManager) Get(connID uuid.UUID) (state.Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.conns[connID]
	if !ok {
		return state.Info{}, false
	}
	return infoLocked(conn), true
}

func (m *InMemoryManager) Transport(connID uuid.UUID) (state.Transport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.conns[connID]
	if !ok {
		return nil, false
	}
	return conn.Transport, true
}

func (m *InMemoryManager) Authenticate(connID uuid.UUID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	conn.Authenticated = true
	conn.UserID = userID
	m.logger.Debug("Connection authenticated",
		slog.String("connID", connID.String()),
		slog.String("userID", userID),
	)
	return nil
}

func (m *InMemoryManager) SetPresence(connID uuid.UUID, status string) (string, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return "", nil, ErrUnknownConnection
	}
	conn.Presence = status

	rooms := make([]string, 0, len(conn.Rooms))
	for room := range conn.Rooms {
		rooms = append(rooms, room)
	}
	return conn.UserID, rooms, nil
}

func (m *InMemoryManager) Join(connID uuid.UUID, room string) (state.JoinResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return state.JoinResult{}, ErrUnknownConnection
	}

	// Idempotent: a repeated join neither double-counts membership nor
	// warrants a second notice.
	if _, member := conn.Rooms[room]; member {
		return state.JoinResult{
			Joined:      false,
			MemberCount: len(m.rooms[room]),
			UserID:      conn.UserID,
		}, nil
	}

	members, exists := m.rooms[room]
	if !exists {
		members = make(map[uuid.UUID]*state.Connection)
		m.rooms[room] = members
	}
	members[connID] = conn
	conn.Rooms[room] = struct{}{}

	m.logger.Debug("Connection joined room",
		slog.String("connID", connID.String()),
		slog.String("room", room),
		slog.Int("members", len(members)),
	)
	return state.JoinResult{Joined: true, MemberCount: len(members), UserID: conn.UserID}, nil
}

func (m *InMemoryManager) Leave(connID uuid.UUID, room string) (state.LeaveResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return state.LeaveResult{}, ErrUnknownConnection
	}
	if _, member := conn.Rooms[room]; !member {
		return state.LeaveResult{Left: false, UserID: conn.UserID}, nil
	}

	delete(conn.Rooms, room)
	m.removeMemberLocked(room, connID)

	m.logger.Debug("Connection left room",
		slog.String("connID", connID.String()),
		slog.String("room", room),
	)
	return state.LeaveResult{Left: true, UserID: conn.UserID}, nil
}

// RoomMembers returns a snapshot of the room's members. Fan-out iterates the
// snapshot outside the registry lock so slow client writes never block
// concurrent membership changes.
func (m *InMemoryManager) RoomMembers(room string) []state.Member {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members, ok := m.rooms[room]
	if !ok {
		return nil
	}
	out := make([]state.Member, 0, len(members))
	for id, conn := range members {
		out = append(out, state.Member{
			ID:          id,
			UserID:      conn.UserID,
			Presence:    conn.Presence,
			ConnectedAt: conn.ConnectedAt,
			Transport:   conn.Transport,
		})
	}
	return out
}

func (m *InMemoryManager) AllMembers() []state.Member {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]state.Member, 0, len(m.conns))
	for id, conn := range m.conns {
		out = append(out, state.Member{
			ID:          id,
			UserID:      conn.UserID,
			Presence:    conn.Presence,
			ConnectedAt: conn.ConnectedAt,
			Transport:   conn.Transport,
		})
	}
	return out
}

func (m *InMemoryManager) Connections() []state.Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]state.Info, 0, len(m.conns))
	for _, conn := range m.conns {
		out = append(out, infoLocked(conn))
	}
	return out
}

func (m *InMemoryManager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

func (m *InMemoryManager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

func (m *InMemoryManager) CountByAddress(remoteAddr string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, conn := range m.conns {
		if conn.RemoteAddr == remoteAddr {
			n++
		}
	}
	return n
}

// removeMemberLocked drops connID from the room's member set and, for memory
// hygiene, removes the room once it is empty. Callers hold m.mu.
func (m *InMemoryManager) removeMemberLocked(room string, connID uuid.UUID) {
	members, ok := m.rooms[room]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(m.rooms, room)
		m.logger.Debug("Removed empty room", slog.String("room", room))
	}
}

func infoLocked(conn *state.Connection) state.Info {
	rooms := make([]string, 0, len(conn.Rooms))
	for room := range conn.Rooms {
		rooms = append(rooms, room)
	}
	return state.Info{
		ID:            conn.ID.String(),
		UserID:        conn.UserID,
		ConnectedAt:   conn.ConnectedAt,
		Rooms:         rooms,
		Authenticated: conn.Authenticated,
		Presence:      conn.Presence,
	}
}
