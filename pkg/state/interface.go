package state

import "github.com/google/uuid"

// Registry is the shared room/connection registry. Implementations must keep
// the bidirectional membership invariant (a connection id appears in a room's
// member set iff that room appears in the connection's room set) on every
// join, leave, and deregistration, atomically with respect to concurrent
// calls.
type Registry interface {
	// --- Connection Lifecycle ---
	Register(t Transport, remoteAddr, userAgent string) error
	// Deregister removes the connection from every room it belonged to and
	// deletes the record. The second return is false if the connection was
	// already gone.
	Deregister(connID uuid.UUID) (DisconnectReport, bool)
	Get(connID uuid.UUID) (Info, bool)
	// Transport returns the send handle for a live connection.
	Transport(connID uuid.UUID) (Transport, bool)

	// --- Identity & Presence ---
	Authenticate(connID uuid.UUID, userID string) error
	// SetPresence stores the status (last write wins) and returns the rooms
	// the connection currently belongs to, for fan-out.
	SetPresence(connID uuid.UUID, status string) (userID string, rooms []string, err error)

	// --- Membership ---
	Join(connID uuid.UUID, room string) (JoinResult, error)
	Leave(connID uuid.UUID, room string) (LeaveResult, error)

	// --- Snapshots ---
	RoomMembers(room string) []Member
	// AllMembers snapshots every live connection, for the rare global notice.
	AllMembers() []Member
	Connections() []Info
	ConnectionCount() int
	RoomCount() int
	CountByAddress(remoteAddr string) int
}
