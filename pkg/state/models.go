package state

import (
	"time"

	"github.com/google/uuid"
)

// Transport is the send side of a live connection. Implementations must be
// safe for concurrent use; the registry hands them out in fan-out snapshots
// that are consumed outside its lock.
type Transport interface {
	ID() uuid.UUID
	Send(message []byte)
	Close(err error)
}

// Connection is the per-socket record. All fields besides Transport are
// guarded by the owning registry; callers get copies, never this struct.
type Connection struct {
	ID            uuid.UUID
	RemoteAddr    string
	UserAgent     string
	ConnectedAt   time.Time
	Authenticated bool
	UserID        string
	Presence      string
	Rooms         map[string]struct{}
	Transport     Transport
}

// Info is a point-in-time copy of a connection record, shaped for the
// ingress API's client listing.
type Info struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId,omitempty"`
	ConnectedAt   time.Time `json:"connectedAt"`
	Rooms         []string  `json:"rooms"`
	Authenticated bool      `json:"authenticated"`
	Presence      string    `json:"presence,omitempty"`
}

// Member is one entry of a room fan-out snapshot.
type Member struct {
	ID          uuid.UUID
	UserID      string
	Presence    string
	ConnectedAt time.Time
	Transport   Transport
}

type JoinResult struct {
	// Joined is false when the connection was already a member; the join is
	// then a no-op and no notice should be emitted.
	Joined      bool
	MemberCount int
	UserID      string
}

type LeaveResult struct {
	Left   bool
	UserID string
}

// DisconnectReport lists what a deregistered connection left behind so the
// hub can emit one disconnect notice per affected room.
type DisconnectReport struct {
	UserID string
	Rooms  []string
}
