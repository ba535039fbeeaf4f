package statemanager_test

import (
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/project-essentials/sockethub/pkg/state"
	"github.com/project-essentials/sockethub/pkg/state/statemanager"
)

// --- Test Suite Setup ---

func newTestLogger() *slog.Logger {
	// Discard logger output during tests by setting a high level
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func newTestManager() *statemanager.InMemoryManager {
	return statemanager.NewInMemoryManager(newTestLogger())
}

type fakeTransport struct {
	id uuid.UUID
}

func newFakeTransport() *fakeTransport         { return &fakeTransport{id: uuid.New()} }
func (f *fakeTransport) ID() uuid.UUID         { return f.id }
func (f *fakeTransport) Send(message []byte)   {}
func (f *fakeTransport) Close(err error)       {}

var _ state.Transport = (*fakeTransport)(nil)

// --- Connection Lifecycle Tests ---

func TestConnectionLifecycle(t *testing.T) {
	m := newTestManager()
	conn := newFakeTransport()

	// 1. Register
	if err := m.Register(conn, "127.0.0.1", "test-agent"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := m.Register(conn, "127.0.0.1", "test-agent"); err == nil {
		t.Error("Expected error registering the same connection twice")
	}

	// 2. Get
	info, found := m.Get(conn.ID())
	if !found {
		t.Fatal("Get failed to find registered connection")
	}
	if info.ID != conn.ID().String() {
		t.Errorf("Retrieved connection ID mismatch")
	}
	if info.Authenticated {
		t.Error("New connection must not be authenticated")
	}
	if m.ConnectionCount() != 1 {
		t.Errorf("Expected connection count 1, got %d", m.ConnectionCount())
	}

	// 3. Deregister
	if _, ok := m.Deregister(conn.ID()); !ok {
		t.Fatal("Deregister reported the connection as unknown")
	}
	if _, found = m.Get(conn.ID()); found {
		t.Error("Found connection after it should have been deregistered")
	}
	if _, ok := m.Deregister(conn.ID()); ok {
		t.Error("Second deregister should report the connection as gone")
	}
}

func TestAuthenticateAndPresence(t *testing.T) {
	m := newTestManager()
	conn := newFakeTransport()
	m.Register(conn, "127.0.0.1", "")

	if err := m.Authenticate(conn.ID(), "user-1"); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	info, _ := m.Get(conn.ID())
	if !info.Authenticated || info.UserID != "user-1" {
		t.Errorf("Expected authenticated user-1, got %+v", info)
	}

	m.Join(conn.ID(), "project:1")
	m.Join(conn.ID(), "project:2")
	userID, rooms, err := m.SetPresence(conn.ID(), "away")
	if err != nil {
		t.Fatalf("SetPresence failed: %v", err)
	}
	if userID != "user-1" {
		t.Errorf("Expected userID user-1, got %q", userID)
	}
	if len(rooms) != 2 {
		t.Errorf("Expected 2 rooms for fan-out, got %d", len(rooms))
	}
	info, _ = m.Get(conn.ID())
	if info.Presence != "away" {
		t.Errorf("Expected presence away, got %q", info.Presence)
	}

	if err := m.Authenticate(uuid.New(), "ghost"); err == nil {
		t.Error("Expected error authenticating unknown connection")
	}
}

// --- Membership Tests ---

func TestJoinMaintainsBidirectionalInvariant(t *testing.T) {
	m := newTestManager()
	conn := newFakeTransport()
	m.Register(conn, "127.0.0.1", "")

	res, err := m.Join(conn.ID(), "project:42")
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if !res.Joined || res.MemberCount != 1 {
		t.Errorf("Expected fresh join with count 1, got %+v", res)
	}
	assertInvariant(t, m)

	leaveRes, err := m.Leave(conn.ID(), "project:42")
	if err != nil || !leaveRes.Left {
		t.Fatalf("Leave failed: %v %+v", err, leaveRes)
	}
	assertInvariant(t, m)

	if m.RoomCount() != 0 {
		t.Errorf("Empty room should have been removed, room count %d", m.RoomCount())
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	m := newTestManager()
	conn := newFakeTransport()
	m.Register(conn, "127.0.0.1", "")

	first, _ := m.Join(conn.ID(), "project:42")
	second, _ := m.Join(conn.ID(), "project:42")

	if !first.Joined {
		t.Error("First join should report Joined")
	}
	if second.Joined {
		t.Error("Second join must be a no-op")
	}
	if second.MemberCount != 1 {
		t.Errorf("Member count must not double-count, got %d", second.MemberCount)
	}
}

func TestLeaveWithoutMembershipIsNoOp(t *testing.T) {
	m := newTestManager()
	conn := newFakeTransport()
	m.Register(conn, "127.0.0.1", "")

	res, err := m.Leave(conn.ID(), "project:42")
	if err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	if res.Left {
		t.Error("Leave of a non-member must report Left=false")
	}
}

func TestDeregisterClearsAllMemberships(t *testing.T) {
	m := newTestManager()
	leaver := newFakeTransport()
	stayer := newFakeTransport()
	m.Register(leaver, "127.0.0.1", "")
	m.Register(stayer, "127.0.0.1", "")
	m.Authenticate(leaver.ID(), "user-leaver")

	m.Join(leaver.ID(), "project:1")
	m.Join(leaver.ID(), "project:2")
	m.Join(stayer.ID(), "project:1")

	report, ok := m.Deregister(leaver.ID())
	if !ok {
		t.Fatal("Deregister failed")
	}
	if report.UserID != "user-leaver" {
		t.Errorf("Expected report for user-leaver, got %q", report.UserID)
	}
	if len(report.Rooms) != 2 {
		t.Errorf("Expected 2 affected rooms, got %v", report.Rooms)
	}

	if members := m.RoomMembers("project:1"); len(members) != 1 {
		t.Errorf("project:1 should retain one member, got %d", len(members))
	}
	if members := m.RoomMembers("project:2"); len(members) != 0 {
		t.Errorf("project:2 should be gone, got %d members", len(members))
	}
	assertInvariant(t, m)
}

func TestCountByAddress(t *testing.T) {
	m := newTestManager()
	for i := 0; i < 3; i++ {
		m.Register(newFakeTransport(), "10.0.0.1", "")
	}
	m.Register(newFakeTransport(), "10.0.0.2", "")

	if n := m.CountByAddress("10.0.0.1"); n != 3 {
		t.Errorf("Expected 3 connections for 10.0.0.1, got %d", n)
	}
	if n := m.CountByAddress("10.0.0.3"); n != 0 {
		t.Errorf("Expected 0 connections for 10.0.0.3, got %d", n)
	}
}

// --- Concurrency ---

func TestConcurrentJoinsAndDisconnects(t *testing.T) {
	m := newTestManager()
	const n = 64

	transports := make([]*fakeTransport, n)
	for i := range transports {
		transports[i] = newFakeTransport()
		if err := m.Register(transports[i], "127.0.0.1", ""); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	var wg sync.WaitGroup
	for i, conn := range transports {
		wg.Add(1)
		go func(i int, conn *fakeTransport) {
			defer wg.Done()
			m.Join(conn.ID(), "shared")
			if i%2 == 0 {
				m.Deregister(conn.ID())
			}
		}(i, conn)
	}
	wg.Wait()

	assertInvariant(t, m)
	if got := m.ConnectionCount(); got != n/2 {
		t.Errorf("Expected %d surviving connections, got %d", n/2, got)
	}
	if got := len(m.RoomMembers("shared")); got != n/2 {
		t.Errorf("Expected %d members in shared room, got %d", n/2, got)
	}
}

// assertInvariant checks that a connection appears in a room's member set
// iff that room appears in the connection's room set.
func assertInvariant(t *testing.T, m *statemanager.InMemoryManager) {
	t.Helper()
	for _, info := range m.Connections() {
		for _, room := range info.Rooms {
			found := false
			for _, member := range m.RoomMembers(room) {
				if member.ID.String() == info.ID {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("Connection %s lists room %s but is not in its member set", info.ID, room)
			}
		}
	}
}
