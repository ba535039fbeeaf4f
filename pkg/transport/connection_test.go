package transport_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/project-essentials/sockethub/internal/hub"
	"github.com/project-essentials/sockethub/pkg/protocol"
	"github.com/project-essentials/sockethub/pkg/state/statemanager"
	"github.com/project-essentials/sockethub/pkg/transport"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type fakeTransport struct {
	id uuid.UUID

	mu   sync.Mutex
	msgs [][]byte
}

func newFakeTransport() *fakeTransport { return &fakeTransport{id: uuid.New()} }

func (f *fakeTransport) ID() uuid.UUID { return f.id }

func (f *fakeTransport) Send(message []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, message)
}

func (f *fakeTransport) Close(err error) {}

func (f *fakeTransport) countEvent(t *testing.T, event string) int {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, raw := range f.msgs {
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("malformed envelope %q: %v", raw, err)
		}
		if env.Event == event {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSendNeverBlocksOnFullBuffer(t *testing.T) {
	var wg sync.WaitGroup
	// No pumps run, so nothing drains the buffer and the socket is never
	// touched.
	conn := transport.NewConnection(context.Background(), &wg, nil,
		transport.ConnectionConfig{SendBuffer: 1}, nil, nil, newTestLogger())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 16; i++ {
			conn.Send([]byte("backlog"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked once the buffer was full; broadcasts to other connections would stall")
	}
}

func TestHeartbeatTimeoutEvictsLikeDisconnect(t *testing.T) {
	logger := newTestLogger()
	registry := statemanager.NewInMemoryManager(logger)
	h := hub.New(registry, nil, logger)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var connID uuid.UUID
	var closeErr error
	evicted := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn := transport.NewConnection(context.Background(), &wg, wsConn,
			transport.ConnectionConfig{
				HeartbeatInterval: 30 * time.Millisecond,
				HeartbeatTimeout:  50 * time.Millisecond,
				SendBuffer:        8,
			}, nil, nil, logger)
		if err := registry.Register(conn, "127.0.0.1", ""); err != nil {
			t.Errorf("Register failed: %v", err)
			return
		}
		if _, err := registry.Join(conn.ID(), "project:9"); err != nil {
			t.Errorf("Join failed: %v", err)
			return
		}
		mu.Lock()
		connID = conn.ID()
		mu.Unlock()
		conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
			mu.Lock()
			closeErr = err
			mu.Unlock()
			h.HandleDisconnect(context.Background(), id)
			close(evicted)
		})
		conn.Run()
		<-conn.Done()
	}))
	defer srv.Close()

	witness := newFakeTransport()
	if err := registry.Register(witness, "127.0.0.1", ""); err != nil {
		t.Fatalf("Register witness failed: %v", err)
	}
	if _, err := registry.Join(witness.ID(), "project:9"); err != nil {
		t.Fatalf("Join witness failed: %v", err)
	}

	// A peer that connects and then never reads: the library only answers
	// pings while reading, so the heartbeat goes unanswered.
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	peer, _, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer peer.Close(websocket.StatusNormalClosure, "")

	select {
	case <-evicted:
	case <-time.After(5 * time.Second):
		t.Fatal("heartbeat timeout never evicted the connection")
	}

	mu.Lock()
	gotErr := closeErr
	id := connID
	mu.Unlock()
	if gotErr == nil {
		t.Error("Expected the ping failure as the close cause")
	}

	// The eviction ran the same cleanup an explicit disconnect would.
	if _, ok := registry.Get(id); ok {
		t.Error("Evicted connection record must be deleted")
	}
	waitFor(t, "room membership cleanup", func() bool {
		return len(registry.RoomMembers("project:9")) == 1
	})
	waitFor(t, "disconnect notice at the remaining member", func() bool {
		return witness.countEvent(t, protocol.EventUserDisconnected) == 1
	})
}

func TestReadPumpDeliversMessagesInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []string
	handler := func(ctx context.Context, connID uuid.UUID, msg []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(msg))
	}

	var wg sync.WaitGroup
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn := transport.NewConnection(context.Background(), &wg, wsConn,
			transport.ConnectionConfig{SendBuffer: 8}, handler, nil, newTestLogger())
		conn.Run()
		<-conn.Done()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	peer, _, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer peer.Close(websocket.StatusNormalClosure, "")

	const n = 8
	for i := 0; i < n; i++ {
		msg := fmt.Sprintf("message-%d", i)
		if err := peer.Write(context.Background(), websocket.MessageText, []byte(msg)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	waitFor(t, "all messages", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	})
	mu.Lock()
	defer mu.Unlock()
	for i, msg := range got {
		if want := fmt.Sprintf("message-%d", i); msg != want {
			t.Errorf("position %d: expected %q, got %q", i, want, msg)
		}
	}
}
