package client_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/project-essentials/sockethub/pkg/client"
	"github.com/project-essentials/sockethub/pkg/protocol"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// stubHub is a minimal hub endpoint: it accepts the upgrade, acks every
// authenticate with success, and records everything else the client sends.
type stubHub struct {
	server *httptest.Server

	mu       sync.Mutex
	sessions int
	received []protocol.Envelope
}

func newStubHub(t *testing.T) *stubHub {
	t.Helper()
	s := &stubHub{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		s.mu.Lock()
		s.sessions++
		s.mu.Unlock()

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			var env protocol.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			s.mu.Lock()
			s.received = append(s.received, env)
			s.mu.Unlock()

			if env.Event == protocol.EventAuthenticate {
				ack, _ := protocol.Marshal(protocol.EventAuthenticated, protocol.AuthResult{Success: true})
				conn.Write(r.Context(), websocket.MessageText, ack)
			}
		}
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *stubHub) wsURL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func (s *stubHub) countEvent(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, env := range s.received {
		if env.Event == event {
			n++
		}
	}
	return n
}

func (s *stubHub) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

// stateRecorder collects state transitions for later assertion.
type stateRecorder struct {
	mu     sync.Mutex
	states []client.State
}

func (r *stateRecorder) record(s client.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) saw(s client.State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.states {
		if got == s {
			return true
		}
	}
	return false
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

func TestClientAuthenticatesAndReplaysSubscriptions(t *testing.T) {
	hub := newStubHub(t)
	rec := &stateRecorder{}

	c := client.New(client.Config{
		URL:         hub.wsURL(),
		Credentials: &client.Credentials{UserID: "user-a", Token: "tok"},
	}, newTestLogger())
	c.OnStateChange(rec.record)

	// Subscriptions registered before the connection exists must still be
	// issued once the session is ready.
	c.JoinRoom("project:42")
	c.SubscribeJobNotifications()

	c.Start(context.Background())
	defer c.Close()

	waitFor(t, "authenticated state", func() bool { return c.State() == client.StateAuthenticated })
	waitFor(t, "join-room replay", func() bool { return hub.countEvent(protocol.EventJoinRoom) == 1 })
	waitFor(t, "subscribe replay", func() bool { return hub.countEvent(protocol.EventSubscribeJobs) == 1 })

	if !rec.saw(client.StateConnecting) || !rec.saw(client.StateConnected) {
		t.Error("Expected the connecting and connected transitions on the way up")
	}
	if hub.countEvent(protocol.EventAuthenticate) != 1 {
		t.Errorf("Expected exactly one authenticate, got %d", hub.countEvent(protocol.EventAuthenticate))
	}
}

func TestClientSubscribesImmediatelyWhenReady(t *testing.T) {
	hub := newStubHub(t)

	c := client.New(client.Config{
		URL:         hub.wsURL(),
		Credentials: &client.Credentials{UserID: "user-a", Token: "tok"},
	}, newTestLogger())
	c.Start(context.Background())
	defer c.Close()

	waitFor(t, "authenticated state", func() bool { return c.State() == client.StateAuthenticated })

	c.SubscribeTasks("42")

	waitFor(t, "subscribe-tasks", func() bool { return hub.countEvent(protocol.EventSubscribeTasks) == 1 })
}

func TestClientEntersReconnectingOnDialFailure(t *testing.T) {
	rec := &stateRecorder{}

	c := client.New(client.Config{
		URL:           "ws://127.0.0.1:1", // nothing listens here
		AutoReconnect: true,
		ReconnectBase: 20 * time.Millisecond,
		ReconnectMax:  50 * time.Millisecond,
		DialTimeout:   200 * time.Millisecond,
	}, newTestLogger())
	c.OnStateChange(rec.record)

	c.Start(context.Background())
	defer c.Close()

	waitFor(t, "reconnecting state", func() bool { return rec.saw(client.StateReconnecting) })
}

func TestClientStopsAfterDialFailureWithoutAutoReconnect(t *testing.T) {
	c := client.New(client.Config{
		URL:         "ws://127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
	}, newTestLogger())

	c.Start(context.Background())

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return; the loop kept retrying")
	}
	if got := c.State(); got != client.StateDisconnected {
		t.Errorf("Expected disconnected, got %v", got)
	}
}

func TestCloseBeforeStartIsNoOp(t *testing.T) {
	c := client.New(client.Config{URL: "ws://127.0.0.1:1"}, newTestLogger())

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked for a client that was never started")
	}
	if got := c.State(); got != client.StateDisconnected {
		t.Errorf("Expected disconnected, got %v", got)
	}
}

func TestClientResubscribesAfterReconnect(t *testing.T) {
	hub := newStubHub(t)

	c := client.New(client.Config{
		URL:           hub.wsURL(),
		Credentials:   &client.Credentials{UserID: "user-a", Token: "tok"},
		AutoReconnect: true,
		ReconnectBase: 20 * time.Millisecond,
		ReconnectMax:  50 * time.Millisecond,
	}, newTestLogger())
	c.JoinRoom("project:42")

	c.Start(context.Background())
	defer c.Close()

	waitFor(t, "first session", func() bool { return c.State() == client.StateAuthenticated })
	waitFor(t, "first join", func() bool { return hub.countEvent(protocol.EventJoinRoom) == 1 })

	// Drop every live session; the client must come back and re-issue the
	// join on its own.
	hub.server.CloseClientConnections()

	waitFor(t, "second session", func() bool { return hub.sessionCount() >= 2 })
	waitFor(t, "join replay", func() bool { return hub.countEvent(protocol.EventJoinRoom) >= 2 })
	waitFor(t, "authenticated again", func() bool { return c.State() == client.StateAuthenticated })
}
