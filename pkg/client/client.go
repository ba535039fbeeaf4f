// Package client is the consumer-side counterpart of the hub: a WebSocket
// client that connects, authenticates, re-issues its subscriptions after
// every reconnect, and backs off exponentially between failed attempts.
//
// Server-side connection records do not survive a disconnect, so the client
// never assumes room membership carries over: the desired subscription set
// is kept here and replayed once each session reaches the authenticated
// state.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/project-essentials/sockethub/pkg/protocol"
)

type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateAuthenticated State = "authenticated"
	StateReconnecting  State = "reconnecting"
)

// Credentials is the pass-through identity claim sent on connect. The hub
// does not validate the token; an upstream service issued it.
type Credentials struct {
	UserID string
	Token  string
}

type Config struct {
	URL         string
	Credentials *Credentials
	// ConnectDelay postpones the first attempt, useful when the hub may not
	// be reachable yet at startup.
	ConnectDelay  time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	AutoReconnect bool
	DialTimeout   time.Duration
}

// Client is safe for concurrent use. Event and state callbacks are invoked
// from the client's own goroutine, one at a time.
type Client struct {
	cfg    Config
	logger *slog.Logger

	onEvent func(protocol.Envelope)
	onState func(State)
	onError func(error)

	mu    sync.Mutex
	state State
	conn  *websocket.Conn
	subs  map[string]protocol.Envelope // desired subscriptions, keyed by event+payload

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "hub_client")),
		state:  StateDisconnected,
		subs:   make(map[string]protocol.Envelope),
		done:   make(chan struct{}),
	}
}

// OnEvent registers the callback for every server event. Must be set before
// Start.
func (c *Client) OnEvent(fn func(protocol.Envelope)) { c.onEvent = fn }

// OnStateChange registers the connectivity callback. Must be set before
// Start.
func (c *Client) OnStateChange(fn func(State)) { c.onState = fn }

// OnError registers the error callback. Only authentication failures and
// explicit server error events arrive here; transient connect failures are
// expected and stay internal.
func (c *Client) OnError(fn func(error)) { c.onError = fn }

// Start launches the connection loop. It returns immediately.
func (c *Client) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	go c.run()
}

// Close cancels any pending reconnect timer and closes the transport without
// triggering a further attempt. It blocks until the loop has exited. Closing
// a client that was never started is a no-op.
func (c *Client) Close() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	c.mu.Unlock()
	<-c.done
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) run() {
	defer close(c.done)

	if c.cfg.ConnectDelay > 0 {
		select {
		case <-time.After(c.cfg.ConnectDelay):
		case <-c.ctx.Done():
			return
		}
	}

	b := newBackoff(c.cfg.ReconnectBase, c.cfg.ReconnectMax)
	for {
		c.setState(StateConnecting)
		conn, err := c.dial()
		if err != nil {
			// Expected while a cooperating service is still coming up; not
			// surfaced as a hard error.
			c.logger.Debug("dial failed", slog.Any("error", err))
			if !c.cfg.AutoReconnect {
				c.setState(StateDisconnected)
				return
			}
			if !c.waitRetry(b) {
				return
			}
			continue
		}

		b.Reset()
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(StateConnected)

		if c.cfg.Credentials != nil {
			c.sendAuthenticate()
		} else {
			// No credentials: only unauthenticated traffic is possible, but
			// the desired set is still replayed for completeness.
			c.replaySubscriptions()
		}

		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")

		select {
		case <-c.ctx.Done():
			c.setState(StateDisconnected)
			return
		default:
		}
		c.setState(StateDisconnected)
		if !c.cfg.AutoReconnect {
			return
		}
		if !c.waitRetry(b) {
			return
		}
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
	return conn, err
}

// waitRetry sleeps out the backoff delay. It returns false when the client
// is shutting down, so no further attempt is made.
func (c *Client) waitRetry(b *backoff) bool {
	c.setState(StateReconnecting)
	select {
	case <-time.After(b.Next()):
		return true
	case <-c.ctx.Done():
		c.setState(StateDisconnected)
		return false
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			return
		}
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn("malformed server message", slog.Any("error", err))
		return
	}

	switch env.Event {
	case protocol.EventAuthenticated:
		var res protocol.AuthResult
		if err := json.Unmarshal(env.Payload, &res); err != nil {
			return
		}
		if res.Success {
			c.setState(StateAuthenticated)
			c.replaySubscriptions()
		} else {
			c.emitError(fmt.Errorf("authentication failed: %s", res.Error))
		}
	case protocol.EventError:
		var e protocol.Error
		if err := json.Unmarshal(env.Payload, &e); err == nil {
			c.emitError(errors.New(e.Code + ": " + e.Message))
		}
	}

	if c.onEvent != nil {
		c.onEvent(env)
	}
}

func (c *Client) sendAuthenticate() {
	c.send(protocol.EventAuthenticate, map[string]string{
		"userId": c.cfg.Credentials.UserID,
		"token":  c.cfg.Credentials.Token,
	})
}

// --- Subscriptions ---

// JoinRoom records the room in the desired set and joins it now if the
// session is ready. The join is re-issued after every reconnect.
func (c *Client) JoinRoom(roomID string) {
	c.subscribe(protocol.EventJoinRoom, map[string]string{"roomId": roomID})
}

func (c *Client) JoinChannel(channelID string) {
	c.subscribe(protocol.EventJoinChannel, map[string]string{"channelId": channelID})
}

func (c *Client) SubscribeTasks(projectID string) {
	c.subscribe(protocol.EventSubscribeTasks, map[string]string{"projectId": projectID})
}

func (c *Client) SubscribeMessages(channelID string) {
	c.subscribe(protocol.EventSubscribeMessages, map[string]string{"channelId": channelID})
}

func (c *Client) SubscribeJobNotifications() {
	c.subscribe(protocol.EventSubscribeJobs, map[string]string{})
}

func (c *Client) SubscribeQueue(queueName string) {
	c.subscribe(protocol.EventSubscribeQueue, map[string]string{"queueName": queueName})
}

// LeaveRoom drops the room from the desired set and leaves it now.
func (c *Client) LeaveRoom(roomID string) {
	payload := map[string]string{"roomId": roomID}
	raw, _ := json.Marshal(payload)
	c.mu.Lock()
	delete(c.subs, protocol.EventJoinRoom+string(raw))
	c.mu.Unlock()
	c.send(protocol.EventLeaveRoom, payload)
}

// --- Fire-and-forget signals ---

func (c *Client) UpdatePresence(status string) {
	c.send(protocol.EventUpdatePresence, map[string]string{"status": status})
}

func (c *Client) TypingStart(channelID string) {
	c.send(protocol.EventTypingStart, map[string]string{"channelId": channelID})
}

func (c *Client) TypingStop(channelID string) {
	c.send(protocol.EventTypingStop, map[string]string{"channelId": channelID})
}

// --- Internal ---

func (c *Client) subscribe(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	env := protocol.Envelope{Event: event, Payload: raw}

	c.mu.Lock()
	c.subs[event+string(raw)] = env
	ready := c.state == StateAuthenticated || (c.state == StateConnected && c.cfg.Credentials == nil)
	c.mu.Unlock()

	if ready {
		c.sendEnvelope(env)
	}
}

func (c *Client) replaySubscriptions() {
	c.mu.Lock()
	pending := make([]protocol.Envelope, 0, len(c.subs))
	for _, env := range c.subs {
		pending = append(pending, env)
	}
	c.mu.Unlock()

	for _, env := range pending {
		c.sendEnvelope(env)
	}
}

func (c *Client) send(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	c.sendEnvelope(protocol.Envelope{Event: event, Payload: raw})
}

func (c *Client) sendEnvelope(env protocol.Envelope) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := conn.Write(c.ctx, websocket.MessageText, data); err != nil {
		c.logger.Debug("write failed", slog.String("event", env.Event), slog.Any("error", err))
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.onState != nil {
		c.onState(s)
	}
}

func (c *Client) emitError(err error) {
	c.logger.Warn("hub error", slog.Any("error", err))
	if c.onError != nil {
		c.onError(err)
	}
}
