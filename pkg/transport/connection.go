package transport

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// callback executed when a message is received.
type MessageHandler func(ctx context.Context, connID uuid.UUID, msg []byte)

type OnCloseHandler func(connID uuid.UUID, err error)

type ConnectionConfig struct {
	// HeartbeatInterval is how often a ping is sent. HeartbeatTimeout is how
	// long to wait for the pong; exceeding it closes the connection the same
	// way an explicit disconnect would.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MaxMessageBytes   int64
	SendBuffer        int
}

// Connection represents a single, thread-safe WebSocket connection. One
// readPump goroutine delivers inbound messages to the handler, so no two
// handlers for the same connection ever run concurrently.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig
	send   chan []byte

	onMessage MessageHandler
	onClose   OnCloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, onMessage MessageHandler, onClose OnCloseHandler, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	connLogger := logger.With(slog.String("connID", id.String()))

	buf := config.SendBuffer
	if buf <= 0 {
		buf = 256
	}
	wg.Add(1) // released in Close, whether or not Run was ever called
	return &Connection{
		id:        id,
		conn:      conn,
		config:    config,
		send:      make(chan []byte, buf),
		onMessage: onMessage,
		onClose:   onClose,
		done:      make(chan struct{}),
		wg:        wg,
		ctx:       connCtx,
		cancel:    cancel,
		logger:    connLogger,
	}
}

func (c *Connection) Run() {
	if c.config.MaxMessageBytes > 0 {
		c.conn.SetReadLimit(c.config.MaxMessageBytes)
	}
	go c.readPump()
	go c.writePump()
	if c.config.HeartbeatInterval > 0 {
		go c.heartbeatLoop()
	}

	c.logger.Debug("connection established")
}

// readPump pumps messages from the WebSocket connection to the message
// handler. Handler calls are synchronous, which preserves per-connection
// ordering.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		typ, r, err := c.conn.Reader(c.ctx)
		if err != nil {
			readErr = err
			return
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}
		message, err := io.ReadAll(r)
		if err != nil {
			readErr = err
			return
		}
		if c.onMessage != nil {
			c.onMessage(c.ctx, c.id, message)
		}
	}
}

// writePump pumps messages from the send channel to the WebSocket connection.
func (c *Connection) writePump() {
	var writeErr error
	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := c.conn.Write(c.ctx, websocket.MessageText, message); err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			c.conn.Close(websocket.StatusNormalClosure, "server shutting down")
			return
		}
	}
}

// heartbeatLoop pings the peer on a fixed interval. A pong that does not
// arrive within the timeout ceiling is treated identically to a disconnect.
func (c *Connection) heartbeatLoop() {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, c.config.HeartbeatTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.logger.Debug("heartbeat failed, evicting connection", slog.Any("error", err))
				c.Close(err)
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Send queues a message to the client. It is safe for concurrent use and
// never blocks: delivery is best-effort, and a full buffer means the peer
// stopped draining, so the message is dropped rather than stalling fan-out
// to unrelated connections.
func (c *Connection) Send(message []byte) {
	select {
	case c.send <- message:
	case <-c.ctx.Done():
	default:
		c.logger.Debug("send buffer full, dropping message")
	}
}

// Close gracefully shuts down the connection and its resources. Safe to call
// from any goroutine, any number of times.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		status := websocket.CloseStatus(err)
		c.logger.Debug("transport connection closing",
			slog.Any("reason", err),
			slog.String("status", status.String()),
		)

		c.cancel() // signal goroutines to stop
		c.conn.Close(websocket.StatusNormalClosure, "")
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		c.wg.Done()
		close(c.done)
	})
}

// Done returns a channel that is closed when the connection is fully
// terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}

func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}
