// Package relay bridges room broadcasts across hub instances through a
// shared Redis pub/sub channel. Delivery is best-effort: no durability and
// no ordering across instances, matching what single-instance clients get
// from the broker-less mode.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/project-essentials/sockethub/pkg/config"
)

// Handler repeats a relayed broadcast on the local registry. Calls are
// serialized by the single receive loop so local fan-out ordering per origin
// instance is preserved.
type Handler func(room, event string, payload json.RawMessage)

// envelope is the broker wire format. Origin carries the publishing
// instance's id so it can discard its own messages on receipt.
type envelope struct {
	Origin  string          `json:"origin"`
	Room    string          `json:"room,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Relay struct {
	client  *redis.Client
	channel string
	origin  string
	handler Handler
	logger  *slog.Logger
}

// New connects to the broker and verifies it is reachable. Callers should
// treat an error as a degraded mode, not a fatal one: the hub keeps working
// as a single, non-clustered instance.
func New(ctx context.Context, cfg config.BrokerConfig, handler Handler, logger *slog.Logger) (*Relay, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return NewWithClient(client, cfg.Channel, uuid.NewString(), handler, logger), nil
}

// NewWithClient wires a relay over an existing broker client with a fixed
// origin id, skipping the reachability probe. The relay owns the client and
// closes it.
func NewWithClient(client *redis.Client, channel, origin string, handler Handler, logger *slog.Logger) *Relay {
	return &Relay{
		client:  client,
		channel: channel,
		origin:  origin,
		handler: handler,
		logger:  logger.With(slog.String("component", "relay")),
	}
}

// Run subscribes to the shared channel and dispatches relayed broadcasts
// until ctx is cancelled. It should be called in its own goroutine.
func (r *Relay) Run(ctx context.Context) {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	r.logger.Info("relay subscribed",
		slog.String("channel", r.channel),
		slog.String("origin", r.origin),
	)

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				r.logger.Warn("relay subscription closed")
				return
			}
			r.Dispatch([]byte(msg.Payload))
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return
		}
	}
}

// Publish republishes a local broadcast for peer instances. Failures are
// logged and swallowed; the local fan-out already happened.
func (r *Relay) Publish(ctx context.Context, room, event string, payload json.RawMessage) {
	data, err := json.Marshal(envelope{
		Origin:  r.origin,
		Room:    room,
		Event:   event,
		Payload: payload,
	})
	if err != nil {
		r.logger.Error("marshal relay envelope", slog.Any("error", err))
		return
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		r.logger.Warn("broker publish failed", slog.String("event", event), slog.Any("error", err))
	}
}

// Dispatch handles one raw broker message: messages published by this
// instance are discarded, everything else goes to the handler for local
// fan-out.
func (r *Relay) Dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.logger.Warn("malformed relay message", slog.Any("error", err))
		return
	}
	if env.Origin == r.origin {
		return
	}
	r.handler(env.Room, env.Event, env.Payload)
}

func (r *Relay) Close() error {
	return r.client.Close()
}
