// Package apiclient is a typed client for the hub's ingress HTTP API, for
// backend collaborators (task services, job runners, sync workers) that push
// events into rooms without holding a live connection.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/project-essentials/sockethub/pkg/protocol"
)

// ServiceError is a non-2xx response from the hub.
type ServiceError struct {
	Status  int
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("socket service error: %d - %s", e.Status, e.Message)
}

type Client struct {
	http    *http.Client
	baseURL string
	token   string // optional bearer JWT for the /api routes
	logger  *slog.Logger
}

func New(baseURL, token string, logger *slog.Logger) *Client {
	return &Client{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: baseURL,
		token:   token,
		logger:  logger.With(slog.String("component", "socket_api_client")),
	}
}

type BroadcastRequest struct {
	Room  string `json:"room"`
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type BroadcastResponse struct {
	Success    bool `json:"success"`
	Recipients int  `json:"recipients"`
}

type HealthResponse struct {
	Status           string    `json:"status"`
	Service          string    `json:"service"`
	Timestamp        time.Time `json:"timestamp"`
	Uptime           float64   `json:"uptime"`
	ConnectedClients int       `json:"connectedClients"`
	Rooms            int       `json:"rooms"`
}

type ClientInfo struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId,omitempty"`
	ConnectedAt   time.Time `json:"connectedAt"`
	Rooms         []string  `json:"rooms"`
	Authenticated bool      `json:"authenticated"`
	Presence      string    `json:"presence,omitempty"`
}

type ClientsResponse struct {
	Clients []ClientInfo `json:"clients"`
	Count   int          `json:"count"`
}

type RoomMember struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
	Presence    string    `json:"presence,omitempty"`
}

type RoomInfo struct {
	RoomName    string       `json:"roomName"`
	MemberCount int          `json:"memberCount"`
	Members     []RoomMember `json:"members"`
}

// Health reports the hub's status and current load.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// Broadcast pushes one event into a room and returns the local recipient
// count. Zero recipients is not an error.
func (c *Client) Broadcast(ctx context.Context, room, event string, data any) (int, error) {
	var out BroadcastResponse
	err := c.do(ctx, http.MethodPost, "/api/broadcast", BroadcastRequest{
		Room:  room,
		Event: event,
		Data:  data,
	}, &out)
	if err != nil {
		return 0, err
	}
	return out.Recipients, nil
}

func (c *Client) Clients(ctx context.Context) (ClientsResponse, error) {
	var out ClientsResponse
	err := c.do(ctx, http.MethodGet, "/api/clients", nil, &out)
	return out, err
}

func (c *Client) Room(ctx context.Context, roomName string) (RoomInfo, error) {
	var out RoomInfo
	err := c.do(ctx, http.MethodGet, "/api/rooms/"+roomName, nil, &out)
	return out, err
}

// --- Convenience Broadcasts ---

func (c *Client) BroadcastTaskUpdate(ctx context.Context, projectID string, task any) (int, error) {
	return c.Broadcast(ctx, protocol.TaskRoom(projectID), protocol.EventTaskUpdated, map[string]any{
		"projectId": projectID,
		"task":      task,
		"timestamp": time.Now().UTC(),
	})
}

func (c *Client) BroadcastNewMessage(ctx context.Context, channelID string, message any) (int, error) {
	return c.Broadcast(ctx, protocol.MessageRoom(channelID), protocol.EventNewMessage, map[string]any{
		"channelId": channelID,
		"message":   message,
		"timestamp": time.Now().UTC(),
	})
}

// BroadcastJobUpdate routes a job payload to its queue's room and, for AI
// analysis jobs, additionally to the fixed AI job notification room.
func (c *Client) BroadcastJobUpdate(ctx context.Context, job json.RawMessage) error {
	queue := gjson.GetBytes(job, "queue").String()
	if queue == "" {
		queue = "unknown"
	}

	if _, err := c.Broadcast(ctx, protocol.QueueRoom(queue), protocol.EventJobUpdated, job); err != nil {
		return err
	}
	if queue == "ai-analysis" {
		if _, err := c.Broadcast(ctx, protocol.AIJobsRoom, protocol.EventAIJobUpdated, job); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) BroadcastProjectUpdate(ctx context.Context, projectID string, update any) (int, error) {
	return c.Broadcast(ctx, protocol.ProjectRoom(projectID), protocol.EventProjectUpdated, map[string]any{
		"projectId": projectID,
		"update":    update,
		"timestamp": time.Now().UTC(),
	})
}

func (c *Client) NotifyAIAnalysisComplete(ctx context.Context, jobID string, result any) (int, error) {
	return c.Broadcast(ctx, protocol.AIJobsRoom, protocol.EventAIAnalysisComplete, map[string]any{
		"jobId":     jobID,
		"result":    result,
		"timestamp": time.Now().UTC(),
	})
}

func (c *Client) NotifySyncComplete(ctx context.Context, channelID string, messageCount int) (int, error) {
	return c.Broadcast(ctx, protocol.MessageRoom(channelID), protocol.EventSyncComplete, map[string]any{
		"channelId":    channelID,
		"messageCount": messageCount,
		"timestamp":    time.Now().UTC(),
	})
}

// BroadcastUserPresence fans a presence update to each of the user's rooms.
func (c *Client) BroadcastUserPresence(ctx context.Context, userID, status string, rooms []string) error {
	data := map[string]any{
		"userId":    userID,
		"status":    status,
		"timestamp": time.Now().UTC(),
	}
	for _, room := range rooms {
		if _, err := c.Broadcast(ctx, room, protocol.EventPresenceUpdate, data); err != nil {
			return err
		}
	}
	return nil
}

// BroadcastToRooms pushes the same event to several rooms, continuing past
// per-room failures.
func (c *Client) BroadcastToRooms(ctx context.Context, rooms []string, event string, data any) []BroadcastResponse {
	results := make([]BroadcastResponse, 0, len(rooms))
	for _, room := range rooms {
		n, err := c.Broadcast(ctx, room, event, data)
		if err != nil {
			c.logger.Warn("Failed to broadcast to room",
				slog.String("room", room),
				slog.Any("error", err),
			)
			continue
		}
		results = append(results, BroadcastResponse{Success: true, Recipients: n})
	}
	return results
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ServiceError{Status: resp.StatusCode, Message: string(bytes.TrimSpace(msg))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
