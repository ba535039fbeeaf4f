// Package ingress is the control surface for backend collaborators that are
// not connected clients: task services, job runners, sync workers. Pushes go
// through the same registry and hub as live-connection broadcasts; there is
// no separate fan-out path.
package ingress

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/project-essentials/sockethub/internal/hub"
	"github.com/project-essentials/sockethub/pkg/state"
)

type API struct {
	registry  state.Registry
	hub       *hub.Hub
	jwtSecret string
	startedAt time.Time
	logger    *slog.Logger
}

func New(registry state.Registry, h *hub.Hub, jwtSecret string, logger *slog.Logger) *API {
	return &API{
		registry:  registry,
		hub:       h,
		jwtSecret: jwtSecret,
		startedAt: time.Now(),
		logger:    logger.With(slog.String("component", "ingress_api")),
	}
}

// Mount attaches the ingress routes to the given router.
func (a *API) Mount(r chi.Router) {
	r.Get("/health", a.handleHealth)
	r.Route("/api", func(r chi.Router) {
		if a.jwtSecret != "" {
			r.Use(a.requireBearer)
		}
		r.Post("/broadcast", a.handleBroadcast)
		r.Get("/clients", a.handleClients)
		r.Get("/rooms/{roomName}", a.handleRoom)
	})
}

type healthResponse struct {
	Status           string    `json:"status"`
	Service          string    `json:"service"`
	Timestamp        time.Time `json:"timestamp"`
	Uptime           float64   `json:"uptime"`
	ConnectedClients int       `json:"connectedClients"`
	Rooms            int       `json:"rooms"`
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:           "ok",
		Service:          "sockethub",
		Timestamp:        time.Now().UTC(),
		Uptime:           time.Since(a.startedAt).Seconds(),
		ConnectedClients: a.registry.ConnectionCount(),
		Rooms:            a.registry.RoomCount(),
	})
}

type broadcastRequest struct {
	Room  string          `json:"room"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type broadcastResponse struct {
	Success    bool `json:"success"`
	Recipients int  `json:"recipients"`
}

// handleBroadcast completes once local fan-out is initiated; client
// acknowledgment is not part of the contract. A room with no members is not
// an error, it simply reports zero recipients.
func (a *API) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Room == "" || req.Event == "" {
		writeError(w, http.StatusBadRequest, "room and event are required")
		return
	}

	recipients := a.hub.BroadcastRoom(r.Context(), req.Room, req.Event, req.Data, uuid.Nil)
	a.logger.Debug("ingress broadcast",
		slog.String("room", req.Room),
		slog.String("event", req.Event),
		slog.Int("recipients", recipients),
	)
	writeJSON(w, http.StatusOK, broadcastResponse{Success: true, Recipients: recipients})
}

type clientsResponse struct {
	Clients []state.Info `json:"clients"`
	Count   int          `json:"count"`
}

func (a *API) handleClients(w http.ResponseWriter, r *http.Request) {
	clients := a.registry.Connections()
	writeJSON(w, http.StatusOK, clientsResponse{Clients: clients, Count: len(clients)})
}

type roomMember struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
	Presence    string    `json:"presence,omitempty"`
}

type roomResponse struct {
	RoomName    string       `json:"roomName"`
	MemberCount int          `json:"memberCount"`
	Members     []roomMember `json:"members"`
}

func (a *API) handleRoom(w http.ResponseWriter, r *http.Request) {
	roomName := chi.URLParam(r, "roomName")
	members := a.registry.RoomMembers(roomName)
	if len(members) == 0 {
		// A room with zero members is logically absent.
		writeError(w, http.StatusNotFound, "room not found")
		return
	}

	out := make([]roomMember, 0, len(members))
	for _, m := range members {
		out = append(out, roomMember{
			ID:          m.ID.String(),
			UserID:      m.UserID,
			ConnectedAt: m.ConnectedAt,
			Presence:    m.Presence,
		})
	}
	writeJSON(w, http.StatusOK, roomResponse{
		RoomName:    roomName,
		MemberCount: len(out),
		Members:     out,
	})
}

// requireBearer validates an HMAC-signed JWT on the /api routes. The subject
// identifies the calling service; no further claims are interpreted.
func (a *API) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString, found := strings.CutPrefix(header, "Bearer ")
		if !found || tokenString == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(a.jwtSecret), nil
		})
		if err != nil || !token.Valid {
			a.logger.Warn("Rejected ingress call with invalid token", slog.Any("error", err))
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
