package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/project-essentials/sockethub/internal/hub"
	"github.com/project-essentials/sockethub/internal/ingress"
	"github.com/project-essentials/sockethub/internal/relay"
	"github.com/project-essentials/sockethub/internal/router"
	"github.com/project-essentials/sockethub/internal/server/middleware"
	"github.com/project-essentials/sockethub/pkg/config"
	"github.com/project-essentials/sockethub/pkg/state"
	"github.com/project-essentials/sockethub/pkg/state/statemanager"
	"github.com/project-essentials/sockethub/pkg/transport"
)

type App struct {
	logger      *slog.Logger
	registry    state.Registry
	hub         *hub.Hub
	eventRouter *router.EventRouter
	relay       *relay.Relay // nil when clustering is disabled
	wg          sync.WaitGroup
	http        *http.Server
	config      *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) *App {
	registry := statemanager.NewInMemoryManager(logger)
	h := hub.New(registry, nil, logger)
	eventRouter := router.NewEventRouter(logger, registry, h)

	app := &App{
		logger:      logger,
		registry:    registry,
		hub:         h,
		eventRouter: eventRouter,
		config:      cfg,
		ctx:         rootCtx,
	}

	// Clustering is best-effort: an unreachable broker leaves the hub
	// running as a single, non-clustered instance.
	if cfg.Broker.URL != "" {
		rl, err := relay.New(rootCtx, cfg.Broker, h.HandleRelayed, logger)
		if err != nil {
			logger.Warn("Broker unreachable, continuing without clustering",
				slog.String("url", cfg.Broker.URL),
				slog.Any("error", err),
			)
		} else {
			app.relay = rl
			h.SetRelay(rl)
		}
	}

	mux := chi.NewRouter()
	mux.Handle("/ws", middleware.Chain(
		http.HandlerFunc(app.upgradeHandler),
		middleware.RequestMetadataMiddleware(),
		middleware.NewRequestLogger(logger),
		middleware.NewUpgradeRateLimiter(logger, cfg.Server.UpgradeRate),
		middleware.NewConnectionLimiter(logger, registry.CountByAddress, cfg.Server.ConnectionLimit),
	))
	ingress.New(registry, h, cfg.Server.API.JWTSecret, logger).Mount(mux)

	app.http = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: mux,
		BaseContext: func(l net.Listener) context.Context {
			return app.ctx
		},
	}
	return app
}

func (a *App) Run() error {
	if a.relay != nil {
		go a.relay.Run(a.ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		// A bind failure is the one fatal startup error.
		return err
	case <-a.ctx.Done():
		return a.Shutdown()
	}
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(slog.String("remoteAddr", reqMeta.IP))

	opts := &websocket.AcceptOptions{}
	if slices.Contains(a.config.Server.AllowedOrigins, "*") {
		opts.InsecureSkipVerify = true
	} else {
		opts.OriginPatterns = a.config.Server.AllowedOrigins
	}

	wsConn, err := websocket.Accept(w, r, opts)
	if err != nil {
		connLogger.Warn("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		a.ctx,
		&a.wg,
		wsConn,
		transport.ConnectionConfig{
			HeartbeatInterval: a.config.Transport.HeartbeatInterval,
			HeartbeatTimeout:  a.config.Transport.HeartbeatTimeout,
			MaxMessageBytes:   a.config.Transport.MaxMessageBytes,
			SendBuffer:        a.config.Transport.SendBuffer,
		},
		a.eventRouter.HandleMessage,
		nil,
		a.logger,
	)
	if err := a.registry.Register(conn, reqMeta.IP, reqMeta.UserAgent); err != nil {
		connLogger.Error("Failed to register connection state", slog.Any("error", err))
		conn.Close(err)
		return
	}
	// Every close cause (explicit, network drop, heartbeat timeout) runs the
	// same teardown: membership removal, per-room disconnect notice, record
	// deletion.
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		a.hub.HandleDisconnect(a.ctx, id)
	})

	connLogger.Info("Connection established",
		slog.String("connID", conn.ID().String()),
		slog.Int("connections", a.registry.ConnectionCount()),
	)
	conn.Run()
	<-conn.Done()
}

// Shutdown runs the graceful shutdown sequence. Connection teardown happens
// even when the HTTP server's shutdown errors; live transports and their
// goroutines must not outlive the process regardless.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	shutdownErr := a.http.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		a.logger.Error("HTTP server shutdown failed", slog.Any("error", shutdownErr))
	}

	a.logger.Info("Closing all active connections...")
	for _, member := range a.registry.AllMembers() {
		member.Transport.Close(errors.New("graceful shutdown"))
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	if a.relay != nil {
		a.relay.Close() //nolint:errcheck
	}
	a.logger.Info("Server shut down gracefully.")
	return shutdownErr
}
