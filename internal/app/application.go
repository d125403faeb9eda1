package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"classrelay/internal/api"
	"classrelay/internal/config"
	"classrelay/internal/database"
	"classrelay/internal/hub"
	"classrelay/internal/router"
	"classrelay/internal/session"
	"classrelay/internal/translation"
	"classrelay/internal/websocket"
	"classrelay/migrations"
	pkgdatabase "classrelay/pkg/database"
	"classrelay/pkg/interfaces"
)

// Application owns every server component.
// Initialization order: Database → Session → Translation → Router → Hub →
// Registry → WebSocket → API → HTTP.
type Application struct {
	config     *config.Config
	logger     *zap.Logger
	dbManager  *database.Manager
	sessions   *session.Manager
	registry   *websocket.Registry
	relay      *router.Router
	hub        *hub.Hub
	apiServer  *api.Server
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
	serveErr chan error
}

// NewApplication builds the component graph. Nothing listens until Start.
func NewApplication(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	if cfg.Database.MaxConnections > 0 {
		dbConfig.MaxConnections = cfg.Database.MaxConnections
	}
	if cfg.Database.Timeout > 0 {
		dbConfig.WriteTimeout = cfg.Database.Timeout
	}
	if dir := filepath.Dir(dbConfig.DatabasePath); dir != "." && dbConfig.DatabasePath != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dbManager, err := database.NewManager(dbConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	migrator := pkgdatabase.NewMigrationManager(dbManager.DB(), migrations.FS)
	if err := migrator.ApplyMigrations(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := migrator.ValidateSchema(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("database schema check failed: %w", err)
	}
	logger.Info("database ready", zap.String("path", dbConfig.DatabasePath))

	sessions := session.NewManager(dbManager, cfg.Session, logger)
	if _, err := sessions.LoadActiveSessions(ctx); err != nil {
		logger.Warn("stale session recovery incomplete", zap.Error(err))
	}

	gateway, err := translation.New(ctx, cfg.Translation, logger)
	if err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to initialize translation: %w", err)
	}

	relay := router.NewRouter(sessions, gateway, cfg.Translation, logger, router.WithStore(dbManager))
	messageHub := hub.NewHub(sessions, relay, logger)

	registry := websocket.NewRegistry()
	wsHandler := websocket.NewHandler(registry, messageHub, cfg.WebSocket, cfg.HTTP.AllowedOrigins, logger)
	apiServer := api.NewServer(sessions, dbManager, registry, messageHub, wsHandler, cfg.HTTP.AllowedOrigins, logger)

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.HTTP.Host, strconv.Itoa(cfg.HTTP.Port)),
		Handler:      apiServer.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		logger:     logger,
		dbManager:  dbManager,
		sessions:   sessions,
		registry:   registry,
		relay:      relay,
		hub:        messageHub,
		apiServer:  apiServer,
		httpServer: httpServer,
		serveErr:   make(chan error, 1),
	}, nil
}

// Start starts the hub and begins serving. It returns once the listener is
// bound.
func (app *Application) Start(ctx context.Context) error {
	if err := app.hub.Start(); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.hub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}

	app.mu.Lock()
	app.listener = ln
	app.mu.Unlock()

	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.serveErr <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(app.serveErr)
	}()

	app.logger.Info("classrelay started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Err reports a fatal serve error. It is closed when serving stops.
func (app *Application) Err() <-chan error {
	return app.serveErr
}

// Stop shuts down in reverse dependency order: HTTP → sockets → hub →
// sessions → database.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down classrelay")

	var errs error
	errs = multierr.Append(errs, app.httpServer.Shutdown(ctx))

	// Hijacked sockets are not closed by Shutdown.
	app.registry.CloseAll()

	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = multierr.Append(errs, err)
	}
	errs = multierr.Append(errs, app.sessions.Close(ctx))
	errs = multierr.Append(errs, app.dbManager.Close())

	if errs != nil {
		app.logger.Error("shutdown finished with errors", zap.Error(errs))
	} else {
		app.logger.Info("classrelay shutdown complete")
	}
	return errs
}

// Addr is the bound listener address, or the configured one before Start.
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Sessions exposes the registry, mainly for tests and the CLI status output.
func (app *Application) Sessions() *session.Manager {
	return app.sessions
}

// Store exposes the durable session store.
func (app *Application) Store() interfaces.SessionStore {
	return app.dbManager
}
