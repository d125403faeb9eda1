package api

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"classrelay/internal/websocket"
	"classrelay/pkg/interfaces"
	"classrelay/pkg/types"
)

// Sessions is the live session registry as seen by the HTTP API.
type Sessions interface {
	Get(sessionID string) (*types.Session, bool)
	ActiveSessions() []*types.Session
	EndSession(ctx context.Context, sessionID string) (*types.Session, error)
	TeacherConnected(sessionID string) bool
}

// Registry is the connection registry as seen by the HTTP API.
type Registry interface {
	SessionConnections(sessionID string) []*websocket.Connection
	GetStats() map[string]int
}

// StatsSource reports dispatch counters for the health endpoint.
type StatsSource interface {
	Stats() map[string]int64
}

// Server is the HTTP surface: health, session inspection and the socket
// endpoint. It holds no relay logic of its own.
type Server struct {
	echo      *echo.Echo
	sessions  Sessions
	store     interfaces.SessionStore
	registry  Registry
	stats     StatsSource
	logger    *zap.Logger
	startedAt time.Time
}

type SessionView struct {
	*types.Session
	Connections      int  `json:"connections"`
	TeacherConnected bool `json:"teacherConnected"`
}

type ListSessionsResponse struct {
	Sessions []SessionView `json:"sessions"`
}

type HistoryResponse struct {
	Sessions []*types.Session `json:"sessions"`
}

type TranslationsResponse struct {
	SessionID    string                     `json:"sessionId"`
	Translations []*types.TranslationRecord `json:"translations"`
}

type HealthResponse struct {
	Status      string           `json:"status"`
	Timestamp   time.Time        `json:"timestamp"`
	Database    string           `json:"database"`
	Connections map[string]int   `json:"connections"`
	Messages    map[string]int64 `json:"messages,omitempty"`
	System      map[string]any   `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewServer builds the echo instance and its routes. ws is mounted at /ws.
func NewServer(sessions Sessions, store interfaces.SessionStore, registry Registry, stats StatsSource, ws http.Handler, allowedOrigins []string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		sessions:  sessions,
		store:     store,
		registry:  registry,
		stats:     stats,
		logger:    logger.Named("api"),
		startedAt: time.Now(),
	}

	e.HTTPErrorHandler = s.errorHandler
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: allowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodDelete, http.MethodOptions},
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency))
			return nil
		},
	}))

	e.GET("/health", s.health)

	api := e.Group("/api")
	api.GET("/sessions", s.listSessions)
	api.GET("/sessions/history", s.sessionHistory)
	api.GET("/sessions/:id", s.getSession)
	api.DELETE("/sessions/:id", s.endSession)
	api.GET("/sessions/:id/translations", s.listTranslations)

	if ws != nil {
		e.GET("/ws", echo.WrapHandler(ws))
	}
	return s
}

// Handler exposes the router for an http.Server.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) view(session *types.Session) SessionView {
	return SessionView{
		Session:          session,
		Connections:      len(s.registry.SessionConnections(session.ID)),
		TeacherConnected: s.sessions.TeacherConnected(session.ID),
	}
}

// GET /api/sessions
func (s *Server) listSessions(c echo.Context) error {
	active := s.sessions.ActiveSessions()
	views := make([]SessionView, 0, len(active))
	for _, session := range active {
		views = append(views, s.view(session))
	}
	return c.JSON(http.StatusOK, ListSessionsResponse{Sessions: views})
}

// GET /api/sessions/history?limit=N
func (s *Server) sessionHistory(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			return s.sendError(c, http.StatusBadRequest, "limit must be between 1 and 1000")
		}
		limit = n
	}

	sessions, err := s.store.ListSessions(c.Request().Context(), limit)
	if err != nil {
		s.logger.Error("failed to list session history", zap.Error(err))
		return s.sendError(c, http.StatusInternalServerError, "failed to list sessions")
	}
	if sessions == nil {
		sessions = []*types.Session{}
	}
	return c.JSON(http.StatusOK, HistoryResponse{Sessions: sessions})
}

// GET /api/sessions/:id
func (s *Server) getSession(c echo.Context) error {
	id := c.Param("id")
	if session, ok := s.sessions.Get(id); ok {
		return c.JSON(http.StatusOK, s.view(session))
	}

	session, err := s.store.GetSession(c.Request().Context(), id)
	if errors.Is(err, interfaces.ErrSessionNotFound) {
		return s.sendError(c, http.StatusNotFound, "session not found")
	}
	if err != nil {
		s.logger.Error("failed to load session", zap.String("session_id", id), zap.Error(err))
		return s.sendError(c, http.StatusInternalServerError, "failed to load session")
	}
	return c.JSON(http.StatusOK, SessionView{Session: session})
}

// DELETE /api/sessions/:id
func (s *Server) endSession(c echo.Context) error {
	id := c.Param("id")
	session, err := s.sessions.EndSession(c.Request().Context(), id)
	switch {
	case errors.Is(err, interfaces.ErrSessionNotFound):
		return s.sendError(c, http.StatusNotFound, "session not found or already ended")
	case err != nil:
		s.logger.Error("failed to end session", zap.String("session_id", id), zap.Error(err))
		return s.sendError(c, http.StatusInternalServerError, "session ended but could not be saved")
	}

	s.logger.Info("session ended via api",
		zap.String("session_id", id),
		zap.String("quality", string(session.Quality)))
	return c.JSON(http.StatusOK, SessionView{Session: session})
}

// GET /api/sessions/:id/translations
func (s *Server) listTranslations(c echo.Context) error {
	id := c.Param("id")
	records, err := s.store.ListTranslations(c.Request().Context(), id)
	if err != nil {
		s.logger.Error("failed to list translations", zap.String("session_id", id), zap.Error(err))
		return s.sendError(c, http.StatusInternalServerError, "failed to list translations")
	}
	if records == nil {
		records = []*types.TranslationRecord{}
	}
	return c.JSON(http.StatusOK, TranslationsResponse{SessionID: id, Translations: records})
}

// GET /health
func (s *Server) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	resp := HealthResponse{
		Status:      "healthy",
		Timestamp:   time.Now().UTC(),
		Database:    "healthy",
		Connections: s.registry.GetStats(),
		System: map[string]any{
			"goroutines":      runtime.NumGoroutine(),
			"uptime_seconds":  int64(time.Since(s.startedAt).Seconds()),
			"active_sessions": len(s.sessions.ActiveSessions()),
		},
	}
	if s.stats != nil {
		resp.Messages = s.stats.Stats()
	}

	if err := s.store.HealthCheck(ctx); err != nil {
		status = http.StatusServiceUnavailable
		resp.Status = "unhealthy"
		resp.Database = "error: " + err.Error()
	}
	return c.JSON(status, resp)
}

func (s *Server) sendError(c echo.Context, code int, message string) error {
	return c.JSON(code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// errorHandler renders echo's own errors (404 routes, 405 methods) in the
// same shape as handler errors.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	message := "internal error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			message = m
		}
	} else {
		s.logger.Error("unhandled request error", zap.Error(err))
	}

	if err := s.sendError(c, code, message); err != nil {
		s.logger.Debug("failed to write error response", zap.Error(err))
	}
}
