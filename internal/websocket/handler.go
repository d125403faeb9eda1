package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"classrelay/internal/config"
	"classrelay/pkg/interfaces"
	"classrelay/pkg/protocol"
)

// Dispatcher receives every decoded frame of a connection, in order, and is
// told once when the connection goes away.
type Dispatcher interface {
	Dispatch(ctx context.Context, peer interfaces.Peer, msg protocol.Message)
	Disconnect(peer interfaces.Peer)
}

// Handler upgrades HTTP requests into relay connections.
type Handler struct {
	registry   *Registry
	dispatcher Dispatcher
	cfg        *config.WebSocketConfig
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

// NewHandler builds a handler. allowedOrigins may contain "*" to accept any
// browser origin; requests without an Origin header are always accepted.
func NewHandler(registry *Registry, dispatcher Dispatcher, cfg *config.WebSocketConfig, allowedOrigins []string, logger *zap.Logger) *Handler {
	h := &Handler{
		registry:   registry,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger.Named("websocket"),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      originChecker(allowedOrigins),
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		set[origin] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set["*"] || set[origin]
	}
}

// ServeHTTP upgrades the request, announces the connection id and then runs
// the read loop until the socket closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	conn := NewConnection(ws, ConnectionOptions{
		BufferSize:   h.cfg.BufferSize,
		WriteTimeout: h.cfg.WriteTimeout,
		PingInterval: h.cfg.PingInterval,
	}, h.logger)

	if err := h.registry.Add(conn); err != nil {
		h.logger.Error("failed to register connection", zap.Error(err))
		_ = conn.Close()
		return
	}

	if err := conn.Send(&protocol.Connection{SessionID: conn.ID()}); err != nil {
		h.logger.Warn("failed to send connection message", zap.Error(err))
	}
	h.logger.Info("client connected",
		zap.String("conn_id", conn.ID()),
		zap.String("remote_addr", r.RemoteAddr))

	h.readLoop(conn)
}

func (h *Handler) readLoop(conn *Connection) {
	defer func() {
		h.dispatcher.Disconnect(conn)
		h.registry.Remove(conn)
		_ = conn.Close()
		h.logger.Info("client disconnected",
			zap.String("conn_id", conn.ID()),
			zap.Duration("connected_for", time.Since(conn.ConnectedAt())))
	}()

	ws := conn.conn
	ws.SetReadLimit(h.cfg.MaxMessageSize)
	extend := func() error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	}
	if err := extend(); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error { return extend() })

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error",
					zap.String("conn_id", conn.ID()), zap.Error(err))
			}
			return
		}
		if err := extend(); err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			h.logger.Debug("dropping invalid frame",
				zap.String("conn_id", conn.ID()), zap.Error(err))
			_ = conn.Send(protocol.NewError(protocol.CodeProtocolError, err.Error()))
			continue
		}

		h.dispatcher.Dispatch(conn.Context(), conn, msg)
	}
}
