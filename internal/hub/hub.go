package hub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"classrelay/pkg/interfaces"
	"classrelay/pkg/protocol"
)

// Hub dispatches decoded client frames to the session registry and the
// relay router. Dispatch runs on the sender's read goroutine so frames from
// one connection are handled in arrival order.
type Hub struct {
	sessions interfaces.SessionRegistry
	router   interfaces.RelayRouter
	logger   *zap.Logger

	running bool
	mu      sync.RWMutex

	dispatched atomic.Int64
	rejected   atomic.Int64
}

// NewHub creates a stopped hub.
func NewHub(sessions interfaces.SessionRegistry, router interfaces.RelayRouter, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sessions: sessions,
		router:   router,
		logger:   logger.Named("hub"),
	}
}

// Start lets the hub accept frames.
func (h *Hub) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.logger.Info("hub started")
	return nil
}

// Stop refuses further frames. Connections stay open until closed by the
// caller.
func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return ErrHubNotRunning
	}
	h.running = false
	h.logger.Info("hub stopped")
	return nil
}

func (h *Hub) isRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Dispatch handles one client frame. Failures are answered with an error
// frame; the connection always stays open.
func (h *Hub) Dispatch(ctx context.Context, peer interfaces.Peer, msg protocol.Message) {
	if !h.isRunning() {
		h.reply(peer, protocol.NewError(protocol.CodeInternal, "server is shutting down"))
		return
	}
	h.dispatched.Add(1)

	var err error
	switch m := msg.(type) {
	case *protocol.Register:
		err = h.handleRegister(ctx, peer, m)
	case *protocol.Transcription:
		err = h.router.HandleTranscription(ctx, peer, m)
	case *protocol.Audio:
		err = h.router.HandleAudio(ctx, peer, m)
	case *protocol.Ping:
		h.reply(peer, &protocol.Pong{Timestamp: m.Timestamp})
	default:
		err = fmt.Errorf("%w: %s is not accepted from clients", protocol.ErrUnknownTag, msg.Tag())
	}

	if err != nil {
		h.rejected.Add(1)
		code := errorCode(err)
		h.logger.Debug("request rejected",
			zap.String("conn_id", peer.ID()),
			zap.String("type", string(msg.Tag())),
			zap.String("code", code),
			zap.Error(err))
		h.reply(peer, protocol.NewError(code, err.Error()))
	}
}

func (h *Hub) handleRegister(ctx context.Context, peer interfaces.Peer, req *protocol.Register) error {
	s, err := h.sessions.HandleRegister(ctx, peer, req)
	if err != nil {
		return err
	}

	h.logger.Info("connection registered",
		zap.String("conn_id", peer.ID()),
		zap.String("session_id", s.ID),
		zap.String("role", string(peer.Role())),
		zap.String("language", peer.LanguageCode()))

	h.reply(peer, &protocol.ConnectionConfirmed{
		SessionID:    s.ID,
		Role:         peer.Role(),
		LanguageCode: peer.LanguageCode(),
	})
	return nil
}

// Disconnect releases the session binding and per-connection state of a
// closed peer.
func (h *Hub) Disconnect(peer interfaces.Peer) {
	h.sessions.HandleDisconnect(peer)
	h.router.Forget(peer.ID())
	h.logger.Debug("connection released", zap.String("conn_id", peer.ID()))
}

func (h *Hub) reply(peer interfaces.Peer, msg protocol.Message) {
	if err := peer.Send(msg); err != nil {
		h.logger.Debug("reply not delivered",
			zap.String("conn_id", peer.ID()),
			zap.String("type", string(msg.Tag())),
			zap.Error(err))
	}
}

// Stats reports dispatch counters.
func (h *Hub) Stats() map[string]int64 {
	return map[string]int64{
		"dispatched": h.dispatched.Load(),
		"rejected":   h.rejected.Load(),
	}
}
