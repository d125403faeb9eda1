package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"classrelay/pkg/protocol"
)

// Connection implements interfaces.Peer over a gorilla socket. All writes,
// control pings included, go through one writer goroutine.
type Connection struct {
	conn         *websocket.Conn
	id           string
	writeCh      chan []byte
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *zap.Logger
	connectedAt  time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu           sync.RWMutex
	role         protocol.Role
	languageCode string
	sessionID    string
}

// ConnectionOptions tunes the writer of a Connection.
type ConnectionOptions struct {
	BufferSize   int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// NewConnection wraps conn and starts its writer.
func NewConnection(conn *websocket.Conn, opts ConnectionOptions, logger *zap.Logger) *Connection {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 100
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	c := &Connection{
		conn:         conn,
		id:           id,
		writeCh:      make(chan []byte, opts.BufferSize),
		writeTimeout: opts.WriteTimeout,
		pingInterval: opts.PingInterval,
		logger:       logger.With(zap.String("conn_id", id)),
		connectedAt:  time.Now(),
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	var tick <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				c.fail(err)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.fail(err)
				return
			}

		case <-tick:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.fail(err)
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// fail closes a connection whose writer can no longer make progress; the
// read loop then observes the closed socket and unregisters it.
func (c *Connection) fail(err error) {
	c.logger.Debug("write failed, closing connection", zap.Error(err))
	_ = c.Close()
}

// Send queues msg without blocking. A full buffer means the client is not
// keeping up and the message is dropped with ErrBackpressure.
func (c *Connection) Send(msg protocol.Message) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		c.logger.Warn("send buffer full, dropping message", zap.String("type", string(msg.Tag())))
		return ErrBackpressure
	}
}

// Close is idempotent.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Connection) Context() context.Context {
	return c.ctx
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

func (c *Connection) Bind(role protocol.Role, languageCode, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = role
	c.languageCode = languageCode
	c.sessionID = sessionID
}

func (c *Connection) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = ""
}

func (c *Connection) Role() protocol.Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Connection) LanguageCode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.languageCode
}

func (c *Connection) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}
