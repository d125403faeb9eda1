// Package client implements the classroom side of the relay connection: one
// owned transport, registration, keepalive, capped exponential reconnect and
// a tag-keyed subscription registry.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eapache/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"classrelay/pkg/protocol"
)

// Status is the connection state reported by Manager.Status.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

type Option func(*Manager)

// WithDialer replaces the gorilla/websocket dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithClock drives keepalive and reconnect timers from c.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// RegisterOption adds optional fields to a registration.
type RegisterOption func(*protocol.Register)

// WithTeacherID sets the stable identity a teacher resumes its session with.
func WithTeacherID(id string) RegisterOption {
	return func(r *protocol.Register) { r.TeacherID = id }
}

// WithSessionID selects the classroom to join.
func WithSessionID(id string) RegisterOption {
	return func(r *protocol.Register) { r.SessionID = id }
}

// AudioChunk is one piece of teacher audio.
type AudioChunk struct {
	Data         []byte
	IsFirstChunk bool
	IsFinalChunk bool
	Language     string
}

// link is one opened transport and the goroutines bound to it.
type link struct {
	transport Transport
	handshake chan string
	done      chan struct{}
	err       error

	// Guarded by Manager.mu.
	opened   bool
	ticker   *clock.Ticker
	stop     chan struct{}
	stopOnce sync.Once
}

func newLink(t Transport) *link {
	return &link{
		transport: t,
		handshake: make(chan string, 1),
		done:      make(chan struct{}),
		stop:      make(chan struct{}),
	}
}

func (l *link) halt() {
	l.stopOnce.Do(func() {
		close(l.stop)
		if l.ticker != nil {
			l.ticker.Stop()
		}
	})
}

type statusObserver struct {
	id uint64
	fn func(Status)
}

// Manager owns at most one relay transport at a time.
type Manager struct {
	cfg       Config
	dialer    Dialer
	clock     clock.Clock
	logger    *zap.Logger
	listeners *listeners

	connectGroup singleflight.Group
	writeMu      sync.Mutex

	mu             sync.Mutex
	status         Status
	url            string
	link           *link
	connectionID   string
	sessionID      string
	role           protocol.Role
	languageCode   string
	registration   *protocol.Register
	confirmed      *protocol.Register
	replaying      bool
	registerTries  int
	registerTimer  *clock.Timer
	registerGen    uint64
	everConnected  bool
	userClosed     bool
	attempts       int
	reconnectTimer *clock.Timer
	reconnectGen   uint64
	pingSentAt     time.Time
	outbox         *queue.Queue
	observers      []statusObserver
	nextObserver   uint64
	statusEvents   []Status
}

// New builds a disconnected manager.
func New(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}

	m := &Manager{
		cfg:    cfg,
		clock:  clock.New(),
		logger: zap.NewNop(),
		status: StatusDisconnected,
		outbox: queue.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dialer == nil {
		m.dialer = NewWebSocketDialer(cfg.HandshakeTimeout)
	}
	m.logger = m.logger.Named("client")
	m.listeners = newListeners(m.logger)
	return m, nil
}

// Connect opens the relay transport and waits for the server's connection
// message. Concurrent calls share one attempt. It returns nil immediately
// when already connected.
func (m *Manager) Connect(ctx context.Context, url string) error {
	m.mu.Lock()
	if m.status == StatusConnected && m.link != nil {
		m.mu.Unlock()
		return nil
	}
	m.url = url
	m.userClosed = false
	m.attempts = 0
	m.cancelReconnectLocked()
	m.mu.Unlock()

	ch := m.connectGroup.DoChan("connect", func() (interface{}, error) {
		return nil, m.open(ctx, false)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) open(ctx context.Context, reconnecting bool) error {
	m.mu.Lock()
	if m.status == StatusConnected && m.link != nil {
		m.mu.Unlock()
		return nil
	}
	if m.userClosed {
		m.mu.Unlock()
		return ErrDisconnected
	}
	url := m.url
	m.setStatusLocked(StatusConnecting)
	m.unlockAndNotify()

	err := m.dial(ctx, url)
	if err == nil {
		return nil
	}

	m.mu.Lock()
	switch {
	case m.userClosed:
	case reconnecting:
		m.logger.Warn("reconnect attempt failed",
			zap.Int("attempt", m.attempts), zap.Error(err))
		m.scheduleReconnectLocked()
	default:
		m.setStatusLocked(StatusError)
	}
	m.unlockAndNotify()
	return err
}

func (m *Manager) dial(ctx context.Context, url string) error {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	transport, err := m.dialer.Dial(dialCtx, url)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrTransport, url, err)
	}

	l := newLink(transport)
	m.mu.Lock()
	if m.userClosed {
		m.mu.Unlock()
		_ = transport.Close()
		return ErrDisconnected
	}
	m.link = l
	m.mu.Unlock()

	go m.readLoop(l)

	select {
	case id := <-l.handshake:
		return m.onOpen(l, id)
	case <-l.done:
		return fmt.Errorf("%w: %v", ErrHandshake, l.err)
	case <-dialCtx.Done():
		_ = transport.Close()
		return fmt.Errorf("%w: waiting for handshake: %v", ErrTransport, dialCtx.Err())
	}
}

// onOpen marks l live, starts keepalive and replays the registration and
// outbox before any other write can reach the transport.
func (m *Manager) onOpen(l *link, connectionID string) error {
	m.writeMu.Lock()

	m.mu.Lock()
	if m.link != l || m.userClosed {
		m.mu.Unlock()
		m.writeMu.Unlock()
		_ = l.transport.Close()
		return ErrHandshake
	}

	l.opened = true
	m.connectionID = connectionID
	m.attempts = 0
	m.everConnected = true
	m.pingSentAt = time.Time{}

	l.ticker = m.clock.Ticker(m.cfg.KeepaliveInterval)
	go m.keepalive(l)

	var pending [][]byte
	m.replaying = false
	if m.registration != nil {
		data, err := protocol.Encode(m.registration)
		if err == nil {
			pending = append(pending, data)
			m.replaying = true
		}
	}
	for m.outbox.Length() > 0 {
		pending = append(pending, m.outbox.Remove().([]byte))
	}

	m.setStatusLocked(StatusConnected)
	notify := m.takeStatusEventsLocked()
	m.mu.Unlock()

	m.logger.Info("connected to relay",
		zap.String("conn_id", connectionID),
		zap.Int("replayed", len(pending)))

	for _, data := range pending {
		if err := m.writeLocked(l, data); err != nil {
			break
		}
	}
	m.writeMu.Unlock()

	notify()
	return nil
}

func (m *Manager) readLoop(l *link) {
	defer close(l.done)

	for {
		data, err := l.transport.ReadMessage()
		if err != nil {
			l.err = err
			m.handleClosed(l, err)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			m.logger.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		m.handleMessage(l, msg)
	}
}

func (m *Manager) handleMessage(l *link, msg protocol.Message) {
	switch v := msg.(type) {
	case *protocol.Connection:
		select {
		case l.handshake <- v.SessionID:
		default:
		}

	case *protocol.ConnectionConfirmed:
		m.mu.Lock()
		if m.link == l {
			m.role = v.Role
			m.languageCode = v.LanguageCode
			m.sessionID = v.SessionID
			if m.registration == nil {
				m.registration = &protocol.Register{}
			}
			// Replays name the session so a teacher without a teacherId
			// resumes it too.
			m.registration.Role = v.Role
			m.registration.LanguageCode = v.LanguageCode
			m.registration.SessionID = v.SessionID
			confirmed := *m.registration
			m.confirmed = &confirmed
			m.replaying = false
			m.registerTries = 0
			m.cancelRegisterRetryLocked()
		}
		m.mu.Unlock()

	case *protocol.Pong:
		m.mu.Lock()
		if m.link == l {
			m.pingSentAt = time.Time{}
		}
		m.mu.Unlock()

	case *protocol.Error:
		m.logger.Debug("relay rejected a request",
			zap.String("code", v.Code), zap.String("message", v.Message))
		if isRegisterRejection(v.Code) {
			m.registerRejected(l, v.Code)
		}
	}

	m.listeners.dispatch(msg)
}

// isRegisterRejection reports codes the relay only sends in answer to a
// register frame.
func isRegisterRejection(code string) bool {
	switch code {
	case protocol.CodeRoleViolation,
		protocol.CodeTeacherAlreadyBound,
		protocol.CodeSessionNotFound,
		protocol.CodeSessionRequired:
		return true
	}
	return false
}

// registerRejected reconciles local registration state with a register the
// relay refused. A replayed teacher registration is retried or reopened;
// anything else falls back to the last confirmed registration.
func (m *Manager) registerRejected(l *link, code string) {
	m.mu.Lock()
	if m.link != l || m.registration == nil {
		m.mu.Unlock()
		return
	}

	resuming := m.replaying && m.confirmed != nil && m.confirmed.Role == protocol.RoleTeacher
	switch {
	case resuming && code == protocol.CodeTeacherAlreadyBound:
		// The relay may still hold the previous, half-open socket.
		m.scheduleRegisterRetryLocked(l)
		m.mu.Unlock()
		return

	case resuming && code == protocol.CodeSessionNotFound && m.registration.SessionID != "":
		// The session ended while we were away; open a new one.
		m.registration.SessionID = ""
		data, err := protocol.Encode(m.registration)
		m.mu.Unlock()
		if err == nil {
			_ = m.write(l, data)
		}
		return
	}

	m.replaying = false
	m.cancelRegisterRetryLocked()
	if m.confirmed != nil {
		restored := *m.confirmed
		m.registration = &restored
		m.role = restored.Role
		m.languageCode = restored.LanguageCode
	} else {
		m.registration = nil
		m.role = ""
		m.languageCode = ""
	}
	m.logger.Info("registration refused, restored previous role",
		zap.String("code", code), zap.String("role", string(m.role)))
	m.mu.Unlock()
}

func (m *Manager) scheduleRegisterRetryLocked(l *link) {
	if m.registerTries >= m.cfg.MaxReconnectAttempts {
		m.logger.Error("giving up on resuming the session",
			zap.Int("attempts", m.registerTries))
		m.replaying = false
		return
	}

	m.registerTries++
	delay := m.cfg.Backoff(m.registerTries)
	m.cancelRegisterRetryLocked()
	gen := m.registerGen
	m.registerTimer = m.clock.AfterFunc(delay, func() { m.retryRegister(l, gen) })
	m.logger.Info("session still held by the previous connection, retrying",
		zap.Int("attempt", m.registerTries), zap.Duration("delay", delay))
}

func (m *Manager) retryRegister(l *link, gen uint64) {
	m.mu.Lock()
	if gen != m.registerGen || m.link != l || m.userClosed || m.registration == nil {
		m.mu.Unlock()
		return
	}
	m.registerTimer = nil
	data, err := protocol.Encode(m.registration)
	m.mu.Unlock()
	if err != nil {
		return
	}
	_ = m.write(l, data)
}

func (m *Manager) cancelRegisterRetryLocked() {
	m.registerGen++
	if m.registerTimer != nil {
		m.registerTimer.Stop()
		m.registerTimer = nil
	}
}

func (m *Manager) handleClosed(l *link, err error) {
	m.mu.Lock()
	if m.link != l {
		m.mu.Unlock()
		return
	}
	m.link = nil
	l.halt()
	m.cancelRegisterRetryLocked()
	if !l.opened {
		m.mu.Unlock()
		return
	}

	m.connectionID = ""
	m.pingSentAt = time.Time{}
	m.logger.Warn("connection to relay lost", zap.Error(err))
	m.scheduleReconnectLocked()
	m.unlockAndNotify()
}

// scheduleReconnectLocked arms the next attempt, or moves to StatusError
// once MaxReconnectAttempts consecutive attempts have been used.
func (m *Manager) scheduleReconnectLocked() {
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.logger.Error("giving up on relay", zap.Int("attempts", m.attempts))
		m.setStatusLocked(StatusError)
		return
	}

	m.attempts++
	delay := m.cfg.Backoff(m.attempts)
	m.reconnectGen++
	gen := m.reconnectGen
	m.reconnectTimer = m.clock.AfterFunc(delay, func() { m.reconnect(gen) })
	m.logger.Info("reconnect scheduled",
		zap.Int("attempt", m.attempts), zap.Duration("delay", delay))
	m.setStatusLocked(StatusDisconnected)
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.reconnectGen || m.userClosed {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.mu.Unlock()

	_, _, _ = m.connectGroup.Do("connect", func() (interface{}, error) {
		return nil, m.open(context.Background(), true)
	})
}

func (m *Manager) cancelReconnectLocked() {
	m.reconnectGen++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) keepalive(l *link) {
	for {
		select {
		case <-l.stop:
			return
		case <-l.ticker.C:
			if !m.ping(l) {
				return
			}
		}
	}
}

// ping sends a keepalive probe. An earlier probe left unanswered for
// PongTimeout closes the transport, which starts the reconnect path.
func (m *Manager) ping(l *link) bool {
	m.mu.Lock()
	if m.link != l {
		m.mu.Unlock()
		return false
	}
	now := m.clock.Now()
	if !m.pingSentAt.IsZero() {
		waited := now.Sub(m.pingSentAt)
		m.mu.Unlock()
		if waited >= m.cfg.PongTimeout {
			m.logger.Warn("pong timeout, closing transport", zap.Duration("waited", waited))
			_ = l.transport.Close()
			return false
		}
		return true
	}
	m.pingSentAt = now
	m.mu.Unlock()

	data, err := protocol.Encode(&protocol.Ping{Timestamp: now.UnixMilli()})
	if err != nil {
		m.logger.Error("failed to encode ping", zap.Error(err))
		return true
	}
	return m.write(l, data) == nil
}

func (m *Manager) write(l *link, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.writeLocked(l, data)
}

func (m *Manager) writeLocked(l *link, data []byte) error {
	if err := l.transport.WriteMessage(data); err != nil {
		m.logger.Warn("write failed, closing transport", zap.Error(err))
		_ = l.transport.Close()
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// send writes msg when connected, buffers it in the outbox while a
// previously open connection is being re-established, and fails otherwise.
func (m *Manager) send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.status == StatusConnected && m.link != nil {
		l := m.link
		m.mu.Unlock()
		return m.write(l, data)
	}
	if m.everConnected && !m.userClosed && m.status != StatusError {
		if m.outbox.Length() >= m.cfg.OutboxSize {
			m.outbox.Remove()
			m.logger.Debug("outbox full, dropped oldest frame")
		}
		m.outbox.Add(data)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return ErrNotConnected
}

// Register binds this client to a role and language. Once the teacher role
// has been taken, any other role is refused locally. The registration is
// replayed after every reconnect, and is sent on open if the client is not
// connected yet.
func (m *Manager) Register(role protocol.Role, languageCode string, opts ...RegisterOption) error {
	reg := &protocol.Register{Role: role, LanguageCode: languageCode}
	for _, opt := range opts {
		opt(reg)
	}
	if err := protocol.Validate(reg); err != nil {
		return fmt.Errorf("invalid registration: %w", err)
	}
	data, err := protocol.Encode(reg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.role == protocol.RoleTeacher && role != protocol.RoleTeacher {
		m.mu.Unlock()
		return ErrRoleLocked
	}
	m.role = role
	m.languageCode = languageCode
	m.registration = reg
	m.replaying = false
	m.cancelRegisterRetryLocked()
	if m.status != StatusConnected || m.link == nil {
		m.mu.Unlock()
		return nil
	}
	l := m.link
	m.mu.Unlock()

	return m.write(l, data)
}

// SendTranscription sends text for translation. It does nothing unless the
// client is registered as teacher.
func (m *Manager) SendTranscription(text string) error {
	return m.sendTranscription(text, false)
}

// SendFinalTranscription is SendTranscription for the last segment of an
// utterance.
func (m *Manager) SendFinalTranscription(text string) error {
	return m.sendTranscription(text, true)
}

func (m *Manager) sendTranscription(text string, final bool) error {
	if m.Role() != protocol.RoleTeacher {
		return nil
	}
	return m.send(&protocol.Transcription{Text: text, IsFinal: final})
}

// SendAudio relays a chunk of teacher audio. Like SendTranscription it is a
// no-op for students.
func (m *Manager) SendAudio(chunk AudioChunk) error {
	m.mu.Lock()
	role, sessionID := m.role, m.sessionID
	m.mu.Unlock()
	if role != protocol.RoleTeacher {
		return nil
	}
	return m.send(&protocol.Audio{
		SessionID:    sessionID,
		Data:         chunk.Data,
		IsFirstChunk: chunk.IsFirstChunk,
		IsFinalChunk: chunk.IsFinalChunk,
		Language:     chunk.Language,
	})
}

// Disconnect closes the transport without reconnecting, cancels keepalive
// and pending reconnects, and clears registration state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.userClosed = true
	m.cancelReconnectLocked()

	l := m.link
	m.link = nil
	if l != nil {
		l.halt()
	}

	m.attempts = 0
	m.connectionID = ""
	m.sessionID = ""
	m.role = ""
	m.languageCode = ""
	m.registration = nil
	m.confirmed = nil
	m.replaying = false
	m.registerTries = 0
	m.cancelRegisterRetryLocked()
	m.everConnected = false
	m.pingSentAt = time.Time{}
	m.outbox = queue.New()
	m.setStatusLocked(StatusDisconnected)
	m.unlockAndNotify()

	if l != nil {
		_ = l.transport.Close()
	}
}

// Subscribe registers handler for tag, or for every message with TagAny.
// The returned function removes that registration only.
func (m *Manager) Subscribe(tag protocol.Tag, handler Handler) func() {
	return m.listeners.subscribe(tag, handler)
}

func (m *Manager) OnTranslation(fn func(*protocol.Translation)) func() {
	return m.Subscribe(protocol.TagTranslation, func(msg protocol.Message) {
		if t, ok := msg.(*protocol.Translation); ok {
			fn(t)
		}
	})
}

func (m *Manager) OnAudio(fn func(*protocol.Audio)) func() {
	return m.Subscribe(protocol.TagAudio, func(msg protocol.Message) {
		if a, ok := msg.(*protocol.Audio); ok {
			fn(a)
		}
	})
}

func (m *Manager) OnError(fn func(*protocol.Error)) func() {
	return m.Subscribe(protocol.TagError, func(msg protocol.Message) {
		if e, ok := msg.(*protocol.Error); ok {
			fn(e)
		}
	})
}

func (m *Manager) OnConfirmed(fn func(*protocol.ConnectionConfirmed)) func() {
	return m.Subscribe(protocol.TagConnectionConfirmed, func(msg protocol.Message) {
		if c, ok := msg.(*protocol.ConnectionConfirmed); ok {
			fn(c)
		}
	})
}

// OnStatusChange calls fn after every status transition.
func (m *Manager) OnStatusChange(fn func(Status)) func() {
	m.mu.Lock()
	m.nextObserver++
	id := m.nextObserver
	m.observers = append(m.observers, statusObserver{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, o := range m.observers {
			if o.id == id {
				m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
				return
			}
		}
	}
}

func (m *Manager) setStatusLocked(s Status) {
	if m.status == s {
		return
	}
	m.status = s
	m.statusEvents = append(m.statusEvents, s)
}

func (m *Manager) takeStatusEventsLocked() func() {
	events := m.statusEvents
	m.statusEvents = nil
	if len(events) == 0 || len(m.observers) == 0 {
		return func() {}
	}
	observers := append([]statusObserver(nil), m.observers...)

	return func() {
		for _, s := range events {
			for _, o := range observers {
				m.notifyObserver(o.fn, s)
			}
		}
	}
}

func (m *Manager) notifyObserver(fn func(Status), s Status) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("status observer panicked", zap.Any("panic", r))
		}
	}()
	fn(s)
}

func (m *Manager) unlockAndNotify() {
	notify := m.takeStatusEventsLocked()
	m.mu.Unlock()
	notify()
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Attempts returns the number of consecutive reconnect attempts so far.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// ConnectionID is the server-assigned id of the current transport.
func (m *Manager) ConnectionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectionID
}

// SessionID is the classroom session confirmed by the relay.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

func (m *Manager) Role() protocol.Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

func (m *Manager) LanguageCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.languageCode
}
