package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"classrelay/internal/config"
	"classrelay/pkg/interfaces"
	"classrelay/pkg/protocol"
	"classrelay/pkg/types"
)

// classroom is the live state behind one session record. teacher is nil
// while the session waits out its grace window.
type classroom struct {
	record     *types.Session
	teacher    interfaces.Peer
	students   map[string]interfaces.Peer
	closeTimer *clock.Timer
	closeGen   uint64
}

// Manager owns the classroom sessions. It binds teachers and students to
// sessions, resumes a session when its teacher comes back within the grace
// window, and finalizes sessions with a quality label.
type Manager struct {
	store       interfaces.SessionStore
	clock       clock.Clock
	grace       time.Duration
	minDuration time.Duration
	logger      *zap.Logger

	// persistMu orders store writes; it is never taken while mu is held.
	persistMu sync.Mutex

	mu        sync.Mutex
	sessions  map[string]*classroom
	byTeacher map[string]string // teacherID -> sessionID
	closed    bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// NewManager creates a session manager. store may be nil, in which case
// sessions live only in memory.
func NewManager(store interfaces.SessionStore, cfg *config.SessionConfig, logger *zap.Logger, opts ...Option) *Manager {
	if cfg == nil {
		cfg = config.DefaultConfig().Session
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		store:       store,
		clock:       clock.New(),
		grace:       cfg.GraceWindow,
		minDuration: cfg.MinDuration,
		logger:      logger.Named("session"),
		sessions:    make(map[string]*classroom),
		byTeacher:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoadActiveSessions finalizes sessions the store still flags active. Such
// records are left behind by a crash: their sockets are gone, so they end
// at their last recorded activity.
func (m *Manager) LoadActiveSessions(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}

	stale, err := m.store.ListActiveSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load active sessions: %w", err)
	}

	var errs error
	for _, s := range stale {
		end := s.LastActivityAt
		if end.Before(s.StartTime) {
			end = s.StartTime
		}
		s.EndTime = &end
		s.IsActive = false
		s.Quality = Classify(s, m.minDuration)
		errs = multierr.Append(errs, m.store.SaveSession(ctx, s))
	}

	m.logger.Info("recovered stale sessions", zap.Int("count", len(stale)))
	return len(stale), errs
}

// HandleRegister binds peer to a session according to the registration.
func (m *Manager) HandleRegister(ctx context.Context, peer interfaces.Peer, req *protocol.Register) (*types.Session, error) {
	if err := protocol.Validate(req); err != nil {
		return nil, err
	}
	lang, err := protocol.NormalizeLanguage(req.LanguageCode)
	if err != nil {
		return nil, err
	}
	if current := peer.Role(); current != "" && current != req.Role {
		return nil, ErrRoleViolation
	}

	if req.Role == protocol.RoleTeacher {
		return m.registerTeacher(ctx, peer, req, lang)
	}
	s, err := m.registerStudent(peer, req, lang)
	if err != nil {
		return nil, err
	}
	m.checkpoint(ctx, s.ID)
	return s, nil
}

func (m *Manager) registerTeacher(ctx context.Context, peer interfaces.Peer, req *protocol.Register, lang string) (*types.Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrRegistryClosed
	}

	now := m.clock.Now()

	// A bound teacher registering again only changes its language.
	if c := m.sessions[peer.SessionID()]; c != nil && c.teacher == peer {
		c.record.TeacherLanguage = lang
		c.record.LastActivityAt = now
		peer.Bind(protocol.RoleTeacher, lang, c.record.ID)
		snapshot := c.record.Clone()
		m.mu.Unlock()
		return snapshot, nil
	}

	var c *classroom
	switch {
	case req.SessionID != "":
		c = m.sessions[req.SessionID]
		if c == nil {
			m.mu.Unlock()
			return nil, ErrSessionNotFound
		}
		if c.record.TeacherID != "" && c.record.TeacherID != req.TeacherID {
			m.mu.Unlock()
			return nil, ErrTeacherAlreadyBound
		}
	case req.TeacherID != "":
		if sid, ok := m.byTeacher[req.TeacherID]; ok {
			c = m.sessions[sid]
		}
	}

	if c != nil {
		if c.teacher != nil {
			m.mu.Unlock()
			return nil, ErrTeacherAlreadyBound
		}
		m.stopTimerLocked(c)
		c.teacher = peer
		c.record.TeacherLanguage = lang
		c.record.LastActivityAt = now
		peer.Bind(protocol.RoleTeacher, lang, c.record.ID)
		snapshot := c.record.Clone()
		m.mu.Unlock()

		m.logger.Info("teacher resumed session",
			zap.String("session_id", snapshot.ID),
			zap.String("conn_id", peer.ID()),
			zap.Int("total_translations", snapshot.TotalTranslations))
		m.checkpoint(ctx, snapshot.ID)
		return snapshot, nil
	}

	record := &types.Session{
		ID:              uuid.NewString(),
		TeacherID:       req.TeacherID,
		TeacherLanguage: lang,
		StartTime:       now,
		IsActive:        true,
		Quality:         types.QualityUnknown,
		LastActivityAt:  now,
	}
	m.sessions[record.ID] = &classroom{
		record:   record,
		teacher:  peer,
		students: make(map[string]interfaces.Peer),
	}
	if record.TeacherID != "" {
		m.byTeacher[record.TeacherID] = record.ID
	}
	peer.Bind(protocol.RoleTeacher, lang, record.ID)
	snapshot := record.Clone()
	m.mu.Unlock()

	m.logger.Info("session created",
		zap.String("session_id", snapshot.ID),
		zap.String("conn_id", peer.ID()),
		zap.String("language", lang))
	m.checkpoint(ctx, snapshot.ID)
	return snapshot, nil
}

func (m *Manager) registerStudent(peer interfaces.Peer, req *protocol.Register, lang string) (*types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrRegistryClosed
	}

	c, err := m.resolveLocked(req.SessionID)
	if err != nil {
		return nil, err
	}

	if _, joined := c.students[peer.ID()]; !joined {
		if prev := m.sessions[peer.SessionID()]; prev != nil && prev != c {
			m.removeStudentLocked(prev, peer)
		}
		c.students[peer.ID()] = peer
		c.record.StudentsCount++
		if c.record.StudentsCount > c.record.PeakStudents {
			c.record.PeakStudents = c.record.StudentsCount
		}
		m.logger.Info("student joined",
			zap.String("session_id", c.record.ID),
			zap.String("conn_id", peer.ID()),
			zap.String("language", lang),
			zap.Int("students", c.record.StudentsCount))
	}

	c.record.LastActivityAt = m.clock.Now()
	peer.Bind(protocol.RoleStudent, lang, c.record.ID)
	return c.record.Clone(), nil
}

// resolveLocked picks the session a student joins. Without an explicit id
// the single active session is used.
func (m *Manager) resolveLocked(sessionID string) (*classroom, error) {
	if sessionID != "" {
		c := m.sessions[sessionID]
		if c == nil {
			return nil, ErrSessionNotFound
		}
		return c, nil
	}

	switch len(m.sessions) {
	case 0:
		return nil, ErrSessionNotFound
	case 1:
		for _, c := range m.sessions {
			return c, nil
		}
	}
	return nil, ErrSessionRequired
}

func (m *Manager) removeStudentLocked(c *classroom, peer interfaces.Peer) {
	if _, ok := c.students[peer.ID()]; !ok {
		return
	}
	delete(c.students, peer.ID())
	if c.record.StudentsCount > 0 {
		c.record.StudentsCount--
	}
}

// HandleDisconnect releases whatever peer was bound to. A departing teacher
// leaves the session pending closure for the grace window.
func (m *Manager) HandleDisconnect(peer interfaces.Peer) {
	m.mu.Lock()

	c := m.sessions[peer.SessionID()]
	if c == nil {
		m.mu.Unlock()
		return
	}

	if c.teacher != peer {
		m.removeStudentLocked(c, peer)
		sessionID := c.record.ID
		m.mu.Unlock()
		m.checkpoint(context.Background(), sessionID)
		return
	}

	c.teacher = nil
	sessionID := c.record.ID
	if m.grace <= 0 {
		snapshot, peers := m.finalizeLocked(c)
		m.mu.Unlock()
		m.notifyEnded(peers)
		m.persist(context.Background(), snapshot)
		return
	}

	m.stopTimerLocked(c)
	gen := c.closeGen
	c.closeTimer = m.clock.AfterFunc(m.grace, func() { m.expire(sessionID, gen) })
	m.mu.Unlock()

	m.logger.Info("teacher disconnected, session pending closure",
		zap.String("session_id", sessionID),
		zap.Duration("grace", m.grace))
}

func (m *Manager) stopTimerLocked(c *classroom) {
	c.closeGen++
	if c.closeTimer != nil {
		c.closeTimer.Stop()
		c.closeTimer = nil
	}
}

func (m *Manager) expire(sessionID string, gen uint64) {
	m.mu.Lock()
	c := m.sessions[sessionID]
	if c == nil || c.closeGen != gen || c.teacher != nil {
		m.mu.Unlock()
		return
	}
	snapshot, peers := m.finalizeLocked(c)
	m.mu.Unlock()

	m.logger.Info("grace window elapsed", zap.String("session_id", sessionID))
	m.notifyEnded(peers)
	m.persist(context.Background(), snapshot)
}

// finalizeLocked closes the session and detaches everyone bound to it. The
// returned peers are notified by the caller once the lock is released.
func (m *Manager) finalizeLocked(c *classroom) (*types.Session, []interfaces.Peer) {
	m.stopTimerLocked(c)

	end := m.clock.Now()
	c.record.EndTime = &end
	c.record.IsActive = false
	c.record.Quality = Classify(c.record, m.minDuration)

	delete(m.sessions, c.record.ID)
	if id := c.record.TeacherID; id != "" && m.byTeacher[id] == c.record.ID {
		delete(m.byTeacher, id)
	}

	peers := make([]interfaces.Peer, 0, len(c.students)+1)
	if c.teacher != nil {
		peers = append(peers, c.teacher)
	}
	for _, p := range c.students {
		peers = append(peers, p)
	}
	for _, p := range peers {
		p.Detach()
	}

	m.logger.Info("session finalized",
		zap.String("session_id", c.record.ID),
		zap.String("quality", string(c.record.Quality)),
		zap.Int("students", c.record.StudentsCount),
		zap.Int("peak_students", c.record.PeakStudents),
		zap.Int("translations", c.record.TotalTranslations),
		zap.Duration("duration", c.record.Duration(end)))

	return c.record.Clone(), peers
}

func (m *Manager) notifyEnded(peers []interfaces.Peer) {
	for _, p := range peers {
		if err := p.Send(protocol.NewError(protocol.CodeSessionEnded, "session has ended")); err != nil {
			m.logger.Debug("session end notice not delivered",
				zap.String("conn_id", p.ID()), zap.Error(err))
		}
	}
}

func (m *Manager) persist(ctx context.Context, s *types.Session) error {
	if m.store == nil {
		return nil
	}
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	if err := m.store.SaveSession(ctx, s); err != nil {
		m.logger.Error("failed to persist session",
			zap.String("session_id", s.ID), zap.Error(err))
		return err
	}
	return nil
}

// checkpoint saves the current counters of a live session so that crash
// recovery classifies it from recent figures. The snapshot is taken under
// persistMu, so it cannot overwrite the closing record of a session
// finalized meanwhile; a session already gone is skipped.
func (m *Manager) checkpoint(ctx context.Context, sessionID string) {
	if m.store == nil {
		return
	}
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	c := m.sessions[sessionID]
	if c == nil {
		m.mu.Unlock()
		return
	}
	snapshot := c.record.Clone()
	m.mu.Unlock()

	if err := m.store.SaveSession(ctx, snapshot); err != nil {
		m.logger.Warn("failed to checkpoint session",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// EndSession finalizes an active session immediately.
func (m *Manager) EndSession(ctx context.Context, sessionID string) (*types.Session, error) {
	m.mu.Lock()
	c := m.sessions[sessionID]
	if c == nil {
		m.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	snapshot, peers := m.finalizeLocked(c)
	m.mu.Unlock()

	m.notifyEnded(peers)
	if err := m.persist(ctx, snapshot); err != nil {
		return snapshot, fmt.Errorf("session ended but not persisted: %w", err)
	}
	return snapshot, nil
}

// RecordTranslation counts one delivered translation and folds its latency
// into the running mean.
func (m *Manager) RecordTranslation(sessionID string, latency time.Duration) error {
	m.mu.Lock()
	c := m.sessions[sessionID]
	if c == nil {
		m.mu.Unlock()
		return ErrSessionNotFound
	}

	ms := float64(latency) / float64(time.Millisecond)
	r := c.record
	if r.AverageLatency == nil {
		r.AverageLatency = &ms
	} else {
		avg := *r.AverageLatency + (ms-*r.AverageLatency)/float64(r.TotalTranslations+1)
		r.AverageLatency = &avg
	}
	r.TotalTranslations++
	r.LastActivityAt = m.clock.Now()
	m.mu.Unlock()

	m.checkpoint(context.Background(), sessionID)
	return nil
}

// Touch marks activity on a session without counting a translation.
func (m *Manager) Touch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.sessions[sessionID]; c != nil {
		c.record.LastActivityAt = m.clock.Now()
	}
}

// TeacherSession returns the session peer currently teaches.
func (m *Manager) TeacherSession(peer interfaces.Peer) (*types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.sessions[peer.SessionID()]
	if c == nil || c.teacher != peer {
		return nil, ErrNotTeacher
	}
	return c.record.Clone(), nil
}

// Students returns the students currently bound to a session.
func (m *Manager) Students(sessionID string) []interfaces.Peer {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.sessions[sessionID]
	if c == nil {
		return nil
	}
	peers := make([]interfaces.Peer, 0, len(c.students))
	for _, p := range c.students {
		peers = append(peers, p)
	}
	return peers
}

// TeacherConnected reports whether the session has a live teacher.
func (m *Manager) TeacherConnected(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.sessions[sessionID]
	return c != nil && c.teacher != nil
}

// Get returns a snapshot of an active session.
func (m *Manager) Get(sessionID string) (*types.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.sessions[sessionID]
	if c == nil {
		return nil, false
	}
	return c.record.Clone(), true
}

// ActiveSessions returns snapshots of all active sessions, oldest first.
func (m *Manager) ActiveSessions() []*types.Session {
	m.mu.Lock()
	out := make([]*types.Session, 0, len(m.sessions))
	for _, c := range m.sessions {
		out = append(out, c.record.Clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Close finalizes every session and refuses further registrations.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	type ended struct {
		snapshot *types.Session
		peers    []interfaces.Peer
	}
	var all []ended
	for _, c := range m.sessions {
		snapshot, peers := m.finalizeLocked(c)
		all = append(all, ended{snapshot, peers})
	}
	m.mu.Unlock()

	var errs error
	for _, e := range all {
		m.notifyEnded(e.peers)
		errs = multierr.Append(errs, m.persist(ctx, e.snapshot))
	}
	return errs
}
