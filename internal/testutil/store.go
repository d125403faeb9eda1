package testutil

import (
	"context"
	"sort"
	"sync"

	"classrelay/pkg/interfaces"
	"classrelay/pkg/types"
)

// MemoryStore is an interfaces.SessionStore kept in maps. Fail* fields make
// the matching operation return that error.
type MemoryStore struct {
	mu           sync.Mutex
	sessions     map[string]*types.Session
	translations map[string][]*types.TranslationRecord
	saves        int

	FailSave   error
	FailList   error
	FailAppend error
	FailHealth error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:     make(map[string]*types.Session),
		translations: make(map[string][]*types.TranslationRecord),
	}
}

func (s *MemoryStore) SaveSession(ctx context.Context, session *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSave != nil {
		return s.FailSave
	}
	s.sessions[session.ID] = session.Clone()
	s.saves++
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, interfaces.ErrSessionNotFound
	}
	return session.Clone(), nil
}

func (s *MemoryStore) ListActiveSessions(ctx context.Context) ([]*types.Session, error) {
	all, err := s.ListSessions(ctx, 0)
	if err != nil {
		return nil, err
	}
	var active []*types.Session
	for _, session := range all {
		if session.IsActive {
			active = append(active, session)
		}
	}
	return active, nil
}

func (s *MemoryStore) ListSessions(ctx context.Context, limit int) ([]*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailList != nil {
		return nil, s.FailList
	}

	out := make([]*types.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendTranslation(ctx context.Context, record *types.TranslationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailAppend != nil {
		return s.FailAppend
	}
	cp := *record
	s.translations[record.SessionID] = append(s.translations[record.SessionID], &cp)
	return nil
}

func (s *MemoryStore) ListTranslations(ctx context.Context, sessionID string) ([]*types.TranslationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.TranslationRecord(nil), s.translations[sessionID]...), nil
}

func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FailHealth
}

func (s *MemoryStore) Close() error { return nil }

// Put stores a session directly, bypassing FailSave.
func (s *MemoryStore) Put(session *types.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session.Clone()
}

// Saved returns the last stored version of a session, or nil.
func (s *MemoryStore) Saved(sessionID string) *types.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sessionID].Clone()
}

// SaveCount is the number of successful SaveSession calls.
func (s *MemoryStore) SaveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
