package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"classrelay/internal/config"
	"classrelay/internal/testutil"
	"classrelay/pkg/interfaces"
	"classrelay/pkg/protocol"
	"classrelay/pkg/types"
)

var _ interfaces.SessionRegistry = (*Manager)(nil)

func newTestManager(t *testing.T) (*Manager, *clock.Mock, *testutil.MemoryStore) {
	t.Helper()

	mock := clock.NewMock()
	store := testutil.NewMemoryStore()
	cfg := &config.SessionConfig{GraceWindow: 30 * time.Second, MinDuration: 2 * time.Minute}
	return NewManager(store, cfg, zap.NewNop(), WithClock(mock)), mock, store
}

func teacherReg(lang, teacherID string) *protocol.Register {
	return &protocol.Register{Role: protocol.RoleTeacher, LanguageCode: lang, TeacherID: teacherID}
}

func studentReg(lang, sessionID string) *protocol.Register {
	return &protocol.Register{Role: protocol.RoleStudent, LanguageCode: lang, SessionID: sessionID}
}

func mustRegister(t *testing.T, m *Manager, peer interfaces.Peer, req *protocol.Register) *types.Session {
	t.Helper()
	s, err := m.HandleRegister(context.Background(), peer, req)
	if err != nil {
		t.Fatalf("HandleRegister(%s) failed: %v", req.Role, err)
	}
	return s
}

func TestManager_TeacherCreatesSession(t *testing.T) {
	m, mock, store := newTestManager(t)
	teacher := testutil.NewFakePeer("t1")

	s := mustRegister(t, m, teacher, teacherReg("en-us", "teacher-1"))

	if s.ID == "" || !s.IsActive {
		t.Fatalf("unexpected session: %+v", s)
	}
	if s.TeacherLanguage != "en-US" {
		t.Errorf("language = %s, want normalized en-US", s.TeacherLanguage)
	}
	if !s.StartTime.Equal(mock.Now()) {
		t.Errorf("start time = %v, want %v", s.StartTime, mock.Now())
	}
	if teacher.Role() != protocol.RoleTeacher || teacher.SessionID() != s.ID {
		t.Errorf("teacher not bound: %s %s", teacher.Role(), teacher.SessionID())
	}
	if store.Saved(s.ID) == nil {
		t.Error("new session should be persisted")
	}
	if !m.TeacherConnected(s.ID) {
		t.Error("teacher should be connected")
	}
}

func TestManager_StudentJoinsSoleSession(t *testing.T) {
	m, _, _ := newTestManager(t)
	s := mustRegister(t, m, testutil.NewFakePeer("t1"), teacherReg("en-US", ""))

	student := testutil.NewFakePeer("s1")
	joined := mustRegister(t, m, student, studentReg("es-ES", ""))

	if joined.ID != s.ID {
		t.Errorf("joined %s, want %s", joined.ID, s.ID)
	}
	if joined.StudentsCount != 1 || joined.PeakStudents != 1 {
		t.Errorf("counts = %d/%d, want 1/1", joined.StudentsCount, joined.PeakStudents)
	}
	if student.SessionID() != s.ID || student.LanguageCode() != "es-ES" {
		t.Errorf("student binding = %s %s", student.SessionID(), student.LanguageCode())
	}
	if got := m.Students(s.ID); len(got) != 1 || got[0] != student {
		t.Errorf("Students = %v", got)
	}
}

func TestManager_StudentSessionResolution(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.HandleRegister(context.Background(), testutil.NewFakePeer("s0"), studentReg("es-ES", ""))
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("no sessions: expected ErrSessionNotFound, got %v", err)
	}

	a := mustRegister(t, m, testutil.NewFakePeer("t1"), teacherReg("en-US", ""))
	mustRegister(t, m, testutil.NewFakePeer("t2"), teacherReg("en-US", ""))

	_, err = m.HandleRegister(context.Background(), testutil.NewFakePeer("s1"), studentReg("es-ES", ""))
	if !errors.Is(err, ErrSessionRequired) {
		t.Errorf("two sessions: expected ErrSessionRequired, got %v", err)
	}

	_, err = m.HandleRegister(context.Background(), testutil.NewFakePeer("s2"), studentReg("es-ES", "missing"))
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown id: expected ErrSessionNotFound, got %v", err)
	}

	joined := mustRegister(t, m, testutil.NewFakePeer("s3"), studentReg("es-ES", a.ID))
	if joined.ID != a.ID {
		t.Errorf("joined %s, want %s", joined.ID, a.ID)
	}
}

func TestManager_RoleCannotChange(t *testing.T) {
	m, _, _ := newTestManager(t)
	mustRegister(t, m, testutil.NewFakePeer("t1"), teacherReg("en-US", ""))

	student := testutil.NewFakePeer("s1")
	mustRegister(t, m, student, studentReg("es-ES", ""))

	_, err := m.HandleRegister(context.Background(), student, teacherReg("en-US", ""))
	if !errors.Is(err, ErrRoleViolation) {
		t.Errorf("expected ErrRoleViolation, got %v", err)
	}
	if student.Role() != protocol.RoleStudent {
		t.Error("role should stay student")
	}
}

func TestManager_InvalidRegistration(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.HandleRegister(context.Background(), testutil.NewFakePeer("t1"), teacherReg("not a language!", ""))
	if !errors.Is(err, protocol.ErrInvalidLanguage) {
		t.Errorf("expected ErrInvalidLanguage, got %v", err)
	}
}

func TestManager_TeacherAlreadyBound(t *testing.T) {
	m, _, _ := newTestManager(t)
	s := mustRegister(t, m, testutil.NewFakePeer("t1"), teacherReg("en-US", "teacher-1"))

	_, err := m.HandleRegister(context.Background(), testutil.NewFakePeer("t2"), teacherReg("en-US", "teacher-1"))
	if !errors.Is(err, ErrTeacherAlreadyBound) {
		t.Errorf("same teacher id: expected ErrTeacherAlreadyBound, got %v", err)
	}

	req := teacherReg("en-US", "")
	req.SessionID = s.ID
	_, err = m.HandleRegister(context.Background(), testutil.NewFakePeer("t3"), req)
	if !errors.Is(err, ErrTeacherAlreadyBound) {
		t.Errorf("explicit session: expected ErrTeacherAlreadyBound, got %v", err)
	}
}

func TestManager_TeacherReRegisterChangesLanguage(t *testing.T) {
	m, _, _ := newTestManager(t)
	teacher := testutil.NewFakePeer("t1")
	s := mustRegister(t, m, teacher, teacherReg("en-US", ""))

	again := mustRegister(t, m, teacher, teacherReg("fr-FR", ""))
	if again.ID != s.ID {
		t.Errorf("re-registration moved the teacher to %s", again.ID)
	}
	if again.TeacherLanguage != "fr-FR" || teacher.LanguageCode() != "fr-FR" {
		t.Errorf("language = %s/%s, want fr-FR", again.TeacherLanguage, teacher.LanguageCode())
	}
	if n := len(m.ActiveSessions()); n != 1 {
		t.Errorf("active sessions = %d, want 1", n)
	}
}

func TestManager_TeacherResumesWithinGraceWindow(t *testing.T) {
	m, mock, _ := newTestManager(t)
	teacher := testutil.NewFakePeer("t1")
	s := mustRegister(t, m, teacher, teacherReg("en-US", "teacher-1"))

	for i := 0; i < 3; i++ {
		if err := m.RecordTranslation(s.ID, 100*time.Millisecond); err != nil {
			t.Fatalf("RecordTranslation failed: %v", err)
		}
	}

	m.HandleDisconnect(teacher)
	if m.TeacherConnected(s.ID) {
		t.Error("teacher should be gone")
	}
	mock.Add(10 * time.Second)

	if _, ok := m.Get(s.ID); !ok {
		t.Fatal("session should survive inside the grace window")
	}

	returning := testutil.NewFakePeer("t2")
	resumed := mustRegister(t, m, returning, teacherReg("en-US", "teacher-1"))

	if resumed.ID != s.ID {
		t.Errorf("resumed session %s, want %s", resumed.ID, s.ID)
	}
	if resumed.TotalTranslations != 3 {
		t.Errorf("total translations = %d, want 3", resumed.TotalTranslations)
	}
	if returning.SessionID() != s.ID {
		t.Error("returning teacher should be bound to the prior session")
	}

	mock.Add(time.Minute)
	if got, ok := m.Get(s.ID); !ok || !got.IsActive {
		t.Error("resumed session must not be closed by the stale timer")
	}
}

func TestManager_GraceExpiryFinalizesSession(t *testing.T) {
	m, mock, store := newTestManager(t)
	teacher := testutil.NewFakePeer("t1")
	s := mustRegister(t, m, teacher, teacherReg("en-US", "teacher-1"))

	student := testutil.NewFakePeer("s1")
	mustRegister(t, m, student, studentReg("es-ES", ""))
	if err := m.RecordTranslation(s.ID, 50*time.Millisecond); err != nil {
		t.Fatalf("RecordTranslation failed: %v", err)
	}

	mock.Add(3 * time.Minute)
	m.HandleDisconnect(teacher)
	mock.Add(29 * time.Second)
	if _, ok := m.Get(s.ID); !ok {
		t.Fatal("session closed before the grace window elapsed")
	}

	mock.Add(time.Second)

	if _, ok := m.Get(s.ID); ok {
		t.Fatal("session should be finalized after the grace window")
	}
	saved := store.Saved(s.ID)
	if saved == nil || saved.IsActive || saved.EndTime == nil {
		t.Fatalf("finalized session not persisted: %+v", saved)
	}
	if saved.Quality != types.QualityReal {
		t.Errorf("quality = %s, want real", saved.Quality)
	}

	errs := student.Errors()
	if len(errs) != 1 || errs[0].Code != protocol.CodeSessionEnded {
		t.Errorf("student notices = %+v", errs)
	}
	if student.SessionID() != "" {
		t.Error("student should be detached")
	}

	_, err := m.HandleRegister(context.Background(), testutil.NewFakePeer("t2"), teacherReg("en-US", "teacher-1"))
	if err != nil {
		t.Fatalf("new registration failed: %v", err)
	}
	if active := m.ActiveSessions(); len(active) != 1 || active[0].ID == s.ID {
		t.Error("teacher id should open a fresh session once the old one ended")
	}
}

func TestManager_ZeroGraceFinalizesImmediately(t *testing.T) {
	store := testutil.NewMemoryStore()
	m := NewManager(store, &config.SessionConfig{MinDuration: time.Minute}, zap.NewNop(), WithClock(clock.NewMock()))

	teacher := testutil.NewFakePeer("t1")
	s := mustRegister(t, m, teacher, teacherReg("en-US", ""))
	m.HandleDisconnect(teacher)

	if _, ok := m.Get(s.ID); ok {
		t.Error("session should end with the teacher when there is no grace window")
	}
	if saved := store.Saved(s.ID); saved == nil || saved.Quality != types.QualityTooShort {
		t.Errorf("saved = %+v, want too_short", saved)
	}
}

func TestManager_StudentCounting(t *testing.T) {
	m, _, _ := newTestManager(t)
	s := mustRegister(t, m, testutil.NewFakePeer("t1"), teacherReg("en-US", ""))

	a := testutil.NewFakePeer("s1")
	b := testutil.NewFakePeer("s2")
	mustRegister(t, m, a, studentReg("es-ES", ""))
	mustRegister(t, m, b, studentReg("fr-FR", ""))

	// Re-registering only changes the language.
	again := mustRegister(t, m, a, studentReg("de-DE", ""))
	if again.StudentsCount != 2 {
		t.Errorf("re-register counted twice: %d", again.StudentsCount)
	}
	if a.LanguageCode() != "de-DE" {
		t.Errorf("language = %s, want de-DE", a.LanguageCode())
	}

	m.HandleDisconnect(a)
	m.HandleDisconnect(a)

	got, _ := m.Get(s.ID)
	if got.StudentsCount != 1 || got.PeakStudents != 2 {
		t.Errorf("counts = %d/%d, want 1/2", got.StudentsCount, got.PeakStudents)
	}

	m.HandleDisconnect(b)
	got, _ = m.Get(s.ID)
	if got.StudentsCount != 0 {
		t.Errorf("students = %d, want 0", got.StudentsCount)
	}
}

func TestManager_StudentMovesBetweenSessions(t *testing.T) {
	m, _, _ := newTestManager(t)
	first := mustRegister(t, m, testutil.NewFakePeer("t1"), teacherReg("en-US", ""))
	second := mustRegister(t, m, testutil.NewFakePeer("t2"), teacherReg("en-US", ""))

	student := testutil.NewFakePeer("s1")
	mustRegister(t, m, student, studentReg("es-ES", first.ID))
	mustRegister(t, m, student, studentReg("es-ES", second.ID))

	a, _ := m.Get(first.ID)
	b, _ := m.Get(second.ID)
	if a.StudentsCount != 0 || b.StudentsCount != 1 {
		t.Errorf("counts = %d/%d, want 0/1", a.StudentsCount, b.StudentsCount)
	}
	if student.SessionID() != second.ID {
		t.Error("student should be bound to the second session")
	}
}

func TestManager_RecordTranslationAverage(t *testing.T) {
	m, _, _ := newTestManager(t)
	s := mustRegister(t, m, testutil.NewFakePeer("t1"), teacherReg("en-US", ""))

	if err := m.RecordTranslation("missing", time.Millisecond); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}

	for _, d := range []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond} {
		if err := m.RecordTranslation(s.ID, d); err != nil {
			t.Fatalf("RecordTranslation failed: %v", err)
		}
	}

	got, _ := m.Get(s.ID)
	if got.TotalTranslations != 3 {
		t.Errorf("total = %d, want 3", got.TotalTranslations)
	}
	if got.AverageLatency == nil || *got.AverageLatency != 200 {
		t.Errorf("average = %v, want 200", got.AverageLatency)
	}
}

func TestManager_TeacherSession(t *testing.T) {
	m, _, _ := newTestManager(t)
	teacher := testutil.NewFakePeer("t1")
	s := mustRegister(t, m, teacher, teacherReg("en-US", ""))

	student := testutil.NewFakePeer("s1")
	mustRegister(t, m, student, studentReg("es-ES", ""))

	got, err := m.TeacherSession(teacher)
	if err != nil || got.ID != s.ID {
		t.Errorf("TeacherSession = %v, %v", got, err)
	}
	if _, err := m.TeacherSession(student); !errors.Is(err, ErrNotTeacher) {
		t.Errorf("student: expected ErrNotTeacher, got %v", err)
	}
	if _, err := m.TeacherSession(testutil.NewFakePeer("x")); !errors.Is(err, ErrNotTeacher) {
		t.Errorf("unbound: expected ErrNotTeacher, got %v", err)
	}
}

func TestManager_EndSession(t *testing.T) {
	m, _, store := newTestManager(t)

	if _, err := m.EndSession(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}

	teacher := testutil.NewFakePeer("t1")
	s := mustRegister(t, m, teacher, teacherReg("en-US", ""))
	student := testutil.NewFakePeer("s1")
	mustRegister(t, m, student, studentReg("es-ES", ""))

	ended, err := m.EndSession(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	if ended.IsActive || ended.Quality != types.QualityTooShort {
		t.Errorf("ended = %+v", ended)
	}
	for _, p := range []*testutil.FakePeer{teacher, student} {
		if errs := p.Errors(); len(errs) != 1 || errs[0].Code != protocol.CodeSessionEnded {
			t.Errorf("%s notices = %+v", p.ID(), errs)
		}
	}
	if saved := store.Saved(s.ID); saved == nil || saved.IsActive {
		t.Error("ended session should be persisted inactive")
	}
}

func TestManager_EndSessionReportsStoreFailure(t *testing.T) {
	m, _, store := newTestManager(t)
	s := mustRegister(t, m, testutil.NewFakePeer("t1"), teacherReg("en-US", ""))

	store.FailSave = errors.New("disk full")
	ended, err := m.EndSession(context.Background(), s.ID)
	if err == nil {
		t.Fatal("expected the store failure to surface")
	}
	if ended == nil || ended.IsActive {
		t.Error("session should still end in memory")
	}
	if _, ok := m.Get(s.ID); ok {
		t.Error("session should no longer be active")
	}
}

func TestManager_LoadActiveSessions(t *testing.T) {
	m, _, store := newTestManager(t)

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	store.Put(&types.Session{
		ID:                "stale",
		TeacherLanguage:   "en-US",
		StartTime:         start,
		StudentsCount:     4,
		TotalTranslations: 12,
		IsActive:          true,
		Quality:           types.QualityUnknown,
		LastActivityAt:    start.Add(40 * time.Minute),
	})

	n, err := m.LoadActiveSessions(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("LoadActiveSessions = %d, %v", n, err)
	}

	saved := store.Saved("stale")
	if saved.IsActive || saved.EndTime == nil {
		t.Fatalf("stale session not closed: %+v", saved)
	}
	if !saved.EndTime.Equal(start.Add(40 * time.Minute)) {
		t.Errorf("end = %v, want last activity", saved.EndTime)
	}
	if saved.Quality != types.QualityReal {
		t.Errorf("quality = %s, want real", saved.Quality)
	}
	if len(m.ActiveSessions()) != 0 {
		t.Error("recovered sessions must not become live")
	}
}

func TestManager_LoadActiveSessionsStoreError(t *testing.T) {
	m, _, store := newTestManager(t)
	store.FailList = errors.New("locked")

	if _, err := m.LoadActiveSessions(context.Background()); err == nil {
		t.Error("expected list failure")
	}
}

func TestManager_CloseEndsEverything(t *testing.T) {
	m, _, store := newTestManager(t)
	teacher := testutil.NewFakePeer("t1")
	s := mustRegister(t, m, teacher, teacherReg("en-US", ""))
	m.HandleDisconnect(teacher)

	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if saved := store.Saved(s.ID); saved == nil || saved.IsActive {
		t.Error("pending session should be finalized on close")
	}

	_, err := m.HandleRegister(context.Background(), testutil.NewFakePeer("t2"), teacherReg("en-US", ""))
	if !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("expected ErrRegistryClosed, got %v", err)
	}
}

func TestManager_ConcurrentStudents(t *testing.T) {
	m, _, _ := newTestManager(t)
	s := mustRegister(t, m, testutil.NewFakePeer("t1"), teacherReg("en-US", ""))

	const students = 40
	peers := make([]*testutil.FakePeer, students)
	var wg sync.WaitGroup
	for i := range peers {
		peers[i] = testutil.NewFakePeer("s" + string(rune('A'+i)))
		wg.Add(1)
		go func(p *testutil.FakePeer) {
			defer wg.Done()
			if _, err := m.HandleRegister(context.Background(), p, studentReg("es-ES", s.ID)); err != nil {
				t.Errorf("HandleRegister failed: %v", err)
			}
		}(peers[i])
	}
	wg.Wait()

	got, _ := m.Get(s.ID)
	if got.StudentsCount != students || got.PeakStudents != students {
		t.Errorf("counts = %d/%d, want %d", got.StudentsCount, got.PeakStudents, students)
	}

	for _, p := range peers {
		wg.Add(1)
		go func(p *testutil.FakePeer) {
			defer wg.Done()
			m.HandleDisconnect(p)
		}(p)
	}
	wg.Wait()

	got, _ = m.Get(s.ID)
	if got.StudentsCount != 0 {
		t.Errorf("students = %d, want 0", got.StudentsCount)
	}
}

func TestManager_ConcurrentTeacherResume(t *testing.T) {
	m, _, _ := newTestManager(t)
	first := testutil.NewFakePeer("t0")
	s := mustRegister(t, m, first, teacherReg("en-US", "teacher-1"))
	m.HandleDisconnect(first)

	const rounds, contenders = 5, 16
	for round := 0; round < rounds; round++ {
		var (
			wg      sync.WaitGroup
			winners atomic.Int32
			bound   atomic.Int32
		)
		peers := make([]*testutil.FakePeer, contenders)
		for i := range peers {
			peers[i] = testutil.NewFakePeer(fmt.Sprintf("t%d-%d", round, i))
			wg.Add(1)
			go func(p *testutil.FakePeer) {
				defer wg.Done()
				got, err := m.HandleRegister(context.Background(), p, teacherReg("en-US", "teacher-1"))
				switch {
				case err == nil:
					winners.Add(1)
					if got.ID != s.ID {
						t.Errorf("round %d resumed %s, want %s", round, got.ID, s.ID)
					}
				case errors.Is(err, ErrTeacherAlreadyBound):
					bound.Add(1)
				default:
					t.Errorf("round %d: unexpected error %v", round, err)
				}
			}(peers[i])
		}
		wg.Wait()

		if winners.Load() != 1 || bound.Load() != contenders-1 {
			t.Fatalf("round %d: %d winners, %d refused", round, winners.Load(), bound.Load())
		}
		if n := len(m.ActiveSessions()); n != 1 {
			t.Fatalf("round %d: %d active sessions, want 1", round, n)
		}

		var winner *testutil.FakePeer
		for _, p := range peers {
			if p.Role() == protocol.RoleTeacher {
				if winner != nil {
					t.Fatalf("round %d: two peers bound as teacher", round)
				}
				winner = p
			}
		}
		if winner == nil || winner.SessionID() != s.ID {
			t.Fatalf("round %d: no peer bound to the session", round)
		}
		m.HandleDisconnect(winner)
	}
}

func TestManager_ConcurrentTeacherClaimBySessionID(t *testing.T) {
	const rounds, contenders = 5, 16
	for round := 0; round < rounds; round++ {
		m, _, _ := newTestManager(t)
		owner := testutil.NewFakePeer("owner")
		s := mustRegister(t, m, owner, teacherReg("en-US", ""))
		m.HandleDisconnect(owner)

		var (
			wg      sync.WaitGroup
			winners atomic.Int32
		)
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func(p *testutil.FakePeer) {
				defer wg.Done()
				req := teacherReg("en-US", "")
				req.SessionID = s.ID
				_, err := m.HandleRegister(context.Background(), p, req)
				switch {
				case err == nil:
					winners.Add(1)
				case !errors.Is(err, ErrTeacherAlreadyBound):
					t.Errorf("round %d: unexpected error %v", round, err)
				}
			}(testutil.NewFakePeer(fmt.Sprintf("c%d", i)))
		}
		wg.Wait()

		if winners.Load() != 1 {
			t.Fatalf("round %d: %d peers claimed the session, want 1", round, winners.Load())
		}
		if !m.TeacherConnected(s.ID) || len(m.ActiveSessions()) != 1 {
			t.Fatalf("round %d: session not held by exactly one teacher", round)
		}
	}
}

func TestManager_LiveCountersReachStore(t *testing.T) {
	m, mock, store := newTestManager(t)
	s := mustRegister(t, m, testutil.NewFakePeer("t1"), teacherReg("en-US", ""))

	mustRegister(t, m, testutil.NewFakePeer("s1"), studentReg("es-ES", s.ID))
	if saved := store.Saved(s.ID); saved.StudentsCount != 1 || saved.PeakStudents != 1 {
		t.Errorf("stored students = %d/%d after join, want 1/1", saved.StudentsCount, saved.PeakStudents)
	}

	mock.Add(3 * time.Minute)
	if err := m.RecordTranslation(s.ID, 80*time.Millisecond); err != nil {
		t.Fatalf("RecordTranslation failed: %v", err)
	}
	saved := store.Saved(s.ID)
	if saved.TotalTranslations != 1 || !saved.IsActive || !saved.LastActivityAt.Equal(mock.Now()) {
		t.Errorf("stored record after translation = %+v", saved)
	}

	// A fresh process over the same store recovers the session as it was.
	recovered := NewManager(store, &config.SessionConfig{GraceWindow: 30 * time.Second, MinDuration: 2 * time.Minute}, zap.NewNop(), WithClock(mock))
	if n, err := recovered.LoadActiveSessions(context.Background()); err != nil || n != 1 {
		t.Fatalf("LoadActiveSessions = %d, %v", n, err)
	}
	if q := store.Saved(s.ID).Quality; q != types.QualityReal {
		t.Errorf("recovered quality = %s, want real", q)
	}
}

func TestManager_CheckpointNeverReopensEndedSession(t *testing.T) {
	m, _, store := newTestManager(t)
	s := mustRegister(t, m, testutil.NewFakePeer("t1"), teacherReg("en-US", ""))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.RecordTranslation(s.ID, time.Millisecond)
		}()
	}
	if _, err := m.EndSession(context.Background(), s.ID); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	wg.Wait()

	if saved := store.Saved(s.ID); saved.IsActive || saved.EndTime == nil {
		t.Errorf("ended session stored as active: %+v", saved)
	}
}
