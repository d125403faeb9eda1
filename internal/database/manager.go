package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	dbconfig "classrelay/pkg/database"
	"classrelay/pkg/interfaces"
	"classrelay/pkg/types"
)

// Manager implements interfaces.SessionStore on sqlite. Reads run on the
// connection pool; every write goes through one writer goroutine.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       *zap.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database and starts the writer.
func NewManager(config *dbconfig.Config, logger *zap.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite pragmas: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger.Named("database"),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// DB exposes the handle for migrations.
func (m *Manager) DB() *sql.DB {
	return m.db
}

// writeLoop serializes writes. A failed write is retried exactly once.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil {
				m.logger.Warn("database write failed, retrying",
					zap.Duration("delay", m.config.WriteRetryDelay), zap.Error(err))
				select {
				case <-time.After(m.config.WriteRetryDelay):
					err = op.operation(m.db)
				case <-m.shutdown:
				}
				if err != nil {
					m.logger.Error("database write failed after retry", zap.Error(err))
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Debug("database write loop shutting down")
			return
		}
	}
}

func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(m.config.WriteTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// SaveSession upserts the full session record.
func (m *Manager) SaveSession(ctx context.Context, session *types.Session) error {
	if err := session.Validate(); err != nil {
		return fmt.Errorf("invalid session %s: %w", session.ID, err)
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		query := `
			INSERT INTO sessions (id, teacher_id, teacher_language, start_time, end_time,
				students_count, peak_students, total_translations, average_latency,
				is_active, quality, last_activity_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				teacher_id = excluded.teacher_id,
				teacher_language = excluded.teacher_language,
				end_time = excluded.end_time,
				students_count = excluded.students_count,
				peak_students = excluded.peak_students,
				total_translations = excluded.total_translations,
				average_latency = excluded.average_latency,
				is_active = excluded.is_active,
				quality = excluded.quality,
				last_activity_at = excluded.last_activity_at
		`
		_, err := db.ExecContext(ctx, query,
			session.ID,
			nullString(session.TeacherID),
			session.TeacherLanguage,
			session.StartTime.UTC(),
			nullTime(session.EndTime),
			session.StudentsCount,
			session.PeakStudents,
			session.TotalTranslations,
			nullFloat(session.AverageLatency),
			session.IsActive,
			string(session.Quality),
			session.LastActivityAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}
		return nil
	})
}

const sessionColumns = `id, teacher_id, teacher_language, start_time, end_time, students_count,
	peak_students, total_translations, average_latency, is_active, quality, last_activity_at`

// GetSession retrieves a session by ID
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)

	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return session, nil
}

// ListActiveSessions returns sessions still flagged active, newest first.
func (m *Manager) ListActiveSessions(ctx context.Context) ([]*types.Session, error) {
	return m.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE is_active = 1 ORDER BY start_time DESC`)
}

// ListSessions returns up to limit sessions, newest first.
func (m *Manager) ListSessions(ctx context.Context, limit int) ([]*types.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	return m.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY start_time DESC LIMIT ?`, limit)
}

func (m *Manager) querySessions(ctx context.Context, query string, args ...interface{}) ([]*types.Session, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*types.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var (
		session   types.Session
		teacherID sql.NullString
		endTime   sql.NullTime
		avg       sql.NullFloat64
		quality   string
	)
	err := row.Scan(
		&session.ID,
		&teacherID,
		&session.TeacherLanguage,
		&session.StartTime,
		&endTime,
		&session.StudentsCount,
		&session.PeakStudents,
		&session.TotalTranslations,
		&avg,
		&session.IsActive,
		&quality,
		&session.LastActivityAt,
	)
	if err != nil {
		return nil, err
	}

	session.TeacherID = teacherID.String
	session.Quality = types.Quality(quality)
	if endTime.Valid {
		end := endTime.Time
		session.EndTime = &end
	}
	if avg.Valid {
		v := avg.Float64
		session.AverageLatency = &v
	}
	return &session, nil
}

// AppendTranslation stores one delivered translation.
func (m *Manager) AppendTranslation(ctx context.Context, record *types.TranslationRecord) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO translations (id, session_id, original_text, translated_text,
				original_language, translated_language, latency_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			record.ID,
			record.SessionID,
			record.OriginalText,
			record.TranslatedText,
			record.OriginalLanguage,
			record.TranslatedLanguage,
			record.LatencyMillis,
			record.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert translation: %w", err)
		}
		return nil
	})
}

// ListTranslations returns a session's translations in delivery order.
func (m *Manager) ListTranslations(ctx context.Context, sessionID string) ([]*types.TranslationRecord, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, session_id, original_text, translated_text, original_language,
			translated_language, latency_ms, created_at
		FROM translations
		WHERE session_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query translations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*types.TranslationRecord
	for rows.Next() {
		var r types.TranslationRecord
		if err := rows.Scan(&r.ID, &r.SessionID, &r.OriginalText, &r.TranslatedText,
			&r.OriginalLanguage, &r.TranslatedLanguage, &r.LatencyMillis, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan translation row: %w", err)
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating translation rows: %w", err)
	}
	return records, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close stops the writer and closes the database. It is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.shutdown)
	m.mu.Unlock()

	m.wg.Wait()
	return m.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
