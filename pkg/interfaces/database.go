package interfaces

import (
	"context"

	"classrelay/pkg/types"
)

// SessionStore is the durable record of sessions and delivered translations.
type SessionStore interface {
	// SaveSession inserts or replaces the full session record.
	SaveSession(ctx context.Context, session *types.Session) error

	GetSession(ctx context.Context, sessionID string) (*types.Session, error)

	// ListActiveSessions returns sessions still flagged active, newest first.
	ListActiveSessions(ctx context.Context) ([]*types.Session, error)

	// ListSessions returns up to limit sessions, newest first.
	ListSessions(ctx context.Context, limit int) ([]*types.Session, error)

	AppendTranslation(ctx context.Context, record *types.TranslationRecord) error

	ListTranslations(ctx context.Context, sessionID string) ([]*types.TranslationRecord, error)

	HealthCheck(ctx context.Context) error

	Close() error
}
