package interfaces

import (
	"context"

	"classrelay/pkg/protocol"
	"classrelay/pkg/types"
)

// SessionRegistry owns classroom sessions, role assignment and resumption.
type SessionRegistry interface {
	HandleRegister(ctx context.Context, peer Peer, req *protocol.Register) (*types.Session, error)

	HandleDisconnect(peer Peer)

	Get(sessionID string) (*types.Session, bool)

	ActiveSessions() []*types.Session

	EndSession(ctx context.Context, sessionID string) (*types.Session, error)
}
