package interfaces

import "classrelay/pkg/protocol"

// Peer is one live client connection as seen by the session registry and the
// relay router. Implementations must make Send safe for concurrent use and
// must never block the caller on a slow socket.
type Peer interface {
	// ID is the server-assigned connection id sent in the connection message.
	ID() string

	// Role is empty until the first successful registration.
	Role() protocol.Role

	// LanguageCode is read at delivery time, never cached by callers.
	LanguageCode() string

	// SessionID is the classroom the peer is bound to, empty when unbound.
	SessionID() string

	// Bind records a successful registration.
	Bind(role protocol.Role, languageCode, sessionID string)

	// Detach clears the session binding but keeps the role.
	Detach()

	// Send enqueues a message for delivery.
	Send(msg protocol.Message) error

	Close() error
}
