package hub

import (
	"errors"

	"classrelay/internal/router"
	"classrelay/internal/session"
	"classrelay/pkg/protocol"
)

var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
)

// errorCode maps a rejected request to the code sent in the error frame.
func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrRoleViolation):
		return protocol.CodeRoleViolation
	case errors.Is(err, session.ErrTeacherAlreadyBound):
		return protocol.CodeTeacherAlreadyBound
	case errors.Is(err, session.ErrNotTeacher), errors.Is(err, router.ErrNotTeacher):
		return protocol.CodeNotTeacher
	case errors.Is(err, session.ErrSessionNotFound):
		return protocol.CodeSessionNotFound
	case errors.Is(err, session.ErrSessionRequired):
		return protocol.CodeSessionRequired
	case errors.Is(err, router.ErrRateLimitExceeded):
		return protocol.CodeRateLimited
	case errors.Is(err, protocol.ErrInvalidRole),
		errors.Is(err, protocol.ErrInvalidLanguage),
		errors.Is(err, protocol.ErrInvalidTeacherID),
		errors.Is(err, protocol.ErrEmptyText),
		errors.Is(err, protocol.ErrTextTooLarge),
		errors.Is(err, protocol.ErrAudioTooLarge),
		errors.Is(err, protocol.ErrUnknownTag),
		errors.Is(err, protocol.ErrMalformed):
		return protocol.CodeProtocolError
	default:
		return protocol.CodeInternal
	}
}
