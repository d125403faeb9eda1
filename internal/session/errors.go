package session

import (
	"errors"

	"classrelay/pkg/interfaces"
)

var (
	ErrRoleViolation       = errors.New("connection role cannot change after registration")
	ErrTeacherAlreadyBound = errors.New("session already has a connected teacher")
	ErrNotTeacher          = errors.New("connection is not the teacher of an active session")
	ErrSessionNotFound     = interfaces.ErrSessionNotFound
	ErrSessionRequired     = errors.New("several sessions are active, a session id is required")
	ErrRegistryClosed      = errors.New("session registry is closed")
)
