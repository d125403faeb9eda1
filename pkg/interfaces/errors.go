package interfaces

import "errors"

// ErrSessionNotFound is shared by the store and the live registry so callers
// can match either with one errors.Is.
var ErrSessionNotFound = errors.New("session not found")
