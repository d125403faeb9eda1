package types

import "errors"

var (
	ErrMissingSessionID = errors.New("session id cannot be empty")
	ErrMissingStartTime = errors.New("session start time must be set")
	ErrInvalidQuality   = errors.New("unknown session quality label")
	ErrNegativeStudents = errors.New("students count cannot be negative")
	ErrEndBeforeStart   = errors.New("session end time precedes start time")
)
