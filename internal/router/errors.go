package router

import "errors"

var (
	ErrNotTeacher        = errors.New("only the bound teacher of an active session may send this message")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)
