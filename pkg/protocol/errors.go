package protocol

import "errors"

// Decoding errors
var (
	ErrMalformed  = errors.New("malformed message")
	ErrUnknownTag = errors.New("unknown message type")
)

// Validation errors
var (
	ErrInvalidRole      = errors.New("role must be 'teacher' or 'student'")
	ErrInvalidLanguage  = errors.New("invalid BCP 47 language code")
	ErrInvalidTeacherID = errors.New("teacher id must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrEmptyText        = errors.New("transcription text cannot be empty")
	ErrTextTooLarge     = errors.New("transcription text exceeds 64KB limit")
	ErrAudioTooLarge    = errors.New("audio chunk exceeds 1MB limit")
)
