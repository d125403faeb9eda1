// Package protocol defines the tagged messages exchanged between classroom
// clients and the relay server. Every frame is a JSON object whose "type"
// field selects exactly one variant; unknown tags are rejected.
package protocol

// Tag identifies a message variant on the wire.
type Tag string

const (
	TagRegister            Tag = "register"
	TagConnection          Tag = "connection"
	TagConnectionConfirmed Tag = "connection_confirmed"
	TagTranscription       Tag = "transcription"
	TagTranslation         Tag = "translation"
	TagAudio               Tag = "audio"
	TagPing                Tag = "ping"
	TagPong                Tag = "pong"
	TagError               Tag = "error"
)

// Role is the part a connection plays in a classroom session.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleTeacher || r == RoleStudent
}

// Error codes carried by Error messages.
const (
	CodeProtocolError       = "protocol_error"
	CodeRoleViolation       = "role_violation"
	CodeTeacherAlreadyBound = "teacher_already_bound"
	CodeNotTeacher          = "not_teacher"
	CodeSessionNotFound     = "session_not_found"
	CodeSessionRequired     = "session_required"
	CodeSessionEnded        = "session_ended"
	CodeRateLimited         = "rate_limited"
	CodeInternal            = "internal_error"
)

// Message is implemented by every wire variant.
type Message interface {
	Tag() Tag
	envelope() *Envelope
}

// Envelope carries the discriminator shared by all variants.
type Envelope struct {
	Type Tag `json:"type"`
}

func (e *Envelope) envelope() *Envelope { return e }

// Register asks the server to bind the connection to a role and language.
// TeacherID lets a reconnecting teacher resume its previous session.
// SessionID selects the classroom a student joins.
type Register struct {
	Envelope
	Role         Role   `json:"role"`
	LanguageCode string `json:"languageCode"`
	TeacherID    string `json:"teacherId,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
}

func (*Register) Tag() Tag { return TagRegister }

// Connection is the first frame the server sends on a new socket. SessionID
// is the server-assigned identifier of the connection itself.
type Connection struct {
	Envelope
	SessionID string `json:"sessionId"`
}

func (*Connection) Tag() Tag { return TagConnection }

// ConnectionConfirmed acknowledges a registration and carries the
// authoritative role, language and classroom session id.
type ConnectionConfirmed struct {
	Envelope
	SessionID    string `json:"sessionId"`
	Role         Role   `json:"role"`
	LanguageCode string `json:"languageCode"`
}

func (*ConnectionConfirmed) Tag() Tag { return TagConnectionConfirmed }

// Transcription is a piece of teacher speech already converted to text.
type Transcription struct {
	Envelope
	Text    string `json:"text"`
	IsFinal bool   `json:"isFinal,omitempty"`
}

func (*Transcription) Tag() Tag { return TagTranscription }

// Translation is delivered to students whose language equals
// TranslatedLanguage. Timestamp is unix milliseconds, Latency is the
// translation round trip in milliseconds.
type Translation struct {
	Envelope
	Text               string `json:"text"`
	OriginalLanguage   string `json:"originalLanguage"`
	TranslatedLanguage string `json:"translatedLanguage"`
	SessionID          string `json:"sessionId"`
	Timestamp          int64  `json:"timestamp"`
	Latency            int64  `json:"latency"`
}

func (*Translation) Tag() Tag { return TagTranslation }

// Audio is one chunk of a relayed audio stream. Data is base64 on the wire.
type Audio struct {
	Envelope
	SessionID    string `json:"sessionId"`
	Data         []byte `json:"data"`
	IsFirstChunk bool   `json:"isFirstChunk"`
	IsFinalChunk bool   `json:"isFinalChunk"`
	Language     string `json:"language,omitempty"`
}

func (*Audio) Tag() Tag { return TagAudio }

// Ping is the client keepalive probe.
type Ping struct {
	Envelope
	Timestamp int64 `json:"timestamp"`
}

func (*Ping) Tag() Tag { return TagPing }

// Pong echoes the timestamp of the Ping it answers.
type Pong struct {
	Envelope
	Timestamp int64 `json:"timestamp"`
}

func (*Pong) Tag() Tag { return TagPong }

// Error reports a rejected request. The connection stays open.
type Error struct {
	Envelope
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (*Error) Tag() Tag { return TagError }

// NewError builds an Error message.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}
