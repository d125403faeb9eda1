package protocol

import (
	"encoding/json"
	"fmt"
)

// Encode stamps the message tag into its envelope and marshals it.
func Encode(m Message) ([]byte, error) {
	m.envelope().Type = m.Tag()
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Tag(), err)
	}
	return data, nil
}

// Decode parses a single frame into its concrete variant and validates it.
// Errors wrap ErrMalformed, ErrUnknownTag or a validation error.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	m := newMessage(env.Type)
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTag, env.Type)
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	if err := Validate(m); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", env.Type, err)
	}
	return m, nil
}

func newMessage(tag Tag) Message {
	switch tag {
	case TagRegister:
		return &Register{}
	case TagConnection:
		return &Connection{}
	case TagConnectionConfirmed:
		return &ConnectionConfirmed{}
	case TagTranscription:
		return &Transcription{}
	case TagTranslation:
		return &Translation{}
	case TagAudio:
		return &Audio{}
	case TagPing:
		return &Ping{}
	case TagPong:
		return &Pong{}
	case TagError:
		return &Error{}
	default:
		return nil
	}
}

// KnownTag reports whether tag names a message variant.
func KnownTag(tag Tag) bool {
	return newMessage(tag) != nil
}
