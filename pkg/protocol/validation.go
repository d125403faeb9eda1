package protocol

import (
	"fmt"
	"regexp"

	"golang.org/x/text/language"
)

const (
	maxTextBytes  = 64 * 1024
	maxAudioBytes = 1024 * 1024
)

var teacherIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Validate checks the fields a receiver relies on. Server-originated
// variants carry no constraints beyond their shape.
func Validate(m Message) error {
	switch v := m.(type) {
	case *Register:
		if !v.Role.Valid() {
			return ErrInvalidRole
		}
		if _, err := NormalizeLanguage(v.LanguageCode); err != nil {
			return err
		}
		if v.TeacherID != "" && !IsValidTeacherID(v.TeacherID) {
			return ErrInvalidTeacherID
		}
	case *Transcription:
		if v.Text == "" {
			return ErrEmptyText
		}
		if len(v.Text) > maxTextBytes {
			return ErrTextTooLarge
		}
	case *Audio:
		if len(v.Data) > maxAudioBytes {
			return ErrAudioTooLarge
		}
		if v.Language != "" {
			if _, err := NormalizeLanguage(v.Language); err != nil {
				return err
			}
		}
	}
	return nil
}

// NormalizeLanguage parses a BCP 47 code and returns its canonical form,
// so "es-es" and "es_ES" both become "es-ES".
func NormalizeLanguage(code string) (string, error) {
	if code == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidLanguage)
	}
	tag, err := language.Parse(code)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidLanguage, code)
	}
	return tag.String(), nil
}

// IsValidTeacherID checks the format of a client-supplied teacher identity.
func IsValidTeacherID(id string) bool {
	return teacherIDRegex.MatchString(id)
}
