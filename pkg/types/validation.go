package types

// Valid reports whether q is a known quality label.
func (q Quality) Valid() bool {
	switch q {
	case QualityUnknown, QualityReal, QualityNoStudents, QualityNoActivity, QualityTooShort:
		return true
	default:
		return false
	}
}

// Validate ensures a session record can be persisted.
func (s *Session) Validate() error {
	if s.ID == "" {
		return ErrMissingSessionID
	}
	if s.StartTime.IsZero() {
		return ErrMissingStartTime
	}
	if !s.Quality.Valid() {
		return ErrInvalidQuality
	}
	if s.StudentsCount < 0 {
		return ErrNegativeStudents
	}
	if s.EndTime != nil && s.EndTime.Before(s.StartTime) {
		return ErrEndBeforeStart
	}
	return nil
}
