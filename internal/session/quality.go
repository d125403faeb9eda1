package session

import (
	"time"

	"classrelay/pkg/types"
)

// Classify labels a closed session. Sessions shorter than minDuration are
// too_short regardless of what happened in them; then the student count and
// translation count at close decide. Open sessions stay unknown.
func Classify(s *types.Session, minDuration time.Duration) types.Quality {
	if s == nil || s.EndTime == nil {
		return types.QualityUnknown
	}

	switch {
	case s.EndTime.Sub(s.StartTime) < minDuration:
		return types.QualityTooShort
	case s.StudentsCount == 0:
		return types.QualityNoStudents
	case s.TotalTranslations == 0:
		return types.QualityNoActivity
	default:
		return types.QualityReal
	}
}
