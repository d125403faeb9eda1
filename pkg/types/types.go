package types

import (
	"time"
)

// Quality is the post-hoc label assigned to a finished session.
type Quality string

const (
	QualityUnknown    Quality = "unknown"
	QualityReal       Quality = "real"
	QualityNoStudents Quality = "no_students"
	QualityNoActivity Quality = "no_activity"
	QualityTooShort   Quality = "too_short"
)

// Session is one teacher-led classroom. It is created when a teacher
// registers without a resumable session and finalized once the teacher is
// gone for longer than the grace window.
type Session struct {
	ID              string     `json:"sessionId"`
	TeacherID       string     `json:"teacherId,omitempty"`
	TeacherLanguage string     `json:"teacherLanguage"`
	StartTime       time.Time  `json:"startTime"`
	EndTime         *time.Time `json:"endTime,omitempty"`
	StudentsCount   int        `json:"studentsCount"`
	PeakStudents    int        `json:"peakStudents"`
	// TotalTranslations counts successful per-language translations.
	TotalTranslations int `json:"totalTranslations"`
	// AverageLatency is the running mean translation latency in milliseconds.
	AverageLatency *float64  `json:"averageLatency,omitempty"`
	IsActive       bool      `json:"isActive"`
	Quality        Quality   `json:"quality"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// Clone returns a deep copy safe to hand out of a locked registry.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.EndTime != nil {
		end := *s.EndTime
		c.EndTime = &end
	}
	if s.AverageLatency != nil {
		avg := *s.AverageLatency
		c.AverageLatency = &avg
	}
	return &c
}

// Duration is the elapsed time between start and end. Open sessions report
// the time elapsed until now.
func (s *Session) Duration(now time.Time) time.Duration {
	if s.EndTime != nil {
		return s.EndTime.Sub(s.StartTime)
	}
	return now.Sub(s.StartTime)
}

// TranslationRecord is one delivered translation, kept for session history.
type TranslationRecord struct {
	ID                 string    `json:"id"`
	SessionID          string    `json:"sessionId"`
	OriginalText       string    `json:"originalText"`
	TranslatedText     string    `json:"translatedText"`
	OriginalLanguage   string    `json:"originalLanguage"`
	TranslatedLanguage string    `json:"translatedLanguage"`
	LatencyMillis      int64     `json:"latency"`
	CreatedAt          time.Time `json:"createdAt"`
}
