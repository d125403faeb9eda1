package types

import (
	"testing"
	"time"
)

func TestSession_Validate(t *testing.T) {
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	before := start.Add(-time.Minute)

	tests := []struct {
		name    string
		session Session
		wantErr error
	}{
		{
			name:    "valid active session",
			session: Session{ID: "s1", StartTime: start, Quality: QualityUnknown, IsActive: true},
			wantErr: nil,
		},
		{
			name:    "missing id",
			session: Session{StartTime: start, Quality: QualityUnknown},
			wantErr: ErrMissingSessionID,
		},
		{
			name:    "missing start",
			session: Session{ID: "s1", Quality: QualityUnknown},
			wantErr: ErrMissingStartTime,
		},
		{
			name:    "bad quality",
			session: Session{ID: "s1", StartTime: start, Quality: "great"},
			wantErr: ErrInvalidQuality,
		},
		{
			name:    "negative students",
			session: Session{ID: "s1", StartTime: start, Quality: QualityReal, StudentsCount: -1},
			wantErr: ErrNegativeStudents,
		},
		{
			name:    "end before start",
			session: Session{ID: "s1", StartTime: start, EndTime: &before, Quality: QualityTooShort},
			wantErr: ErrEndBeforeStart,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.session.Validate(); err != tt.wantErr {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSession_CloneIsDeep(t *testing.T) {
	end := time.Now()
	avg := 12.5
	s := &Session{ID: "s1", EndTime: &end, AverageLatency: &avg}

	c := s.Clone()
	*c.AverageLatency = 99
	*c.EndTime = end.Add(time.Hour)

	if *s.AverageLatency != 12.5 {
		t.Error("clone shares AverageLatency with original")
	}
	if !s.EndTime.Equal(end) {
		t.Error("clone shares EndTime with original")
	}
	if (*Session)(nil).Clone() != nil {
		t.Error("nil clone should be nil")
	}
}

func TestSession_Duration(t *testing.T) {
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s := &Session{StartTime: start}
	if got := s.Duration(start.Add(90 * time.Second)); got != 90*time.Second {
		t.Errorf("open session duration = %v", got)
	}
	end := start.Add(time.Minute)
	s.EndTime = &end
	if got := s.Duration(start.Add(time.Hour)); got != time.Minute {
		t.Errorf("closed session duration = %v", got)
	}
}
