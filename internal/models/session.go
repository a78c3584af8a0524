package models

import (
	"time"

	"gorm.io/gorm"
)

// StreamSession records one live interval of a streamer. A session opens when
// the monitor sees the streamer go live and closes when it goes offline. The
// upload task buckets recorded files into sessions by comparing the file
// timestamp against each session's window.
type StreamSession struct {
	BaseModel

	// StreamerName identifies the streamer this session belongs to.
	StreamerName string `gorm:"not null;size:255;index" json:"streamer_name"`

	// StartedAt is when the stream was detected live, already shifted back by
	// the configured start-time adjustment. Nil for end-only sessions created
	// when an offline transition arrives with no matching open session.
	StartedAt *Time `gorm:"index" json:"started_at,omitempty"`

	// EndedAt is when the stream was detected offline. Nil while the session
	// is open.
	EndedAt *Time `json:"ended_at,omitempty"`
}

// TableName returns the table name for StreamSession.
func (StreamSession) TableName() string {
	return "stream_sessions"
}

// IsOpen returns true while no offline transition has closed the session.
func (s *StreamSession) IsOpen() bool {
	return s.EndedAt == nil
}

// Close stamps the session end time. Closing an already closed session is an
// error so stale-cleanup and live transitions cannot clobber each other.
func (s *StreamSession) Close(at Time) error {
	if s.EndedAt != nil {
		return ErrSessionAlreadyClosed
	}
	if s.StartedAt != nil && at.Before(*s.StartedAt) {
		return ErrInvalidTimeRange
	}
	s.EndedAt = &at
	return nil
}

// WindowStart returns the inclusive lower bound for bucketing files into this
// session. Requires StartedAt to be set.
func (s *StreamSession) WindowStart(buffer time.Duration) Time {
	return s.StartedAt.Add(-buffer)
}

// WindowEnd returns the inclusive upper bound for bucketing files into this
// session. Open sessions extend to now.
func (s *StreamSession) WindowEnd(buffer time.Duration, now Time) Time {
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	return end.Add(buffer)
}

// Contains reports whether ts falls inside the session window, boundaries
// inclusive. End-only sessions never contain anything.
func (s *StreamSession) Contains(ts Time, buffer time.Duration, now Time) bool {
	if s.StartedAt == nil {
		return false
	}
	start := s.WindowStart(buffer)
	end := s.WindowEnd(buffer, now)
	return !ts.Before(start) && !ts.After(end)
}

// Validate performs basic validation on the session.
func (s *StreamSession) Validate() error {
	if s.StreamerName == "" {
		return ErrStreamerNameRequired
	}
	if s.StartedAt != nil && s.EndedAt != nil && s.EndedAt.Before(*s.StartedAt) {
		return ErrInvalidTimeRange
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the session and generates ULID.
func (s *StreamSession) BeforeCreate(tx *gorm.DB) error {
	if err := s.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return s.Validate()
}

// BeforeUpdate is a GORM hook that validates the session before update.
func (s *StreamSession) BeforeUpdate(tx *gorm.DB) error {
	return s.Validate()
}
