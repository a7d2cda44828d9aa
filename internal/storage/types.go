package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SessionStatus represents the lifecycle state of a tracked session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
)

// UnmarshalJSON implements json.Unmarshaler to normalize the status to lowercase.
func (s *SessionStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	normalized := SessionStatus(strings.ToLower(raw))

	switch normalized {
	case StatusActive, StatusCompleted:
		*s = normalized
		return nil
	default:
		return fmt.Errorf("invalid session status: %s (must be active or completed)", raw)
	}
}

// MarshalJSON implements json.Marshaler to ensure lowercase output.
func (s SessionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// Session is one contiguous span of tracked activity for a subject,
// filed under a single day bucket.
type Session struct {
	ID                 string        `json:"id"`
	SubjectKey         string        `json:"subject_key"`
	BucketKey          string        `json:"bucket_key"`
	DeviceID           string        `json:"device_id"`
	StartedAt          time.Time     `json:"started_at"`
	LastUpdated        time.Time     `json:"last_updated"`
	AccumulatedSeconds int64         `json:"accumulated_seconds"`
	Status             SessionStatus `json:"status"`
}

// IsActive reports whether the session is still accumulating time.
func (s *Session) IsActive() bool {
	return s.Status == StatusActive
}

// DailyTotal aggregates completed time per day bucket and subject.
type DailyTotal struct {
	BucketKey    string `json:"bucket_key"`
	SubjectKey   string `json:"subject_key"`
	TotalSeconds int64  `json:"total_seconds"`
}

// DeviceLease is an ephemeral ownership claim over a subject's active session.
// Only the lease holder may advance or stop that session.
type DeviceLease struct {
	SubjectKey string    `json:"subject_key"`
	DeviceID   string    `json:"device_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// IsExpired checks if the lease has expired at the given instant.
func (l *DeviceLease) IsExpired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// MigrationOutcome classifies the result of one migration entry.
type MigrationOutcome string

const (
	MigrationSuccess MigrationOutcome = "success"
	MigrationSkipped MigrationOutcome = "skipped"
	MigrationFailed  MigrationOutcome = "failed"
	MigrationPlanned MigrationOutcome = "planned"
)

// MigrationRecord is an immutable audit entry for one session re-keyed
// between date schemes.
type MigrationRecord struct {
	ID              string           `json:"id"`
	SessionID       string           `json:"session_id"`
	SubjectKey      string           `json:"subject_key"`
	FromScheme      string           `json:"from_scheme"`
	ToScheme        string           `json:"to_scheme"`
	SourceBucket    string           `json:"source_bucket"`
	TargetBucket    string           `json:"target_bucket"`
	OriginalSeconds int64            `json:"original_seconds"`
	MigratedSeconds int64            `json:"migrated_seconds"`
	Outcome         MigrationOutcome `json:"outcome"`
	Note            string           `json:"note,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
}
