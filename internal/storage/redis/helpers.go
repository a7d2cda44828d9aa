package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/Ngocphuc1910/make10000hours-sub017/internal/storage"
)

// parseSession converts a Redis hash to a Session
func parseSession(data map[string]string) (*storage.Session, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	startedAt, err := time.Parse(time.RFC3339Nano, data["started_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}

	lastUpdated, err := time.Parse(time.RFC3339Nano, data["last_updated"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse last_updated: %w", err)
	}

	accumulatedSeconds, err := strconv.ParseInt(data["accumulated_seconds"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse accumulated_seconds: %w", err)
	}

	status := storage.SessionStatus(data["status"])
	switch status {
	case storage.StatusActive, storage.StatusCompleted:
	default:
		return nil, fmt.Errorf("invalid session status: %q", data["status"])
	}

	return &storage.Session{
		ID:                 data["id"],
		SubjectKey:         data["subject_key"],
		BucketKey:          data["bucket_key"],
		DeviceID:           data["device_id"],
		StartedAt:          startedAt,
		LastUpdated:        lastUpdated,
		AccumulatedSeconds: accumulatedSeconds,
		Status:             status,
	}, nil
}

// parseDailyTotal converts a Redis hash to a DailyTotal
func parseDailyTotal(data map[string]string) (*storage.DailyTotal, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	totalSeconds, err := strconv.ParseInt(data["total_seconds"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse total_seconds: %w", err)
	}

	return &storage.DailyTotal{
		BucketKey:    data["bucket_key"],
		SubjectKey:   data["subject_key"],
		TotalSeconds: totalSeconds,
	}, nil
}

// parseLease converts a Redis hash to a DeviceLease
func parseLease(data map[string]string) (*storage.DeviceLease, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	acquiredMS, err := strconv.ParseInt(data["acquired_at_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse acquired_at_ms: %w", err)
	}

	expiresMS, err := strconv.ParseInt(data["expires_at_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse expires_at_ms: %w", err)
	}

	return &storage.DeviceLease{
		SubjectKey: data["subject_key"],
		DeviceID:   data["device_id"],
		AcquiredAt: time.UnixMilli(acquiredMS),
		ExpiresAt:  time.UnixMilli(expiresMS),
	}, nil
}
