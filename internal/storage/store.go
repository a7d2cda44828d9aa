package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// ErrNotHolder is returned when a lease operation is attempted by a device
// that does not currently hold the lease.
var ErrNotHolder = errors.New("storage: device does not hold the lease")

// LeaseHeldError is returned when a lease acquisition is denied because a
// different device holds a live lease.
type LeaseHeldError struct {
	SubjectKey string
	HolderID   string
	ExpiresAt  time.Time
}

func (e *LeaseHeldError) Error() string {
	return fmt.Sprintf("lease for %q held by device %q until %s", e.SubjectKey, e.HolderID, e.ExpiresAt.Format(time.RFC3339))
}

// Store represents the root storage interface.
type Store interface {
	Close() error
	Sessions() SessionStore
	Leases() LeaseStore
	Migrations() MigrationStore
}

// SessionStore manages session records and daily totals.
//
// Upsert enforces the single-active invariant at write time: writing an
// active session closes any pre-existing active session for the same
// (subject, bucket) pair with a different ID before the write lands.
type SessionStore interface {
	Upsert(ctx context.Context, session Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	FindActive(ctx context.Context, subjectKey, bucketKey string) (*Session, error)
	ListByDay(ctx context.Context, bucketKey string) ([]Session, error)
	ListBySubject(ctx context.Context, subjectKey string) ([]Session, error)
	ListActive(ctx context.Context) ([]Session, error)
	ListSubjects(ctx context.Context) ([]string, error)

	IncrementDailyTotal(ctx context.Context, bucketKey, subjectKey string, seconds int64) error
	GetDailyTotal(ctx context.Context, bucketKey, subjectKey string) (*DailyTotal, error)
	ListDailyTotals(ctx context.Context, bucketKey string) ([]DailyTotal, error)
}

// LeaseStore manages device leases, one per subject key.
//
// Acquire grants the lease if it is free, expired, or already held by the
// same device; otherwise it returns a *LeaseHeldError. The previous holder,
// if any, is reported so the caller can finalize the orphaned session.
// Take grants unconditionally (explicit user takeover).
type LeaseStore interface {
	Acquire(ctx context.Context, subjectKey, deviceID string, now time.Time, ttl time.Duration) (lease *DeviceLease, prevHolder string, err error)
	Renew(ctx context.Context, subjectKey, deviceID string, now time.Time, ttl time.Duration) (*DeviceLease, error)
	Release(ctx context.Context, subjectKey, deviceID string) error
	Take(ctx context.Context, subjectKey, deviceID string, now time.Time, ttl time.Duration) (lease *DeviceLease, prevHolder string, err error)
	Get(ctx context.Context, subjectKey string) (*DeviceLease, error)
}

// MigrationStore is an append-only log of migration audit records.
type MigrationStore interface {
	Append(ctx context.Context, record MigrationRecord) error
	List(ctx context.Context, subjectKey string) ([]MigrationRecord, error)
}
