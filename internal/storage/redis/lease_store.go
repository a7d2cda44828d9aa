package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Ngocphuc1910/make10000hours-sub017/internal/storage"
)

type leaseStore struct {
	client *redis.Client
}

func leaseKey(subjectKey string) string {
	return fmt.Sprintf("%slease:%s", keyPrefix, subjectKey)
}

// Acquire grants the lease when it is free, expired, or held by this device.
// A different live holder yields *storage.LeaseHeldError. The displaced
// holder, if any, is returned so the caller can finalize its orphaned session.
func (s *leaseStore) Acquire(ctx context.Context, subjectKey, deviceID string, now time.Time, ttl time.Duration) (*storage.DeviceLease, string, error) {
	script := redis.NewScript(acquireLeaseScript)

	keys := []string{leaseKey(subjectKey)}
	args := []interface{}{subjectKey, deviceID, now.UnixMilli(), ttl.Milliseconds()}

	result, err := script.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return nil, "", err
	}

	granted, holder, expiresRaw, err := parseLeaseReply(result)
	if err != nil {
		return nil, "", err
	}

	if !granted {
		expiresMS, _ := strconv.ParseInt(expiresRaw, 10, 64)
		return nil, "", &storage.LeaseHeldError{
			SubjectKey: subjectKey,
			HolderID:   holder,
			ExpiresAt:  time.UnixMilli(expiresMS),
		}
	}

	lease := &storage.DeviceLease{
		SubjectKey: subjectKey,
		DeviceID:   deviceID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	return lease, holder, nil
}

// Renew extends a live lease. Only the current holder may renew; a missed
// renewal past expiry means the lease is gone and must be re-acquired.
func (s *leaseStore) Renew(ctx context.Context, subjectKey, deviceID string, now time.Time, ttl time.Duration) (*storage.DeviceLease, error) {
	script := redis.NewScript(renewLeaseScript)

	keys := []string{leaseKey(subjectKey)}
	args := []interface{}{deviceID, now.UnixMilli(), ttl.Milliseconds()}

	ok, err := script.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		return nil, err
	}

	if ok != 1 {
		return nil, storage.ErrNotHolder
	}

	return s.Get(ctx, subjectKey)
}

// Release deletes the lease, holder only
func (s *leaseStore) Release(ctx context.Context, subjectKey, deviceID string) error {
	script := redis.NewScript(releaseLeaseScript)

	keys := []string{leaseKey(subjectKey)}

	ok, err := script.Run(ctx, s.client, keys, deviceID).Int64()
	if err != nil {
		return err
	}

	if ok != 1 {
		return storage.ErrNotHolder
	}

	return nil
}

// Take force-acquires the lease regardless of the current holder and
// returns the displaced holder's device ID, if any.
func (s *leaseStore) Take(ctx context.Context, subjectKey, deviceID string, now time.Time, ttl time.Duration) (*storage.DeviceLease, string, error) {
	script := redis.NewScript(takeLeaseScript)

	keys := []string{leaseKey(subjectKey)}
	args := []interface{}{subjectKey, deviceID, now.UnixMilli(), ttl.Milliseconds()}

	previous, err := script.Run(ctx, s.client, keys, args...).Text()
	if err != nil && err != redis.Nil {
		return nil, "", err
	}

	lease := &storage.DeviceLease{
		SubjectKey: subjectKey,
		DeviceID:   deviceID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	return lease, previous, nil
}

// Get retrieves the lease for a subject
func (s *leaseStore) Get(ctx context.Context, subjectKey string) (*storage.DeviceLease, error) {
	data, err := s.client.HGetAll(ctx, leaseKey(subjectKey)).Result()
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	return parseLease(data)
}

// parseLeaseReply unpacks the {granted, holder, expires} script result
func parseLeaseReply(result []interface{}) (granted bool, holder, expires string, err error) {
	if len(result) != 3 {
		return false, "", "", fmt.Errorf("unexpected lease script reply length: %d", len(result))
	}

	code, ok := result[0].(int64)
	if !ok {
		return false, "", "", fmt.Errorf("unexpected lease script reply type: %T", result[0])
	}

	if s, ok := result[1].(string); ok {
		holder = s
	}
	if s, ok := result[2].(string); ok {
		expires = s
	}

	return code == 1, holder, expires, nil
}
