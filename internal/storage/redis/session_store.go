package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Ngocphuc1910/make10000hours-sub017/internal/storage"
)

type sessionStore struct {
	client           *redis.Client
	retentionSeconds int64
}

// Upsert creates or updates a session record. The upsert script closes any
// pre-existing active session with a different ID under the same
// (subject, bucket) pointer before this write lands.
func (s *sessionStore) Upsert(ctx context.Context, session storage.Session) error {
	script := redis.NewScript(upsertSessionScript)

	sessionKey := fmt.Sprintf("%ssession:%s", keyPrefix, session.ID)
	activeSet := keyPrefix + "sessions:active"
	activePtr := fmt.Sprintf("%sactive:%s:%s", keyPrefix, session.SubjectKey, session.BucketKey)
	daySet := fmt.Sprintf("%ssessions:day:%s", keyPrefix, session.BucketKey)
	subjectSet := fmt.Sprintf("%ssessions:subject:%s", keyPrefix, session.SubjectKey)
	subjectsSet := keyPrefix + "subjects"

	keys := []string{sessionKey, activeSet, activePtr, daySet, subjectSet, subjectsSet}
	args := []interface{}{
		session.ID,
		session.SubjectKey,
		session.BucketKey,
		session.DeviceID,
		session.StartedAt.Format(time.RFC3339Nano),
		session.LastUpdated.Format(time.RFC3339Nano),
		session.AccumulatedSeconds,
		string(session.Status),
		keyPrefix,
		s.retentionSeconds,
	}

	return script.Run(ctx, s.client, keys, args...).Err()
}

// Get retrieves a session by ID
func (s *sessionStore) Get(ctx context.Context, id string) (*storage.Session, error) {
	sessionKey := fmt.Sprintf("%ssession:%s", keyPrefix, id)

	data, err := s.client.HGetAll(ctx, sessionKey).Result()
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	return parseSession(data)
}

// Delete removes a session and its index entries
func (s *sessionStore) Delete(ctx context.Context, id string) error {
	sessionKey := fmt.Sprintf("%ssession:%s", keyPrefix, id)

	// Get session to find its indexes for cleanup
	data, err := s.client.HGetAll(ctx, sessionKey).Result()
	if err != nil {
		return err
	}

	if err := s.client.Del(ctx, sessionKey).Err(); err != nil {
		return err
	}

	if err := s.client.SRem(ctx, keyPrefix+"sessions:active", id).Err(); err != nil {
		return err
	}

	if subject, ok := data["subject_key"]; ok {
		s.client.SRem(ctx, fmt.Sprintf("%ssessions:subject:%s", keyPrefix, subject), id)
		if bucket, ok := data["bucket_key"]; ok {
			s.client.SRem(ctx, fmt.Sprintf("%ssessions:day:%s", keyPrefix, bucket), id)
			ptrKey := fmt.Sprintf("%sactive:%s:%s", keyPrefix, subject, bucket)
			if cur, err := s.client.Get(ctx, ptrKey).Result(); err == nil && cur == id {
				s.client.Del(ctx, ptrKey)
			}
		}
	}

	return nil
}

// FindActive returns the single active session for a (subject, bucket) pair.
// At most one exists by construction; see Upsert.
func (s *sessionStore) FindActive(ctx context.Context, subjectKey, bucketKey string) (*storage.Session, error) {
	activePtr := fmt.Sprintf("%sactive:%s:%s", keyPrefix, subjectKey, bucketKey)

	id, err := s.client.Get(ctx, activePtr).Result()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return s.Get(ctx, id)
}

// ListByDay returns all sessions filed under a day bucket
func (s *sessionStore) ListByDay(ctx context.Context, bucketKey string) ([]storage.Session, error) {
	daySet := fmt.Sprintf("%ssessions:day:%s", keyPrefix, bucketKey)
	return s.listSet(ctx, daySet)
}

// ListBySubject returns all sessions for a subject across day buckets
func (s *sessionStore) ListBySubject(ctx context.Context, subjectKey string) ([]storage.Session, error) {
	subjectSet := fmt.Sprintf("%ssessions:subject:%s", keyPrefix, subjectKey)
	return s.listSet(ctx, subjectSet)
}

// ListActive returns all active sessions
func (s *sessionStore) ListActive(ctx context.Context) ([]storage.Session, error) {
	return s.listSet(ctx, keyPrefix+"sessions:active")
}

// ListSubjects returns every subject key that has ever filed a session
func (s *sessionStore) ListSubjects(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, keyPrefix+"subjects").Result()
}

// listSet resolves a set of session IDs to session records
func (s *sessionStore) listSet(ctx context.Context, setKey string) ([]storage.Session, error) {
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return []storage.Session{}, nil
	}

	// Use pipeline for efficient batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))

	for i, id := range ids {
		sessionKey := fmt.Sprintf("%ssession:%s", keyPrefix, id)
		cmds[i] = pipe.HGetAll(ctx, sessionKey)
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	sessions := make([]storage.Session, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			// Expired via TTL but still indexed; skip
			continue
		}

		session, err := parseSession(data)
		if err == nil {
			sessions = append(sessions, *session)
		}
	}

	return sessions, nil
}

// IncrementDailyTotal atomically increments (or creates) a daily total
func (s *sessionStore) IncrementDailyTotal(ctx context.Context, bucketKey, subjectKey string, seconds int64) error {
	script := redis.NewScript(incrementDailyTotalScript)

	totalKey := fmt.Sprintf("%stotal:%s:%s", keyPrefix, bucketKey, subjectKey)
	indexKey := fmt.Sprintf("%stotal:index:%s", keyPrefix, bucketKey)

	keys := []string{totalKey, indexKey}
	args := []interface{}{bucketKey, subjectKey, seconds, s.retentionSeconds}

	return script.Run(ctx, s.client, keys, args...).Err()
}

// GetDailyTotal retrieves the total for a specific bucket and subject
func (s *sessionStore) GetDailyTotal(ctx context.Context, bucketKey, subjectKey string) (*storage.DailyTotal, error) {
	totalKey := fmt.Sprintf("%stotal:%s:%s", keyPrefix, bucketKey, subjectKey)

	data, err := s.client.HGetAll(ctx, totalKey).Result()
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	return parseDailyTotal(data)
}

// ListDailyTotals returns all totals recorded for a day bucket
func (s *sessionStore) ListDailyTotals(ctx context.Context, bucketKey string) ([]storage.DailyTotal, error) {
	indexKey := fmt.Sprintf("%stotal:index:%s", keyPrefix, bucketKey)

	subjects, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, err
	}

	if len(subjects) == 0 {
		return []storage.DailyTotal{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(subjects))

	for i, subject := range subjects {
		totalKey := fmt.Sprintf("%stotal:%s:%s", keyPrefix, bucketKey, subject)
		cmds[i] = pipe.HGetAll(ctx, totalKey)
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	totals := make([]storage.DailyTotal, 0, len(subjects))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		total, err := parseDailyTotal(data)
		if err == nil {
			totals = append(totals, *total)
		}
	}

	return totals, nil
}
