package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Ngocphuc1910/make10000hours-sub017/internal/storage"
)

type migrationStore struct {
	client *redis.Client
}

func migrationLogKey(subjectKey string) string {
	return fmt.Sprintf("%smigrations:%s", keyPrefix, subjectKey)
}

// Append adds a record to the subject's migration log. The log is
// append-only; records are never rewritten.
func (s *migrationStore) Append(ctx context.Context, record storage.MigrationRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal migration record: %w", err)
	}

	return s.client.RPush(ctx, migrationLogKey(record.SubjectKey), data).Err()
}

// List returns all migration records for a subject in append order
func (s *migrationStore) List(ctx context.Context, subjectKey string) ([]storage.MigrationRecord, error) {
	entries, err := s.client.LRange(ctx, migrationLogKey(subjectKey), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	records := make([]storage.MigrationRecord, 0, len(entries))
	for _, entry := range entries {
		var record storage.MigrationRecord
		if err := json.Unmarshal([]byte(entry), &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal migration record: %w", err)
		}
		records = append(records, record)
	}

	return records, nil
}
