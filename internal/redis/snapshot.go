package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/driveline/internal/notification"
)

// DefaultSnapshotTTL matches the backend's daily cleanup of old notifications.
const DefaultSnapshotTTL = 24 * time.Hour

// SnapshotStore persists a user's notification list as one JSON value.
type SnapshotStore struct {
	client *Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewSnapshotStore creates a snapshot store. ttl <= 0 uses DefaultSnapshotTTL.
func NewSnapshotStore(client *Client, ttl time.Duration, logger *zap.Logger) *SnapshotStore {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &SnapshotStore{client: client, ttl: ttl, logger: logger}
}

func snapshotKey(username string) string {
	return keyPrefix + "snapshot:" + username
}

// Save overwrites the user's snapshot and refreshes its TTL.
func (s *SnapshotStore) Save(ctx context.Context, username string, list []notification.Notification) error {
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.client.rdb.Set(ctx, snapshotKey(username), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load returns the user's snapshot, or nil when none is stored.
func (s *SnapshotStore) Load(ctx context.Context, username string) ([]notification.Notification, error) {
	data, err := s.client.rdb.Get(ctx, snapshotKey(username)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var list []notification.Notification
	if err := json.Unmarshal(data, &list); err != nil {
		s.logger.Warn("discarding corrupt snapshot",
			zap.String("username", username),
			zap.Error(err),
		)
		return nil, nil
	}
	return list, nil
}

// Delete removes the user's snapshot.
func (s *SnapshotStore) Delete(ctx context.Context, username string) error {
	if err := s.client.rdb.Del(ctx, snapshotKey(username)).Err(); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}
