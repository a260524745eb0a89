package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"peerprep/internal/status"
	"peerprep/models"

	"github.com/redis/go-redis/v9"
)

// SnapshotStore keeps collaboration session snapshots as JSON strings in Redis.
type SnapshotStore struct {
	Redis *redis.Client
	ttl   time.Duration
}

func NewSnapshotStore(redisClient *redis.Client, ttl time.Duration) *SnapshotStore {
	return &SnapshotStore{Redis: redisClient, ttl: ttl}
}

func SnapshotKey(sessionID string) string {
	return fmt.Sprintf("collab:session:%s", sessionID)
}

// Load returns status.ErrNotReady when no snapshot exists yet.
func (s *SnapshotStore) Load(ctx context.Context, sessionID string) (*models.SessionSnapshot, error) {
	data, err := s.Redis.Get(ctx, SnapshotKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("session %s: %w", sessionID, status.ErrNotReady)
	}
	if err != nil {
		return nil, fmt.Errorf("session %s: %v: %w", sessionID, err, status.ErrTransientDependency)
	}

	var snap models.SessionSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("session %s: decode snapshot: %w", sessionID, err)
	}
	return &snap, nil
}

// CreateIfAbsent stores snap only when no snapshot exists and reports whether it did.
func (s *SnapshotStore) CreateIfAbsent(ctx context.Context, snap *models.SessionSnapshot) (bool, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return false, err
	}

	created, err := s.Redis.SetNX(ctx, SnapshotKey(snap.SessionID), data, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("session %s: %v: %w", snap.SessionID, err, status.ErrTransientDependency)
	}
	return created, nil
}

// Save overwrites the snapshot and refreshes its TTL.
func (s *SnapshotStore) Save(ctx context.Context, snap *models.SessionSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	if err := s.Redis.Set(ctx, SnapshotKey(snap.SessionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("session %s: %v: %w", snap.SessionID, err, status.ErrTransientDependency)
	}
	return nil
}

func (s *SnapshotStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.Redis.Exists(ctx, SnapshotKey(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("session %s: %v: %w", sessionID, err, status.ErrTransientDependency)
	}
	return n > 0, nil
}

func (s *SnapshotStore) Delete(ctx context.Context, sessionID string) error {
	return s.Redis.Del(ctx, SnapshotKey(sessionID)).Err()
}
