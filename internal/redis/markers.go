package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// MarkerStore keeps "already done" markers for sweeps and consumed queue
// messages so they survive a restart.
type MarkerStore struct {
	client *Client
	logger *zap.Logger
}

// NewMarkerStore creates a marker store.
func NewMarkerStore(client *Client, logger *zap.Logger) *MarkerStore {
	return &MarkerStore{
		client: client,
		logger: logger,
	}
}

// Claim sets the marker with SET NX and reports whether this call set it.
func (s *MarkerStore) Claim(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	set, err := s.client.rdb.SetNX(ctx, key("marker", name), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !set {
		s.logger.Debug("marker already claimed", zap.String("marker", name))
	}
	return set, nil
}

// Release deletes the marker. Releasing a missing marker is not an error.
func (s *MarkerStore) Release(ctx context.Context, name string) error {
	if err := s.client.rdb.Del(ctx, key("marker", name)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Exists reports whether the marker is set.
func (s *MarkerStore) Exists(ctx context.Context, name string) (bool, error) {
	n, err := s.client.rdb.Exists(ctx, key("marker", name)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists failed: %w", err)
	}
	return n == 1, nil
}
