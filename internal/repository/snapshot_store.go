package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"SignalDesk/internal/domain/models"
	"SignalDesk/pkg/cache"
)

// CacheSnapshotStore keeps the latest snapshot under one cache key so another
// process, or this one after a restart, can read the active set.
type CacheSnapshotStore struct {
	c   cache.Service
	key string
	ttl time.Duration
}

// NewCacheSnapshotStore creates a store writing to key with ttl.
func NewCacheSnapshotStore(c cache.Service, key string, ttl time.Duration) *CacheSnapshotStore {
	if key == "" {
		key = "signals:active"
	}
	return &CacheSnapshotStore{c: c, key: key, ttl: ttl}
}

func (s *CacheSnapshotStore) PublishSnapshot(ctx context.Context, snap models.Snapshot) error {
	if err := s.c.Set(ctx, s.key, snap, s.ttl); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the stored snapshot and false when none is cached.
func (s *CacheSnapshotStore) LoadSnapshot(ctx context.Context) (models.Snapshot, bool, error) {
	var snap models.Snapshot
	err := s.c.Get(ctx, s.key, &snap)
	switch {
	case errors.Is(err, cache.ErrCacheMiss):
		return models.Snapshot{}, false, nil
	case err != nil:
		return models.Snapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	return snap, true, nil
}

func (s *CacheSnapshotStore) PublishSignal(context.Context, models.Signal) error { return nil }

func (s *CacheSnapshotStore) PublishAlert(context.Context, models.Alert) error { return nil }

func (s *CacheSnapshotStore) PublishExecution(context.Context, models.Order) error { return nil }

// Close leaves the cache open; its owner closes it.
func (s *CacheSnapshotStore) Close() error { return nil }
