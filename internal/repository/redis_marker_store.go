package repository

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMarkerStore keeps workflow markers as SETNX keys. Markers expire
// after ttl; a zero ttl keeps them forever.
type RedisMarkerStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisMarkerStore instantiates the store.
func NewRedisMarkerStore(client *redis.Client, prefix string, ttl time.Duration) *RedisMarkerStore {
	if prefix == "" {
		prefix = "caseflow:marker"
	}
	return &RedisMarkerStore{client: client, prefix: prefix, ttl: ttl}
}

var _ MarkerStore = (*RedisMarkerStore)(nil)

func (s *RedisMarkerStore) Mark(ctx context.Context, marker Marker) (bool, error) {
	key := s.prefix + ":" + marker.RuleID + ":" + marker.CaseID + ":" + marker.EventID
	return s.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), s.ttl).Result()
}
