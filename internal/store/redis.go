package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const docKeyPrefix = "collab:doc:"

// RedisStore keeps one value per document under collab:doc:<id>.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Load(ctx context.Context, documentID string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, docKeyPrefix+documentID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", documentID, err)
	}
	return data, nil
}

func (s *RedisStore) Save(ctx context.Context, documentID string, data []byte) error {
	if err := s.rdb.Set(ctx, docKeyPrefix+documentID, data, 0).Err(); err != nil {
		return fmt.Errorf("save %q: %w", documentID, err)
	}
	return nil
}
