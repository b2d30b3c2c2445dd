package redis

import (
	"context"

	"github.com/redis/go-redis/v9"
)

type (
	Service struct {
		rdb *redis.Client
	}
)

func New(rdb *redis.Client) *Service {
	return &Service{
		rdb: rdb,
	}
}

// AppendList pushes values onto the tail of the list at key.
func (s *Service) AppendList(ctx context.Context, key string, values ...any) error {
	return s.rdb.RPush(ctx, key, values...).Err()
}

// TakeList reads and clears the list at key in one transaction, so two
// drains never see the same entries.
func (s *Service) TakeList(ctx context.Context, key string) ([]string, error) {
	pipe := s.rdb.TxPipeline()
	rng := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return rng.Result()
}

// SetValue stores a value without expiry.
func (s *Service) SetValue(ctx context.Context, key string, value any) error {
	return s.rdb.Set(ctx, key, value, 0).Err()
}

// GetValue returns the value at key, empty with no error when unset.
func (s *Service) GetValue(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}
