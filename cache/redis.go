package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v7"
	extErrors "github.com/pkg/errors"
)

var _ Cache = (*Redis)(nil)

// Redis backs the cache with a redis instance shared by a service's replicas.
type Redis struct {
	client redis.UniversalClient
}

func NewRedis(client redis.UniversalClient) (*Redis, error) {
	if client == nil {
		return nil, extErrors.New("nil redis client is invalid")
	}
	return &Redis{client: client}, nil
}

// go-redis v7 command methods carry no context; ctx is accepted for
// interface symmetry only.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(key).Bytes()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot get key from redis")
	}
	return val, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(key, value, ttl).Err(); err != nil {
		return extErrors.Wrap(err, "Cannot set key in redis")
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(key).Err(); err != nil {
		return extErrors.Wrap(err, "Cannot delete key from redis")
	}
	return nil
}
