package session

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStore хранит сессию в Redis: несколько хостов могут по очереди
// продолжать одну и ту же сессию.
type RedisStore struct {
	rdb redis.Cmdable
	key string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore создаёт хранилище под ключом key.
func NewRedisStore(rdb redis.Cmdable, key string) *RedisStore {
	return &RedisStore{rdb: rdb, key: key}
}

func (r *RedisStore) Load(ctx context.Context) (*Session, error) {
	data, err := r.rdb.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis get session")
	}
	return Unmarshal(data)
}

// Save заменяет запись одной командой SET, поэтому атомарен относительно Load.
func (r *RedisStore) Save(ctx context.Context, s *Session) error {
	data, err := Marshal(s)
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, r.key, data, 0).Err(); err != nil {
		return errors.Wrap(err, "redis set session")
	}
	return nil
}

func (r *RedisStore) Clear(ctx context.Context) error {
	if err := r.rdb.Del(ctx, r.key).Err(); err != nil {
		return errors.Wrap(err, "redis del session")
	}
	return nil
}
