package rediskv

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/trezcool/masomo-offline/core"
)

// Store keeps values in redis, under prefix. Values never expire.
type Store struct {
	client *redis.Client
	prefix string
}

var _ core.Store = (*Store)(nil)

func NewStore(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

// Open connects to the redis server at addr and checks it answers.
func Open(ctx context.Context, addr, password string, db int, prefix string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "pinging redis at %s", addr)
	}
	return NewStore(client, prefix), nil
}

func (s *Store) key(k string) string { return s.prefix + k }

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "getting %q", key)
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return errors.Wrapf(s.client.Set(ctx, s.key(key), value, 0).Err(), "setting %q", key)
}

func (s *Store) Remove(ctx context.Context, key string) error {
	return errors.Wrapf(s.client.Del(ctx, s.key(key)).Err(), "deleting %q", key)
}

func (s *Store) Close() error {
	return s.client.Close()
}
