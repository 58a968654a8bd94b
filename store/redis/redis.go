// Package redis is a store.Store over go-redis. Entries written by one proxy
// are visible to every proxy sharing the keyspace; pair it with the Redis
// generation store so invalidations are shared too.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/dataprovider/store"
)

var ErrNilClient = errors.New("redis store: nil client")

type Config struct {
	Client goredis.UniversalClient
	// Prefix is prepended to every key, e.g. "admin:" to share a database
	// with other applications.
	Prefix string
	// MaxValueSize rejects larger entries (Set returns ok=false) so one huge
	// list page cannot crowd out the rest; 0 => no limit.
	MaxValueSize int
	// CloseClient closes Client on Close. Set it only when the store owns
	// the client exclusively.
	CloseClient bool
}

type Redis struct {
	rdb         goredis.UniversalClient
	prefix      string
	maxSize     int
	closeClient bool
}

var _ store.Store = (*Redis)(nil)

func New(cfg Config) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Redis{
		rdb:         cfg.Client,
		prefix:      cfg.Prefix,
		maxSize:     cfg.MaxValueSize,
		closeClient: cfg.CloseClient,
	}, nil
}

func (s *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	switch {
	case errors.Is(err, goredis.Nil):
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	return b, true, nil
}

// Set ignores cost. A non-positive ttl stores without expiry.
func (s *Redis) Set(ctx context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	if s.maxSize > 0 && len(value) > s.maxSize {
		return false, nil
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := s.rdb.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}

// Del uses UNLINK so large list entries are freed off the Redis main thread.
func (s *Redis) Del(ctx context.Context, key string) error {
	return s.rdb.Unlink(ctx, s.prefix+key).Err()
}

// Close is a no-op unless the store owns the client. Safe to call more than
// once.
func (s *Redis) Close(context.Context) error {
	if !s.closeClient {
		return nil
	}
	if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
		return err
	}
	return nil
}
