package genstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNilClient = errors.New("genstore: nil redis client")

type RedisConfig struct {
	Client    redis.UniversalClient
	Namespace string // should match the proxy Namespace
	// TTL expires generation keys that stop being bumped; 0 keeps them. An
	// expired generation reads as 0 and the entries stamped with the old one
	// heal themselves on read.
	TTL time.Duration
	// CloseClient closes Client on Close. Leave it off when the client is
	// shared with the entry store.
	CloseClient bool
}

// Redis stores generations as plain counters under gen:<namespace>:<resource>.
type Redis struct {
	rdb         redis.UniversalClient
	ns          string
	ttl         time.Duration
	closeClient bool
}

var _ GenStore = (*Redis)(nil)

func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Redis{rdb: cfg.Client, ns: cfg.Namespace, ttl: cfg.TTL, closeClient: cfg.CloseClient}, nil
}

func (s *Redis) key(resource string) string { return "gen:" + s.ns + ":" + resource }

func (s *Redis) Current(ctx context.Context, resource string) (uint64, error) {
	raw, err := s.rdb.Get(ctx, s.key(resource)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("genstore: generation of %s: %w", resource, err)
	}
	return n, nil
}

// Bump is INCR, pipelined with EXPIRE when a TTL is set.
func (s *Redis) Bump(ctx context.Context, resource string) (uint64, error) {
	k := s.key(resource)
	if s.ttl <= 0 {
		n, err := s.rdb.Incr(ctx, k).Result()
		return uint64(n), err
	}

	var incr *redis.IntCmd
	if _, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.Expire(ctx, k, s.ttl)
		return nil
	}); err != nil {
		return 0, err
	}
	return uint64(incr.Val()), nil
}

func (s *Redis) Close(context.Context) error {
	if !s.closeClient {
		return nil
	}
	if err := s.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
