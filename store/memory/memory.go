// Package memory is the default in-process Store: a mutex-guarded map with
// per-entry expiry and an optional sweep loop.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/unkn0wn-root/dataprovider/store"
)

type entry struct {
	v   []byte
	exp time.Time // zero => no TTL
}

type Store struct {
	mu    sync.RWMutex
	m     map[string]entry
	clock clock.Clock

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

var _ store.Store = (*Store)(nil)

type Config struct {
	// SweepInterval drops expired entries periodically; 0 disables the loop
	// (expired entries are still dropped lazily on Get).
	SweepInterval time.Duration
	Clock         clock.Clock // nil => real clock
}

func New(cfg Config) *Store {
	s := &Store{m: make(map[string]entry), clock: cfg.Clock}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if cfg.SweepInterval > 0 {
		s.stopCh = make(chan struct{})
		ticker := s.clock.Ticker(cfg.SweepInterval)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					s.sweep()
				case <-s.stopCh:
					return
				}
			}
		}()
	}
	return s
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	e, ok := s.m[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && !s.clock.Now().Before(e.exp) {
		s.mu.Lock()
		if cur, ok := s.m[key]; ok && cur.exp.Equal(e.exp) {
			delete(s.m, key)
		}
		s.mu.Unlock()
		return nil, false, nil
	}
	return e.v, true, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	var exp time.Time
	if ttl > 0 {
		exp = s.clock.Now().Add(ttl)
	}
	// own the bytes; callers may reuse their buffers
	v := append([]byte(nil), value...)
	s.mu.Lock()
	s.m[key] = entry{v: v, exp: exp}
	s.mu.Unlock()
	return true, nil
}

func (s *Store) Del(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
	return nil
}

// Len reports the number of stored entries, expired ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// Keys returns a snapshot of stored keys.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.m))
	for k := range s.m {
		out = append(out, k)
	}
	return out
}

func (s *Store) sweep() {
	now := s.clock.Now()
	s.mu.Lock()
	for k, e := range s.m {
		if !e.exp.IsZero() && !now.Before(e.exp) {
			delete(s.m, k)
		}
	}
	s.mu.Unlock()
}

func (s *Store) Close(_ context.Context) error {
	s.once.Do(func() {
		if s.stopCh != nil {
			close(s.stopCh)
			s.wg.Wait()
		}
	})
	return nil
}
