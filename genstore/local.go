package genstore

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type generation struct {
	n       uint64
	bumpedAt time.Time
}

type LocalConfig struct {
	// Retention forgets resources not written for this long; 0 keeps them
	// forever. A forgotten resource reads as 0, which only makes older
	// cached entries of it unusable.
	Retention     time.Duration
	SweepInterval time.Duration // 0 disables the sweep loop
	Clock         clock.Clock   // nil => real clock
}

// Local keeps generations in process memory.
type Local struct {
	clock     clock.Clock
	retention time.Duration

	mu   sync.RWMutex
	gens map[string]generation

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

var _ GenStore = (*Local)(nil)

func NewLocal(cfg LocalConfig) *Local {
	s := &Local{
		clock:     cfg.Clock,
		retention: cfg.Retention,
		gens:      make(map[string]generation),
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if cfg.SweepInterval > 0 && cfg.Retention > 0 {
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.loop(s.clock.Ticker(cfg.SweepInterval))
	}
	return s
}

func (s *Local) loop(t *clock.Ticker) {
	defer close(s.done)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.Sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *Local) Current(_ context.Context, resource string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gens[resource].n, nil
}

func (s *Local) Bump(_ context.Context, resource string) (uint64, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.gens[resource]
	g.n++
	g.bumpedAt = now
	s.gens[resource] = g
	return g.n, nil
}

// Sweep forgets resources whose last bump is older than the retention.
func (s *Local) Sweep() {
	if s.retention <= 0 {
		return
	}
	cutoff := s.clock.Now().Add(-s.retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	for r, g := range s.gens {
		if g.bumpedAt.Before(cutoff) {
			delete(s.gens, r)
		}
	}
}

// Close stops the sweep loop. Safe to call more than once.
func (s *Local) Close(context.Context) error {
	s.once.Do(func() {
		if s.stop != nil {
			close(s.stop)
			<-s.done
		}
	})
	return nil
}
