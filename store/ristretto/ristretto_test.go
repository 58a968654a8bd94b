package ristretto

import (
	"context"
	"testing"
	"time"
)

func TestRistrettoReadsOwnWrites(t *testing.T) {
	ctx := context.Background()
	s, err := New(Config{NumCounters: 1000, MaxCost: 1 << 20, BufferItems: 64})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(ctx) })

	if ok, err := s.Set(ctx, "k", []byte("v"), 1, time.Minute); err != nil || !ok {
		t.Fatalf("Set: ok=%v err=%v", ok, err)
	}
	if v, ok, _ := s.Get(ctx, "k"); !ok || string(v) != "v" {
		t.Fatalf("Get right after Set must hit, ok=%v v=%q", ok, v)
	}
	_ = s.Del(ctx, "k")
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatalf("expected miss after Del")
	}
}

func TestRistrettoInvalidConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected config error")
	}
}

func TestRistrettoMetrics(t *testing.T) {
	ctx := context.Background()
	s, err := New(Config{NumCounters: 1000, MaxCost: 1 << 20, BufferItems: 64, Metrics: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(ctx) })

	_, _ = s.Set(ctx, "k", []byte("v"), 1, time.Minute)
	_, _, _ = s.Get(ctx, "k")
	_, _, _ = s.Get(ctx, "missing")
	m := s.Metrics()
	if m.Hits() != 1 || m.Misses() != 1 {
		t.Fatalf("hits=%d misses=%d, want 1/1", m.Hits(), m.Misses())
	}
}
