package memory

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestGetSetDelWithExpiry(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	s := New(Config{Clock: clk})
	t.Cleanup(func() { _ = s.Close(ctx) })

	if ok, err := s.Set(ctx, "k", []byte("v"), 1, time.Second); err != nil || !ok {
		t.Fatalf("Set: ok=%v err=%v", ok, err)
	}
	if v, ok, _ := s.Get(ctx, "k"); !ok || string(v) != "v" {
		t.Fatalf("Get hit expected, got ok=%v v=%q", ok, v)
	}

	clk.Add(time.Second)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatalf("expected miss after expiry")
	}
	if s.Len() != 0 {
		t.Fatalf("expired entry not dropped on Get")
	}

	_, _ = s.Set(ctx, "forever", []byte("x"), 1, 0)
	clk.Add(24 * time.Hour)
	if _, ok, _ := s.Get(ctx, "forever"); !ok {
		t.Fatalf("ttl<=0 must not expire")
	}
	_ = s.Del(ctx, "forever")
	if _, ok, _ := s.Get(ctx, "forever"); ok {
		t.Fatalf("expected miss after Del")
	}
}

func TestSetCopiesValue(t *testing.T) {
	ctx := context.Background()
	s := New(Config{})
	buf := []byte("abc")
	_, _ = s.Set(ctx, "k", buf, 1, 0)
	buf[0] = 'z'
	if v, _, _ := s.Get(ctx, "k"); string(v) != "abc" {
		t.Fatalf("store aliased caller buffer: %q", v)
	}
}

func TestSweepDropsExpired(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	s := New(Config{Clock: clk})
	t.Cleanup(func() { _ = s.Close(ctx) })

	_, _ = s.Set(ctx, "a", []byte("1"), 1, time.Second)
	_, _ = s.Set(ctx, "b", []byte("2"), 1, time.Hour)
	clk.Add(2 * time.Second)
	s.sweep()

	keys := s.Keys()
	if len(keys) != 1 || keys[0] != "b" {
		t.Fatalf("expected only b to survive, got %v", keys)
	}
}
