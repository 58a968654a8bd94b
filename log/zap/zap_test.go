package zap

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	dp "github.com/unkn0wn-root/dataprovider"
)

func TestLevelsAndFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := New(zap.New(core))

	l.Debug("d", nil)
	l.Info("i", dp.Fields{"resource": "posts"})
	l.Warn("w", dp.Fields{"b": 2, "a": 1})
	l.Error("e", dp.Fields{"err": errors.New("boom")})

	entries := logs.All()
	if len(entries) != 4 {
		t.Fatalf("entries = %d, want 4", len(entries))
	}
	if entries[0].LoggerName != "dataprovider" || entries[3].Level != zapcore.ErrorLevel {
		t.Fatalf("entries = %+v", entries)
	}
	if got := entries[1].ContextMap()["resource"]; got != "posts" {
		t.Fatalf("resource = %v", got)
	}
	if f := entries[2].Context; len(f) != 2 || f[0].Key != "a" || f[1].Key != "b" {
		t.Fatalf("fields not sorted: %+v", f)
	}
	if got := entries[3].ContextMap()["err"]; got != "boom" {
		t.Fatalf("err = %v", got)
	}
}
