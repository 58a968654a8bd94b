// Package zap adapts a *zap.Logger to dataprovider.Logger.
package zap

import (
	"sort"

	"go.uber.org/zap"

	dp "github.com/unkn0wn-root/dataprovider"
)

var _ dp.Logger = ZapLogger{}

type ZapLogger struct{ L *zap.Logger }

// New names the logger "dataprovider" so its lines are easy to filter.
func New(l *zap.Logger) ZapLogger { return ZapLogger{L: l.Named("dataprovider")} }

func (z ZapLogger) Debug(msg string, f dp.Fields) { z.L.Debug(msg, zf(f)...) }
func (z ZapLogger) Info(msg string, f dp.Fields)  { z.L.Info(msg, zf(f)...) }
func (z ZapLogger) Warn(msg string, f dp.Fields)  { z.L.Warn(msg, zf(f)...) }
func (z ZapLogger) Error(msg string, f dp.Fields) { z.L.Error(msg, zf(f)...) }

// zf sorts fields by key so output is stable.
func zf(f dp.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(f))
	for _, k := range keys {
		if err, ok := f[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}
