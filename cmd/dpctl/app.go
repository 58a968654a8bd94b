package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	dp "github.com/unkn0wn-root/dataprovider"
	"github.com/unkn0wn-root/dataprovider/codec"
	"github.com/unkn0wn-root/dataprovider/genstore"
	asynchook "github.com/unkn0wn-root/dataprovider/hooks/async"
	promhook "github.com/unkn0wn-root/dataprovider/hooks/prom"
	zaplog "github.com/unkn0wn-root/dataprovider/log/zap"
	"github.com/unkn0wn-root/dataprovider/memory"
	"github.com/unkn0wn-root/dataprovider/mutation"
	"github.com/unkn0wn-root/dataprovider/query"
	"github.com/unkn0wn-root/dataprovider/rest"
	"github.com/unkn0wn-root/dataprovider/sqlite"
	"github.com/unkn0wn-root/dataprovider/store"
	"github.com/unkn0wn-root/dataprovider/store/bigcache"
	"github.com/unkn0wn-root/dataprovider/store/ristretto"
	redisstore "github.com/unkn0wn-root/dataprovider/store/redis"
	"github.com/unkn0wn-root/dataprovider/undo"
)

// app is one wired stack: backend, proxy, query client and mutation
// pipeline sharing one undo emitter.
type app struct {
	cfg     config
	zl      *zap.Logger
	backend dp.DataProvider
	proxy   *dp.Proxy
	queries *query.Client
	writes  *mutation.Pipeline
	emitter *undo.Emitter

	reg   *prometheus.Registry
	async *asynchook.Hooks

	closers []func() error
}

func newApp(ctx context.Context, cfg config) (a *app, err error) {
	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.release(ctx)
		}
	}()

	if a.zl, err = newZap(cfg.LogLevel); err != nil {
		return nil, err
	}
	logger := zaplog.New(a.zl)

	if a.backend, err = a.openBackend(ctx, logger); err != nil {
		return nil, err
	}

	opts := dp.Options{
		Namespace:  cfg.Namespace,
		Logger:     logger,
		DefaultTTL: cfg.TTL,
	}
	if opts.Store, opts.GenStore, err = a.openStore(); err != nil {
		return nil, err
	}
	if opts.Codec, err = newCodec(cfg.Codec); err != nil {
		return nil, err
	}
	if cfg.Metrics {
		a.reg = prometheus.NewRegistry()
		ph, err := promhook.New(a.reg, promhook.Options{Namespace: "dpctl"})
		if err != nil {
			return nil, err
		}
		a.async = asynchook.New(ph, 1, 1024)
		opts.Hooks = a.async
	}

	if a.proxy, err = dp.New(a.backend, opts); err != nil {
		return nil, err
	}
	a.queries = query.New(a.proxy, query.Options{Logger: logger})
	a.emitter = undo.New(undo.Options{Logger: logger})
	a.emitter.Subscribe(func(m undo.Message) {
		a.zl.Debug("undo", zap.String("mutation", m.MutationID), zap.String("event", string(m.Event)))
	})
	a.writes = mutation.New(a.proxy, mutation.Options{
		Cache:      a.proxy,
		Emitter:    a.emitter,
		Logger:     logger,
		UndoWindow: cfg.UndoWindow,
	})
	return a, nil
}

func newZap(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, usageErrorf("log level: %v", err)
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.DisableStacktrace = true
	return zc.Build()
}

func (a *app) openBackend(ctx context.Context, logger dp.Logger) (dp.DataProvider, error) {
	seed, err := readSeed(a.cfg.Seed)
	if err != nil {
		return nil, err
	}
	switch a.cfg.Backend {
	case "sqlite":
		p, err := sqlite.Open(a.cfg.DSN, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, p.Close)
		for _, res := range sortedKeys(seed) {
			if err := p.Seed(ctx, res, seed[res]); err != nil {
				return nil, fmt.Errorf("seed %s: %w", res, err)
			}
		}
		return p, nil
	case "rest":
		if len(seed) > 0 {
			return nil, usageErrorf("--%s is not supported with the rest backend", keySeed)
		}
		return rest.New(rest.Options{BaseURL: a.cfg.BaseURL, Logger: logger})
	default:
		return memory.New(seed, logger)
	}
}

func (a *app) openStore() (store.Store, genstore.GenStore, error) {
	switch a.cfg.Store {
	case "ristretto":
		s, err := ristretto.New(ristretto.Config{NumCounters: 1e5, MaxCost: 64 << 20, BufferItems: 64})
		return s, nil, err
	case "bigcache":
		s, err := bigcache.New(bigcache.Config{LifeWindow: 30 * time.Minute, HardMaxCacheSizeMB: 64})
		return s, nil, err
	case "redis":
		// One client serves entries and generations; the entry store closes it.
		rdb := goredis.NewClient(&goredis.Options{Addr: a.cfg.RedisAddr})
		s, err := redisstore.New(redisstore.Config{Client: rdb, CloseClient: true})
		if err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		gs, err := genstore.NewRedis(genstore.RedisConfig{Client: rdb, Namespace: a.cfg.Namespace})
		return s, gs, err
	default:
		return nil, nil, nil
	}
}

func newCodec(name string) (codec.Codec[dp.Payload], error) {
	switch name {
	case "cbor":
		return codec.NewCBOR[dp.Payload](true)
	case "msgpack":
		return codec.Msgpack[dp.Payload]{}, nil
	case "protostruct":
		return codec.NewProtoStruct[dp.Payload](), nil
	default:
		return codec.JSON[dp.Payload]{}, nil
	}
}

func readSeed(path string) (map[string][]dp.Record, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, usageErrorf("seed: %v", err)
	}
	var seed map[string][]dp.Record
	if err := json.Unmarshal(raw, &seed); err != nil {
		return nil, usageErrorf("seed %s: %v", path, err)
	}
	return seed, nil
}

// close stops the pipeline (cancelling writes still in their undo window),
// prints counters when asked to and releases everything.
func (a *app) close(ctx context.Context, out io.Writer) error {
	err := a.writes.Close(ctx)
	if a.async != nil {
		a.async.Close()
	}
	if a.reg != nil {
		if perr := printCounters(out, a.reg); err == nil {
			err = perr
		}
	}
	if rerr := a.release(ctx); err == nil {
		err = rerr
	}
	return err
}

func (a *app) release(ctx context.Context) error {
	var err error
	if a.proxy != nil {
		err = a.proxy.Close(ctx)
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if cerr := a.closers[i](); err == nil {
			err = cerr
		}
	}
	if a.zl != nil {
		_ = a.zl.Sync()
	}
	return err
}

func printCounters(out io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := ""
			for _, lp := range m.GetLabel() {
				labels += fmt.Sprintf(" %s=%s", lp.GetName(), lp.GetValue())
			}
			fmt.Fprintf(out, "%s%s %g\n", mf.GetName(), labels, m.GetCounter().GetValue())
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
