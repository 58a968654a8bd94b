package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	envPrefix      = "DPCTL"
	configFileName = "dpctl"
)

// Config keys double as flag names.
const (
	keyConfig     = "config"
	keyBackend    = "backend"
	keySeed       = "seed"
	keyDSN        = "dsn"
	keyBaseURL    = "base-url"
	keyStore      = "store"
	keyRedisAddr  = "redis-addr"
	keyCodec      = "codec"
	keyNamespace  = "namespace"
	keyTTL        = "ttl"
	keyUndoWindow = "undo-window"
	keyLogLevel   = "log-level"
	keyMetrics    = "metrics"
)

type config struct {
	Backend    string // memory | sqlite | rest
	Seed       string // JSON file: {"resource": [records...]}
	DSN        string
	BaseURL    string
	Store      string // memory | ristretto | bigcache | redis
	RedisAddr  string
	Codec      string // json | cbor | msgpack | protostruct
	Namespace  string
	TTL        time.Duration
	UndoWindow time.Duration
	LogLevel   string
	Metrics    bool
}

func addConfigFlags(fs *pflag.FlagSet) {
	fs.String(keyConfig, "", "config file (default: ./dpctl.yaml or $HOME/.config/dpctl/dpctl.yaml)")
	fs.String(keyBackend, "memory", "backend: memory, sqlite or rest")
	fs.String(keySeed, "", "JSON file of records to load before running")
	fs.String(keyDSN, "file:dpctl.db", "sqlite data source name")
	fs.String(keyBaseURL, "", "REST API base URL")
	fs.String(keyStore, "memory", "cache store: memory, ristretto, bigcache or redis")
	fs.String(keyRedisAddr, "localhost:6379", "redis address for the redis store")
	fs.String(keyCodec, "json", "cache codec: json, cbor, msgpack or protostruct")
	fs.String(keyNamespace, "dpctl", "cache keyspace prefix")
	fs.Duration(keyTTL, 0, "cache freshness (0 = library default)")
	fs.Duration(keyUndoWindow, 5*time.Second, "undo window for undoable writes")
	fs.String(keyLogLevel, "warn", "log level: debug, info, warn or error")
	fs.Bool(keyMetrics, false, "print cache counters after the command")
}

// loadConfig layers flags over DPCTL_* env over the config file over
// defaults. A missing config file is not an error.
func loadConfig(fs *pflag.FlagSet) (config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return config{}, fmt.Errorf("bind flags: %w", err)
	}

	if file := v.GetString(keyConfig); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(configFileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/dpctl")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config{}, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := config{
		Backend:    strings.ToLower(v.GetString(keyBackend)),
		Seed:       v.GetString(keySeed),
		DSN:        v.GetString(keyDSN),
		BaseURL:    v.GetString(keyBaseURL),
		Store:      strings.ToLower(v.GetString(keyStore)),
		RedisAddr:  v.GetString(keyRedisAddr),
		Codec:      strings.ToLower(v.GetString(keyCodec)),
		Namespace:  v.GetString(keyNamespace),
		TTL:        v.GetDuration(keyTTL),
		UndoWindow: v.GetDuration(keyUndoWindow),
		LogLevel:   v.GetString(keyLogLevel),
		Metrics:    v.GetBool(keyMetrics),
	}
	return cfg, cfg.validate()
}

func (c config) validate() error {
	switch c.Backend {
	case "memory", "sqlite":
	case "rest":
		if c.BaseURL == "" {
			return usageErrorf("backend rest needs --%s", keyBaseURL)
		}
	default:
		return usageErrorf("unknown backend %q", c.Backend)
	}
	switch c.Store {
	case "memory", "ristretto", "bigcache", "redis":
	default:
		return usageErrorf("unknown store %q", c.Store)
	}
	switch c.Codec {
	case "json", "cbor", "msgpack", "protostruct":
	default:
		return usageErrorf("unknown codec %q", c.Codec)
	}
	if c.TTL < 0 || c.UndoWindow < 0 {
		return usageErrorf("durations must not be negative")
	}
	return nil
}
