// Package config reads the streamer settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/mohammed-shakir/tilestream/internal/cache"
	"github.com/mohammed-shakir/tilestream/internal/cache/backends"
	"github.com/mohammed-shakir/tilestream/internal/engine"
	"github.com/mohammed-shakir/tilestream/internal/logger"
	"github.com/mohammed-shakir/tilestream/internal/metrics"
)

type (
	Config struct {
		Addr         string        `env:"ADDR" envDefault:":8090"`
		ShutdownWait time.Duration `env:"SHUTDOWN_WAIT" envDefault:"10s"`

		Log          Log          `envPrefix:"LOG_"`
		Cache        Cache        `envPrefix:"CACHE_"`
		Server       Server       `envPrefix:"TILE_SERVER_"`
		Map          Map          `envPrefix:"MAP_"`
		Invalidation Invalidation `envPrefix:"INVALIDATION_"`
	}

	Log struct {
		Level   string  `env:"LEVEL" envDefault:"info"`
		Console bool    `env:"CONSOLE" envDefault:"false"`
		SampleN int     `env:"SAMPLE_N" envDefault:"0"`
		Tiles   float64 `env:"TILE_SAMPLE" envDefault:"0.01"`
	}

	Cache struct {
		Kind          string        `env:"KIND" envDefault:"file"`
		SQLitePath    string        `env:"SQLITE_PATH" envDefault:"tilecache.db"`
		RedisAddr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
		RedisTTL      time.Duration `env:"REDIS_TTL" envDefault:"24h"`
		MemoryEntries int           `env:"MEMORY_ENTRIES" envDefault:"4096"`
		Bundles       []string      `env:"BUNDLES" envSeparator:","`
	}

	Server struct {
		URL        string        `env:"URL" envDefault:"http://localhost:8080/tiles"`
		Timeout    time.Duration `env:"TIMEOUT" envDefault:"30s"`
		MaxReply   uint32        `env:"MAX_REPLY" envDefault:"4194304"`
		Compressed bool          `env:"COMPRESSED" envDefault:"true"`
	}

	Map struct {
		Lang          string `env:"LANG" envDefault:"en"`
		OverviewCount int    `env:"OVERVIEW_COUNT" envDefault:"3"`
		Triangulate   bool   `env:"TRIANGULATE" envDefault:"true"`
		Offline       bool   `env:"OFFLINE" envDefault:"false"`
		OfflineCached bool   `env:"OFFLINE_CACHED" envDefault:"false"`
	}

	Invalidation struct {
		Enabled bool     `env:"ENABLED" envDefault:"false"`
		Brokers []string `env:"BROKERS" envSeparator:"," envDefault:"localhost:9092"`
		Topic   string   `env:"TOPIC" envDefault:"tile-invalidation"`
		GroupID string   `env:"GROUP_ID" envDefault:"tilestream"`
	}
)

// Load reads a .env file when present and parses the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug(".env file not loaded", "error", err)
	}
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if _, err := cache.ParseKind(c.Cache.Kind); err != nil {
		return err
	}
	if c.Server.URL == "" {
		return fmt.Errorf("TILE_SERVER_URL is required")
	}
	if c.Log.Tiles < 0 || c.Log.Tiles > 1 {
		return fmt.Errorf("LOG_TILE_SAMPLE %v outside [0,1]", c.Log.Tiles)
	}
	if c.Map.OverviewCount < 0 {
		return fmt.Errorf("MAP_OVERVIEW_COUNT must not be negative")
	}
	if c.Invalidation.Enabled && (len(c.Invalidation.Brokers) == 0 || c.Invalidation.Topic == "") {
		return fmt.Errorf("invalidation needs brokers and a topic")
	}
	return nil
}

func (c Config) Logger() logger.Config {
	return logger.Config{
		Level:     strings.ToLower(c.Log.Level),
		Console:   c.Log.Console,
		SampleN:   c.Log.SampleN,
		Component: "tilestream",
	}
}

// StoreOptions configures the disk or secondary cache for backends.New.
func (c Config) StoreOptions(l *slog.Logger, m *metrics.Engine) (cache.Kind, backends.Options) {
	kind, _ := cache.ParseKind(c.Cache.Kind)
	return kind, backends.Options{
		SQLitePath: c.Cache.SQLitePath,
		RedisAddr:  c.Cache.RedisAddr,
		RedisTTL:   c.Cache.RedisTTL,
		Logger:     l,
		Metrics:    m,
	}
}

// EngineOptions maps the settings onto engine options. Transport, store, bundles
// and consumer are wired by the caller.
func (c Config) EngineOptions() engine.Options {
	return engine.Options{
		Compressed:     c.Server.Compressed,
		MaxReply:       c.Server.MaxReply,
		RequestTimeout: c.Server.Timeout,
		MemoryEntries:  c.Cache.MemoryEntries,
		OverviewCount:  c.Map.OverviewCount,
		Lang:           c.Map.Lang,
		Triangulate:    c.Map.Triangulate,
		Offline:        c.Map.Offline,
		OfflineCached:  c.Map.OfflineCached,
		LogSample:      c.Log.Tiles,
	}
}
