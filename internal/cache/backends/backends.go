// Package backends selects the disk/secondary cache implementation once, at
// configuration time.
package backends

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/mohammed-shakir/tilestream/internal/cache"
	"github.com/mohammed-shakir/tilestream/internal/cache/nocache"
	"github.com/mohammed-shakir/tilestream/internal/cache/redisstore"
	"github.com/mohammed-shakir/tilestream/internal/cache/sqlitestore"
	"github.com/mohammed-shakir/tilestream/internal/metrics"
)

type Options struct {
	SQLitePath string
	RedisAddr  string
	RedisTTL   time.Duration
	Logger     *slog.Logger
	Metrics    *metrics.Engine
}

// New returns an unopened Store for kind.
func New(kind cache.Kind, opts Options) (cache.Store, error) {
	switch kind {
	case cache.KindFile:
		if opts.SQLitePath == "" {
			return nil, fmt.Errorf("file cache needs a path")
		}
		return sqlitestore.New(opts.SQLitePath, opts.Logger, opts.Metrics), nil
	case cache.KindSecondary:
		if opts.RedisAddr == "" {
			return nil, fmt.Errorf("secondary cache needs a redis address")
		}
		return redisstore.New(opts.RedisAddr, opts.RedisTTL, opts.Logger, opts.Metrics), nil
	case cache.KindNone:
		return nocache.Store{}, nil
	default:
		return nil, fmt.Errorf("unknown cache kind %q", kind)
	}
}
