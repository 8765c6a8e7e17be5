// Package redisstore is the secondary tile cache backed by Redis. Each tile is one
// hash whose fields are the serialized keys of its blobs.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/mohammed-shakir/tilestream/internal/cache"
	"github.com/mohammed-shakir/tilestream/internal/logger"
	"github.com/mohammed-shakir/tilestream/internal/metrics"
)

const (
	storeName  = "redis"
	emptyField = "_empty"
	keyPrefix  = "tilestream:tile:"
)

type Option func(*redis.Options)

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

func WithMinIdleConns(n int) Option {
	return func(o *redis.Options) { o.MinIdleConns = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

func WithReadTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.ReadTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.WriteTimeout = d }
}

type Client struct {
	addr string
	ttl  time.Duration
	opts []Option
	log  *slog.Logger
	m    *metrics.Engine

	mu  sync.RWMutex
	rdb *redis.Client
}

var _ cache.Store = (*Client)(nil)

// New prepares a client for addr; the connection is made by Open. A ttl of zero
// keeps tiles until removed.
func New(addr string, ttl time.Duration, l *slog.Logger, m *metrics.Engine, opts ...Option) *Client {
	return &Client{
		addr: addr,
		ttl:  ttl,
		opts: opts,
		log:  logger.OrDiscard(l).With("component", "redisstore"),
		m:    m,
	}
}

func (c *Client) Open(ctx context.Context) error {
	if c.addr == "" {
		return errors.New("redis address is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rdb != nil {
		return nil
	}

	ro := &redis.Options{
		Addr:         c.addr,
		PoolSize:     16,
		MinIdleConns: 2,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	}
	for _, f := range c.opts {
		f(ro)
	}

	rdb := redis.NewClient(ro)
	err := rdb.Ping(ctx).Err()
	c.m.StoreOp(storeName, "ping", err)
	if err != nil {
		_ = rdb.Close()
		return fmt.Errorf("redis ping: %w", err)
	}
	c.rdb = rdb
	c.log.Info("redis cache opened", "addr", c.addr, "ttl", c.ttl)
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rdb == nil {
		return nil
	}
	err := c.rdb.Close()
	c.rdb = nil
	if err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}

func (c *Client) client() (*redis.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.rdb == nil {
		return nil, errors.New("redis: not open")
	}
	return c.rdb, nil
}

func hashKey(key string) (string, error) {
	tile, err := cache.TileOf(key)
	if err != nil {
		return "", err
	}
	return keyPrefix + tile, nil
}

func (c *Client) Get(ctx context.Context, key string) (cache.Record, bool, error) {
	rdb, err := c.client()
	if err != nil {
		return cache.Record{}, false, err
	}
	hk, err := hashKey(key)
	if err != nil {
		return cache.Record{}, false, err
	}
	vals, err := rdb.HGetAll(ctx, hk).Result()
	if err != nil {
		c.m.StoreOp(storeName, "get", err)
		return cache.Record{}, false, fmt.Errorf("redis HGETALL %q: %w", hk, err)
	}

	mask := int32(-1)
	if v, ok := vals[emptyField]; ok {
		if n, perr := strconv.ParseInt(v, 10, 32); perr == nil {
			mask = int32(n)
		}
		delete(vals, emptyField)
	}
	if len(vals) == 0 {
		c.m.StoreMiss(storeName, "get")
		return cache.Record{}, false, nil
	}
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	blobs := make([][]byte, len(keys))
	for i, k := range keys {
		blobs[i] = []byte(vals[k])
	}
	c.m.StoreOp(storeName, "get", nil)
	return cache.NewRecord(keys, blobs, mask), true, nil
}

// Put merges rec into the tile hash and refreshes its TTL.
func (c *Client) Put(ctx context.Context, rec cache.Record) error {
	if rec.Empty() {
		return nil
	}
	rdb, err := c.client()
	if err != nil {
		return err
	}
	hk, err := hashKey(rec.Keys[0])
	if err != nil {
		return err
	}
	fields := make([]any, 0, 2*len(rec.Keys)+2)
	for i, k := range rec.Keys {
		other, err := hashKey(k)
		if err != nil {
			return err
		}
		if other != hk {
			return fmt.Errorf("redis: record mixes %s and %s", hk, other)
		}
		fields = append(fields, k, rec.Blobs[i])
	}
	if rec.EmptyMask >= 0 {
		fields = append(fields, emptyField, strconv.FormatInt(int64(rec.EmptyMask), 10))
	}

	_, err = rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, hk, fields...)
		if c.ttl > 0 {
			p.Expire(ctx, hk, c.ttl)
		}
		return nil
	})
	c.m.StoreOp(storeName, "put", err)
	if err != nil {
		return fmt.Errorf("redis HSET %q: %w", hk, err)
	}
	return nil
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	rdb, err := c.client()
	if err != nil {
		return false, err
	}
	hk, err := hashKey(key)
	if err != nil {
		return false, err
	}
	ok, err := rdb.HExists(ctx, hk, key).Result()
	c.m.StoreOp(storeName, "exists", err)
	if err != nil {
		return false, fmt.Errorf("redis HEXISTS %q: %w", hk, err)
	}
	return ok, nil
}

// Remove drops the field of key. A hash left with only the empty mask reads as a
// miss and expires with its TTL.
func (c *Client) Remove(ctx context.Context, key string) error {
	rdb, err := c.client()
	if err != nil {
		return err
	}
	hk, err := hashKey(key)
	if err != nil {
		return err
	}
	err = rdb.HDel(ctx, hk, key).Err()
	c.m.StoreOp(storeName, "remove", err)
	if err != nil {
		return fmt.Errorf("redis HDEL %q: %w", hk, err)
	}
	return nil
}

// SetVisible has nothing to flush; Redis persists on its own schedule.
func (c *Client) SetVisible(bool) {}
