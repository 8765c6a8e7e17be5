// Package engine is the control loop of the tile streamer. A single goroutine owns
// the tile states, the request tables and the live descriptor; callers and network
// callbacks talk to it through a task queue.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/tilestream/internal/cache"
	"github.com/mohammed-shakir/tilestream/internal/cache/memcache"
	"github.com/mohammed-shakir/tilestream/internal/cache/nocache"
	"github.com/mohammed-shakir/tilestream/internal/extract"
	"github.com/mohammed-shakir/tilestream/internal/format"
	"github.com/mohammed-shakir/tilestream/internal/logger"
	"github.com/mohammed-shakir/tilestream/internal/metrics"
	"github.com/mohammed-shakir/tilestream/internal/netbatch"
	"github.com/mohammed-shakir/tilestream/internal/queue"
	"github.com/mohammed-shakir/tilestream/internal/resolver"
	"github.com/mohammed-shakir/tilestream/internal/tiledata"
	"github.com/mohammed-shakir/tilestream/internal/tilekey"
	"github.com/mohammed-shakir/tilestream/internal/tilestate"
	"github.com/mohammed-shakir/tilestream/internal/viewport"
)

var (
	ErrRunning = errors.New("engine: already running")
	ErrStopped = errors.New("engine: stopped")
)

// Consumer receives decoded data on the control loop goroutine. Implementations
// must not block.
type Consumer interface {
	TileReady(t *tiledata.GeoTile)
	StringsReady(t *tiledata.StringTile)
	BitmapReady(key tilekey.Key, data []byte)
	DescriptorChanged(d format.Descriptor)
	TileRemoved(key tilekey.Key)
}

// NopConsumer discards everything.
type NopConsumer struct{}

func (NopConsumer) TileReady(*tiledata.GeoTile)         {}
func (NopConsumer) StringsReady(*tiledata.StringTile)   {}
func (NopConsumer) BitmapReady(tilekey.Key, []byte)     {}
func (NopConsumer) DescriptorChanged(format.Descriptor) {}
func (NopConsumer) TileRemoved(tilekey.Key)             {}

type Options struct {
	Logger   *slog.Logger
	Metrics  *metrics.Engine
	Consumer Consumer

	// Store is the disk or secondary cache; nil means no cache.
	Store   cache.Store
	Bundles []resolver.Bundle

	Transport netbatch.Transport
	// Scheduler runs network exchanges; nil means time.AfterFunc.
	Scheduler      netbatch.Scheduler
	Compressed     bool
	MaxReply       uint32
	RequestTimeout time.Duration

	// Descriptor is installed at start when set, before any cached or fetched one.
	Descriptor *format.Grid

	MemoryEntries int
	OverviewCount int
	Lang          string
	Triangulate   bool
	Offline       bool
	OfflineCached bool
	LogSample     float64
}

type Engine struct {
	log  *slog.Logger
	m    *metrics.Engine
	opts Options

	live     format.Live
	table    *tilestate.Table
	tracker  *viewport.Tracker
	resolver *resolver.Resolver
	batcher  *netbatch.Batcher
	pipeline *extract.Pipeline
	store    cache.Store
	consumer Consumer

	tasks  *queue.FIFO[Task]
	writes *queue.FIFO[write]

	// loop-owned
	ctx          context.Context
	started      bool
	visible      bool
	vp           viewport.Viewport
	haveViewport bool
	dirty        bool

	cancel  context.CancelFunc
	running atomic.Bool
	stopped chan struct{}
	stats   atomic.Pointer[Stats]
}

// write is one unit of work for the cache writer. A write with done set and no
// record is a barrier.
type write struct {
	rec  cache.Record
	done chan struct{}
}

func New(opts Options) (*Engine, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("engine: transport is required")
	}
	if opts.Consumer == nil {
		opts.Consumer = NopConsumer{}
	}
	if opts.Store == nil {
		opts.Store = nocache.Store{}
	}
	if opts.MemoryEntries <= 0 {
		opts.MemoryEntries = 4096
	}

	e := &Engine{
		log:      logger.OrDiscard(opts.Logger).With("component", "engine"),
		m:        opts.Metrics,
		opts:     opts,
		table:    tilestate.NewTable(),
		store:    opts.Store,
		consumer: opts.Consumer,
		tasks:    queue.New[Task](),
		writes:   queue.New[write](),
		ctx:      context.Background(),
		visible:  true,
		stopped:  make(chan struct{}),
	}

	e.pipeline = extract.New(&e.live, extract.Options{
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
		Triangulate: opts.Triangulate,
		LogSample:   opts.LogSample,
	})
	e.batcher = netbatch.New(opts.Transport, opts.Scheduler, netbatch.Callbacks{
		OnData: func(key string, payload []byte) {
			e.tasks.Push(Task{Kind: TaskNetworkData, Key: key, Payload: payload})
		},
		OnFailed: func(keys []string) {
			e.tasks.Push(Task{Kind: TaskNetworkFailed, Keys: keys})
		},
	}, netbatch.Options{
		Logger:     opts.Logger,
		Metrics:    opts.Metrics,
		Compressed: opts.Compressed,
		MaxReply:   opts.MaxReply,
		Timeout:    opts.RequestTimeout,
	})
	e.resolver = resolver.New(memcache.New(opts.MemoryEntries), e.store, opts.Bundles, e.batcher, &e.live,
		e.pipeline.Submit, resolver.Options{
			Logger:    opts.Logger,
			Metrics:   opts.Metrics,
			LogSample: opts.LogSample,
		})
	e.resolver.SetOffline(opts.Offline)
	e.resolver.SetOfflineCached(opts.OfflineCached)
	e.tracker = viewport.NewTracker(&e.live, e.table, viewport.Callbacks{
		Request: e.request,
		Evicted: e.evicted,
	}, viewport.Options{
		Logger:        opts.Logger,
		OverviewCount: opts.OverviewCount,
		Lang:          opts.Lang,
	})
	e.stats.Store(&Stats{Visible: true, Offline: opts.Offline, OfflineCached: opts.OfflineCached})
	return e, nil
}

// Run drives the control loop, the extraction worker and the cache writer until
// ctx is cancelled or Shutdown is called. The store is closed on return.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer close(e.stopped)

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	defer cancel()
	e.batcher.SetContext(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.pipeline.Run(gctx) })
	g.Go(func() error { return e.writer(gctx) })
	g.Go(func() error { return e.loop(gctx) })
	err := g.Wait()
	e.drainWrites()

	if cerr := e.store.Close(); cerr != nil {
		e.log.Warn("close cache", "error", cerr)
	}
	e.log.Info("engine stopped")
	return err
}

func (e *Engine) loop(ctx context.Context) error {
	e.log.Info("engine started", "lang", e.tracker.Lang(), "overview", e.opts.OverviewCount)
	for {
		if e.cycle(ctx) {
			e.cancel()
			return nil
		}
		if e.trackable() {
			continue
		}
		select {
		case <-ctx.Done():
			e.saveAll(nil)
			return nil
		case <-e.tasks.Ready():
		case <-e.pipeline.Output().Ready():
		}
	}
}

// cycle runs one wake-up of the loop and reports whether a shutdown was handled.
func (e *Engine) cycle(ctx context.Context) (shutdown bool) {
	e.ctx = ctx
	for _, t := range e.tasks.Drain() {
		if e.handleTask(t) {
			shutdown = true
		}
	}
	if shutdown {
		return true
	}
	if !e.started {
		e.start()
	}
	if e.trackable() {
		e.dirty = false
		e.safely("viewport", func() {
			if n := e.tracker.Update(e.vp); n > 0 {
				e.log.Debug("viewport applied", "requests", n, "resident", e.table.Len())
			}
		})
	}
	for _, res := range e.pipeline.Output().Drain() {
		e.handleResult(res)
	}
	e.batcher.Flush()
	e.publishStats()
	return false
}

// trackable reports a viewport change that can be applied now.
func (e *Engine) trackable() bool {
	return e.dirty && e.haveViewport && e.live.Load() != nil
}

// start opens the cache and issues the first descriptor load. It runs once.
func (e *Engine) start() {
	e.started = true
	if err := e.store.Open(e.ctx); err != nil {
		e.log.Error("open cache, continuing without it", "error", err)
		e.store = nocache.Store{}
		e.resolver.DisableStore()
	}
	if e.opts.Descriptor != nil {
		e.installDescriptor(e.opts.Descriptor)
	}
	if e.live.Load() == nil {
		e.resolver.Request(e.ctx, tilekey.Descriptor())
	}
	e.resolver.RequestNetwork(tilekey.DescriptorCRC())
}

// safely runs f and logs a panic instead of letting it unwind the loop.
func (e *Engine) safely(what string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("handler panic", "handler", what, "panic", r)
		}
	}()
	f()
}

func (e *Engine) writer(ctx context.Context) error {
	for {
		w, err := e.writes.Next(ctx)
		if err != nil {
			e.drainWrites()
			return nil
		}
		e.write(ctx, w)
	}
}

// drainWrites finishes queued writes after cancellation so a final save lands.
func (e *Engine) drainWrites() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		w, ok := e.writes.Pop()
		if !ok {
			return
		}
		e.write(ctx, w)
	}
}

func (e *Engine) write(ctx context.Context, w write) {
	if w.done != nil {
		close(w.done)
		return
	}
	if err := e.store.Put(ctx, w.rec); err != nil {
		e.log.Warn("cache write failed", "keys", w.rec.Count, "bytes", w.rec.TotalSize, "error", err)
	}
}

// UpdateViewport queues a new visible area. Safe from any goroutine.
func (e *Engine) UpdateViewport(v viewport.Viewport) {
	e.tasks.Push(Task{Kind: TaskUpdateViewport, Viewport: v})
}

// ResetLayer drops the resident tiles of layer and requests them again.
func (e *Engine) ResetLayer(layer int) {
	e.tasks.Push(Task{Kind: TaskResetLayer, Layer: layer})
}

func (e *Engine) SetOffline(v bool) { e.tasks.Push(Task{Kind: TaskSetOffline, Flag: v}) }

// SetOfflineForCachedLayers keeps cacheable layers off the network.
func (e *Engine) SetOfflineForCachedLayers(v bool) {
	e.tasks.Push(Task{Kind: TaskSetOfflineCached, Flag: v})
}

// SetVisible reports whether the map is on screen. Becoming visible resets the
// network backoff; going away saves buffered tiles.
func (e *Engine) SetVisible(v bool) { e.tasks.Push(Task{Kind: TaskSetVisible, Flag: v}) }

// Invalidate purges key from every cache and reloads it if it is visible.
func (e *Engine) Invalidate(key tilekey.Key) {
	e.tasks.Push(Task{Kind: TaskInvalidate, Key: key.String()})
}

// SetLanguage switches the language of string tiles and fetches them again.
func (e *Engine) SetLanguage(lang string) {
	e.tasks.Push(Task{Kind: TaskSetLanguage, Lang: lang})
}

// SaveCache writes every buffered tile and waits until the writes are done.
func (e *Engine) SaveCache(ctx context.Context) error {
	done := make(chan struct{})
	e.tasks.Push(Task{Kind: TaskSaveCache, Done: done})
	select {
	case <-done:
		return nil
	case <-e.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown saves buffered tiles and stops Run.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.tasks.Push(Task{Kind: TaskShutdown})
	select {
	case <-e.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Descriptor returns the live descriptor or nil before the first load.
func (e *Engine) Descriptor() format.Descriptor { return e.live.Load() }
