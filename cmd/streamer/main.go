// Command streamer runs the tile streaming engine behind a debug HTTP server.
// Viewport changes and control flags are posted to the server; the tiles are
// fetched, cached and handed to a logging consumer.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/tilestream/internal/app/server"
	"github.com/mohammed-shakir/tilestream/internal/bundle"
	"github.com/mohammed-shakir/tilestream/internal/cache/backends"
	"github.com/mohammed-shakir/tilestream/internal/config"
	"github.com/mohammed-shakir/tilestream/internal/engine"
	"github.com/mohammed-shakir/tilestream/internal/health"
	"github.com/mohammed-shakir/tilestream/internal/logger"
	"github.com/mohammed-shakir/tilestream/internal/metrics"
	"github.com/mohammed-shakir/tilestream/internal/netbatch"
	"github.com/mohammed-shakir/tilestream/internal/resolver"
	"github.com/mohammed-shakir/tilestream/pkg/invalidation/kafka"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		zl := logger.Build(logger.Config{Level: "info", Component: "tilestream"}, os.Stderr)
		logger.NewSlog(&zl).Error("invalid configuration", "err", err)
		return 2
	}

	zl := logger.Build(cfg.Logger(), os.Stdout)
	appLog := logger.NewSlog(&zl)
	appLog.Info("starting streamer",
		"addr", cfg.Addr,
		"version", Version,
		"tile_server", cfg.Server.URL,
		"cache", cfg.Cache.Kind)

	p := metrics.Init(metrics.BuildInfo{
		Version:   Version,
		Revision:  os.Getenv("BUILD_REVISION"),
		Branch:    os.Getenv("BUILD_BRANCH"),
		BuildDate: os.Getenv("BUILD_DATE"),
	})
	m := p.Engine()

	store, err := backends.New(cfg.StoreOptions(appLog, m))
	if err != nil {
		appLog.Error("cache setup failed", "err", err)
		return 1
	}

	var bundles []resolver.Bundle
	for _, path := range cfg.Cache.Bundles {
		b, err := bundle.Open(path)
		if err != nil {
			appLog.Warn("skipping bundle", "path", path, "err", err)
			continue
		}
		defer func() { _ = b.Close() }()
		appLog.Info("bundle opened", "name", b.Name(), "path", path, "coverage", len(b.Coverage()))
		bundles = append(bundles, b)
	}

	cons := &logConsumer{log: appLog.With("component", "consumer")}
	opts := cfg.EngineOptions()
	opts.Logger = appLog
	opts.Metrics = m
	opts.Consumer = cons
	opts.Store = store
	opts.Bundles = bundles
	opts.Transport = &netbatch.HTTPTransport{URL: cfg.Server.URL, Client: netbatch.NewOutbound(cfg.Server.Timeout)}

	eng, err := engine.New(opts)
	if err != nil {
		_ = store.Close()
		appLog.Error("engine setup failed", "err", err)
		return 1
	}

	inval := kafka.New(kafka.Config{
		Enabled: cfg.Invalidation.Enabled,
		Brokers: cfg.Invalidation.Brokers,
		Topic:   cfg.Invalidation.Topic,
		GroupID: cfg.Invalidation.GroupID,
	}, eng, kafka.Options{Logger: appLog, Register: p.Registerer()})

	var ready []health.ReadinessReporter
	if cfg.Invalidation.Enabled {
		ready = append(ready, inval)
	}
	handler := server.NewRouter(server.Deps{
		Logger:  appLog,
		Engine:  eng,
		Metrics: p.Handler(),
		Ready:   ready,
	})

	// The engine outlives the signal context so Shutdown can save its buffers.
	engCtx, cancelEngine := context.WithCancel(context.Background())
	defer cancelEngine()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(engCtx) })
	g.Go(func() error { return server.Run(gctx, cfg.Addr, handler, appLog) })
	if err := inval.Start(gctx); err != nil {
		appLog.Error("invalidation runner failed to start", "err", err)
	}
	g.Go(func() error {
		<-gctx.Done()
		inval.Stop()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownWait)
		defer cancel()
		if err := eng.Shutdown(sctx); err != nil {
			appLog.Warn("engine shutdown timed out", "err", err)
			cancelEngine()
		}
		return nil
	})

	code := 0
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		appLog.Error("streamer exited with error", "err", err)
		code = 1
	}
	appLog.Info("streamer stopped", cons.summary()...)
	return code
}
