// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/buke/prerender"
	"github.com/buke/prerender/artifact"
	"github.com/buke/prerender/cache"
	"github.com/buke/prerender/internal/config"
	"github.com/buke/prerender/internal/metrics"
	"github.com/buke/prerender/sandbox"
	"github.com/buke/prerender/server"
	"github.com/buke/prerender/supervisor"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run one rendering worker (started by serve)",
	Hidden: true,
	RunE:   runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	logger := slog.Default().With("pid", os.Getpid())

	ch, err := supervisor.WorkerChannel()
	if err != nil {
		return err
	}
	l, err := supervisor.InheritedListener()
	if err != nil {
		return err
	}

	m := metrics.NewMetrics()
	srv, closeCache, err := newServer(cfg, supervisor.WorkerPaths(), m, logger, server.WithListener(l))
	if err != nil {
		return err
	}
	defer closeCache()

	// The supervisor decides when workers stop; an interrupt from the
	// terminal reaches it as well.
	signal.Ignore(syscall.SIGINT)
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
	defer stop()

	return supervisor.RunWorker(ctx, ch, srv, logger)
}

// newServer wires a renderer, its cache and the HTTP server from c.
func newServer(c *config.Config, paths artifact.Paths, m *metrics.Metrics, logger *slog.Logger, opts ...func(*server.Server)) (*server.Server, func(), error) {
	r, err := newRenderer(c, paths, logger, prerender.WithObserver(m))
	if err != nil {
		return nil, nil, err
	}

	store, err := cache.Open(c.Cache, c.CacheTTL)
	if err != nil {
		return nil, nil, err
	}
	closeCache := func() {}
	if store != nil {
		opts = append(opts, server.WithHooks(cache.NewHook(store, logger, m.CacheStoreFailed)))
		closeCache = func() {
			if err := store.Close(); err != nil {
				logger.Warn("Closing cache failed", "error", err)
			}
		}
	}

	opts = append([]func(*server.Server){
		server.WithAddr(c.Addr()),
		server.WithRenderPath(c.RenderPath),
		server.WithChunked(c.Chunked),
		server.WithGzip(c.Gzip),
		server.WithBasicAuth(c.Username, c.Password),
		server.WithMetrics(m),
		server.WithLogger(logger),
	}, opts...)
	return server.New(r, opts...), closeCache, nil
}

// newRenderer builds an unstarted renderer from c.
func newRenderer(c *config.Config, paths artifact.Paths, logger *slog.Logger, opts ...func(*prerender.Renderer)) (*prerender.Renderer, error) {
	factory := sandbox.NewFactory(
		sandbox.WithLogger(logger),
		sandbox.WithConsolePrinter(sandbox.NewConsolePrinter(os.Stdout, os.Stderr, "")),
	)
	return prerender.New(append([]func(*prerender.Renderer){
		prerender.WithSandboxFactory(factory),
		prerender.WithPaths(paths),
		prerender.WithPoolSize(c.PoolSize),
		prerender.WithResilient(c.Resilient),
		prerender.WithDestroyTimeout(c.DestroyTimeout),
		prerender.WithLogger(logger),
	}, opts...)...)
}
