// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/buke/prerender/artifact"
	"github.com/buke/prerender/internal/metrics"
	"github.com/buke/prerender/supervisor"
)

const shutdownTimeout = 30 * time.Second

var metricsAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the supervisor and its rendering workers",
	Long: `Starts one worker process per CPU (or --workers). All workers accept
connections on one shared socket. SIGHUP reloads the application,
SIGINT and SIGTERM shut down gracefully.`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("host", "", "Listen host (env PRERENDER_HOST)")
	f.Int("port", 0, "Listen port (env PRERENDER_PORT)")
	f.Int("workers", 0, "Number of worker processes, 0 for one per CPU (env PRERENDER_WORKERS)")
	f.Int("pool-size", 0, "Pre-warmed sandboxes per worker (env PRERENDER_POOL_SIZE)")
	f.String("cache", "", "Response cache: memory, sqlite:<file> or off (env PRERENDER_CACHE)")
	f.Duration("watch", 0, "Poll the artifact for changes at this interval (env PRERENDER_WATCH_INTERVAL)")
	f.StringVar(&metricsAddr, "metrics-addr", "", "Serve supervisor metrics on this address")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()
	paths := artifact.Paths{Dist: cfg.DistPath, Assets: cfg.AssetsPath}

	// Fail fast on a broken artifact before forking anything.
	if _, err := artifact.Load(paths); err != nil {
		return err
	}

	l, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Addr(), err)
	}
	listener, err := l.(*net.TCPListener).File()
	l.Close()
	if err != nil {
		return fmt.Errorf("sharing listener: %w", err)
	}
	defer listener.Close()

	m := metrics.NewMetrics()
	if metricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(metricsAddr, m.Handler()); err != nil {
				logger.Error("Metrics server failed", "addr", metricsAddr, "error", err)
			}
		}()
	}

	sup := supervisor.New(
		&supervisor.ExecSpawner{Listener: listener, Env: cfg.Environ()},
		paths,
		supervisor.WithWorkers(supervisor.WorkerCount(cfg.Workers, cfg.TestMode())),
		supervisor.WithLogger(logger),
		supervisor.WithExitHook(m.WorkerExited),
	)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := sup.Start(ctx); err != nil {
		return err
	}
	logger.Info("Serving", "addr", cfg.Addr(), "dist", paths.Dist, "workers", len(sup.Workers()))

	if interval := cfg.Watch(); interval > 0 {
		w := supervisor.NewWatcher(paths, supervisor.WatchOptions{
			Interval: interval,
			Debounce: interval / 2,
			Logger:   logger,
		})
		go w.Run(ctx, sup.Reload)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	for sig := range signals {
		if sig != syscall.SIGHUP {
			logger.Info("Received signal, shutting down", "signal", sig.String())
			break
		}
		if err := sup.Reload(sup.Paths()); err != nil {
			logger.Warn("Reload incomplete", "error", err)
		}
	}

	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("Workers did not stop in time and were killed", "timeout", shutdownTimeout)
			return nil
		}
		return err
	}
	return nil
}
