// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/buke/prerender/artifact"
)

// Runner is the worker-side application: it serves HTTP with a renderer.
type Runner interface {
	// Start builds the application and starts serving. It must not block.
	Start(ctx context.Context) error
	// Reload rebuilds the application from paths, keeping the listener.
	Reload(ctx context.Context, paths artifact.Paths) error
	// Stop stops serving and tears the application down.
	Stop(ctx context.Context) error
}

// WorkerChannel opens the message channel inherited from the supervisor.
func WorkerChannel() (*Channel, error) {
	out := os.NewFile(fdToSupervisor, "to-supervisor")
	in := os.NewFile(fdFromSupervisor, "from-supervisor")
	if out == nil || in == nil {
		return nil, fmt.Errorf("supervisor channel is not inherited")
	}
	return NewChannel(in, out), nil
}

// InheritedListener returns the listening socket shared by all workers.
func InheritedListener() (net.Listener, error) {
	f := os.NewFile(fdListener, "listener")
	if f == nil {
		return nil, fmt.Errorf("listener is not inherited")
	}
	defer f.Close()
	l, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("inheriting listener: %w", err)
	}
	return l, nil
}

// WorkerPaths reads the artifact paths a worker was spawned with.
func WorkerPaths() artifact.Paths {
	return artifact.Paths{Dist: os.Getenv(EnvDistPath), Assets: os.Getenv(EnvAssetsPath)}.WithDefaults()
}

// RunWorker starts r, reports readiness over ch and then follows control
// messages until shutdown. A start failure is reported to the supervisor and
// returned. Losing the channel or cancelling ctx stops the worker.
func RunWorker(ctx context.Context, ch *Channel, r Runner, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	pid := os.Getpid()
	stopCtx := context.WithoutCancel(ctx)

	if err := r.Start(ctx); err != nil {
		logger.Error("Worker failed to start", "pid", pid, "error", err)
		if serr := ch.Send(Message{Event: EventError, Error: err.Error(), PID: pid}); serr != nil {
			logger.Error("Reporting start failure failed", "pid", pid, "error", serr)
		}
		return err
	}
	if err := ch.Send(Message{Event: EventHTTPOnline, PID: pid}); err != nil {
		_ = r.Stop(stopCtx)
		return fmt.Errorf("signalling ready: %w", err)
	}

	msgs := make(chan Message)
	lost := make(chan error, 1)
	go func() {
		for {
			m, err := ch.Receive()
			if errors.Is(err, ErrMalformedMessage) {
				logger.Warn("Ignoring malformed supervisor message", "pid", pid, "error", err)
				continue
			}
			if err != nil {
				lost <- err
				return
			}
			select {
			case msgs <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Worker interrupted", "pid", pid)
			return r.Stop(stopCtx)
		case err := <-lost:
			logger.Warn("Supervisor channel closed, stopping", "pid", pid, "error", err)
			return r.Stop(stopCtx)
		case m := <-msgs:
			switch m.Event {
			case EventReload:
				paths := m.Paths()
				if err := r.Reload(ctx, paths); err != nil {
					logger.Error("Reload failed, keeping current application", "pid", pid, "dist", paths.Dist, "error", err)
					continue
				}
				logger.Info("Application reloaded", "pid", pid, "dist", paths.Dist)
			case EventShutdown:
				logger.Info("Worker shutting down", "pid", pid)
				return r.Stop(stopCtx)
			case EventError:
				logger.Error("Startup aborted by supervisor", "pid", pid, "error", m.Error)
				_ = r.Stop(stopCtx)
				return &WorkerError{PID: m.PID, Message: m.Error}
			default:
				logger.Warn("Unexpected supervisor message", "pid", pid, "event", m.Event)
			}
		}
	}
}
