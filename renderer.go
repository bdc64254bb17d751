// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package prerender renders a prebuilt single-page application on the server.
//
// A Renderer loads an artifact, keeps a pool of pre-warmed sandboxes built
// from it and drives each visit through boot, render, capture and teardown.
package prerender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buke/prerender/artifact"
)

// generation pairs an artifact with the pool building sandboxes from it.
type generation struct {
	artifact *artifact.Artifact
	pool     *pool
}

// Renderer serves visits against the current artifact. Reload swaps in a new
// artifact without disturbing visits already holding a sandbox.
type Renderer struct {
	factory        SandboxFactory // Builds sandboxes
	paths          artifact.Paths // Where the artifact is loaded from
	poolSize       int            // Queued sandboxes per generation
	resilient      bool           // Attach visit errors to results instead of returning them
	destroyTimeout time.Duration  // Default forced-destroy timeout, 0 disables it

	gen atomic.Pointer[generation] // Current generation, nil until Start
	mu  sync.Mutex                 // Serializes Start, Reload and Stop

	observer Observer
	logger   *slog.Logger
}

// New creates a renderer. A sandbox factory and a dist path are required.
func New(opts ...func(*Renderer)) (*Renderer, error) {
	r := &Renderer{
		poolSize:  runtime.GOMAXPROCS(0), // Default to CPU count
		resilient: true,                  // Errors are attached to results
		observer:  nopObserver{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.factory == nil {
		return nil, fmt.Errorf("sandbox factory must be provided")
	}
	if r.paths.Dist == "" {
		return nil, fmt.Errorf("dist path must be provided")
	}
	return r, nil
}

// WithSandboxFactory sets the factory sandboxes are built with.
func WithSandboxFactory(factory SandboxFactory) func(*Renderer) {
	return func(r *Renderer) {
		r.factory = factory
	}
}

// WithPaths sets where the artifact is loaded from.
func WithPaths(paths artifact.Paths) func(*Renderer) {
	return func(r *Renderer) {
		r.paths = paths.WithDefaults()
	}
}

// WithPoolSize sets how many sandboxes are kept pre-warmed.
func WithPoolSize(size int) func(*Renderer) {
	return func(r *Renderer) {
		if size > 0 {
			r.poolSize = size
		}
	}
}

// WithResilient controls whether visit errors are returned or only attached
// to the result.
func WithResilient(resilient bool) func(*Renderer) {
	return func(r *Renderer) {
		r.resilient = resilient
	}
}

// WithDestroyTimeout sets the default forced-destroy timeout.
func WithDestroyTimeout(timeout time.Duration) func(*Renderer) {
	return func(r *Renderer) {
		if timeout >= 0 {
			r.destroyTimeout = timeout
		}
	}
}

// WithObserver sets the receiver of pool and visit events.
func WithObserver(observer Observer) func(*Renderer) {
	return func(r *Renderer) {
		if observer != nil {
			r.observer = observer
		}
	}
}

// WithLogger configures the logger for the renderer
func WithLogger(logger *slog.Logger) func(*Renderer) {
	return func(r *Renderer) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Start loads the artifact and starts pre-warming sandboxes. A descriptor
// error is fatal and leaves the renderer unstarted.
func (r *Renderer) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen.Load() != nil {
		return fmt.Errorf("renderer already started")
	}

	gen, err := r.newGeneration(r.paths)
	if err != nil {
		return err
	}
	r.gen.Store(gen)
	return nil
}

func (r *Renderer) newGeneration(paths artifact.Paths) (*generation, error) {
	a, err := artifact.Load(paths)
	if err != nil {
		return nil, err
	}
	p := newPool(r.factory, a, r.poolSize, r.logger, r.observer)
	p.start()

	r.logger.Info("Application loaded", "app", a.Name, "dist", a.Paths.Dist, "scripts", len(a.Scripts), "poolSize", r.poolSize)
	return &generation{artifact: a, pool: p}, nil
}

// Artifact returns the current artifact, or nil before Start.
func (r *Renderer) Artifact() *artifact.Artifact {
	if gen := r.gen.Load(); gen != nil {
		return gen.artifact
	}
	return nil
}

// Paths returns the paths the current artifact was loaded from.
func (r *Renderer) Paths() artifact.Paths {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paths
}

// Reload loads the artifact at paths and swaps it in. Visits that already hold
// a sandbox finish against the previous artifact; later visits use the new
// one. On error the current artifact stays in service.
func (r *Renderer) Reload(paths artifact.Paths) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.gen.Load()
	if old == nil {
		return fmt.Errorf("renderer is not started")
	}

	paths = paths.WithDefaults()
	if paths.Dist == "" {
		paths = r.paths
	}
	gen, err := r.newGeneration(paths)
	if err != nil {
		return fmt.Errorf("reloading application: %w", err)
	}
	r.paths = paths
	r.gen.Store(gen)
	go old.pool.close()
	return nil
}

// Stop closes the pool. Visits started afterwards fail with ErrPoolClosed.
func (r *Renderer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	gen := r.gen.Load()
	if gen == nil {
		return fmt.Errorf("renderer is not started")
	}
	gen.pool.close()
	return nil
}

// dequeue takes a sandbox from the current generation. A pool closed by a
// concurrent reload is retried against its successor.
func (r *Renderer) dequeue(ctx context.Context) (Sandbox, *generation, bool, error) {
	gen := r.gen.Load()
	if gen == nil {
		return nil, nil, false, fmt.Errorf("renderer is not started")
	}
	for {
		sb, prewarmed, err := gen.pool.dequeue(ctx)
		if errors.Is(err, ErrPoolClosed) {
			if next := r.gen.Load(); next != gen {
				gen = next
				continue
			}
		}
		return sb, gen, prewarmed, err
	}
}

// Visit renders path. In resilient mode (the default) failures are attached
// to the result and the returned error is nil; otherwise the result's error
// is also returned.
func (r *Renderer) Visit(ctx context.Context, path string, opts *VisitOptions) (*VisitResult, error) {
	if opts == nil {
		opts = &VisitOptions{}
	}
	if path == "" {
		path = "/"
	}

	result := newVisitResult(path, opts.HTML, NewMetadata(opts.Metadata))
	p := &pipeline{renderer: r, path: path, opts: opts, result: result}
	p.run(ctx)

	if !r.resilient && result.Err != nil {
		return result, result.Err
	}
	return result, nil
}
