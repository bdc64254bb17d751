// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package prerender

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/buke/prerender/artifact"
)

// poolEntry is a pending or resolved sandbox build.
type poolEntry struct {
	done      chan struct{}      // Closed once the build resolved
	cancel    context.CancelFunc // Aborts the build
	sandbox   Sandbox            // Set on success
	err       error              // Set on failure
	prewarmed bool               // Built ahead of the dequeue that took it
}

// pool keeps a FIFO of sandbox builds for one artifact. Each entry is handed
// out at most once and every dequeue schedules exactly one replacement.
type pool struct {
	factory  SandboxFactory     // Builds sandboxes
	artifact *artifact.Artifact // Artifact every sandbox is built from
	maxSize  int                // Steady-state number of queued entries
	logger   *slog.Logger
	observer Observer

	mu     sync.Mutex
	queue  []*poolEntry
	closed bool

	terminalOnce sync.Once // Guards the one-time report of a terminal build error
}

// newPool creates a pool. Builds start with start.
func newPool(factory SandboxFactory, a *artifact.Artifact, maxSize int, logger *slog.Logger, observer Observer) *pool {
	if maxSize < 1 {
		maxSize = 1
	}
	return &pool{
		factory:  factory,
		artifact: a,
		maxSize:  maxSize,
		logger:   logger,
		observer: observer,
	}
}

// start schedules maxSize builds. They run in the background; start never
// waits for them.
func (p *pool) start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < p.maxSize; i++ {
		p.enqueueLocked()
	}

	p.logger.Debug("Sandbox pool started", "app", p.artifact.Name, "maxSize", p.maxSize)
}

// enqueueLocked appends one pending entry and starts its build.
func (p *pool) enqueueLocked() {
	e := p.spawn(true)
	p.queue = append(p.queue, e)
	p.observer.PoolPending(len(p.queue))
}

// spawn starts a build in its own goroutine.
func (p *pool) spawn(prewarmed bool) *poolEntry {
	ctx, cancel := context.WithCancel(context.Background())
	e := &poolEntry{done: make(chan struct{}), cancel: cancel, prewarmed: prewarmed}
	go p.build(ctx, e)
	return e
}

func (p *pool) build(ctx context.Context, e *poolEntry) {
	defer close(e.done)
	defer e.cancel()

	start := time.Now()
	sb, err := p.factory(ctx, p.artifact)
	p.observer.SandboxBuilt(e.prewarmed, time.Since(start), err)
	if err != nil {
		e.err = err
		p.reportBuildError(err)
		return
	}
	e.sandbox = sb
}

// reportBuildError logs terminal artifact defects once per pool and every
// other failure each time.
func (p *pool) reportBuildError(err error) {
	if IsTerminal(err) {
		p.terminalOnce.Do(func() {
			p.logger.Error("Sandbox build failed, artifact needs a reload", "app", p.artifact.Name, "error", err)
		})
		return
	}
	p.logger.Warn("Sandbox build failed", "app", p.artifact.Name, "error", err)
}

// dequeue hands out the oldest entry, or builds one synchronously when the
// queue is empty, and schedules one replacement either way. It reports whether
// the sandbox came from the queue.
func (p *pool) dequeue(ctx context.Context) (Sandbox, bool, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, false, ErrPoolClosed
	}

	var e *poolEntry
	if len(p.queue) > 0 {
		e = p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
	} else {
		e = p.spawn(false)
	}
	p.enqueueLocked()
	p.mu.Unlock()

	select {
	case <-e.done:
		return e.sandbox, e.prewarmed, e.err
	case <-ctx.Done():
		e.cancel()
		go discard(e)
		return nil, e.prewarmed, context.Cause(ctx)
	}
}

// discard destroys the sandbox of an entry nobody will use.
func discard(e *poolEntry) {
	<-e.done
	if e.sandbox != nil {
		_ = e.sandbox.Destroy()
	}
}

// pending returns the number of queued entries.
func (p *pool) pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// close stops handing out entries, aborts queued builds and destroys their
// sandboxes. Entries already dequeued belong to their visits and are left alone.
func (p *pool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	queue := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, e := range queue {
		e.cancel()
	}
	var wg sync.WaitGroup
	for _, e := range queue {
		wg.Add(1)
		go func(e *poolEntry) {
			defer wg.Done()
			discard(e)
		}(e)
	}
	wg.Wait()

	p.logger.Debug("Sandbox pool closed", "app", p.artifact.Name, "discarded", len(queue))
}
