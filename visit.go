// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package prerender

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"
)

// VisitState is a state of the visit pipeline.
type VisitState int

const (
	StatePending VisitState = iota
	StateBooting
	StateRendering
	StateFinalizing
	StateDestroyed
	StateErrored
)

func (s VisitState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateBooting:
		return "booting"
	case StateRendering:
		return "rendering"
	case StateFinalizing:
		return "finalizing"
	case StateDestroyed:
		return "destroyed"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

// VisitOptions configures one visit. The zero value renders with shoebox
// embedding and the renderer's default destroy timeout.
type VisitOptions struct {
	Request              *http.Request  // Inbound request exposed to the application
	Response             *Response      // Response surrogate, created when nil
	HTML                 string         // Shell override, the artifact's shell when empty
	Metadata             map[string]any // Initial metadata bag
	ShouldRender         *bool          // Render, or route only; defaults to true
	DisableShoebox       bool           // Skip embedding shoebox entries
	DestroyAppInstanceIn time.Duration  // Forced-destroy timeout, 0 uses the renderer default
}

// pipeline drives one visit through its states.
type pipeline struct {
	renderer *Renderer
	path     string
	opts     *VisitOptions
	result   *VisitResult
}

func (p *pipeline) run(ctx context.Context) {
	start := time.Now()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	timeout := p.opts.DestroyAppInstanceIn
	if timeout == 0 {
		timeout = p.renderer.destroyTimeout
	}

	// Whoever claims first decides the outcome: the forced-destroy timer or
	// the returning render.
	var claimed atomic.Bool
	forced := &ForcedDestructionError{After: timeout}
	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			if !claimed.CompareAndSwap(false, true) {
				return
			}
			p.result.abort(forced)
			cancel(forced)
			_ = p.result.Destroy()
		})
		defer timer.Stop()
	}

	err := p.render(ctx)
	if !claimed.CompareAndSwap(false, true) {
		err = forced
	}
	p.finish(err, start)
}

// render covers Pending through Rendering and captures the render target.
func (p *pipeline) render(ctx context.Context) error {
	r := p.result
	sb, gen, prewarmed, err := p.renderer.dequeue(ctx)
	r.Analytics.UsedPrebuiltSandbox = prewarmed
	if gen != nil && p.opts.HTML == "" {
		r.shell = gen.artifact.HTML
	}
	if err != nil {
		return err
	}
	if !r.attach(sb) {
		_ = sb.Destroy()
		return context.Cause(ctx)
	}

	response := p.opts.Response
	if response == nil {
		response = NewResponse()
	}
	shouldRender := true
	if p.opts.ShouldRender != nil {
		shouldRender = *p.opts.ShouldRender
	}
	vc := &VisitContext{
		URL:          p.path,
		Request:      p.opts.Request,
		Response:     response,
		Metadata:     r.Metadata,
		Hosts:        gen.artifact.Hosts,
		ShouldRender: shouldRender,
	}
	defer func() {
		r.StatusCode = response.StatusCode()
		r.Header = response.Header()
	}()

	r.State = StateBooting
	if err := sb.Boot(ctx, vc); err != nil {
		return err
	}
	r.State = StateRendering
	if err := sb.Visit(ctx, p.path); err != nil {
		return err
	}

	r.State = StateFinalizing
	snap, err := sb.Finalize(ctx, p.opts.DisableShoebox)
	if err != nil {
		return err
	}
	r.snapshot = snap
	return nil
}

// finish records the outcome and destroys the instance.
func (p *pipeline) finish(err error, start time.Time) {
	r := p.result
	outcome := "ok"
	if err != nil {
		r.Err = err
		r.State = StateErrored
		outcome = "error"
		var forced *ForcedDestructionError
		if errors.As(err, &forced) {
			outcome = "forced"
		}
		p.renderer.logger.Warn("Visit failed", "path", p.path, "visitId", r.Analytics.VisitID, "error", err)
	}

	if derr := r.Destroy(); derr != nil {
		p.renderer.logger.Warn("Destroying application instance failed", "path", p.path, "error", derr)
	}
	if r.Err == nil {
		r.State = StateDestroyed
	}
	r.Analytics.Duration = time.Since(start)
	p.renderer.observer.VisitCompleted(outcome, r.Analytics.Duration)
}
