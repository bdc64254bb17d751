// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package sandbox runs one application instance per isolated goja runtime.
//
// Every runtime is owned by its own event loop. All access to the runtime is
// scheduled onto that loop, so application code in one sandbox never runs
// concurrently with itself, while distinct sandboxes run in parallel.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"
	nodeurl "github.com/dop251/goja_nodejs/url"

	"github.com/buke/prerender"
	"github.com/buke/prerender/artifact"
	"github.com/buke/prerender/loader"
)

// FactoryExport is the name of the application constructor.
const FactoryExport = "createApplication"

// Sandbox implements prerender.Sandbox on a goja runtime.
type Sandbox struct {
	artifact *artifact.Artifact
	opts     *Options
	logger   *slog.Logger
	loop     *eventloop.EventLoop
	vm       *goja.Runtime

	// The runtime published for off-loop interrupts.
	running atomic.Pointer[goja.Runtime]

	destroyed   chan struct{}
	destroyOnce sync.Once
	destroyErr  error

	// Owned by the loop goroutine.
	loader      *loader.Loader
	doc         *document
	app         *goja.Object
	instance    *goja.Object
	bootOptions *goja.Object
	deferred    []goja.Value
	shoebox     shoebox
	rejections  map[*goja.Promise]struct{}
}

var _ prerender.Sandbox = (*Sandbox)(nil)

type factory struct {
	opts     *Options
	registry *require.Registry

	mu       sync.Mutex
	current  *artifact.Artifact
	resolver *loader.Resolver
}

// NewFactory returns a prerender.SandboxFactory building goja sandboxes.
func NewFactory(opts ...Option) prerender.SandboxFactory {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.Printer == nil {
		o.Printer = NewConsolePrinter(nil, nil, "")
	}

	registry := require.NewRegistry(require.WithGlobalFolders(o.HostModulePaths...))
	registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(o.Printer))

	f := &factory{opts: o, registry: registry}
	return func(ctx context.Context, a *artifact.Artifact) (prerender.Sandbox, error) {
		return f.build(ctx, a)
	}
}

// resolverFor shares one resolver across builds of the same artifact. A new
// artifact starts a fresh cache.
func (f *factory) resolverFor(a *artifact.Artifact) *loader.Resolver {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current != a {
		f.current = a
		f.resolver = loader.NewResolver(a.Paths.Dist)
	}
	return f.resolver
}

func (f *factory) build(ctx context.Context, a *artifact.Artifact) (*Sandbox, error) {
	if a == nil {
		return nil, fmt.Errorf("artifact cannot be nil")
	}

	s := &Sandbox{
		artifact:   a,
		opts:       f.opts,
		logger:     f.opts.Logger.With("app", a.Name),
		loop:       eventloop.NewEventLoop(eventloop.WithRegistry(f.registry), eventloop.EnableConsole(false)),
		destroyed:  make(chan struct{}),
		rejections: make(map[*goja.Promise]struct{}),
	}
	s.loop.Start()

	resolver := f.resolverFor(a)
	err := s.run(ctx, func(vm *goja.Runtime) error {
		return s.setup(vm, f.registry, resolver)
	})
	if err != nil {
		_ = s.Destroy()
		return nil, err
	}
	return s, nil
}

// setup seals the capability surface, evaluates the entry scripts and
// constructs the application.
func (s *Sandbox) setup(vm *goja.Runtime, registry *require.Registry, resolver *loader.Resolver) error {
	s.vm = vm
	s.running.Store(vm)
	vm.SetFieldNameMapper(s.opts.FieldNameMapper)
	if s.opts.MaxCallStackSize > 0 {
		vm.SetMaxCallStackSize(s.opts.MaxCallStackSize)
	}
	vm.SetPromiseRejectionTracker(func(p *goja.Promise, op goja.PromiseRejectionOperation) {
		switch op {
		case goja.PromiseRejectionReject:
			s.rejections[p] = struct{}{}
		case goja.PromiseRejectionHandle:
			delete(s.rejections, p)
		}
	})

	host := registry.Enable(vm)
	console.Enable(vm)
	nodeurl.Enable(vm)

	preset := map[string]goja.Value{
		"console":         vm.Get("console"),
		"URL":             vm.Get("URL"),
		"URLSearchParams": vm.Get("URLSearchParams"),
	}
	for _, name := range timerNames {
		preset[name] = vm.Get(name)
	}
	global := vm.GlobalObject()
	for name := range preset {
		_ = global.Delete(name)
	}
	_ = global.Delete("require")

	doc, err := newDocument(vm)
	if err != nil {
		return err
	}
	s.doc = doc
	s.loader = loader.New(vm, resolver, loader.NewWhitelist(s.artifact.Modules...), host)

	if err := s.seal(vm, s.defaultGlobals(preset)); err != nil {
		return fmt.Errorf("installing globals: %w", err)
	}

	var createApplication goja.Callable
	for _, script := range s.artifact.Scripts {
		exports, err := s.loader.Evaluate(script)
		if err != nil {
			return s.buildError(script, err)
		}
		if obj, ok := exports.(*goja.Object); ok {
			if fn, ok := goja.AssertFunction(obj.Get(FactoryExport)); ok {
				createApplication = fn
			}
		}
	}
	if createApplication == nil {
		if fn, ok := goja.AssertFunction(vm.Get(FactoryExport)); ok {
			createApplication = fn
		}
	}
	if createApplication == nil {
		return &ApplicationFactoryMissingError{App: s.artifact.Name, Scripts: s.artifact.Scripts}
	}

	app, err := createApplication(goja.Undefined())
	if err != nil {
		return s.buildError(FactoryExport, err)
	}
	obj, ok := app.(*goja.Object)
	if !ok {
		return &SandboxBuildError{Script: FactoryExport, Err: errors.New("createApplication did not return an object")}
	}
	s.app = obj
	return nil
}

// buildError reports a script failure. A recorded whitelist denial takes
// precedence over the exception it caused.
func (s *Sandbox) buildError(script string, err error) error {
	if denied := s.loader.Denied(); len(denied) > 0 {
		return &SandboxBuildError{Script: script, Err: denied[0]}
	}
	return &SandboxBuildError{Script: script, Err: unwrapException(err)}
}

// hostRequester is the requester identity used by ServerRender.require.
func (s *Sandbox) hostRequester() string {
	return filepath.Join(s.artifact.Paths.Dist, "index.js")
}

// Boot registers the request context, boots the application and builds and
// boots the instance.
func (s *Sandbox) Boot(ctx context.Context, vc *prerender.VisitContext) error {
	var requestCtx *goja.Object
	if _, err := s.await(ctx, func(vm *goja.Runtime) (goja.Value, error) {
		requestCtx = s.requestContext(vm, vc)
		if register, ok := goja.AssertFunction(s.app.Get("register")); ok {
			if _, err := register(s.app, vm.ToValue(RequestContextModule), requestCtx); err != nil {
				return nil, err
			}
		}
		return s.callOptional(s.app, "boot")
	}); err != nil {
		return fmt.Errorf("booting application: %w", err)
	}

	instance, err := s.await(ctx, func(vm *goja.Runtime) (goja.Value, error) {
		build, ok := goja.AssertFunction(s.app.Get("buildInstance"))
		if !ok {
			return nil, errors.New("application has no buildInstance method")
		}
		return build(s.app, requestCtx)
	})
	if err != nil {
		return fmt.Errorf("building instance: %w", err)
	}

	_, err = s.await(ctx, func(vm *goja.Runtime) (goja.Value, error) {
		obj, ok := instance.(*goja.Object)
		if !ok {
			return nil, errors.New("buildInstance did not return an object")
		}
		s.instance = obj

		opts := vm.NewObject()
		_ = opts.Set("isBrowser", false)
		_ = opts.Set("document", s.doc.Object())
		_ = opts.Set("rootElement", s.doc.wrap(s.doc.body))
		_ = opts.Set("shouldRender", vc.ShouldRender)
		_ = opts.Set("isInteractive", false)
		s.bootOptions = opts
		return s.callOptional(obj, "boot", opts)
	})
	if err != nil {
		return fmt.Errorf("booting instance: %w", err)
	}
	return nil
}

// Visit routes the instance to path, then waits until every promise handed
// to deferRendering has settled, including ones added while waiting.
func (s *Sandbox) Visit(ctx context.Context, path string) error {
	_, err := s.await(ctx, func(vm *goja.Runtime) (goja.Value, error) {
		if s.instance == nil {
			return nil, errors.New("instance is not booted")
		}
		visit, ok := goja.AssertFunction(s.instance.Get("visit"))
		if !ok {
			return nil, errors.New("instance has no visit method")
		}
		return visit(s.instance, vm.ToValue(path), s.bootOptions)
	})
	if err != nil {
		return fmt.Errorf("visiting %s: %w", path, err)
	}

	waited := 0
	for {
		var pending int
		_, err := s.await(ctx, func(vm *goja.Runtime) (goja.Value, error) {
			pending = len(s.deferred)
			if pending == waited {
				return goja.Undefined(), nil
			}
			all, _ := goja.AssertFunction(vm.Get("Promise").ToObject(vm).Get("all"))
			return all(vm.Get("Promise"), vm.NewArray(valuesToAny(s.deferred[waited:pending])...))
		})
		if err != nil {
			return fmt.Errorf("deferred rendering: %w", err)
		}
		if pending == waited {
			return nil
		}
		waited = pending
	}
}

// Finalize embeds the shoebox unless disabled and serializes the render target.
func (s *Sandbox) Finalize(ctx context.Context, disableShoebox bool) (*prerender.Snapshot, error) {
	var snap *prerender.Snapshot
	err := s.run(ctx, func(*goja.Runtime) error {
		if !disableShoebox {
			s.shoebox.embed(s.doc.body)
		}
		snap = &prerender.Snapshot{
			Head: renderChildren(s.doc.head),
			Body: renderChildren(s.doc.body),
		}
		return nil
	})
	return snap, err
}

// Destroy runs the instance and application destroy hooks, bounded by the
// destroy grace period, then stops the loop. Calls after the first return the
// first result.
func (s *Sandbox) Destroy() error {
	s.destroyOnce.Do(func() {
		close(s.destroyed)

		done := make(chan struct{})
		scheduled := s.loop.RunOnLoop(func(vm *goja.Runtime) {
			defer close(done)
			s.teardown(vm)
		})
		if scheduled {
			timer := time.NewTimer(s.opts.DestroyGrace)
			select {
			case <-done:
			case <-timer.C:
				s.Abort(ErrSandboxDestroyed)
				s.destroyErr = fmt.Errorf("destroy hooks did not finish within %s", s.opts.DestroyGrace)
			}
			timer.Stop()
		}
		s.loop.StopNoWait()
	})
	return s.destroyErr
}

// Abort interrupts application code running on the loop without waiting for it
// to yield. A pending interrupt is dropped by Destroy before the destroy hooks run.
func (s *Sandbox) Abort(cause error) {
	if vm := s.running.Load(); vm != nil {
		vm.Interrupt(cause)
	}
}

func (s *Sandbox) teardown(vm *goja.Runtime) {
	vm.ClearInterrupt()
	for _, target := range []struct {
		name string
		obj  *goja.Object
	}{{"instance", s.instance}, {"application", s.app}} {
		if target.obj == nil {
			continue
		}
		if _, err := s.callOptional(target.obj, "destroy"); err != nil {
			s.logger.Warn("destroy hook failed", "target", target.name, "error", err)
		}
	}
	for p := range s.rejections {
		s.logger.Error("unhandled promise rejection", "error", jsError(p.Result()))
	}
	s.rejections = nil
}

func (s *Sandbox) callOptional(obj *goja.Object, method string, args ...goja.Value) (goja.Value, error) {
	fn, ok := goja.AssertFunction(obj.Get(method))
	if !ok {
		return goja.Undefined(), nil
	}
	return fn(obj, args...)
}

// run executes fn on the loop and waits for it.
func (s *Sandbox) run(ctx context.Context, fn func(vm *goja.Runtime) error) error {
	done := make(chan error, 1)
	scheduled := s.loop.RunOnLoop(func(vm *goja.Runtime) {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("sandbox panic: %v", r)
			}
		}()
		done <- fn(vm)
	})
	if !scheduled {
		return ErrSandboxDestroyed
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-s.destroyed:
		return ErrSandboxDestroyed
	}
}

// await calls fn on the loop and, when it returns a thenable, waits for it to
// settle while the loop keeps running timers and other jobs.
func (s *Sandbox) await(ctx context.Context, fn func(vm *goja.Runtime) (goja.Value, error)) (goja.Value, error) {
	type outcome struct {
		v   goja.Value
		err error
	}
	done := make(chan outcome, 1)
	settle := func(v goja.Value, err error) {
		select {
		case done <- outcome{v, err}:
		default:
		}
	}

	scheduled := s.loop.RunOnLoop(func(vm *goja.Runtime) {
		defer func() {
			if r := recover(); r != nil {
				settle(nil, fmt.Errorf("sandbox panic: %v", r))
			}
		}()
		v, err := fn(vm)
		if err != nil {
			settle(nil, unwrapException(err))
			return
		}
		then(vm, v, settle)
	})
	if !scheduled {
		return nil, ErrSandboxDestroyed
	}
	select {
	case o := <-done:
		return o.v, o.err
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case <-s.destroyed:
		return nil, ErrSandboxDestroyed
	}
}

// then settles immediately for plain values and subscribes to thenables.
func then(vm *goja.Runtime, v goja.Value, settle func(goja.Value, error)) {
	obj, ok := v.(*goja.Object)
	if !ok || v == nil {
		settle(v, nil)
		return
	}
	thenFn, ok := goja.AssertFunction(obj.Get("then"))
	if !ok {
		settle(v, nil)
		return
	}
	_, err := thenFn(obj,
		vm.ToValue(func(call goja.FunctionCall) goja.Value {
			settle(call.Argument(0), nil)
			return goja.Undefined()
		}),
		vm.ToValue(func(call goja.FunctionCall) goja.Value {
			settle(nil, jsError(call.Argument(0)))
			return goja.Undefined()
		}))
	if err != nil {
		settle(nil, unwrapException(err))
	}
}

func valuesToAny(values []goja.Value) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
