// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package loader

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"
)

// HostRequirer resolves specifiers the application tree cannot satisfy.
// *require.RequireModule from goja_nodejs implements it.
type HostRequirer interface {
	Require(p string) (goja.Value, error)
}

// Loader evaluates CommonJS modules inside one runtime. It must only be used
// from the goroutine that owns the runtime.
type Loader struct {
	vm        *goja.Runtime
	resolver  *Resolver
	whitelist Whitelist
	host      HostRequirer

	modules map[string]*goja.Object
	denied  []error
}

// New creates a loader bound to vm. host may be nil, in which case every
// specifier the application tree cannot satisfy fails with *ModuleNotFoundError.
func New(vm *goja.Runtime, resolver *Resolver, whitelist Whitelist, host HostRequirer) *Loader {
	return &Loader{
		vm:        vm,
		resolver:  resolver,
		whitelist: whitelist,
		host:      host,
		modules:   make(map[string]*goja.Object),
	}
}

// Denied returns the whitelist violations seen so far, oldest first.
func (l *Loader) Denied() []error {
	return l.denied
}

// Require loads spec on behalf of the script at requester.
func (l *Loader) Require(spec, requester string) (goja.Value, error) {
	req, err := Classify(spec, requester, l.whitelist)
	if err != nil {
		l.denied = append(l.denied, err)
		return nil, err
	}

	mod, err := l.resolver.Resolve(req)
	if err != nil {
		return nil, err
	}
	if !mod.Host {
		return l.Evaluate(mod.Path)
	}

	if l.host == nil {
		return nil, &ModuleNotFoundError{Specifier: spec, Requester: requester, Err: fmt.Errorf("no host resolver")}
	}
	v, err := l.host.Require(spec)
	if err != nil {
		return nil, &ModuleNotFoundError{Specifier: spec, Requester: requester, Err: err}
	}
	return v, nil
}

// Evaluate runs the module at path, or returns its exports when it already ran.
// The module is cached before evaluation so cycles see partial exports.
func (l *Loader) Evaluate(path string) (goja.Value, error) {
	if m, ok := l.modules[path]; ok {
		return m.Get("exports"), nil
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		return l.evaluateJSON(path)
	}

	prg, err := l.resolver.Compile(path)
	if err != nil {
		return nil, err
	}
	wrapper, err := l.vm.RunProgram(prg)
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(wrapper)
	if !ok {
		return nil, fmt.Errorf("module %s did not compile to a function", path)
	}

	module := l.vm.NewObject()
	exports := l.vm.NewObject()
	_ = module.Set("exports", exports)
	_ = module.Set("id", path)
	_ = module.Set("filename", path)
	_ = module.Set("loaded", false)
	l.modules[path] = module

	_, err = fn(exports, exports, l.RequireFunction(path), module,
		l.vm.ToValue(path), l.vm.ToValue(filepath.Dir(path)))
	if err != nil {
		delete(l.modules, path)
		return nil, err
	}
	_ = module.Set("loaded", true)
	return module.Get("exports"), nil
}

func (l *Loader) evaluateJSON(path string) (goja.Value, error) {
	raw, err := l.resolver.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading module %s: %w", path, err)
	}
	parse, _ := goja.AssertFunction(l.vm.Get("JSON").ToObject(l.vm).Get("parse"))
	v, err := parse(goja.Undefined(), l.vm.ToValue(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("parsing module %s: %w", path, err)
	}

	module := l.vm.NewObject()
	_ = module.Set("exports", v)
	_ = module.Set("loaded", true)
	l.modules[path] = module
	return v, nil
}

// RequireFunction returns a JS require bound to requester. Failures are thrown
// into the calling script.
func (l *Loader) RequireFunction(requester string) goja.Value {
	return l.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		spec := call.Argument(0)
		if goja.IsUndefined(spec) || goja.IsNull(spec) {
			panic(l.vm.NewTypeError("require expects a module specifier"))
		}
		v, err := l.Require(spec.String(), requester)
		if err != nil {
			panic(l.vm.NewGoError(err))
		}
		return v
	})
}
