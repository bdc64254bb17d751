// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	_ "embed"
	"sort"

	"github.com/dop251/goja"
)

//go:embed abort.js
var abortScript string

var abortProgram = goja.MustCompile("abort.js", abortScript, true)

// timerNames are the globals provided by the event loop.
var timerNames = []string{"setTimeout", "clearTimeout", "setInterval", "clearInterval", "setImmediate", "clearImmediate"}

// Global produces the value bound to one global name. It runs on the sandbox's
// event loop while the context is being sealed.
type Global func(vm *goja.Runtime) goja.Value

// Globals is the capability surface exposed to application code, keyed by
// global name. Only the names present when the sandbox is sealed are visible.
type Globals map[string]Global

// Names returns the global names in sorted order.
func (g Globals) Names() []string {
	names := make([]string, 0, len(g))
	for name := range g {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Value returns a Global that always yields v.
func Value(v goja.Value) Global {
	return func(*goja.Runtime) goja.Value { return v }
}

// defaultGlobals assembles the standard surface. preset holds values the event
// loop and host modules installed before sealing.
func (s *Sandbox) defaultGlobals(preset map[string]goja.Value) Globals {
	g := Globals{
		"global":     func(vm *goja.Runtime) goja.Value { return vm.GlobalObject() },
		"globalThis": func(vm *goja.Runtime) goja.Value { return vm.GlobalObject() },
		"addEventListener": func(vm *goja.Runtime) goja.Value {
			return vm.ToValue(func(goja.FunctionCall) goja.Value { return goja.Undefined() })
		},
		"removeEventListener": func(vm *goja.Runtime) goja.Value {
			return vm.ToValue(func(goja.FunctionCall) goja.Value { return goja.Undefined() })
		},
		"document":     func(*goja.Runtime) goja.Value { return s.doc.Object() },
		"ServerRender": func(vm *goja.Runtime) goja.Value { return s.hostObject(vm) },
	}
	for name, v := range preset {
		if v != nil && !goja.IsUndefined(v) {
			g[name] = Value(v)
		}
	}

	var abort *goja.Object
	abortExport := func(name string) Global {
		return func(vm *goja.Runtime) goja.Value {
			if abort == nil {
				v, err := vm.RunProgram(abortProgram)
				if err != nil {
					panic(err)
				}
				abort = v.ToObject(vm)
			}
			return abort.Get(name)
		}
	}
	g["AbortController"] = abortExport("AbortController")
	g["AbortSignal"] = abortExport("AbortSignal")
	return g
}

// seal installs the final surface. Names from the default surface that the
// extension hook removed are deleted from the global object.
func (s *Sandbox) seal(vm *goja.Runtime, defaults Globals) error {
	final := make(Globals, len(defaults))
	for name, fn := range defaults {
		final[name] = fn
	}
	if s.opts.Globals != nil {
		final = s.opts.Globals(final)
	}

	global := vm.GlobalObject()
	for name := range defaults {
		if _, ok := final[name]; !ok {
			if err := global.Delete(name); err != nil {
				return err
			}
		}
	}
	for _, name := range final.Names() {
		fn := final[name]
		if fn == nil {
			_ = global.Delete(name)
			continue
		}
		if err := vm.Set(name, fn(vm)); err != nil {
			return err
		}
	}
	return nil
}
