// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/dop251/goja"

	"github.com/buke/prerender"
)

// RequestContextModule is the name the request context is registered under
// with the application.
const RequestContextModule = "info:server-render"

const maxRequestBody = 1 << 20

// hostObject builds the ServerRender global.
func (s *Sandbox) hostObject(vm *goja.Runtime) goja.Value {
	o := vm.NewObject()
	_ = o.Set("require", s.loader.RequireFunction(s.hostRequester()))
	_ = o.Set("config", func(call goja.FunctionCall) goja.Value {
		name := ""
		if a := call.Argument(0); !goja.IsUndefined(a) && !goja.IsNull(a) {
			name = a.String()
		}
		v, ok := s.artifact.AppConfig(name)
		if !ok {
			return goja.Undefined()
		}
		return vm.ToValue(v)
	})
	_ = o.Set("distPath", s.artifact.Paths.Dist)
	_ = o.Set("appName", s.artifact.Name)
	return o
}

// requestContext builds the object application code reads the current visit from.
func (s *Sandbox) requestContext(vm *goja.Runtime, vc *prerender.VisitContext) *goja.Object {
	o := vm.NewObject()
	_ = o.Set("request", s.requestObject(vm, vc))
	_ = o.Set("response", responseObject(vm, vc.Response))
	_ = o.Set("metadata", vm.NewDynamicObject(&metadataObject{vm: vm, m: vc.Metadata}))
	_ = o.Set("isServerRender", true)
	_ = o.Set("deferRendering", func(call goja.FunctionCall) goja.Value {
		s.deferred = append(s.deferred, call.Argument(0))
		return goja.Undefined()
	})
	_ = o.Set("shoebox", s.shoeboxObject(vm))
	return o
}

func (s *Sandbox) requestObject(vm *goja.Runtime, vc *prerender.VisitContext) *goja.Object {
	r := vc.Request
	target, err := url.Parse(vc.URL)
	if err != nil {
		target = &url.URL{Path: vc.URL}
	}

	method, protocol, host := http.MethodGet, "http:", ""
	header := http.Header{}
	if r != nil {
		method, host, header = r.Method, r.Host, r.Header
		if r.TLS != nil {
			protocol = "https:"
		}
		if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
			protocol = strings.TrimSuffix(p, ":") + ":"
		}
	}

	o := vm.NewObject()
	_ = o.Set("method", method)
	_ = o.Set("path", target.Path)
	_ = o.Set("url", vc.URL)
	_ = o.Set("protocol", protocol)
	_ = o.Set("headers", headersObject(vm, header.Get, func(k string) []string { return header.Values(k) },
		func() http.Header { return header }))

	query := make(map[string]any)
	for k, vs := range target.Query() {
		if len(vs) == 1 {
			query[k] = vs[0]
		} else {
			query[k] = vs
		}
	}
	_ = o.Set("queryParams", query)

	cookies := make(map[string]any)
	if r != nil {
		for _, c := range r.Cookies() {
			cookies[c.Name] = c.Value
		}
	}
	_ = o.Set("cookies", cookies)

	var body goja.Value
	_ = o.DefineAccessorProperty("body", vm.ToValue(func(goja.FunctionCall) goja.Value {
		if body != nil {
			return body
		}
		body = goja.Null()
		if r != nil && r.Body != nil {
			raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
			if err != nil {
				panic(vm.NewGoError(err))
			}
			body = vm.ToValue(string(raw))
		}
		return body
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)

	_ = o.Set("host", func(goja.FunctionCall) goja.Value {
		if err := vc.Hosts.Allow(host); err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(host)
	})
	return o
}

func responseObject(vm *goja.Runtime, resp *prerender.Response) *goja.Object {
	o := vm.NewObject()
	_ = o.DefineAccessorProperty("statusCode",
		vm.ToValue(func(goja.FunctionCall) goja.Value { return vm.ToValue(resp.StatusCode()) }),
		vm.ToValue(func(call goja.FunctionCall) goja.Value {
			resp.SetStatusCode(int(call.Argument(0).ToInteger()))
			return goja.Undefined()
		}),
		goja.FLAG_FALSE, goja.FLAG_TRUE)

	headers := headersObject(vm, resp.Get, resp.Values, resp.Header)
	_ = headers.Set("set", func(call goja.FunctionCall) goja.Value {
		resp.Set(call.Argument(0).String(), call.Argument(1).String())
		return goja.Undefined()
	})
	_ = headers.Set("append", func(call goja.FunctionCall) goja.Value {
		resp.Add(call.Argument(0).String(), call.Argument(1).String())
		return goja.Undefined()
	})
	_ = headers.Set("delete", func(call goja.FunctionCall) goja.Value {
		resp.Del(call.Argument(0).String())
		return goja.Undefined()
	})
	_ = o.Set("headers", headers)
	return o
}

// headersObject exposes the read side of a header collection.
func headersObject(vm *goja.Runtime, get func(string) string, values func(string) []string, all func() http.Header) *goja.Object {
	o := vm.NewObject()
	_ = o.Set("get", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		if len(values(name)) == 0 {
			return goja.Null()
		}
		return vm.ToValue(get(name))
	})
	_ = o.Set("getAll", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(values(call.Argument(0).String()))
	})
	_ = o.Set("has", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(len(values(call.Argument(0).String())) > 0)
	})
	_ = o.Set("entries", func(goja.FunctionCall) goja.Value {
		h := all()
		names := make([]string, 0, len(h))
		for k := range h {
			names = append(names, k)
		}
		sort.Strings(names)
		var entries []any
		for _, k := range names {
			for _, v := range h[k] {
				entries = append(entries, vm.NewArray(strings.ToLower(k), v))
			}
		}
		return vm.NewArray(entries...)
	})
	return o
}

// metadataObject backs the metadata bag with the caller's Metadata.
type metadataObject struct {
	vm *goja.Runtime
	m  *prerender.Metadata
}

func (o *metadataObject) Get(key string) goja.Value {
	v, ok := o.m.Get(key)
	if !ok {
		return nil
	}
	return o.vm.ToValue(v)
}

func (o *metadataObject) Set(key string, val goja.Value) bool {
	o.m.Set(key, val.Export())
	return true
}

func (o *metadataObject) Has(key string) bool {
	_, ok := o.m.Get(key)
	return ok
}

func (o *metadataObject) Delete(key string) bool {
	o.m.Delete(key)
	return true
}

func (o *metadataObject) Keys() []string {
	return o.m.Keys()
}

func (s *Sandbox) shoeboxObject(vm *goja.Runtime) *goja.Object {
	json := vm.Get("JSON").ToObject(vm)
	stringify, _ := goja.AssertFunction(json.Get("stringify"))
	parse, _ := goja.AssertFunction(json.Get("parse"))

	o := vm.NewObject()
	_ = o.Set("put", func(call goja.FunctionCall) goja.Value {
		raw, err := stringify(goja.Undefined(), call.Argument(1))
		if err != nil {
			panic(err)
		}
		if goja.IsUndefined(raw) {
			return goja.Undefined()
		}
		s.shoebox.put(call.Argument(0).String(), raw.String())
		return goja.Undefined()
	})
	_ = o.Set("retrieve", func(call goja.FunctionCall) goja.Value {
		raw, ok := s.shoebox.get(call.Argument(0).String())
		if !ok {
			return goja.Undefined()
		}
		v, err := parse(goja.Undefined(), vm.ToValue(raw))
		if err != nil {
			panic(err)
		}
		return v
	})
	return o
}
