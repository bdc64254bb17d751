// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package prerender

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"github.com/buke/prerender/artifact"
)

// Sandbox is one isolated execution context hosting one application instance.
// A sandbox serves exactly one visit and is then destroyed, never reused.
type Sandbox interface {
	// Boot registers the visit context with the application, boots it and
	// builds the per-request instance.
	Boot(ctx context.Context, vc *VisitContext) error

	// Visit routes the instance to path and waits for deferred rendering.
	Visit(ctx context.Context, path string) error

	// Finalize embeds the shoebox unless disabled and captures the render target.
	Finalize(ctx context.Context, disableShoebox bool) (*Snapshot, error)

	// Abort interrupts running application code with cause. It does not
	// release the context.
	Abort(cause error)

	// Destroy tears down the instance and releases the context. It is safe to
	// call more than once.
	Destroy() error
}

// SandboxFactory builds a sandbox from an artifact.
type SandboxFactory func(ctx context.Context, a *artifact.Artifact) (Sandbox, error)

// Snapshot is the captured render target.
type Snapshot struct {
	Head string // Serialized children of <head>
	Body string // Serialized children of <body>
}

// VisitContext is the per-request state exposed to the sandboxed application.
type VisitContext struct {
	URL          string            // Request target, path plus query
	Request      *http.Request     // Inbound request, may be nil
	Response     *Response         // Response surrogate written by the application
	Metadata     *Metadata         // Per-visit metadata bag
	Hosts        artifact.HostList // Allow-list for the Host header
	ShouldRender bool              // Render, or route only
}

// Response is the response surrogate the application writes status and headers
// into. It is safe for concurrent use.
type Response struct {
	mu         sync.RWMutex
	statusCode int
	header     http.Header
}

// NewResponse creates a response surrogate with status 200.
func NewResponse() *Response {
	return &Response{statusCode: http.StatusOK, header: make(http.Header)}
}

// StatusCode returns the current status code.
func (r *Response) StatusCode() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.statusCode == 0 {
		return http.StatusOK
	}
	return r.statusCode
}

// SetStatusCode sets the status code.
func (r *Response) SetStatusCode(code int) {
	r.mu.Lock()
	r.statusCode = code
	r.mu.Unlock()
}

// Get returns the first value of a header.
func (r *Response) Get(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.header.Get(name)
}

// Values returns every value of a header.
func (r *Response) Values(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.header.Values(name)...)
}

// Set replaces a header.
func (r *Response) Set(name, value string) {
	r.mu.Lock()
	r.header.Set(name, value)
	r.mu.Unlock()
}

// Add appends a header value.
func (r *Response) Add(name, value string) {
	r.mu.Lock()
	r.header.Add(name, value)
	r.mu.Unlock()
}

// Del removes a header.
func (r *Response) Del(name string) {
	r.mu.Lock()
	r.header.Del(name)
	r.mu.Unlock()
}

// Header returns a copy of the headers.
func (r *Response) Header() http.Header {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.header.Clone()
}

// Metadata is a mutable key/value bag shared between the caller and the
// application for the duration of one visit.
type Metadata struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewMetadata creates a bag seeded with a copy of init.
func NewMetadata(init map[string]any) *Metadata {
	m := &Metadata{values: make(map[string]any, len(init))}
	for k, v := range init {
		m.values[k] = v
	}
	return m
}

// Get returns the value stored under key.
func (m *Metadata) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

// Set stores value under key.
func (m *Metadata) Set(key string, value any) {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
}

// Delete removes key.
func (m *Metadata) Delete(key string) {
	m.mu.Lock()
	delete(m.values, key)
	m.mu.Unlock()
}

// Keys returns the stored keys in sorted order.
func (m *Metadata) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Map returns a copy of the bag.
func (m *Metadata) Map() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]any, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}
