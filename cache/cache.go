// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package cache stores rendered responses so repeated visits to the same path
// skip rendering.
package cache

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Entry is a stored response.
type Entry struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
}

// expired reports whether e is older than ttl. A ttl of 0 never expires.
func (e Entry) expired(ttl time.Duration, now time.Time) bool {
	return ttl > 0 && now.Sub(e.StoredAt) > ttl
}

// Cache is a response store keyed by request path.
type Cache interface {
	// Fetch returns the entry stored for path. The request lets a store
	// decline to serve from cache.
	Fetch(ctx context.Context, path string, r *http.Request) (Entry, bool, error)
	// Put stores e under path.
	Put(ctx context.Context, path string, e Entry) error
	// Close releases the store.
	Close() error
}

// bypass reports whether the client asked for a fresh response.
func bypass(r *http.Request) bool {
	if r == nil {
		return false
	}
	for _, v := range r.Header.Values("Cache-Control") {
		if strings.Contains(v, "no-cache") || strings.Contains(v, "no-store") {
			return true
		}
	}
	return false
}

// Open selects a store from uri: "memory", "sqlite:<file>", or "off" (or
// empty) for no cache, in which case the returned Cache is nil.
func Open(uri string, ttl time.Duration) (Cache, error) {
	switch {
	case uri == "" || uri == "off":
		return nil, nil
	case uri == "memory":
		return NewMemoryCache(WithTTL(ttl)), nil
	case strings.HasPrefix(uri, "sqlite:"):
		file := strings.TrimPrefix(uri, "sqlite:")
		if file == "" {
			return nil, fmt.Errorf("sqlite cache needs a file: %q", uri)
		}
		return OpenSQLite(file, WithTTL(ttl))
	}
	return nil, fmt.Errorf("unknown cache %q", uri)
}

// Option configures a store.
type Option func(*options)

type options struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

func defaults() options {
	return options{
		ttl:        5 * time.Minute,
		maxEntries: 1000,
		now:        time.Now,
	}
}

// WithTTL sets how long entries are served. 0 keeps them until evicted.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl >= 0 {
			o.ttl = ttl
		}
	}
}

// WithMaxEntries bounds the number of entries. Default: 1000.
func WithMaxEntries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxEntries = n
		}
	}
}

// withClock replaces the time source, for tests.
func withClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}
