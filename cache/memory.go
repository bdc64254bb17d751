// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"container/list"
	"context"
	"net/http"
	"sync"
)

// MemoryCache is an in-process LRU store.
type MemoryCache struct {
	opts options

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // Front is most recently used
}

type memoryItem struct {
	path  string
	entry Entry
}

// NewMemoryCache creates an empty store.
func NewMemoryCache(opts ...Option) *MemoryCache {
	o := defaults()
	for _, opt := range opts {
		opt(&o)
	}
	return &MemoryCache{
		opts:    o,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

func (c *MemoryCache) Fetch(ctx context.Context, path string, r *http.Request) (Entry, bool, error) {
	if bypass(r) {
		return Entry{}, false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[path]
	if !ok {
		return Entry{}, false, nil
	}
	item := el.Value.(*memoryItem)
	if item.entry.expired(c.opts.ttl, c.opts.now()) {
		c.order.Remove(el)
		delete(c.entries, path)
		return Entry{}, false, nil
	}
	c.order.MoveToFront(el)
	return cloneEntry(item.entry), true, nil
}

func (c *MemoryCache) Put(ctx context.Context, path string, e Entry) error {
	e = cloneEntry(e)
	if e.StoredAt.IsZero() {
		e.StoredAt = c.opts.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[path]; ok {
		el.Value.(*memoryItem).entry = e
		c.order.MoveToFront(el)
		return nil
	}
	c.entries[path] = c.order.PushFront(&memoryItem{path: path, entry: e})
	for c.order.Len() > c.opts.maxEntries {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*memoryItem).path)
	}
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *MemoryCache) Close() error { return nil }

func cloneEntry(e Entry) Entry {
	e.Header = e.Header.Clone()
	e.Body = append([]byte(nil), e.Body...)
	return e
}
