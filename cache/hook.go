// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// maxLoggedBody bounds how much of a response a store failure logs.
const maxLoggedBody = 256

// HeaderStatus tells clients whether a response came from the cache.
const HeaderStatus = "X-Prerender-Cache"

// Hook serves cached responses before rendering and stores rendered ones
// after they are sent.
type Hook struct {
	cache   Cache
	logger  *slog.Logger
	onFail  func()
	timeout time.Duration
}

// NewHook wraps c. onFail, when set, is called for every failed store.
func NewHook(c Cache, logger *slog.Logger, onFail func()) *Hook {
	if logger == nil {
		logger = slog.Default()
	}
	if onFail == nil {
		onFail = func() {}
	}
	return &Hook{cache: c, logger: logger, onFail: onFail, timeout: 5 * time.Second}
}

// BeforeSend writes the cached response for r, if any, and reports whether it
// did. Lookup errors are logged and treated as a miss.
func (h *Hook) BeforeSend(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	e, ok, err := h.cache.Fetch(r.Context(), r.URL.RequestURI(), r)
	if err != nil {
		h.logger.Warn("Cache lookup failed", "path", r.URL.RequestURI(), "error", err)
		return false
	}
	if !ok {
		return false
	}

	for name, values := range e.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.Header().Set(HeaderStatus, "hit")
	w.Header().Set("Content-Length", strconv.Itoa(len(e.Body)))
	w.WriteHeader(e.StatusCode)
	_, _ = w.Write(e.Body)
	return true
}

// AfterSend stores a sent response. Only successful GET responses are stored.
func (h *Hook) AfterSend(r *http.Request, status int, header http.Header, body []byte) {
	if r.Method != http.MethodGet || status != http.StatusOK {
		return
	}
	header = header.Clone()
	header.Del(HeaderStatus)
	header.Del("Content-Length")
	header.Del("Content-Encoding")

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.timeout)
	defer cancel()
	path := r.URL.RequestURI()
	err := h.cache.Put(ctx, path, Entry{StatusCode: status, Header: header, Body: body})
	if err != nil {
		h.onFail()
		h.logger.Error("Caching response failed", "path", path, "error", err, "body", truncate(body))
	}
}

func truncate(body []byte) string {
	if len(body) <= maxLoggedBody {
		return string(body)
	}
	return string(body[:maxLoggedBody]) + "..."
}
