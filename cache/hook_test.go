// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// failingCache misses every lookup and rejects every store.
type failingCache struct{}

func (failingCache) Fetch(context.Context, string, *http.Request) (Entry, bool, error) {
	return Entry{}, false, errors.New("disk on fire")
}

func (failingCache) Put(context.Context, string, Entry) error {
	return errors.New("disk full")
}

func (failingCache) Close() error { return nil }

func TestHook_MissThenHit(t *testing.T) {
	c := NewMemoryCache()
	h := NewHook(c, nil, nil)

	r := httptest.NewRequest(http.MethodGet, "/page?id=1", nil)
	require.False(t, h.BeforeSend(httptest.NewRecorder(), r))

	header := http.Header{}
	header.Set("Content-Type", "text/html")
	header.Set("Content-Encoding", "gzip")
	h.AfterSend(r, http.StatusOK, header, []byte("<p>page</p>"))

	rec := httptest.NewRecorder()
	require.True(t, h.BeforeSend(rec, httptest.NewRequest(http.MethodGet, "/page?id=1", nil)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "<p>page</p>", rec.Body.String())
	require.Equal(t, "hit", rec.Header().Get(HeaderStatus))
	require.Equal(t, "text/html", rec.Header().Get("Content-Type"))
	require.Empty(t, rec.Header().Get("Content-Encoding"))

	// A different query is a different entry.
	require.False(t, h.BeforeSend(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/page?id=2", nil)))
}

func TestHook_StoresOnlySuccessfulGets(t *testing.T) {
	c := NewMemoryCache()
	h := NewHook(c, nil, nil)

	h.AfterSend(httptest.NewRequest(http.MethodGet, "/missing", nil), http.StatusNotFound, http.Header{}, []byte("nope"))
	h.AfterSend(httptest.NewRequest(http.MethodPost, "/form", nil), http.StatusOK, http.Header{}, []byte("posted"))
	h.AfterSend(httptest.NewRequest(http.MethodGet, "/error", nil), http.StatusInternalServerError, http.Header{}, []byte("shell"))
	require.Zero(t, c.Len())

	h.AfterSend(httptest.NewRequest(http.MethodGet, "/ok", nil), http.StatusOK, http.Header{}, []byte("ok"))
	require.Equal(t, 1, c.Len())

	// Non-GET requests are never served from cache.
	require.False(t, h.BeforeSend(httptest.NewRecorder(), httptest.NewRequest(http.MethodHead, "/ok", nil)))
}

func TestHook_StoreFailure(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	var failures atomic.Int32
	h := NewHook(failingCache{}, logger, func() { failures.Add(1) })

	body := []byte(strings.Repeat("x", 1000))
	h.AfterSend(httptest.NewRequest(http.MethodGet, "/big", nil), http.StatusOK, http.Header{}, body)

	require.EqualValues(t, 1, failures.Load())
	out := logs.String()
	require.Contains(t, out, "Caching response failed")
	require.Contains(t, out, "disk full")
	require.Contains(t, out, strings.Repeat("x", maxLoggedBody)+"...")
	require.NotContains(t, out, strings.Repeat("x", maxLoggedBody+1))
}

func TestHook_LookupFailureIsMiss(t *testing.T) {
	var logs bytes.Buffer
	h := NewHook(failingCache{}, slog.New(slog.NewTextHandler(&logs, nil)), nil)
	require.False(t, h.BeforeSend(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil)))
	require.Contains(t, logs.String(), "Cache lookup failed")
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "short", truncate([]byte("short")))
	require.Len(t, truncate(bytes.Repeat([]byte("a"), 300)), maxLoggedBody+3)
}
