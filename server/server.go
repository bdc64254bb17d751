// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package server serves rendered pages and static assets over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"

	"github.com/buke/prerender"
	"github.com/buke/prerender/artifact"
	"github.com/buke/prerender/internal/metrics"
)

// SendHook runs around the render handler. Hooks run in registration order.
type SendHook interface {
	// BeforeSend may answer the request itself, in which case it reports true
	// and rendering is skipped.
	BeforeSend(w http.ResponseWriter, r *http.Request) bool
	// AfterSend sees every rendered response once it was written.
	AfterSend(r *http.Request, status int, header http.Header, body []byte)
}

// Server is the HTTP front of a renderer. It also implements
// supervisor.Runner so a worker process can drive it.
type Server struct {
	renderer   *prerender.Renderer
	renderPath string
	chunked    bool
	gzip       bool
	username   string
	password   string
	hooks      []SendHook
	metrics    *metrics.Metrics
	listener   net.Listener
	addr       string
	logger     *slog.Logger

	mu   sync.Mutex
	http *http.Server
}

// New creates a server rendering with r.
func New(r *prerender.Renderer, opts ...func(*Server)) *Server {
	s := &Server{
		renderer:   r,
		renderPath: "/",
		addr:       ":3000",
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithRenderPath limits rendering to requests under prefix.
func WithRenderPath(prefix string) func(*Server) {
	return func(s *Server) {
		if strings.HasPrefix(prefix, "/") {
			s.renderPath = prefix
		}
	}
}

// WithChunked flushes rendered output at boundary markers.
func WithChunked(chunked bool) func(*Server) {
	return func(s *Server) {
		s.chunked = chunked
	}
}

// WithGzip compresses responses for clients that accept it.
func WithGzip(enabled bool) func(*Server) {
	return func(s *Server) {
		s.gzip = enabled
	}
}

// WithBasicAuth requires the given credentials on every page. Empty
// credentials disable authentication.
func WithBasicAuth(username, password string) func(*Server) {
	return func(s *Server) {
		s.username = username
		s.password = password
	}
}

// WithHooks appends send hooks.
func WithHooks(hooks ...SendHook) func(*Server) {
	return func(s *Server) {
		s.hooks = append(s.hooks, hooks...)
	}
}

// WithMetrics instruments requests and serves /metrics.
func WithMetrics(m *metrics.Metrics) func(*Server) {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithListener serves on an existing listener instead of WithAddr.
func WithListener(l net.Listener) func(*Server) {
	return func(s *Server) {
		s.listener = l
	}
}

// WithAddr sets the listen address. Default: ":3000".
func WithAddr(addr string) func(*Server) {
	return func(s *Server) {
		if addr != "" {
			s.addr = addr
		}
	}
}

// WithLogger configures the logger for the server
func WithLogger(logger *slog.Logger) func(*Server) {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.GetHead)
	if s.metrics != nil {
		r.Use(s.metrics.Instrument)
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		if s.username != "" {
			r.Use(middleware.BasicAuth("prerender", map[string]string{s.username: s.password}))
		}
		if s.gzip {
			r.Use(func(next http.Handler) http.Handler { return gzhttp.GzipHandler(next) })
		}
		r.Use(s.assets)

		render := http.HandlerFunc(s.render)
		r.Get(renderPattern(s.renderPath), render)
		if s.renderPath != "/" {
			r.Get(strings.TrimSuffix(s.renderPath, "/"), render)
		}
		r.NotFound(http.NotFound)
	})
	return r
}

func renderPattern(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/*"
}

// logRequests logs every request at debug level.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request served",
			"method", r.Method,
			"path", r.URL.RequestURI(),
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"requestId", middleware.GetReqID(r.Context()),
		)
	})
}

// Start starts the renderer and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	if err := s.renderer.Start(); err != nil {
		return err
	}

	l := s.listener
	if l == nil {
		var err error
		l, err = net.Listen("tcp", s.addr)
		if err != nil {
			_ = s.renderer.Stop()
			return fmt.Errorf("listening on %s: %w", s.addr, err)
		}
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", "error", err)
		}
	}()
	s.logger.Info("HTTP server started", "addr", l.Addr().String())
	return nil
}

// Reload swaps the renderer to the artifact at paths. The listener stays open.
func (s *Server) Reload(ctx context.Context, paths artifact.Paths) error {
	return s.renderer.Reload(paths)
}

// Stop stops accepting requests, waits for in-flight ones until ctx ends and
// stops the renderer.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.http = nil
	s.mu.Unlock()

	var err error
	if srv != nil {
		if serr := srv.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("shutting down HTTP server: %w", serr)
		}
	}
	if rerr := s.renderer.Stop(); rerr != nil {
		err = errors.Join(err, rerr)
	}
	s.logger.Info("HTTP server stopped")
	return err
}
