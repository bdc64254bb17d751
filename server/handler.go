// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/buke/prerender"
)

const contentTypeHTML = "text/html; charset=utf-8"

// assets serves files from the artifact's assets directory and passes every
// other request on.
func (s *Server) assets(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dir := s.renderer.Paths().Assets
		if dir == "" || (r.Method != http.MethodGet && r.Method != http.MethodHead) || r.URL.Path == "/" {
			next.ServeHTTP(w, r)
			return
		}
		name := filepath.Join(dir, filepath.FromSlash(path.Clean("/"+r.URL.Path)))
		if fi, err := os.Stat(name); err != nil || fi.IsDir() {
			next.ServeHTTP(w, r)
			return
		}
		http.ServeFile(w, r, name)
	})
}

// render visits the requested URL and writes the merged document. A failed
// visit is answered with the unrendered shell and status 500 so the client
// application can still boot.
func (s *Server) render(w http.ResponseWriter, r *http.Request) {
	for _, h := range s.hooks {
		if h.BeforeSend(w, r) {
			return
		}
	}

	url := r.URL.RequestURI()
	result, err := s.renderer.Visit(r.Context(), url, &prerender.VisitOptions{Request: r})
	var chunks []string
	if err == nil {
		chunks, err = result.Chunks()
	}

	status := http.StatusInternalServerError
	header := make(http.Header)
	var parts [][]byte
	if err != nil {
		s.logger.Error("Rendering failed, serving shell", "path", url, "visitId", result.Analytics.VisitID, "error", err)
		header.Set("Content-Type", contentTypeHTML)
		parts = [][]byte{[]byte(result.Shell())}
	} else {
		status = result.StatusCode
		for name, value := range result.Headers() {
			header.Add(name, value)
		}
		if header.Get("Content-Type") == "" {
			header.Set("Content-Type", contentTypeHTML)
		}
		parts = make([][]byte, len(chunks))
		for i, c := range chunks {
			parts[i] = []byte(c)
		}
	}

	body := bytes.Join(parts, nil)
	if !s.chunked {
		parts = [][]byte{body}
	}
	s.write(w, status, header, parts)

	for _, h := range s.hooks {
		h.AfterSend(r, status, header, body)
	}
}

// write sends the response, flushing after every part when there is more
// than one.
func (s *Server) write(w http.ResponseWriter, status int, header http.Header, parts [][]byte) {
	for name, values := range header {
		w.Header()[name] = values
	}
	if len(parts) == 1 {
		w.Header().Set("Content-Length", strconv.Itoa(len(parts[0])))
	}
	w.WriteHeader(status)

	rc := http.NewResponseController(w)
	for i, p := range parts {
		if _, err := w.Write(p); err != nil {
			s.logger.Debug("Writing response failed", "error", err)
			return
		}
		if len(parts) > 1 && i < len(parts)-1 {
			if err := rc.Flush(); err != nil {
				s.logger.Debug("Flushing response failed", "error", err)
			}
		}
	}
}
