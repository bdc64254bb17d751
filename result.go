// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package prerender

import (
	"iter"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
)

const (
	// HeadMarker in the HTML shell is replaced by the rendered head.
	HeadMarker = "<!-- PRERENDER_HEAD -->"
	// BodyMarker in the HTML shell is replaced by the rendered body.
	BodyMarker = "<!-- PRERENDER_BODY -->"
	// BoundaryMarker splits rendered output into separately flushed chunks.
	BoundaryMarker = `<script type="x/boundary"></script>`
)

// Analytics describes how a visit was served.
type Analytics struct {
	VisitID             string        // Unique id of the visit
	UsedPrebuiltSandbox bool          // The sandbox came from the pool queue
	Duration            time.Duration // Wall time of the whole visit
}

// VisitResult is the outcome of one visit. It is finalized exactly once, before
// Visit returns.
type VisitResult struct {
	URL        string      // Visited path
	State      VisitState  // Final pipeline state
	StatusCode int         // Status set by the application, 200 by default
	Header     http.Header // Headers set by the application
	Metadata   *Metadata   // Metadata bag after the visit
	Err        error       // Error raised while booting or rendering
	Analytics  Analytics

	shell    string
	snapshot *Snapshot

	mu          sync.Mutex
	sandbox     Sandbox
	destroyed   bool
	destroyErr  error
	destroyOnce sync.Once
}

func newVisitResult(path, shell string, metadata *Metadata) *VisitResult {
	return &VisitResult{
		URL:        path,
		State:      StatePending,
		StatusCode: http.StatusOK,
		Header:     make(http.Header),
		Metadata:   metadata,
		shell:      shell,
		Analytics:  Analytics{VisitID: uuid.NewString()},
	}
}

// Shell returns the HTML shell the visit rendered into.
func (r *VisitResult) Shell() string {
	return r.shell
}

// HTML returns the shell merged with the rendered head and body, or the
// visit's error.
func (r *VisitResult) HTML() (string, error) {
	if r.Err != nil {
		return "", r.Err
	}
	if r.snapshot == nil {
		return r.shell, nil
	}
	return mergeShell(r.shell, r.snapshot)
}

// Chunks returns the merged document split at boundary markers.
func (r *VisitResult) Chunks() ([]string, error) {
	doc, err := r.HTML()
	if err != nil {
		return nil, err
	}
	return strings.Split(doc, BoundaryMarker), nil
}

// Headers yields header name/value pairs, names sorted.
func (r *VisitResult) Headers() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		names := make([]string, 0, len(r.Header))
		for name := range r.Header {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			for _, v := range r.Header[name] {
				if !yield(name, v) {
					return
				}
			}
		}
	}
}

// attach records the sandbox the visit runs in. It reports false when the
// visit was already destroyed, in which case the caller must destroy sb.
func (r *VisitResult) attach(sb Sandbox) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return false
	}
	r.sandbox = sb
	return true
}

// abort interrupts application code running in the attached sandbox.
func (r *VisitResult) abort(cause error) {
	r.mu.Lock()
	sb := r.sandbox
	r.mu.Unlock()
	if sb != nil {
		sb.Abort(cause)
	}
}

// Destroy tears down the visit's application instance. Calls after the first
// have no effect and return the first result.
func (r *VisitResult) Destroy() error {
	r.destroyOnce.Do(func() {
		r.mu.Lock()
		r.destroyed = true
		sb := r.sandbox
		r.mu.Unlock()
		if sb != nil {
			r.destroyErr = sb.Destroy()
		}
	})
	return r.destroyErr
}

// mergeShell places the rendered head and body into the shell. Marker comments
// are replaced in place; without them the content is appended to <head> and
// <body>.
func mergeShell(shell string, snap *Snapshot) (string, error) {
	out := shell
	headDone := strings.Contains(out, HeadMarker)
	if headDone {
		out = strings.Replace(out, HeadMarker, snap.Head, 1)
	}
	bodyDone := strings.Contains(out, BodyMarker)
	if bodyDone {
		out = strings.Replace(out, BodyMarker, snap.Body, 1)
	}
	if (headDone || snap.Head == "") && (bodyDone || snap.Body == "") {
		return out, nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(out))
	if err != nil {
		return "", err
	}
	if !headDone && snap.Head != "" {
		doc.Find("head").First().AppendHtml(snap.Head)
	}
	if !bodyDone && snap.Body != "" {
		doc.Find("body").First().AppendHtml(snap.Body)
	}
	return goquery.OuterHtml(doc.Selection)
}
