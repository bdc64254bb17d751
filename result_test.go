// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package prerender

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMergeShell(t *testing.T) {
	snap := &Snapshot{Head: "<title>T</title>", Body: "<p>B</p>"}
	tests := []struct {
		name  string
		shell string
		want  string
	}{
		{
			"markers",
			"<html><head><!-- PRERENDER_HEAD --><link></head><body><!-- PRERENDER_BODY --><script src=a.js></script></body></html>",
			"<html><head><title>T</title><link></head><body><p>B</p><script src=a.js></script></body></html>",
		},
		{
			"no markers",
			"<!DOCTYPE html><html><head><meta charset=\"utf-8\"/></head><body><div id=\"app\"></div></body></html>",
			"<!DOCTYPE html><html><head><meta charset=\"utf-8\"/><title>T</title></head><body><div id=\"app\"></div><p>B</p></body></html>",
		},
		{
			"head marker only",
			"<html><head><!-- PRERENDER_HEAD --></head><body></body></html>",
			"<html><head><title>T</title></head><body><p>B</p></body></html>",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mergeShell(tt.shell, snap)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestMergeShell_KeepsShellWhenNothingToAppend(t *testing.T) {
	shell := "<html><body class=app><!-- PRERENDER_BODY --><br></body></html>"
	got, err := mergeShell(shell, &Snapshot{Body: "<p>B</p>"})
	require.NoError(t, err)
	require.Equal(t, "<html><body class=app><p>B</p><br></body></html>", got)

	got, err = mergeShell("<div>bare</div>", &Snapshot{})
	require.NoError(t, err)
	require.Equal(t, "<div>bare</div>", got)
}

func TestVisitResult_Chunks(t *testing.T) {
	r := newVisitResult("/", "<html><body><!-- PRERENDER_BODY --></body></html>", NewMetadata(nil))
	r.snapshot = &Snapshot{Body: "<p>one</p>" + BoundaryMarker + "<p>two</p>"}

	chunks, err := r.Chunks()
	require.NoError(t, err)
	require.Equal(t, []string{"<html><body><p>one</p>", "<p>two</p></body></html>"}, chunks)

	r.Err = errors.New("failed")
	_, err = r.Chunks()
	require.Error(t, err)
}

func TestVisitResult_HTMLWithoutSnapshot(t *testing.T) {
	r := newVisitResult("/", "<html></html>", NewMetadata(nil))
	html, err := r.HTML()
	require.NoError(t, err)
	require.Equal(t, "<html></html>", html)
	require.Equal(t, http.StatusOK, r.StatusCode)
	require.Equal(t, StatePending, r.State)
}

func TestVisitResult_Headers(t *testing.T) {
	r := newVisitResult("/", "", NewMetadata(nil))
	r.Header.Add("X-B", "2")
	r.Header.Add("X-A", "1")
	r.Header.Add("X-B", "3")

	var got []string
	for name, value := range r.Headers() {
		got = append(got, name+"="+value)
		if len(got) == 2 {
			break
		}
	}
	require.Equal(t, []string{"X-A=1", "X-B=2"}, got)
}

func TestVisitResult_DestroyOnce(t *testing.T) {
	f := &mockFactory{}
	sb, err := f.build(t.Context(), testArtifact())
	require.NoError(t, err)

	r := newVisitResult("/", "", NewMetadata(nil))
	require.True(t, r.attach(sb))
	require.NoError(t, r.Destroy())
	require.NoError(t, r.Destroy())
	require.Equal(t, int32(1), sb.(*mockSandbox).destroys.Load())

	// A sandbox arriving after destruction is refused.
	late, err := f.build(t.Context(), testArtifact())
	require.NoError(t, err)
	require.False(t, r.attach(late))
}

func TestVisitState_String(t *testing.T) {
	require.Equal(t, "pending", StatePending.String())
	require.Equal(t, "booting", StateBooting.String())
	require.Equal(t, "rendering", StateRendering.String())
	require.Equal(t, "finalizing", StateFinalizing.String())
	require.Equal(t, "destroyed", StateDestroyed.String())
	require.Equal(t, "errored", StateErrored.String())
	require.Equal(t, "unknown", VisitState(42).String())
}

func TestResponse(t *testing.T) {
	resp := NewResponse()
	require.Equal(t, http.StatusOK, resp.StatusCode())

	resp.SetStatusCode(http.StatusTeapot)
	resp.Set("X-One", "a")
	resp.Add("X-One", "b")
	resp.Set("X-Two", "c")
	resp.Del("X-Two")
	require.Equal(t, http.StatusTeapot, resp.StatusCode())
	require.Equal(t, "a", resp.Get("x-one"))
	require.Equal(t, []string{"a", "b"}, resp.Values("X-One"))

	h := resp.Header()
	h.Set("X-One", "changed")
	require.Equal(t, "a", resp.Get("X-One"))
}

func TestMetadata(t *testing.T) {
	init := map[string]any{"b": 1}
	m := NewMetadata(init)
	init["c"] = 2
	_, ok := m.Get("c")
	require.False(t, ok)

	m.Set("a", "x")
	require.Equal(t, []string{"a", "b"}, m.Keys())
	m.Delete("b")
	require.Equal(t, map[string]any{"a": "x"}, m.Map())
}

func TestIsTerminal(t *testing.T) {
	require.True(t, IsTerminal(terminalError{}))
	require.True(t, IsTerminal(errors.Join(errors.New("x"), terminalError{})))
	require.False(t, IsTerminal(errors.New("x")))
	require.False(t, IsTerminal(nil))
}
