// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package prerender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buke/prerender/artifact"
)

var errMockDestroyed = errors.New("mock sandbox destroyed")

// mockSandbox renders "<p>APP:PATH</p>" and records its lifecycle.
type mockSandbox struct {
	factory  *mockFactory
	artifact *artifact.Artifact

	vc        *VisitContext
	path      string
	destroyed chan struct{}
	once      sync.Once
	destroys  atomic.Int32
	aborts    atomic.Int32
}

func (m *mockSandbox) Boot(ctx context.Context, vc *VisitContext) error {
	m.vc = vc
	if m.factory.boot != nil {
		return m.factory.boot(vc)
	}
	return nil
}

func (m *mockSandbox) Visit(ctx context.Context, path string) error {
	m.path = path
	if m.factory.visit != nil {
		return m.factory.visit(ctx, m)
	}
	return nil
}

func (m *mockSandbox) Finalize(ctx context.Context, disableShoebox bool) (*Snapshot, error) {
	return &Snapshot{
		Head: "<title>" + m.artifact.Name + "</title>",
		Body: "<p>" + m.artifact.Name + ":" + m.path + "</p>",
	}, nil
}

func (m *mockSandbox) Abort(cause error) {
	m.aborts.Add(1)
}

func (m *mockSandbox) Destroy() error {
	m.destroys.Add(1)
	m.once.Do(func() { close(m.destroyed) })
	return nil
}

func (m *mockSandbox) isDestroyed() bool {
	select {
	case <-m.destroyed:
		return true
	default:
		return false
	}
}

// mockFactory builds mockSandboxes. Hooks customize behavior per test.
type mockFactory struct {
	buildErr error         // Returned by every build when set
	gate     chan struct{} // Builds block until closed when set
	boot     func(vc *VisitContext) error
	visit    func(ctx context.Context, m *mockSandbox) error

	mu        sync.Mutex
	sandboxes []*mockSandbox
	builds    atomic.Int32
}

func (f *mockFactory) build(ctx context.Context, a *artifact.Artifact) (Sandbox, error) {
	f.builds.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			// Builds finish even when aborted so discard has something to destroy.
		}
	}
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	sb := &mockSandbox{factory: f, artifact: a, destroyed: make(chan struct{})}
	f.mu.Lock()
	f.sandboxes = append(f.sandboxes, sb)
	f.mu.Unlock()
	return sb, nil
}

func (f *mockFactory) all() []*mockSandbox {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*mockSandbox(nil), f.sandboxes...)
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger(w *syncBuffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// writeApp lays out a built application named name and returns its dist path.
func writeApp(t *testing.T, name, shell string) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		artifact.DescriptorFile: `{"name":"` + name + `","scripts":["app.js"]}`,
		"app.js":                "",
		"index.html":            shell,
	}
	for file, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644))
	}
	return dir
}

const testShell = "<html><head><!-- PRERENDER_HEAD --></head><body><!-- PRERENDER_BODY --></body></html>"

func newTestRenderer(t *testing.T, f *mockFactory, opts ...func(*Renderer)) *Renderer {
	t.Helper()
	dist := writeApp(t, "v1", testShell)
	r, err := New(append([]func(*Renderer){
		WithSandboxFactory(f.build),
		WithPaths(artifact.Paths{Dist: dist}),
		WithPoolSize(2),
		WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))),
	}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, r.Start())
	t.Cleanup(func() { _ = r.Stop() })
	return r
}

func TestNew_Errors(t *testing.T) {
	_, err := New(WithPaths(artifact.Paths{Dist: "/tmp"}))
	require.ErrorContains(t, err, "sandbox factory")

	f := &mockFactory{}
	_, err = New(WithSandboxFactory(f.build))
	require.ErrorContains(t, err, "dist path")
}

func TestRenderer_StartFailsOnBadDescriptor(t *testing.T) {
	f := &mockFactory{}
	r, err := New(WithSandboxFactory(f.build), WithPaths(artifact.Paths{Dist: t.TempDir()}))
	require.NoError(t, err)

	err = r.Start()
	var derr *artifact.DescriptorError
	require.ErrorAs(t, err, &derr)
	require.Nil(t, r.Artifact())

	_, err = r.Visit(context.Background(), "/", nil)
	require.NoError(t, err)
}

func TestRenderer_Visit(t *testing.T) {
	f := &mockFactory{
		boot: func(vc *VisitContext) error {
			vc.Response.SetStatusCode(404)
			vc.Response.Set("X-Rendered", "yes")
			vc.Metadata.Set("title", "Missing")
			return nil
		},
	}
	r := newTestRenderer(t, f)

	res, err := r.Visit(context.Background(), "/about", &VisitOptions{Metadata: map[string]any{"lang": "en"}})
	require.NoError(t, err)
	require.NoError(t, res.Err)
	require.Equal(t, StateDestroyed, res.State)
	require.Equal(t, "/about", res.URL)
	require.Equal(t, 404, res.StatusCode)
	require.Equal(t, "yes", res.Header.Get("X-Rendered"))
	require.NotEmpty(t, res.Analytics.VisitID)
	require.True(t, res.Analytics.UsedPrebuiltSandbox)
	require.Positive(t, res.Analytics.Duration)

	title, _ := res.Metadata.Get("title")
	require.Equal(t, "Missing", title)
	lang, _ := res.Metadata.Get("lang")
	require.Equal(t, "en", lang)

	html, err := res.HTML()
	require.NoError(t, err)
	require.Equal(t, "<html><head><title>v1</title></head><body><p>v1:/about</p></body></html>", html)

	var pairs []string
	for name, value := range res.Headers() {
		pairs = append(pairs, name+"="+value)
	}
	require.Equal(t, []string{"X-Rendered=yes"}, pairs)

	// The instance is torn down before Visit returns, exactly once.
	var used *mockSandbox
	for _, sb := range f.all() {
		if sb.path == "/about" {
			used = sb
		}
	}
	require.NotNil(t, used)
	require.True(t, used.isDestroyed())
	require.NoError(t, res.Destroy())
	require.Equal(t, int32(1), used.destroys.Load())
}

func TestRenderer_VisitOptions(t *testing.T) {
	var shouldRender atomic.Bool
	shouldRender.Store(true)
	f := &mockFactory{
		boot: func(vc *VisitContext) error {
			shouldRender.Store(vc.ShouldRender)
			return nil
		},
	}
	r := newTestRenderer(t, f)

	no := false
	res, err := r.Visit(context.Background(), "", &VisitOptions{
		HTML:         "<html><head></head><body><main></main></body></html>",
		ShouldRender: &no,
	})
	require.NoError(t, err)
	require.False(t, shouldRender.Load())
	require.Equal(t, "/", res.URL)

	html, err := res.HTML()
	require.NoError(t, err)
	require.Equal(t, "<html><head><title>v1</title></head><body><main></main><p>v1:/</p></body></html>", html)
}

func TestRenderer_VisitError(t *testing.T) {
	boom := errors.New("boom")
	f := &mockFactory{
		visit: func(ctx context.Context, m *mockSandbox) error { return boom },
	}

	r := newTestRenderer(t, f)
	res, err := r.Visit(context.Background(), "/", nil)
	require.NoError(t, err)
	require.ErrorIs(t, res.Err, boom)
	require.Equal(t, StateErrored, res.State)
	_, err = res.HTML()
	require.ErrorIs(t, err, boom)
	require.Equal(t, testShell, res.Shell())

	strict := newTestRenderer(t, f, WithResilient(false))
	res, err = strict.Visit(context.Background(), "/", nil)
	require.ErrorIs(t, err, boom)
	require.NotNil(t, res)
}

func TestRenderer_BuildErrorSurfaces(t *testing.T) {
	boom := errors.New("cannot build")
	r := newTestRenderer(t, &mockFactory{buildErr: boom})

	res, err := r.Visit(context.Background(), "/", nil)
	require.NoError(t, err)
	require.ErrorIs(t, res.Err, boom)
	require.Equal(t, testShell, res.Shell())
}

func TestRenderer_ForcedDestruction(t *testing.T) {
	f := &mockFactory{
		visit: func(ctx context.Context, m *mockSandbox) error {
			select {
			case <-ctx.Done():
				return context.Cause(ctx)
			case <-m.destroyed:
				return errMockDestroyed
			}
		},
	}
	r := newTestRenderer(t, f)

	start := time.Now()
	res, err := r.Visit(context.Background(), "/slow", &VisitOptions{DestroyAppInstanceIn: 50 * time.Millisecond})
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second)

	var forced *ForcedDestructionError
	require.ErrorAs(t, res.Err, &forced)
	require.Equal(t, 50*time.Millisecond, forced.After)
	require.Equal(t, StateErrored, res.State)
	_, err = res.HTML()
	require.ErrorAs(t, err, &forced)

	sandboxes := f.all()
	require.NotEmpty(t, sandboxes)
	var aborts int32
	for _, sb := range sandboxes {
		aborts += sb.aborts.Load()
	}
	require.EqualValues(t, 1, aborts)
}

// A visit that completes before the timer is never reported forced and its
// instance is never aborted.
func TestRenderer_ForcedDestructionRace(t *testing.T) {
	f := &mockFactory{
		visit: func(ctx context.Context, m *mockSandbox) error {
			time.Sleep(time.Millisecond)
			return nil
		},
	}
	r := newTestRenderer(t, f, WithPoolSize(1))

	for i := 0; i < 50; i++ {
		path := fmt.Sprintf("/%d", i)
		res, err := r.Visit(context.Background(), path, &VisitOptions{DestroyAppInstanceIn: time.Millisecond})
		require.NoError(t, err)

		if res.Err != nil {
			var forced *ForcedDestructionError
			require.ErrorAs(t, res.Err, &forced)
			continue
		}
		require.Equal(t, StateDestroyed, res.State)
		for _, sb := range f.all() {
			if sb.path == path {
				require.Zero(t, sb.aborts.Load(), path)
			}
		}
	}
}

func TestRenderer_DefaultDestroyTimeout(t *testing.T) {
	f := &mockFactory{
		visit: func(ctx context.Context, m *mockSandbox) error {
			<-m.destroyed
			return errMockDestroyed
		},
	}
	r := newTestRenderer(t, f, WithDestroyTimeout(30*time.Millisecond))

	res, err := r.Visit(context.Background(), "/", nil)
	require.NoError(t, err)
	var forced *ForcedDestructionError
	require.ErrorAs(t, res.Err, &forced)
}

func TestRenderer_ContextCancel(t *testing.T) {
	f := &mockFactory{
		visit: func(ctx context.Context, m *mockSandbox) error {
			<-ctx.Done()
			return context.Cause(ctx)
		},
	}
	r := newTestRenderer(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := r.Visit(ctx, "/", nil)
	require.NoError(t, err)
	require.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

func TestRenderer_Reload(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	f := &mockFactory{
		visit: func(ctx context.Context, m *mockSandbox) error {
			if m.path == "/inflight" {
				close(entered)
				<-release
			}
			return nil
		},
	}
	r := newTestRenderer(t, f)

	done := make(chan *VisitResult, 1)
	go func() {
		res, _ := r.Visit(context.Background(), "/inflight", nil)
		done <- res
	}()
	<-entered

	dist := writeApp(t, "v2", testShell)
	require.NoError(t, r.Reload(artifact.Paths{Dist: dist}))
	require.Equal(t, "v2", r.Artifact().Name)
	require.Equal(t, dist, r.Paths().Dist)

	res, err := r.Visit(context.Background(), "/next", nil)
	require.NoError(t, err)
	html, err := res.HTML()
	require.NoError(t, err)
	require.Contains(t, html, "<p>v2:/next</p>")

	close(release)
	old := <-done
	require.NoError(t, old.Err)
	html, err = old.HTML()
	require.NoError(t, err)
	require.Contains(t, html, "<p>v1:/inflight</p>")
}

func TestRenderer_ReloadKeepsArtifactOnError(t *testing.T) {
	r := newTestRenderer(t, &mockFactory{})

	err := r.Reload(artifact.Paths{Dist: t.TempDir()})
	require.ErrorContains(t, err, "reloading application")
	require.Equal(t, "v1", r.Artifact().Name)

	res, err := r.Visit(context.Background(), "/", nil)
	require.NoError(t, err)
	require.NoError(t, res.Err)
}

func TestRenderer_ConcurrentReloadAndVisit(t *testing.T) {
	r := newTestRenderer(t, &mockFactory{})
	v2 := writeApp(t, "v2", testShell)
	v1 := r.Paths().Dist

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Visit(context.Background(), "/", nil)
			if err != nil || res.Err != nil {
				t.Errorf("visit failed: %v %v", err, res.Err)
			}
		}()
	}
	for i := 0; i < 4; i++ {
		dist := v2
		if i%2 == 1 {
			dist = v1
		}
		require.NoError(t, r.Reload(artifact.Paths{Dist: dist}))
	}
	wg.Wait()
}

func TestRenderer_Stop(t *testing.T) {
	r := newTestRenderer(t, &mockFactory{})
	require.NoError(t, r.Stop())

	res, err := r.Visit(context.Background(), "/", nil)
	require.NoError(t, err)
	require.ErrorIs(t, res.Err, ErrPoolClosed)
}

func TestRenderer_NotStarted(t *testing.T) {
	f := &mockFactory{}
	r, err := New(WithSandboxFactory(f.build), WithPaths(artifact.Paths{Dist: "dist"}))
	require.NoError(t, err)

	require.ErrorContains(t, r.Stop(), "not started")
	require.ErrorContains(t, r.Reload(artifact.Paths{}), "not started")
	res, err := r.Visit(context.Background(), "/", nil)
	require.NoError(t, err)
	require.ErrorContains(t, res.Err, "not started")
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
	builds   int
}

func (o *recordingObserver) SandboxBuilt(bool, time.Duration, error) {
	o.mu.Lock()
	o.builds++
	o.mu.Unlock()
}

func (o *recordingObserver) PoolPending(int) {}

func (o *recordingObserver) VisitCompleted(outcome string, _ time.Duration) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, outcome)
	o.mu.Unlock()
}

func TestRenderer_Observer(t *testing.T) {
	obs := &recordingObserver{}
	fail := errors.New("fail")
	f := &mockFactory{
		visit: func(ctx context.Context, m *mockSandbox) error {
			if strings.HasPrefix(m.path, "/bad") {
				return fail
			}
			return nil
		},
	}
	r := newTestRenderer(t, f, WithObserver(obs))

	_, _ = r.Visit(context.Background(), "/good", nil)
	_, _ = r.Visit(context.Background(), "/bad", nil)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Equal(t, []string{"ok", "error"}, obs.outcomes)
	require.Positive(t, obs.builds)
}
