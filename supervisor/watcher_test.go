// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buke/prerender/artifact"
)

func writeArtifact(t *testing.T, dir, descriptor string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html></html>"), 0o644))
	p := filepath.Join(dir, artifact.DescriptorFile)
	require.NoError(t, os.WriteFile(p, []byte(descriptor), 0o644))
	require.NoError(t, os.Chtimes(p, mtime, mtime))
}

const validDescriptor = `{"name":"demo","scripts":["app.js"]}`

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func TestWatcher(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	writeArtifact(t, dir, validDescriptor, base)

	logs := &lockedBuffer{}
	w := NewWatcher(artifact.Paths{Dist: dir}, WatchOptions{
		Interval: 5 * time.Millisecond,
		Debounce: 20 * time.Millisecond,
		Logger:   slog.New(slog.NewTextHandler(logs, nil)),
	})

	reloads := make(chan artifact.Paths, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, func(p artifact.Paths) error {
		reloads <- p
		return nil
	})

	select {
	case <-reloads:
		t.Fatal("reload without a change")
	case <-time.After(50 * time.Millisecond):
	}

	// A broken descriptor is rejected.
	writeArtifact(t, dir, `{"name":`, base.Add(time.Minute))
	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(logs.String()), []byte("Changed artifact is invalid"))
	}, time.Second, 5*time.Millisecond)
	require.Empty(t, reloads)

	// A valid one triggers exactly one reload.
	writeArtifact(t, dir, validDescriptor, base.Add(2*time.Minute))
	select {
	case p := <-reloads:
		require.Equal(t, dir, p.Dist)
	case <-time.After(time.Second):
		t.Fatal("no reload after a valid change")
	}
	select {
	case <-reloads:
		t.Fatal("one change reloaded twice")
	case <-time.After(60 * time.Millisecond):
	}
}
