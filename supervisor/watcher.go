// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/buke/prerender/artifact"
)

// WatchOptions tunes a Watcher.
type WatchOptions struct {
	// Interval is the polling frequency. Default: 1s.
	Interval time.Duration
	// Debounce is the quiet period after a change before the artifact is
	// validated and the action runs. Further changes restart it. 0 fires on
	// the poll that saw the change.
	Debounce time.Duration
	Logger   *slog.Logger
}

func (o *WatchOptions) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher polls the artifact descriptor's modification time and runs an
// action with the paths once a change has settled and the artifact loads.
type Watcher struct {
	paths artifact.Paths
	opts  WatchOptions
}

// NewWatcher creates a watcher for the artifact at paths.
func NewWatcher(paths artifact.Paths, opts WatchOptions) *Watcher {
	opts.defaults()
	return &Watcher{paths: paths.WithDefaults(), opts: opts}
}

func (w *Watcher) version() (int64, error) {
	fi, err := os.Stat(filepath.Join(w.paths.Dist, artifact.DescriptorFile))
	if err != nil {
		return 0, err
	}
	return fi.ModTime().UnixNano(), nil
}

// Run blocks until ctx is cancelled. An artifact that fails to load is
// logged and skipped until the descriptor changes again. If action fails the
// change is retried on the next poll.
func (w *Watcher) Run(ctx context.Context, action func(artifact.Paths) error) {
	log := w.opts.Logger
	current, err := w.version()
	if err != nil {
		log.Warn("Initial artifact check failed", "dist", w.paths.Dist, "error", err)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceCh <-chan time.Time
	pending := int64(-1)

	fire := func(v int64) {
		if _, err := artifact.Load(w.paths); err != nil {
			log.Warn("Changed artifact is invalid, ignoring", "dist", w.paths.Dist, "error", err)
			current = v
			return
		}
		if err := action(w.paths); err != nil {
			log.Warn("Artifact reload failed", "dist", w.paths.Dist, "error", err)
			return
		}
		current = v
	}

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case <-ticker.C:
			v, err := w.version()
			if err != nil {
				log.Debug("Artifact check failed", "dist", w.paths.Dist, "error", err)
				continue
			}
			if v == current {
				continue
			}
			if w.opts.Debounce <= 0 {
				fire(v)
				continue
			}
			if v != pending {
				pending = v
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.NewTimer(w.opts.Debounce)
				debounceCh = debounce.C
				log.Debug("Artifact change detected, debouncing", "dist", w.paths.Dist)
			}

		case <-debounceCh:
			debounceCh = nil
			if pending >= 0 {
				fire(pending)
				pending = -1
			}
		}
	}
}
