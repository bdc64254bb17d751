// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package artifact loads the immutable description of a built application:
// its entry scripts, HTML shell, host allow-list and module whitelist.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DescriptorFile is the name of the descriptor co-located with the built application.
const DescriptorFile = "prerender.json"

// Paths locates the two roles of a built application on disk.
type Paths struct {
	Dist   string `json:"distPath"`   // Server render source, holds the descriptor
	Assets string `json:"assetsPath"` // Client assets served as static files
}

// WithDefaults returns a copy where an empty Assets path falls back to Dist.
func (p Paths) WithDefaults() Paths {
	if p.Assets == "" {
		p.Assets = p.Dist
	}
	return p
}

// Artifact is an immutable snapshot of a built application. It is created once
// per load and replaced wholesale on reload.
type Artifact struct {
	Name       string         // Application name
	Paths      Paths          // Resolved absolute paths
	Scripts    []string       // Absolute entry script paths in evaluation order
	HTML       string         // HTML shell template
	HTMLPath   string         // Absolute path of the HTML shell
	Hosts      HostList       // Allowed values of the Host header
	Modules    []string       // Whitelisted external package names
	Config     map[string]any // Application configuration sections
	Descriptor string         // Absolute descriptor path
}

// Load reads the descriptor under paths.Dist and builds an Artifact from it.
// Any failure is returned as a *DescriptorError.
func Load(paths Paths) (*Artifact, error) {
	paths = paths.WithDefaults()
	if paths.Dist == "" {
		return nil, &DescriptorError{Path: DescriptorFile, Err: fmt.Errorf("dist path is empty")}
	}

	dist, err := filepath.Abs(paths.Dist)
	if err != nil {
		return nil, &DescriptorError{Path: paths.Dist, Err: err}
	}
	assets, err := filepath.Abs(paths.Assets)
	if err != nil {
		return nil, &DescriptorError{Path: paths.Assets, Err: err}
	}

	descPath := filepath.Join(dist, DescriptorFile)
	raw, err := os.ReadFile(descPath)
	if err != nil {
		return nil, &DescriptorError{Path: descPath, Err: err}
	}
	desc, err := ParseDescriptor(raw)
	if err != nil {
		return nil, &DescriptorError{Path: descPath, Err: err}
	}

	hosts, err := ParseHostList(desc.HostWhitelist)
	if err != nil {
		return nil, &DescriptorError{Path: descPath, Err: err}
	}

	scripts, err := expandScripts(dist, desc.Scripts)
	if err != nil {
		return nil, &DescriptorError{Path: descPath, Err: err}
	}

	htmlPath := filepath.Join(dist, filepath.FromSlash(desc.HTMLEntrypoint))
	shell, err := os.ReadFile(htmlPath)
	if err != nil {
		return nil, &DescriptorError{Path: descPath, Err: fmt.Errorf("reading html entrypoint: %w", err)}
	}

	config := desc.Config
	if config == nil {
		config = map[string]any{}
	}

	return &Artifact{
		Name:       desc.Name,
		Paths:      Paths{Dist: dist, Assets: assets},
		Scripts:    scripts,
		HTML:       string(shell),
		HTMLPath:   htmlPath,
		Hosts:      hosts,
		Modules:    append([]string(nil), desc.ModuleWhitelist...),
		Config:     config,
		Descriptor: descPath,
	}, nil
}

// AppConfig returns the configuration section for name, or the application's
// own section when name is empty.
func (a *Artifact) AppConfig(name string) (any, bool) {
	if name == "" {
		name = a.Name
	}
	v, ok := a.Config[name]
	return v, ok
}

// expandScripts resolves glob patterns relative to dist. Patterns keep their
// declared order, matches of one pattern are sorted and duplicates dropped.
func expandScripts(dist string, patterns []string) ([]string, error) {
	fsys := os.DirFS(dist)
	seen := make(map[string]struct{})
	var scripts []string

	for _, pattern := range patterns {
		clean := strings.TrimPrefix(filepath.ToSlash(pattern), "./")
		if !doublestar.ValidatePattern(clean) {
			return nil, fmt.Errorf("invalid script pattern %q", pattern)
		}
		matches, err := doublestar.Glob(fsys, clean, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("expanding script pattern %q: %w", pattern, err)
		}
		sort.Strings(matches)
		for _, m := range matches {
			abs := filepath.Join(dist, filepath.FromSlash(m))
			if _, dup := seen[abs]; dup {
				continue
			}
			seen[abs] = struct{}{}
			scripts = append(scripts, abs)
		}
	}

	if len(scripts) == 0 {
		return nil, fmt.Errorf("no scripts matched %v", patterns)
	}
	return scripts, nil
}
