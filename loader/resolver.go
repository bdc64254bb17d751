// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package loader

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/dop251/goja"
)

// ResolvedModule is the outcome of resolving a Request.
type ResolvedModule struct {
	Specifier string
	Package   string
	Path      string // Absolute file path, empty for host modules
	Host      bool   // Resolved through the host's standard resolution
}

// Resolver maps requests to files under the application's own tree and caches
// both resolutions and compiled programs. It is shared by every sandbox built
// from one artifact and is safe for concurrent use.
type Resolver struct {
	depsRoot string

	mu       sync.Mutex
	resolved map[string]ResolvedModule
	programs map[string]*goja.Program

	stat     func(string) (fs.FileInfo, error)
	readFile func(string) ([]byte, error)
}

// NewResolver creates a resolver whose application dependency root is
// appRoot/node_modules.
func NewResolver(appRoot string) *Resolver {
	return &Resolver{
		depsRoot: filepath.Join(appRoot, "node_modules"),
		resolved: make(map[string]ResolvedModule),
		programs: make(map[string]*goja.Program),
		stat:     os.Stat,
		readFile: os.ReadFile,
	}
}

// Resolve locates the file for req. Requests nothing on disk can satisfy fall
// back to the host.
func (r *Resolver) Resolve(req Request) (ResolvedModule, error) {
	key := req.Specifier
	if req.Relative {
		key = "rel:" + req.Base
	}

	r.mu.Lock()
	if m, ok := r.resolved[key]; ok {
		r.mu.Unlock()
		m.Specifier = req.Specifier
		return m, nil
	}
	r.mu.Unlock()

	var m ResolvedModule
	if req.Relative {
		m = r.resolveRelative(req)
	} else {
		m = r.resolveBare(req)
	}

	r.mu.Lock()
	r.resolved[key] = m
	r.mu.Unlock()
	return m, nil
}

// resolveRelative tries, in order: the exact path, an index file, then the
// path with the .js and .json extensions.
func (r *Resolver) resolveRelative(req Request) ResolvedModule {
	for _, candidate := range []string{
		req.Base,
		filepath.Join(req.Base, "index.js"),
		req.Base + ".js",
		req.Base + ".json",
	} {
		if r.isFile(candidate) {
			return ResolvedModule{Specifier: req.Specifier, Path: candidate}
		}
	}
	return ResolvedModule{Specifier: req.Specifier, Host: true}
}

// resolveBare looks under the application's dependency root before deferring
// to the host.
func (r *Resolver) resolveBare(req Request) ResolvedModule {
	target := filepath.Join(r.depsRoot, filepath.FromSlash(req.Specifier))

	candidates := []string{target, target + ".js", target + ".json"}
	if main := r.packageMain(target); main != "" {
		mainPath := filepath.Join(target, filepath.FromSlash(main))
		candidates = append(candidates, mainPath, mainPath+".js", filepath.Join(mainPath, "index.js"))
	}
	candidates = append(candidates, filepath.Join(target, "index.js"), filepath.Join(target, "index.json"))

	for _, candidate := range candidates {
		if r.isFile(candidate) {
			return ResolvedModule{Specifier: req.Specifier, Package: req.Package, Path: candidate}
		}
	}
	return ResolvedModule{Specifier: req.Specifier, Package: req.Package, Host: true}
}

func (r *Resolver) packageMain(dir string) string {
	raw, err := r.readFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return ""
	}
	var pkg struct {
		Main string `json:"main"`
	}
	if err := sonic.Unmarshal(raw, &pkg); err != nil {
		return ""
	}
	return strings.TrimPrefix(pkg.Main, "./")
}

func (r *Resolver) isFile(p string) bool {
	info, err := r.stat(p)
	return err == nil && info.Mode().IsRegular()
}

// Compile returns the CommonJS-wrapped program for path, compiling it once.
func (r *Resolver) Compile(path string) (*goja.Program, error) {
	r.mu.Lock()
	prg, ok := r.programs[path]
	r.mu.Unlock()
	if ok {
		return prg, nil
	}

	src, err := r.readFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading module %s: %w", path, err)
	}
	wrapped := "(function (exports, require, module, __filename, __dirname) {" + string(src) + "\n})"
	prg, err = goja.Compile(path, wrapped, false)
	if err != nil {
		return nil, fmt.Errorf("compiling module %s: %w", path, err)
	}

	r.mu.Lock()
	r.programs[path] = prg
	r.mu.Unlock()
	return prg, nil
}

// ReadFile reads a module source through the resolver's filesystem.
func (r *Resolver) ReadFile(path string) ([]byte, error) {
	return r.readFile(path)
}
