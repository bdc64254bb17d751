// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package loader decides what code a sandboxed application may pull in and
// evaluates it. Whitelist matching is a pure set-membership check; resolution
// against the filesystem is done by a separate cached Resolver.
package loader

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ModuleNotAllowedError is returned when a bare specifier names a package that
// is not on the whitelist. The module is never read nor evaluated.
type ModuleNotAllowedError struct {
	Specifier string
	Package   string
}

func (e *ModuleNotAllowedError) Error() string {
	return fmt.Sprintf("unable to require module '%s' because its package '%s' was not explicitly allowed in the module whitelist", e.Specifier, e.Package)
}

// ModuleNotFoundError is returned when neither the application nor the host can
// resolve a specifier.
type ModuleNotFoundError struct {
	Specifier string
	Requester string
	Err       error
}

func (e *ModuleNotFoundError) Error() string {
	return fmt.Sprintf("cannot find module '%s' required from %s: %v", e.Specifier, e.Requester, e.Err)
}

func (e *ModuleNotFoundError) Unwrap() error { return e.Err }

// Whitelist is the set of package names the application may load by bare specifier.
type Whitelist struct {
	names map[string]struct{}
}

// NewWhitelist builds a whitelist from package names.
func NewWhitelist(names ...string) Whitelist {
	w := Whitelist{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		w.names[n] = struct{}{}
	}
	return w
}

// Allows reports whether pkg is whitelisted.
func (w Whitelist) Allows(pkg string) bool {
	_, ok := w.names[pkg]
	return ok
}

// IsRelative reports whether spec is resolved against the requesting script.
func IsRelative(spec string) bool {
	return spec == "." || spec == ".." ||
		strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../") ||
		strings.HasPrefix(spec, "/")
}

// PackageName returns the package a bare specifier belongs to: its first path
// segment, or the first two when it is scoped.
func PackageName(spec string) string {
	parts := strings.SplitN(spec, "/", 3)
	if strings.HasPrefix(spec, "@") && len(parts) >= 2 {
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}

// Request is a classified module request, ready for resolution.
type Request struct {
	Specifier string
	Requester string
	Relative  bool
	Package   string // Bare requests only
	Base      string // Relative requests only: the joined candidate path
}

// Classify turns (specifier, requester) into a Request, or fails with
// *ModuleNotAllowedError. It performs no I/O.
func Classify(spec, requester string, w Whitelist) (Request, error) {
	if IsRelative(spec) {
		base := spec
		if !filepath.IsAbs(filepath.FromSlash(spec)) {
			base = filepath.Join(filepath.Dir(requester), filepath.FromSlash(spec))
		}
		return Request{Specifier: spec, Requester: requester, Relative: true, Base: filepath.Clean(base)}, nil
	}

	pkg := PackageName(spec)
	if !w.Allows(pkg) {
		return Request{}, &ModuleNotAllowedError{Specifier: spec, Package: pkg}
	}
	return Request{Specifier: spec, Requester: requester, Package: pkg}, nil
}
