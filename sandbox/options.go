// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"log/slog"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
)

// Options holds configuration shared by every sandbox a factory builds.
type Options struct {
	MaxCallStackSize int                   // 0 or less means no limit
	FieldNameMapper  goja.FieldNameMapper  // Go-to-JS struct field naming
	Printer          console.Printer       // Sink for the sandbox console
	HostModulePaths  []string              // Global folders for host module resolution
	Globals          func(Globals) Globals // Extension hook over the capability surface
	DestroyGrace     time.Duration         // Time the app's destroy hooks get before interruption
	Logger           *slog.Logger
}

// Option configures a sandbox factory.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		FieldNameMapper: goja.TagFieldNameMapper("json", true),
		DestroyGrace:    time.Second,
		Logger:          slog.Default(),
	}
}

// WithMaxCallStackSize sets the maximum call stack size of each runtime.
func WithMaxCallStackSize(size int) Option {
	return func(o *Options) {
		o.MaxCallStackSize = size
	}
}

// WithFieldNameMapper sets the field name mapper for Go-to-JS struct conversions.
func WithFieldNameMapper(mapper goja.FieldNameMapper) Option {
	return func(o *Options) {
		if mapper != nil {
			o.FieldNameMapper = mapper
		}
	}
}

// WithConsolePrinter routes console output to printer.
func WithConsolePrinter(printer console.Printer) Option {
	return func(o *Options) {
		o.Printer = printer
	}
}

// WithHostModulePaths adds folders searched when a whitelisted module is not
// shipped with the application.
func WithHostModulePaths(paths ...string) Option {
	return func(o *Options) {
		o.HostModulePaths = append(o.HostModulePaths, paths...)
	}
}

// WithGlobals installs a hook that may add, replace or remove entries of the
// capability surface before it is installed. Hooks compose in order.
func WithGlobals(hook func(Globals) Globals) Option {
	return func(o *Options) {
		if hook == nil {
			return
		}
		prev := o.Globals
		o.Globals = func(g Globals) Globals {
			if prev != nil {
				g = prev(g)
			}
			return hook(g)
		}
	}
}

// WithDestroyGrace bounds how long application destroy hooks may run.
func WithDestroyGrace(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.DestroyGrace = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}
