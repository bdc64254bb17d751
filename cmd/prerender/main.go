// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Command prerender serves server-side rendered pages of a prebuilt
// single-page application.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/buke/prerender/internal/config"
)

var cfg = config.Default()

var rootCmd = &cobra.Command{
	Use:   "prerender",
	Short: "Server-side rendering for prebuilt single-page applications",
	Long: `prerender loads a built application, keeps pre-warmed sandboxes of it and
answers page requests with fully rendered HTML.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	f := rootCmd.PersistentFlags()
	f.String("dist", "", "Directory holding prerender.json and the entry scripts (env PRERENDER_DIST_PATH)")
	f.String("assets", "", "Directory static assets are served from (env PRERENDER_ASSETS_PATH)")
	f.String("log-level", "", "Log level: debug, info, warn or error (env PRERENDER_LOG_LEVEL)")
	f.String("log-format", "", "Log format: text or json (env PRERENDER_LOG_FORMAT)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(renderCmd)
}

// loadConfig reads the environment and lets explicitly set flags win.
func loadConfig(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load()
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	override := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	str := func(name string) string { v, _ := flags.GetString(name); return v }
	num := func(name string) int { v, _ := flags.GetInt(name); return v }

	override("dist", func() { loaded.DistPath = str("dist") })
	override("assets", func() { loaded.AssetsPath = str("assets") })
	override("log-level", func() { loaded.LogLevel = str("log-level") })
	override("log-format", func() { loaded.LogFormat = str("log-format") })
	override("host", func() { loaded.Host = str("host") })
	override("port", func() { loaded.Port = num("port") })
	override("workers", func() { loaded.Workers = num("workers") })
	override("pool-size", func() { loaded.PoolSize = num("pool-size") })
	override("cache", func() { loaded.Cache = str("cache") })
	override("watch", func() { loaded.WatchInterval, _ = flags.GetDuration("watch") })
	if err := loaded.Validate(); err != nil {
		return err
	}
	cfg = loaded

	logger, err := newLogger(os.Stderr, cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}

func newLogger(w io.Writer, c *config.Config) (*slog.Logger, error) {
	level, err := config.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func main() {
	os.Exit(run())
}

// run executes the command tree. A panic that reaches it is logged and turned
// into a non-zero exit.
func run() (code int) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Unrecoverable error", "panic", r, "stack", string(debug.Stack()))
			code = 2
		}
	}()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
