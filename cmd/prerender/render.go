// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/buke/prerender"
	"github.com/buke/prerender/artifact"
)

var (
	renderOut       string
	renderNoShoebox bool
)

var renderCmd = &cobra.Command{
	Use:   "render PATH...",
	Short: "Render paths once and print or write the HTML",
	Long: `Renders each path with a fresh sandbox. Without --out the documents are
written to stdout; with --out each path is written to DIR/<path>/index.html.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRender,
}

func init() {
	renderCmd.Flags().StringVarP(&renderOut, "out", "o", "", "Write each page below this directory")
	renderCmd.Flags().BoolVar(&renderNoShoebox, "no-shoebox", false, "Do not embed shoebox data")
}

func runRender(cmd *cobra.Command, args []string) error {
	logger := slog.Default()
	paths := artifact.Paths{Dist: cfg.DistPath, Assets: cfg.AssetsPath}
	r, err := newRenderer(cfg, paths, logger, prerender.WithPoolSize(1), prerender.WithResilient(true))
	if err != nil {
		return err
	}
	if err := r.Start(); err != nil {
		return err
	}
	defer r.Stop()

	var failed []error
	for _, path := range args {
		if err := renderOne(cmd, r, path); err != nil {
			logger.Error("Rendering failed", "path", path, "error", err)
			failed = append(failed, fmt.Errorf("%s: %w", path, err))
		}
	}
	return errors.Join(failed...)
}

func renderOne(cmd *cobra.Command, r *prerender.Renderer, path string) error {
	result, err := r.Visit(cmd.Context(), path, &prerender.VisitOptions{DisableShoebox: renderNoShoebox})
	if err != nil {
		return err
	}
	html, err := result.HTML()
	if err != nil {
		return err
	}

	if renderOut == "" {
		_, err := io.WriteString(cmd.OutOrStdout(), html+"\n")
		return err
	}
	file := outputFile(renderOut, path)
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(file, []byte(html), 0o644); err != nil {
		return err
	}
	slog.Info("Page written", "path", path, "file", file, "status", result.StatusCode)
	return nil
}

// outputFile maps a URL path to DIR/<path>/index.html, dropping the query.
func outputFile(dir, urlPath string) string {
	urlPath, _, _ = strings.Cut(urlPath, "?")
	clean := filepath.Clean("/" + filepath.FromSlash(urlPath))
	return filepath.Join(dir, clean, "index.html")
}
