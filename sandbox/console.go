// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// ConsolePrinter writes sandbox console output, styling warnings yellow and
// errors red so they stand out in worker logs.
type ConsolePrinter struct {
	mu     sync.Mutex
	out    io.Writer
	errOut io.Writer
	prefix string

	warnStyle  lipgloss.Style
	errorStyle lipgloss.Style
}

// NewConsolePrinter creates a printer writing log lines to out and warnings and
// errors to errOut. Nil writers default to stdout and stderr.
func NewConsolePrinter(out, errOut io.Writer, prefix string) *ConsolePrinter {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &ConsolePrinter{
		out:        out,
		errOut:     errOut,
		prefix:     prefix,
		warnStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		errorStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
	}
}

func (p *ConsolePrinter) Log(s string) {
	p.write(p.out, s)
}

func (p *ConsolePrinter) Warn(s string) {
	p.write(p.errOut, p.warnStyle.Render(s))
}

func (p *ConsolePrinter) Error(s string) {
	p.write(p.errOut, p.errorStyle.Render(s))
}

func (p *ConsolePrinter) write(w io.Writer, s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.prefix != "" {
		fmt.Fprintf(w, "%s %s\n", p.prefix, s)
		return
	}
	fmt.Fprintln(w, s)
}
