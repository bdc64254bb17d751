// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package prerender

import (
	"errors"
	"fmt"
	"time"
)

// ErrPoolClosed is returned when dequeuing from a pool that has been closed.
var ErrPoolClosed = errors.New("sandbox pool is closed")

// ForcedDestructionError is attached to a visit whose instance was destroyed
// by the forced-destroy timer before it completed.
type ForcedDestructionError struct {
	After time.Duration
}

func (e *ForcedDestructionError) Error() string {
	return fmt.Sprintf("application instance was forcefully destroyed after %s", e.After)
}

// terminal is implemented by build errors that rebuilding from the same
// artifact cannot fix.
type terminal interface {
	Terminal() bool
}

// IsTerminal reports whether err is a build failure that only a reload with a
// corrected artifact can fix.
func IsTerminal(err error) bool {
	var t terminal
	return errors.As(err, &t) && t.Terminal()
}

// Observer receives pool and visit events, for metrics.
type Observer interface {
	SandboxBuilt(prewarmed bool, d time.Duration, err error)
	PoolPending(n int)
	VisitCompleted(outcome string, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) SandboxBuilt(bool, time.Duration, error) {}
func (nopObserver) PoolPending(int)                         {}
func (nopObserver) VisitCompleted(string, time.Duration)    {}
