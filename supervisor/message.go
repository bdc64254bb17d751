// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

// Package supervisor runs a fleet of worker processes that each serve HTTP
// with their own renderer, and coordinates startup, crash recovery, reloads
// and shutdown over a per-worker message channel.
package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bytedance/sonic"

	"github.com/buke/prerender/artifact"
)

// Event names a control message. The set is closed.
type Event string

const (
	// EventReload asks a worker to rebuild its application from new paths.
	EventReload Event = "reload"
	// EventShutdown asks a worker to terminate.
	EventShutdown Event = "shutdown"
	// EventError reports an initialization failure. Workers send it to the
	// supervisor; the supervisor broadcasts it to abort startup.
	EventError Event = "error"
	// EventHTTPOnline is a worker's ready signal.
	EventHTTPOnline Event = "http-online"
)

// ErrMalformedMessage is returned by Receive for a line that is not a valid
// message. The channel stays usable.
var ErrMalformedMessage = errors.New("malformed control message")

// maxMessageSize bounds one encoded message.
const maxMessageSize = 1 << 20

// Message is one control message.
type Message struct {
	Event      Event  `json:"event"`
	DistPath   string `json:"distPath,omitempty"`
	AssetsPath string `json:"assetsPath,omitempty"`
	Error      string `json:"error,omitempty"`
	PID        int    `json:"pid,omitempty"`
}

// Validate rejects events outside the closed set.
func (m Message) Validate() error {
	switch m.Event {
	case EventReload:
		if m.DistPath == "" {
			return fmt.Errorf("reload message without dist path")
		}
		return nil
	case EventShutdown, EventError, EventHTTPOnline:
		return nil
	}
	return fmt.Errorf("unknown event %q", m.Event)
}

// Paths returns the artifact paths carried by a reload message.
func (m Message) Paths() artifact.Paths {
	return artifact.Paths{Dist: m.DistPath, Assets: m.AssetsPath}.WithDefaults()
}

// Channel exchanges newline-delimited JSON messages over a reader and a
// writer. Send and Receive are each safe for concurrent use.
type Channel struct {
	rmu     sync.Mutex
	scanner *bufio.Scanner

	wmu sync.Mutex
	w   io.Writer
}

// NewChannel creates a channel reading from r and writing to w.
func NewChannel(r io.Reader, w io.Writer) *Channel {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxMessageSize)
	return &Channel{scanner: scanner, w: w}
}

// Send writes one message.
func (c *Channel) Send(m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	line, err := sonic.ConfigStd.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", m.Event, err)
	}
	line = append(line, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(line); err != nil {
		return fmt.Errorf("sending %s message: %w", m.Event, err)
	}
	return nil
}

// Receive blocks for the next message. It returns io.EOF once the peer closed
// its end, and an error wrapping ErrMalformedMessage for an undecodable line.
func (c *Channel) Receive() (Message, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return Message{}, err
		}
		return Message{}, io.EOF
	}

	var m Message
	if err := sonic.ConfigStd.Unmarshal(c.scanner.Bytes(), &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return m, nil
}

// WorkerError is an initialization failure reported by a worker.
type WorkerError struct {
	PID     int
	Message string
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %d failed to start: %s", e.PID, e.Message)
}
