// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/buke/prerender/artifact"
)

// Environment variables a spawned worker reads its artifact paths from.
const (
	EnvDistPath   = "PRERENDER_DIST_PATH"
	EnvAssetsPath = "PRERENDER_ASSETS_PATH"
)

// File descriptors a worker inherits.
const (
	fdToSupervisor   = 3 // worker -> supervisor messages
	fdFromSupervisor = 4 // supervisor -> worker messages
	fdListener       = 5 // shared listening socket
)

// Process is a running worker as seen by the supervisor.
type Process interface {
	PID() int
	Send(Message) error
	Receive() (Message, error)
	// Wait blocks until the process exits. It is called once.
	Wait() Exit
	Kill() error
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(paths artifact.Paths) (Process, error)
}

// ExitCause classifies how a worker ended.
type ExitCause string

const (
	ExitSignal ExitCause = "signal" // killed by a signal
	ExitCode   ExitCause = "code"   // non-zero exit code
	ExitClean  ExitCause = "clean"  // exit code zero
)

// Exit describes a finished worker.
type Exit struct {
	PID    int
	Cause  ExitCause
	Code   int    // Exit code, -1 when killed by a signal
	Signal string // Signal name when Cause is ExitSignal
}

func (e Exit) String() string {
	switch e.Cause {
	case ExitSignal:
		return fmt.Sprintf("killed by signal %s", e.Signal)
	case ExitCode:
		return fmt.Sprintf("exited with code %d", e.Code)
	}
	return "exited cleanly"
}

// ClassifyExit derives an Exit from a finished process state.
func ClassifyExit(pid int, state *os.ProcessState) Exit {
	if state == nil {
		return Exit{PID: pid, Cause: ExitCode, Code: -1}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return Exit{PID: pid, Cause: ExitSignal, Code: -1, Signal: ws.Signal().String()}
	}
	if code := state.ExitCode(); code != 0 {
		return Exit{PID: pid, Cause: ExitCode, Code: code}
	}
	return Exit{PID: pid, Cause: ExitClean}
}

// ExecSpawner re-executes a binary as a worker. The worker inherits the
// message pipes on fds 3 and 4 and the shared listener on fd 5, and reads its
// artifact paths from the environment.
type ExecSpawner struct {
	Path     string   // Executable, the running binary when empty
	Args     []string // Arguments, "worker" when nil
	Env      []string // Extra environment entries
	Listener *os.File // Shared listening socket, may be nil
	Stdout   io.Writer
	Stderr   io.Writer
}

// Spawn starts one worker.
func (s *ExecSpawner) Spawn(paths artifact.Paths) (Process, error) {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating executable: %w", err)
		}
		path = exe
	}
	args := s.Args
	if args == nil {
		args = []string{"worker"}
	}

	fromWorker, toSupervisor, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	fromSupervisor, toWorker, err := os.Pipe()
	if err != nil {
		fromWorker.Close()
		toSupervisor.Close()
		return nil, err
	}

	paths = paths.WithDefaults()
	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env, EnvDistPath+"="+paths.Dist, EnvAssetsPath+"="+paths.Assets)
	cmd.ExtraFiles = []*os.File{toSupervisor, fromSupervisor, s.Listener}
	cmd.Stdout = s.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	err = cmd.Start()
	// The child holds its own copies now.
	toSupervisor.Close()
	fromSupervisor.Close()
	if err != nil {
		fromWorker.Close()
		toWorker.Close()
		return nil, fmt.Errorf("starting worker: %w", err)
	}

	return &execProcess{
		Channel:    NewChannel(fromWorker, toWorker),
		cmd:        cmd,
		fromWorker: fromWorker,
		toWorker:   toWorker,
	}, nil
}

// execProcess is a worker started by ExecSpawner.
type execProcess struct {
	*Channel
	cmd        *exec.Cmd
	fromWorker io.Closer
	toWorker   io.Closer
	closeOnce  sync.Once
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

// Receive closes the read end once the worker's side is gone, so messages
// written before exit are still delivered.
func (p *execProcess) Receive() (Message, error) {
	m, err := p.Channel.Receive()
	if err != nil && !errors.Is(err, ErrMalformedMessage) {
		p.closeOnce.Do(func() { _ = p.fromWorker.Close() })
	}
	return m, err
}

func (p *execProcess) Wait() Exit {
	err := p.cmd.Wait()
	_ = p.toWorker.Close()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return Exit{PID: p.PID(), Cause: ExitCode, Code: -1}
	}
	return ClassifyExit(p.PID(), p.cmd.ProcessState)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}
