// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/buke/prerender/artifact"
)

// State is the lifecycle state of a worker process.
type State int

const (
	StateStarting State = iota // Spawned, not yet ready
	StateOnline                // Sent its ready signal
	StateExited                // Process ended
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateOnline:
		return "online"
	case StateExited:
		return "exited"
	}
	return "unknown"
}

var errStopping = errors.New("supervisor is shutting down")

// WorkerCount resolves how many workers to run: an explicit override, else
// one in test mode, else the number of CPUs.
func WorkerCount(override int, testMode bool) int {
	switch {
	case override > 0:
		return override
	case testMode:
		return 1
	}
	return runtime.NumCPU()
}

// worker is one slot of the fleet. A respawn replaces the worker in its slot.
type worker struct {
	slot int
	proc Process

	mu       sync.Mutex
	state    State
	ready    chan error    // First startup outcome, buffered
	listened chan struct{} // Closed once the message channel is drained
}

func (w *worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *worker) getState() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// report records the first startup outcome; later ones are dropped.
func (w *worker) report(err error) {
	select {
	case w.ready <- err:
	default:
	}
}

// WorkerInfo is a point-in-time view of a worker.
type WorkerInfo struct {
	Slot  int
	PID   int
	State State
}

// Supervisor runs and supervises worker processes.
type Supervisor struct {
	spawner Spawner
	count   int
	logger  *slog.Logger
	onExit  func(Exit)

	mu       sync.Mutex
	paths    artifact.Paths
	workers  map[int]*worker // By slot
	online   bool            // Startup completed
	stopping bool
	wg       sync.WaitGroup // One per live process
}

// New creates a supervisor for workers serving the artifact at paths.
func New(spawner Spawner, paths artifact.Paths, opts ...func(*Supervisor)) *Supervisor {
	s := &Supervisor{
		spawner: spawner,
		count:   WorkerCount(0, false),
		logger:  slog.Default(),
		onExit:  func(Exit) {},
		paths:   paths.WithDefaults(),
		workers: make(map[int]*worker),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithWorkers sets the number of workers.
func WithWorkers(n int) func(*Supervisor) {
	return func(s *Supervisor) {
		if n > 0 {
			s.count = n
		}
	}
}

// WithLogger configures the logger for the supervisor
func WithLogger(logger *slog.Logger) func(*Supervisor) {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithExitHook registers a function called for every worker exit.
func WithExitHook(hook func(Exit)) func(*Supervisor) {
	return func(s *Supervisor) {
		if hook != nil {
			s.onExit = hook
		}
	}
}

// Start spawns every worker and returns once all of them are online. If any
// worker fails first, the failure is broadcast as an error message, the fleet
// is torn down and the failure returned.
func (s *Supervisor) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for slot := 0; slot < s.count; slot++ {
		g.Go(func() error {
			w, err := s.spawn(slot)
			if err != nil {
				return err
			}
			select {
			case err := <-w.ready:
				if err != nil {
					return fmt.Errorf("worker %d (pid %d): %w", slot, w.proc.PID(), err)
				}
				return nil
			case <-gctx.Done():
				return context.Cause(gctx)
			}
		})
	}

	if err := g.Wait(); err != nil {
		s.logger.Error("Worker startup failed, aborting", "error", err)
		abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = s.stop(abortCtx, Message{Event: EventError, Error: err.Error()})
		return err
	}

	s.mu.Lock()
	s.online = true
	s.mu.Unlock()
	s.logger.Info("All workers online", "workers", s.count)
	return nil
}

// spawn starts a worker in slot. It holds the lock so a concurrent stop sees
// every worker it has to wait for.
func (s *Supervisor) spawn(slot int) (*worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return nil, errStopping
	}

	proc, err := s.spawner.Spawn(s.paths)
	if err != nil {
		return nil, fmt.Errorf("spawning worker %d: %w", slot, err)
	}
	w := &worker{
		slot:     slot,
		proc:     proc,
		state:    StateStarting,
		ready:    make(chan error, 1),
		listened: make(chan struct{}),
	}
	s.workers[slot] = w
	s.wg.Add(1)
	go s.listen(w)
	go s.wait(w)

	s.logger.Debug("Worker spawned", "slot", slot, "pid", proc.PID())
	return w, nil
}

// listen handles messages from one worker until its channel closes.
func (s *Supervisor) listen(w *worker) {
	defer close(w.listened)
	for {
		m, err := w.proc.Receive()
		if errors.Is(err, ErrMalformedMessage) {
			s.logger.Warn("Ignoring malformed worker message", "pid", w.proc.PID(), "error", err)
			continue
		}
		if err != nil {
			return
		}

		switch m.Event {
		case EventHTTPOnline:
			w.setState(StateOnline)
			w.report(nil)
			s.logger.Info("Worker online", "slot", w.slot, "pid", w.proc.PID())
		case EventError:
			w.report(&WorkerError{PID: w.proc.PID(), Message: m.Error})
			s.logger.Error("Worker reported an error", "slot", w.slot, "pid", w.proc.PID(), "error", m.Error)
		default:
			s.logger.Warn("Unexpected worker message", "pid", w.proc.PID(), "event", m.Event)
		}
	}
}

// wait reaps one worker and respawns it unless the fleet is stopping or the
// worker failed during startup.
func (s *Supervisor) wait(w *worker) {
	defer s.wg.Done()
	exit := w.proc.Wait()
	// Messages sent before exiting take precedence over the exit itself.
	<-w.listened
	wasOnline := w.getState() == StateOnline
	w.setState(StateExited)
	w.report(fmt.Errorf("worker %s before coming online", exit))

	switch exit.Cause {
	case ExitSignal:
		s.logger.Warn("Worker killed by signal", "slot", w.slot, "pid", exit.PID, "signal", exit.Signal)
	case ExitCode:
		s.logger.Error("Worker exited with error", "slot", w.slot, "pid", exit.PID, "code", exit.Code)
	default:
		s.logger.Info("Worker exited", "slot", w.slot, "pid", exit.PID)
	}
	s.onExit(exit)

	s.mu.Lock()
	respawn := !s.stopping && (wasOnline || s.online)
	s.mu.Unlock()
	if !respawn {
		return
	}
	if _, err := s.spawn(w.slot); err != nil && !errors.Is(err, errStopping) {
		s.logger.Error("Respawning worker failed", "slot", w.slot, "error", err)
	}
}

// live returns the workers that have not exited.
func (s *Supervisor) live() []*worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		if w.getState() != StateExited {
			out = append(out, w)
		}
	}
	return out
}

// Broadcast sends m to every live worker concurrently.
func (s *Supervisor) Broadcast(m Message) error {
	workers := s.live()
	errs := make([]error, len(workers))
	var wg sync.WaitGroup
	for i, w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.proc.Send(m); err != nil {
				errs[i] = fmt.Errorf("worker %d: %w", w.proc.PID(), err)
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Reload switches the fleet to the artifact at paths. Live workers rebuild
// their application in place and later respawns use the new paths.
func (s *Supervisor) Reload(paths artifact.Paths) error {
	paths = paths.WithDefaults()
	s.mu.Lock()
	s.paths = paths
	s.mu.Unlock()

	s.logger.Info("Broadcasting reload", "dist", paths.Dist, "assets", paths.Assets)
	return s.Broadcast(Message{Event: EventReload, DistPath: paths.Dist, AssetsPath: paths.Assets})
}

// Paths returns the paths workers are spawned with.
func (s *Supervisor) Paths() artifact.Paths {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paths
}

// Shutdown asks every worker to exit and waits for them. Workers still
// running when ctx ends are killed.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down workers")
	return s.stop(ctx, Message{Event: EventShutdown})
}

func (s *Supervisor) stop(ctx context.Context, m Message) error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	go func() {
		if err := s.Broadcast(m); err != nil {
			s.logger.Debug("Broadcast incomplete", "event", m.Event, "error", err)
		}
	}()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, w := range s.live() {
			s.logger.Warn("Killing worker", "slot", w.slot, "pid", w.proc.PID())
			_ = w.proc.Kill()
		}
		<-done
		return context.Cause(ctx)
	}
}

// Workers returns the current worker of every slot, ordered by slot.
func (s *Supervisor) Workers() []WorkerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkerInfo, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, WorkerInfo{Slot: w.slot, PID: w.proc.PID(), State: w.getState()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}
