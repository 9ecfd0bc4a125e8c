// Copyright 2026 The Spawnd Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/spawnd-project/spawnd/lib/clock"
)

// ResolvedLaunch is a launch request after codec validation and
// environment resolution: everything the spawn needs, nothing left to
// interpret.
type ResolvedLaunch struct {
	// Argv is the command line; Argv[0] is resolved against PATH
	// when it contains no path separator.
	Argv []string

	// Directory is the child's working directory; empty means the
	// service's own.
	Directory string

	// Env is the fully resolved environment block.
	Env []string

	// Stdio holds the child's stdin, stdout, and stderr. A nil entry
	// means the child gets /dev/null for that stream.
	Stdio [3]*os.File

	// ExtraFiles are installed as child descriptors 3, 4, ... in
	// order, matching os/exec semantics. Gap positions the request
	// did not assign are filled by the caller before spawn.
	ExtraFiles []*os.File

	// TerminateWithSession requests SIGTERM for this child when its
	// owning session disconnects.
	TerminateWithSession bool
}

// TerminationEvent describes how a child ended. Produced exactly once
// per child.
type TerminationEvent struct {
	CorrelationID uint64

	// Signaled selects between the two outcomes: a normal exit
	// (ExitCode valid) or a signal death (Signal, CoreDumped valid).
	Signaled   bool
	ExitCode   int
	Signal     syscall.Signal
	CoreDumped bool
}

// ChildInfo is a snapshot of one table row, for introspection and
// shutdown logging.
type ChildInfo struct {
	CorrelationID uint64
	SessionID     uint64
	PID           int
	SpawnedAt     time.Time
}

// child is one row of the process table. Rows exist only between a
// successful spawn and the reap of that child.
type child struct {
	correlationID        uint64
	sessionID            uint64
	cmd                  *exec.Cmd
	spawnedAt            time.Time
	terminateWithSession bool
}

// Supervisor owns the table of in-flight children. Spawning and
// reaping race on the table, so every access is serialized by mu;
// nothing under the lock ever blocks on child or client I/O.
type Supervisor struct {
	logger *slog.Logger
	clock  clock.Clock

	mu       sync.Mutex
	nextID   uint64
	children map[uint64]*child
	sinks    map[uint64]*SessionSink
	closed   bool

	// reapers tracks the per-child wait goroutines so Shutdown can
	// wait for every child to be reaped.
	reapers sync.WaitGroup
}

// New returns an empty supervisor.
func New(logger *slog.Logger, clk clock.Clock) *Supervisor {
	return &Supervisor{
		logger:   logger,
		clock:    clk,
		children: make(map[uint64]*child),
		sinks:    make(map[uint64]*SessionSink),
	}
}

// AttachSession registers a session and returns the sink its
// termination events will be queued on.
func (s *Supervisor) AttachSession(sessionID uint64) *SessionSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	sink := newSessionSink()
	s.sinks[sessionID] = sink
	return sink
}

// DetachSession removes a session. Undelivered events are discarded.
// Children the session spawned stay running and are still reaped —
// except those launched with terminate-with-session, which are sent
// SIGTERM now.
func (s *Supervisor) DetachSession(sessionID uint64) {
	s.mu.Lock()
	sink := s.sinks[sessionID]
	delete(s.sinks, sessionID)

	var doomed []*child
	for _, c := range s.children {
		if c.sessionID == sessionID && c.terminateWithSession {
			doomed = append(doomed, c)
		}
	}
	s.mu.Unlock()

	if sink != nil {
		sink.detach()
	}
	for _, c := range doomed {
		s.logger.Info("terminating child with its session",
			"correlation_id", c.correlationID,
			"pid", c.cmd.Process.Pid,
		)
		if err := c.cmd.Process.Signal(unix.SIGTERM); err != nil {
			s.logger.Debug("signaling child failed", "correlation_id", c.correlationID, "error", err)
		}
	}
}

// Spawn forks and execs a child for the given session and inserts it
// into the table under a fresh correlation id. On failure the error
// is a *SpawnError and the table is untouched. The caller retains
// ownership of the files in req and closes its copies after Spawn
// returns; the child holds its own duplicates.
func (s *Supervisor) Spawn(req ResolvedLaunch, sessionID uint64) (uint64, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, &SpawnError{Class: SpawnInternal, Path: req.Argv[0], Err: fmt.Errorf("supervisor shutting down")}
	}
	s.mu.Unlock()

	cmd := exec.Command(req.Argv[0], req.Argv[1:]...)
	cmd.Dir = req.Directory
	cmd.Env = req.Env
	cmd.ExtraFiles = req.ExtraFiles

	// Unset stdio stays nil so os/exec opens /dev/null for it. A
	// typed-nil *os.File stored in the Stdin/Stdout/Stderr interface
	// fields would bypass that and hand the child a closed
	// descriptor instead.
	if req.Stdio[0] != nil {
		cmd.Stdin = req.Stdio[0]
	}
	if req.Stdio[1] != nil {
		cmd.Stdout = req.Stdio[1]
	}
	if req.Stdio[2] != nil {
		cmd.Stderr = req.Stdio[2]
	}

	if err := cmd.Start(); err != nil {
		return 0, classifySpawn(req.Argv[0], err)
	}

	s.mu.Lock()
	if s.closed {
		// Shutdown began while the child was being started. It is
		// not in the table Shutdown snapshotted, so it would escape
		// both the terminate pass and the grace-expiry kill; reap it
		// here instead of inserting it.
		s.mu.Unlock()
		cmd.Process.Kill()
		cmd.Wait()
		return 0, &SpawnError{Class: SpawnInternal, Path: req.Argv[0], Err: fmt.Errorf("supervisor shutting down")}
	}
	s.nextID++
	correlationID := s.nextID
	row := &child{
		correlationID:        correlationID,
		sessionID:            sessionID,
		cmd:                  cmd,
		spawnedAt:            s.clock.Now(),
		terminateWithSession: req.TerminateWithSession,
	}
	s.children[correlationID] = row
	s.reapers.Add(1)
	s.mu.Unlock()

	s.logger.Info("child spawned",
		"correlation_id", correlationID,
		"session_id", sessionID,
		"pid", cmd.Process.Pid,
		"argv0", req.Argv[0],
	)

	go s.reap(row)
	return correlationID, nil
}

// reap waits for one child, removes its table row, and queues its
// termination event on the owning session's sink. Removal and
// delivery happen under the table lock so that two children of the
// same session are delivered in the order they were reaped.
func (s *Supervisor) reap(row *child) {
	defer s.reapers.Done()

	waitErr := row.cmd.Wait()
	event := TerminationEvent{CorrelationID: row.correlationID}

	state := row.cmd.ProcessState
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		event.Signaled = true
		event.Signal = status.Signal()
		event.CoreDumped = status.CoreDump()
	} else {
		event.ExitCode = state.ExitCode()
	}

	s.mu.Lock()
	delete(s.children, row.correlationID)
	sink := s.sinks[row.sessionID]
	if sink != nil {
		sink.push(event)
	}
	s.mu.Unlock()

	logger := s.logger.With(
		"correlation_id", row.correlationID,
		"pid", state.Pid(),
		"signaled", event.Signaled,
	)
	switch {
	case sink == nil:
		logger.Info("child reaped after its session disconnected, event discarded", "wait", waitErr)
	case event.Signaled:
		logger.Info("child killed by signal", "signal", event.Signal.String(), "core_dumped", event.CoreDumped)
	default:
		logger.Info("child exited", "exit_code", event.ExitCode)
	}
}

// Children returns a snapshot of the in-flight table.
func (s *Supervisor) Children() []ChildInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make([]ChildInfo, 0, len(s.children))
	for _, c := range s.children {
		snapshot = append(snapshot, ChildInfo{
			CorrelationID: c.correlationID,
			SessionID:     c.sessionID,
			PID:           c.cmd.Process.Pid,
			SpawnedAt:     c.spawnedAt,
		})
	}
	return snapshot
}

// Shutdown stops accepting spawns and waits for in-flight children.
// With terminate set, children are sent SIGTERM immediately; either
// way, children still running when ctx expires are killed outright so
// the service never hangs on a child that ignores its signal.
func (s *Supervisor) Shutdown(ctx context.Context, terminate bool) {
	s.mu.Lock()
	s.closed = true
	running := make([]*child, 0, len(s.children))
	for _, c := range s.children {
		running = append(running, c)
	}
	s.mu.Unlock()

	if terminate {
		for _, c := range running {
			if err := c.cmd.Process.Signal(unix.SIGTERM); err != nil {
				s.logger.Debug("signaling child on shutdown", "correlation_id", c.correlationID, "error", err)
			}
		}
	}

	reaped := make(chan struct{})
	go func() {
		s.reapers.Wait()
		close(reaped)
	}()

	select {
	case <-reaped:
		return
	case <-ctx.Done():
	}

	s.mu.Lock()
	remaining := make([]*child, 0, len(s.children))
	for _, c := range s.children {
		remaining = append(remaining, c)
	}
	s.mu.Unlock()

	for _, c := range remaining {
		s.logger.Warn("killing child that outlived the shutdown grace period",
			"correlation_id", c.correlationID,
			"pid", c.cmd.Process.Pid,
		)
		if err := c.cmd.Process.Kill(); err != nil {
			s.logger.Debug("killing child on shutdown", "correlation_id", c.correlationID, "error", err)
		}
	}
	<-reaped
}
