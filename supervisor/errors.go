// Copyright 2026 The Spawnd Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// SpawnErrorClass partitions spawn failures the way callers need to
// branch on them. Bare OS error codes never cross this boundary.
type SpawnErrorClass int

const (
	// SpawnNotFound: the executable was not found on the resolution
	// path.
	SpawnNotFound SpawnErrorClass = iota + 1

	// SpawnCannotInvoke: the executable exists but cannot be run
	// (permissions, format, is a directory).
	SpawnCannotInvoke

	// SpawnInternal: the service's own machinery failed (fork,
	// pipes, shutdown in progress).
	SpawnInternal
)

func (c SpawnErrorClass) String() string {
	switch c {
	case SpawnNotFound:
		return "not found"
	case SpawnCannotInvoke:
		return "cannot invoke"
	default:
		return "internal"
	}
}

// SpawnError is a structured spawn failure. A failed spawn is final
// for that request: nothing is retried and no child table row exists.
type SpawnError struct {
	Class SpawnErrorClass
	Path  string
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %s: %s: %v", e.Path, e.Class, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// classifySpawn converts an exec start error into a SpawnError.
func classifySpawn(path string, err error) *SpawnError {
	spawn := &SpawnError{Class: SpawnInternal, Path: path, Err: err}

	if errors.Is(err, exec.ErrNotFound) {
		spawn.Class = SpawnNotFound
		return spawn
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case unix.ENOENT, unix.ENOTDIR:
			spawn.Class = SpawnNotFound
		case unix.EACCES, unix.EPERM, unix.ENOEXEC, unix.EISDIR, unix.ELOOP, unix.ENAMETOOLONG:
			spawn.Class = SpawnCannotInvoke
		}
	}
	return spawn
}
