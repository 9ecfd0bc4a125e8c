// Copyright 2026 The Spawnd Authors
// SPDX-License-Identifier: Apache-2.0

package wire

// Stable identity of the launcher interface. Clients that reach the
// service through a higher-level naming layer discover it under this
// name; the same strings are announced in the Hello frame so a client
// that only has the socket path can confirm what it connected to.
const (
	InterfaceName = "com.spawnd.Launcher1"
	ObjectPath    = "/com/spawnd/Launcher1"
)

// MsgType identifies a protocol frame. The set is closed: a frame
// whose type byte is not listed here is a protocol error and the
// session is closed, never partially interpreted.
type MsgType uint8

const (
	// MsgHello is sent by the server immediately after accepting a
	// connection. It announces the interface identity and protocol
	// version before the client sends anything.
	MsgHello MsgType = 1

	// MsgLaunch asks the service to spawn a child process. File
	// descriptors for the child travel as SCM_RIGHTS ancillary data
	// on the same datagram.
	MsgLaunch MsgType = 2

	// MsgLaunchAccepted acknowledges a successful spawn and carries
	// the correlation id under which the child is tracked.
	MsgLaunchAccepted MsgType = 3

	// MsgLaunchRejected reports a failed spawn or an invalid request.
	MsgLaunchRejected MsgType = 4

	// MsgTerminated is pushed asynchronously when a child previously
	// accepted on this session exits.
	MsgTerminated MsgType = 5
)

// Flags is the launch flag bitset. Unknown bits are a rejection, not
// silently ignored: a client setting a bit this build does not know
// would otherwise run with unintended semantics.
type Flags uint32

const (
	// FlagNone is the baseline: inherit the service environment,
	// apply overrides on top.
	FlagNone Flags = 0

	// FlagClearEnv builds the child environment from the request's
	// explicit overrides only. Nothing inherited from the service is
	// visible to the child.
	FlagClearEnv Flags = 1 << 0

	// flagsKnown is the mask of all bits this build understands.
	flagsKnown = FlagClearEnv
)

// Unknown returns the set of flag bits this build does not recognize.
func (f Flags) Unknown() Flags { return f &^ flagsKnown }

// Hello announces the service identity on a fresh connection.
type Hello struct {
	// Interface is the stable interface identifier (InterfaceName).
	Interface string `cbor:"interface"`

	// ObjectPath is the stable object path (ObjectPath).
	ObjectPath string `cbor:"object_path"`

	// Version is the protocol version the server speaks.
	Version uint8 `cbor:"version"`
}

// Launch is a request to spawn a child process.
type Launch struct {
	// Argv is the command line. Argv[0] is the executable; it is
	// resolved against PATH when it contains no path separator.
	// Must be non-empty.
	Argv []string `cbor:"argv"`

	// Directory is the child's working directory. Empty means the
	// service's own working directory.
	Directory string `cbor:"directory,omitempty"`

	// Env is the set of environment overrides, applied after the
	// inherited environment (or alone, with FlagClearEnv).
	Env map[string]string `cbor:"env,omitempty"`

	// Flags is the launch flag bitset.
	Flags Flags `cbor:"flags,omitempty"`

	// FDTargets assigns a child-side descriptor number to each file
	// descriptor passed with the request, by position: the i-th
	// passed descriptor is installed as child fd FDTargets[i]. When
	// absent, passed descriptors are installed positionally, so the
	// first three become stdin, stdout, and stderr. Targets must be
	// unique. Descriptors the request does not mention are not
	// inherited by the child at all.
	FDTargets []uint32 `cbor:"fd_targets,omitempty"`

	// TerminateWithSession requests that the child be sent SIGTERM
	// when the session that launched it disconnects. Without it the
	// child becomes independent of the session. This is an optional
	// field rather than a flag bit so that older servers ignore it
	// instead of rejecting the request.
	TerminateWithSession bool `cbor:"terminate_with_session,omitempty"`
}

// LaunchAccepted acknowledges a spawn.
type LaunchAccepted struct {
	// CorrelationID identifies the child on this session. The later
	// Terminated frame for this child carries the same id.
	CorrelationID uint64 `cbor:"correlation_id"`
}

// RejectCode classifies a launch rejection.
type RejectCode string

const (
	// RejectInvalidRequest: the request failed validation (empty
	// argv, NUL bytes, unknown flag bits, bad fd targets).
	RejectInvalidRequest RejectCode = "invalid-request"

	// RejectNotFound: the executable was not found on the resolution
	// path.
	RejectNotFound RejectCode = "not-found"

	// RejectCannotInvoke: the executable exists but cannot be run
	// (permissions, format).
	RejectCannotInvoke RejectCode = "cannot-invoke"

	// RejectInternal: the service itself failed (fork/exec machinery).
	RejectInternal RejectCode = "internal"
)

// LaunchRejected reports a failed launch. The session stays open; the
// client may issue a new request.
type LaunchRejected struct {
	Code    RejectCode `cbor:"code"`
	Message string     `cbor:"message,omitempty"`
}

// Terminated reports how a child ended. Exactly one of ExitCode and
// Signal is set.
type Terminated struct {
	// CorrelationID matches the LaunchAccepted that announced the child.
	CorrelationID uint64 `cbor:"correlation_id"`

	// ExitCode is the child's exit status for a normal exit. Pointer
	// so that exit code 0 is distinguishable from absence.
	ExitCode *int `cbor:"exit_code,omitempty"`

	// Signal is the number of the signal that killed the child, for
	// a signal death.
	Signal *int `cbor:"signal,omitempty"`

	// CoreDumped is set for a signal death that produced a core dump.
	CoreDumped bool `cbor:"core_dumped,omitempty"`
}
