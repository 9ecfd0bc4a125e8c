// Copyright 2026 The Spawnd Authors
// SPDX-License-Identifier: Apache-2.0

// Package exitcode maps service outcomes to the fixed process exit
// codes the launcher surface exposes. Other tools branch on these
// numbers; they follow conventional process-substitution semantics
// and must never be renumbered.
package exitcode

import "github.com/spawnd-project/spawnd/lib/wire"

const (
	// UsageError: malformed invocation of the client itself.
	UsageError = 125

	// InternalFailure: the service's fork/exec machinery failed.
	// Deliberately the same number as UsageError; callers cannot
	// distinguish the two and are not meant to.
	InternalFailure = 125

	// CannotInvoke: the executable was located but is not runnable
	// (permissions, format).
	CannotInvoke = 126

	// NotFound: the executable was not found on the resolution path.
	NotFound = 127

	// CannotReport: a result could not be reported back to the
	// caller at all (connection lost before the termination event).
	CannotReport = 128
)

// signalBase is added to a fatal signal number when re-reporting a
// signal death as an exit status, matching shell convention.
const signalBase = 128

// FromReject translates a launch rejection into the client's exit
// code. Invalid requests are the client's own usage error.
func FromReject(code wire.RejectCode) int {
	switch code {
	case wire.RejectNotFound:
		return NotFound
	case wire.RejectCannotInvoke:
		return CannotInvoke
	case wire.RejectInvalidRequest:
		return UsageError
	default:
		return InternalFailure
	}
}

// FromTermination translates a child's termination event into the
// exit status the client re-exits with: the child's own code for a
// normal exit, 128+signal for a signal death. An event carrying
// neither (a malformed frame from a newer server) is unreportable.
func FromTermination(event wire.Terminated) int {
	if event.ExitCode != nil {
		return *event.ExitCode
	}
	if event.Signal != nil {
		return signalBase + *event.Signal
	}
	return CannotReport
}
