// Copyright 2026 The Spawnd Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor owns the table of in-flight child processes: it
// spawns children from resolved launch requests, reaps them as they
// exit, and queues exactly one termination event per child on the
// sink of the session that launched it.
package supervisor
