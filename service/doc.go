// Copyright 2026 The Spawnd Authors
// SPDX-License-Identifier: Apache-2.0

// Package service is the socket listener and session manager: it
// accepts connections on the rendezvous socket, drives one session
// per connection against the shared supervisor, and pushes each
// session the termination events for exactly the children it
// launched.
package service
