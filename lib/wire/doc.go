// Copyright 2026 The Spawnd Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the launcher protocol: a small, versioned,
// length-prefixed message set carried over a SOCK_SEQPACKET Unix
// socket, one frame per datagram, with file descriptors attached to
// Launch frames as SCM_RIGHTS ancillary data.
//
// Compatibility rules: unknown optional fields inside a known message
// are ignored; an unknown message type or protocol version is a
// protocol error and the session is closed. Unknown launch flag bits
// reject the request rather than being dropped.
package wire
