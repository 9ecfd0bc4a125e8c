// Copyright 2026 The Spawnd Authors
// SPDX-License-Identifier: Apache-2.0

// Package fdpass sends and receives datagrams with attached file
// descriptors over a SOCK_SEQPACKET Unix connection. SEQPACKET keeps
// datagram boundaries, so one send is one protocol frame and the
// SCM_RIGHTS ancillary data is unambiguously associated with it.
package fdpass

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// oobSize is the ancillary data buffer for received control messages.
// One page comfortably holds SCM_RIGHTS for far more descriptors than
// any launch request legitimately passes.
const oobSize = 4096

// Send writes one datagram containing frame, attaching fds (if any)
// as SCM_RIGHTS ancillary data.
func Send(conn *net.UnixConn, frame []byte, fds []int) error {
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	if _, _, err := conn.WriteMsgUnix(frame, oob, nil); err != nil {
		return fmt.Errorf("sending frame: %w", err)
	}
	return nil
}

// Recv reads one datagram into buf and returns the number of frame
// bytes along with any file descriptors that accompanied it. Received
// descriptors are marked close-on-exec immediately so they can never
// leak into children spawned before the request that owns them is
// processed. On a parse error every received descriptor is closed
// before the error is returned.
func Recv(conn *net.UnixConn, buf []byte) (int, []int, error) {
	oob := make([]byte, oobSize)
	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return 0, nil, err
	}
	if oobn == 0 {
		return n, nil, nil
	}

	messages, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return 0, nil, fmt.Errorf("parsing control messages: %w", err)
	}

	var fds []int
	for _, message := range messages {
		if message.Header.Level != unix.SOL_SOCKET || message.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		parsed, err := unix.ParseUnixRights(&message)
		if err != nil {
			closeAll(fds)
			return 0, nil, fmt.Errorf("parsing SCM_RIGHTS: %w", err)
		}
		fds = append(fds, parsed...)
	}

	for _, fd := range fds {
		unix.CloseOnExec(fd)
	}
	return n, fds, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
