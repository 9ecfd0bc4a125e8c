// Copyright 2026 The Spawnd Authors
// SPDX-License-Identifier: Apache-2.0

// Package client implements the launcher protocol's client side:
// dialing the rendezvous socket, sending launch requests with their
// file descriptors, and collecting the asynchronous termination
// events.
package client

import (
	"fmt"
	"net"
	"os"

	"github.com/spawnd-project/spawnd/lib/fdpass"
	"github.com/spawnd-project/spawnd/lib/wire"
)

// LaunchSpec describes one child to launch through the service.
type LaunchSpec struct {
	// Argv is the command line; must be non-empty.
	Argv []string

	// Directory is the child's working directory; empty inherits the
	// service's.
	Directory string

	// Env is the environment overrides.
	Env map[string]string

	// ClearEnv builds the child environment from Env alone.
	ClearEnv bool

	// TerminateWithSession asks the service to SIGTERM the child if
	// this connection goes away before the child exits.
	TerminateWithSession bool

	// Files are the descriptors passed to the service. Without
	// FDTargets they are installed positionally: Files[0] becomes
	// the child's stdin, Files[1] stdout, Files[2] stderr.
	Files []*os.File

	// FDTargets optionally assigns each passed file an explicit
	// child descriptor number.
	FDTargets []uint32
}

// RejectError is a launch rejection from the service.
type RejectError struct {
	Code    wire.RejectCode
	Message string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("launch rejected (%s): %s", e.Code, e.Message)
}

// Client is one connection to the launcher service. It is not safe
// for concurrent use; callers that want concurrent launches open one
// client per goroutine or serialize externally.
type Client struct {
	conn *net.UnixConn

	// pending buffers termination events that arrived while waiting
	// for a different frame, keyed by correlation id. Launches on one
	// connection may be pipelined, so events can interleave with
	// acknowledgements in any order.
	pending map[uint64]wire.Terminated

	buf []byte
}

// Dial connects to the rendezvous socket at path and verifies the
// server's Hello announcement.
func Dial(path string) (*Client, error) {
	conn, err := net.DialUnix("unixpacket", nil, &net.UnixAddr{Name: path, Net: "unixpacket"})
	if err != nil {
		return nil, fmt.Errorf("connecting to launcher at %s: %w", path, err)
	}

	c := &Client{
		conn:    conn,
		pending: make(map[uint64]wire.Terminated),
		buf:     make([]byte, wire.MaxFrameSize),
	}

	frame, err := c.readFrame()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading hello: %w", err)
	}
	if frame.Type != wire.MsgHello {
		conn.Close()
		return nil, fmt.Errorf("expected hello, got message type %d", frame.Type)
	}
	var hello wire.Hello
	if err := frame.Decode(&hello); err != nil {
		conn.Close()
		return nil, err
	}
	if hello.Interface != wire.InterfaceName {
		conn.Close()
		return nil, fmt.Errorf("socket at %s serves %q, want %q", path, hello.Interface, wire.InterfaceName)
	}
	if hello.Version != wire.ProtocolVersion {
		conn.Close()
		return nil, fmt.Errorf("server speaks protocol version %d, want %d", hello.Version, wire.ProtocolVersion)
	}
	return c, nil
}

// Close tears down the connection. Children launched without
// terminate-with-session keep running.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Launch sends one launch request and waits for its acknowledgement,
// returning the correlation id the service assigned. A rejection is
// returned as *RejectError.
func (c *Client) Launch(spec LaunchSpec) (uint64, error) {
	flags := wire.FlagNone
	if spec.ClearEnv {
		flags |= wire.FlagClearEnv
	}

	launch := wire.Launch{
		Argv:                 spec.Argv,
		Directory:            spec.Directory,
		Env:                  spec.Env,
		Flags:                flags,
		FDTargets:            spec.FDTargets,
		TerminateWithSession: spec.TerminateWithSession,
	}

	frame, err := wire.EncodeFrame(wire.MsgLaunch, launch)
	if err != nil {
		return 0, err
	}

	fds := make([]int, len(spec.Files))
	for i, file := range spec.Files {
		fds[i] = int(file.Fd())
	}

	if err := fdpass.Send(c.conn, frame, fds); err != nil {
		return 0, fmt.Errorf("sending launch: %w", err)
	}

	for {
		reply, err := c.readFrame()
		if err != nil {
			return 0, fmt.Errorf("reading launch reply: %w", err)
		}
		switch reply.Type {
		case wire.MsgLaunchAccepted:
			var accepted wire.LaunchAccepted
			if err := reply.Decode(&accepted); err != nil {
				return 0, err
			}
			return accepted.CorrelationID, nil

		case wire.MsgLaunchRejected:
			var rejected wire.LaunchRejected
			if err := reply.Decode(&rejected); err != nil {
				return 0, err
			}
			return 0, &RejectError{Code: rejected.Code, Message: rejected.Message}

		case wire.MsgTerminated:
			if err := c.stashTermination(reply); err != nil {
				return 0, err
			}

		default:
			return 0, fmt.Errorf("unexpected message type %d while awaiting launch reply", reply.Type)
		}
	}
}

// Wait blocks until the termination event for correlationID arrives
// and returns it. Events for other correlation ids observed along the
// way are buffered for their own Wait calls.
func (c *Client) Wait(correlationID uint64) (wire.Terminated, error) {
	if event, ok := c.pending[correlationID]; ok {
		delete(c.pending, correlationID)
		return event, nil
	}

	for {
		frame, err := c.readFrame()
		if err != nil {
			return wire.Terminated{}, fmt.Errorf("waiting for termination: %w", err)
		}
		if frame.Type != wire.MsgTerminated {
			return wire.Terminated{}, fmt.Errorf("unexpected message type %d while awaiting termination", frame.Type)
		}
		if err := c.stashTermination(frame); err != nil {
			return wire.Terminated{}, err
		}
		if event, ok := c.pending[correlationID]; ok {
			delete(c.pending, correlationID)
			return event, nil
		}
	}
}

func (c *Client) stashTermination(frame wire.Frame) error {
	var terminated wire.Terminated
	if err := frame.Decode(&terminated); err != nil {
		return err
	}
	c.pending[terminated.CorrelationID] = terminated
	return nil
}

func (c *Client) readFrame() (wire.Frame, error) {
	n, fds, err := fdpass.Recv(c.conn, c.buf)
	if err != nil {
		return wire.Frame{}, err
	}
	// The server never passes descriptors to the client; close any
	// that arrive rather than leaking them.
	for _, fd := range fds {
		os.NewFile(uintptr(fd), "unexpected-fd").Close()
	}
	if n == 0 {
		return wire.Frame{}, fmt.Errorf("connection closed by server")
	}
	return wire.DecodeFrame(c.buf[:n])
}
