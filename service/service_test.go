// Copyright 2026 The Spawnd Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/spawnd-project/spawnd/client"
	"github.com/spawnd-project/spawnd/lib/clock"
	"github.com/spawnd-project/spawnd/lib/fdpass"
	"github.com/spawnd-project/spawnd/lib/rendezvous"
	"github.com/spawnd-project/spawnd/lib/testutil"
	"github.com/spawnd-project/spawnd/lib/wire"
	"github.com/spawnd-project/spawnd/supervisor"
)

const testTimeout = 10 * time.Second

// testServer starts a full server on a fresh rendezvous socket and
// returns the socket path. Everything is torn down with the test.
func testServer(t *testing.T) (string, *supervisor.Supervisor) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	socket, err := rendezvous.Create(rendezvous.Config{Directory: testutil.SocketDir(t)})
	if err != nil {
		t.Fatalf("creating rendezvous socket: %v", err)
	}

	sup := supervisor.New(logger, clock.Real())
	server := New(socket, sup, logger)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		server.Serve(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, served, testTimeout, "server did not stop")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), testTimeout)
		defer shutdownCancel()
		sup.Shutdown(shutdownCtx, true)
		socket.Close()
	})

	return socket.Path, sup
}

func intValue(t *testing.T, p *int, what string) int {
	t.Helper()
	if p == nil {
		t.Fatalf("%s not set", what)
	}
	return *p
}

func TestLaunchReportsExitStatus(t *testing.T) {
	t.Parallel()

	path, _ := testServer(t)
	c, err := client.Dial(path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	id, err := c.Launch(client.LaunchSpec{Argv: []string{"/bin/sh", "-c", "exit 0"}})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	event, err := c.Wait(id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := intValue(t, event.ExitCode, "exit code"); got != 0 {
		t.Errorf("exit code = %d, want 0", got)
	}
}

func TestLaunchNonzeroExit(t *testing.T) {
	t.Parallel()

	path, _ := testServer(t)
	c, err := client.Dial(path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	id, err := c.Launch(client.LaunchSpec{Argv: []string{"/bin/sh", "-c", "exit 41"}})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	event, err := c.Wait(id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := intValue(t, event.ExitCode, "exit code"); got != 41 {
		t.Errorf("exit code = %d, want 41", got)
	}
}

func TestLaunchWithoutDescriptorsWritesToDevNull(t *testing.T) {
	t.Parallel()

	path, _ := testServer(t)
	c, err := client.Dial(path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	// No descriptors passed: the child's stdio must be /dev/null,
	// not closed. Writing to closed descriptors would make the shell
	// exit non-zero.
	id, err := c.Launch(client.LaunchSpec{
		Argv: []string{"/bin/sh", "-c", "echo out && echo err >&2 && cat"},
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	event, err := c.Wait(id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := intValue(t, event.ExitCode, "exit code"); got != 0 {
		t.Errorf("exit code = %d, want 0", got)
	}
}

func TestLaunchRejectsOversizedFDTarget(t *testing.T) {
	t.Parallel()

	path, _ := testServer(t)
	c, err := client.Dial(path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	readEnd, writeEnd, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer readEnd.Close()
	defer writeEnd.Close()

	// A huge target descriptor number must be rejected outright; the
	// service would otherwise open placeholder files for every
	// position up to it.
	_, err = c.Launch(client.LaunchSpec{
		Argv:      []string{"/bin/true"},
		Files:     []*os.File{writeEnd},
		FDTargets: []uint32{1 << 22},
	})
	var reject *client.RejectError
	if !errors.As(err, &reject) {
		t.Fatalf("Launch error = %v, want rejection", err)
	}
	if reject.Code != wire.RejectInvalidRequest {
		t.Errorf("reject code = %s, want %s", reject.Code, wire.RejectInvalidRequest)
	}

	// The rejection is request-level: the session must still accept
	// a well-formed launch.
	id, err := c.Launch(client.LaunchSpec{Argv: []string{"/bin/sh", "-c", "exit 3"}})
	if err != nil {
		t.Fatalf("Launch after rejection: %v", err)
	}
	event, err := c.Wait(id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := intValue(t, event.ExitCode, "exit code"); got != 3 {
		t.Errorf("exit code = %d, want 3", got)
	}
}

func TestLaunchSignalDeath(t *testing.T) {
	t.Parallel()

	path, _ := testServer(t)
	c, err := client.Dial(path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	id, err := c.Launch(client.LaunchSpec{Argv: []string{"/bin/sh", "-c", "kill -KILL $$"}})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	event, err := c.Wait(id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := intValue(t, event.Signal, "signal"); got != 9 {
		t.Errorf("signal = %d, want 9 (SIGKILL)", got)
	}
	if event.ExitCode != nil {
		t.Error("both exit code and signal set")
	}
}

func TestLaunchNotFound(t *testing.T) {
	t.Parallel()

	path, sup := testServer(t)
	c, err := client.Dial(path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	_, err = c.Launch(client.LaunchSpec{Argv: []string{"/no/such/binary"}})
	var reject *client.RejectError
	if !errors.As(err, &reject) || reject.Code != wire.RejectNotFound {
		t.Fatalf("error = %v, want not-found rejection", err)
	}
	if len(sup.Children()) != 0 {
		t.Error("failed launch left a child in the table")
	}
}

func TestLaunchCannotInvoke(t *testing.T) {
	t.Parallel()

	binary := testutil.SocketDir(t) + "/not-exec"
	if err := os.WriteFile(binary, []byte("#!/bin/sh\n"), 0o644); err != nil {
		t.Fatalf("writing file: %v", err)
	}

	path, _ := testServer(t)
	c, err := client.Dial(path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	_, err = c.Launch(client.LaunchSpec{Argv: []string{binary}})
	var reject *client.RejectError
	if !errors.As(err, &reject) || reject.Code != wire.RejectCannotInvoke {
		t.Fatalf("error = %v, want cannot-invoke rejection", err)
	}
}

func TestLaunchInvalidRequestKeepsSession(t *testing.T) {
	t.Parallel()

	path, _ := testServer(t)
	c, err := client.Dial(path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	// Empty argv is rejected...
	_, err = c.Launch(client.LaunchSpec{})
	var reject *client.RejectError
	if !errors.As(err, &reject) || reject.Code != wire.RejectInvalidRequest {
		t.Fatalf("error = %v, want invalid-request rejection", err)
	}

	// ...and the session survives to serve a valid request.
	id, err := c.Launch(client.LaunchSpec{Argv: []string{"/bin/sh", "-c", "exit 0"}})
	if err != nil {
		t.Fatalf("Launch after rejection: %v", err)
	}
	if _, err := c.Wait(id); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestClearEnvIsExact(t *testing.T) {
	t.Parallel()

	path, _ := testServer(t)
	c, err := client.Dial(path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	readEnd, writeEnd, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer readEnd.Close()

	id, err := c.Launch(client.LaunchSpec{
		Argv:      []string{"/usr/bin/env"},
		Env:       map[string]string{"FOO": "bar"},
		ClearEnv:  true,
		Files:     []*os.File{writeEnd},
		FDTargets: []uint32{1},
	})
	writeEnd.Close()
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	output, err := io.ReadAll(readEnd)
	if err != nil {
		t.Fatalf("reading child stdout: %v", err)
	}
	if _, err := c.Wait(id); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	lines := strings.Fields(strings.TrimSpace(string(output)))
	if len(lines) != 1 || lines[0] != "FOO=bar" {
		t.Errorf("child environment = %q, want exactly [FOO=bar]", lines)
	}
}

func TestInheritedEnvWithOverride(t *testing.T) {
	// No t.Parallel: t.Setenv mutates process-wide state.
	t.Setenv("SPAWND_TEST_MARKER", "inherited")

	path, _ := testServer(t)
	c, err := client.Dial(path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	readEnd, writeEnd, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer readEnd.Close()

	id, err := c.Launch(client.LaunchSpec{
		Argv:      []string{"/usr/bin/env"},
		Env:       map[string]string{"SPAWND_TEST_OVERRIDE": "wins"},
		Files:     []*os.File{writeEnd},
		FDTargets: []uint32{1},
	})
	writeEnd.Close()
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	output, err := io.ReadAll(readEnd)
	if err != nil {
		t.Fatalf("reading child stdout: %v", err)
	}
	if _, err := c.Wait(id); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	environment := string(output)
	if !strings.Contains(environment, "SPAWND_TEST_MARKER=inherited") {
		t.Error("inherited variable missing from child environment")
	}
	if !strings.Contains(environment, "SPAWND_TEST_OVERRIDE=wins") {
		t.Error("override missing from child environment")
	}
}

func TestStdioPassing(t *testing.T) {
	t.Parallel()

	path, _ := testServer(t)
	c, err := client.Dial(path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	stdinRead, stdinWrite, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	stdoutRead, stdoutWrite, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer stdoutRead.Close()

	id, err := c.Launch(client.LaunchSpec{
		Argv:  []string{"/bin/cat"},
		Files: []*os.File{stdinRead, stdoutWrite},
	})
	stdinRead.Close()
	stdoutWrite.Close()
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	if _, err := stdinWrite.WriteString("through the launcher\n"); err != nil {
		t.Fatalf("writing to child stdin: %v", err)
	}
	stdinWrite.Close()

	output, err := io.ReadAll(stdoutRead)
	if err != nil {
		t.Fatalf("reading child stdout: %v", err)
	}
	if string(output) != "through the launcher\n" {
		t.Errorf("child output = %q", output)
	}
	if _, err := c.Wait(id); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestExtraFDWithExplicitTarget(t *testing.T) {
	t.Parallel()

	path, _ := testServer(t)
	c, err := client.Dial(path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	readEnd, writeEnd, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer readEnd.Close()

	// The pipe is installed as child fd 5; the shell writes to it by
	// number.
	id, err := c.Launch(client.LaunchSpec{
		Argv:      []string{"/bin/sh", "-c", "echo target five >&5"},
		Files:     []*os.File{writeEnd},
		FDTargets: []uint32{5},
	})
	writeEnd.Close()
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	output, err := io.ReadAll(readEnd)
	if err != nil {
		t.Fatalf("reading from fd 5 pipe: %v", err)
	}
	if strings.TrimSpace(string(output)) != "target five" {
		t.Errorf("fd 5 output = %q", output)
	}
	if _, err := c.Wait(id); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestConcurrentSessionsAreIsolated(t *testing.T) {
	t.Parallel()

	path, _ := testServer(t)

	clientOne, err := client.Dial(path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer clientOne.Close()
	clientTwo, err := client.Dial(path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer clientTwo.Close()

	idOne, err := clientOne.Launch(client.LaunchSpec{Argv: []string{"/bin/sh", "-c", "sleep 0.2; exit 21"}})
	if err != nil {
		t.Fatalf("Launch one: %v", err)
	}
	idTwo, err := clientTwo.Launch(client.LaunchSpec{Argv: []string{"/bin/sh", "-c", "sleep 0.2; exit 22"}})
	if err != nil {
		t.Fatalf("Launch two: %v", err)
	}

	eventOne, err := clientOne.Wait(idOne)
	if err != nil {
		t.Fatalf("Wait one: %v", err)
	}
	eventTwo, err := clientTwo.Wait(idTwo)
	if err != nil {
		t.Fatalf("Wait two: %v", err)
	}

	if got := intValue(t, eventOne.ExitCode, "session one exit code"); got != 21 {
		t.Errorf("session one exit code = %d, want 21", got)
	}
	if got := intValue(t, eventTwo.ExitCode, "session two exit code"); got != 22 {
		t.Errorf("session two exit code = %d, want 22", got)
	}
}

func TestPipelinedLaunchesOnOneSession(t *testing.T) {
	t.Parallel()

	path, _ := testServer(t)
	c, err := client.Dial(path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	first, err := c.Launch(client.LaunchSpec{Argv: []string{"/bin/sh", "-c", "sleep 0.3; exit 3"}})
	if err != nil {
		t.Fatalf("Launch first: %v", err)
	}
	second, err := c.Launch(client.LaunchSpec{Argv: []string{"/bin/sh", "-c", "exit 4"}})
	if err != nil {
		t.Fatalf("Launch second: %v", err)
	}

	// Waiting for the slower child first exercises the client's
	// buffering of the other child's event.
	eventFirst, err := c.Wait(first)
	if err != nil {
		t.Fatalf("Wait first: %v", err)
	}
	eventSecond, err := c.Wait(second)
	if err != nil {
		t.Fatalf("Wait second: %v", err)
	}
	if got := intValue(t, eventFirst.ExitCode, "first exit code"); got != 3 {
		t.Errorf("first exit code = %d, want 3", got)
	}
	if got := intValue(t, eventSecond.ExitCode, "second exit code"); got != 4 {
		t.Errorf("second exit code = %d, want 4", got)
	}
}

func TestDisconnectLeavesChildIndependent(t *testing.T) {
	t.Parallel()

	path, sup := testServer(t)
	c, err := client.Dial(path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if _, err := c.Launch(client.LaunchSpec{Argv: []string{"/bin/sh", "-c", "sleep 0.4"}}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	c.Close()

	// The child keeps running after the disconnect, then is reaped
	// internally with its event discarded.
	if len(sup.Children()) != 1 {
		t.Log("child may already have been visible as reaped; checking it drains")
	}
	testutil.Eventually(t, testTimeout, func() bool {
		return len(sup.Children()) == 0
	}, "orphaned child never reaped")
}

func TestDisconnectTerminatesOptedInChild(t *testing.T) {
	t.Parallel()

	path, sup := testServer(t)
	c, err := client.Dial(path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if _, err := c.Launch(client.LaunchSpec{
		Argv:                 []string{"/bin/sh", "-c", "sleep 60"},
		TerminateWithSession: true,
	}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	c.Close()

	testutil.Eventually(t, testTimeout, func() bool {
		return len(sup.Children()) == 0
	}, "terminate-with-session child survived disconnect")
}

func TestUnknownFlagBitsRejected(t *testing.T) {
	t.Parallel()

	path, _ := testServer(t)
	conn := rawDial(t, path)

	frame, err := wire.EncodeFrame(wire.MsgLaunch, wire.Launch{
		Argv:  []string{"/bin/true"},
		Flags: wire.Flags(1 << 9),
	})
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	if err := fdpass.Send(conn, frame, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	reply := readReply(t, conn)
	if reply.Type != wire.MsgLaunchRejected {
		t.Fatalf("reply type = %d, want rejection", reply.Type)
	}
	var rejected wire.LaunchRejected
	if err := reply.Decode(&rejected); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if rejected.Code != wire.RejectInvalidRequest {
		t.Errorf("reject code = %q, want invalid-request", rejected.Code)
	}
}

func TestUnknownMessageTypeClosesSession(t *testing.T) {
	t.Parallel()

	path, _ := testServer(t)
	conn := rawDial(t, path)

	// A frame with a type byte outside the message set.
	frame, err := wire.EncodeFrame(wire.MsgLaunchAccepted, wire.LaunchAccepted{})
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	frame[1] = 250
	if err := fdpass.Send(conn, frame, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// The server closes the session: the next read reports EOF.
	buf := make([]byte, wire.MaxFrameSize)
	conn.SetReadDeadline(time.Now().Add(testTimeout))
	n, _, err := fdpass.Recv(conn, buf)
	if err == nil && n > 0 {
		t.Fatalf("expected session close, got %d-byte frame", n)
	}
}

// rawDial opens a protocol connection and consumes the Hello frame,
// for tests that need to send hand-crafted frames.
func rawDial(t *testing.T, path string) *net.UnixConn {
	t.Helper()
	conn, err := net.DialUnix("unixpacket", nil, &net.UnixAddr{Name: path, Net: "unixpacket"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	hello := readReply(t, conn)
	if hello.Type != wire.MsgHello {
		t.Fatalf("first frame type = %d, want hello", hello.Type)
	}
	return conn
}

func readReply(t *testing.T, conn *net.UnixConn) wire.Frame {
	t.Helper()
	buf := make([]byte, wire.MaxFrameSize)
	conn.SetReadDeadline(time.Now().Add(testTimeout))
	n, _, err := fdpass.Recv(conn, buf)
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	frame, err := wire.DecodeFrame(buf[:n])
	if err != nil {
		t.Fatalf("decoding frame: %v", err)
	}
	return frame
}
