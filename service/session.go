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
	"sync"

	"github.com/spawnd-project/spawnd/lib/fdpass"
	"github.com/spawnd-project/spawnd/lib/launchenv"
	"github.com/spawnd-project/spawnd/lib/wire"
	"github.com/spawnd-project/spawnd/supervisor"
)

// session is one accepted connection. The read loop handles launch
// requests; a separate writer goroutine drains the session's
// termination-event sink so a child exiting never waits on the
// client's reply reads, and replies never interleave mid-frame with
// pushed events (writeMu serializes whole frames).
type session struct {
	id     uint64
	conn   *net.UnixConn
	sup    *supervisor.Supervisor
	logger *slog.Logger

	writeMu sync.Mutex
}

func (s *Server) runSession(ctx context.Context, conn *net.UnixConn, sessionID uint64) {
	defer conn.Close()

	logger := s.logger.With("session_id", sessionID)
	logger.Info("session opened")

	sess := &session{
		id:     sessionID,
		conn:   conn,
		sup:    s.sup,
		logger: logger,
	}

	sink := s.sup.AttachSession(sessionID)

	// The writer drains termination events until the sink is
	// detached. Detaching happens after the read loop ends, so the
	// writer is always stopped before the connection is torn down.
	writerCtx, cancelWriter := context.WithCancel(ctx)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		sess.deliverTerminations(writerCtx, sink)
	}()

	if err := sess.sendHello(); err != nil {
		logger.Debug("sending hello", "error", err)
	} else {
		sess.readLoop(ctx)
	}

	s.sup.DetachSession(sessionID)
	cancelWriter()
	<-writerDone
	logger.Info("session closed")
}

// deliverTerminations pushes Terminated frames for every event queued
// on the sink. A delivery failure is logged and the remaining events
// are discarded; there is no guaranteed delivery once the connection
// is unusable.
func (sess *session) deliverTerminations(ctx context.Context, sink *supervisor.SessionSink) {
	for {
		event, ok := sink.Next(ctx)
		if !ok {
			return
		}

		terminated := wire.Terminated{CorrelationID: event.CorrelationID}
		if event.Signaled {
			signal := int(event.Signal)
			terminated.Signal = &signal
			terminated.CoreDumped = event.CoreDumped
		} else {
			exitCode := event.ExitCode
			terminated.ExitCode = &exitCode
		}

		if err := sess.writeFrame(wire.MsgTerminated, terminated); err != nil {
			sess.logger.Info("termination event undeliverable, discarding",
				"correlation_id", event.CorrelationID,
				"error", err,
			)
			return
		}
	}
}

// readLoop processes frames until the client disconnects or commits a
// protocol error. Protocol errors close this session only; the
// service keeps running.
func (sess *session) readLoop(ctx context.Context) {
	buf := make([]byte, wire.MaxFrameSize)
	for {
		n, fds, err := fdpass.Recv(sess.conn, buf)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				sess.logger.Debug("session read failed", "error", err)
			}
			return
		}
		if n == 0 && len(fds) == 0 {
			// Zero-length datagram: the peer closed its end.
			return
		}

		frame, err := wire.DecodeFrame(buf[:n])
		if err != nil {
			closeFDs(fds)
			sess.logger.Warn("protocol error, closing session", "error", err)
			return
		}

		if frame.Type != wire.MsgLaunch {
			closeFDs(fds)
			sess.logger.Warn("unexpected message type from client, closing session", "type", frame.Type)
			return
		}

		sess.handleLaunch(frame, fds)
	}
}

// handleLaunch validates and spawns one launch request. The passed
// descriptors are owned by this function: whatever the child does not
// receive is closed here, and the service's own duplicates are closed
// once the child holds its own.
func (sess *session) handleLaunch(frame wire.Frame, fds []int) {
	files := wrapFDs(fds)
	defer closeFiles(files)

	var launch wire.Launch
	if err := frame.Decode(&launch); err != nil {
		sess.reject(wire.RejectInvalidRequest, err.Error())
		return
	}

	if err := wire.ValidateLaunch(&launch, len(files)); err != nil {
		sess.reject(wire.RejectInvalidRequest, err.Error())
		return
	}

	resolved, extraCleanup, err := buildResolvedLaunch(&launch, files)
	if err != nil {
		sess.reject(wire.RejectInvalidRequest, err.Error())
		return
	}
	defer closeFiles(extraCleanup)

	correlationID, err := sess.sup.Spawn(resolved, sess.id)
	if err != nil {
		var spawnError *supervisor.SpawnError
		if errors.As(err, &spawnError) {
			sess.reject(rejectCode(spawnError.Class), spawnError.Error())
		} else {
			sess.reject(wire.RejectInternal, err.Error())
		}
		return
	}

	if err := sess.writeFrame(wire.MsgLaunchAccepted, wire.LaunchAccepted{CorrelationID: correlationID}); err != nil {
		sess.logger.Debug("writing launch acknowledgement", "error", err)
	}
}

func (sess *session) reject(code wire.RejectCode, message string) {
	sess.logger.Info("launch rejected", "code", code, "reason", message)
	if err := sess.writeFrame(wire.MsgLaunchRejected, wire.LaunchRejected{Code: code, Message: message}); err != nil {
		sess.logger.Debug("writing launch rejection", "error", err)
	}
}

func (sess *session) writeFrame(msgType wire.MsgType, payload any) error {
	frame, err := wire.EncodeFrame(msgType, payload)
	if err != nil {
		return err
	}
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	return fdpass.Send(sess.conn, frame, nil)
}

// sendHello announces the interface identity on a fresh session.
func (sess *session) sendHello() error {
	return sess.writeFrame(wire.MsgHello, wire.Hello{
		Interface:  wire.InterfaceName,
		ObjectPath: wire.ObjectPath,
		Version:    wire.ProtocolVersion,
	})
}

// buildResolvedLaunch turns a validated Launch plus its passed files
// into the supervisor's input: environment resolved, descriptors
// mapped to their target positions. Returns any placeholder files
// created for gap positions so the caller can close them after spawn.
func buildResolvedLaunch(launch *wire.Launch, files []*os.File) (supervisor.ResolvedLaunch, []*os.File, error) {
	resolved := supervisor.ResolvedLaunch{
		Argv:                 launch.Argv,
		Directory:            launch.Directory,
		Env:                  launchenv.Resolve(os.Environ(), launch.Env, launch.Flags&wire.FlagClearEnv != 0),
		TerminateWithSession: launch.TerminateWithSession,
	}

	targets := launch.FDTargets
	if targets == nil {
		targets = make([]uint32, len(files))
		for i := range files {
			targets[i] = uint32(i)
		}
	}

	// Install each file at its target. Descriptors 3 and up become
	// ExtraFiles, whose position is strictly index+3, so gaps between
	// requested targets are plugged with /dev/null placeholders.
	highest := -1
	for _, target := range targets {
		if int(target) > highest {
			highest = int(target)
		}
	}

	var extras []*os.File
	var placeholders []*os.File
	if highest >= 3 {
		extras = make([]*os.File, highest-2)
	}
	for i, target := range targets {
		if target < 3 {
			resolved.Stdio[target] = files[i]
			continue
		}
		extras[target-3] = files[i]
	}
	for i, file := range extras {
		if file != nil {
			continue
		}
		devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			closeFiles(placeholders)
			return supervisor.ResolvedLaunch{}, nil, err
		}
		extras[i] = devNull
		placeholders = append(placeholders, devNull)
	}
	resolved.ExtraFiles = extras

	return resolved, placeholders, nil
}

func rejectCode(class supervisor.SpawnErrorClass) wire.RejectCode {
	switch class {
	case supervisor.SpawnNotFound:
		return wire.RejectNotFound
	case supervisor.SpawnCannotInvoke:
		return wire.RejectCannotInvoke
	default:
		return wire.RejectInternal
	}
}

func wrapFDs(fds []int) []*os.File {
	files := make([]*os.File, 0, len(fds))
	for _, fd := range fds {
		files = append(files, os.NewFile(uintptr(fd), "passed-fd"))
	}
	return files
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		if file := os.NewFile(uintptr(fd), "discarded-fd"); file != nil {
			file.Close()
		}
	}
}

func closeFiles(files []*os.File) {
	for _, file := range files {
		if file != nil {
			file.Close()
		}
	}
}
