// Copyright 2026 The Spawnd Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/spawnd-project/spawnd/lib/rendezvous"
	"github.com/spawnd-project/spawnd/supervisor"
)

// Server accepts connections on the rendezvous socket and drives one
// session per connection. Sessions run independently: the accept path
// and per-session I/O never share a lock, so a slow client cannot
// stall another session's launches.
type Server struct {
	socket *rendezvous.Socket
	sup    *supervisor.Supervisor
	logger *slog.Logger

	nextSessionID atomic.Uint64

	// activeSessions tracks running session goroutines for graceful
	// shutdown: Serve returns only after every session has wound
	// down.
	activeSessions sync.WaitGroup
}

// New wires a server to an already-created rendezvous socket and
// supervisor. The caller owns both and tears them down after Serve
// returns.
func New(socket *rendezvous.Socket, sup *supervisor.Supervisor, logger *slog.Logger) *Server {
	return &Server{socket: socket, sup: sup, logger: logger}
}

// Serve accepts connections until ctx is cancelled, then stops
// accepting and waits for in-flight sessions to finish.
func (s *Server) Serve(ctx context.Context) error {
	listener := s.socket.Listener

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("launcher listening", "path", s.socket.Path)

	for {
		conn, err := listener.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		sessionID := s.nextSessionID.Add(1)
		s.activeSessions.Add(1)
		go func() {
			defer s.activeSessions.Done()
			s.runSession(ctx, conn, sessionID)
		}()
	}

	s.activeSessions.Wait()
	return nil
}
