// Copyright 2026 The Spawnd Authors
// SPDX-License-Identifier: Apache-2.0

// Package rendezvous creates and owns the launcher's rendezvous
// socket: the filesystem-addressable Unix socket clients connect to.
//
// The socket's directory is the trust boundary — whoever can reach
// the socket can ask the service to run arbitrary commands — so
// Create refuses world-writable directories and the well-known shared
// temporary locations outright. That check is a hard precondition,
// never a warning.
package rendezvous

import (
	"crypto/rand"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
)

// NameLength is the length of a generated socket name. Fixed-length
// random names avoid collisions between services sharing a directory
// and avoid name guessing by unrelated local processes.
const NameLength = 12

// maxSocketPath is the longest usable Unix socket path: sun_path is
// 108 bytes on Linux including the terminating NUL.
const maxSocketPath = 107

// deniedDirectories are shared temporary locations that any local
// principal can write to. Binding there would let an attacker replace
// or pre-create the socket; the service must never start in one.
var deniedDirectories = []string{"/tmp", "/var/tmp", "/dev/shm"}

// ConfigError reports an invalid rendezvous configuration. These are
// startup failures: the process reports them and exits before ever
// accepting a connection.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return "rendezvous configuration: " + e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

func configErrorf(format string, args ...any) error {
	return &ConfigError{Err: fmt.Errorf(format, args...)}
}

// Config describes the rendezvous socket to create.
type Config struct {
	// Directory is the trusted directory to place the socket in.
	// Required.
	Directory string

	// Name is the socket file name. Empty means a random
	// NameLength-character alphanumeric name is generated.
	Name string

	// FileMode is the socket file's permission bits. Zero means 0600.
	FileMode fs.FileMode
}

// Socket is the created rendezvous socket. It is owned by the service
// for its whole lifetime and removed exactly once by Close.
type Socket struct {
	// Directory, Name, and Path locate the socket file.
	Directory string
	Name      string
	Path      string

	// Listener accepts SOCK_SEQPACKET connections.
	Listener *net.UnixListener

	removed bool
}

// Create validates the configuration, then binds and returns the
// rendezvous socket. Validation failures are *ConfigError values and
// happen before any bind is attempted, so an over-long path fails
// with a clear message instead of an obscure OS error.
func Create(cfg Config) (*Socket, error) {
	if cfg.Directory == "" {
		return nil, configErrorf("socket directory is required")
	}

	resolved, err := filepath.EvalSymlinks(cfg.Directory)
	if err != nil {
		return nil, configErrorf("resolving socket directory %q: %w", cfg.Directory, err)
	}
	resolved, err = filepath.Abs(resolved)
	if err != nil {
		return nil, configErrorf("resolving socket directory %q: %w", cfg.Directory, err)
	}

	if err := checkTrusted(resolved); err != nil {
		return nil, err
	}

	name := cfg.Name
	if name == "" {
		name, err = generateName()
		if err != nil {
			return nil, fmt.Errorf("generating socket name: %w", err)
		}
	} else if filepath.Base(name) != name || name == "." || name == ".." {
		return nil, configErrorf("socket name %q must be a bare file name", cfg.Name)
	}

	path := filepath.Join(resolved, name)
	if len(path) > maxSocketPath {
		return nil, configErrorf(
			"socket path %q is %d bytes, exceeding the %d-byte unix socket path limit; use a shorter directory",
			path, len(path), maxSocketPath)
	}

	listener, err := net.ListenUnix("unixpacket", &net.UnixAddr{Name: path, Net: "unixpacket"})
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}

	mode := cfg.FileMode
	if mode == 0 {
		mode = 0o600
	}
	if err := os.Chmod(path, mode); err != nil {
		listener.Close()
		os.Remove(path)
		return nil, fmt.Errorf("setting socket mode on %s: %w", path, err)
	}

	// The listener would unlink the path on Close; Socket.Close does
	// it explicitly so removal happens exactly once even if the
	// listener was already torn down by the accept loop.
	listener.SetUnlinkOnClose(false)

	return &Socket{
		Directory: resolved,
		Name:      name,
		Path:      path,
		Listener:  listener,
	}, nil
}

// Close stops listening and removes the socket file. Safe to call
// more than once; the file is removed only the first time.
func (s *Socket) Close() error {
	err := s.Listener.Close()
	if !s.removed {
		s.removed = true
		if removeErr := os.Remove(s.Path); removeErr != nil && !os.IsNotExist(removeErr) && err == nil {
			err = removeErr
		}
	}
	return err
}

// checkTrusted rejects directories other local principals can write
// to. The denied list catches the shared temporary locations even
// when their mode looks unusual; the mode check catches everything
// else that is world-writable.
func checkTrusted(resolved string) error {
	for _, denied := range deniedDirectories {
		if resolved == denied {
			return configErrorf("socket directory %s is a world-writable shared temporary location", resolved)
		}
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return configErrorf("stat socket directory %s: %w", resolved, err)
	}
	if !info.IsDir() {
		return configErrorf("socket directory %s is not a directory", resolved)
	}
	if info.Mode().Perm()&0o002 != 0 {
		return configErrorf("socket directory %s is world-writable (mode %04o)", resolved, info.Mode().Perm())
	}
	return nil
}

// nameAlphabet is the characters used in generated socket names.
const nameAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// generateName returns a NameLength-character random alphanumeric
// name from crypto/rand.
func generateName() (string, error) {
	buffer := make([]byte, NameLength)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	for i, b := range buffer {
		buffer[i] = nameAlphabet[int(b)%len(nameAlphabet)]
	}
	return string(buffer), nil
}
