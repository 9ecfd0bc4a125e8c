// Copyright 2026 The Spawnd Authors
// SPDX-License-Identifier: Apache-2.0

// spawn asks a running spawnd service to launch a command and then
// waits for it, relaying the command's stdio and re-exiting with the
// command's status. Usage:
//
//	spawn --socket /run/spawnd/sock [flags] -- command [args...]
//
// Exit status: the child's own exit code for a normal exit, 128+N for
// death by signal N, 127 when the executable is not found, 126 when
// it exists but cannot be invoked, 125 for usage or internal errors,
// and 128 when the child's status could not be determined.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/spawnd-project/spawnd/client"
	"github.com/spawnd-project/spawnd/lib/exitcode"
	"github.com/spawnd-project/spawnd/lib/version"
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "spawn: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	var (
		socketPath           string
		directory            string
		envAssignments       []string
		clearEnv             bool
		terminateWithSession bool
		passFDs              []uint
		showVersion          bool
	)

	flagSet := pflag.NewFlagSet("spawn", pflag.ContinueOnError)
	flagSet.StringVar(&socketPath, "socket", "", "path to the spawnd rendezvous socket (required)")
	flagSet.StringVar(&directory, "directory", "", "working directory for the command (default: the service's)")
	flagSet.StringArrayVar(&envAssignments, "env", nil, "NAME=value environment override (repeatable)")
	flagSet.BoolVar(&clearEnv, "clear-env", false, "start from an empty environment instead of the service's")
	flagSet.BoolVar(&terminateWithSession, "terminate-with-session", false, "SIGTERM the command if this connection drops before it exits")
	flagSet.UintSliceVar(&passFDs, "pass-fd", nil, "pass our descriptor N to the command as its descriptor N (repeatable)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return exitcode.UsageError, err
	}

	if showVersion {
		fmt.Printf("spawn %s\n", version.Info())
		return 0, nil
	}

	argv := flagSet.Args()
	if len(argv) == 0 {
		return exitcode.UsageError, fmt.Errorf("no command given (usage: spawn --socket PATH -- command [args...])")
	}
	if socketPath == "" {
		return exitcode.UsageError, fmt.Errorf("--socket is required")
	}

	env, err := parseEnvAssignments(envAssignments)
	if err != nil {
		return exitcode.UsageError, err
	}

	files := []*os.File{os.Stdin, os.Stdout, os.Stderr}
	targets := []uint32{0, 1, 2}
	for _, fd := range passFDs {
		if fd <= 2 {
			return exitcode.UsageError, fmt.Errorf("--pass-fd %d: descriptors 0-2 are always passed", fd)
		}
		files = append(files, os.NewFile(uintptr(fd), fmt.Sprintf("fd %d", fd)))
		targets = append(targets, uint32(fd))
	}

	c, err := client.Dial(socketPath)
	if err != nil {
		return exitcode.InternalFailure, err
	}
	defer c.Close()

	correlationID, err := c.Launch(client.LaunchSpec{
		Argv:                 argv,
		Directory:            directory,
		Env:                  env,
		ClearEnv:             clearEnv,
		TerminateWithSession: terminateWithSession,
		Files:                files,
		FDTargets:            targets,
	})
	if err != nil {
		var reject *client.RejectError
		if errors.As(err, &reject) {
			return exitcode.FromReject(reject.Code), err
		}
		return exitcode.InternalFailure, err
	}

	event, err := c.Wait(correlationID)
	if err != nil {
		// The command was launched but the connection died before
		// its status arrived; its fate is unknown.
		return exitcode.CannotReport, err
	}
	return exitcode.FromTermination(event), nil
}

// parseEnvAssignments turns repeated --env NAME=value flags into the
// override map sent to the service.
func parseEnvAssignments(assignments []string) (map[string]string, error) {
	if len(assignments) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(assignments))
	for _, assignment := range assignments {
		name, value, ok := strings.Cut(assignment, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("--env %q: want NAME=value", assignment)
		}
		env[name] = value
	}
	return env, nil
}
