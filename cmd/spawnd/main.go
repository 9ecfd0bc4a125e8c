// Copyright 2026 The Spawnd Authors
// SPDX-License-Identifier: Apache-2.0

// spawnd is the launcher service daemon. It binds a SOCK_SEQPACKET
// rendezvous socket in a trusted directory, prints the socket path on
// stdout, and launches child processes on behalf of connected
// clients until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/spawnd-project/spawnd/lib/clock"
	"github.com/spawnd-project/spawnd/lib/config"
	"github.com/spawnd-project/spawnd/lib/process"
	"github.com/spawnd-project/spawnd/lib/rendezvous"
	"github.com/spawnd-project/spawnd/lib/version"
	"github.com/spawnd-project/spawnd/service"
	"github.com/spawnd-project/spawnd/supervisor"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath        string
		socketDirectory   string
		socketName        string
		logLevel          string
		shutdownGrace     string
		terminateChildren bool
		showVersion       bool
	)

	flagSet := pflag.NewFlagSet("spawnd", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to YAML config file (default: $"+config.EnvVariable+")")
	flagSet.StringVar(&socketDirectory, "socket-directory", "", "trusted directory for the rendezvous socket (required unless set in config)")
	flagSet.StringVar(&socketName, "socket-name", "", "explicit socket file name (default: random)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, or error")
	flagSet.StringVar(&shutdownGrace, "shutdown-grace", "", "how long to wait for running children on shutdown (e.g. 30s)")
	flagSet.BoolVar(&terminateChildren, "terminate-children-on-shutdown", false, "send SIGTERM to all running children when shutting down")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	if showVersion {
		fmt.Printf("spawnd %s\n", version.Info())
		return nil
	}

	cfg, err := config.Resolve(configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("socket-directory") {
		cfg.Socket.Directory = socketDirectory
	}
	if flagSet.Changed("socket-name") {
		cfg.Socket.Name = socketName
	}
	if flagSet.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flagSet.Changed("shutdown-grace") {
		cfg.Shutdown.Grace = shutdownGrace
	}
	if flagSet.Changed("terminate-children-on-shutdown") {
		cfg.Shutdown.TerminateChildren = terminateChildren
	}

	level, err := parseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	grace := cfg.GraceDuration()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	socket, err := rendezvous.Create(rendezvous.Config{
		Directory: cfg.Socket.Directory,
		Name:      cfg.Socket.Name,
	})
	if err != nil {
		return err
	}
	defer socket.Close()

	// The socket path goes to stdout so a parent process reading our
	// output learns where to connect; everything else logs to stderr.
	fmt.Println(socket.Path)

	sup := supervisor.New(logger, clock.Real())
	server := service.New(socket, sup, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Serve(ctx); err != nil {
		return err
	}

	logger.Info("shutting down", "grace", grace.String(), "terminate_children", cfg.Shutdown.TerminateChildren)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	sup.Shutdown(shutdownCtx, cfg.Shutdown.TerminateChildren)
	return nil
}

func parseLevel(level string) (slog.Level, error) {
	switch level {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q (want debug, info, warn, or error)", level)
	}
}
