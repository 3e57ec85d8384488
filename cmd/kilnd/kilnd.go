package main

import (
	"log/slog"
	"os"

	"github.com/kilnhq/kilnd/internal"
	"github.com/kilnhq/kilnd/internal/cli"
	"github.com/kilnhq/kilnd/internal/isolation"
)

// The entry point for the kilnd daemon.
//
// When re-executed as a container init process, hands control to the
// isolation package before anything else runs. Otherwise initializes
// logging and executes the root command.
func main() {
	if isolation.IsInitProcess() {
		if err := isolation.RunInit(); err != nil {
			slog.Error(err.Error())
			os.Exit(1)
		}
		return
	}

	slog.SetDefault(logger())

	slog.Debug("build", "version", internal.VersionString())

	slog.Debug("kilnd starting",
		"pid", os.Getpid(),
		"cwd", cwd(),
		"args", os.Args,
	)

	if err := cli.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

// Creates a logger seeded from build-time linker flags.
//
// The logger is reconfigured after flag parsing via cli.Execute.
func logger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(),
	})
	return slog.New(handler)
}

// Returns the log level derived from build-time linker flags.
func logLevel() slog.Level {
	if internal.IsDebug() {
		return slog.LevelDebug
	}
	if internal.IsQuiet() {
		return slog.LevelWarn
	}
	return slog.LevelInfo
}

// Returns the current working directory or "(unknown)".
func cwd() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "(unknown)"
	}
	return cwd
}
