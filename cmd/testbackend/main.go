// Command testbackend provisions the database backends of integration tests
// outside of a test binary, for example to keep them running across many test
// runs during development.
//
// Usage:
//
//	testbackend up -backend=onprem
//	testbackend short-tag
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/go-digitaltwin/go-testbackend/paralleltask"
)

func main() {
	// Worker processes of isolated provisioning never get past this line.
	paralleltask.Main()

	var verbose bool
	rootFlags := flag.NewFlagSet("testbackend", flag.ExitOnError)
	rootFlags.BoolVar(&verbose, "v", false, "log debug messages")
	logger := func() *slog.Logger {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	root := &ffcli.Command{
		Name:        "testbackend",
		ShortUsage:  "testbackend [-v] <subcommand> [flags]",
		FlagSet:     rootFlags,
		Subcommands: []*ffcli.Command{upCommand(logger), shortTagCommand()},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ParseAndRun(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "testbackend:", err)
		stop()
		os.Exit(1)
	}
}
