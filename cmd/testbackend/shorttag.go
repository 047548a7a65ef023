package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/go-digitaltwin/go-testbackend/shorttag"
)

func shortTagCommand() *ffcli.Command {
	fs := flag.NewFlagSet("testbackend short-tag", flag.ExitOnError)
	explicit := fs.String("project-short-tag", "", "short tag overriding the one of the project")
	dir := fs.String("dir", ".", "directory to search the project configuration from")

	return &ffcli.Command{
		Name:       "short-tag",
		ShortUsage: "testbackend short-tag [-dir <path>] [-project-short-tag <tag>]",
		ShortHelp:  "Print the project short tag and the name of a database created now",
		FlagSet:    fs,
		Exec: func(_ context.Context, _ []string) error {
			return printShortTag(os.Stdout, *explicit, *dir, time.Now())
		},
	}
}

func printShortTag(w io.Writer, explicit, dir string, now time.Time) error {
	tag, err := shorttag.Resolve(explicit, dir)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "tag: %s\ndatabase: %s\n", tag, shorttag.DatabaseName(tag, shorttag.Owner(), now))
	return err
}
