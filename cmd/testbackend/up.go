package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"

	"github.com/danielorbach/go-component"
	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"golang.org/x/sync/errgroup"

	"github.com/go-digitaltwin/go-testbackend"
	"github.com/go-digitaltwin/go-testbackend/onprem"
)

func upCommand(logger func() *slog.Logger) *ffcli.Command {
	settings := testbackend.NewSettings()
	fs := flag.NewFlagSet("testbackend up", flag.ExitOnError)
	settings.Register(fs)

	return &ffcli.Command{
		Name:       "up",
		ShortUsage: "testbackend up -backend=<onprem|saas|all> [flags]",
		ShortHelp:  "Provision the selected backends until interrupted",
		LongHelp: "Provision the selected backends, print their connection parameters " +
			"as JSON to stdout, and tear them down once interrupted.",
		FlagSet: fs,
		Options: []ff.Option{ff.WithEnvVars()},
		Exec: func(ctx context.Context, _ []string) error {
			settings.Logger = logger()
			return up(ctx, settings, os.Stdout)
		},
	}
}

// summary describes the provisioned backends.
type summary struct {
	OnPrem *onpremSummary `json:"onprem,omitempty"`
	SaaS   *saasSummary   `json:"saas,omitempty"`
}

type onpremSummary struct {
	ContainerID string `json:"container_id"`
	DSN         string `json:"dsn"`
	BucketFSURL string `json:"bucketfs_url"`
	SSHPort     int    `json:"ssh_port"`
}

type saasSummary struct {
	DatabaseID string `json:"database_id"`
}

// up provisions the backends, writes their summary to w and holds them until
// ctx is done.
func up(ctx context.Context, settings *testbackend.Settings, w io.Writer) (err error) {
	if len(settings.Backends) == 0 {
		return errors.New("no backend selected (use -backend)")
	}
	s, err := testbackend.Start(context.WithoutCancel(ctx), settings)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, s.Close())
	}()

	var (
		sum summary
		env onprem.Environment
		ok  bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		env, ok, err = s.OnPremEnvironment(gctx)
		return err
	})
	g.Go(func() error {
		id, err := s.SaaSDatabaseID(gctx)
		if id != "" {
			sum.SaaS = &saasSummary{DatabaseID: id}
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if ok {
		sum.OnPrem = &onpremSummary{
			ContainerID: env.ContainerID,
			DSN:         env.DatabaseAddress(),
			BucketFSURL: env.BucketFSURL,
			SSHPort:     env.SSHPort,
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sum); err != nil {
		return err
	}

	logger := component.Logger(component.InjectLogger(ctx, settings.Logger))
	logger.Info("Backends are up (Ctrl+C to tear down)...")
	<-ctx.Done()
	logger.Info("Tearing down backends...")
	return nil
}
