package testbackend

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"golang.org/x/sync/errgroup"

	"github.com/go-digitaltwin/go-testbackend/config"
	"github.com/go-digitaltwin/go-testbackend/internal/inspect"
	"github.com/go-digitaltwin/go-testbackend/onprem"
	"github.com/go-digitaltwin/go-testbackend/paralleltask"
	"github.com/go-digitaltwin/go-testbackend/saas"
	"github.com/go-digitaltwin/go-testbackend/shorttag"
	"github.com/go-digitaltwin/go-testbackend/slc"
)

// Session owns the backends provisioned for a test run. Resources are
// provisioned in the background from Start until Close.
type Session struct {
	settings *Settings
	logger   *slog.Logger
	started  time.Time

	onprem *paralleltask.Handle[onprem.Environment]
	saas   *paralleltask.Handle[string]
	creds  saas.Credentials

	artifacts *blob.Bucket
	slc       *paralleltask.Handle[slc.Artifact]

	mu  sync.Mutex
	dbs map[Backend]*sql.DB
	// saasConn caches the connection details of the SaaS database.
	saasConn *saas.Connection
}

// Start launches the provisioning of every selected backend, and the export
// of the language container if a builder is set, and returns without waiting
// for any of them. The caller must Close the session.
func Start(ctx context.Context, settings *Settings) (_ *Session, err error) {
	logger := settings.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx = component.InjectLogger(ctx, logger)
	ctx, span := tracer.Start(ctx, "testbackend.Start", trace.WithAttributes(
		attribute.String("backends", settings.Backends.String()),
	))
	defer span.End()

	s := &Session{
		settings: settings,
		logger:   logger,
		started:  time.Now(),
		dbs:      make(map[Backend]*sql.DB),
	}
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			err = errors.Join(err, s.Close())
		}
	}()

	useOnPrem := settings.Backends.selected(OnPrem)
	useSaaS := settings.Backends.selected(SaaS)
	if !useOnPrem && !useSaaS {
		logger.Info("No backend selected; backend tests will be skipped")
		return s, nil
	}

	name, err := databaseName(settings.ShortTag, useSaaS && settings.SaaSDatabaseID == "")
	if err != nil {
		return nil, err
	}
	logger.Info("Starting test backends...", "backends", settings.Backends.String(), "name", name)

	// Nothing is launched until every precondition holds: Close waits for
	// the setup of launched tasks.
	var (
		onpremCfg   onprem.Config
		spawnOnPrem bool
		saasReq     saasRequest
		createSaaS  bool
	)
	if useOnPrem {
		if onpremCfg, spawnOnPrem, err = s.onPremConfig(ctx, name); err != nil {
			return nil, err
		}
	}
	if useSaaS {
		if saasReq, createSaaS, err = s.newSaaSRequest(ctx, name); err != nil {
			return nil, err
		}
	}
	if settings.Builder != nil {
		s.artifacts, err = blob.OpenBucket(ctx, settings.Artifacts)
		if err != nil {
			return nil, fmt.Errorf("open artifacts bucket: %w", err)
		}
	}

	if spawnOnPrem {
		if err := s.startOnPrem(ctx, onpremCfg); err != nil {
			return nil, err
		}
	}
	if createSaaS {
		if err := s.startSaaS(ctx, saasReq); err != nil {
			return nil, err
		}
	}
	if settings.Builder != nil {
		s.slc = slc.StartExport(ctx, settings.Builder, s.artifacts)
	}
	return s, nil
}

// databaseName names the databases of the session. A project configuration
// that declares no tag fails only when the tag is required, such as for
// creating a SaaS database; otherwise the tag is left out.
func databaseName(explicit string, required bool) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("working directory: %w", err)
	}
	tag, err := shorttag.Resolve(explicit, wd)
	if err != nil {
		if required {
			return "", fmt.Errorf("resolve project short tag: %w", err)
		}
		tag = ""
	}
	return shorttag.DatabaseName(tag, shorttag.Owner(), time.Now()), nil
}

// Close tears down every resource of the session concurrently and waits for
// them. It returns the first teardown failure; every failure is logged.
func (s *Session) Close() error {
	ctx := component.InjectLogger(context.Background(), s.logger)
	ctx, span := tracer.Start(ctx, "testbackend.Close")
	defer span.End()

	var g errgroup.Group
	closeTask := func(resource string, release func() error) {
		g.Go(func() error {
			if err := release(); err != nil {
				s.logger.Error("Failed to tear down", "resource", resource, "error", err)
				countTeardownFailure(ctx, resource)
				return err
			}
			return nil
		})
	}
	if s.onprem != nil {
		closeTask(string(OnPrem), s.onprem.Close)
	}
	if s.saas != nil {
		closeTask(string(SaaS), s.saas.Close)
	}
	if s.slc != nil {
		closeTask("slc", s.slc.Close)
	}

	s.mu.Lock()
	for b, db := range s.dbs {
		closeTask(string(b)+".db", db.Close)
	}
	s.dbs = nil
	s.mu.Unlock()

	err := g.Wait()
	if s.artifacts != nil {
		if cerr := s.artifacts.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close artifacts bucket: %w", cerr)
		}
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	measureSession(ctx, time.Since(s.started))
	return err
}

// wait returns a context bounded by the configured timeout.
func (s *Session) wait() (context.Context, context.CancelFunc) {
	ctx := component.InjectLogger(context.Background(), s.logger)
	if s.settings.Timeout > 0 {
		return paralleltask.WithTimeout(ctx, s.settings.Timeout)
	}
	return context.WithCancel(ctx)
}

var (
	flags = func() *Settings {
		s := NewSettings()
		s.Register(flag.CommandLine)
		return s
	}()

	sessionMu sync.Mutex
	session   *Session
)

// Run provisions the selected backends around the tests of m and returns the
// exit code for os.Exit. Worker processes spawned by the session are served
// instead and never return.
//
// The flags of the session are registered with the default flag set and
// parsed by Run together with the test flags.
func Run(m *testing.M, opts ...Option) int {
	paralleltask.Main()

	for _, opt := range opts {
		opt(flags)
	}
	if err := config.Parse(flag.CommandLine, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "testbackend:", err)
		return 2
	}

	s, err := Start(context.Background(), flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, "testbackend:", err)
		return 1
	}
	sessionMu.Lock()
	session = s
	sessionMu.Unlock()

	code := m.Run()
	if code != 0 && flags.Inspect {
		s.holdForInspection()
	}
	if err := s.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "testbackend:", err)
		if code == 0 {
			code = 1
		}
	}
	return code
}

// current returns the session started by Run.
func current(t testing.TB) *Session {
	t.Helper()
	sessionMu.Lock()
	defer sessionMu.Unlock()
	if session == nil {
		t.Fatal("No test backend session; call testbackend.Run from TestMain")
	}
	return session
}

// holdForInspection keeps the resources until the user interrupts.
func (s *Session) holdForInspection() {
	s.logger.Warn("Tests failed; keeping the backends for inspection (Ctrl+C to tear down)...")
	if s.onprem != nil && s.onprem.State() == paralleltask.Ready {
		if env, err := s.onprem.Output(context.Background()); err == nil {
			s.logger.Warn("Docker database", "container.id", env.ContainerID, "database", env.DatabaseAddress(), "bucketfs", env.BucketFSURL)
		}
	}
	if s.saas != nil && s.saas.State() == paralleltask.Ready {
		if id, err := s.saas.Output(context.Background()); err == nil {
			s.logger.Warn("SaaS database", "saas.database", id)
		}
	}
	inspect.Wait(context.Background())
}
