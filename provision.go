package testbackend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danielorbach/go-component"

	"github.com/go-digitaltwin/go-testbackend/config"
	"github.com/go-digitaltwin/go-testbackend/onprem"
	"github.com/go-digitaltwin/go-testbackend/paralleltask"
	"github.com/go-digitaltwin/go-testbackend/saas"
)

// Tasks that provision a backend. They are registered for worker processes,
// which Run serves before anything else.
var (
	remoteOnPrem = paralleltask.Register("testbackend.onprem", onprem.Spawn)
	remoteSaaS   = paralleltask.Register("testbackend.saas", provisionSaaS)
)

// launch starts f in a worker process through r when isolate is set, and on a
// goroutine otherwise.
func launch[A, T any](ctx context.Context, isolate bool, r paralleltask.Remote[A, T], f func(context.Context, A) (T, paralleltask.Teardown, error), arg A) (*paralleltask.Handle[T], error) {
	if isolate {
		return r.Start(ctx, arg)
	}
	return paralleltask.Wrap(r.Name(), f)(ctx, arg), nil
}

// saasRequest describes the SaaS database of a session.
type saasRequest struct {
	Credentials saas.Credentials
	Name        string
	Keep        bool
	IdleTime    time.Duration
	// Timeout bounds the wait for the database to run; zero waits forever.
	Timeout time.Duration
}

// provisionSaaS allows connections from anywhere, creates the database and
// waits until it runs. It returns the ID of the database.
func provisionSaaS(ctx context.Context, req saasRequest) (string, paralleltask.Teardown, error) {
	c := saas.NewClient(req.Credentials, saas.WithLogger(component.Logger(ctx)))

	_, revoke, err := c.AllowedIP(ctx, req.Name)
	if err != nil {
		return "", nil, err
	}
	db, drop, err := c.Database(ctx, req.Name, req.Keep, req.IdleTime)
	if err != nil {
		return "", nil, errors.Join(err, revoke(context.WithoutCancel(ctx)))
	}
	teardown := func(ctx context.Context) error {
		return errors.Join(drop(ctx), revoke(ctx))
	}
	if err := c.WaitUntilRunning(ctx, db.ID, req.Timeout); err != nil {
		return "", nil, errors.Join(err, teardown(context.WithoutCancel(ctx)))
	}
	return db.ID, teardown, nil
}

// onPremConfig returns the configuration of the Docker database to spawn, or
// false if an existing database is configured.
func (s *Session) onPremConfig(ctx context.Context, name string) (onprem.Config, bool, error) {
	cfg := s.settings
	if cfg.ITDE.String("db-version") == config.External {
		component.Logger(ctx).Info("Using the existing database", "database", cfg.Exasol.String("host"))
		return onprem.Config{}, false, nil
	}
	c, err := onprem.ConfigFromGroups(name, cfg.ITDE, cfg.Exasol, cfg.BucketFS, cfg.SSH)
	if err != nil {
		return onprem.Config{}, false, fmt.Errorf("onprem: %w", err)
	}
	return c, true, nil
}

// startOnPrem launches the Docker database.
func (s *Session) startOnPrem(ctx context.Context, c onprem.Config) (err error) {
	s.onprem, err = launch(ctx, s.settings.Isolate, remoteOnPrem, onprem.Spawn, c)
	if err != nil {
		return fmt.Errorf("onprem: %w", err)
	}
	return nil
}

// newSaaSRequest returns the request for a new SaaS database, or false if an
// existing database is configured. It fails without the SaaS credentials.
func (s *Session) newSaaSRequest(ctx context.Context, name string) (saasRequest, bool, error) {
	cfg := s.settings
	creds, err := saas.CredentialsFromEnv()
	if err != nil {
		return saasRequest{}, false, fmt.Errorf("saas: %w", err)
	}
	s.creds = creds
	if cfg.SaaSDatabaseID != "" {
		component.Logger(ctx).Info("Using the existing SaaS database", "saas.database", cfg.SaaSDatabaseID)
		return saasRequest{}, false, nil
	}
	return saasRequest{
		Credentials: creds,
		Name:        name,
		Keep:        cfg.KeepSaaSDatabase,
		IdleTime:    cfg.idleTime(),
		Timeout:     cfg.SaaSTimeout,
	}, true, nil
}

// startSaaS launches the creation of the SaaS database.
func (s *Session) startSaaS(ctx context.Context, req saasRequest) (err error) {
	s.saas, err = launch(ctx, s.settings.Isolate, remoteSaaS, provisionSaaS, req)
	if err != nil {
		return fmt.Errorf("saas: %w", err)
	}
	return nil
}
