/*
Package onprem runs an Exasol database in a local Docker container for the
duration of a test session. It provides a higher-level interface to the
testcontainers-go library, tailored to the exasol/docker-db image.

[Spawn] starts the container, forwards the database, BucketFS and SSH ports to
the host, and returns once the database accepts SQL connections. Its
signature is that of a lifecycle function, so it runs in the background with
package paralleltask:

	h := paralleltask.Wrap("onprem", onprem.Spawn)(ctx, cfg)
	defer h.Close()

Containers are labelled with the environment name. The testcontainers reaper
removes them eventually even if the process that started them is killed.
*/
package onprem

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/docker/go-connections/nat"
	"github.com/exasol/exasol-driver-go"
	"github.com/testcontainers/testcontainers-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-digitaltwin/go-testbackend/config"
	"github.com/go-digitaltwin/go-testbackend/paralleltask"
)

// Image is the repository of the database image; the version is the tag.
//
// See <https://hub.docker.com/r/exasol/docker-db> for available versions.
const Image = "exasol/docker-db"

// Ports of the services inside the container.
const (
	databasePort = nat.Port("8563/tcp")
	bucketFSPort = nat.Port("2580/tcp")
	sshPort      = nat.Port("22/tcp")
)

// DefaultStartupTimeout bounds the time the database may take to accept
// connections after the container started.
const DefaultStartupTimeout = 15 * time.Minute

// Config describes the database container to start.
type Config struct {
	// Name identifies the environment. It names the container and labels it.
	Name string
	// Version is the tag of the database image.
	Version string
	// Host ports to forward the services to. Zero picks a random free port.
	DatabasePort int
	BucketFSPort int
	SSHPort      int
	// MemSize and DiskSize are human-readable sizes such as "2 GiB".
	MemSize  string
	DiskSize string
	// Nameservers the database uses to resolve domain names.
	Nameservers []string
	// Credentials of the database user used to verify the connection.
	Username string
	Password string
	// StartupTimeout defaults to DefaultStartupTimeout.
	StartupTimeout time.Duration
	// Logf receives the logs of testcontainers-go, such as testing.T.Logf. Nil
	// logs through the logger of the context. Functions are not transferred to
	// worker processes.
	Logf func(format string, args ...any)
}

// ConfigFromGroups builds a Config from the option groups of package config.
func ConfigFromGroups(name string, itde, exasol, bucketfs, ssh *config.Group) (Config, error) {
	u, err := url.Parse(bucketfs.String("url"))
	if err != nil {
		return Config{}, fmt.Errorf("parse BucketFS URL: %w", err)
	}
	var bfsPort int
	if p := u.Port(); p != "" {
		bfsPort, err = strconv.Atoi(p)
		if err != nil {
			return Config{}, fmt.Errorf("parse BucketFS port: %w", err)
		}
	}
	return Config{
		Name:         name,
		Version:      itde.String("db-version"),
		DatabasePort: exasol.Int("port"),
		BucketFSPort: bfsPort,
		SSHPort:      ssh.Int("port"),
		MemSize:      itde.String("db-mem-size"),
		DiskSize:     itde.String("db-disk-size"),
		Nameservers:  itde.Strings("nameserver"),
		Username:     exasol.String("username"),
		Password:     exasol.String("password"),
	}, nil
}

// Environment describes a running database container.
type Environment struct {
	Name        string
	ContainerID string
	// Host is the address on which the forwarded ports are reachable.
	Host         string
	DatabasePort int
	BucketFSURL  string
	SSHPort      int
}

// DatabaseAddress returns the "host:port" address of the database.
func (e Environment) DatabaseAddress() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.DatabasePort))
}

// DSN returns a data source name for the "exasol" driver of database/sql.
// The container uses a self-signed certificate, which is therefore not
// validated.
func (e Environment) DSN(username, password string) string {
	return dsn(e.Host, e.DatabasePort, username, password)
}

func dsn(host string, port int, username, password string) string {
	return exasol.NewConfig(username, password).
		Host(host).
		Port(port).
		ValidateServerCertificate(false).
		String()
}

// Spawn starts a database container and blocks until it accepts connections.
// The returned teardown terminates the container.
func Spawn(ctx context.Context, cfg Config) (Environment, paralleltask.Teardown, error) {
	ctx, span := tracer.Start(ctx, "onprem.Spawn", trace.WithAttributes(
		attribute.String("onprem.name", cfg.Name),
		attribute.String("onprem.version", cfg.Version),
	))
	defer span.End()

	env, teardown, err := spawn(ctx, cfg)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return env, teardown, err
}

func spawn(ctx context.Context, cfg Config) (Environment, paralleltask.Teardown, error) {
	logger := component.Logger(ctx).With("onprem.name", cfg.Name)
	start := time.Now()

	opts, err := containerOptions(ctx, cfg)
	if err != nil {
		return Environment{}, nil, err
	}
	image := Image + ":" + cfg.Version
	logger.Info("Starting database container...", "image", image)
	ctr, err := testcontainers.Run(ctx, image, opts...)
	if err != nil {
		// Run may return a container that failed its wait strategy.
		if termErr := testcontainers.TerminateContainer(ctr); termErr != nil {
			logger.Warn("Failed to terminate the broken container", "error", termErr)
		}
		measureSpawn(ctx, false, time.Since(start))
		return Environment{}, nil, fmt.Errorf("run container: %w", err)
	}
	teardown := func(ctx context.Context) error {
		logger.Info("Terminating database container...", "container.id", ctr.GetContainerID())
		if err := ctr.Terminate(ctx); err != nil {
			return fmt.Errorf("terminate container: %w", err)
		}
		return nil
	}

	env, err := describe(ctx, cfg.Name, ctr)
	if err == nil {
		err = verifyConnectivityWithRetries(ctx, env.DSN(cfg.Username, cfg.Password))
	}
	if err != nil {
		if tdErr := teardown(context.WithoutCancel(ctx)); tdErr != nil {
			logger.Warn("Failed to clean up after a failed start", "error", tdErr)
		}
		measureSpawn(ctx, false, time.Since(start))
		return Environment{}, nil, err
	}

	measureSpawn(ctx, true, time.Since(start))
	logger.Info("Database container ready",
		"container.id", env.ContainerID,
		"database", env.DatabaseAddress(),
		"bucketfs", env.BucketFSURL,
		"duration", time.Since(start),
	)
	return env, teardown, nil
}

// describe reads the runtime information of a started container.
func describe(ctx context.Context, name string, ctr *testcontainers.DockerContainer) (Environment, error) {
	host, err := ctr.Host(ctx)
	if err != nil {
		return Environment{}, fmt.Errorf("container host: %w", err)
	}
	mapped := make(map[nat.Port]int, 3)
	for _, p := range []nat.Port{databasePort, bucketFSPort, sshPort} {
		hp, err := ctr.MappedPort(ctx, p)
		if err != nil {
			return Environment{}, fmt.Errorf("mapped port %s: %w", p, err)
		}
		mapped[p] = hp.Int()
	}
	return Environment{
		Name:         name,
		ContainerID:  ctr.GetContainerID(),
		Host:         host,
		DatabasePort: mapped[databasePort],
		BucketFSURL:  "http://" + net.JoinHostPort(host, strconv.Itoa(mapped[bucketFSPort])),
		SSHPort:      mapped[sshPort],
	}, nil
}

// Call verifyConnectivityWithRetries to check that the database accepts
// connections while also performing retries.
//
// The wait strategy of the container already ran a query, yet the first
// connections of a freshly started database occasionally fail. A limited
// number of retries avoids failing the whole session on such a hiccup.
func verifyConnectivityWithRetries(ctx context.Context, dsn string) error {
	const retryLimit = 5
	const retryPause = time.Second

	db, err := sql.Open("exasol", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	// Initial attempt to verify the connection without a wait.
	err = db.PingContext(ctx)
	if err == nil {
		return nil
	}
	// Prefix each subsequent retry with a short wait.
	for r := range retryLimit {
		component.Logger(ctx).Debug("Retrying to connect to the database", "attempt", r+1, "limit", retryLimit, "error", err)
		select {
		case <-time.After(retryPause):
		case <-ctx.Done():
			return fmt.Errorf("retry pause interrupted: %w", ctx.Err())
		}
		err = db.PingContext(ctx)
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("connect to database: %w", err)
}
