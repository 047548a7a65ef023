package onprem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/log"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Lower bounds below which the database does not start.
const (
	minMemSize  = 1 << 30
	minDiskSize = 100 << 20
)

// Labels attached to every container started by this package.
const (
	labelName     = "testbackend.name"
	labelMemSize  = "testbackend.db-mem-size"
	labelDiskSize = "testbackend.db-disk-size"
)

// A utility function to create the slice of options for the database
// container described by cfg.
func containerOptions(ctx context.Context, cfg Config) ([]testcontainers.ContainerCustomizer, error) {
	if cfg.Version == "" {
		return nil, errors.New("no database version")
	}
	memSize, err := parseSize("memory", cfg.MemSize, minMemSize)
	if err != nil {
		return nil, err
	}
	if _, err := parseSize("disk", cfg.DiskSize, minDiskSize); err != nil {
		return nil, err
	}
	bindings, err := portBindings(map[nat.Port]int{
		databasePort: cfg.DatabasePort,
		bucketFSPort: cfg.BucketFSPort,
		sshPort:      cfg.SSHPort,
	})
	if err != nil {
		return nil, err
	}

	timeout := cfg.StartupTimeout
	if timeout == 0 {
		timeout = DefaultStartupTimeout
	}
	ready := wait.ForSQL(databasePort, "exasol", func(host string, port nat.Port) string {
		return dsn(host, port.Int(), cfg.Username, cfg.Password)
	}).WithStartupTimeout(timeout).WithPollInterval(2 * time.Second)

	opts := []testcontainers.ContainerCustomizer{
		testcontainers.WithLogger(containerLogger(ctx, cfg.Logf)),
		testcontainers.WithExposedPorts(string(databasePort), string(bucketFSPort), string(sshPort)),
		testcontainers.WithHostConfigModifier(func(hc *container.HostConfig) {
			// The database manages its own storage devices.
			hc.Privileged = true
			hc.PortBindings = bindings
			hc.DNS = cfg.Nameservers
			hc.Resources.MemoryReservation = memSize
		}),
		testcontainers.WithLabels(map[string]string{
			labelName:     cfg.Name,
			labelMemSize:  cfg.MemSize,
			labelDiskSize: cfg.DiskSize,
		}),
		testcontainers.WithWaitStrategyAndDeadline(timeout,
			wait.ForListeningPort(bucketFSPort),
			ready,
		),
	}
	if cfg.Name != "" {
		opts = append(opts, testcontainers.WithName(cfg.Name))
	}
	return opts, nil
}

// parseSize parses a human-readable binary size such as "2 GiB".
func parseSize(what, s string, minimum int64) (int64, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%s size: %w", what, err)
	}
	if n < minimum {
		return 0, fmt.Errorf("%s size %s is below the minimum of %s", what, s, units.BytesSize(float64(minimum)))
	}
	return n, nil
}

// portBindings forwards each container port to the given host port. Zero
// leaves the choice of the host port to Docker.
func portBindings(ports map[nat.Port]int) (nat.PortMap, error) {
	m := make(nat.PortMap, len(ports))
	for p, hostPort := range ports {
		if hostPort < 0 || hostPort > 65535 {
			return nil, fmt.Errorf("invalid host port %d for %s", hostPort, p)
		}
		binding := nat.PortBinding{}
		if hostPort != 0 {
			binding.HostPort = strconv.Itoa(hostPort)
		}
		m[p] = []nat.PortBinding{binding}
	}
	return m, nil
}

// containerLogger returns the logger of testcontainers-go: logf if set, or
// else the logger of ctx.
func containerLogger(ctx context.Context, logf func(string, ...any)) log.Logger {
	if logf != nil {
		return printfFunc(logf)
	}
	return slogPrinter{component.Logger(ctx)}
}

type printfFunc func(format string, args ...any)

func (f printfFunc) Printf(format string, args ...any) { f(format, args...) }

// slogPrinter adapts a structured logger to the printf-style logger of
// testcontainers-go.
type slogPrinter struct {
	logger *slog.Logger
}

func (p slogPrinter) Printf(format string, args ...any) {
	p.logger.Debug(fmt.Sprintf(format, args...), "source", "testcontainers")
}
