package saas

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/danielorbach/go-component"
)

// Status is the lifecycle status of a database.
type Status string

// Statuses reported by the API.
const (
	StatusCreating Status = "creating"
	StatusToStart  Status = "tostart"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusScaling  Status = "scaling"
	StatusToScale  Status = "toscale"
	StatusToStop   Status = "tostop"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusToDelete Status = "todelete"
	StatusDeleting Status = "deleting"
	StatusDeleted  Status = "deleted"
	StatusError    Status = "error"
)

// final reports whether a database in this status never becomes running
// without intervention.
func (s Status) final() bool {
	switch s {
	case StatusError, StatusToDelete, StatusDeleting, StatusDeleted:
		return true
	}
	return false
}

// Defaults of the databases created by CreateDatabase.
const (
	DefaultClusterSize = "XS"
	DefaultProvider    = "aws"
	DefaultRegion      = "eu-central-1"
	// DefaultIdleTime is the inactivity after which a cluster stops.
	DefaultIdleTime = 2 * time.Hour
	// DefaultStartupTimeout bounds WaitUntilRunning when no timeout is given.
	// A database usually runs about 20 minutes after its creation.
	DefaultStartupTimeout = 30 * time.Minute
)

// Database is a database of the account.
type Database struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Status   Status `json:"status"`
	Provider string `json:"provider,omitempty"`
	Region   string `json:"region,omitempty"`
}

// Cluster is a compute cluster of a database.
type Cluster struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      Status `json:"status"`
	MainCluster bool   `json:"mainCluster"`
}

// Connection describes how to connect to a cluster.
type Connection struct {
	DNS        string `json:"dns"`
	Port       int    `json:"port"`
	JDBC       string `json:"jdbc,omitempty"`
	DBUsername string `json:"dbUsername"`
}

// AllowedIP is an entry of the allowlist of the account.
type AllowedIP struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	CIDRIP string `json:"cidrIp"`
}

type createDatabase struct {
	Name           string        `json:"name"`
	InitialCluster createCluster `json:"initialCluster"`
	Provider       string        `json:"provider"`
	Region         string        `json:"region"`
}

type createCluster struct {
	Name     string    `json:"name"`
	Size     string    `json:"size"`
	AutoStop *autoStop `json:"autoStop,omitempty"`
}

type autoStop struct {
	Enabled  bool `json:"enabled"`
	IdleTime int  `json:"idleTime"` // Minutes.
}

// CreateDatabase creates a database whose cluster stops after the given idle
// time. It returns without waiting for the database to run.
func (c *Client) CreateDatabase(ctx context.Context, name string, idle time.Duration) (Database, error) {
	if idle <= 0 {
		idle = DefaultIdleTime
	}
	in := createDatabase{
		Name: name,
		InitialCluster: createCluster{
			Name:     "main",
			Size:     DefaultClusterSize,
			AutoStop: &autoStop{Enabled: true, IdleTime: int(idle / time.Minute)},
		},
		Provider: DefaultProvider,
		Region:   DefaultRegion,
	}
	var db Database
	if err := c.do(ctx, http.MethodPost, c.accountPath("databases"), in, &db); err != nil {
		return Database{}, fmt.Errorf("create database %s: %w", name, err)
	}
	return db, nil
}

// GetDatabase returns the database with the given ID.
func (c *Client) GetDatabase(ctx context.Context, id string) (Database, error) {
	var db Database
	if err := c.do(ctx, http.MethodGet, c.accountPath("databases/%s", id), nil, &db); err != nil {
		return Database{}, fmt.Errorf("get database %s: %w", id, err)
	}
	return db, nil
}

// DeleteDatabase deletes the database with the given ID. Deleting a database
// that does not exist is not an error.
func (c *Client) DeleteDatabase(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, c.accountPath("databases/%s", id), nil, nil)
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("delete database %s: %w", id, err)
	}
	return nil
}

var errNotRunning = errors.New("database is not running yet")

// WaitUntilRunning polls the status of the database until it runs, the
// timeout expires, or the database reaches a status from which it never
// starts by itself. A timeout of zero means DefaultStartupTimeout. Client
// errors of the API end the wait at once.
func (c *Client) WaitUntilRunning(ctx context.Context, id string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}
	logger := component.Logger(ctx).With("saas.database", id)
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.pollInterval),
		backoff.WithMaxInterval(2*time.Minute),
		backoff.WithMaxElapsedTime(timeout),
	)
	start := time.Now()
	err := backoff.RetryNotify(func() error {
		db, err := c.GetDatabase(ctx, id)
		if err != nil {
			if isClientError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		switch {
		case db.Status == StatusRunning:
			return nil
		case db.Status.final():
			return backoff.Permanent(fmt.Errorf("database %s is %s", id, db.Status))
		default:
			return fmt.Errorf("%w: %s", errNotRunning, db.Status)
		}
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		logger.Debug("Waiting for database...", "status", err, "next", next)
	})
	if err != nil {
		return fmt.Errorf("wait for database %s: %w", id, err)
	}
	logger.Info("Database running", "duration", time.Since(start))
	return nil
}

// ListClusters returns the clusters of the database.
func (c *Client) ListClusters(ctx context.Context, databaseID string) ([]Cluster, error) {
	var clusters []Cluster
	if err := c.do(ctx, http.MethodGet, c.accountPath("databases/%s/clusters", databaseID), nil, &clusters); err != nil {
		return nil, fmt.Errorf("list clusters of %s: %w", databaseID, err)
	}
	return clusters, nil
}

// ConnectionInfo returns how to connect to the main cluster of the database.
func (c *Client) ConnectionInfo(ctx context.Context, databaseID string) (Connection, error) {
	clusters, err := c.ListClusters(ctx, databaseID)
	if err != nil {
		return Connection{}, err
	}
	for _, cl := range clusters {
		if !cl.MainCluster {
			continue
		}
		var conn Connection
		path := c.accountPath("databases/%s/clusters/%s/connect", databaseID, cl.ID)
		if err := c.do(ctx, http.MethodGet, path, nil, &conn); err != nil {
			return Connection{}, fmt.Errorf("connection of %s: %w", databaseID, err)
		}
		return conn, nil
	}
	return Connection{}, fmt.Errorf("database %s has no main cluster", databaseID)
}

// AllowIP adds a CIDR block to the allowlist of the account.
func (c *Client) AllowIP(ctx context.Context, name, cidr string) (AllowedIP, error) {
	in := AllowedIP{Name: name, CIDRIP: cidr}
	var out AllowedIP
	if err := c.do(ctx, http.MethodPost, c.accountPath("security/allowlist_ip"), in, &out); err != nil {
		return AllowedIP{}, fmt.Errorf("allow %s: %w", cidr, err)
	}
	return out, nil
}

// DeleteAllowedIP removes an entry from the allowlist.
func (c *Client) DeleteAllowedIP(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, c.accountPath("security/allowlist_ip/%s", id), nil, nil)
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("delete allowed IP %s: %w", id, err)
	}
	return nil
}
