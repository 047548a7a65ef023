package saas

import (
	"context"
	"fmt"
	"time"

	"github.com/danielorbach/go-component"

	"github.com/go-digitaltwin/go-testbackend/paralleltask"
)

// AnyIP allows every address.
const AnyIP = "0.0.0.0/0"

// Database creates a database and returns it together with a teardown that
// deletes it, unless keep is set. It does not wait for the database to run.
func (c *Client) Database(ctx context.Context, name string, keep bool, idle time.Duration) (Database, paralleltask.Teardown, error) {
	logger := component.Logger(ctx).With("saas.name", name)
	logger.Info("Creating database...")
	db, err := c.CreateDatabase(ctx, name, idle)
	if err != nil {
		return Database{}, nil, err
	}
	logger = logger.With("saas.database", db.ID)
	logger.Info("Database created", "status", db.Status)

	return db, func(ctx context.Context) error {
		if keep {
			logger.Info("Keeping database")
			return nil
		}
		logger.Info("Deleting database...")
		return c.DeleteDatabase(ctx, db.ID)
	}, nil
}

// AllowedIP allows connections from every address to the databases of the
// account and returns a teardown that revokes it.
func (c *Client) AllowedIP(ctx context.Context, name string) (AllowedIP, paralleltask.Teardown, error) {
	ip, err := c.AllowIP(ctx, name, AnyIP)
	if err != nil {
		return AllowedIP{}, nil, err
	}
	component.Logger(ctx).Debug("Allowed connections", "cidr", ip.CIDRIP, "saas.allowlist", ip.ID)
	return ip, func(ctx context.Context) error {
		if err := c.DeleteAllowedIP(ctx, ip.ID); err != nil {
			return fmt.Errorf("revoke %s: %w", ip.CIDRIP, err)
		}
		return nil
	}, nil
}
