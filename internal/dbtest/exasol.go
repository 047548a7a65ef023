package dbtest

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/exasol/exasol-driver-go"

	"github.com/go-digitaltwin/go-testbackend/internal/inspect"
	"github.com/go-digitaltwin/go-testbackend/onprem"
)

// SetupExasol spins up a new Exasol Docker container and returns its
// environment together with a database handle connected to it. Both are
// released during cleanup of the provided [*testing.T].
//
// The provided [*testing.T] is used to:
//   - skip the test if the '-short' flag is set,
//   - clean up the container after the test completes, and
//   - log the progress of testcontainers-go.
//
// Unlike lighter containers, the database is not started in parallel tests:
// a single instance already claims several gigabytes of memory.
//
// This function may change its definition of a "standard" database over time.
// If you need a specific customisation, use package onprem directly.
func SetupExasol(t *testing.T) (onprem.Environment, *sql.DB) {
	t.Helper()

	// Container-based tests are long-running and should respect the '-short' flag.
	if testing.Short() {
		t.Skip("Skipping container-based test in short mode...")
	}

	ctx := context.Background()

	env, teardown, err := onprem.Spawn(ctx, containerConfig(t))
	if err != nil {
		t.Fatal("Failed to run exasol container:", err)
	}
	t.Cleanup(func() {
		t.Logf("Terminating exasol container %q...", env.ContainerID)
		if err := teardown(ctx); err != nil {
			t.Error("Encountered an error during cleanup; terminate container:", err)
		}
	})

	db, err := sql.Open("exasol", env.DSN(Username, Password))
	if err != nil {
		t.Fatal("Failed to open exasol driver:", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Error("Encountered an error during cleanup while closing the database handle:", err)
		}
	})

	// Keep the container running for manual debugging of the database. Cleanups
	// run in reverse order, so this one blocks before the container terminates.
	t.Cleanup(func() {
		if t.Failed() && *Inspect {
			t.Logf("Container %v is still running for inspection (Ctrl+C to terminate)...", env.ContainerID)
			t.Logf("Database = %s (user %s)", env.DatabaseAddress(), Username)
			t.Logf("BucketFS = %s", env.BucketFSURL)
			inspect.Wait(context.Background())
		}
	})

	return env, db
}
