package dbtest

import (
	"testing"

	"github.com/go-digitaltwin/go-testbackend/onprem"
)

// DefaultVersion is the database version started by SetupExasol.
const DefaultVersion = "8.18.1"

// Default credentials of the database in the container.
const (
	Username = "SYS"
	Password = "exasol"
)

// A utility function to create the configuration of a standard database
// container that logs to the given [testing.TB]. Every port is forwarded to a
// random host port so that tests never collide with a database already
// running on the host.
func containerConfig(tb testing.TB) onprem.Config {
	return onprem.Config{
		Version:  DefaultVersion,
		MemSize:  "2 GiB",
		DiskSize: "2 GiB",
		Username: Username,
		Password: Password,
		Logf:     tb.Logf,
	}
}
