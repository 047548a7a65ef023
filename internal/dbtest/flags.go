package dbtest

import "flag"

// Inspect can be set to prevent containers from being torn down immediately
// after the test fails. This is useful for debugging because the database can be
// manually inspected to understand the internal state after a failure.
//
// Although the test container will not be torn down, it will still be reaped by
// the testcontainers library after some time. See their documentation for more
// information.
var Inspect = flag.Bool("dbtest.inspect", false, "keep test container running for inspection after a failed test completes")
