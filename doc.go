// Package testbackend provisions the database backends of integration tests:
// an Exasol database in a local Docker container ("onprem") and a database of
// the Exasol SaaS ("saas").
//
// Provisioning takes minutes, so it starts in the background before the first
// test runs and overlaps with the tests that need no database. A test blocks
// only when it asks for a backend, and only until that backend is ready.
//
// Wire the package into a test binary through TestMain:
//
//	func TestMain(m *testing.M) {
//		os.Exit(testbackend.Run(m))
//	}
//
// and run the tests of the selected backends:
//
//	func TestQuery(t *testing.T) {
//		testbackend.ForEachBackend(t, func(t *testing.T, b testbackend.Backend) {
//			conn := testbackend.Connect(t, b, "")
//			...
//		})
//	}
//
// Backends are selected on the command line; without a selection every
// backend test is skipped:
//
//	go test ./... -args -backend=onprem
//	go test ./... -args -backend=all
//
// Every option may also be given as an environment variable named after the
// flag, such as EXASOL_PASSWORD for -exasol-password. The SaaS backend reads
// its credentials from SAAS_HOST, SAAS_ACCOUNT_ID and SAAS_PAT.
package testbackend
