/*
Package dbtest provides a convenient way to spin up an Exasol database
container for testing purposes. It wraps package onprem with the conventions
of container-based tests: skipping in short mode, logging through the test and
terminating the container at cleanup.

If you find yourself wanting a database in a test and the details of the
database are not important, you should use this package. If, however, you need
a specific customisation of the database, you should use package onprem
directly.

Developing locally with Docker, you may want to manually inspect the database
after a test failure. To do this, set the Inspect flag to true:

	go test -dbtest.inspect

This package is intended to be used in tests only. It is not suitable for
production use.
*/
package dbtest
