package testbackend

import (
	"fmt"
	"slices"
	"strings"
	"testing"
)

// Backend is a kind of database the tests can run against.
type Backend string

const (
	OnPrem Backend = "onprem"
	SaaS   Backend = "saas"
	// All selects every backend on the command line.
	All Backend = "all"
)

// Backends lists the backends in the order ForEachBackend runs them.
var Backends = []Backend{OnPrem, SaaS}

// backendSet is the repeatable -backend flag. Each occurrence may hold a
// comma-separated list.
type backendSet []Backend

func (s *backendSet) String() string {
	if s == nil {
		return ""
	}
	names := make([]string, len(*s))
	for i, b := range *s {
		names[i] = string(b)
	}
	return strings.Join(names, ",")
}

func (s *backendSet) Set(v string) error {
	for _, name := range strings.Split(v, ",") {
		b := Backend(strings.ToLower(strings.TrimSpace(name)))
		switch b {
		case "":
			continue
		case OnPrem, SaaS, All:
			*s = append(*s, b)
		default:
			return fmt.Errorf("unknown backend %q", name)
		}
	}
	return nil
}

// selected reports whether b was selected explicitly or through All.
func (s backendSet) selected(b Backend) bool {
	return slices.Contains(s, b) || slices.Contains(s, All)
}

// any reports whether some backend was selected.
func (s backendSet) any() bool {
	return slices.ContainsFunc(Backends, s.selected)
}

// ForEachBackend runs fn as a subtest named after each backend. Subtests of
// backends that were not selected are skipped, and so are all of them in
// short mode.
func ForEachBackend(t *testing.T, fn func(t *testing.T, b Backend)) {
	t.Helper()
	s := current(t)
	for _, b := range Backends {
		t.Run(string(b), func(t *testing.T) {
			if !s.settings.Backends.selected(b) {
				t.Skipf("Backend %s is not selected (use -backend=%s)", b, b)
			}
			if testing.Short() {
				t.Skip("Skipping backend test in short mode...")
			}
			fn(t, b)
		})
	}
}
