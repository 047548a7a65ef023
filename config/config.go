/*
Package config describes groups of command-line options shared by the
backend provisioning code, such as the connection parameters of an existing
database or the settings of a Docker database.

A [Group] registers its options on a [flag.FlagSet] under a common prefix:
the "host" option of the "exasol" group becomes the -exasol-host flag. Values
are resolved by [Parse] in the following order of precedence:

  - flags set explicitly on the command line,
  - environment variables named after the flag (EXASOL_HOST),
  - the default of the option.

Repeatable options accept the flag more than once, or a comma-separated list
in a single flag or environment variable.
*/
package config

import (
	"flag"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/peterbourgon/ff/v3"
)

// Option describes a single option of a Group.
type Option struct {
	// Name is the name of the option within its group. It consists of lower-case
	// letters, digits and dashes.
	Name string
	// Help describes the option in the usage message.
	Help string
	// Default is the value of the option if it is set neither on the command line
	// nor in the environment. It must be a string, an int or a bool, and it
	// determines the type of the option. Repeatable options are always lists of
	// strings and ignore Default.
	Default any
	// Repeatable options may be given more than once.
	Repeatable bool
}

// Group is a named set of options registered together.
//
// A Group is registered once, on a single FlagSet. Reading a value before the
// FlagSet is parsed returns the default.
type Group struct {
	Prefix  string
	Options []Option

	values map[string]any // *string, *int, *bool or *stringList.
}

var validName = regexp.MustCompile(`^[a-z][a-z0-9]*(-[a-z0-9]+)*$`)

// NewGroup returns a group of the given options. It panics if a name is
// invalid or used twice, or if a default has an unsupported type.
func NewGroup(prefix string, opts ...Option) *Group {
	if !validName.MatchString(prefix) {
		panic(fmt.Sprintf("config: invalid group prefix %q", prefix))
	}
	seen := make(map[string]bool, len(opts))
	for _, o := range opts {
		if !validName.MatchString(o.Name) {
			panic(fmt.Sprintf("config: invalid option name %q in group %q", o.Name, prefix))
		}
		if seen[o.Name] {
			panic(fmt.Sprintf("config: duplicate option %q in group %q", o.Name, prefix))
		}
		seen[o.Name] = true
		switch o.Default.(type) {
		case string, int, bool:
		case nil:
			if !o.Repeatable {
				panic(fmt.Sprintf("config: option %q in group %q has no default", o.Name, prefix))
			}
		default:
			panic(fmt.Sprintf("config: option %q in group %q has a default of unsupported type %T", o.Name, prefix, o.Default))
		}
	}
	return &Group{Prefix: prefix, Options: opts}
}

// FlagName returns the name of the flag of the given option.
func (g *Group) FlagName(option string) string {
	return g.Prefix + "-" + option
}

// EnvName returns the name of the environment variable of the given option,
// matching the mapping that [Parse] applies.
func (g *Group) EnvName(option string) string {
	return strings.ToUpper(strings.ReplaceAll(g.FlagName(option), "-", "_"))
}

// Register defines a flag on fs for every option of the group.
func (g *Group) Register(fs *flag.FlagSet) {
	g.values = make(map[string]any, len(g.Options))
	for _, o := range g.Options {
		name := g.FlagName(o.Name)
		if o.Repeatable {
			l := new(stringList)
			fs.Var(l, name, o.Help+" (repeatable)")
			g.values[o.Name] = l
			continue
		}
		switch d := o.Default.(type) {
		case string:
			g.values[o.Name] = fs.String(name, d, o.Help)
		case int:
			g.values[o.Name] = fs.Int(name, d, o.Help)
		case bool:
			g.values[o.Name] = fs.Bool(name, d, o.Help)
		}
	}
}

func (g *Group) lookup(name string) (Option, any) {
	for _, o := range g.Options {
		if o.Name == name {
			if v, ok := g.values[name]; ok {
				return o, v
			}
			return o, nil
		}
	}
	panic(fmt.Sprintf("config: unknown option %q in group %q", name, g.Prefix))
}

// String returns the value of a string option.
func (g *Group) String(name string) string {
	o, v := g.lookup(name)
	if p, ok := v.(*string); ok {
		return *p
	}
	s, _ := o.Default.(string)
	return s
}

// Int returns the value of an int option.
func (g *Group) Int(name string) int {
	o, v := g.lookup(name)
	if p, ok := v.(*int); ok {
		return *p
	}
	i, _ := o.Default.(int)
	return i
}

// Bool returns the value of a bool option.
func (g *Group) Bool(name string) bool {
	o, v := g.lookup(name)
	if p, ok := v.(*bool); ok {
		return *p
	}
	b, _ := o.Default.(bool)
	return b
}

// Strings returns the values of a repeatable option.
func (g *Group) Strings(name string) []string {
	_, v := g.lookup(name)
	if l, ok := v.(*stringList); ok {
		return append([]string(nil), *l...)
	}
	return nil
}

// Params returns the value of every option keyed by option name. Repeatable
// options that were never given are omitted.
func (g *Group) Params() map[string]any {
	params := make(map[string]any, len(g.Options))
	for _, o := range g.Options {
		switch {
		case o.Repeatable:
			if s := g.Strings(o.Name); len(s) > 0 {
				params[o.Name] = s
			}
		default:
			switch o.Default.(type) {
			case string:
				params[o.Name] = g.String(o.Name)
			case int:
				params[o.Name] = g.Int(o.Name)
			case bool:
				params[o.Name] = g.Bool(o.Name)
			}
		}
	}
	return params
}

// Parse parses args into fs, falling back to environment variables for flags
// not given on the command line.
func Parse(fs *flag.FlagSet, args []string) error {
	return ff.Parse(fs, args, ff.WithEnvVars())
}

// stringList is a repeatable flag.Value. Each occurrence may hold a
// comma-separated list.
type stringList []string

func (l *stringList) String() string {
	if l == nil {
		return ""
	}
	return strings.Join(*l, ",")
}

func (l *stringList) Set(s string) error {
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			*l = append(*l, v)
		}
	}
	return nil
}

// Exasol returns the options describing an existing database to connect to.
func Exasol() *Group {
	return NewGroup("exasol",
		Option{Name: "host", Default: "localhost", Help: "host to connect to"},
		Option{Name: "port", Default: 8563, Help: "port on which the Exasol database is listening"},
		Option{Name: "username", Default: "SYS", Help: "user name to authenticate against the Exasol database"},
		Option{Name: "password", Default: "exasol", Help: "password to authenticate against the Exasol database"},
	)
}

// BucketFS returns the options describing the BucketFS service of an existing
// database.
func BucketFS() *Group {
	return NewGroup("bucketfs",
		Option{Name: "url", Default: "http://127.0.0.1:2580", Help: "base URL of the BucketFS service"},
		Option{Name: "username", Default: "w", Help: "user name to authenticate against the BucketFS service"},
		Option{Name: "password", Default: "write", Help: "password to authenticate against the BucketFS service"},
	)
}

// SSH returns the options describing the SSH access to the database host.
func SSH() *Group {
	return NewGroup("ssh",
		Option{Name: "port", Default: 20002, Help: "port on which external processes can access the database via SSH"},
	)
}

// External is the database version that selects an existing database instead
// of starting a Docker database.
const External = "external"

// ITDE returns the options of the Docker database started for the tests.
func ITDE() *Group {
	return NewGroup("itde",
		Option{Name: "db-version", Default: "8.18.1", Help: "version of the Docker database image, or " + strconv.Quote(External) + " to use an existing database"},
		Option{Name: "db-mem-size", Default: "2 GiB", Help: "main memory of the Docker database, formatted as <number> <unit> such as 1 GiB; the database does not start below 1 GB"},
		Option{Name: "db-disk-size", Default: "2 GiB", Help: "disk size of the Docker database, formatted as <number> <unit> such as 1 GiB; at least 100 MiB"},
		Option{Name: "nameserver", Repeatable: true, Help: "DNS nameserver the Docker database uses to resolve domain names"},
	)
}
