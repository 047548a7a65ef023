package testbackend

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/exasol/exasol-driver-go"

	"github.com/go-digitaltwin/go-testbackend/bucketfs"
	"github.com/go-digitaltwin/go-testbackend/onprem"
	"github.com/go-digitaltwin/go-testbackend/saas"
)

// OnPremEnvironment waits for the Docker database and returns it. It reports
// false if the database is an existing one, or the backend was not selected.
func (s *Session) OnPremEnvironment(ctx context.Context) (onprem.Environment, bool, error) {
	if s.onprem == nil {
		return onprem.Environment{}, false, nil
	}
	env, err := s.onprem.Output(ctx)
	return env, err == nil, err
}

// SaaSDatabaseID waits for the SaaS database to run and returns its ID. It
// returns an empty ID if the backend was not selected.
func (s *Session) SaaSDatabaseID(ctx context.Context) (string, error) {
	if !s.settings.Backends.selected(SaaS) {
		return "", nil
	}
	if s.saas == nil {
		return s.settings.SaaSDatabaseID, nil
	}
	return s.saas.Output(ctx)
}

// OnPremEnvironment is like [Session.OnPremEnvironment] for the session of
// Run, bounded by its timeout. It fails t if the database is unavailable.
func OnPremEnvironment(t testing.TB) (onprem.Environment, bool) {
	t.Helper()
	s := current(t)
	ctx, cancel := s.wait()
	defer cancel()
	env, ok, err := s.OnPremEnvironment(ctx)
	if err != nil {
		t.Fatal("Docker database unavailable:", err)
	}
	return env, ok
}

// SaaSDatabaseID is like [Session.SaaSDatabaseID] for the session of Run,
// bounded by its timeout. It fails t if the database is unavailable or the
// backend was not selected.
func SaaSDatabaseID(t testing.TB) string {
	t.Helper()
	s := current(t)
	if !s.settings.Backends.selected(SaaS) {
		t.Fatal("The saas backend is not selected")
	}
	ctx, cancel := s.wait()
	defer cancel()
	id, err := s.SaaSDatabaseID(ctx)
	if err != nil {
		t.Fatal("SaaS database unavailable:", err)
	}
	return id
}

// ConnectionParams are sufficient to connect to the database of a backend.
type ConnectionParams struct {
	Host     string
	Port     int
	User     string
	Password string
	// ValidateServerCertificate is false for the self-signed certificates of
	// Docker databases, and for SaaS databases alike.
	ValidateServerCertificate bool
}

// DSN returns the "host:port" address of the database.
func (p ConnectionParams) DSN() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// DataSourceName returns the data source name for the "exasol" driver of
// database/sql.
func (p ConnectionParams) DataSourceName() string {
	return exasol.NewConfig(p.User, p.Password).
		Host(p.Host).
		Port(p.Port).
		ValidateServerCertificate(p.ValidateServerCertificate).
		String()
}

// DatabaseParams waits for the backend and returns the parameters of its
// database.
func DatabaseParams(t testing.TB, b Backend) ConnectionParams {
	t.Helper()
	s := current(t)
	switch b {
	case OnPrem:
		p := ConnectionParams{
			Host:     s.settings.Exasol.String("host"),
			Port:     s.settings.Exasol.Int("port"),
			User:     s.settings.Exasol.String("username"),
			Password: s.settings.Exasol.String("password"),
		}
		if env, ok := OnPremEnvironment(t); ok {
			p.Host, p.Port = env.Host, env.DatabasePort
		}
		return p
	case SaaS:
		conn := s.saasConnection(t)
		return ConnectionParams{
			Host:     conn.DNS,
			Port:     conn.Port,
			User:     conn.DBUsername,
			Password: s.creds.PAT,
		}
	default:
		t.Fatalf("Unknown backend %q", b)
		return ConnectionParams{}
	}
}

// saasConnection returns the cached connection details of the SaaS database.
func (s *Session) saasConnection(t testing.TB) saas.Connection {
	t.Helper()
	id := SaaSDatabaseID(t)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saasConn != nil {
		return *s.saasConn
	}
	ctx, cancel := s.wait()
	defer cancel()
	c := saas.NewClient(s.creds, saas.WithLogger(s.logger))
	conn, err := c.ConnectionInfo(ctx, id)
	if err != nil {
		t.Fatal("SaaS connection details unavailable:", err)
	}
	s.saasConn = &conn
	return conn
}

// BucketFSParams waits for the backend and returns the location of its
// BucketFS.
func BucketFSParams(t testing.TB, b Backend) bucketfs.Location {
	t.Helper()
	s := current(t)
	switch b {
	case OnPrem:
		loc := bucketfs.OnPrem{
			URL:      s.settings.BucketFS.String("url"),
			Username: s.settings.BucketFS.String("username"),
			Password: s.settings.BucketFS.String("password"),
			Service:  bucketfs.DefaultService,
			Bucket:   bucketfs.DefaultBucket,
		}
		if env, ok := OnPremEnvironment(t); ok {
			loc.URL = env.BucketFSURL
		}
		return loc
	case SaaS:
		return bucketfs.SaaS{
			URL:        s.creds.BaseURL(),
			AccountID:  s.creds.AccountID,
			DatabaseID: SaaSDatabaseID(t),
			PAT:        s.creds.PAT,
		}
	default:
		t.Fatalf("Unknown backend %q", b)
		return nil
	}
}

// StdParam is a named parameter of the command-line tools of extensions.
type StdParam struct {
	Name  string
	Value any
}

// StdParams is an ordered set of parameters.
type StdParams []StdParam

// DatabaseStdParams waits for the backend and returns the parameters the
// command-line tools of extensions need to connect to its database.
func DatabaseStdParams(t testing.TB, b Backend) StdParams {
	t.Helper()
	switch b {
	case OnPrem:
		p := DatabaseParams(t, b)
		return StdParams{
			{"dsn", p.DSN()},
			{"db_user", p.User},
			{"db_password", p.Password},
			{"use_ssl_cert_validation", false},
		}
	case SaaS:
		return saasStdParams(t)
	default:
		t.Fatalf("Unknown backend %q", b)
		return nil
	}
}

// BucketFSStdParams waits for the backend and returns the parameters the
// command-line tools of extensions need to connect to its BucketFS.
func BucketFSStdParams(t testing.TB, b Backend) StdParams {
	t.Helper()
	switch b {
	case OnPrem:
		loc := BucketFSParams(t, b).(bucketfs.OnPrem)
		u, err := url.Parse(loc.URL)
		if err != nil {
			t.Fatal("Invalid BucketFS URL:", err)
		}
		return StdParams{
			{"bucketfs_host", u.Hostname()},
			{"bucketfs_port", u.Port()},
			{"bucketfs_use_https", strings.EqualFold(u.Scheme, "https")},
			{"bucketfs_user", loc.Username},
			{"bucketfs_password", loc.Password},
			{"bucketfs_name", loc.Service},
			{"bucket", loc.Bucket},
			{"use_ssl_cert_validation", false},
		}
	case SaaS:
		return saasStdParams(t)
	default:
		t.Fatalf("Unknown backend %q", b)
		return nil
	}
}

func saasStdParams(t testing.TB) StdParams {
	t.Helper()
	s := current(t)
	return StdParams{
		{"saas_url", s.creds.BaseURL()},
		{"saas_account_id", s.creds.AccountID},
		{"saas_database_id", SaaSDatabaseID(t)},
		{"saas_token", s.creds.PAT},
	}
}

// CLIArgs formats the parameters as command-line arguments. Later sets
// override the values of earlier ones, keeping their position. Underscores in
// names become dashes, booleans become --name or --no-name, and every other
// value is quoted.
func CLIArgs(params ...StdParams) string {
	var merged StdParams
	index := make(map[string]int)
	for _, set := range params {
		for _, p := range set {
			if i, ok := index[p.Name]; ok {
				merged[i].Value = p.Value
				continue
			}
			index[p.Name] = len(merged)
			merged = append(merged, p)
		}
	}

	args := make([]string, len(merged))
	for i, p := range merged {
		name := strings.ReplaceAll(p.Name, "_", "-")
		switch v := p.Value.(type) {
		case bool:
			if v {
				args[i] = "--" + name
			} else {
				args[i] = "--no-" + name
			}
		default:
			args[i] = fmt.Sprintf("--%s \"%v\"", name, v)
		}
	}
	return strings.Join(args, " ")
}
