package testbackend

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/go-digitaltwin/go-testbackend/bucketfs"
	"github.com/go-digitaltwin/go-testbackend/config"
	"github.com/go-digitaltwin/go-testbackend/saas"
	"github.com/go-digitaltwin/go-testbackend/shorttag"
)

func TestMain(m *testing.M) {
	os.Exit(Run(m))
}

func TestBackendSet(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		want     string
		onprem   bool
		saas     bool
		anything bool
	}{
		{name: "none"},
		{name: "onprem", args: []string{"-backend=onprem"}, want: "onprem", onprem: true, anything: true},
		{name: "repeated", args: []string{"-backend=onprem", "-backend=SaaS"}, want: "onprem,saas", onprem: true, saas: true, anything: true},
		{name: "list", args: []string{"-backend=saas, onprem"}, want: "saas,onprem", onprem: true, saas: true, anything: true},
		{name: "all", args: []string{"-backend=all"}, want: "all", onprem: true, saas: true, anything: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s backendSet
			fs := flag.NewFlagSet(tt.name, flag.ContinueOnError)
			fs.Var(&s, "backend", "")
			if err := fs.Parse(tt.args); err != nil {
				t.Fatal(err)
			}
			if got := s.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
			if got := s.selected(OnPrem); got != tt.onprem {
				t.Errorf("selected(onprem) = %v, want %v", got, tt.onprem)
			}
			if got := s.selected(SaaS); got != tt.saas {
				t.Errorf("selected(saas) = %v, want %v", got, tt.saas)
			}
			if got := s.any(); got != tt.anything {
				t.Errorf("any() = %v, want %v", got, tt.anything)
			}
		})
	}
}

func TestBackendSet_Unknown(t *testing.T) {
	var s backendSet
	if err := s.Set("onprem,cloud"); err == nil || !strings.Contains(err.Error(), "cloud") {
		t.Errorf("Set() error = %v, want unknown backend cloud", err)
	}
}

func TestForEachBackend(t *testing.T) {
	var (
		mu  sync.Mutex
		ran []Backend
	)
	ForEachBackend(t, func(t *testing.T, b Backend) {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, b)
	})
	for _, b := range ran {
		if !flags.Backends.selected(b) || testing.Short() {
			t.Errorf("ForEachBackend ran the test of backend %s", b)
		}
	}
}

func TestCLIArgs(t *testing.T) {
	tests := []struct {
		name   string
		params []StdParams
		want   string
	}{
		{name: "empty", want: ""},
		{
			name: "values",
			params: []StdParams{{
				{"dsn", "localhost:8563"},
				{"db_user", "SYS"},
				{"bucketfs_port", 2580},
			}},
			want: `--dsn "localhost:8563" --db-user "SYS" --bucketfs-port "2580"`,
		},
		{
			name:   "booleans",
			params: []StdParams{{{"use_ssl_cert_validation", false}, {"bucketfs_use_https", true}}},
			want:   `--no-use-ssl-cert-validation --bucketfs-use-https`,
		},
		{
			name: "later sets override",
			params: []StdParams{
				{{"dsn", "db:8563"}, {"use_ssl_cert_validation", false}},
				{{"bucket", "default"}, {"use_ssl_cert_validation", true}},
			},
			want: `--dsn "db:8563" --use-ssl-cert-validation --bucket "default"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CLIArgs(tt.params...); got != tt.want {
				t.Errorf("CLIArgs() = %s\nwant %s", got, tt.want)
			}
		})
	}
}

func TestBucketFSConnection(t *testing.T) {
	tests := []struct {
		name string
		loc  bucketfs.Location
		path string
		want [3]map[string]any
	}{
		{
			name: "onprem",
			loc:  bucketfs.OnPrem{URL: "http://localhost:2580", Username: "w", Password: "write", Service: "bfsdefault", Bucket: "default"},
			path: "udf",
			want: [3]map[string]any{
				{"backend": "onprem", "url": "http://localhost:2580", "service_name": "bfsdefault", "bucket_name": "default", "verify": false, "path": "udf"},
				{"username": "w"},
				{"password": "write"},
			},
		},
		{
			name: "saas without path",
			loc:  bucketfs.SaaS{URL: "https://cloud.example.com", AccountID: "acc", DatabaseID: "db", PAT: "pat"},
			want: [3]map[string]any{
				{"backend": "saas", "url": "https://cloud.example.com"},
				{"account_id": "acc", "database_id": "db"},
				{"pat": "pat"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			to, user, password, err := bucketFSConnection(tt.loc, tt.path)
			if err != nil {
				t.Fatal(err)
			}
			var got [3]map[string]any
			for i, doc := range []string{to, user, password} {
				if err := json.Unmarshal([]byte(doc), &got[i]); err != nil {
					t.Fatalf("document %d is not JSON: %v", i, err)
				}
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("connection mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRandomSchemaName(t *testing.T) {
	name := RandomSchemaName()
	if len(name) != schemaNameLength {
		t.Fatalf("len(%q) = %d, want %d", name, len(name), schemaNameLength)
	}
	if strings.Trim(name, "ABCDEFGHIJKLMNOPQRSTUVWXYZ") != "" {
		t.Errorf("RandomSchemaName() = %q, want uppercase letters only", name)
	}
}

func TestQuote(t *testing.T) {
	if got, want := quoteIdent(`my"schema`), `"my""schema"`; got != want {
		t.Errorf("quoteIdent() = %s, want %s", got, want)
	}
	if got, want := quoteString(`{"a":"it's"}`), `'{"a":"it''s"}'`; got != want {
		t.Errorf("quoteString() = %s, want %s", got, want)
	}
}

// parsedSettings returns settings registered on a new FlagSet and parsed from
// args.
func parsedSettings(t *testing.T, args ...string) *Settings {
	t.Helper()
	s := NewSettings()
	fs := flag.NewFlagSet(t.Name(), flag.ContinueOnError)
	s.Register(fs)
	if err := config.Parse(fs, args); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestStart_NoBackend(t *testing.T) {
	s, err := Start(context.Background(), parsedSettings(t))
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if s.onprem != nil || s.saas != nil || s.slc != nil {
		t.Error("Start() launched tasks without a selected backend")
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

type stringBuilder string

func (b stringBuilder) Flavor() string { return "test-flavor" }

func (b stringBuilder) Export(_ context.Context, w io.Writer) error {
	_, err := io.WriteString(w, string(b))
	return err
}

func TestStart_ExternalDatabase(t *testing.T) {
	settings := parsedSettings(t,
		"-backend=onprem",
		"-itde-db-version="+config.External,
		"-project-short-tag=TST",
	)
	settings.Builder = stringBuilder("archive")

	s, err := Start(context.Background(), settings)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if s.onprem != nil {
		t.Error("Start() launched a Docker database although an external one is configured")
	}
	if s.slc == nil {
		t.Fatal("Start() did not export the language container")
	}
	a, err := s.slc.Output(context.Background())
	if err != nil {
		t.Fatalf("export error = %v", err)
	}
	if a.Key != "test-flavor.tar.gz" {
		t.Errorf("artifact key = %q", a.Key)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestStart_SaaSWithoutCredentials(t *testing.T) {
	t.Setenv(saas.EnvHost, "")
	t.Setenv(saas.EnvAccountID, "")
	t.Setenv(saas.EnvPAT, "")
	settings := parsedSettings(t, "-backend=saas", "-saas-database-id=db-1")

	_, err := Start(context.Background(), settings)
	if err == nil || !strings.Contains(err.Error(), saas.EnvHost) {
		t.Errorf("Start() error = %v, want it to name %s", err, saas.EnvHost)
	}
}

func TestStart_AllWithoutSaaSCredentials(t *testing.T) {
	t.Setenv(saas.EnvHost, "")
	t.Setenv(saas.EnvAccountID, "")
	t.Setenv(saas.EnvPAT, "")
	settings := parsedSettings(t, "-backend=all")
	settings.Builder = stringBuilder("unused")

	done := make(chan error, 1)
	go func() {
		_, err := Start(context.Background(), settings)
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), saas.EnvHost) {
			t.Errorf("Start() error = %v, want it to name %s", err, saas.EnvHost)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Start() launched the on-prem database before checking the SaaS credentials")
	}
}

func TestNewSaaSRequest(t *testing.T) {
	t.Setenv(saas.EnvHost, "https://saas.example.com")
	t.Setenv(saas.EnvAccountID, "acc")
	t.Setenv(saas.EnvPAT, "pat")

	tests := []struct {
		name string
		args []string
		want time.Duration
	}{
		{name: "default", args: []string{"-backend=saas"}, want: saas.DefaultStartupTimeout},
		{name: "flag", args: []string{"-backend=saas", "-saas-timeout=5m"}, want: 5 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Session{settings: parsedSettings(t, tt.args...)}
			req, ok, err := s.newSaaSRequest(context.Background(), "db")
			if err != nil || !ok {
				t.Fatalf("newSaaSRequest() = _, %v, %v, want a request", ok, err)
			}
			if req.Timeout != tt.want {
				t.Errorf("Timeout = %v, want %v", req.Timeout, tt.want)
			}
		})
	}
}

func TestRun_SingleInspectFlag(t *testing.T) {
	if flag.Lookup("testbackend.inspect") == nil {
		t.Error("flag -testbackend.inspect is not registered")
	}
	if flag.Lookup("dbtest.inspect") != nil {
		t.Error("flag -dbtest.inspect is registered next to -testbackend.inspect")
	}
}

func TestDatabaseName(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("PROJECT_SHORT_TAG", "")
	t.Setenv("USER", "tester")

	name, err := databaseName("", true)
	if err != nil {
		t.Fatalf("databaseName() error = %v", err)
	}
	if !strings.HasSuffix(name, "-tester") {
		t.Errorf("databaseName() = %q, want the owner as suffix", name)
	}
	name, err = databaseName("TST", true)
	if err != nil {
		t.Fatalf("databaseName() error = %v", err)
	}
	if !strings.Contains(name, "TST-") {
		t.Errorf("databaseName() = %q, want it to contain the tag", name)
	}

	// A project configuration without tags is an error only if the tag is
	// required.
	if err := os.WriteFile(filepath.Join(dir, shorttag.FileName), []byte("error-tags: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := databaseName("", true); err == nil {
		t.Error("databaseName() succeeded with an invalid project configuration")
	}
	if _, err := databaseName("", false); err != nil {
		t.Errorf("databaseName() error = %v, want the tag left out", err)
	}
}

// fakeSaaS records the resources a provisioning creates and deletes.
type fakeSaaS struct {
	mu      sync.Mutex
	created []string
	deleted []string
}

func (f *fakeSaaS) handler() http.Handler {
	const prefix = "/api/v1/accounts/acc/"
	mux := http.NewServeMux()
	record := func(list *[]string, what string) {
		f.mu.Lock()
		defer f.mu.Unlock()
		*list = append(*list, what)
	}
	mux.HandleFunc("POST "+prefix+"security/allowlist_ip", func(w http.ResponseWriter, r *http.Request) {
		record(&f.created, "ip")
		_ = json.NewEncoder(w).Encode(saas.AllowedIP{ID: "ip-1", Name: "x", CIDRIP: saas.AnyIP})
	})
	mux.HandleFunc("POST "+prefix+"databases", func(w http.ResponseWriter, r *http.Request) {
		record(&f.created, "database")
		_ = json.NewEncoder(w).Encode(saas.Database{ID: "db-1", Status: saas.StatusCreating})
	})
	mux.HandleFunc("GET "+prefix+"databases/db-1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(saas.Database{ID: "db-1", Status: saas.StatusRunning})
	})
	mux.HandleFunc("DELETE "+prefix+"databases/db-1", func(w http.ResponseWriter, r *http.Request) {
		record(&f.deleted, "database")
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE "+prefix+"security/allowlist_ip/ip-1", func(w http.ResponseWriter, r *http.Request) {
		record(&f.deleted, "ip")
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func TestProvisionSaaS(t *testing.T) {
	f := &fakeSaaS{}
	srv := httptest.NewServer(f.handler())
	defer srv.Close()

	ctx := context.Background()
	id, teardown, err := provisionSaaS(ctx, saasRequest{
		Credentials: saas.Credentials{Host: srv.URL, AccountID: "acc", PAT: "pat"},
		Name:        "1700000000TST",
	})
	if err != nil {
		t.Fatalf("provisionSaaS() error = %v", err)
	}
	if id != "db-1" {
		t.Errorf("provisionSaaS() = %q, want db-1", id)
	}
	if err := teardown(ctx); err != nil {
		t.Fatalf("teardown() error = %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if diff := cmp.Diff([]string{"ip", "database"}, f.created); diff != "" {
		t.Errorf("created mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"database", "ip"}, f.deleted); diff != "" {
		t.Errorf("deleted mismatch (-want +got):\n%s", diff)
	}
}
