package testbackend

import (
	"context"
	"database/sql"
	"encoding/json"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/danielorbach/go-component"

	"github.com/go-digitaltwin/go-testbackend/bucketfs"
	"github.com/go-digitaltwin/go-testbackend/slc"
)

// db returns the shared database handle of the backend.
func (s *Session) db(t testing.TB, b Backend) *sql.DB {
	t.Helper()
	p := DatabaseParams(t, b)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dbs == nil {
		t.Fatal("The test backend session is closed")
	}
	if db, ok := s.dbs[b]; ok {
		return db
	}
	db, err := sql.Open("exasol", p.DataSourceName())
	if err != nil {
		t.Fatal("Failed to open exasol driver:", err)
	}
	s.dbs[b] = db
	return db
}

// schemaNameLength is the length of random schema names.
const schemaNameLength = 12

// RandomSchemaName returns a name of uppercase letters.
func RandomSchemaName() string {
	var sb strings.Builder
	for range schemaNameLength {
		sb.WriteByte(byte('A' + rand.IntN(26)))
	}
	return sb.String()
}

// Connect returns a dedicated connection to the database of the backend with
// schema opened. An empty schema picks a random name. A schema that did not
// exist before is created, and dropped again during cleanup of t.
func Connect(t testing.TB, b Backend, schema string) *sql.Conn {
	t.Helper()
	if schema == "" {
		schema = RandomSchemaName()
	}
	ctx := context.Background()
	conn, err := current(t).db(t, b).Conn(ctx)
	if err != nil {
		t.Fatal("Failed to connect to the database:", err)
	}
	t.Cleanup(func() {
		if err := conn.Close(); err != nil {
			t.Error("Encountered an error during cleanup while closing the connection:", err)
		}
	})

	var n int
	err = conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM SYS.EXA_SCHEMAS WHERE SCHEMA_NAME = ?", schema).Scan(&n)
	if err != nil {
		t.Fatal("Failed to look up the schema:", err)
	}
	if n == 0 {
		if _, err := conn.ExecContext(ctx, "CREATE SCHEMA "+quoteIdent(schema)); err != nil {
			t.Fatal("Failed to create the schema:", err)
		}
		// Cleanups run in reverse order: the schema is dropped before the
		// connection closes.
		t.Cleanup(func() {
			if _, err := conn.ExecContext(ctx, "DROP SCHEMA "+quoteIdent(schema)+" CASCADE"); err != nil {
				t.Error("Encountered an error during cleanup while dropping the schema:", err)
			}
		})
	}
	if _, err := conn.ExecContext(ctx, "OPEN SCHEMA "+quoteIdent(schema)); err != nil {
		t.Fatal("Failed to open the schema:", err)
	}
	return conn
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// CreateBucketFSConnection creates, or replaces, the connection object name
// in the database, pointing at path in the BucketFS of the backend. An empty
// path is the root of the bucket.
func CreateBucketFSConnection(t testing.TB, b Backend, conn *sql.Conn, name, path string) {
	t.Helper()
	to, user, password, err := bucketFSConnection(BucketFSParams(t, b), path)
	if err != nil {
		t.Fatal("Failed to describe the BucketFS connection:", err)
	}
	stmt := "CREATE OR REPLACE CONNECTION " + quoteIdent(name) +
		" TO " + quoteString(to) +
		" USER " + quoteString(user) +
		" IDENTIFIED BY " + quoteString(password)
	if _, err := conn.ExecContext(context.Background(), stmt); err != nil {
		t.Fatalf("Failed to create connection %s: %v", name, err)
	}
}

// bucketFSConnection returns the JSON documents of a connection object
// describing path in loc.
func bucketFSConnection(loc bucketfs.Location, path string) (to, user, password string, err error) {
	var parts [3]map[string]any
	switch l := loc.(type) {
	case bucketfs.OnPrem:
		parts = [3]map[string]any{
			{"backend": string(OnPrem), "url": l.URL, "service_name": l.Service, "bucket_name": l.Bucket, "verify": l.Verify},
			{"username": l.Username},
			{"password": l.Password},
		}
	case bucketfs.SaaS:
		parts = [3]map[string]any{
			{"backend": string(SaaS), "url": l.URL},
			{"account_id": l.AccountID, "database_id": l.DatabaseID},
			{"pat": l.PAT},
		}
	default:
		panic("testbackend: unsupported BucketFS location")
	}
	if path != "" {
		parts[0]["path"] = path
	}
	var docs [3]string
	for i, p := range parts {
		b, err := json.Marshal(p)
		if err != nil {
			return "", "", "", err
		}
		docs[i] = string(b)
	}
	return docs[0], docs[1], docs[2], nil
}

// UploadLanguageContainer waits for the exported language container, uploads
// it to path in the BucketFS of the backend and activates it under the
// configured alias. It reports false when no builder was configured. The
// container is deactivated and deleted during cleanup of t.
func UploadLanguageContainer(t testing.TB, b Backend, path string) bool {
	t.Helper()
	s := current(t)
	if s.slc == nil {
		return false
	}
	ctx, cancel := s.wait()
	defer cancel()
	artifact, err := s.slc.Output(ctx)
	if err != nil {
		t.Fatal("Language container unavailable:", err)
	}
	if path == "" {
		path = artifact.Flavor
	}

	d := slc.Deployer{Bucket: s.artifacts, Location: BucketFSParams(t, b)}
	ctx = component.InjectLogger(context.Background(), s.logger)
	remove, err := d.Upload(ctx, artifact, path)
	if err != nil {
		t.Fatal("Failed to upload the language container:", err)
	}
	t.Cleanup(func() {
		if err := remove(ctx); err != nil {
			t.Error("Encountered an error during cleanup while deleting the language container:", err)
		}
	})

	conn, err := s.db(t, b).Conn(ctx)
	if err != nil {
		t.Fatal("Failed to connect to the database:", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	deactivate, err := d.Activate(ctx, conn, s.settings.LanguageAlias, path)
	if err != nil {
		t.Fatal("Failed to activate the language container:", err)
	}
	t.Cleanup(func() {
		if err := deactivate(ctx); err != nil {
			t.Error("Encountered an error during cleanup while deactivating the language container:", err)
		}
	})
	return true
}
