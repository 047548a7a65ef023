package slc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danielorbach/go-component"
	"gocloud.dev/blob"

	"github.com/go-digitaltwin/go-testbackend/bucketfs"
	"github.com/go-digitaltwin/go-testbackend/paralleltask"
)

// Session runs statements on a database; both *sql.DB and *sql.Conn are
// sessions.
type Session interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Deployer uploads exported containers to BucketFS and activates them.
type Deployer struct {
	// Bucket holds the exported archives.
	Bucket *blob.Bucket
	// Location receives the archives; the database extracts them there.
	Location bucketfs.Location
	// Language of the container; defaults to "python".
	Language string
	// Client is the path of the language client inside the container;
	// defaults to "exaudf/exaudfclient_py3".
	Client string
}

// Upload copies the archive of a into the BucketFS location under path, to
// which the archive suffix is appended. It returns a teardown that deletes
// the uploaded archive.
func (d Deployer) Upload(ctx context.Context, a Artifact, path string) (paralleltask.Teardown, error) {
	file := strings.TrimSuffix(path, ArchiveSuffix) + ArchiveSuffix
	logger := component.Logger(ctx).With("slc.flavor", a.Flavor, "bucketfs.path", file)
	logger.Info("Uploading script-language container...")

	r := &reopener{ctx: ctx, bucket: d.Bucket, key: a.Key}
	err := d.Location.Upload(ctx, file, r.open)
	if cerr := r.close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", a.Flavor, err)
	}
	logger.Info("Script-language container uploaded")
	return func(ctx context.Context) error {
		return d.Location.Delete(ctx, file)
	}, nil
}

// reopener opens the archive anew for every upload attempt and closes the
// reader of the previous attempt.
type reopener struct {
	ctx    context.Context
	bucket *blob.Bucket
	key    string
	r      *blob.Reader
}

func (o *reopener) open() (io.Reader, error) {
	if err := o.close(); err != nil {
		return nil, err
	}
	r, err := o.bucket.NewReader(o.ctx, o.key, nil)
	if err != nil {
		return nil, err
	}
	o.r = r
	return r, nil
}

func (o *reopener) close() error {
	if o.r == nil {
		return nil
	}
	err := o.r.Close()
	o.r = nil
	return err
}

// URL returns the definition of the language alias for a container extracted
// under path.
func (d Deployer) URL(path string) string {
	lang := d.Language
	if lang == "" {
		lang = "python"
	}
	client := d.Client
	if client == "" {
		client = "exaudf/exaudfclient_py3"
	}
	udf := d.Location.UDFPath(strings.TrimSuffix(path, ArchiveSuffix))
	return "localzmq+protobuf:///" + udf + "?lang=" + lang + "#buckets/" + udf + "/" + client
}

// Activate registers the container extracted under path as alias, both system
// wide and for the session s. It returns a teardown that restores the previous
// system-wide definitions.
func (d Deployer) Activate(ctx context.Context, s Session, alias, path string) (paralleltask.Teardown, error) {
	if alias == "" {
		return nil, errors.New("activate: no alias")
	}
	previous, err := ScriptLanguages(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("activate %s: %w", alias, err)
	}
	merged := MergeLanguages(previous, alias, d.URL(path))
	if err := setScriptLanguages(ctx, s, "SYSTEM", merged); err != nil {
		return nil, fmt.Errorf("activate %s: %w", alias, err)
	}
	if err := setScriptLanguages(ctx, s, "SESSION", merged); err != nil {
		return nil, fmt.Errorf("activate %s: %w", alias, err)
	}
	component.Logger(ctx).Info("Language activated", "slc.alias", alias)

	return func(ctx context.Context) error {
		if err := setScriptLanguages(ctx, s, "SYSTEM", previous); err != nil {
			return fmt.Errorf("deactivate %s: %w", alias, err)
		}
		return nil
	}, nil
}

// ScriptLanguages returns the system-wide language definitions.
func ScriptLanguages(ctx context.Context, s Session) (string, error) {
	var v sql.NullString
	err := s.QueryRowContext(ctx,
		"SELECT SYSTEM_VALUE FROM SYS.EXA_PARAMETERS WHERE PARAMETER_NAME = 'SCRIPT_LANGUAGES'",
	).Scan(&v)
	if err != nil {
		return "", fmt.Errorf("read SCRIPT_LANGUAGES: %w", err)
	}
	return v.String, nil
}

func setScriptLanguages(ctx context.Context, s Session, scope, languages string) error {
	stmt := "ALTER " + scope + " SET SCRIPT_LANGUAGES = '" + strings.ReplaceAll(languages, "'", "''") + "'"
	if _, err := s.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("alter %s: %w", strings.ToLower(scope), err)
	}
	return nil
}

// MergeLanguages sets alias to url in the space-separated definitions of
// languages. An existing definition of alias is replaced in place; otherwise
// the new one is appended.
func MergeLanguages(languages, alias, url string) string {
	def := alias + "=" + url
	fields := strings.Fields(languages)
	for i, f := range fields {
		name, _, _ := strings.Cut(f, "=")
		if strings.EqualFold(name, alias) {
			fields[i] = def
			return strings.Join(fields, " ")
		}
	}
	return strings.Join(append(fields, def), " ")
}
