// Package slc builds script-language containers and activates them in a
// database.
//
// A container is exported by a [Builder] into a blob bucket in the background
// with [StartExport], and then deployed with a [Deployer] to BucketFS, where
// the database picks it up as a language alias.
package slc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gocloud.dev/blob"

	"github.com/go-digitaltwin/go-testbackend/paralleltask"
)

// Builder produces the archive of a script-language container.
type Builder interface {
	// Flavor names the container, such as "template-Exasol-all-python-3.10".
	Flavor() string
	// Export writes the archive to w.
	Export(ctx context.Context, w io.Writer) error
}

// CommandBuilder exports a container by running an external command that
// writes the archive to its standard output.
type CommandBuilder struct {
	Name    string
	Command []string
	// Dir is the working directory of the command; empty means the current one.
	Dir string
	// Env is appended to the environment of the current process.
	Env []string
}

// Flavor implements Builder.
func (b CommandBuilder) Flavor() string { return b.Name }

// Export implements Builder.
func (b CommandBuilder) Export(ctx context.Context, w io.Writer) error {
	if len(b.Command) == 0 {
		return errors.New("export: no command")
	}
	cmd := exec.CommandContext(ctx, b.Command[0], b.Command[1:]...)
	cmd.Dir = b.Dir
	if len(b.Env) > 0 {
		cmd.Env = append(cmd.Environ(), b.Env...)
	}
	var stderr bytes.Buffer
	cmd.Stdout = w
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := lastLine(stderr.String()); msg != "" {
			return fmt.Errorf("export %s: %w: %s", b.Name, err, msg)
		}
		return fmt.Errorf("export %s: %w", b.Name, err)
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Artifact is an exported container stored in a blob bucket.
type Artifact struct {
	Flavor string
	Key    string
	Size   int64
}

// ArchiveSuffix is appended to the flavor to name the archive.
const ArchiveSuffix = ".tar.gz"

// StartExport exports the container of b into bucket in the background. The
// teardown of the task deletes the archive from the bucket.
func StartExport(ctx context.Context, b Builder, bucket *blob.Bucket) *paralleltask.Handle[Artifact] {
	return paralleltask.Start(ctx, "slc.export", func(ctx context.Context) (Artifact, paralleltask.Teardown, error) {
		a, err := export(ctx, b, bucket)
		if err != nil {
			return Artifact{}, nil, err
		}
		return a, func(ctx context.Context) error {
			component.Logger(ctx).Debug("Deleting container archive", "slc.key", a.Key)
			if err := bucket.Delete(ctx, a.Key); err != nil {
				return fmt.Errorf("delete %s: %w", a.Key, err)
			}
			return nil
		}, nil
	})
}

func export(ctx context.Context, b Builder, bucket *blob.Bucket) (a Artifact, err error) {
	a = Artifact{Flavor: b.Flavor(), Key: b.Flavor() + ArchiveSuffix}
	ctx, span := tracer.Start(ctx, "slc.export", trace.WithAttributes(
		attribute.String("slc.flavor", a.Flavor),
	))
	defer span.End()
	defer func(start time.Time) {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		measureExport(ctx, err == nil, time.Since(start), a.Size)
	}(time.Now())

	logger := component.Logger(ctx).With("slc.flavor", a.Flavor)
	logger.Info("Exporting script-language container...")

	// Cancelling the context of a writer before closing it discards the
	// partial blob.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w, err := bucket.NewWriter(wctx, a.Key, &blob.WriterOptions{ContentType: "application/gzip"})
	if err != nil {
		return Artifact{}, fmt.Errorf("export %s: %w", a.Flavor, err)
	}
	if err := b.Export(wctx, w); err != nil {
		cancel()
		_ = w.Close()
		return Artifact{}, err
	}
	if err := w.Close(); err != nil {
		return Artifact{}, fmt.Errorf("export %s: %w", a.Flavor, err)
	}

	attrs, err := bucket.Attributes(ctx, a.Key)
	if err != nil {
		return Artifact{}, fmt.Errorf("export %s: %w", a.Flavor, err)
	}
	a.Size = attrs.Size
	logger.Info("Script-language container exported", "slc.key", a.Key, "size", a.Size)
	return a, nil
}
