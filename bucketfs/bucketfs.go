// Package bucketfs stores files in BucketFS, the file system that Exasol
// databases expose to user-defined functions, either on a self-hosted
// database or on a SaaS database.
package bucketfs

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// Location is a place in BucketFS to put files into.
type Location interface {
	// Upload stores the content returned by open under path. Open is called
	// again for every retry of the upload.
	Upload(ctx context.Context, path string, open func() (io.Reader, error)) error
	// Delete removes the file stored under path.
	Delete(ctx context.Context, path string) error
	// UDFPath returns the path under which user-defined functions see the file,
	// relative to /buckets.
	UDFPath(path string) string
}

// Defaults of self-hosted databases.
const (
	DefaultService = "bfsdefault"
	DefaultBucket  = "default"
)

// OnPrem is a bucket of a self-hosted database.
type OnPrem struct {
	// URL of the BucketFS service, such as http://127.0.0.1:2580.
	URL      string
	Username string
	Password string
	// Service and Bucket default to DefaultService and DefaultBucket.
	Service string
	Bucket  string
	// Verify enables the validation of the TLS certificate of the service.
	Verify bool
	// Client defaults to a retrying client with the default policy.
	Client *retryablehttp.Client
}

func (l OnPrem) bucket() string {
	if l.Bucket == "" {
		return DefaultBucket
	}
	return l.Bucket
}

func (l OnPrem) service() string {
	if l.Service == "" {
		return DefaultService
	}
	return l.Service
}

func (l OnPrem) fileURL(path string) string {
	return strings.TrimRight(l.URL, "/") + "/" + l.bucket() + "/" + escapePath(path)
}

func (l OnPrem) authorize(req *retryablehttp.Request) {
	req.SetBasicAuth(l.Username, l.Password)
}

// Upload implements Location.
func (l OnPrem) Upload(ctx context.Context, path string, open func() (io.Reader, error)) error {
	return put(ctx, client(l.Client, l.Verify), l.fileURL(path), l.authorize, open)
}

// Delete implements Location.
func (l OnPrem) Delete(ctx context.Context, path string) error {
	return del(ctx, client(l.Client, l.Verify), l.fileURL(path), l.authorize)
}

// UDFPath implements Location.
func (l OnPrem) UDFPath(path string) string {
	return l.service() + "/" + l.bucket() + "/" + strings.TrimLeft(path, "/")
}

// SaaS is the file storage of a SaaS database.
type SaaS struct {
	// URL of the SaaS API, such as https://cloud.exasol.com.
	URL        string
	AccountID  string
	DatabaseID string
	PAT        string
	// Client defaults to a retrying client with the default policy.
	Client *retryablehttp.Client
}

// Service and bucket of the file storage of SaaS databases.
const (
	saasService = "uploads"
	saasBucket  = "default"
)

func (l SaaS) fileURL(path string) string {
	return strings.TrimRight(l.URL, "/") +
		"/api/v1/accounts/" + url.PathEscape(l.AccountID) +
		"/databases/" + url.PathEscape(l.DatabaseID) +
		"/files/" + escapePath(path)
}

func (l SaaS) authorize(req *retryablehttp.Request) {
	req.Header.Set("Authorization", "Bearer "+l.PAT)
}

// Upload implements Location.
func (l SaaS) Upload(ctx context.Context, path string, open func() (io.Reader, error)) error {
	return put(ctx, client(l.Client, true), l.fileURL(path), l.authorize, open)
}

// Delete implements Location.
func (l SaaS) Delete(ctx context.Context, path string) error {
	return del(ctx, client(l.Client, true), l.fileURL(path), l.authorize)
}

// UDFPath implements Location.
func (l SaaS) UDFPath(path string) string {
	return saasService + "/" + saasBucket + "/" + strings.TrimLeft(path, "/")
}

// escapePath escapes every segment of a slash-separated path.
func escapePath(path string) string {
	segments := strings.Split(strings.TrimLeft(path, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

// client returns c, or a new retrying client if c is nil. Skipping the
// certificate validation applies to new clients only.
func client(c *retryablehttp.Client, verify bool) *retryablehttp.Client {
	if c != nil {
		return c
	}
	c = retryablehttp.NewClient()
	c.Logger = nil
	if !verify {
		transport := cleanhttp.DefaultPooledTransport()
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		c.HTTPClient = &http.Client{Transport: transport}
	}
	return c
}

func put(ctx context.Context, c *retryablehttp.Client, u string, authorize func(*retryablehttp.Request), open func() (io.Reader, error)) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, u, retryablehttp.ReaderFunc(open))
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	authorize(req)
	req.Header.Set("Content-Type", "application/octet-stream")
	return send(c, req, "upload")
}

func del(ctx context.Context, c *retryablehttp.Client, u string, authorize func(*retryablehttp.Request)) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	authorize(req)
	return send(c, req, "delete")
}

func send(c *retryablehttp.Client, req *retryablehttp.Request, verb string) error {
	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", verb, redact(req.URL), err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("%s %s: %s: %s", verb, redact(req.URL), resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}

// redact strips credentials from u for error messages.
func redact(u *url.URL) string {
	c := *u
	c.User = nil
	return c.String()
}
