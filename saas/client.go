/*
Package saas manages short-lived databases in Exasol SaaS through its REST
API, so that a test session can run against a cloud database created for it
and deleted afterwards.

Creating a database returns long before the database is operational; the
startup takes about 20 minutes. Use [Client.WaitUntilRunning] before
connecting, and allow the address of the test runner with
[Client.AllowedIP].
*/
package saas

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Environment variables holding the Credentials.
const (
	EnvHost      = "SAAS_HOST"
	EnvPAT       = "SAAS_PAT"
	EnvAccountID = "SAAS_ACCOUNT_ID"
)

// Credentials authenticate against an account of the SaaS API.
type Credentials struct {
	// Host is the base URL of the API, such as https://cloud.exasol.com.
	Host      string
	AccountID string
	// PAT is a personal access token.
	PAT string
}

// CredentialsFromEnv reads the Credentials from the environment. Every
// variable must be set to a non-empty value.
func CredentialsFromEnv() (Credentials, error) {
	var missing []string
	get := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}
	c := Credentials{
		Host:      get(EnvHost),
		AccountID: get(EnvAccountID),
		PAT:       get(EnvPAT),
	}
	if len(missing) > 0 {
		return Credentials{}, fmt.Errorf("environment variables are empty: %s", strings.Join(missing, ", "))
	}
	return c, nil
}

// BaseURL returns the Host as a URL without a trailing slash, assuming HTTPS
// if it has no scheme.
func (c Credentials) BaseURL() string {
	base := strings.TrimRight(c.Host, "/")
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	return base
}

// Client calls the SaaS API on behalf of a single account.
type Client struct {
	base         string
	accountID    string
	pat          string
	http         *retryablehttp.Client
	pollInterval time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger of the HTTP retries.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.http.Logger = logger }
}

// WithRetries overrides the number of retries of failed requests and the
// bounds of the wait between them.
func WithRetries(max int, minWait, maxWait time.Duration) Option {
	return func(c *Client) {
		c.http.RetryMax = max
		c.http.RetryWaitMin = minWait
		c.http.RetryWaitMax = maxWait
	}
}

// WithPollInterval sets the initial interval between two status checks of
// WaitUntilRunning.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// NewClient returns a Client for the given account.
func NewClient(cred Credentials, opts ...Option) *Client {
	base := cred.BaseURL()
	hc := retryablehttp.NewClient()
	hc.Logger = slog.Default()
	c := &Client{
		base:         base,
		accountID:    cred.AccountID,
		pat:          cred.PAT,
		http:         hc,
		pollInterval: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError reports a response with an unsuccessful status code.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Method, e.Path, http.StatusText(e.StatusCode))
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// IsNotFound reports whether err is an APIError for a missing resource.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// isClientError reports whether err is an APIError with a 4xx status, which
// retrying the same request does not cure.
func isClientError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
}

// accountPath returns the path of a resource of the account.
func (c *Client) accountPath(format string, args ...any) string {
	return "/api/v1/accounts/" + c.accountID + "/" + fmt.Sprintf(format, args...)
}

// do sends a JSON request and decodes the JSON response into out, unless out
// is nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) (err error) {
	ctx, span := tracer.Start(ctx, "saas "+method, trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("saas.path", path),
	))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			countFailedRequest(ctx, method)
		}
		span.End()
	}()

	var body any
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = b
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.pat)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    string(bytes.TrimSpace(msg)),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
