package testbackend

import (
	"flag"
	"log/slog"
	"time"

	"github.com/go-digitaltwin/go-testbackend/config"
	"github.com/go-digitaltwin/go-testbackend/saas"
	"github.com/go-digitaltwin/go-testbackend/slc"
)

// DefaultLanguageAlias is the alias under which UploadLanguageContainer
// activates the container unless WithLanguageAlias says otherwise.
const DefaultLanguageAlias = "PYTHON3_TE"

// Settings configure a session. Most of them are flags; see Register.
type Settings struct {
	Backends backendSet
	// ShortTag abbreviates the project in the names of created databases.
	ShortTag         string
	SaaSDatabaseID   string
	KeepSaaSDatabase bool
	SaaSMaxIdleHours float64
	// SaaSTimeout bounds the wait for a created SaaS database to run.
	SaaSTimeout time.Duration
	// Isolate provisions every backend in a worker process.
	Isolate bool
	// Timeout bounds the wait for a resource; zero waits forever.
	Timeout time.Duration
	// Inspect keeps the resources of a failed run until interrupted.
	Inspect bool
	// Artifacts is the URL of the blob bucket holding exported containers.
	Artifacts string

	Exasol   *config.Group
	BucketFS *config.Group
	SSH      *config.Group
	ITDE     *config.Group

	// Builder exports the script-language container; nil exports none.
	Builder       slc.Builder
	LanguageAlias string
	Logger        *slog.Logger
}

// NewSettings returns the default settings.
func NewSettings() *Settings {
	return &Settings{
		SaaSMaxIdleHours: saas.DefaultIdleTime.Hours(),
		SaaSTimeout:      saas.DefaultStartupTimeout,
		Artifacts:        "mem://",
		Exasol:           config.Exasol(),
		BucketFS:         config.BucketFS(),
		SSH:              config.SSH(),
		ITDE:             config.ITDE(),
		LanguageAlias:    DefaultLanguageAlias,
	}
}

// Register defines the flags of the settings in fs.
func (s *Settings) Register(fs *flag.FlagSet) {
	fs.Var(&s.Backends, "backend", "backend to run the tests against: onprem, saas or all (repeatable); nothing selected skips every backend test")
	fs.StringVar(&s.ShortTag, "project-short-tag", s.ShortTag, "short tag of the project, included in the names of created databases (default from error_code_config.yml)")
	fs.StringVar(&s.SaaSDatabaseID, "saas-database-id", s.SaaSDatabaseID, "ID of an existing SaaS database to use instead of creating one")
	fs.BoolVar(&s.KeepSaaSDatabase, "keep-saas-database", s.KeepSaaSDatabase, "keep the SaaS database created for the session for inspection or reuse")
	fs.Float64Var(&s.SaaSMaxIdleHours, "saas-max-idle-hours", s.SaaSMaxIdleHours, "hours of inactivity after which the SaaS cluster stops")
	fs.DurationVar(&s.SaaSTimeout, "saas-timeout", s.SaaSTimeout, "maximum wait for a created SaaS database to run")
	fs.BoolVar(&s.Isolate, "testbackend.isolate", s.Isolate, "provision every backend in a worker process")
	fs.DurationVar(&s.Timeout, "testbackend.timeout", s.Timeout, "maximum wait for a backend to become ready (0 waits forever)")
	fs.BoolVar(&s.Inspect, "testbackend.inspect", s.Inspect, "keep the backends of a failed run for inspection until interrupted")
	fs.StringVar(&s.Artifacts, "testbackend.artifacts", s.Artifacts, "URL of the blob bucket storing exported script-language containers")
	s.Exasol.Register(fs)
	s.BucketFS.Register(fs)
	s.SSH.Register(fs)
	s.ITDE.Register(fs)
}

func (s *Settings) idleTime() time.Duration {
	return time.Duration(s.SaaSMaxIdleHours * float64(time.Hour))
}

// Option customises the settings of Run beyond its flags.
type Option func(*Settings)

// WithBuilder exports a script-language container with b in the background
// whenever a backend is selected.
func WithBuilder(b slc.Builder) Option {
	return func(s *Settings) { s.Builder = b }
}

// WithLanguageAlias sets the alias of the uploaded language container.
func WithLanguageAlias(alias string) Option {
	return func(s *Settings) { s.LanguageAlias = alias }
}

// WithLogger sets the logger of the session; it defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Settings) { s.Logger = logger }
}
