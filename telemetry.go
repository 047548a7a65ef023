package testbackend

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/go-testbackend")
var meter = otel.Meter("github.com/go-digitaltwin/go-testbackend")

const (
	// resourceName is the attribute key associating records with the resource
	// of the session they concern, such as "onprem" or "slc".
	resourceName = "resource"
)

var (
	// sessionDuration measures the lifetime of a session, from Start until every
	// resource was torn down.
	sessionDuration metric.Float64Histogram
	// teardownFailures counts the resources that failed to tear down.
	//
	// Each record is associated with the resourceName.
	teardownFailures metric.Int64Counter
)

func init() {
	var err error
	sessionDuration, err = meter.Float64Histogram(
		"testbackend.session.duration",
		metric.WithDescription("The lifetime of a test session, from the start of provisioning until every resource was torn down."),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic("testbackend: failed to init 'testbackend.session.duration' instrument")
	}

	teardownFailures, err = meter.Int64Counter(
		"testbackend.teardown.failures",
		metric.WithDescription("The number of session resources that failed to tear down."),
	)
	if err != nil {
		panic("testbackend: failed to init 'testbackend.teardown.failures' instrument")
	}
}

func measureSession(ctx context.Context, d time.Duration) {
	sessionDuration.Record(ctx, d.Seconds())
}

func countTeardownFailure(ctx context.Context, resource string) {
	attrs := attribute.NewSet(attribute.String(resourceName, resource))
	teardownFailures.Add(ctx, 1, metric.WithAttributeSet(attrs))
}
