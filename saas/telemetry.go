package saas

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/go-testbackend/saas")
var meter = otel.Meter("github.com/go-digitaltwin/go-testbackend/saas")

// failedRequests counts the API requests that failed after all retries.
var failedRequests metric.Int64Counter

func init() {
	var err error
	failedRequests, err = meter.Int64Counter(
		"saas.requests.failures",
		metric.WithDescription("The number of SaaS API requests that failed after all retries."),
	)
	if err != nil {
		panic("saas: failed to init 'saas.requests.failures' instrument")
	}
}

func countFailedRequest(ctx context.Context, method string) {
	attrs := attribute.NewSet(attribute.String("http.method", method))
	failedRequests.Add(ctx, 1, metric.WithAttributeSet(attrs))
}
