package onprem

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/go-testbackend/onprem")
var meter = otel.Meter("github.com/go-digitaltwin/go-testbackend/onprem")

var (
	// spawnDuration measures how long a database container took to accept
	// connections.
	spawnDuration metric.Float64Histogram
	// spawnFailures counts the containers that never became ready.
	spawnFailures metric.Int64Counter
)

func init() {
	var err error
	spawnDuration, err = meter.Float64Histogram(
		"onprem.spawn.duration",
		metric.WithDescription("The duration from starting a database container until it accepted connections."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("onprem: failed to init 'onprem.spawn.duration' instrument")
	}

	spawnFailures, err = meter.Int64Counter(
		"onprem.spawn.failures",
		metric.WithDescription("The number of database containers that failed to start."),
	)
	if err != nil {
		panic("onprem: failed to init 'onprem.spawn.failures' instrument")
	}
}

func measureSpawn(ctx context.Context, succeeded bool, d time.Duration) {
	if succeeded {
		spawnDuration.Record(ctx, float64(d)/float64(time.Millisecond))
	} else {
		spawnFailures.Add(ctx, 1)
	}
}
