package paralleltask

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/go-testbackend/paralleltask")
var meter = otel.Meter("github.com/go-digitaltwin/go-testbackend/paralleltask")

// taskName is the attribute key associating each record with the name of the
// task, so that slow or flaky provisioning jobs stand out individually.
const taskName = "task"

var (
	// setupDuration measures how long a task took to become ready, whether its
	// setup succeeded or not.
	setupDuration metric.Float64Histogram
	// setupFailures counts the tasks whose setup failed.
	setupFailures metric.Int64Counter
	// abandonedTasks counts the tasks terminated because Wait expired.
	abandonedTasks metric.Int64Counter
)

func init() {
	var err error
	setupDuration, err = meter.Float64Histogram(
		"paralleltask.setup.duration",
		metric.WithDescription("The duration from starting a task until its worker signalled readiness."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("paralleltask: failed to init 'paralleltask.setup.duration' instrument")
	}

	setupFailures, err = meter.Int64Counter(
		"paralleltask.setup.failures",
		metric.WithDescription("The number of tasks whose setup failed."),
	)
	if err != nil {
		panic("paralleltask: failed to init 'paralleltask.setup.failures' instrument")
	}

	abandonedTasks, err = meter.Int64Counter(
		"paralleltask.abandoned",
		metric.WithDescription("The number of tasks terminated because the caller stopped waiting."),
	)
	if err != nil {
		panic("paralleltask: failed to init 'paralleltask.abandoned' instrument")
	}
}

// measureSetup records the time a task took to become ready, or counts its
// failure.
func measureSetup(ctx context.Context, task string, succeeded bool, d time.Duration) {
	attrs := attribute.NewSet(attribute.String(taskName, task))
	setupDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributeSet(attrs))
	if !succeeded {
		setupFailures.Add(ctx, 1, metric.WithAttributeSet(attrs))
	}
}

func countAbandoned(ctx context.Context, task string) {
	attrs := attribute.NewSet(attribute.String(taskName, task))
	abandonedTasks.Add(ctx, 1, metric.WithAttributeSet(attrs))
}
