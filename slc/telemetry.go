package slc

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/go-testbackend/slc")
var meter = otel.Meter("github.com/go-digitaltwin/go-testbackend/slc")

var (
	// exportDuration measures how long exporting a container takes.
	exportDuration metric.Float64Histogram
	// exportSize records the size of exported archives.
	exportSize metric.Int64Histogram
)

func init() {
	var err error
	exportDuration, err = meter.Float64Histogram(
		"slc.export.duration",
		metric.WithDescription("The duration of exporting a script-language container."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("slc: failed to init 'slc.export.duration' instrument")
	}
	exportSize, err = meter.Int64Histogram(
		"slc.export.size",
		metric.WithDescription("The size of exported script-language containers."),
		metric.WithUnit("By"),
	)
	if err != nil {
		panic("slc: failed to init 'slc.export.size' instrument")
	}
}

func measureExport(ctx context.Context, succeeded bool, d time.Duration, size int64) {
	attrs := attribute.NewSet(attribute.Bool("succeeded", succeeded))
	exportDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributeSet(attrs))
	if succeeded {
		exportSize.Record(ctx, size)
	}
}
