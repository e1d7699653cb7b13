package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// CARDINALITY:
//
// Video ids, names, source URLs and local paths are unbounded and must never
// become span attributes that feed metrics. They belong in logs, which carry
// trace_id/span_id for correlation. Safe attributes are operation names,
// status values, URL schemes and component names.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation wraps fn in a span tagged with the component and outcome.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentDBOperation instruments database operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	t.RecordDBOperation(ctx, operation, outcome(err), time.Since(start))

	return err
}

// InstrumentDownload instruments one transfer run of the download manager.
// The returned status label is one of success, canceled or error.
func (t *Telemetry) InstrumentDownload(ctx context.Context, scheme string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	t.IncrementActiveDownloads(ctx)
	defer t.DecrementActiveDownloads(ctx)

	err := t.InstrumentOperation(ctx, "download", "downloader", func(ctx context.Context) error {
		ctx, span := t.tracer.Start(ctx, "transfer")
		defer span.End()

		span.SetAttributes(attribute.String("download.scheme", scheme))

		return fn(ctx)
	})

	status := outcome(err)
	if errors.Is(err, context.Canceled) || (err != nil && ctx.Err() != nil) {
		status = "canceled"
	}

	t.RecordDownload(ctx, status, time.Since(start))

	return err
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}
