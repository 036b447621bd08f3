package otelhelper

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SetError marks span failed and tags it with errorType, the classification
// used to decide retries.
func SetError(span trace.Span, err error, errorType string) {
	span.RecordError(err, trace.WithAttributes(attribute.String(ErrorTypeKey, errorType)))
	span.SetAttributes(attribute.String(ErrorTypeKey, errorType))
	span.SetStatus(codes.Error, err.Error())
}
