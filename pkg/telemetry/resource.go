// Package telemetry builds the OpenTelemetry resource shared by the OTel and
// Prometheus pipelines.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"

	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"
)

// NewResource describes this process: the service name and version, the
// instance identifier used in leader election and any extra attributes.
func NewResource(
	ctx context.Context,
	serviceName,
	serviceVersion,
	instanceID string,
	extraAttrs ...attribute.KeyValue,
) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	}

	if instanceID != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(instanceID))
	}

	attrs = append(attrs, extraAttrs...)

	return resource.New(
		ctx,

		// NOTE: resource.New fails when the detectors use another semconv
		// version; bump the import above when that happens.
		resource.WithSchemaURL(semconv.SchemaURL),

		resource.WithAttributes(attrs...),

		// OTEL_RESOURCE_ATTRIBUTES and OTEL_SERVICE_NAME.
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),

		// Not resource.WithProcess(): its command line arguments would leak the
		// database credentials given as flags.
		resource.WithProcessPID(),
		resource.WithProcessExecutableName(),
		resource.WithProcessOwner(),
		resource.WithProcessRuntimeName(),
		resource.WithProcessRuntimeVersion(),

		resource.WithOS(),
		resource.WithContainer(),
		resource.WithHost(),
	)
}
