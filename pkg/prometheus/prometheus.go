// Package prometheus exposes the OpenTelemetry metrics of the process in the
// Prometheus exposition format.
package prometheus

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	prometheus "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// SetupPrometheusMetrics installs a global meter provider reading into a
// dedicated Prometheus registry and returns that registry for scraping.
//
// It replaces any meter provider installed by the OTel setup, so the metrics
// are only available through the returned Gatherer.
func SetupPrometheusMetrics(
	_ context.Context,
	res *resource.Resource,
) (promclient.Gatherer, func(context.Context) error, error) {
	registry := promclient.NewRegistry()

	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, nil, err
	}

	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, nil, err
	}

	exporter, err := prometheus.New(
		prometheus.WithRegisterer(registry),
	)
	if err != nil {
		return nil, nil, err
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(meterProvider)

	return registry, meterProvider.Shutdown, nil
}
