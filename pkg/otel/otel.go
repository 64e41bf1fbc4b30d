// Package otel wires the OpenTelemetry trace, metric and log pipelines of the
// process.
package otel

import (
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"golang.org/x/sync/errgroup"

	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// exporterMode selects where the signals go.
type exporterMode int

const (
	modeDiscard exporterMode = iota
	modeStdout
	modeGRPC
)

func (m exporterMode) String() string {
	switch m {
	case modeDiscard:
		return "discard"
	case modeStdout:
		return "stdout"
	case modeGRPC:
		return "grpc"
	default:
		return "unknown"
	}
}

func modeFor(enabled bool, colURL string) exporterMode {
	switch {
	case enabled && colURL != "":
		return modeGRPC
	case enabled:
		return modeStdout
	default:
		return modeDiscard
	}
}

// SetupOTelSDK installs the global tracer, meter and logger providers along
// with the W3C propagators. With enabled false the signals are discarded, with
// an empty colURL they are pretty printed to stdout and otherwise they are
// exported to the OTLP gRPC collector at colURL.
//
// The returned shutdown flushes and stops every provider; it must be called
// even when SetupOTelSDK fails.
func SetupOTelSDK(
	ctx context.Context,
	enabled bool,
	colURL string,
	res *resource.Resource,
) (func(context.Context) error, error) {
	var shutdownFuncs []func(context.Context) error

	// each registered cleanup runs once, concurrently with the others.
	shutdown := func(ctx context.Context) error {
		defer func() {
			shutdownFuncs = nil
		}()

		g, ctx := errgroup.WithContext(ctx)

		for _, fn := range shutdownFuncs {
			g.Go(func() error {
				return fn(ctx)
			})
		}

		return g.Wait()
	}

	handleErr := func(inErr error) error {
		return errors.Join(inErr, shutdown(ctx))
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	mode := modeFor(enabled, colURL)

	ctx = zerolog.Ctx(ctx).
		With().
		Str("otel_exporter", mode.String()).
		Str("otel_grpc_url", colURL).
		Logger().
		WithContext(ctx)

	tracerProvider, err := newTraceProvider(ctx, mode, colURL, res)
	if err != nil {
		return shutdown, handleErr(err)
	}

	shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)
	otel.SetTracerProvider(tracerProvider)

	meterProvider, err := newMeterProvider(ctx, mode, colURL, res)
	if err != nil {
		return shutdown, handleErr(err)
	}

	shutdownFuncs = append(shutdownFuncs, meterProvider.Shutdown)
	otel.SetMeterProvider(meterProvider)

	loggerProvider, err := newLoggerProvider(ctx, mode, colURL, res)
	if err != nil {
		return shutdown, handleErr(err)
	}

	shutdownFuncs = append(shutdownFuncs, loggerProvider.Shutdown)
	global.SetLoggerProvider(loggerProvider)

	zerolog.Ctx(ctx).
		Debug().
		Msg("OpenTelemetry providers installed")

	return shutdown, nil
}

func newTraceProvider(
	ctx context.Context,
	mode exporterMode,
	colURL string,
	res *resource.Resource,
) (*sdktrace.TracerProvider, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)

	switch mode {
	case modeGRPC:
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithEndpointURL(colURL))
	case modeStdout:
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case modeDiscard:
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(io.Discard))
	}

	if err != nil {
		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Msg("error setting up the tracer provider")

		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

func newMeterProvider(
	ctx context.Context,
	mode exporterMode,
	colURL string,
	res *resource.Resource,
) (*sdkmetric.MeterProvider, error) {
	var (
		exporter sdkmetric.Exporter
		err      error
	)

	switch mode {
	case modeGRPC:
		exporter, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpointURL(colURL))
	case modeStdout:
		exporter, err = stdoutmetric.New()
	case modeDiscard:
		exporter, err = stdoutmetric.New(stdoutmetric.WithWriter(io.Discard))
	}

	if err != nil {
		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Msg("error setting up the meter provider")

		return nil, err
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
	), nil
}

func newLoggerProvider(
	ctx context.Context,
	mode exporterMode,
	colURL string,
	res *resource.Resource,
) (*sdklog.LoggerProvider, error) {
	var (
		exporter sdklog.Exporter
		err      error
	)

	switch mode {
	case modeGRPC:
		exporter, err = otlploggrpc.New(ctx, otlploggrpc.WithEndpointURL(colURL))
	case modeStdout:
		exporter, err = stdoutlog.New()
	case modeDiscard:
		exporter, err = stdoutlog.New(stdoutlog.WithWriter(io.Discard))
	}

	if err != nil {
		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Msg("error setting up the logger provider")

		return nil, err
	}

	return sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
		sdklog.WithResource(res),
	), nil
}
