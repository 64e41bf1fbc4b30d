package lock

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	otelPackageName = "github.com/kalbasit/dbleader/pkg/lock"

	// AttemptResultSuccess is recorded when the lock statement was granted.
	AttemptResultSuccess = "success"
	// AttemptResultContention is recorded when another peer holds the lock.
	AttemptResultContention = "contention"
	// AttemptResultFault is recorded for any other failure.
	AttemptResultFault = "fault"

	handlerOperationStart = "start"
	handlerOperationStop  = "stop"
	handlerOperationFlush = "flush"
)

var (
	//nolint:gochecknoglobals
	meter metric.Meter

	// lockAttemptsTotal tracks lock statement executions by result.
	//nolint:gochecknoglobals
	lockAttemptsTotal metric.Int64Counter

	// lockReconnectsTotal tracks how many sessions were discarded after a fault.
	//nolint:gochecknoglobals
	lockReconnectsTotal metric.Int64Counter

	// lockHandlerFailuresTotal tracks failover handler errors and panics.
	//nolint:gochecknoglobals
	lockHandlerFailuresTotal metric.Int64Counter

	// lockActive is 1 while this process holds the lock.
	//nolint:gochecknoglobals
	lockActive metric.Int64UpDownCounter
)

//nolint:gochecknoinits
func init() {
	meter = otel.Meter(otelPackageName)

	var err error

	lockAttemptsTotal, err = meter.Int64Counter(
		"dbleader_lock_attempts_total",
		metric.WithDescription("Total number of lock statement executions"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		panic(err)
	}

	lockReconnectsTotal, err = meter.Int64Counter(
		"dbleader_lock_reconnects_total",
		metric.WithDescription("Total number of lock sessions discarded after a fault"),
		metric.WithUnit("{reconnect}"),
	)
	if err != nil {
		panic(err)
	}

	lockHandlerFailuresTotal, err = meter.Int64Counter(
		"dbleader_lock_handler_failures_total",
		metric.WithDescription("Total number of failover handler failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		panic(err)
	}

	lockActive, err = meter.Int64UpDownCounter(
		"dbleader_lock_active",
		metric.WithDescription("Whether this instance currently holds the lock"),
		metric.WithUnit("{instance}"),
	)
	if err != nil {
		panic(err)
	}
}

// RecordLockAttempt records one execution of the lock statement.
// result should be "success", "contention" or "fault".
func RecordLockAttempt(ctx context.Context, dialect, result string) {
	if lockAttemptsTotal == nil {
		return
	}

	lockAttemptsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("dialect", dialect),
			attribute.String("result", result),
		),
	)
}

// RecordReconnect records a discarded session.
func RecordReconnect(ctx context.Context, dialect string) {
	if lockReconnectsTotal == nil {
		return
	}

	lockReconnectsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("dialect", dialect),
		),
	)
}

// RecordHandlerFailure records a failed failover handler call.
// operation should be "start" or "stop".
func RecordHandlerFailure(ctx context.Context, operation string) {
	if lockHandlerFailuresTotal == nil {
		return
	}

	lockHandlerFailuresTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("operation", operation),
		),
	)
}

// recordActiveChange moves the active gauge by delta (+1 or -1).
func recordActiveChange(ctx context.Context, delta int64) {
	if lockActive == nil {
		return
	}

	lockActive.Add(ctx, delta)
}
