// Package otelzerolog forwards zerolog events to an OpenTelemetry logger.
package otelzerolog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

const instrumentationName = "github.com/kalbasit/dbleader/pkg/otelzerolog"

// OtelWriter implements zerolog.LevelWriter on top of an OpenTelemetry logger.
type OtelWriter struct {
	logger log.Logger
}

// NewOtelWriter returns a writer emitting through provider. A nil provider
// selects the global one, so the writer follows the provider installed by
// the OTel setup even when created before it.
func NewOtelWriter(provider log.LoggerProvider) *OtelWriter {
	if provider == nil {
		provider = global.GetLoggerProvider()
	}

	return &OtelWriter{logger: provider.Logger(instrumentationName)}
}

// Write implements io.Writer.
func (w *OtelWriter) Write(p []byte) (int, error) {
	var entry map[string]any
	if err := json.Unmarshal(p, &entry); err != nil {
		return 0, err
	}

	w.logger.Emit(context.Background(), newRecord(entry))

	return len(p), nil
}

// WriteLevel implements zerolog.LevelWriter.
func (w *OtelWriter) WriteLevel(_ zerolog.Level, p []byte) (int, error) {
	return w.Write(p)
}

func newRecord(entry map[string]any) log.Record {
	var rec log.Record

	level := zerolog.InfoLevel

	if levelStr, ok := entry[zerolog.LevelFieldName].(string); ok {
		if l, err := zerolog.ParseLevel(levelStr); err == nil {
			level = l
		}

		delete(entry, zerolog.LevelFieldName)
	}

	rec.SetSeverity(convertLevel(level))
	rec.SetSeverityText(level.String())

	if msg, ok := entry[zerolog.MessageFieldName].(string); ok {
		rec.SetBody(log.StringValue(msg))

		delete(entry, zerolog.MessageFieldName)
	}

	if ts, ok := entry[zerolog.TimestampFieldName].(string); ok {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			rec.SetTimestamp(t)

			delete(entry, zerolog.TimestampFieldName)
		}
	}

	rec.AddAttributes(getKeyValueForMap(entry)...)

	return rec
}

func convertLevel(level zerolog.Level) log.Severity {
	switch level {
	case zerolog.TraceLevel:
		return log.SeverityTrace
	case zerolog.DebugLevel:
		return log.SeverityDebug
	case zerolog.InfoLevel, zerolog.NoLevel, zerolog.Disabled:
		return log.SeverityInfo
	case zerolog.WarnLevel:
		return log.SeverityWarn
	case zerolog.ErrorLevel:
		return log.SeverityError
	case zerolog.FatalLevel, zerolog.PanicLevel:
		return log.SeverityFatal
	default:
		return log.SeverityInfo
	}
}

func getKeyValueForMap(m map[string]any) []log.KeyValue {
	kvs := make([]log.KeyValue, 0, len(m))

	for k, v := range m {
		kvs = append(kvs, log.KeyValue{Key: k, Value: getValue(v)})
	}

	return kvs
}

func getValuesForSlice(vals []any) []log.Value {
	vs := make([]log.Value, 0, len(vals))

	for _, v := range vals {
		vs = append(vs, getValue(v))
	}

	return vs
}

func getValue(v any) log.Value {
	switch val := v.(type) {
	case nil:
		return log.Value{}
	case bool:
		return log.BoolValue(val)
	case float64:
		// JSON numbers are all float64; keep integers as such.
		if ival := int64(val); float64(ival) == val {
			return log.Int64Value(ival)
		}

		return log.Float64Value(val)
	case string:
		return log.StringValue(val)
	case []any:
		return log.SliceValue(getValuesForSlice(val)...)
	case map[string]any:
		return log.MapValue(getKeyValueForMap(val)...)
	default:
		return log.StringValue(fmt.Sprint(val))
	}
}
