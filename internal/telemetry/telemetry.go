package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const scopeName = "github.com/perchlabs/perch"

// Telemetry bundles the logger, event bus, tracer, and counters shared by
// runtime components.
type Telemetry struct {
	Log *zap.Logger
	Bus *Bus

	tracer trace.Tracer
	meter  metric.Meter

	Invokes        metric.Int64Counter
	AlarmFires     metric.Int64Counter
	ClaimConflicts metric.Int64Counter
	StoreErrors    metric.Int64Counter
}

// New builds a Telemetry using the global otel providers. A nil logger is
// replaced with a nop logger.
func New(log *zap.Logger) *Telemetry {
	if log == nil {
		log = zap.NewNop()
	}
	t := &Telemetry{
		Log:    log,
		Bus:    NewBus(log),
		tracer: otel.Tracer(scopeName),
		meter:  otel.Meter(scopeName),
	}
	t.Invokes, _ = t.meter.Int64Counter("perch.invokes")
	t.AlarmFires, _ = t.meter.Int64Counter("perch.alarm.fires")
	t.ClaimConflicts, _ = t.meter.Int64Counter("perch.alarm.claim_conflicts")
	t.StoreErrors, _ = t.meter.Int64Counter("perch.store.errors")
	return t
}

// Nop builds a Telemetry that logs nowhere. The bus still dispatches, so
// tests can count events.
func Nop() *Telemetry {
	return New(zap.NewNop())
}

// Op is one start/stop/exception span: an otel span plus the matching bus
// events.
type Op struct {
	t     *Telemetry
	path  []string
	meta  map[string]any
	span  trace.Span
	start time.Time
	done  bool
}

// StartOp opens a span named by joining path and emits the start event with
// a system_time measurement.
func (t *Telemetry) StartOp(ctx context.Context, path []string, meta map[string]any) (context.Context, *Op) {
	start := time.Now()
	attrs := make([]attribute.KeyValue, 0, len(meta))
	for k, v := range meta {
		attrs = append(attrs, attribute.String(k, fmt.Sprintf("%v", v)))
	}
	ctx, span := t.tracer.Start(ctx, joinPath(path), trace.WithAttributes(attrs...))
	t.Bus.Emit(Event{
		Path:         append(append([]string{}, path...), "start"),
		Measurements: map[string]any{"system_time": start},
		Metadata:     meta,
		Time:         start,
	})
	return ctx, &Op{t: t, path: path, meta: meta, span: span, start: start}
}

// Stop closes the span successfully and emits the stop event with the
// duration measurement.
func (o *Op) Stop() {
	if o.done {
		return
	}
	o.done = true
	d := time.Since(o.start)
	o.span.End()
	o.t.Bus.Emit(Event{
		Path:         append(append([]string{}, o.path...), "stop"),
		Measurements: map[string]any{"duration": d},
		Metadata:     o.meta,
	})
}

// Exception closes the span with an error status and emits the exception
// event carrying kind and cause.
func (o *Op) Exception(kind string, cause error) {
	if o.done {
		return
	}
	o.done = true
	d := time.Since(o.start)
	o.span.RecordError(cause)
	o.span.SetStatus(codes.Error, kind)
	o.span.End()
	o.t.Bus.Emit(Event{
		Path: append(append([]string{}, o.path...), "exception"),
		Measurements: map[string]any{
			"duration": d,
			"kind":     kind,
			"cause":    cause,
			"trace":    o.span.SpanContext().TraceID().String(),
		},
		Metadata: o.meta,
	})
}

func joinPath(path []string) string {
	out := ""
	for i, p := range path {
		if i > 0 {
			out += "."
		}
		out += p
	}
	return out
}
