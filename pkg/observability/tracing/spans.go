package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanOperation names a traced queue operation.
type SpanOperation string

const (
	SpanOperationMsgPublish SpanOperation = "publish"
	SpanOperationMsgConsume SpanOperation = "receive"
	SpanOperationMsgProcess SpanOperation = "process"
)

const instrumentationScope = "github.com/nimburion/runqueue/jobs"

// JobSpan describes the job a span covers. Zero fields are left off the span.
type JobSpan struct {
	System      string
	Queue       string
	MsgID       string
	RunID       string
	Attempt     int
	MaxAttempts int
	PayloadSize int
}

func (j JobSpan) attributes(op SpanOperation) []attribute.KeyValue {
	kv := []attribute.KeyValue{attribute.String("messaging.operation", string(op))}
	add := func(key, value string) {
		if value != "" {
			kv = append(kv, attribute.String(key, value))
		}
	}
	add("messaging.system", j.System)
	add("messaging.destination.name", j.Queue)
	add("messaging.message.id", j.MsgID)
	add("runqueue.run_id", j.RunID)
	if j.Attempt > 0 {
		kv = append(kv, attribute.Int("runqueue.attempt", j.Attempt))
	}
	if j.MaxAttempts > 0 {
		kv = append(kv, attribute.Int("runqueue.max_attempts", j.MaxAttempts))
	}
	if j.PayloadSize > 0 {
		kv = append(kv, attribute.Int("messaging.message.body.size", j.PayloadSize))
	}
	return kv
}

// StartJobSpan opens a span named "<queue> <operation>". Publishing is a producer span,
// everything else a consumer span.
func StartJobSpan(ctx context.Context, op SpanOperation, job JobSpan) (context.Context, trace.Span) {
	name := string(op)
	if job.Queue != "" {
		name = job.Queue + " " + name
	}
	kind := trace.SpanKindConsumer
	if op == SpanOperationMsgPublish {
		kind = trace.SpanKindProducer
	}
	return otel.Tracer(instrumentationScope).Start(ctx, name,
		trace.WithSpanKind(kind),
		trace.WithAttributes(job.attributes(op)...),
	)
}

// RecordError marks span failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks span OK.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
