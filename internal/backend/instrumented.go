package backend

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"StreamChat/internal/session"
)

// Instrumented records a span and stream metrics around another Client
type Instrumented struct {
	name      string
	next      Client
	tracer    trace.Tracer
	fragments metric.Int64Counter
	duration  metric.Float64Histogram
	firstByte metric.Float64Histogram
}

// NewInstrumented wraps next. Spans are named "<name>_stream".
func NewInstrumented(name string, next Client, tracer trace.Tracer, meter metric.Meter) (*Instrumented, error) {
	fragments, err := meter.Int64Counter(
		"llm.stream.fragments",
		metric.WithDescription("Text fragments received from the model"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram(
		"llm.stream.duration",
		metric.WithDescription("Stream duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	firstByte, err := meter.Float64Histogram(
		"llm.stream.time_to_first_fragment",
		metric.WithDescription("Time until the first fragment in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &Instrumented{
		name:      name,
		next:      next,
		tracer:    tracer,
		fragments: fragments,
		duration:  duration,
		firstByte: firstByte,
	}, nil
}

func (i *Instrumented) StreamCompletion(ctx context.Context, history []session.Turn, modelID string) (<-chan Chunk, error) {
	ctx, span := i.tracer.Start(ctx, i.name+"_stream", trace.WithAttributes(
		attribute.String("llm.model", modelID),
		attribute.Int("llm.history.turns", len(history)),
	))
	start := time.Now()

	in, err := i.next.StreamCompletion(ctx, history, modelID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}

	attrs := metric.WithAttributes(attribute.String("llm.backend", i.name), attribute.String("llm.model", modelID))
	out := make(chan Chunk, chunkBuffer)
	go func() {
		defer close(out)
		defer span.End()

		var count int64
		for c := range in {
			if c.Err != nil {
				span.RecordError(c.Err)
				span.SetStatus(codes.Error, c.Err.Error())
			} else {
				if count == 0 {
					i.firstByte.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
				}
				count++
			}
			// keep draining so the inner reader can finish and close its body
			if !emit(ctx, out, c) {
				for range in {
				}
				break
			}
		}

		i.fragments.Add(context.WithoutCancel(ctx), count, attrs)
		i.duration.Record(context.WithoutCancel(ctx), float64(time.Since(start).Milliseconds()), attrs)
		span.SetAttributes(attribute.Int64("llm.stream.fragments", count))
	}()
	return out, nil
}
