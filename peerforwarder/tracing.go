package peerforwarder

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Uses the global tracer provider
var tracer = otel.Tracer("github.com/c360/eventpipe/peerforwarder")

func startForwardSpan(ctx context.Context, peer string, req *ForwardRequest) (context.Context, trace.Span) {
	return tracer.Start(ctx, "peerforwarder.forward",
		trace.WithAttributes(
			attribute.String("peer.address", peer),
			attribute.String("pipeline.name", req.DestinationPipeline),
			attribute.String("plugin.id", req.DestinationPlugin),
			attribute.Int("records.count", len(req.Events)),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

func startReceiveSpan(ctx context.Context, transport string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "peerforwarder.receive",
		trace.WithAttributes(attribute.String("transport", transport)),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func injectTraceHeaders(ctx context.Context, h http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
}

func extractTraceHeaders(ctx context.Context, h http.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(h))
}
