package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/creativebastard/kimi-rcli/unifiedllm"
)

// StreamMiddleware records a span and request metrics around every model
// stream. Either tracer or metrics may be nil.
func StreamMiddleware(tracer *Tracer, metrics *Metrics, provider string) unifiedllm.StreamMiddleware {
	return func(ctx context.Context, req unifiedllm.Request, next unifiedllm.StreamFunc) (<-chan unifiedllm.StreamEvent, error) {
		start := time.Now()
		var span trace.Span
		if tracer != nil {
			ctx, span = tracer.Start(ctx, "llm."+provider, trace.WithSpanKind(trace.SpanKindClient),
				trace.WithAttributes(
					attribute.String("llm.provider", provider),
					attribute.String("llm.model", req.Model),
					attribute.Int("llm.messages", len(req.Messages)),
				))
		}
		finish := func(status string, usage unifiedllm.Usage, err error) {
			metrics.RecordLLMRequest(provider, req.Model, status, time.Since(start).Seconds(), usage.InputTokens, usage.OutputTokens)
			if span == nil {
				return
			}
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.SetAttributes(
				attribute.Int("llm.usage.input_tokens", usage.InputTokens),
				attribute.Int("llm.usage.output_tokens", usage.OutputTokens),
			)
			span.End()
		}

		events, err := next(ctx, req)
		if err != nil {
			finish("error", unifiedllm.Usage{}, err)
			return nil, err
		}

		out := make(chan unifiedllm.StreamEvent)
		go func() {
			defer close(out)
			status := "success"
			var (
				usage  unifiedllm.Usage
				failed error
			)
			defer func() { finish(status, usage, failed) }()
			for ev := range events {
				switch ev.Type {
				case unifiedllm.StreamUsage, unifiedllm.StreamFinish:
					if ev.Usage != nil {
						usage = *ev.Usage
					}
				case unifiedllm.StreamError:
					status = "error"
					failed = ev.Error
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					status = "cancelled"
					failed = ctx.Err()
					// keep draining so the producer can exit
					for range events {
					}
					return
				}
			}
		}()
		return out, nil
	}
}
