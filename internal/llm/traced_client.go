package llm

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "trialtrends/llm"

// TracedClient wraps a StructuredGenerator with an OpenTelemetry span per call
type TracedClient struct {
	client StructuredGenerator
	tracer trace.Tracer
}

// NewTracedClient creates a traced generator using the global tracer provider
func NewTracedClient(client StructuredGenerator) *TracedClient {
	return &TracedClient{
		client: client,
		tracer: otel.Tracer(tracerName),
	}
}

// Provider returns the wrapped generator's provider
func (tc *TracedClient) Provider() string {
	return tc.client.Provider()
}

// GenerateStructured generates structured output with tracing
func (tc *TracedClient) GenerateStructured(ctx context.Context, req StructuredRequest) (json.RawMessage, error) {
	ctx, span := tc.tracer.Start(ctx, "llm.generate_structured", trace.WithAttributes(
		attribute.String("llm.provider", tc.client.Provider()),
		attribute.String("llm.function", req.FunctionName),
		attribute.Float64("llm.temperature", req.Temperature),
		attribute.Int("llm.max_tokens", req.MaxTokens),
		attribute.Int("llm.prompt_tokens_estimate", estimateTokens(req.System+req.User, "")),
	))
	defer span.End()

	startTime := time.Now()
	result, err := tc.client.GenerateStructured(ctx, req)
	span.SetAttributes(attribute.Int64("llm.latency_ms", time.Since(startTime).Milliseconds()))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("llm.completion_tokens_estimate", estimateTokens("", string(result))))
	return result, nil
}

// estimateTokens provides a rough token count estimate (4 chars per token)
func estimateTokens(prompt, completion string) int {
	return (len(prompt) + len(completion)) / 4
}
