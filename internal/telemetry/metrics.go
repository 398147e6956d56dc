package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds every instrument Ery records.
type Metrics struct {
	ThreadsSpawned   metric.Int64Counter
	ThreadsFinished  metric.Int64Counter // attribute ery.status
	ThreadsDropped   metric.Int64Counter
	ActiveThreads    metric.Int64UpDownCounter
	LLMCallDuration  metric.Float64Histogram
	TokensUsed       metric.Int64Counter
	LoopIterations   metric.Int64Counter
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
}

// NewMetrics creates all instruments from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.ThreadsSpawned, err = meter.Int64Counter("ery.threads.spawned",
		metric.WithDescription("Task threads spawned"),
	); err != nil {
		return nil, err
	}
	if m.ThreadsFinished, err = meter.Int64Counter("ery.threads.finished",
		metric.WithDescription("Task threads that reached a terminal status"),
	); err != nil {
		return nil, err
	}
	if m.ThreadsDropped, err = meter.Int64Counter("ery.threads.dropped",
		metric.WithDescription("Batches dropped because the guild was at its thread limit"),
	); err != nil {
		return nil, err
	}
	if m.ActiveThreads, err = meter.Int64UpDownCounter("ery.threads.active",
		metric.WithDescription("Task threads currently running in this process"),
	); err != nil {
		return nil, err
	}
	if m.LLMCallDuration, err = meter.Float64Histogram("ery.llm.duration",
		metric.WithDescription("Model provider call duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.TokensUsed, err = meter.Int64Counter("ery.llm.tokens",
		metric.WithDescription("Total tokens consumed"),
	); err != nil {
		return nil, err
	}
	if m.LoopIterations, err = meter.Int64Counter("ery.loop.iterations",
		metric.WithDescription("Agent loop iterations executed"),
	); err != nil {
		return nil, err
	}
	if m.ToolCallDuration, err = meter.Float64Histogram("ery.tool.duration",
		metric.WithDescription("Tool execution duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.ToolCallErrors, err = meter.Int64Counter("ery.tool.errors",
		metric.WithDescription("Failed tool executions"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// ThreadFinished records a terminal thread transition.
func (m *Metrics) ThreadFinished(ctx context.Context, status string) {
	m.ThreadsFinished.Add(ctx, 1, metric.WithAttributes(AttrStatus.String(status)))
}

// ToolExecuted records one tool execution.
func (m *Metrics) ToolExecuted(ctx context.Context, tool string, seconds float64, ok bool) {
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	m.ToolCallDuration.Record(ctx, seconds, attrs)
	if !ok {
		m.ToolCallErrors.Add(ctx, 1, attrs)
	}
}
