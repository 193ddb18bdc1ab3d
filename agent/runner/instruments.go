package runner

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/BaSui01/cartpilot/agent/runner"

// Recorder 接收运行级别的指标（Prometheus 收集器实现该接口）
type Recorder interface {
	RecordRun(action, status string, duration time.Duration, steps int)
	RecordUsage(inputTokens, outputTokens int, cost float64)
}

// instruments OpenTelemetry 运行指标
type instruments struct {
	tracer trace.Tracer
	// 计数器
	runTotal   metric.Int64Counter
	tokenTotal metric.Int64Counter
	// 直方图
	runDuration metric.Float64Histogram
	runSteps    metric.Int64Histogram
}

func newInstruments(meter metric.Meter, tracer trace.Tracer) (*instruments, error) {
	in := &instruments{tracer: tracer}

	var err error
	in.runTotal, err = meter.Int64Counter("agent.run.total",
		metric.WithDescription("Total number of agent runs"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	in.tokenTotal, err = meter.Int64Counter("agent.token.total",
		metric.WithDescription("Total tokens consumed by agent runs"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	in.runDuration, err = meter.Float64Histogram("agent.run.duration",
		metric.WithDescription("Run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(5, 15, 30, 60, 120, 300, 600, 1800))
	if err != nil {
		return nil, err
	}

	in.runSteps, err = meter.Int64Histogram("agent.run.steps",
		metric.WithDescription("Steps taken per run"),
		metric.WithUnit("{step}"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 15, 20, 25))
	if err != nil {
		return nil, err
	}
	return in, nil
}

// defaultInstruments 使用全局 provider，失败时退回 noop
func defaultInstruments() *instruments {
	in, err := newInstruments(otel.Meter(instrumentationName), otel.Tracer(instrumentationName))
	if err != nil {
		in, _ = newInstruments(noop.NewMeterProvider().Meter(instrumentationName), otel.Tracer(instrumentationName))
	}
	return in
}

func (in *instruments) start(ctx context.Context, spec Spec) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("session.id", spec.Scope.SessionID),
		attribute.String("agent.action", string(spec.Action)),
		attribute.Float64("agent.temperature", spec.Temperature),
	}
	if spec.Scope.ItemIndex != nil {
		attrs = append(attrs, attribute.Int("batch.item_index", *spec.Scope.ItemIndex))
	}
	return in.tracer.Start(ctx, "agent.run", trace.WithAttributes(attrs...))
}

func (in *instruments) end(ctx context.Context, span trace.Span, spec Spec, out Outcome, status string, d time.Duration) {
	defer span.End()

	common := metric.WithAttributes(
		attribute.String("action", string(spec.Action)),
		attribute.String("status", status))
	in.runTotal.Add(ctx, 1, common)
	in.runDuration.Record(ctx, d.Seconds(), common)
	in.runSteps.Record(ctx, int64(out.Steps), metric.WithAttributes(attribute.String("action", string(spec.Action))))

	if out.Usage != nil {
		in.tokenTotal.Add(ctx, int64(out.Usage.InputTokens), metric.WithAttributes(attribute.String("type", "input")))
		in.tokenTotal.Add(ctx, int64(out.Usage.OutputTokens), metric.WithAttributes(attribute.String("type", "output")))
		span.SetAttributes(
			attribute.Int("agent.tokens.total", out.Usage.TotalTokens),
			attribute.Float64("agent.cost", out.Usage.TotalCost))
	}

	span.SetAttributes(
		attribute.String("agent.status", status),
		attribute.Int("agent.steps", out.Steps),
		attribute.Bool("agent.stopped", out.Stopped))
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
	}
}
