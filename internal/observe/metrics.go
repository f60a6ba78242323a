// Package observe provides the observability primitives shared by the relay
// server and the voice client: OpenTelemetry metrics exported to Prometheus,
// tracing helpers, trace-aware logging and an HTTP middleware tying them
// together.
//
// Tests should build [Metrics] with [NewMetrics] over their own
// [metric.MeterProvider]; [DefaultMetrics] uses the global provider.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/voxrelay"

// Relay request outcomes.
const (
	StatusOK       = "ok"
	StatusFallback = "fallback"
)

// Metrics holds every instrument. The OTel types are safe for concurrent use.
type Metrics struct {
	// LLMDuration tracks upstream completion latency. Attributes: provider,
	// status.
	LLMDuration metric.Float64Histogram

	// RelayRequests counts response.create requests by status (ok|fallback).
	RelayRequests metric.Int64Counter

	// AudioFrames counts input_audio_buffer.append frames received.
	AudioFrames metric.Int64Counter

	// ProviderErrors counts upstream failures. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Attributes:
	// provider, state.
	BreakerTransitions metric.Int64Counter

	// ActiveSessions tracks open relay connections.
	ActiveSessions metric.Int64UpDownCounter

	// Turns counts finished client turns. Attribute: outcome
	// (reply|timeout|relay_error|cancelled|not_connected|device_error).
	Turns metric.Int64Counter

	// BargeIns counts replies interrupted by the user.
	BargeIns metric.Int64Counter

	// ResponseLatency tracks commit-to-reply time on the client.
	ResponseLatency metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP handling time. Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, spanning the 8 s
// upstream timeout and the 12 s client deadline.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 12, 20,
}

// NewMetrics creates every instrument from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.LLMDuration, err = m.Float64Histogram("voxrelay.llm.duration",
		metric.WithDescription("Latency of upstream LLM completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResponseLatency, err = m.Float64Histogram("voxrelay.turn.response_latency",
		metric.WithDescription("Time from transcript commit to reply on the client."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxrelay.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.RelayRequests, err = m.Int64Counter("voxrelay.relay.requests",
		metric.WithDescription("Relay requests by status."),
	); err != nil {
		return nil, err
	}
	if met.AudioFrames, err = m.Int64Counter("voxrelay.relay.audio_frames",
		metric.WithDescription("Audio append frames received by the relay."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voxrelay.provider.errors",
		metric.WithDescription("Upstream provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("voxrelay.provider.breaker_transitions",
		metric.WithDescription("Circuit breaker state changes by provider and new state."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("voxrelay.turns",
		metric.WithDescription("Finished conversation turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voxrelay.barge_ins",
		metric.WithDescription("Replies interrupted by the user."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voxrelay.active_sessions",
		metric.WithDescription("Number of open relay sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide [Metrics] built from
// [otel.GetMeterProvider] on first use. It panics if an instrument cannot be
// created.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordLLM records one upstream completion.
func (m *Metrics) RecordLLM(ctx context.Context, provider, status string, d time.Duration) {
	m.LLMDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(Attr("provider", provider), Attr("status", status)),
	)
}

// RecordRelayRequest counts one response.create request.
func (m *Metrics) RecordRelayRequest(ctx context.Context, status string) {
	m.RelayRequests.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
}

// RecordProviderError counts one upstream failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(Attr("provider", provider), Attr("kind", kind)),
	)
}

// RecordBreakerTransition counts one circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(Attr("provider", provider), Attr("state", state)),
	)
}

// RecordTurn counts one finished client turn.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
}
