package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "speakeasy"

// Metrics holds every OpenTelemetry instrument Speakeasy records against.
// All fields are safe for concurrent use.
type Metrics struct {
	ActiveSessions    metric.Int64UpDownCounter
	ActiveVoicePeers  metric.Int64UpDownCounter
	ChatMessagesSent  metric.Int64Counter
	PermissionDenials metric.Int64Counter

	DatagramsForwarded metric.Int64Counter
	DatagramsDropped    metric.Int64Counter // attr "reason": congestion|malformed|circuit_open
	ForwardLatency      metric.Float64Histogram

	PluginInvocations metric.Int64Counter // attr "capability", "outcome"
	PluginFaults      metric.Int64Counter // attr "plugin_id"

	CommanderOperations metric.Int64Counter // attr "operation", "outcome"
	RESTRequestDuration metric.Float64Histogram
}

var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

// New builds a Metrics instance bound to mp's default meter.
func New(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	if met.ActiveSessions, err = m.Int64UpDownCounter("speakeasy.sessions.active",
		metric.WithDescription("Currently connected control-plane sessions.")); err != nil {
		return nil, err
	}
	if met.ActiveVoicePeers, err = m.Int64UpDownCounter("speakeasy.media.peers.active",
		metric.WithDescription("Currently registered Media Router peers.")); err != nil {
		return nil, err
	}
	if met.ChatMessagesSent, err = m.Int64Counter("speakeasy.chat.messages",
		metric.WithDescription("Total chat messages accepted by Signaling.")); err != nil {
		return nil, err
	}
	if met.PermissionDenials, err = m.Int64Counter("speakeasy.permission.denials",
		metric.WithDescription("Total operations rejected by the Permission Resolver.")); err != nil {
		return nil, err
	}
	if met.DatagramsForwarded, err = m.Int64Counter("speakeasy.media.datagrams.forwarded",
		metric.WithDescription("Total voice datagrams successfully fanned out.")); err != nil {
		return nil, err
	}
	if met.DatagramsDropped, err = m.Int64Counter("speakeasy.media.datagrams.dropped",
		metric.WithDescription("Total voice datagrams dropped, by reason.")); err != nil {
		return nil, err
	}
	if met.ForwardLatency, err = m.Float64Histogram("speakeasy.media.forward.latency",
		metric.WithDescription("Time from a source pull to a single subscriber send."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if met.PluginInvocations, err = m.Int64Counter("speakeasy.plugin.invocations",
		metric.WithDescription("Total host-function calls made by plugins, by capability and outcome.")); err != nil {
		return nil, err
	}
	if met.PluginFaults, err = m.Int64Counter("speakeasy.plugin.faults",
		metric.WithDescription("Total plugin faults that transitioned a plugin to the error state.")); err != nil {
		return nil, err
	}
	if met.CommanderOperations, err = m.Int64Counter("speakeasy.commander.operations",
		metric.WithDescription("Total admin operations executed, by operation and outcome.")); err != nil {
		return nil, err
	}
	if met.RESTRequestDuration, err = m.Float64Histogram("speakeasy.commander.rest.duration",
		metric.WithDescription("Commander REST request latency."),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// Default returns the package-level Metrics instance, built lazily against
// the current global MeterProvider. Panics on instrument-creation failure,
// which should not happen against a well-formed provider.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := New(otel.GetMeterProvider())
		if err != nil {
			panic("metrics: failed to create default instruments: " + err.Error())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

func (m *Metrics) RecordDatagramDropped(ctx context.Context, reason string) {
	m.DatagramsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordCommanderOperation(ctx context.Context, operation, outcome string) {
	m.CommanderOperations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordPluginInvocation(ctx context.Context, capability, outcome string) {
	m.PluginInvocations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("capability", capability),
		attribute.String("outcome", outcome),
	))
}
