package rhmq

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/Zereker/rhmq"

// metrics are recorded through the global meter provider, which is a no-op
// unless the host installs one.
type metrics struct {
	sent            metric.Int64Counter
	received        metric.Int64Counter
	dropped         metric.Int64Counter
	connectTimeouts metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter(meterName)
	m := &metrics{}
	m.sent, _ = meter.Int64Counter("rhmq.messages.sent",
		metric.WithDescription("Number of messages sent"),
		metric.WithUnit("{message}"))
	m.received, _ = meter.Int64Counter("rhmq.messages.received",
		metric.WithDescription("Number of messages received"),
		metric.WithUnit("{message}"))
	m.dropped, _ = meter.Int64Counter("rhmq.messages.dropped",
		metric.WithDescription("Number of messages discarded by ReceiveLast"),
		metric.WithUnit("{message}"))
	m.connectTimeouts, _ = meter.Int64Counter("rhmq.connect.timeouts",
		metric.WithDescription("Number of sockets that exhausted their connect timeout"),
		metric.WithUnit("{socket}"))
	return m
}

// socketAttrs returns the attribute set recorded with every counter of s.
func socketAttrs(s *Socket) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("rhmq.context", s.ctx.name),
		attribute.String("rhmq.socket", s.label),
		attribute.String("rhmq.pattern", s.pattern.String()),
	)
}
