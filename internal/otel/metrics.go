package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all KissBot metrics instruments.
type Metrics struct {
	BusPublished       metric.Int64Counter
	BusHandlerErrors   metric.Int64Counter
	DispatchRequests   metric.Int64Counter
	DispatchLatency    metric.Float64Histogram
	BackendInvocations metric.Int64Counter
	MonitorTransitions metric.Int64Counter
	OutboundMessages   metric.Int64Counter
	CacheHits          metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.BusPublished, err = meter.Int64Counter("kissbot.bus.published",
		metric.WithDescription("Messages published on the internal bus"),
	)
	if err != nil {
		return nil, err
	}

	m.BusHandlerErrors, err = meter.Int64Counter("kissbot.bus.handler_errors",
		metric.WithDescription("Bus handler invocations that failed or panicked"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchRequests, err = meter.Int64Counter("kissbot.dispatch.requests",
		metric.WithDescription("Dispatcher decisions, labelled by backend, class, and outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchLatency, err = meter.Float64Histogram("kissbot.dispatch.latency",
		metric.WithDescription("End-to-end dispatch latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.BackendInvocations, err = meter.Int64Counter("kissbot.backend.invocations",
		metric.WithDescription("Raw backend Invoke calls, labelled by backend and outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.MonitorTransitions, err = meter.Int64Counter("kissbot.monitor.transitions",
		metric.WithDescription("Stream state transitions observed, labelled by transition and source"),
	)
	if err != nil {
		return nil, err
	}

	m.OutboundMessages, err = meter.Int64Counter("kissbot.chat.outbound",
		metric.WithDescription("Messages handed to the chat transport"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheHits, err = meter.Int64Counter("kissbot.cache.hits",
		metric.WithDescription("Response cache hits"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
