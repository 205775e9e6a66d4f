package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the engine's metric instruments. Built once at startup and
// threaded into the components that record them.
type Metrics struct {
	FlowDuration          metric.Float64Histogram
	GateWaitDuration      metric.Float64Histogram
	GateTimeouts          metric.Int64Counter
	ActiveFlows           metric.Int64UpDownCounter
	JobsReset             metric.Int64Counter
	JobsAbandoned         metric.Int64Counter
	DelegationTransitions metric.Int64Counter
	AcksResent            metric.Int64Counter
	AcksEscalated         metric.Int64Counter
}

// NewMetrics creates every instrument from the given meter. The first
// creation error aborts the build.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var err error
	counter := func(name, desc string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = meter.Int64Counter(name, metric.WithDescription(desc))
		return c
	}
	seconds := func(name, desc string) metric.Float64Histogram {
		if err != nil {
			return nil
		}
		var h metric.Float64Histogram
		h, err = meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
		return h
	}

	m := &Metrics{
		FlowDuration:          seconds("goloom.flow.duration", "Flow duration from spawn to terminal state"),
		GateWaitDuration:      seconds("goloom.gate.wait", "Time spent queued for a concurrency slot"),
		GateTimeouts:          counter("goloom.gate.timeouts", "Admissions rejected after queueing past the timeout"),
		JobsReset:             counter("goloom.reaper.reset", "Jobs reset to pending by the startup reaper"),
		JobsAbandoned:         counter("goloom.reaper.abandoned", "Stale jobs abandoned by the startup reaper"),
		DelegationTransitions: counter("goloom.delegation.transitions", "Delegation status transitions"),
		AcksResent:            counter("goloom.ack.resent", "Messages resent after acknowledgment timeout"),
		AcksEscalated:         counter("goloom.ack.escalated", "Acknowledgments escalated after exhausting attempts"),
	}
	if err != nil {
		return nil, err
	}
	m.ActiveFlows, err = meter.Int64UpDownCounter("goloom.flow.active",
		metric.WithDescription("Flows currently holding a concurrency slot"))
	if err != nil {
		return nil, err
	}
	return m, nil
}
