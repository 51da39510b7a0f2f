package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all AgentLens metrics instruments.
type Metrics struct {
	IngestDuration  metric.Float64Histogram
	EventsAccepted  metric.Int64Counter
	EventsDuplicate metric.Int64Counter
	EventsRejected  metric.Int64Counter
	EventsBroadcast metric.Int64Counter
	Subscribers     metric.Int64UpDownCounter
	SlowDrops       metric.Int64Counter
	FlushDuration   metric.Float64Histogram
	DeadLetters     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.IngestDuration, err = meter.Float64Histogram("agentlens.ingest.duration",
		metric.WithDescription("Ingestion request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsAccepted, err = meter.Int64Counter("agentlens.events.accepted",
		metric.WithDescription("Events accepted and stored"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsDuplicate, err = meter.Int64Counter("agentlens.events.duplicate",
		metric.WithDescription("Events refused as already-stored duplicates"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsRejected, err = meter.Int64Counter("agentlens.events.rejected",
		metric.WithDescription("Events rejected as malformed"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsBroadcast, err = meter.Int64Counter("agentlens.events.broadcast",
		metric.WithDescription("Events fanned out to live subscribers"),
	)
	if err != nil {
		return nil, err
	}

	m.Subscribers, err = meter.Int64UpDownCounter("agentlens.stream.subscribers",
		metric.WithDescription("Currently connected live-stream subscribers"),
	)
	if err != nil {
		return nil, err
	}

	m.SlowDrops, err = meter.Int64Counter("agentlens.stream.slow_drops",
		metric.WithDescription("Subscribers disconnected for not keeping up"),
	)
	if err != nil {
		return nil, err
	}

	m.FlushDuration, err = meter.Float64Histogram("agentlens.flush.duration",
		metric.WithDescription("Queue drain pass duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DeadLetters, err = meter.Int64Counter("agentlens.queue.dead_letters",
		metric.WithDescription("Entries moved to the dead letter file"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
