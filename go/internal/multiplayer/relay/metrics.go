package relay

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// MetricsCollector records the outcome of each export attempt
type MetricsCollector interface {
	RecordEventExported(eventType string, success bool, duration time.Duration)
}

// NoOpMetricsCollector is used when export metrics aren't needed
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordEventExported(eventType string, success bool, duration time.Duration) {
}

// MetricPublisher wraps an EventPublisher with metrics collection
type MetricPublisher struct {
	publisher EventPublisher
	metrics   MetricsCollector
	clock     clockwork.Clock
}

func NewMetricPublisher(publisher EventPublisher, metrics MetricsCollector, clock clockwork.Clock) *MetricPublisher {
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	if metrics == nil {
		metrics = NoOpMetricsCollector{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MetricPublisher{
		publisher: publisher,
		metrics:   metrics,
		clock:     clock,
	}
}

func (p *MetricPublisher) Publish(ctx context.Context, event ExportedEvent) error {
	start := p.clock.Now()

	err := p.publisher.Publish(ctx, event)

	p.metrics.RecordEventExported(string(event.Event.EventType), err == nil, p.clock.Since(start))
	return err
}

func (p *MetricPublisher) Close() error {
	return p.publisher.Close()
}

// EventTypeMetrics is the per event type summary served on /stats
type EventTypeMetrics struct {
	Exported     uint64 `json:"exported"`
	Failed       uint64 `json:"failed"`
	MaxLatencyMs int64  `json:"maxLatencyMs"`
}

// StatsCollector keeps export metrics in memory
type StatsCollector struct {
	mu     sync.Mutex
	byType map[string]EventTypeMetrics
}

func NewStatsCollector() *StatsCollector {
	return &StatsCollector{byType: make(map[string]EventTypeMetrics)}
}

func (s *StatsCollector) RecordEventExported(eventType string, success bool, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.byType[eventType]
	if success {
		m.Exported++
	} else {
		m.Failed++
	}
	if ms := duration.Milliseconds(); ms > m.MaxLatencyMs {
		m.MaxLatencyMs = ms
	}
	s.byType[eventType] = m
}

// Snapshot returns a copy of the collected metrics keyed by event type
func (s *StatsCollector) Snapshot() map[string]EventTypeMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]EventTypeMetrics, len(s.byType))
	for k, v := range s.byType {
		out[k] = v
	}
	return out
}
