package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/rhythmforge/go/internal/multiplayer/protocol"
)

// ExportedEvent is a gameplay event as the relay sequenced it
type ExportedEvent struct {
	RoomID     string                 `json:"roomId"`
	ServerTime int64                  `json:"serverTime"`
	Event      protocol.GameplayEvent `json:"event"`
}

// MessageID identifies the event for downstream de-duplication. Room sequences
// restart when a room empties, so the emitter and its timestamp are part of it.
func (e ExportedEvent) MessageID() string {
	var seq int64
	if e.Event.ServerSeq != nil {
		seq = *e.Event.ServerSeq
	}
	return fmt.Sprintf("%s:%d:%s:%d", e.RoomID, seq, e.Event.PlayerID, e.Event.EmittedAt)
}

// EventPublisher ships relayed gameplay events to a downstream consumer
type EventPublisher interface {
	Publish(ctx context.Context, event ExportedEvent) error
	Close() error
}

// NoopPublisher discards events; it is used when no event bus is configured
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, event ExportedEvent) error { return nil }
func (NoopPublisher) Close() error                                          { return nil }

// EventExporter decouples publishing from the relay path. Events are queued without
// blocking and dropped when the queue is full; relay delivery never waits on export.
type EventExporter struct {
	publisher EventPublisher
	queue     chan ExportedEvent

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewEventExporter creates an exporter with the given queue size
func NewEventExporter(publisher EventPublisher, queueSize int) *EventExporter {
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	return &EventExporter{
		publisher: publisher,
		queue:     make(chan ExportedEvent, queueSize),
	}
}

// Enqueue schedules an event for publishing
func (e *EventExporter) Enqueue(event ExportedEvent) {
	select {
	case e.queue <- event:
	default:
		e.dropped.Add(1)
		log.Warn().Str("room_id", event.RoomID).Msg("export queue full, dropping gameplay event")
	}
}

// Start publishes queued events until ctx is cancelled
func (e *EventExporter) Start(ctx context.Context) {
	log.Info().Msg("event exporter started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("event exporter shutting down")
			return
		case event := <-e.queue:
			if err := e.publisher.Publish(ctx, event); err != nil {
				e.failed.Add(1)
				log.Error().
					Err(err).
					Str("room_id", event.RoomID).
					Str("message_id", event.MessageID()).
					Msg("failed to export gameplay event")
				continue
			}
			e.published.Add(1)
		}
	}
}

// Close releases the publisher
func (e *EventExporter) Close() error {
	return e.publisher.Close()
}

// ExportStats counts what happened to exported events
type ExportStats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

// Stats returns exporter counters
func (e *EventExporter) Stats() ExportStats {
	return ExportStats{
		Published: e.published.Load(),
		Dropped:   e.dropped.Load(),
		Failed:    e.failed.Load(),
	}
}

func encodeExportedEvent(event ExportedEvent) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}
