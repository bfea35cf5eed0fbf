package relay

import (
	"context"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Service is the room relay: it owns the room registry, the connection manager and
// the gameplay event exporter for the lifetime of the process.
type Service struct {
	registry          *Registry
	connectionManager *ConnectionManager
	exporter          *EventExporter
	metrics           *StatsCollector
	wsHandler         *WebSocketHandler
}

// Config holds configuration for the relay service
type Config struct {
	ConnectionConfig ConnectionConfig
	ExportQueueSize  int
	Clock            clockwork.Clock
}

// DefaultConfig returns default configuration for the relay
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		ExportQueueSize:  1000,
		Clock:            clockwork.NewRealClock(),
	}
}

// NewService creates a relay service. A nil publisher disables event export.
func NewService(config Config, publisher EventPublisher) *Service {
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}

	registry := NewRegistry()
	metrics := NewStatsCollector()
	exporter := NewEventExporter(NewMetricPublisher(publisher, metrics, config.Clock), config.ExportQueueSize)
	connectionManager := NewConnectionManager(config.ConnectionConfig, registry, exporter, config.Clock)

	return &Service{
		registry:          registry,
		connectionManager: connectionManager,
		exporter:          exporter,
		metrics:           metrics,
		wsHandler:         NewWebSocketHandler(connectionManager, exporter, metrics),
	}
}

// Start runs the exporter until ctx is cancelled, then stops the service
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting relay service")

	go s.exporter.Start(ctx)

	<-ctx.Done()

	log.Info().Msg("relay service shutting down")
	return s.Stop()
}

// Stop closes every connection and releases the event publisher
func (s *Service) Stop() error {
	s.connectionManager.CloseAll()
	if err := s.exporter.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close event publisher")
		return err
	}
	log.Info().Msg("relay service stopped")
	return nil
}

// Registry returns the room registry
func (s *Service) Registry() *Registry {
	return s.registry
}

// GetStats returns statistics about the relay
func (s *Service) GetStats() ConnectionStats {
	return s.connectionManager.GetConnectionStats()
}

// RegisterRoutes registers the relay HTTP routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	log.Info().Msg("relay routes registered")
}

// Handler returns the relay routes wrapped with CORS and h2c, ready for an http.Server
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	return h2c.NewHandler(c.Handler(mux), &http2.Server{})
}
