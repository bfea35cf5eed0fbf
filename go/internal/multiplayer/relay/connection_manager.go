package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/rhythmforge/go/internal/multiplayer/protocol"
)

// ConnectionManager accepts relay sockets and routes their envelopes between the
// members of each room. It holds no game logic.
type ConnectionManager struct {
	registry *Registry
	exporter *EventExporter
	clock    clockwork.Clock

	// Upgrader for WebSocket connections
	upgrader websocket.Upgrader

	// Connection configuration
	config ConnectionConfig

	connections   map[*Connection]struct{}
	connectionsMu sync.Mutex
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  64 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
		CheckOrigin: func(r *http.Request) bool {
			// game clients are served from arbitrary origins
			return true
		},
	}
}

// NewConnectionManager creates a new relay connection manager
func NewConnectionManager(config ConnectionConfig, registry *Registry, exporter *EventExporter, clock clockwork.Clock) *ConnectionManager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ConnectionManager{
		registry: registry,
		exporter: exporter,
		clock:    clock,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		connections: make(map[*Connection]struct{}),
	}
}

// UpgradeConnection upgrades an HTTP connection to WebSocket. The connection has no
// room until it sends hello.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := newConnection(uuid.New().String(), conn, cm)

	cm.connectionsMu.Lock()
	cm.connections[connection] = struct{}{}
	cm.connectionsMu.Unlock()

	go connection.writePump()
	go connection.readPump()

	log.Debug().
		Str("connection_id", connection.ID).
		Str("remote_addr", r.RemoteAddr).
		Msg("WebSocket connection established")

	return nil
}

func (cm *ConnectionManager) nowMs() int64 {
	return cm.clock.Now().UnixMilli()
}

// handleClientMessage processes one frame received from a client. Malformed frames
// are dropped without telling the sender.
func (cm *ConnectionManager) handleClientMessage(c *Connection, message []byte) {
	frame, err := protocol.DecodeFrame(message)
	if err != nil {
		log.Debug().
			Err(err).
			Str("connection_id", c.ID).
			Msg("dropping malformed frame")
		return
	}

	switch frame.Type {
	case protocol.TypeHello:
		cm.handleHello(c, frame)
	case protocol.TypeSyncRequest:
		cm.ack(c, frame, protocol.TypeSyncResponse)
	default:
		cm.relay(c, frame)
	}
}

func (cm *ConnectionManager) handleHello(c *Connection, frame *protocol.Frame) {
	if frame.PlayerID != "" {
		c.setPlayer(frame.PlayerID)
	}
	cm.registry.Join(frame.RoomID, c)

	cm.ack(c, frame, protocol.TypeHelloAck)

	log.Info().
		Str("connection_id", c.ID).
		Str("room_id", frame.RoomID).
		Str("player_id", c.PlayerID()).
		Int("members", cm.registry.Members(frame.RoomID)).
		Msg("player joined room")
}

// ack answers request to c alone with relay time and the request's clientSentAt echoed
func (cm *ConnectionManager) ack(c *Connection, request *protocol.Frame, replyType protocol.EnvelopeType) {
	reply := protocol.NewFrame(request.RoomID, replyType)
	reply.SetRaw("payload", request.PayloadOrEmpty())
	reply.SetInt64("serverTime", cm.nowMs())
	if sentAt := request.Raw("clientSentAt"); sentAt != nil {
		reply.SetRaw("clientEchoAt", sentAt)
	}

	data, err := reply.Encode()
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to encode reply")
		return
	}
	c.enqueue(data)
}

// relay stamps relay time (and a room sequence for gameplay events) on the frame and
// forwards it to every other member of the room with all other fields as written.
// Unknown rooms drop the frame.
func (cm *ConnectionManager) relay(c *Connection, frame *protocol.Frame) {
	if raw := frame.Raw("playerId"); raw == nil || string(raw) == "null" {
		if playerID := c.PlayerID(); playerID != "" {
			frame.SetString("playerId", playerID)
		}
	}
	sequenced := frame.Type == protocol.TypeGameplayEvent && frame.HasEvent()

	var serverTime int64
	delivered, seq, ok, err := cm.registry.Relay(frame.RoomID, c, sequenced, func(seq int64) ([]byte, error) {
		serverTime = cm.nowMs()
		frame.SetInt64("serverTime", serverTime)
		if sequenced {
			frame.SetEventSeq(seq)
		}
		return frame.Encode()
	})
	if err != nil {
		log.Error().Err(err).Str("room_id", frame.RoomID).Msg("failed to encode relayed frame")
		return
	}
	if !ok {
		log.Debug().
			Str("connection_id", c.ID).
			Str("room_id", frame.RoomID).
			Str("type", string(frame.Type)).
			Msg("dropping message for unknown room")
		return
	}
	if !sequenced {
		return
	}

	event, err := frame.Event()
	if err != nil {
		// relayed as written, but outside what the export schema can carry
		log.Debug().Err(err).Str("room_id", frame.RoomID).Int64("server_seq", seq).Msg("gameplay event not exported")
	} else {
		cm.exporter.Enqueue(ExportedEvent{
			RoomID:     frame.RoomID,
			ServerTime: serverTime,
			Event:      event,
		})
	}

	log.Debug().
		Str("room_id", frame.RoomID).
		Str("player_id", frame.PlayerID).
		Int64("server_seq", seq).
		Int("delivered", delivered).
		Msg("gameplay event relayed")
}

// handleDisconnect removes c from its room and tells the remaining members
func (cm *ConnectionManager) handleDisconnect(c *Connection) {
	cm.connectionsMu.Lock()
	delete(cm.connections, c)
	cm.connectionsMu.Unlock()

	roomID := c.RoomID()
	if roomID == "" {
		return
	}
	remaining := cm.registry.Leave(c)

	log.Info().
		Str("connection_id", c.ID).
		Str("room_id", roomID).
		Str("player_id", c.PlayerID()).
		Int("remaining", len(remaining)).
		Msg("player left room")

	if len(remaining) == 0 {
		return
	}

	data, err := (&protocol.Envelope{
		RoomID:     roomID,
		Type:       protocol.TypePeerLeft,
		Payload:    json.RawMessage("{}"),
		PlayerID:   c.PlayerID(),
		ServerTime: protocol.Int64(cm.nowMs()),
	}).Encode()
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to encode peer-left")
		return
	}
	for _, peer := range remaining {
		peer.enqueue(data)
	}
}

// CloseAll closes every open connection
func (cm *ConnectionManager) CloseAll() {
	cm.connectionsMu.Lock()
	connections := make([]*Connection, 0, len(cm.connections))
	for c := range cm.connections {
		connections = append(connections, c)
	}
	cm.connectionsMu.Unlock()

	for _, c := range connections {
		c.close()
	}
}

// ConnectionStats summarizes relay occupancy
type ConnectionStats struct {
	TotalConnections int            `json:"total_connections"`
	ActiveRooms      int            `json:"active_rooms"`
	RoomConnections  map[string]int `json:"room_connections"`
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() ConnectionStats {
	cm.connectionsMu.Lock()
	total := len(cm.connections)
	cm.connectionsMu.Unlock()

	rooms := cm.registry.Snapshot()
	return ConnectionStats{
		TotalConnections: total,
		ActiveRooms:      len(rooms),
		RoomConnections:  rooms,
	}
}
