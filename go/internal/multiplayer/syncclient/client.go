package syncclient

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/rhythmforge/go/internal/multiplayer/clocksync"
	"github.com/mcdev12/rhythmforge/go/internal/multiplayer/protocol"
	"github.com/mcdev12/rhythmforge/go/internal/multiplayer/transport"
)

const (
	// DefaultPeerTTL is how long a peer stays in the active view without updates
	DefaultPeerTTL = 15 * time.Second
	// DefaultHeartbeatInterval is the cadence the game uses for heartbeats
	DefaultHeartbeatInterval = 5 * time.Second
	// RecentEventLimit bounds the feed returned by RecentEvents
	RecentEventLimit = 6
	// seenEventLimit bounds how many event identities are remembered for de-duplication
	seenEventLimit = 256
)

var (
	ErrMissingRoom   = errors.New("room id is required")
	ErrMissingPlayer = errors.New("player id is required")
)

// Config holds configuration for a Client
type Config struct {
	RoomID   string
	PlayerID string

	// RelayURL enables the socket channel, e.g. ws://localhost:8787/ws
	RelayURL string
	Dialer   *websocket.Dialer
	// Bus enables the in-process channel
	Bus *transport.LocalBus

	Clock        clockwork.Clock
	SyncInterval time.Duration
	PeerTTL      time.Duration
	// HeartbeatInterval sends heartbeats automatically when positive
	HeartbeatInterval time.Duration
	// SweepInterval re-emits the active peer view so expired peers drop out without
	// waiting for the next update. Disabled when zero.
	SweepInterval time.Duration
}

// Handlers receive the reconciled output. They run on the client's event goroutine
// and must not call Dispose.
type Handlers struct {
	OnPeers func(peers []protocol.ContinuousState)
	OnEvent func(event protocol.GameplayEvent)
}

// Progress is the live state the game publishes
type Progress struct {
	Score      int64
	Combo      int64
	Health     int64
	SongTimeMs int64
}

// EventInput is a discrete action the game publishes
type EventInput struct {
	EventType  protocol.GameplayEventType
	LaneIndex  *int
	Score      int64
	Combo      int64
	Health     int64
	SongTimeMs int64
}

// Client is the facade the game loop talks to for one room membership.
type Client struct {
	roomID   string
	playerID string
	peerTTL  time.Duration
	handlers Handlers

	clock   clockwork.Clock
	sync    *clocksync.Synchronizer
	adapter *transport.Adapter
	logger  zerolog.Logger

	mu    sync.Mutex
	peers map[string]protocol.ContinuousState
	// senderAt holds the sender-local updatedAt of each stored snapshot
	senderAt        map[string]int64
	lastAcceptedSeq int64
	recent          []protocol.GameplayEvent
	seen            map[string]struct{}
	seenOrder       []string

	stop        chan struct{}
	wg          sync.WaitGroup
	disposeOnce sync.Once
}

// New joins the room on every configured channel and starts the event goroutine.
func New(config Config, handlers Handlers) (*Client, error) {
	if config.RoomID == "" {
		return nil, ErrMissingRoom
	}
	if config.PlayerID == "" {
		return nil, ErrMissingPlayer
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.PeerTTL <= 0 {
		config.PeerTTL = DefaultPeerTTL
	}

	c := &Client{
		roomID:   config.RoomID,
		playerID: config.PlayerID,
		peerTTL:  config.PeerTTL,
		handlers: handlers,
		clock:    config.Clock,
		sync:     clocksync.New(config.Clock, config.SyncInterval),
		logger: log.With().
			Str("room_id", config.RoomID).
			Str("player_id", config.PlayerID).
			Logger(),
		peers:    make(map[string]protocol.ContinuousState),
		senderAt: make(map[string]int64),
		seen:     make(map[string]struct{}),
		stop:     make(chan struct{}),
	}

	adapterConfig := transport.DefaultConfig()
	adapterConfig.Bus = config.Bus
	adapterConfig.ChannelName = protocol.LocalChannelName(config.RoomID)
	adapterConfig.RelayURL = config.RelayURL
	adapterConfig.Dialer = config.Dialer
	c.adapter = transport.New(adapterConfig)

	var heartbeat, sweep clockwork.Ticker
	if config.HeartbeatInterval > 0 {
		heartbeat = c.clock.NewTicker(config.HeartbeatInterval)
	}
	if config.SweepInterval > 0 {
		sweep = c.clock.NewTicker(config.SweepInterval)
	}

	c.wg.Add(1)
	go c.run(heartbeat, sweep)

	return c, nil
}

// RoomID returns the room this client belongs to
func (c *Client) RoomID() string { return c.roomID }

// PlayerID returns the local player's id
func (c *Client) PlayerID() string { return c.playerID }

// ClockOffset returns the current local-to-relay offset estimate in milliseconds.
func (c *Client) ClockOffset() float64 { return c.sync.Offset() }

// LastAcceptedSeq returns the highest relay sequence delivered to OnEvent.
func (c *Client) LastAcceptedSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAcceptedSeq
}

// Publish sends a new snapshot of the local player's progress.
func (c *Client) Publish(p Progress) {
	now := c.nowMs()
	state := protocol.ContinuousState{
		PlayerID:   c.playerID,
		Score:      p.Score,
		Combo:      p.Combo,
		Health:     p.Health,
		SongTimeMs: p.SongTimeMs,
		UpdatedAt:  now,
	}
	env := &protocol.Envelope{
		RoomID:     c.roomID,
		Type:       protocol.TypeStateUpdate,
		ServerTime: protocol.Int64(c.serverNowMs(now)),
	}
	c.adapter.Send(env.WithState(state))
}

// PublishEvent sends a discrete gameplay event. The relay assigns its ordering key.
func (c *Client) PublishEvent(in EventInput) {
	now := c.nowMs()
	env := &protocol.Envelope{
		RoomID: c.roomID,
		Type:   protocol.TypeGameplayEvent,
		Event: &protocol.GameplayEvent{
			PlayerID:   c.playerID,
			EventType:  in.EventType,
			LaneIndex:  in.LaneIndex,
			Score:      in.Score,
			Combo:      in.Combo,
			Health:     in.Health,
			SongTimeMs: in.SongTimeMs,
			EmittedAt:  now,
		},
		PlayerID:   c.playerID,
		ServerTime: protocol.Int64(c.serverNowMs(now)),
	}
	c.adapter.Send(env.WithState(c.emptyState(now)))
}

// Heartbeat signals liveness without a state change. Receivers that already know
// this player only refresh its liveness and keep the progress it last published; the
// zeroed heartbeat payload never overwrites a score.
func (c *Client) Heartbeat() {
	now := c.nowMs()
	env := &protocol.Envelope{
		RoomID:     c.roomID,
		Type:       protocol.TypeHeartbeat,
		ServerTime: protocol.Int64(c.serverNowMs(now)),
	}
	c.adapter.Send(env.WithState(c.emptyState(now)))
}

// Peers returns the current active peer view.
func (c *Client) Peers() []protocol.ContinuousState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activePeersLocked()
}

// RecentEvents returns the most recent accepted peer events, newest first.
func (c *Client) RecentEvents() []protocol.GameplayEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.GameplayEvent, len(c.recent))
	copy(out, c.recent)
	return out
}

// Dispose stops every timer, tells the relay this player left and releases both
// channels. No handler runs after Dispose returns. Safe to call more than once.
func (c *Client) Dispose() {
	c.disposeOnce.Do(func() {
		close(c.stop)
		c.wg.Wait()
		c.sync.Stop()

		now := c.nowMs()
		env := &protocol.Envelope{
			RoomID:       c.roomID,
			Type:         protocol.TypePeerLeft,
			PlayerID:     c.playerID,
			ClientSentAt: protocol.Int64(now),
		}
		c.adapter.Send(env.WithState(c.emptyState(now)))
		c.adapter.Close()

		c.logger.Debug().Msg("sync client disposed")
	})
}

func (c *Client) run(heartbeat, sweep clockwork.Ticker) {
	defer c.wg.Done()

	var heartbeatCh, sweepCh <-chan time.Time
	if heartbeat != nil {
		defer heartbeat.Stop()
		heartbeatCh = heartbeat.Chan()
	}
	if sweep != nil {
		defer sweep.Stop()
		sweepCh = sweep.Chan()
	}

	for {
		select {
		case <-c.stop:
			return
		case in := <-c.adapter.Inbound():
			c.handleInbound(in)
		case <-heartbeatCh:
			c.Heartbeat()
		case <-sweepCh:
			c.emitPeers()
		}
	}
}

func (c *Client) handleInbound(in transport.Inbound) {
	switch in.Kind {
	case transport.KindSocketOpen:
		now := c.nowMs()
		hello := &protocol.Envelope{
			RoomID:       c.roomID,
			Type:         protocol.TypeHello,
			PlayerID:     c.playerID,
			ClientSentAt: protocol.Int64(now),
		}
		c.adapter.SendSocket(hello.WithState(c.emptyState(now)))
		c.sync.Start(c.sendSyncRequest)
		c.logger.Info().Msg("joined relay room")

	case transport.KindSocketClosed:
		c.sync.Stop()
		c.logger.Info().Msg("relay socket closed")

	case transport.KindMessage:
		c.handleMessage(in.Envelope)
	}
}

func (c *Client) sendSyncRequest(clientSentAt int64) {
	env := &protocol.Envelope{
		RoomID:       c.roomID,
		Type:         protocol.TypeSyncRequest,
		PlayerID:     c.playerID,
		ClientSentAt: protocol.Int64(clientSentAt),
	}
	c.adapter.SendSocket(env.WithState(c.emptyState(clientSentAt)))
}

func (c *Client) handleMessage(env *protocol.Envelope) {
	if env == nil || env.RoomID != c.roomID {
		return
	}

	switch env.Type {
	case protocol.TypeHelloAck:
		if env.ServerTime != nil {
			c.sync.ObserveHelloAck(*env.ServerTime, c.echoOrNow(env))
		}

	case protocol.TypeSyncResponse:
		if env.ServerTime != nil {
			c.sync.ObserveSyncResponse(*env.ServerTime, c.echoOrNow(env))
		}

	case protocol.TypePeerLeft:
		if env.PlayerID == "" {
			return
		}
		c.mu.Lock()
		delete(c.peers, env.PlayerID)
		delete(c.senderAt, env.PlayerID)
		c.mu.Unlock()
		c.emitPeers()

	case protocol.TypeGameplayEvent:
		c.acceptEvent(env)

	case protocol.TypeStateUpdate, protocol.TypeHeartbeat:
		c.acceptState(env)
	}
}

func (c *Client) echoOrNow(env *protocol.Envelope) int64 {
	if env.ClientEchoAt != nil {
		return *env.ClientEchoAt
	}
	return c.nowMs()
}

// acceptEvent forwards each peer event once. Relay copies must carry a sequence
// strictly greater than every sequence accepted before, which drops duplicates and
// late arrivals. The in-process copy of an event has no sequence; it is delivered
// right away and its relay copy later only advances the sequence.
func (c *Client) acceptEvent(env *protocol.Envelope) {
	if env.Event == nil || env.Event.PlayerID == c.playerID {
		return
	}
	event := *env.Event
	event.ServerTime = env.ServerTime
	identity := event.Identity()

	c.mu.Lock()
	if event.ServerSeq != nil {
		seq := *event.ServerSeq
		if seq <= c.lastAcceptedSeq {
			c.mu.Unlock()
			c.logger.Debug().Int64("server_seq", seq).Msg("dropping stale gameplay event")
			return
		}
		c.lastAcceptedSeq = seq
	}
	if _, delivered := c.seen[identity]; delivered {
		c.mu.Unlock()
		return
	}
	c.rememberLocked(identity)

	c.recent = append([]protocol.GameplayEvent{event}, c.recent...)
	if len(c.recent) > RecentEventLimit {
		c.recent = c.recent[:RecentEventLimit]
	}
	c.mu.Unlock()

	if c.handlers.OnEvent != nil {
		c.handlers.OnEvent(event)
	}
}

func (c *Client) rememberLocked(identity string) {
	c.seen[identity] = struct{}{}
	c.seenOrder = append(c.seenOrder, identity)
	if len(c.seenOrder) > seenEventLimit {
		delete(c.seen, c.seenOrder[0])
		c.seenOrder = c.seenOrder[1:]
	}
}

// acceptState stores the latest snapshot of a peer. Late copies from the redundant
// channel are recognized by the sender's own updatedAt, which does not move when
// this client's offset estimate does.
func (c *Client) acceptState(env *protocol.Envelope) {
	state, err := env.State()
	if err != nil || state.PlayerID == "" || state.PlayerID == c.playerID {
		return
	}
	sentAt := state.UpdatedAt

	if env.ServerTime != nil {
		state.UpdatedAt = *env.ServerTime - int64(math.Round(c.sync.Offset()))
	}

	c.mu.Lock()
	existing, known := c.peers[state.PlayerID]
	switch {
	case known && sentAt < c.senderAt[state.PlayerID]:
		c.mu.Unlock()
		return
	case known && env.Type == protocol.TypeHeartbeat:
		existing.UpdatedAt = state.UpdatedAt
		c.peers[state.PlayerID] = existing
	default:
		c.peers[state.PlayerID] = state
	}
	c.senderAt[state.PlayerID] = sentAt
	c.mu.Unlock()

	c.emitPeers()
}

func (c *Client) emitPeers() {
	if c.handlers.OnPeers == nil {
		return
	}
	c.handlers.OnPeers(c.Peers())
}

// activePeersLocked filters out expired peers and ranks the rest by score, highest
// first. Equal scores are ordered by player id.
func (c *Client) activePeersLocked() []protocol.ContinuousState {
	now := c.nowMs()
	ttl := c.peerTTL.Milliseconds()

	active := make([]protocol.ContinuousState, 0, len(c.peers))
	for _, state := range c.peers {
		if now-state.UpdatedAt < ttl {
			active = append(active, state)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].Score != active[j].Score {
			return active[i].Score > active[j].Score
		}
		return active[i].PlayerID < active[j].PlayerID
	})
	return active
}

func (c *Client) nowMs() int64 {
	return c.clock.Now().UnixMilli()
}

func (c *Client) serverNowMs(local int64) int64 {
	return local + int64(math.Round(c.sync.Offset()))
}

func (c *Client) emptyState(now int64) protocol.ContinuousState {
	return protocol.ContinuousState{PlayerID: c.playerID, UpdatedAt: now}
}
