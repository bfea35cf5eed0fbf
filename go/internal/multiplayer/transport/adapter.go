package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/rhythmforge/go/internal/multiplayer/protocol"
)

// Kind tells the consumer what an Inbound item carries
type Kind int

const (
	KindMessage Kind = iota
	KindSocketOpen
	KindSocketClosed
)

// Source is the channel an inbound envelope arrived on
type Source string

const (
	SourceLocal  Source = "local"
	SourceSocket Source = "socket"
)

// Inbound is one item handed to the consumer: a normalized envelope or a socket
// lifecycle change.
type Inbound struct {
	Kind     Kind
	Source   Source
	Envelope *protocol.Envelope
}

// Config holds configuration for an Adapter
type Config struct {
	// ChannelName selects the in-process channel, ignored without a Bus
	ChannelName string
	Bus         *LocalBus

	// RelayURL enables the socket channel when set
	RelayURL string
	Dialer   *websocket.Dialer

	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	InboundBuffer  int
	OutboundBuffer int
}

// DefaultConfig returns default adapter configuration
func DefaultConfig() Config {
	return Config{
		DialTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		InboundBuffer:  256,
		OutboundBuffer: 256,
	}
}

// Adapter sends envelopes on every open channel and merges what both channels
// receive into a single Inbound stream. It holds no business logic.
type Adapter struct {
	config Config

	local *LocalChannel

	socketOpen atomic.Bool
	outbound   chan []byte

	inbound chan Inbound
	done    chan struct{}
	cancel  context.CancelFunc
	once    sync.Once
	wg      sync.WaitGroup
}

// New creates an adapter. The socket channel is dialed in the background; a missing
// relay URL or a failed dial leaves the adapter running on the local channel alone.
func New(config Config) *Adapter {
	defaults := DefaultConfig()
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaults.DialTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.InboundBuffer <= 0 {
		config.InboundBuffer = defaults.InboundBuffer
	}
	if config.OutboundBuffer <= 0 {
		config.OutboundBuffer = defaults.OutboundBuffer
	}
	if config.Dialer == nil {
		config.Dialer = websocket.DefaultDialer
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		config:   config,
		outbound: make(chan []byte, config.OutboundBuffer),
		inbound:  make(chan Inbound, config.InboundBuffer),
		done:     make(chan struct{}),
		cancel:   cancel,
	}

	if config.Bus != nil && config.ChannelName != "" {
		a.local = config.Bus.Join(config.ChannelName, a.deliverLocal)
	}

	if config.RelayURL != "" {
		a.wg.Add(1)
		go a.dial(ctx)
	}

	return a
}

// Inbound returns the merged stream of received envelopes and socket lifecycle changes.
func (a *Adapter) Inbound() <-chan Inbound {
	return a.inbound
}

// SocketOpen reports whether the socket channel is currently usable.
func (a *Adapter) SocketOpen() bool {
	return a.socketOpen.Load()
}

// Send transmits env on every open channel. Closed or not yet open channels are skipped.
func (a *Adapter) Send(env *protocol.Envelope) {
	data, ok := a.encode(env)
	if !ok {
		return
	}
	if a.local != nil {
		a.local.Post(data)
	}
	a.enqueueSocket(data)
}

// SendSocket transmits env on the socket channel only.
func (a *Adapter) SendSocket(env *protocol.Envelope) {
	data, ok := a.encode(env)
	if !ok {
		return
	}
	a.enqueueSocket(data)
}

func (a *Adapter) encode(env *protocol.Envelope) ([]byte, bool) {
	if a.isClosed() {
		return nil, false
	}
	data, err := env.Encode()
	if err != nil {
		log.Error().Err(err).Str("type", string(env.Type)).Msg("failed to encode envelope")
		return nil, false
	}
	return data, true
}

func (a *Adapter) enqueueSocket(data []byte) {
	if !a.socketOpen.Load() {
		return
	}
	select {
	case a.outbound <- data:
	default:
		log.Warn().Str("relay_url", a.config.RelayURL).Msg("socket send buffer full, dropping message")
	}
}

// Close releases both channels. Frames already queued for the socket are flushed
// before the close frame. Safe to call more than once.
func (a *Adapter) Close() {
	a.once.Do(func() {
		close(a.done)
		a.cancel()
		if a.local != nil {
			a.local.Close()
		}
		a.wg.Wait()
	})
}

func (a *Adapter) isClosed() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

func (a *Adapter) deliverLocal(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		log.Debug().Err(err).Str("source", string(SourceLocal)).Msg("dropping malformed frame")
		return
	}
	select {
	case <-a.done:
	case a.inbound <- Inbound{Kind: KindMessage, Source: SourceLocal, Envelope: env}:
	default:
		log.Warn().Str("channel", a.config.ChannelName).Msg("inbound buffer full, dropping local frame")
	}
}

func (a *Adapter) emit(item Inbound) bool {
	select {
	case <-a.done:
		return false
	case a.inbound <- item:
		return true
	}
}

func (a *Adapter) dial(ctx context.Context) {
	defer a.wg.Done()

	dialCtx, cancel := context.WithTimeout(ctx, a.config.DialTimeout)
	conn, _, err := a.config.Dialer.DialContext(dialCtx, a.config.RelayURL, nil)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Str("relay_url", a.config.RelayURL).Msg("relay unavailable, using local channel only")
		}
		return
	}
	if a.isClosed() {
		conn.Close()
		return
	}

	a.socketOpen.Store(true)

	log.Debug().Str("relay_url", a.config.RelayURL).Msg("relay socket open")

	a.wg.Add(1)
	go a.writePump(conn)

	if !a.emit(Inbound{Kind: KindSocketOpen, Source: SourceSocket}) {
		return
	}
	a.readPump(conn)
}

// readPump decodes socket frames until the connection ends
func (a *Adapter) readPump(conn *websocket.Conn) {
	defer func() {
		a.socketOpen.Store(false)
		a.emit(Inbound{Kind: KindSocketClosed, Source: SourceSocket})
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !a.isClosed() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("relay_url", a.config.RelayURL).Msg("relay socket closed unexpectedly")
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			log.Debug().Err(err).Str("source", string(SourceSocket)).Msg("dropping malformed frame")
			continue
		}
		if !a.emit(Inbound{Kind: KindMessage, Source: SourceSocket, Envelope: env}) {
			return
		}
	}
}

// writePump owns every write on the socket
func (a *Adapter) writePump(conn *websocket.Conn) {
	defer func() {
		a.socketOpen.Store(false)
		conn.Close()
		a.wg.Done()
	}()

	for {
		select {
		case data := <-a.outbound:
			if err := a.write(conn, data); err != nil {
				return
			}
		case <-a.done:
			a.flush(conn)
			conn.SetWriteDeadline(time.Now().Add(a.config.WriteTimeout))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
			return
		}
	}
}

func (a *Adapter) flush(conn *websocket.Conn) {
	for {
		select {
		case data := <-a.outbound:
			if err := a.write(conn, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (a *Adapter) write(conn *websocket.Conn, data []byte) error {
	conn.SetWriteDeadline(time.Now().Add(a.config.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Debug().Err(err).Str("relay_url", a.config.RelayURL).Msg("failed to write to relay socket")
		return err
	}
	return nil
}
