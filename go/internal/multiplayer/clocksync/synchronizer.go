package clocksync

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultInterval is the cadence of sync-request pings while connected
	DefaultInterval = 3 * time.Second

	helloWeight = 0.3
	syncWeight  = 0.25
)

// State is what the synchronizer is currently doing
type State int

const (
	StateIdle State = iota
	StateSynchronizing
)

func (s State) String() string {
	if s == StateSynchronizing {
		return "synchronizing"
	}
	return "idle"
}

// PingFunc sends one sync-request stamped with clientSentAt (local epoch ms).
type PingFunc func(clientSentAt int64)

// Synchronizer keeps a smoothed estimate of the offset between the local clock and
// the relay clock, such that local + Offset() ≈ server time.
type Synchronizer struct {
	clock    clockwork.Clock
	interval time.Duration

	mu       sync.Mutex
	offsetMs float64
	ticker   clockwork.Ticker
	stop     chan struct{}
	done     chan struct{}
}

// New creates an idle synchronizer. A zero interval uses DefaultInterval.
func New(clock clockwork.Clock, interval time.Duration) *Synchronizer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Synchronizer{clock: clock, interval: interval}
}

// NowMs returns the local clock in epoch milliseconds.
func (s *Synchronizer) NowMs() int64 {
	return s.clock.Now().UnixMilli()
}

// Offset returns the current estimate in milliseconds.
func (s *Synchronizer) Offset() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsetMs
}

// State reports whether periodic pings are running.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker != nil {
		return StateSynchronizing
	}
	return StateIdle
}

// ObserveHelloAck folds the first clock sample from the join handshake.
func (s *Synchronizer) ObserveHelloAck(serverTime, clientEchoAt int64) {
	s.observe(serverTime, clientEchoAt, helloWeight)
}

// ObserveSyncResponse folds a periodic sample; it moves slower than the hello sample.
func (s *Synchronizer) ObserveSyncResponse(serverTime, clientEchoAt int64) {
	s.observe(serverTime, clientEchoAt, syncWeight)
}

func (s *Synchronizer) observe(serverTime, clientEchoAt int64, weight float64) {
	candidate := Candidate(serverTime, clientEchoAt, s.NowMs())

	s.mu.Lock()
	s.offsetMs = s.offsetMs*(1-weight) + candidate*weight
	offset := s.offsetMs
	s.mu.Unlock()

	log.Debug().
		Float64("candidate_ms", candidate).
		Float64("offset_ms", offset).
		Msg("clock offset updated")
}

// Candidate is the midpoint estimator: it assumes the request and the response
// spent the same time in flight.
func Candidate(serverTime, clientEchoAt, now int64) float64 {
	rtt := now - clientEchoAt
	if rtt < 0 {
		rtt = 0
	}
	return float64(serverTime) - (float64(clientEchoAt) + float64(rtt)/2)
}

// Start begins pinging every interval. Calling Start while running restarts the cadence.
func (s *Synchronizer) Start(ping PingFunc) {
	s.Stop()

	s.mu.Lock()
	ticker := s.clock.NewTicker(s.interval)
	stop := make(chan struct{})
	done := make(chan struct{})
	s.ticker, s.stop, s.done = ticker, stop, done
	s.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case <-ticker.Chan():
				// Stop may have raced with the tick
				select {
				case <-stop:
					return
				default:
				}
				ping(s.NowMs())
			}
		}
	}()
}

// Stop halts the pings and waits until no ping can run anymore. Safe to call when idle.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	ticker, stop, done := s.ticker, s.stop, s.done
	s.ticker, s.stop, s.done = nil, nil, nil
	s.mu.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	close(stop)
	<-done
}
