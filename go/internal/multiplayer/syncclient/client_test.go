package syncclient

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/rhythmforge/go/internal/multiplayer/protocol"
	"github.com/mcdev12/rhythmforge/go/internal/multiplayer/transport"
)

var clientEpoch = time.UnixMilli(1_700_000_000_000)

type recorder struct {
	mu     sync.Mutex
	views  [][]protocol.ContinuousState
	events []protocol.GameplayEvent
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnPeers: func(peers []protocol.ContinuousState) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.views = append(r.views, peers)
		},
		OnEvent: func(event protocol.GameplayEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, event)
		},
	}
}

func (r *recorder) lastView() []protocol.ContinuousState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.views) == 0 {
		return nil
	}
	return r.views[len(r.views)-1]
}

func (r *recorder) seqs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, *e.ServerSeq)
	}
	return out
}

// newOfflineClient has no channels, envelopes are fed to handleMessage directly
func newOfflineClient(t *testing.T, clock clockwork.Clock) (*Client, *recorder) {
	t.Helper()
	rec := &recorder{}
	c, err := New(Config{RoomID: "r1", PlayerID: "p2", Clock: clock}, rec.handlers())
	require.NoError(t, err)
	t.Cleanup(c.Dispose)
	return c, rec
}

func stateEnvelope(player string, score, updatedAt int64, serverTime *int64) *protocol.Envelope {
	return (&protocol.Envelope{
		RoomID:     "r1",
		Type:       protocol.TypeStateUpdate,
		ServerTime: serverTime,
	}).WithState(protocol.ContinuousState{PlayerID: player, Score: score, UpdatedAt: updatedAt})
}

func eventEnvelope(player string, seq int64) *protocol.Envelope {
	return &protocol.Envelope{
		RoomID:     "r1",
		Type:       protocol.TypeGameplayEvent,
		PlayerID:   player,
		ServerTime: protocol.Int64(clientEpoch.UnixMilli()),
		Event: &protocol.GameplayEvent{
			PlayerID:  player,
			EventType: protocol.EventHit,
			EmittedAt: clientEpoch.UnixMilli() + seq,
			ServerSeq: protocol.Int64(seq),
		},
	}
}

// localCopy strips the relay stamps, as the in-process channel delivers an event
func localCopy(env *protocol.Envelope) *protocol.Envelope {
	event := *env.Event
	event.ServerSeq = nil
	return &protocol.Envelope{
		RoomID:   env.RoomID,
		Type:     env.Type,
		PlayerID: env.PlayerID,
		Event:    &event,
	}
}

func TestNewRequiresIdentity(t *testing.T) {
	_, err := New(Config{PlayerID: "p1"}, Handlers{})
	assert.ErrorIs(t, err, ErrMissingRoom)

	_, err = New(Config{RoomID: "r1"}, Handlers{})
	assert.ErrorIs(t, err, ErrMissingPlayer)
}

func TestEventsOutOfOrderAreFiltered(t *testing.T) {
	c, rec := newOfflineClient(t, clockwork.NewFakeClockAt(clientEpoch))

	for _, seq := range []int64{2, 1, 3} {
		c.handleMessage(eventEnvelope("p1", seq))
	}

	assert.Equal(t, []int64{2, 3}, rec.seqs())
	assert.Equal(t, int64(3), c.LastAcceptedSeq())
}

func TestEventsAreStrictlyIncreasingUnderShuffleAndDuplicates(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 50; round++ {
		c, rec := newOfflineClient(t, clockwork.NewFakeClockAt(clientEpoch))

		n := 1 + rng.Intn(30)
		var deliveries []int64
		for seq := int64(1); seq <= int64(n); seq++ {
			deliveries = append(deliveries, seq)
			if rng.Intn(2) == 0 {
				deliveries = append(deliveries, seq)
			}
		}
		rng.Shuffle(len(deliveries), func(i, j int) { deliveries[i], deliveries[j] = deliveries[j], deliveries[i] })

		for _, seq := range deliveries {
			c.handleMessage(eventEnvelope("p1", seq))
		}

		got := rec.seqs()
		require.NotEmpty(t, got)
		for i := 1; i < len(got); i++ {
			require.Greater(t, got[i], got[i-1], "round %d: %v", round, got)
		}
	}
}

func TestOwnEventsAreIgnored(t *testing.T) {
	c, rec := newOfflineClient(t, clockwork.NewFakeClockAt(clientEpoch))
	c.handleMessage(eventEnvelope("p2", 5))

	assert.Empty(t, rec.seqs())
	assert.Equal(t, int64(0), c.LastAcceptedSeq())
}

func TestEventCarriesEnvelopeServerTime(t *testing.T) {
	c, rec := newOfflineClient(t, clockwork.NewFakeClockAt(clientEpoch))
	env := eventEnvelope("p1", 1)
	env.ServerTime = protocol.Int64(4242)
	c.handleMessage(env)

	require.Len(t, rec.events, 1)
	assert.Equal(t, int64(4242), *rec.events[0].ServerTime)
}

func TestUnsequencedEventLeavesSequenceOpen(t *testing.T) {
	c, rec := newOfflineClient(t, clockwork.NewFakeClockAt(clientEpoch))
	c.handleMessage(localCopy(eventEnvelope("p1", 1)))
	c.handleMessage(eventEnvelope("p1", 10))

	assert.Len(t, rec.events, 2)
	assert.Equal(t, int64(10), c.LastAcceptedSeq())
}

func TestRedundantCopiesAreDeliveredOnce(t *testing.T) {
	tests := []struct {
		name       string
		localFirst bool
	}{
		{"local copy first", true},
		{"relay copy first", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newOfflineClient(t, clockwork.NewFakeClockAt(clientEpoch))

			for seq := int64(1); seq <= 3; seq++ {
				relayed := eventEnvelope("p1", seq)
				if tt.localFirst {
					c.handleMessage(localCopy(relayed))
					c.handleMessage(relayed)
				} else {
					c.handleMessage(relayed)
					c.handleMessage(localCopy(relayed))
				}
			}

			rec.mu.Lock()
			defer rec.mu.Unlock()
			require.Len(t, rec.events, 3)
			for i, event := range rec.events {
				assert.Equal(t, clientEpoch.UnixMilli()+int64(i+1), event.EmittedAt)
			}
			assert.Equal(t, int64(3), c.LastAcceptedSeq())
		})
	}
}

func TestEventIdentityMemoryIsBounded(t *testing.T) {
	c, rec := newOfflineClient(t, clockwork.NewFakeClockAt(clientEpoch))
	for seq := int64(1); seq <= seenEventLimit+10; seq++ {
		c.handleMessage(eventEnvelope("p1", seq))
	}

	assert.Len(t, rec.events, seenEventLimit+10)
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Len(t, c.seen, seenEventLimit)
	assert.Len(t, c.seenOrder, seenEventLimit)
}

func TestRecentEventsKeepsNewestSix(t *testing.T) {
	c, _ := newOfflineClient(t, clockwork.NewFakeClockAt(clientEpoch))
	for seq := int64(1); seq <= 9; seq++ {
		c.handleMessage(eventEnvelope("p1", seq))
	}

	recent := c.RecentEvents()
	require.Len(t, recent, RecentEventLimit)
	assert.Equal(t, int64(9), *recent[0].ServerSeq)
	assert.Equal(t, int64(4), *recent[5].ServerSeq)
}

func TestStateUpdatesBuildRankedView(t *testing.T) {
	clock := clockwork.NewFakeClockAt(clientEpoch)
	c, rec := newOfflineClient(t, clock)
	now := clientEpoch.UnixMilli()

	c.handleMessage(stateEnvelope("p1", 100, now, nil))
	c.handleMessage(stateEnvelope("p3", 300, now, nil))
	c.handleMessage(stateEnvelope("p4", 100, now, nil))

	view := rec.lastView()
	require.Len(t, view, 3)
	assert.Equal(t, "p3", view[0].PlayerID)
	// equal scores fall back to player id
	assert.Equal(t, "p1", view[1].PlayerID)
	assert.Equal(t, "p4", view[2].PlayerID)
}

func TestSelfEchoIsIgnored(t *testing.T) {
	c, rec := newOfflineClient(t, clockwork.NewFakeClockAt(clientEpoch))
	c.handleMessage(stateEnvelope("p2", 999, clientEpoch.UnixMilli(), nil))

	assert.Empty(t, rec.views)
	assert.Empty(t, c.Peers())
}

func TestOtherRoomIsIgnored(t *testing.T) {
	c, _ := newOfflineClient(t, clockwork.NewFakeClockAt(clientEpoch))
	env := stateEnvelope("p1", 1, clientEpoch.UnixMilli(), nil)
	env.RoomID = "r2"
	c.handleMessage(env)

	assert.Empty(t, c.Peers())
}

func TestLatestSnapshotWins(t *testing.T) {
	c, _ := newOfflineClient(t, clockwork.NewFakeClockAt(clientEpoch))
	now := clientEpoch.UnixMilli()

	c.handleMessage(stateEnvelope("p1", 200, now, nil))
	// the same player's older snapshot arriving late over the other channel
	c.handleMessage(stateEnvelope("p1", 150, now-500, nil))

	peers := c.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, int64(200), peers[0].Score)

	c.handleMessage(stateEnvelope("p1", 250, now+10, nil))
	assert.Equal(t, int64(250), c.Peers()[0].Score)
}

func TestServerTimeIsCorrectedByOffset(t *testing.T) {
	clock := clockwork.NewFakeClockAt(clientEpoch)
	c, _ := newOfflineClient(t, clock)
	now := clientEpoch.UnixMilli()

	// relay is 1000ms ahead: a zero round-trip hello-ack moves the offset to 300
	c.handleMessage(&protocol.Envelope{
		RoomID:       "r1",
		Type:         protocol.TypeHelloAck,
		ServerTime:   protocol.Int64(now + 1000),
		ClientEchoAt: protocol.Int64(now),
	})
	require.InDelta(t, 300.0, c.ClockOffset(), 1e-9)

	c.handleMessage(stateEnvelope("p1", 10, 0, protocol.Int64(now+300)))

	peers := c.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, now, peers[0].UpdatedAt)
}

func TestSnapshotsKeepFlowingWhileOffsetConverges(t *testing.T) {
	clock := clockwork.NewFakeClockAt(clientEpoch)
	c, _ := newOfflineClient(t, clock)
	const skew = 60_000

	relayNow := func() *int64 { return protocol.Int64(clock.Now().UnixMilli() + skew) }

	c.handleMessage(stateEnvelope("p1", 100, clock.Now().UnixMilli(), relayNow()))
	c.handleMessage(&protocol.Envelope{
		RoomID:       "r1",
		Type:         protocol.TypeHelloAck,
		ServerTime:   relayNow(),
		ClientEchoAt: protocol.Int64(clock.Now().UnixMilli()),
	})
	require.InDelta(t, 18_000.0, c.ClockOffset(), 1e-9)

	for score := int64(101); score <= 120; score++ {
		clock.Advance(500 * time.Millisecond)
		if score%4 == 0 {
			c.handleMessage(&protocol.Envelope{
				RoomID:       "r1",
				Type:         protocol.TypeSyncResponse,
				ServerTime:   relayNow(),
				ClientEchoAt: protocol.Int64(clock.Now().UnixMilli()),
			})
		}
		c.handleMessage(stateEnvelope("p1", score, clock.Now().UnixMilli(), relayNow()))

		peers := c.Peers()
		require.Len(t, peers, 1)
		require.Equal(t, score, peers[0].Score, "offset %.0f", c.ClockOffset())
	}
	assert.Greater(t, c.ClockOffset(), 18_000.0)
}

func TestSyncResponseUsesSlowerWeight(t *testing.T) {
	c, _ := newOfflineClient(t, clockwork.NewFakeClockAt(clientEpoch))
	now := clientEpoch.UnixMilli()

	c.handleMessage(&protocol.Envelope{
		RoomID:       "r1",
		Type:         protocol.TypeSyncResponse,
		ServerTime:   protocol.Int64(now + 1000),
		ClientEchoAt: protocol.Int64(now),
	})
	assert.InDelta(t, 250.0, c.ClockOffset(), 1e-9)
}

func TestPeersExpire(t *testing.T) {
	clock := clockwork.NewFakeClockAt(clientEpoch)
	c, _ := newOfflineClient(t, clock)

	c.handleMessage(stateEnvelope("p1", 10, clientEpoch.UnixMilli(), nil))
	require.Len(t, c.Peers(), 1)

	clock.Advance(14 * time.Second)
	assert.Len(t, c.Peers(), 1)

	clock.Advance(time.Second)
	assert.Empty(t, c.Peers())
}

func TestHeartbeatRefreshesWithoutChangingScore(t *testing.T) {
	clock := clockwork.NewFakeClockAt(clientEpoch)
	c, _ := newOfflineClient(t, clock)

	c.handleMessage(stateEnvelope("p1", 500, clientEpoch.UnixMilli(), nil))
	clock.Advance(10 * time.Second)

	hb := stateEnvelope("p1", 0, clock.Now().UnixMilli(), nil)
	hb.Type = protocol.TypeHeartbeat
	c.handleMessage(hb)

	clock.Advance(10 * time.Second)
	peers := c.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, int64(500), peers[0].Score)
}

func TestPeerLeftRemovesImmediately(t *testing.T) {
	c, rec := newOfflineClient(t, clockwork.NewFakeClockAt(clientEpoch))
	c.handleMessage(stateEnvelope("p1", 10, clientEpoch.UnixMilli(), nil))
	c.handleMessage(stateEnvelope("p3", 20, clientEpoch.UnixMilli(), nil))

	c.handleMessage(&protocol.Envelope{RoomID: "r1", Type: protocol.TypePeerLeft, PlayerID: "p1"})

	view := rec.lastView()
	require.Len(t, view, 1)
	assert.Equal(t, "p3", view[0].PlayerID)
}

func TestSweepDropsExpiredPeers(t *testing.T) {
	clock := clockwork.NewFakeClockAt(clientEpoch)
	rec := &recorder{}
	c, err := New(Config{
		RoomID:        "r1",
		PlayerID:      "p2",
		Clock:         clock,
		SweepInterval: 5 * time.Second,
	}, rec.handlers())
	require.NoError(t, err)
	defer c.Dispose()

	c.handleMessage(stateEnvelope("p1", 10, clientEpoch.UnixMilli(), nil))
	require.Len(t, rec.lastView(), 1)

	clock.Advance(15 * time.Second)
	require.Eventually(t, func() bool {
		clock.Advance(5 * time.Second)
		return len(rec.lastView()) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestHeartbeatTicker(t *testing.T) {
	clock := clockwork.NewFakeClockAt(clientEpoch)
	bus := transport.NewLocalBus()
	frames := make(chan []byte, 16)
	listener := bus.Join(protocol.LocalChannelName("r1"), func(b []byte) {
		select {
		case frames <- b:
		default:
		}
	})
	defer listener.Close()

	c, err := New(Config{
		RoomID:            "r1",
		PlayerID:          "p1",
		Bus:               bus,
		Clock:             clock,
		HeartbeatInterval: DefaultHeartbeatInterval,
	}, Handlers{})
	require.NoError(t, err)
	defer c.Dispose()

	clock.Advance(DefaultHeartbeatInterval)
	select {
	case frame := <-frames:
		env, err := protocol.Decode(frame)
		require.NoError(t, err)
		assert.Equal(t, protocol.TypeHeartbeat, env.Type)
		state, err := env.State()
		require.NoError(t, err)
		assert.Equal(t, "p1", state.PlayerID)
	case <-time.After(time.Second):
		t.Fatal("expected a heartbeat after one interval")
	}
}

func TestDisposeIsIdempotent(t *testing.T) {
	c, err := New(Config{RoomID: "r1", PlayerID: "p1"}, Handlers{})
	require.NoError(t, err)

	c.Dispose()
	c.Dispose()

	// publishing after dispose is a no-op
	c.Publish(Progress{Score: 1})
	c.PublishEvent(EventInput{EventType: protocol.EventMiss})
	c.Heartbeat()
}
