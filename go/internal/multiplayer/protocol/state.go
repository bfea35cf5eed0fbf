package protocol

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// ContinuousState is a last-write-wins snapshot of one player's live progress
type ContinuousState struct {
	PlayerID   string `json:"playerId"`
	Score      int64  `json:"score"`
	Combo      int64  `json:"combo"`
	Health     int64  `json:"health"`
	SongTimeMs int64  `json:"songTimeMs"`
	UpdatedAt  int64  `json:"updatedAt"`
}

// GameplayEventType is the kind of discrete action a player performed
type GameplayEventType string

const (
	EventHit    GameplayEventType = "hit"
	EventMiss   GameplayEventType = "miss"
	EventSubmit GameplayEventType = "submit"
)

// Valid reports whether t is one of the known event types.
func (t GameplayEventType) Valid() bool {
	switch t {
	case EventHit, EventMiss, EventSubmit:
		return true
	}
	return false
}

// GameplayEvent is a discrete, ordered occurrence. ServerSeq is assigned once by the
// relay and is the only ordering key on the receiving side.
type GameplayEvent struct {
	PlayerID   string            `json:"playerId"`
	EventType  GameplayEventType `json:"eventType"`
	LaneIndex  *int              `json:"laneIndex"`
	Score      int64             `json:"score"`
	Combo      int64             `json:"combo"`
	Health     int64             `json:"health"`
	SongTimeMs int64             `json:"songTimeMs"`
	EmittedAt  int64             `json:"emittedAt"`
	ServerSeq  *int64            `json:"serverSeq,omitempty"`
	ServerTime *int64            `json:"serverTime,omitempty"`
}

// Identity names the occurrence independently of the channel that carried it, so
// the in-process copy and the relay copy of one event compare equal.
func (e GameplayEvent) Identity() string {
	lane := -1
	if e.LaneIndex != nil {
		lane = *e.LaneIndex
	}
	return fmt.Sprintf("%s:%d:%s:%d:%d:%d:%d", e.PlayerID, e.EmittedAt, e.EventType, lane, e.SongTimeMs, e.Score, e.Combo)
}

// RoomKey builds the room id the game uses for a song played at a difficulty.
func RoomKey(songID, difficulty string) string {
	return fmt.Sprintf("%s:%s", songID, difficulty)
}

// LocalChannelName is the in-process broadcast channel name for a room.
func LocalChannelName(roomID string) string {
	return "rhythmforge:" + roomID
}

const guestAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewGuestPlayerID returns a session id for players without a wallet.
//
// Guest ids are random and not coordinated, two sessions can collide. A collision
// merges both players into one peer entry (last write wins).
func NewGuestPlayerID() string {
	b := make([]byte, 8)
	max := big.NewInt(int64(len(guestAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(fmt.Sprintf("crypto/rand: %v", err))
		}
		b[i] = guestAlphabet[n.Int64()]
	}
	return "guest-" + string(b)
}
