package relay

import (
	"sync"
)

// Registry is the relay's process-wide room table. A room is created by its first
// join and deallocated, sequence counter included, when its last member leaves.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room
}

// room serializes its own membership changes and sequence assignment so unrelated
// rooms never contend with each other
type room struct {
	mu      sync.Mutex
	id      string
	members map[*Connection]struct{}
	seq     int64
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*room),
	}
}

// Join adds c to roomID, creating the room when absent. A connection belongs to one
// room at a time; joining another room leaves the previous one first.
func (r *Registry) Join(roomID string, c *Connection) {
	if previous := c.RoomID(); previous != "" && previous != roomID {
		r.Leave(c)
	}

	r.mu.Lock()
	rm, exists := r.rooms[roomID]
	if !exists {
		rm = &room{id: roomID, members: make(map[*Connection]struct{})}
		r.rooms[roomID] = rm
	}
	rm.mu.Lock()
	rm.members[c] = struct{}{}
	rm.mu.Unlock()
	r.mu.Unlock()

	c.setRoom(roomID)
}

// Leave removes c from its room and returns the members still in it. The room is
// deallocated when c was the last member.
func (r *Registry) Leave(c *Connection) []*Connection {
	roomID := c.RoomID()
	if roomID == "" {
		return nil
	}
	c.setRoom("")

	r.mu.Lock()
	defer r.mu.Unlock()

	rm, exists := r.rooms[roomID]
	if !exists {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	delete(rm.members, c)
	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
		return nil
	}

	remaining := make([]*Connection, 0, len(rm.members))
	for member := range rm.members {
		remaining = append(remaining, member)
	}
	return remaining
}

// Relay hands the frame built by encode to every member of roomID except sender.
// When sequenced is true the room counter is advanced and passed to encode. Sequence
// assignment and enqueueing happen under the room lock, so every member observes a
// room's sequenced frames in increasing order. ok is false when the room does not exist.
func (r *Registry) Relay(roomID string, sender *Connection, sequenced bool, encode func(seq int64) ([]byte, error)) (delivered int, seq int64, ok bool, err error) {
	r.mu.Lock()
	rm, exists := r.rooms[roomID]
	r.mu.Unlock()
	if !exists {
		return 0, 0, false, nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if len(rm.members) == 0 {
		// deallocated between lookup and lock
		return 0, 0, false, nil
	}

	if sequenced {
		rm.seq++
		seq = rm.seq
	}

	data, err := encode(seq)
	if err != nil {
		return 0, seq, true, err
	}

	for member := range rm.members {
		if member == sender {
			continue
		}
		if member.enqueue(data) {
			delivered++
		}
	}
	return delivered, seq, true, nil
}

// RoomCount returns the number of live rooms
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Members returns the number of connections in roomID
func (r *Registry) Members(roomID string) int {
	r.mu.Lock()
	rm, exists := r.rooms[roomID]
	r.mu.Unlock()
	if !exists {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.members)
}

// Snapshot returns member counts keyed by room id
func (r *Registry) Snapshot() map[string]int {
	r.mu.Lock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.Unlock()

	counts := make(map[string]int, len(rooms))
	for _, rm := range rooms {
		rm.mu.Lock()
		counts[rm.id] = len(rm.members)
		rm.mu.Unlock()
	}
	return counts
}
