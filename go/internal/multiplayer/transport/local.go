package transport

import (
	"sync"
)

// LocalBus is an in-process broadcast medium. Members joined under the same name
// receive every frame posted by the other members of that name, never their own.
type LocalBus struct {
	mu       sync.RWMutex
	channels map[string]map[*LocalChannel]struct{}
}

// NewLocalBus creates an empty bus
func NewLocalBus() *LocalBus {
	return &LocalBus{
		channels: make(map[string]map[*LocalChannel]struct{}),
	}
}

// LocalChannel is one member's handle on a named channel of a LocalBus
type LocalChannel struct {
	bus     *LocalBus
	name    string
	deliver func([]byte)
	once    sync.Once
}

// Join subscribes deliver to the named channel. deliver runs on the poster's
// goroutine and must not block.
func (b *LocalBus) Join(name string, deliver func([]byte)) *LocalChannel {
	ch := &LocalChannel{bus: b, name: name, deliver: deliver}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.channels[name] == nil {
		b.channels[name] = make(map[*LocalChannel]struct{})
	}
	b.channels[name][ch] = struct{}{}
	return ch
}

// Members returns how many handles are joined to name.
func (b *LocalBus) Members(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[name])
}

// Post hands a copy of data to every other member of the channel.
func (c *LocalChannel) Post(data []byte) {
	c.bus.mu.RLock()
	targets := make([]*LocalChannel, 0, len(c.bus.channels[c.name]))
	for member := range c.bus.channels[c.name] {
		if member != c {
			targets = append(targets, member)
		}
	}
	c.bus.mu.RUnlock()

	for _, member := range targets {
		frame := make([]byte, len(data))
		copy(frame, data)
		member.deliver(frame)
	}
}

// Close leaves the channel. Safe to call more than once.
func (c *LocalChannel) Close() {
	c.once.Do(func() {
		c.bus.mu.Lock()
		defer c.bus.mu.Unlock()
		members := c.bus.channels[c.name]
		delete(members, c)
		if len(members) == 0 {
			delete(c.bus.channels, c.name)
		}
	})
}
