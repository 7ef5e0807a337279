package presence

import (
	"sync"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	events []Event
	full   bool
	closed int
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(evt Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.events = append(c.events, evt)
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
}

func (c *fakeConn) setFull(full bool) {
	c.mu.Lock()
	c.full = full
	c.mu.Unlock()
}

func (c *fakeConn) received() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *fakeConn) count(t EventType) int {
	n := 0
	for _, evt := range c.received() {
		if evt.Type == t {
			n++
		}
	}
	return n
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}

type countingObserver struct {
	mu        sync.Mutex
	delivered map[EventType]int
	dropped   map[EventType]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{delivered: map[EventType]int{}, dropped: map[EventType]int{}}
}

func (o *countingObserver) EventDelivered(t EventType) {
	o.mu.Lock()
	o.delivered[t]++
	o.mu.Unlock()
}

func (o *countingObserver) EventDropped(t EventType) {
	o.mu.Lock()
	o.dropped[t]++
	o.mu.Unlock()
}
