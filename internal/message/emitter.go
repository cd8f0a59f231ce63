package message

import (
	"sync"
	"time"
)

// Emitter delivers events to the UI. Emit must not block for long and must be
// safe for concurrent use.
type Emitter interface {
	Emit(e Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

// Emit calls f(e).
func (f EmitterFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(Event) {})

// Collector is an Emitter that keeps every event in memory.
type Collector struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{notify: make(chan struct{}, 1)}
}

// Emit records e.
func (c *Collector) Emit(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Events returns a copy of the recorded events.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// Names returns the names of the recorded events in order.
func (c *Collector) Names() []string {
	events := c.Events()
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.Name()
	}
	return names
}

// Count returns how many recorded events have the given name.
func (c *Collector) Count(name string) int {
	n := 0
	for _, e := range c.Events() {
		if e.Name() == name {
			n++
		}
	}
	return n
}

// Wait blocks until an event with the given name has been recorded or timeout
// elapses. It returns the first such event.
func (c *Collector) Wait(name string, timeout time.Duration) (Event, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		for _, e := range c.Events() {
			if e.Name() == name {
				return e, true
			}
		}
		select {
		case <-c.notify:
		case <-deadline.C:
			return nil, false
		}
	}
}
