// Package api serves the bridge to the UI: commands in, events out as SSE,
// and blobs behind object URLs.
package api

import (
	"log/slog"
	"sync"

	"github.com/graaaaa/capsule-bridge/internal/message"
)

const (
	defaultSubscriberBufferSize = 64
	defaultBroadcastBufferSize  = 256
	defaultBacklogSize          = 256
)

// Frame is an encoded event ready to be written to a stream.
type Frame struct {
	Seq  uint64
	Name string
	Data []byte
}

// Subscriber represents an SSE client connection.
type Subscriber struct {
	frames chan Frame
	done   chan struct{}

	after   uint64
	backlog []Frame
	ready   chan struct{}
}

// Frames returns the channel for receiving frames.
func (s *Subscriber) Frames() <-chan Frame {
	return s.frames
}

// Done returns a channel that is closed when the subscriber is unsubscribed
// or disconnected for falling behind. Frames already buffered stay readable.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Backlog returns the retained frames published after the sequence number
// passed to Subscribe.
func (s *Subscriber) Backlog() []Frame {
	return s.backlog
}

// Hub fans events out to SSE subscribers. It implements message.Emitter.
// One goroutine owns the subscriber set.
type Hub struct {
	register   chan *Subscriber
	unregister chan *Subscriber
	broadcast  chan Frame
	stop       chan struct{}
	stopped    chan struct{}
	stopOnce   sync.Once

	seqMu sync.Mutex
	seq   uint64

	subscriberBufferSize int
	backlogSize          int
	logger               *slog.Logger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubSubscriberBufferSize sets the buffer size for subscriber frame channels.
func WithHubSubscriberBufferSize(size int) HubOption {
	return func(h *Hub) {
		if size > 0 {
			h.subscriberBufferSize = size
		}
	}
}

// WithHubBacklogSize sets how many recent frames are kept for reconnecting clients.
func WithHubBacklogSize(size int) HubOption {
	return func(h *Hub) {
		if size >= 0 {
			h.backlogSize = size
		}
	}
}

// WithHubLogger sets the logger for the Hub.
func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHub creates a new SSE hub.
// Call Run() to start the hub's event loop.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		register:             make(chan *Subscriber),
		unregister:           make(chan *Subscriber),
		broadcast:            make(chan Frame, defaultBroadcastBufferSize),
		stop:                 make(chan struct{}),
		stopped:              make(chan struct{}),
		subscriberBufferSize: defaultSubscriberBufferSize,
		backlogSize:          defaultBacklogSize,
		logger:               slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run starts the hub's event loop.
// This method blocks until Stop() is called.
// Should be called in a goroutine: go hub.Run()
func (h *Hub) Run() {
	clients := make(map[*Subscriber]struct{})
	var backlog []Frame
	defer close(h.stopped)

	for {
		select {
		case sub := <-h.register:
			if sub.after > 0 {
				for _, f := range backlog {
					if f.Seq > sub.after {
						sub.backlog = append(sub.backlog, f)
					}
				}
			}
			close(sub.ready)
			clients[sub] = struct{}{}
			h.logger.Debug("subscriber registered", "count", len(clients), "replayed", len(sub.backlog))

		case sub := <-h.unregister:
			if _, ok := clients[sub]; ok {
				delete(clients, sub)
				close(sub.done)
				close(sub.frames)
				h.logger.Debug("subscriber unregistered", "count", len(clients))
			}

		case f := <-h.broadcast:
			if h.backlogSize > 0 {
				backlog = append(backlog, f)
				if len(backlog) > h.backlogSize {
					backlog = backlog[len(backlog)-h.backlogSize:]
				}
			}
			for sub := range clients {
				select {
				case sub.frames <- f:
				default:
					// the client reconnects and resumes from the backlog
					delete(clients, sub)
					close(sub.done)
					close(sub.frames)
					h.logger.Warn("subscriber too slow, disconnected",
						"seq", f.Seq,
						"event", f.Name,
						"count", len(clients),
					)
				}
			}

		case <-h.stop:
			for sub := range clients {
				close(sub.done)
				close(sub.frames)
			}
			return
		}
	}
}

// Stop stops the hub's event loop.
// Blocks until the hub has fully stopped.
// Safe to call multiple times (idempotent).
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
	})
	<-h.stopped
}

// Subscribe creates a new subscriber. Frames retained with a sequence number
// above after are available through Backlog; zero skips the replay.
// The caller must call Unsubscribe when done.
func (h *Hub) Subscribe(after uint64) *Subscriber {
	sub := &Subscriber{
		frames: make(chan Frame, h.subscriberBufferSize),
		done:   make(chan struct{}),
		after:  after,
		ready:  make(chan struct{}),
	}

	select {
	case h.register <- sub:
		<-sub.ready
		return sub
	case <-h.stopped:
		close(sub.done)
		close(sub.frames)
		return sub
	}
}

// Unsubscribe removes a subscriber.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	select {
	case h.unregister <- sub:
	case <-h.stopped:
	}
}

// Emit encodes e and broadcasts it to all subscribers.
// Non-blocking: if the broadcast channel is full, the event is dropped.
func (h *Hub) Emit(e message.Event) {
	data, err := message.EncodePayload(e)
	if err != nil {
		h.logger.Error("failed to encode event", "event", e.Name(), "error", err)
		return
	}

	// sequence numbers must reach the channel in order
	h.seqMu.Lock()
	defer h.seqMu.Unlock()
	h.seq++
	f := Frame{Seq: h.seq, Name: e.Name(), Data: data}

	select {
	case h.broadcast <- f:
	case <-h.stopped:
	default:
		h.logger.Warn("broadcast channel full, event dropped",
			"seq", f.Seq,
			"event", f.Name,
		)
	}
}
