// Package channel keeps a websocket open to the capsule server and forwards
// its frames to the UI.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/graaaaa/capsule-bridge/internal/clock"
	"github.com/graaaaa/capsule-bridge/internal/config"
	"github.com/graaaaa/capsule-bridge/internal/message"
	"github.com/graaaaa/capsule-bridge/internal/version"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// DefaultReconnectDelay is the fixed wait before reopening a dropped socket.
const DefaultReconnectDelay = time.Second

var (
	// ErrDisconnected is returned by Send while no socket is open.
	ErrDisconnected = errors.New("server channel disconnected")
	// ErrClosed is returned once the channel has been closed.
	ErrClosed = errors.New("server channel closed")
)

// Channel is an auto-reconnecting websocket to the capsule server. The
// session cookie is sent as the first text frame of every connection.
type Channel struct {
	url       string
	cookie    config.Secret
	emitter   message.Emitter
	logger    *slog.Logger
	afterFunc clock.AfterFunc
	delay     time.Duration
	dialer    *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	conn     *websocket.Conn
	timer    clock.TimerHandle
	attempt  int
	started  bool
	closed   bool
	sessions int

	writeMu sync.Mutex
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) { c.logger = logger }
}

// WithAfterFunc sets the timer used to schedule reconnections.
func WithAfterFunc(f clock.AfterFunc) Option {
	return func(c *Channel) { c.afterFunc = f }
}

// WithReconnectDelay sets a fixed delay between reconnection attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.delay = d
		}
	}
}

// WithDialer sets the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) { c.dialer = d }
}

// New creates a Channel for url. Call Start to connect.
func New(url string, cookie config.Secret, emitter message.Emitter, opts ...Option) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		url:       url,
		cookie:    cookie,
		emitter:   emitter,
		logger:    slog.Default(),
		afterFunc: clock.DefaultAfterFunc,
		delay:     DefaultReconnectDelay,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: dialTimeout,
		},
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start opens the first connection in the background. Later calls are
// no-ops, and so is Start without a session cookie: the server only keeps
// sockets of logged-in users.
func (c *Channel) Start() {
	if c.cookie.IsEmpty() {
		c.logger.Info("no session cookie, server channel not started")
		return
	}
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.connect()
}

// Connected reports whether a socket is currently open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Sessions returns how many connections have been opened so far.
func (c *Channel) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions
}

// Send writes data as a text frame. Nothing is queued: while disconnected
// the frame is dropped and ErrDisconnected returned.
func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrDisconnected
	}
	return c.write(conn, data)
}

func (c *Channel) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close closes the socket and stops reconnecting.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	c.cancel()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *Channel) connect() {
	c.mu.Lock()
	c.timer = nil
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())
	conn, _, err := c.dialer.DialContext(c.ctx, c.url, header)
	if err != nil {
		c.logger.Warn("server channel dial failed", "url", c.url, "error", err)
		c.scheduleReconnect()
		return
	}

	if err := c.write(conn, []byte(c.cookie.Value())); err != nil {
		c.logger.Warn("server channel authentication failed", "error", err)
		conn.Close()
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.attempt = 0
	c.sessions++
	c.mu.Unlock()

	c.logger.Info("server channel connected", "url", c.url)
	go c.readLoop(conn)
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("server channel closed by server")
			} else {
				c.logger.Debug("server channel read ended", "error", err)
			}
			break
		}
		if !json.Valid(data) {
			c.logger.Warn("dropping non-JSON frame from server", "size", len(data))
			continue
		}
		c.emitter.Emit(message.WebsocketMsg{Data: json.RawMessage(data)})
	}

	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()

	if current {
		c.scheduleReconnect()
	}
}

func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.timer != nil {
		return
	}
	c.attempt++
	c.logger.Info("server channel reconnecting", "delay", c.delay, "attempt", c.attempt)
	c.timer = c.afterFunc(c.delay, c.connect)
}
