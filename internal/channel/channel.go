// Package channel maintains the duplex WebSocket connection to the
// conversation backend: serialized JSON sends, a read pump that hands every
// inbound frame to the session, and a graceful close handshake.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Send after the channel has been closed.
var ErrClosed = errors.New("channel closed")

const (
	defaultDialTimeout  = 15 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// Config describes one backend connection.
type Config struct {
	// URL is the backend endpoint. http(s) schemes are rewritten to ws(s).
	URL    string
	Header http.Header

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// OnMessage receives every inbound text frame. Called from the read
	// pump goroutine; the callback owns sequencing.
	OnMessage func(data []byte)
	// OnClosed fires once when the read pump exits, with the terminal
	// error (nil on a normal close).
	OnClosed func(err error)

	Logf func(format string, args ...any)
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.Logf == nil {
		c.Logf = log.Printf
	}
	return c
}

// Channel is a connected duplex link. Sends are serialized under a write
// lock; reads happen on a single pump goroutine.
type Channel struct {
	cfg  Config
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}

	errMu sync.Mutex
	err   error
}

// Dial connects to the backend and starts the read pump.
func Dial(ctx context.Context, cfg Config) (*Channel, error) {
	cfg = cfg.withDefaults()

	endpoint, err := websocketURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint, cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s (status %d): %w", endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	ch := &Channel{
		cfg:  cfg,
		conn: conn,
		done: make(chan struct{}),
	}
	go ch.readLoop()
	return ch, nil
}

// Send marshals v to JSON and writes it as one text frame. Writes are
// serialized and bounded by the write timeout.
func (c *Channel) Send(v any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Close performs the close handshake and tears down the connection.
// Safe to call more than once and concurrently with Send.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	<-c.done
	return nil
}

// Done is closed when the read pump has exited.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns the terminal connection error, nil for a normal close.
// Blocks until the read pump has exited.
func (c *Channel) Err() error {
	<-c.done
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Channel) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

func (c *Channel) readLoop() {
	defer close(c.done)
	defer func() {
		if c.cfg.OnClosed != nil {
			c.errMu.Lock()
			err := c.err
			c.errMu.Unlock()
			c.cfg.OnClosed(err)
		}
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.closed.Load() ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			c.setErr(err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(data)
		}
	}
}

// websocketURL normalizes the configured endpoint to a ws(s) URL.
func websocketURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse backend URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("backend URL %q: scheme must be http(s) or ws(s)", raw)
	}
	return u.String(), nil
}
