package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fitchat/internal/models"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// State is the lifecycle state of a chat socket.
//
//	idle -> connecting -> connected -> disconnected
//	                  \-> disconnected        (dial failed)
//	any  -> idle                              (explicit Close)
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

var (
	ErrAlreadyOpened = errors.New("connection already opened")
	ErrClosed        = errors.New("connection closed")
	ErrNotConnected  = models.ErrNotConnected
)

// Conn is the subset of *websocket.Conn used by Connection.
type Conn interface {
	Close() error
	WriteJSON(v any) error
	NextReader() (messageType int, r io.Reader, err error)
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Handler receives socket events. Callbacks run on the read goroutine,
// except OnOpen and a dial failure OnClose, which run on the caller of Open.
// Handlers must not call Close on their own connection.
type Handler interface {
	OnOpen()
	OnFrame(frame json.RawMessage)
	OnClose(err error)
}

// Connection is a single-use client socket. It does not reconnect: once it
// leaves the connected state a new Connection has to be opened.
type Connection struct {
	dialer  Dialer
	url     string
	handler Handler

	mu      sync.Mutex
	state   State
	conn    Conn
	closing bool
	cancel  context.CancelFunc
	done    chan struct{}

	writeMu sync.Mutex
}

func NewConnection(dialer Dialer, url string, handler Handler) *Connection {
	return &Connection{
		dialer:  dialer,
		url:     url,
		handler: handler,
		state:   StateIdle,
	}
}

func (c *Connection) URL() string {
	return c.url
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open dials the socket and starts the read loop.
func (c *Connection) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyOpened
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.dialer.Dial(ctx, c.url)
	cancel()

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrClosed
	}
	if err != nil {
		c.state = StateDisconnected
		c.mu.Unlock()
		c.handler.OnClose(err)
		return err
	}
	c.conn = conn
	c.state = StateConnected
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	c.handler.OnOpen()
	go c.pump(conn, done)

	return nil
}

// Send writes v as a JSON frame.
func (c *Connection) Send(v any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Close tears the socket down and waits for the read loop to exit, so no
// callback fires after Close returns. It is safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	if c.cancel != nil {
		c.cancel()
	}
	conn := c.conn
	done := c.done
	c.conn = nil
	c.state = StateIdle
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	err := conn.Close()
	if done != nil {
		<-done
	}
	return err
}

// pump reads whole messages and hands them to the handler. Only transport
// errors end the connection. A message that is not valid JSON, truncated
// and empty ones included, is dropped.
func (c *Connection) pump(conn Conn, done chan struct{}) {
	defer close(done)

	for {
		_, r, err := conn.NextReader()
		if err != nil {
			c.disconnect(conn, err)
			return
		}
		frame, err := io.ReadAll(r)
		if err != nil {
			c.disconnect(conn, err)
			return
		}

		c.mu.Lock()
		closing := c.closing
		c.mu.Unlock()
		if closing {
			return
		}

		if !json.Valid(frame) {
			slog.Warn("dropping malformed frame", "url", c.url, "size", len(frame))
			continue
		}
		c.handler.OnFrame(frame)
	}
}

func (c *Connection) disconnect(conn Conn, err error) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.conn = nil
	c.mu.Unlock()

	_ = conn.Close()
	c.handler.OnClose(err)
}
