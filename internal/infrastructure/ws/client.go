package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 32 * 1024
	sendBufferSize = 64
)

var (
	ErrSendBufferFull = errors.New("send buffer full")
	ErrSocketClosed   = errors.New("socket closed")
)

// Socket is the registry's view of a live connection. Send never blocks.
type Socket interface {
	Send(ev *Event) error
	Close(code int, reason string)
}

type Client struct {
	conn *connWrapper
	send chan *Event
	ID   string

	// Protection against double-close and sends after close.
	closeOnce   sync.Once
	closed      chan struct{}
	mu          sync.Mutex
	closeCode   int
	closeReason string
}

func NewClient(conn *websocket.Conn, id string) *Client {
	return &Client{
		conn:      newConnWrapper(conn),
		send:      make(chan *Event, sendBufferSize),
		ID:        id,
		closed:    make(chan struct{}),
		closeCode: websocket.CloseNormalClosure,
	}
}

func (c *Client) Send(ev *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return ErrSocketClosed
	default:
	}

	select {
	case c.send <- ev:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close asks the write pump to flush what is queued, send a close frame and
// drop the connection.
func (c *Client) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = reason
		close(c.closed)
		c.mu.Unlock()
	})
}

func (c *Client) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// ReadPump hands every text frame to onFrame until the peer goes away or the
// client is closed.
func (c *Client) ReadPump(onFrame func(raw []byte)) error {
	c.conn.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.conn.SetPongHandler(func(string) error {
		return c.conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, raw, err := c.conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				return err
			}
			return nil
		}
		if msgType != websocket.TextMessage || len(raw) == 0 {
			continue
		}
		onFrame(raw)
	}
}

// WritePump owns every write to the connection. It returns once the client
// is closed or a write fails, leaving the connection closed.
func (c *Client) WritePump() error {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case ev := <-c.send:
			if err := c.conn.WriteJSON(ev); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return err
			}

		case <-ticker.C:
			if err := c.conn.WritePing(); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return err
			}

		case <-c.closed:
			c.flush()
			c.mu.Lock()
			code, reason := c.closeCode, c.closeReason
			c.mu.Unlock()
			_ = c.conn.WriteClose(code, reason)
			return nil
		}
	}
}

func (c *Client) flush() {
	for {
		select {
		case ev := <-c.send:
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		default:
			return
		}
	}
}
