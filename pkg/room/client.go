package room

import (
	"errors"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrSendQueueFull is returned when a slow client's outbound queue is full.
	ErrSendQueueFull = errors.New("send queue full")
	// ErrClientClosed is returned when sending to a closed client.
	ErrClientClosed = errors.New("client closed")
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// ClientOptions tunes a websocket client.
type ClientOptions struct {
	SendBuffer int   // outbound queue length
	ReadLimit  int64 // maximum inbound message size in bytes
}

// Client is a websocket connection with a buffered outbound queue drained
// by WritePump.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	readLimit int64
	closed    chan struct{}
	closeOnce sync.Once
}

// NewClient wraps an upgraded websocket connection.
func NewClient(id string, conn *websocket.Conn, opts ClientOptions) *Client {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 64 * 1024
	}
	return &Client{
		id:        id,
		conn:      conn,
		send:      make(chan []byte, opts.SendBuffer),
		readLimit: opts.ReadLimit,
		closed:    make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

// Send queues payload without blocking.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close closes the underlying connection once. The read pump then returns.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// ReadPump delivers inbound text messages to onMessage in arrival order
// until the connection fails, then calls onClose.
func (c *Client) ReadPump(onMessage func([]byte), onClose func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("panic in readPump for %s: %v\n%s", c.id, r, debug.Stack())
		}
		onClose()
		c.Close()
		log.Println("readPump exiting for", c.id)
	}()

	c.conn.SetReadLimit(c.readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WebSocket unexpected close for %s: %v", c.id, err)
			}
			return
		}
		onMessage(message)
	}
}

// WritePump writes queued messages and keepalive pings until the client is
// closed or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		log.Println("writePump exiting for", c.id)
	}()

	for {
		select {
		case <-c.closed:
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("WebSocket write error for %s: %v", c.id, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("Ping error for %s: %v", c.id, err)
				return
			}
		}
	}
}
