package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"telemetry-bridge/internal/auth"
)

type client struct {
	conn    *websocket.Conn
	session *auth.Session
	send    chan []byte

	writeTimeout time.Duration

	done       chan struct{}
	doneOnce   sync.Once
	closeCode  int
	closeText  string
	writerDone chan struct{}
}

func newClient(conn *websocket.Conn, sendBuffer int, writeTimeout time.Duration) *client {
	return &client{
		conn:         conn,
		session:      auth.NewSession(),
		send:         make(chan []byte, sendBuffer),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
	}
}

// trySend queues raw without blocking. It reports false when the send
// buffer is full.
func (c *client) trySend(raw []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- raw:
		return true
	default:
		return false
	}
}

// shutdown asks the writer to flush queued frames, send a close frame with
// code and text and close the connection.
func (c *client) shutdown(code int, text string) {
	c.doneOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		close(c.done)
	})
}

func (c *client) writeLoop() {
	defer close(c.writerDone)
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case raw := <-c.send:
			if err := c.write(raw); err != nil {
				return
			}
		case <-c.done:
			c.flush()
			deadline := time.Now().Add(c.writeTimeout)
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		}
	}
}

func (c *client) flush() {
	for {
		select {
		case raw := <-c.send:
			if err := c.write(raw); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *client) write(raw []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}
