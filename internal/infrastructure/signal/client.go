package signal

import (
	"errors"
	"sync"
	"time"

	"proxcall/internal/core/domain"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

var errClientClosed = errors.New("client connection closed")
var errSendBufferFull = errors.New("client send buffer full")

// Client is one websocket connection of an authenticated user. Writes go
// through send and are performed only by writePump.
type Client struct {
	userID     domain.UserID
	generation uint64
	conn       *websocket.Conn
	send       chan Message
	limiter    *rate.Limiter

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(userID domain.UserID, generation uint64, conn *websocket.Conn, buffer int, limiter *rate.Limiter) *Client {
	return &Client{
		userID:     userID,
		generation: generation,
		conn:       conn,
		send:       make(chan Message, buffer),
		limiter:    limiter,
		done:       make(chan struct{}),
	}
}

// enqueue never blocks. A client that cannot keep up is disconnected.
func (c *Client) enqueue(msg Message) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		c.close()
		return errSendBufferFull
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Client) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// writePump owns all writes to the connection, including pings.
func (c *Client) writePump(pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
