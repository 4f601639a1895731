package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/dmitrijs2005/expanse/internal/logging"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

var errMalformedFrame = errors.New("malformed frame")

// Conn is one live client connection. Outgoing frames are queued on send
// and written by a single writer goroutine.
type Conn struct {
	id      string
	ws      *websocket.Conn
	send    chan []byte
	session *Session
	logger  logging.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewConnID returns a fresh, time-ordered connection id.
func NewConnID() string {
	return ulid.Make().String()
}

func newConn(id string, ws *websocket.Conn, l logging.Logger) *Conn {
	return &Conn{
		id:      id,
		ws:      ws,
		send:    make(chan []byte, sendBufferSize),
		session: &Session{},
		logger:  l.With("conn_id", id),
		done:    make(chan struct{}),
	}
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Session() *Session {
	return c.session
}

// Send queues a frame without blocking. A connection whose queue is full is
// too slow to keep up and is closed.
func (c *Conn) Send(event string, args ...any) bool {
	data, err := encodeFrame(event, args...)
	if err != nil {
		c.logger.Error(context.Background(), "encode frame failed", "event", event, "error", err)
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn(context.Background(), "send queue full, closing connection", "event", event)
		c.Close()
		return false
	}
}

// Close stops the writer, which in turn closes the socket. It is idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug(context.Background(), "write failed", "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// readPump delivers frames to handle in arrival order until the socket
// fails or the connection is closed. Malformed frames are reported through
// onMalformed and skipped.
func (c *Conn) readPump(handle func(Frame), onMalformed func(error)) {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug(context.Background(), "read failed", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil || frame.Event == "" {
			onMalformed(errMalformedFrame)
			continue
		}
		handle(frame)

		select {
		case <-c.done:
			return
		default:
		}
	}
}
