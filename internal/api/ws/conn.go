package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	errConnClosed = errors.New("ws: connection closed")
	errSlowClient = errors.New("ws: client is not reading")
)

// conn owns the write side of one websocket. Messages are queued by Send and
// written by a single pump goroutine; a client that stops reading is dropped.
type conn struct {
	ws           *websocket.Conn
	send         chan []byte
	done         chan struct{}
	writeTimeout time.Duration
	pingInterval time.Duration
	log          zerolog.Logger

	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, buffer int, writeTimeout, pingInterval time.Duration, log zerolog.Logger) *conn {
	return &conn{
		ws:           ws,
		send:         make(chan []byte, buffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		log:          log,
	}
}

// Send queues m without blocking.
func (c *conn) Send(m Outbound) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		c.log.Warn().Str("type", m.Type).Msg("Send buffer full, closing connection")
		c.close()
		return errSlowClient
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.log.Debug().Err(err).Msg("Write failed")
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.log.Debug().Err(err).Msg("Ping failed")
				c.close()
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

// flush writes what is still queued and a close frame.
func (c *conn) flush() {
	deadline := time.Now().Add(c.writeTimeout)
	_ = c.ws.SetWriteDeadline(deadline)
	for {
		select {
		case b := <-c.send:
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		default:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		}
	}
}

// close stops the pump, which closes the socket and so ends the read loop.
func (c *conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}
