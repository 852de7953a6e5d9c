// Package transport adapts message-oriented carriers to the byte streams the
// framing layer reads from.
package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrTextMessage is returned when the peer sends a text message; frames only travel
// in binary messages
var ErrTextMessage = errors.New("websocket: text message on a binary stream")

const closeGracePeriod = time.Second

// WebSocketConn is a net.Conn over one WebSocket. Every Write becomes one binary
// message. Reads stream through message boundaries, so a frame may be split across
// messages in any way and no message is buffered whole.
type WebSocketConn struct {
	ws *websocket.Conn

	readMu  sync.Mutex
	current io.Reader

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketConn wraps an established WebSocket
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{ws: ws}
}

func (c *WebSocketConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.current == nil {
			kind, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if kind != websocket.BinaryMessage {
				return 0, ErrTextMessage
			}
			c.current = r
		}

		n, err := c.current.Read(b)
		if errors.Is(err, io.EOF) {
			c.current = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (c *WebSocketConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return 0, net.ErrClosed
		}
		return 0, err
	}
	return len(b), nil
}

// Close says goodbye with a close message when the peer is still listening, then
// drops the connection. Later calls return the first result.
func (c *WebSocketConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *WebSocketConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *WebSocketConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *WebSocketConn) SetDeadline(t time.Time) error {
	return errors.Join(c.ws.SetReadDeadline(t), c.ws.SetWriteDeadline(t))
}

func (c *WebSocketConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *WebSocketConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
