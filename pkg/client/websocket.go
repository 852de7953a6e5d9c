package client

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/aeolun/securechat/pkg/transport"
)

// DialWebSocket connects to the /ws endpoint of a chat server (ws or wss)
func DialWebSocket(addr string, useTLS bool) (*transport.WebSocketConn, error) {
	scheme := "ws"
	if useTLS {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: addr, Path: "/ws"}

	dialer := &websocket.Dialer{
		HandshakeTimeout: dialTimeout,
		ReadBufferSize:   1 << 20,
		WriteBufferSize:  1 << 20,
	}

	ws, _, err := dialer.Dial(u.String(), nil)
	switch {
	case err == nil:
		return transport.NewWebSocketConn(ws), nil
	case !strings.Contains(err.Error(), "bad handshake"):
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	case useTLS:
		return nil, fmt.Errorf("TLS handshake failed, the server may not support wss (try ws://): %w", err)
	default:
		return nil, fmt.Errorf("handshake failed, the server may require TLS (try wss://): %w", err)
	}
}
