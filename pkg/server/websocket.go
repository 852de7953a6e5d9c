package server

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/aeolun/securechat/pkg/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	// Clients are terminal programs, not browsers
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades /ws requests and runs the chat protocol over binary
// messages until the connection ends
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	debugLog.Printf("WebSocket connection from %s", ws.RemoteAddr())
	s.serveConn(transport.NewWebSocketConn(ws))
}
