package transport

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pair returns the client and server ends of a WebSocket served by httptest
func pair(t *testing.T) (*WebSocketConn, *websocket.Conn) {
	t.Helper()

	serverSide := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide <- ws
	}))
	t.Cleanup(srv.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	var peer *websocket.Conn
	select {
	case peer = <-serverSide:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the upgrade")
	}
	t.Cleanup(func() { peer.Close() })

	conn := NewWebSocketConn(ws)
	t.Cleanup(func() { conn.Close() })
	return conn, peer
}

func TestReadStitchesMessages(t *testing.T) {
	conn, peer := pair(t)

	for _, part := range []string{"he", "", "llo ", "world"} {
		require.NoError(t, peer.WriteMessage(websocket.BinaryMessage, []byte(part)))
	}

	buf := make([]byte, len("hello world"))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf))
}

func TestReadInSmallPieces(t *testing.T) {
	conn, peer := pair(t)
	require.NoError(t, peer.WriteMessage(websocket.BinaryMessage, []byte("abcdef")))

	var got []byte
	small := make([]byte, 4)
	for len(got) < 6 {
		n, err := conn.Read(small)
		require.NoError(t, err)
		got = append(got, small[:n]...)
	}
	assert.Equal(t, "abcdef", string(got))
}

func TestWriteSendsOneBinaryMessage(t *testing.T) {
	conn, peer := pair(t)

	n, err := conn.Write([]byte("frame"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	kind, data, err := peer.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, "frame", string(data))
}

func TestTextMessageIsRejected(t *testing.T) {
	conn, peer := pair(t)
	require.NoError(t, peer.WriteMessage(websocket.TextMessage, []byte("hi")))

	_, err := conn.Read(make([]byte, 8))
	assert.ErrorIs(t, err, ErrTextMessage)
}

func TestCloseIsIdempotent(t *testing.T) {
	conn, peer := pair(t)

	first := conn.Close()
	assert.Equal(t, first, conn.Close())

	peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := peer.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	_, err = conn.Write([]byte("late"))
	assert.Error(t, err)
}
