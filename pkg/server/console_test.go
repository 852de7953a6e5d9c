package server

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/securechat/pkg/protocol"
)

func newConsoleServer(t *testing.T) *Server {
	t.Helper()
	return &Server{
		registry:   newTestRegistry(t),
		limiter:    NewRateLimiter(1, time.Minute),
		supervisor: NewSupervisor(),
	}
}

func TestConsolePardon(t *testing.T) {
	s := newConsoleServer(t)
	s.limiter.Allow("10.1.1.1")
	require.False(t, s.limiter.Allow("10.1.1.1"))

	var out bytes.Buffer
	require.NoError(t, s.ExecuteCommand("pardon 10.1.1.1", &out))
	assert.Contains(t, out.String(), "Pardoned 10.1.1.1")
	assert.True(t, s.limiter.Allow("10.1.1.1"))

	out.Reset()
	require.NoError(t, s.ExecuteCommand("pardon 10.9.9.9", &out))
	assert.Contains(t, out.String(), "no recorded connection attempts")

	out.Reset()
	require.NoError(t, s.ExecuteCommand("pardon", &out))
	assert.Contains(t, out.String(), "usage")
}

func TestConsoleDebugToggle(t *testing.T) {
	s := newConsoleServer(t)
	t.Cleanup(s.DisableDebugLogging)

	var out bytes.Buffer
	require.NoError(t, s.ExecuteCommand("debug on", &out))
	assert.True(t, s.DebugEnabled())
	assert.Contains(t, out.String(), "Debug logging is on")

	require.NoError(t, s.ExecuteCommand("DEBUG off", &out))
	assert.False(t, s.DebugEnabled())
}

func TestConsoleClearAllAndRooms(t *testing.T) {
	s := newConsoleServer(t)
	alice := admit(t, s.registry, "alice")
	bob := admit(t, s.registry, "bob")
	require.NoError(t, s.registry.CreateRoom(alice.ID, "den"))

	var out bytes.Buffer
	require.NoError(t, s.ExecuteCommand("clearall", &out))
	assert.Contains(t, out.String(), "2 client(s)")
	assert.Len(t, packagesOf[*protocol.ClearAll](bob.rec), 1)

	out.Reset()
	require.NoError(t, s.ExecuteCommand("rooms", &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "main (admin: -, 1 member(s)): bob", lines[0])
	assert.Equal(t, "den (admin: alice, 1 member(s)): alice", lines[1])
}

func TestRunConsoleStopsOnExit(t *testing.T) {
	s := newConsoleServer(t)

	var out bytes.Buffer
	err := s.RunConsole(strings.NewReader("help\nbogus\n\nexit\nrooms\n"), &out)
	require.ErrorIs(t, err, ErrShutdownRequested)
	assert.Contains(t, out.String(), "pardon <ip>")
	assert.Contains(t, out.String(), `Unknown command "bogus"`)
	assert.NotContains(t, out.String(), "main (admin")

	assert.NoError(t, s.RunConsole(strings.NewReader("help\n"), &out), "end of input is not a shutdown")
}
