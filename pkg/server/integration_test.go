package server

import (
	"context"
	"crypto/rsa"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/aeolun/securechat/pkg/client"
	"github.com/aeolun/securechat/pkg/crypto"
	"github.com/aeolun/securechat/pkg/protocol"
)

var (
	fixtureOnce sync.Once
	fixtureKeys []*rsa.PrivateKey
	otpSecret   string
)

// fixtures returns a shared server key, a pool of client keys and a TOTP secret
func fixtures(t *testing.T) (*rsa.PrivateKey, []*rsa.PrivateKey, string) {
	t.Helper()
	fixtureOnce.Do(func() {
		for i := 0; i < 4; i++ {
			k, err := crypto.GenerateKeyPair(2048)
			if err != nil {
				panic(err)
			}
			fixtureKeys = append(fixtureKeys, k)
		}
		key, err := totp.Generate(totp.GenerateOpts{Issuer: "SecureChat", AccountName: "test"})
		if err != nil {
			panic(err)
		}
		otpSecret = key.Secret()
	})
	return fixtureKeys[0], fixtureKeys[1:], otpSecret
}

func testConfig(t *testing.T) Config {
	t.Helper()
	_, _, secret := fixtures(t)

	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.TCPPort = 0
	cfg.SSHPort = -1
	cfg.HTTPPort = -1
	cfg.SSHHostKeyPath = filepath.Join(t.TempDir(), "ssh_host_key")
	cfg.OTPSecret = secret
	cfg.HandshakeTimeout = 5 * time.Second
	return cfg
}

func startTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	serverKey, _, _ := fixtures(t)

	srv, err := NewServer(cfg, serverKey, "")
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func currentCode(t *testing.T) string {
	t.Helper()
	_, _, secret := fixtures(t)
	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	return code
}

// dial connects the n-th fixture identity to addr
func dial(t *testing.T, addr string, n int, opts client.Options) (*client.Client, error) {
	t.Helper()
	serverKey, keys, _ := fixtures(t)
	opts.Key = keys[n]
	opts.ServerKey = &serverKey.PublicKey
	if opts.OneTimeCode == "" {
		opts.OneTimeCode = currentCode(t)
	}
	if opts.DownloadDir == "" {
		opts.DownloadDir = t.TempDir()
	}
	if opts.HostKeyCallback == nil {
		opts.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	c, err := client.Dial(addr, opts)
	if err == nil {
		t.Cleanup(func() { c.Close() })
	}
	return c, err
}

func mustDial(t *testing.T, addr string, n int, nick string) *client.Client {
	t.Helper()
	c, err := dial(t, addr, n, client.Options{Nickname: nick})
	require.NoError(t, err)
	return c
}

// waitFor skips client events until one of type T arrives
func waitFor[T client.Event](t *testing.T, c *client.Client) T {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			require.True(t, ok, "event channel closed while waiting for %T", *new(T))
			if want, ok := ev.(T); ok {
				return want
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %T", *new(T))
		}
	}
}

func waitForPeer(t *testing.T, c *client.Client, nick, room string) {
	t.Helper()
	require.Eventually(t, func() bool {
		p, ok := c.Peer(nick)
		return ok && p.Room == room
	}, 5*time.Second, 10*time.Millisecond, "%s never saw %s in %s", c.Nickname(), nick, room)
}

func TestIntegrationMessageWhisperAndFile(t *testing.T) {
	srv := startTestServer(t, testConfig(t))
	addr := srv.Addr().String()

	alice := mustDial(t, addr, 0, "alice")
	bob := mustDial(t, addr, 1, "bob")
	waitForPeer(t, alice, "bob", DefaultRoom)
	waitForPeer(t, bob, "alice", DefaultRoom)

	n, err := alice.SendMessage("hello bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	msg := waitFor[client.MessageEvent](t, bob)
	require.NoError(t, msg.Err)
	assert.Equal(t, "alice", msg.Nickname)
	assert.Equal(t, "hello bob", msg.Text)
	assert.False(t, msg.Whisper)

	require.NoError(t, bob.Whisper("alice", "psst"))
	whisper := waitFor[client.MessageEvent](t, alice)
	assert.Equal(t, "psst", whisper.Text)
	assert.True(t, whisper.Whisper)

	data := []byte("the quarterly report\n")
	path := filepath.Join(t.TempDir(), "report.txt")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	_, err = alice.SendFile(path)
	require.NoError(t, err)

	file := waitFor[client.FileEvent](t, bob)
	require.NoError(t, file.Err)
	assert.True(t, file.Trusted)
	assert.Equal(t, "report.txt", file.Name)
	saved, err := os.ReadFile(file.Path)
	require.NoError(t, err)
	assert.Equal(t, data, saved)

	assert.Equal(t, client.FileAckEvent{Nickname: "bob"}, waitFor[client.FileAckEvent](t, alice))
}

func TestIntegrationRooms(t *testing.T) {
	srv := startTestServer(t, testConfig(t))
	addr := srv.Addr().String()

	alice := mustDial(t, addr, 0, "alice")
	bob := mustDial(t, addr, 1, "bob")
	waitForPeer(t, alice, "bob", DefaultRoom)

	require.NoError(t, alice.CreateRoom("den"))
	assert.Equal(t, client.RoomEvent{Room: "den"}, waitFor[client.RoomEvent](t, alice))
	waitForPeer(t, bob, "alice", "den")

	// Bob is not in the den, so the message has nobody to go to
	_, err := alice.SendMessage("anyone?")
	assert.ErrorIs(t, err, client.ErrNoRecipients)

	require.NoError(t, bob.Join("den"))
	req := waitFor[client.JoinRequestEvent](t, alice)
	assert.Equal(t, "bob", req.Nickname)
	require.NoError(t, alice.Accept(req.ID))
	assert.Equal(t, client.RoomEvent{Room: "den"}, waitFor[client.RoomEvent](t, bob))
	waitForPeer(t, alice, "bob", "den")

	require.NoError(t, alice.Kick("bob"))
	waitFor[client.KickedEvent](t, bob)
	assert.Equal(t, client.RoomEvent{Room: DefaultRoom}, waitFor[client.RoomEvent](t, bob))

	room, ok := srv.Registry().Room("den")
	require.True(t, ok)
	assert.Len(t, room.Members, 1)
}

func TestIntegrationNicknameCollision(t *testing.T) {
	srv := startTestServer(t, testConfig(t))
	addr := srv.Addr().String()

	mustDial(t, addr, 0, "alice")
	second := mustDial(t, addr, 1, "ALICE")

	assert.Regexp(t, `^guest-[0-9a-f]{8}$`, second.Nickname())
	notice := waitFor[client.NoticeEvent](t, second)
	for !notice.Warning {
		notice = waitFor[client.NoticeEvent](t, second)
	}
	assert.Contains(t, notice.Text, second.Nickname())
}

func TestIntegrationVersionMismatch(t *testing.T) {
	srv := startTestServer(t, testConfig(t))

	_, err := dial(t, srv.Addr().String(), 0, client.Options{Nickname: "alice", Version: "0.9.0"})
	var rejected *client.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "[-] Please update your client", rejected.Reason)
}

func TestIntegrationOversizedHandshakeFrame(t *testing.T) {
	srv := startTestServer(t, testConfig(t))

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	greeting, err := protocol.Read(conn, protocol.ToClient, 0)
	require.NoError(t, err)
	require.IsType(t, &protocol.ServerAuth{}, greeting)

	// Announce a body just over the handshake cap and send nothing after the header
	header := make([]byte, protocol.HeaderSize)
	binary.BigEndian.PutUint64(header[protocol.HeaderSize-8:], maxHandshakePackage+1)
	_, err = conn.Write(header)
	require.NoError(t, err)

	reply, err := protocol.Read(conn, protocol.ToClient, 0)
	require.NoError(t, err)
	rejection, ok := reply.(*protocol.Error)
	require.True(t, ok, "got %T", reply)
	assert.Equal(t, reasonMalformed, rejection.Reason)
	assert.Zero(t, srv.registry.ParticipantCount())
}

func TestIntegrationBadCodeAndRateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimitAttempts = 2
	srv := startTestServer(t, cfg)
	addr := srv.Addr().String()

	for i := 0; i < 2; i++ {
		_, err := dial(t, addr, 0, client.Options{Nickname: "alice", OneTimeCode: "000000x"})
		var rejected *client.RejectedError
		require.ErrorAs(t, err, &rejected, "attempt %d", i+1)
		assert.Equal(t, "[-] Invalid 2FA key", rejected.Reason)
	}

	_, err := dial(t, addr, 0, client.Options{Nickname: "alice"})
	var rejected *client.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "[-] Connection refused", rejected.Reason)

	require.NoError(t, srv.ExecuteCommand("pardon 127.0.0.1", io.Discard))
	_, err = dial(t, addr, 0, client.Options{Nickname: "alice"})
	assert.NoError(t, err)
}

func TestIntegrationInsecureSkipOTP(t *testing.T) {
	cfg := testConfig(t)
	cfg.OTPSecret = ""
	cfg.InsecureSkipOTP = true
	srv := startTestServer(t, cfg)

	_, err := dial(t, srv.Addr().String(), 0, client.Options{Nickname: "alice", OneTimeCode: "anything"})
	assert.NoError(t, err)
}

func TestIntegrationPinnedKeyMismatch(t *testing.T) {
	srv := startTestServer(t, testConfig(t))
	_, keys, _ := fixtures(t)

	_, err := client.Dial(srv.Addr().String(), client.Options{
		Nickname:  "alice",
		Key:       keys[0],
		ServerKey: &keys[1].PublicKey,
	})
	assert.ErrorIs(t, err, client.ErrServerKeyMismatch)
}

func TestIntegrationAlternateTransports(t *testing.T) {
	cfg := testConfig(t)
	cfg.SSHPort = 0
	cfg.HTTPPort = 0
	srv := startTestServer(t, cfg)
	require.NotNil(t, srv.SSHAddr())
	require.NotNil(t, srv.HTTPAddr())

	overSSH := mustDial(t, "ssh://tester@"+srv.SSHAddr().String(), 0, "alice")
	overWS := mustDial(t, "ws://"+srv.HTTPAddr().String(), 1, "bob")
	overTCP := mustDial(t, srv.Addr().String(), 2, "carol")
	waitForPeer(t, overSSH, "bob", DefaultRoom)
	waitForPeer(t, overSSH, "carol", DefaultRoom)

	n, err := overSSH.SendMessage("across transports")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "across transports", waitFor[client.MessageEvent](t, overWS).Text)
	assert.Equal(t, "across transports", waitFor[client.MessageEvent](t, overTCP).Text)

	require.FileExists(t, cfg.SSHHostKeyPath, "the SSH host key is generated on first start")
}

func TestIntegrationHealthAndMetrics(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTPPort = 0
	srv := startTestServer(t, cfg)
	mustDial(t, srv.Addr().String(), 0, "alice")

	base := fmt.Sprintf("http://%s", srv.HTTPAddr())
	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status       string   `json:"status"`
		Participants int      `json:"participants"`
		Rooms        int      `json:"rooms"`
		Tasks        []string `json:"tasks"`
		OTPRequired  bool     `json:"otp_required"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 1, health.Participants)
	assert.Equal(t, 1, health.Rooms)
	assert.Contains(t, health.Tasks, "accept")
	assert.True(t, health.OTPRequired)

	// The admission counter is bumped just after the client is accepted
	require.Eventually(t, func() bool {
		metrics, err := http.Get(base + "/metrics")
		if err != nil {
			return false
		}
		defer metrics.Body.Close()
		body, err := io.ReadAll(metrics.Body)
		return err == nil &&
			strings.Contains(string(body), "securechat_participants 1") &&
			strings.Contains(string(body), "securechat_participants_admitted_total 1")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestIntegrationDisconnectCleanup(t *testing.T) {
	srv := startTestServer(t, testConfig(t))
	addr := srv.Addr().String()

	alice := mustDial(t, addr, 0, "alice")
	bob := mustDial(t, addr, 1, "bob")
	waitForPeer(t, alice, "bob", DefaultRoom)

	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool {
		_, ok := alice.Peer("bob")
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, srv.Registry().ParticipantCount())

	// The nickname is free again
	again := mustDial(t, addr, 1, "bob")
	assert.Equal(t, "bob", again.Nickname())
}

func TestIntegrationStopDisconnectsClients(t *testing.T) {
	srv := startTestServer(t, testConfig(t))
	alice := mustDial(t, srv.Addr().String(), 0, "alice")

	require.NoError(t, srv.Stop())

	ev := waitFor[client.DisconnectedEvent](t, alice)
	assert.Error(t, ev.Err)
	assert.False(t, errors.Is(ev.Err, client.ErrClosed))

	_, err := dial(t, srv.Addr().String(), 1, client.Options{Nickname: "bob"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "connect"), "the listener is closed: %v", err)
}
