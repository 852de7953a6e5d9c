package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/aeolun/securechat/pkg/crypto"
)

// sshHostKeyBits is the size of a generated SSH host key
const sshHostKeyBits = 2048

// startSSHServer starts the SSH server on the configured port. The chat protocol runs
// unchanged inside each session channel.
func (s *Server) startSSHServer() error {
	if s.config.SSHPort < 0 {
		log.Printf("SSH server disabled (ssh_port=%d)", s.config.SSHPort)
		return nil
	}

	// Load or generate host key
	hostKey, err := s.loadOrGenerateHostKey()
	if err != nil {
		return fmt.Errorf("failed to load host key: %w", err)
	}

	// Participants authenticate inside the channel with the chat handshake
	config := &ssh.ServerConfig{
		NoClientAuth: true,
	}
	config.ServerVersion = "SSH-2.0-SecureChat"
	config.AddHostKey(hostKey)
	s.sshConfig = config

	addr := listenAddr(s.config.Host, s.config.SSHPort)
	listener, err := listen(s.ctx, addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.sshListener = listener

	log.Printf("SSH server listening on %s", listener.Addr())

	s.supervisor.Go(s.ctx, Task{Name: "ssh-accept", Run: func(ctx context.Context) error {
		return s.acceptLoop(ctx, listener, s.handleSSHConnection)
	}})
	return nil
}

// handleSSHConnection handles a single SSH connection
func (s *Server) handleSSHConnection(conn net.Conn) {
	defer conn.Close()

	if s.config.HandshakeTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.config.HandshakeTimeout))
	}

	// Perform SSH handshake
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.sshConfig)
	if err != nil {
		debugLog.Printf("SSH handshake from %s failed: %v", conn.RemoteAddr(), err)
		return
	}
	defer sshConn.Close()
	conn.SetDeadline(time.Time{})

	// Discard global out-of-band requests
	go ssh.DiscardRequests(reqs)

	// Handle incoming channels
	for newChannel := range chans {
		// We only accept "session" channels for the chat protocol
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			log.Printf("Could not accept channel: %v", err)
			continue
		}

		go handleSSHChannelRequests(requests)
		go s.serveConn(&sshChannelConn{
			channel: channel,
			local:   sshConn.LocalAddr(),
			remote:  sshConn.RemoteAddr(),
		})
	}
}

func handleSSHChannelRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// sshChannelConn wraps ssh.Channel to implement net.Conn. Deadlines are not
// supported by SSH channels and are ignored.
type sshChannelConn struct {
	channel ssh.Channel
	local   net.Addr
	remote  net.Addr
}

func (c *sshChannelConn) Read(b []byte) (int, error) {
	return c.channel.Read(b)
}

func (c *sshChannelConn) Write(b []byte) (int, error) {
	return c.channel.Write(b)
}

func (c *sshChannelConn) Close() error {
	return c.channel.Close()
}

func (c *sshChannelConn) LocalAddr() net.Addr  { return c.local }
func (c *sshChannelConn) RemoteAddr() net.Addr { return c.remote }

func (c *sshChannelConn) SetDeadline(t time.Time) error      { return nil }
func (c *sshChannelConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *sshChannelConn) SetWriteDeadline(t time.Time) error { return nil }

// loadOrGenerateHostKey loads the SSH host key or generates one if it doesn't exist
func (s *Server) loadOrGenerateHostKey() (ssh.Signer, error) {
	if strings.TrimSpace(s.config.SSHHostKeyPath) == "" {
		configTarget := "server config file"
		if strings.TrimSpace(s.configPath) != "" {
			configTarget = s.configPath
		}
		return nil, fmt.Errorf("ssh host key path is empty; update [server].ssh_host_key in %s or remove it to use the default (%s)", configTarget, DefaultConfig().SSHHostKeyPath)
	}

	keyPath, err := crypto.ExpandHome(s.config.SSHHostKeyPath)
	if err != nil {
		return nil, err
	}

	// Try to load existing key
	keyBytes, err := os.ReadFile(keyPath)
	if err == nil {
		key, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		log.Printf("Loaded SSH host key from %s", keyPath)
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	log.Printf("Generating new SSH host key at %s...", keyPath)
	privateKey, err := crypto.GenerateKeyPair(sshHostKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := crypto.SavePrivateKey(keyPath, privateKey); err != nil {
		return nil, err
	}

	key, err := ssh.NewSignerFromKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	log.Printf("Generated and saved new SSH host key")
	return key, nil
}
