package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type dialConfig struct {
	display string
	dial    func() (net.Conn, error)
	warning string
}

const (
	defaultTCPPort             = "6465"
	defaultSSHPort             = "6466"
	defaultHTTPPort            = "6467"
	secureChatSSHVersionPrefix = "SSH-2.0-SecureChat"
	dialTimeout                = 10 * time.Second
)

// parseServerAddress accepts host[:port], tcp://, ssh://[user@], ws:// and wss:// addresses
func parseServerAddress(raw string, hostKeyCallback ssh.HostKeyCallback) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	user := ""
	hostPort := trimmed
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}

		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}

		if u.User != nil {
			user = u.User.Username()
		}

		if u.Host != "" {
			hostPort = u.Host
		} else if u.Path != "" {
			hostPort = u.Path
		}

		hostPort = strings.TrimPrefix(hostPort, "//")
	}

	switch scheme {
	case "tcp", "":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}

		address := net.JoinHostPort(host, port)
		dial := func() (net.Conn, error) {
			return net.DialTimeout("tcp", address, dialTimeout)
		}

		return &dialConfig{
			display: address,
			dial:    dial,
		}, nil

	case "ssh":
		host, port, err := splitHostPortWithDefault(hostPort, defaultSSHPort)
		if err != nil {
			return nil, err
		}

		if user == "" {
			user = defaultSSHUser()
		}

		address := net.JoinHostPort(host, port)
		display := fmt.Sprintf("ssh://%s@%s", user, address)

		if hostKeyCallback != nil {
			return &dialConfig{
				display: display,
				dial: func() (net.Conn, error) {
					return dialSSH(user, address, hostKeyCallback, nil)
				},
			}, nil
		}

		verifier := newHostKeyVerifier(host, port)
		return &dialConfig{
			display: display,
			dial: func() (net.Conn, error) {
				return dialSSH(user, address, verifier.callback, verifier)
			},
			warning: verifier.warning,
		}, nil

	case "ws", "wss":
		host, port, err := splitHostPortWithDefault(hostPort, defaultHTTPPort)
		if err != nil {
			return nil, err
		}

		address := net.JoinHostPort(host, port)
		useTLS := scheme == "wss"
		return &dialConfig{
			display: fmt.Sprintf("%s://%s", scheme, address),
			dial: func() (net.Conn, error) {
				conn, err := DialWebSocket(address, useTLS)
				if err != nil {
					return nil, err
				}
				return conn, nil
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = hostPort
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
		}
		return host, defaultPort, nil
	}

	return "", "", err
}

func defaultSSHUser() string {
	if user := os.Getenv("SECURECHAT_SSH_USER"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	if user := os.Getenv("USERNAME"); user != "" {
		return user
	}
	return "anonymous"
}

type hostKeyVerifier struct {
	host         string
	port         string
	paths        []string
	callbacks    []ssh.HostKeyCallback
	acceptedFP   map[string]string
	acceptedKeys map[string]ssh.PublicKey
	warning      string
}

var errUserRejectedHostKey = errors.New("user rejected ssh host key")

func newHostKeyVerifier(host, port string) *hostKeyVerifier {
	paths := knownHostPaths()
	var callbacks []ssh.HostKeyCallback
	for _, path := range paths {
		if cb, err := knownhosts.New(path); err == nil {
			callbacks = append(callbacks, cb)
		}
	}

	warning := ""
	if len(callbacks) == 0 {
		warning = "no known_hosts file found; the SSH host key must be approved interactively"
	}

	return &hostKeyVerifier{
		host:         host,
		port:         port,
		paths:        paths,
		callbacks:    callbacks,
		acceptedFP:   make(map[string]string),
		acceptedKeys: make(map[string]ssh.PublicKey),
		warning:      warning,
	}
}

func (v *hostKeyVerifier) callback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	if len(v.callbacks) == 0 {
		return v.handleUnknownHostKey(hostname, remote, key)
	}

	var lastErr error
	for _, cb := range v.callbacks {
		if err := cb(hostname, remote, key); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	var keyErr *knownhosts.KeyError
	if errors.As(lastErr, &keyErr) {
		if len(keyErr.Want) == 0 {
			return v.handleUnknownHostKey(hostname, remote, key)
		}
		return v.handleMismatchedHostKey(hostname, keyErr, key)
	}

	return lastErr
}

func (v *hostKeyVerifier) handleUnknownHostKey(hostname string, remote net.Addr, key ssh.PublicKey) error {
	fingerprint := ssh.FingerprintSHA256(key)
	if acceptedFP, ok := v.acceptedFP[hostname]; ok && acceptedFP == fingerprint {
		return nil
	}

	if !isInteractive() {
		return fmt.Errorf("ssh host key verification failed for %s: key %s is not trusted and interactive approval is not possible. Add it with `ssh-keyscan -p %s %s >> %s` and retry", hostname, fingerprint, v.port, v.host, v.preferredKnownHostsPath())
	}

	accepted, err := promptAcceptHostKey(hostname, remote, fingerprint, v.paths)
	if err != nil {
		return err
	}
	if !accepted {
		return errUserRejectedHostKey
	}

	v.acceptedFP[hostname] = fingerprint
	v.acceptedKeys[hostname] = key
	return nil
}

func (v *hostKeyVerifier) handleMismatchedHostKey(hostname string, keyErr *knownhosts.KeyError, presented ssh.PublicKey) error {
	actual := "unknown"
	if presented != nil {
		actual = ssh.FingerprintSHA256(presented)
	}
	expected := "unknown"
	if len(keyErr.Want) > 0 && keyErr.Want[0].Key != nil {
		expected = ssh.FingerprintSHA256(keyErr.Want[0].Key)
	}

	return fmt.Errorf("ssh host key verification failed for %s: the server presented key %s but known_hosts expects %s (checked %s). Update or remove the entry before retrying", hostname, actual, expected, strings.Join(v.paths, ", "))
}

func (v *hostKeyVerifier) preferredKnownHostsPath() string {
	if len(v.paths) > 0 {
		return v.paths[0]
	}
	return filepath.Join(userHomeDir(), ".ssh", "known_hosts")
}

func (v *hostKeyVerifier) wrapError(err error) error {
	if errors.Is(err, errUserRejectedHostKey) {
		return fmt.Errorf("connection aborted: rejected SSH host key for %s", net.JoinHostPort(v.host, v.port))
	}
	return err
}

func (v *hostKeyVerifier) persistAccepted(serverVersion string) {
	for host, key := range v.acceptedKeys {
		saved := false
		for _, path := range v.paths {
			if err := appendKnownHost(path, host, serverVersion, key); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to persist SSH host key for %s in %s: %v\n", host, path, err)
				continue
			}
			saved = true
			break
		}
		if !saved {
			fmt.Fprintf(os.Stderr, "Warning: could not persist SSH host key for %s; it will need to be trusted again next time\n", host)
		}
	}

	v.acceptedKeys = make(map[string]ssh.PublicKey)
}

func knownHostPaths() []string {
	if env := os.Getenv("SSH_KNOWN_HOSTS"); env != "" {
		var paths []string
		for _, p := range strings.Split(env, string(os.PathListSeparator)) {
			if p = strings.TrimSpace(p); p != "" {
				paths = append(paths, p)
			}
		}
		return paths
	}

	home := userHomeDir()
	if home == "" {
		return nil
	}
	return []string{filepath.Join(home, ".ssh", "known_hosts")}
}

func userHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

// dialSSH opens a session channel on a chat server's SSH listener. The server does
// not authenticate SSH users; identity is established by the chat handshake.
func dialSSH(user, address string, callback ssh.HostKeyCallback, verifier *hostKeyVerifier) (net.Conn, error) {
	netConn, err := net.DialTimeout("tcp", address, dialTimeout)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            user,
		HostKeyCallback: callback,
		Timeout:         dialTimeout,
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, address, config)
	if err != nil {
		netConn.Close()
		if verifier != nil {
			return nil, verifier.wrapError(err)
		}
		return nil, err
	}

	serverBanner := string(clientConn.ServerVersion())
	if !strings.HasPrefix(serverBanner, secureChatSSHVersionPrefix) {
		clientConn.Close()
		return nil, fmt.Errorf("remote server advertised %q; expected a chat server (banner prefix %q)", serverBanner, secureChatSSHVersionPrefix)
	}

	if verifier != nil {
		verifier.persistAccepted(serverBanner)
	}

	client := ssh.NewClient(clientConn, chans, reqs)
	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		return nil, err
	}

	go ssh.DiscardRequests(requests)

	return &sshClientConn{
		channel:    channel,
		client:     client,
		localAddr:  netConn.LocalAddr(),
		remoteAddr: netConn.RemoteAddr(),
	}, nil
}

func promptAcceptHostKey(hostname string, remote net.Addr, fingerprint string, paths []string) (bool, error) {
	fmt.Printf("\nThe authenticity of host '%s' (%s) can't be established.\n", hostname, remoteString(remote))
	fmt.Printf("SSH key fingerprint is %s.\n", fingerprint)
	if len(paths) > 0 {
		fmt.Printf("If you accept, the key will be written to %s once the connection is verified.\n", paths[0])
	}

	reader := bufio.NewReader(os.Stdin)
	fmt.Print("Do you trust this host? (yes/no) [no]: ")
	answer, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	answer = strings.TrimSpace(strings.ToLower(answer))
	return answer == "yes" || answer == "y", nil
}

func appendKnownHost(path, hostname, serverVersion string, key ssh.PublicKey) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	line := knownhosts.Line([]string{hostname}, key)
	comment := fmt.Sprintf("SecureChat server banner=%s added=%s", serverVersion, time.Now().Format(time.RFC3339))
	_, err = fmt.Fprintf(f, "%s %s\n", line, comment)
	return err
}

func remoteString(remote net.Addr) string {
	if remote == nil {
		return "unknown"
	}
	return remote.String()
}

func isInteractive() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// sshClientConn exposes an SSH session channel as a net.Conn
type sshClientConn struct {
	channel    ssh.Channel
	client     *ssh.Client
	localAddr  net.Addr
	remoteAddr net.Addr
	once       sync.Once
}

func (c *sshClientConn) Read(b []byte) (int, error) {
	return c.channel.Read(b)
}

func (c *sshClientConn) Write(b []byte) (int, error) {
	return c.channel.Write(b)
}

func (c *sshClientConn) Close() error {
	var err error
	c.once.Do(func() {
		if closeErr := c.channel.Close(); closeErr != nil && !errors.Is(closeErr, io.EOF) {
			err = closeErr
		}
		c.client.Close()
	})
	return err
}

func (c *sshClientConn) LocalAddr() net.Addr  { return c.localAddr }
func (c *sshClientConn) RemoteAddr() net.Addr { return c.remoteAddr }

func (c *sshClientConn) SetDeadline(t time.Time) error      { return nil }
func (c *sshClientConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *sshClientConn) SetWriteDeadline(t time.Time) error { return nil }
