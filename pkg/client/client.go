package client

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/crypto/ssh"

	"github.com/aeolun/securechat/pkg/crypto"
	"github.com/aeolun/securechat/pkg/protocol"
)

const (
	// DefaultVersion must match the server's protocol_version exactly
	DefaultVersion = "1.0.0"

	// DefaultMaxFileSize is the largest plaintext file accepted in either direction
	DefaultMaxFileSize = 100_000_000

	defaultHandshakeTimeout = 30 * time.Second
	eventBuffer             = 256
)

var (
	ErrFileTooLarge      = errors.New("file too large")
	ErrServerKeyMismatch = errors.New("server key does not match the pinned key")
	ErrNicknameRejected  = errors.New("nickname rejected")
	ErrNoRecipients      = errors.New("nobody else is in the room")
	ErrUnknownPeer       = errors.New("unknown participant")
	ErrClosed            = errors.New("client closed")
	ErrUnexpectedPackage = errors.New("unexpected package")
)

// RejectedError is a fatal rejection sent by the server, e.g. a bad one-time code
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "server rejected the connection: " + e.Reason
}

// Options configures a client. Nickname is required; everything else has a default.
type Options struct {
	Nickname    string
	OneTimeCode string
	Version     string

	// Key is our RSA identity. A fresh DefaultKeyBits key is generated when nil.
	Key *rsa.PrivateKey

	// ServerKey pins the server identity; the handshake fails on mismatch
	ServerKey *rsa.PublicKey

	// RetryNickname supplies a new nickname after the server rejected one. When nil
	// the handshake fails with ErrNicknameRejected.
	RetryNickname func(warning string) (string, error)

	DownloadDir      string
	MaxFileSize      int64
	MaxPackageSize   uint64
	HandshakeTimeout time.Duration

	// HostKeyCallback replaces known_hosts verification for ssh:// addresses
	HostKeyCallback ssh.HostKeyCallback

	Logger *log.Logger
}

func (o *Options) setDefaults() error {
	if strings.TrimSpace(o.Nickname) == "" {
		return fmt.Errorf("%w: nickname is empty", ErrNicknameRejected)
	}
	if o.Version == "" {
		o.Version = DefaultVersion
	}
	if o.Key == nil {
		key, err := crypto.GenerateKeyPair(crypto.DefaultKeyBits)
		if err != nil {
			return err
		}
		o.Key = key
	}
	if o.DownloadDir == "" {
		o.DownloadDir = "."
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.MaxPackageSize == 0 {
		o.MaxPackageSize = protocol.DefaultMaxPackageSize
	}
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.Logger == nil {
		o.Logger = log.New(io.Discard, "", 0)
	}
	return nil
}

// Peer is another participant as announced by the server
type Peer struct {
	ID        string
	Nickname  string
	Room      string
	PublicKey *rsa.PublicKey
}

// Client is an admitted chat session. State changes from the server are applied
// before the corresponding event is delivered on Events.
type Client struct {
	conn      net.Conn
	opts      Options
	serverKey *rsa.PublicKey
	logger    *log.Logger

	writeMu sync.Mutex

	mu       sync.RWMutex
	nickname string
	room     string
	rooms    []string
	peers    map[string]*Peer
	rejected error

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to addr (host:port, ssh://, ws:// or wss://) and runs the handshake
func Dial(addr string, opts Options) (*Client, error) {
	cfg, err := parseServerAddress(addr, opts.HostKeyCallback)
	if err != nil {
		return nil, err
	}
	if cfg.warning != "" && opts.Logger != nil {
		opts.Logger.Printf("Warning: %s", cfg.warning)
	}

	conn, err := cfg.dial()
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.display, err)
	}

	c, err := New(conn, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// New runs the handshake over an established connection and starts the reader.
// The caller keeps ownership of conn if New fails.
func New(conn net.Conn, opts Options) (*Client, error) {
	if err := opts.setDefaults(); err != nil {
		return nil, err
	}

	c := &Client{
		conn:     conn,
		opts:     opts,
		logger:   opts.Logger,
		nickname: strings.TrimSpace(opts.Nickname),
		peers:    make(map[string]*Peer),
		events:   make(chan Event, eventBuffer),
		done:     make(chan struct{}),
	}

	if err := c.handshake(); err != nil {
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

func (c *Client) handshake() error {
	if err := c.conn.SetDeadline(time.Now().Add(c.opts.HandshakeTimeout)); err != nil {
		return err
	}

	pkg, err := c.read()
	if err != nil {
		return err
	}
	auth, ok := pkg.(*protocol.ServerAuth)
	if !ok {
		return unexpected(pkg, protocol.TypeServerAuth)
	}
	serverKey, err := crypto.ParsePublicKey(auth.PublicKey)
	if err != nil {
		return fmt.Errorf("server key: %w", err)
	}
	if c.opts.ServerKey != nil && !serverKey.Equal(c.opts.ServerKey) {
		return ErrServerKeyMismatch
	}
	c.serverKey = serverKey

	pub, err := crypto.MarshalPublicKey(&c.opts.Key.PublicKey)
	if err != nil {
		return err
	}
	if err := c.send(&protocol.ClientKey{PublicKey: pub}); err != nil {
		return err
	}

	warning := ""
	for {
		pkg, err := c.read()
		if err != nil {
			return err
		}

		switch p := pkg.(type) {
		case *protocol.InfoRequest:
			if warning != "" {
				if c.opts.RetryNickname == nil {
					return fmt.Errorf("%w: %s", ErrNicknameRejected, warning)
				}
				nick, err := c.opts.RetryNickname(warning)
				if err != nil {
					return err
				}
				c.nickname = strings.TrimSpace(nick)
				warning = ""
			}
			if err := c.sendInfo(); err != nil {
				return err
			}

		case *protocol.Warning:
			warning = p.Text

		case *protocol.Error:
			return &RejectedError{Reason: p.Reason}

		case *protocol.Accepted:
			c.mu.Lock()
			if c.room == "" {
				c.room = "main"
			}
			c.mu.Unlock()
			return c.conn.SetDeadline(time.Time{})

		default:
			// Roster updates during admission are state only; the nickname notices matter
			if ev, ok := c.apply(pkg).(NoticeEvent); ok {
				c.events <- ev
			}
		}
	}
}

func (c *Client) sendInfo() error {
	nick, err := crypto.Encrypt(c.serverKey, []byte(c.nickname))
	if err != nil {
		return err
	}
	code, err := crypto.Encrypt(c.serverKey, []byte(c.opts.OneTimeCode))
	if err != nil {
		return err
	}
	return c.send(&protocol.ClientInfo{Nickname: nick, OneTimeCode: code, Version: c.opts.Version})
}

func unexpected(p protocol.Package, want string) error {
	if e, ok := p.(*protocol.Error); ok {
		return &RejectedError{Reason: e.Reason}
	}
	return fmt.Errorf("%w: got %q, want %q", ErrUnexpectedPackage, p.Type(), want)
}

func (c *Client) readLoop() {
	defer close(c.events)

	for {
		pkg, err := c.read()
		if err != nil {
			var decodeErr *protocol.DecodeError
			if errors.As(err, &decodeErr) {
				c.logger.Printf("Ignoring malformed %s package: %v", decodeErr.Type, err)
				continue
			}
			c.emit(DisconnectedEvent{Err: c.disconnectReason(err)})
			return
		}

		if ev := c.handle(pkg); ev != nil {
			c.emit(ev)
		}
	}
}

func (c *Client) disconnectReason(err error) error {
	select {
	case <-c.done:
		return nil
	default:
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.rejected != nil {
		return c.rejected
	}
	return err
}

// handle processes one post-handshake package and returns the event to deliver
func (c *Client) handle(pkg protocol.Package) Event {
	switch p := pkg.(type) {
	case *protocol.Message:
		return c.openDelivery(&p.Delivery, false)
	case *protocol.Whisper:
		return c.openDelivery(&p.Delivery, true)
	case *protocol.File:
		return c.receiveFile(p)
	case *protocol.Error:
		c.mu.Lock()
		c.rejected = &RejectedError{Reason: p.Reason}
		c.mu.Unlock()
		return nil
	case *protocol.ServerAuth, *protocol.InfoRequest, *protocol.Accepted:
		c.logger.Printf("Ignoring %s after the handshake", p.Type())
		return nil
	case *protocol.Unrecognized:
		c.logger.Printf("Ignoring unknown package type %q", p.Tag)
		return nil
	}
	return c.apply(pkg)
}

// apply updates local state for roster, room and notice packages
func (c *Client) apply(pkg protocol.Package) Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch p := pkg.(type) {
	case *protocol.KeyIntro:
		key, err := crypto.ParsePublicKey(p.PublicKey)
		if err != nil {
			c.logger.Printf("Ignoring key for %s: %v", p.ID, err)
			return nil
		}
		c.peers[p.ID] = &Peer{ID: p.ID, Nickname: p.Nickname, Room: p.Room, PublicKey: key}
		return RosterEvent{Package: p}

	case *protocol.UserInfoChange:
		peer, ok := c.peers[p.ID]
		if !ok {
			peer = &Peer{ID: p.ID}
			c.peers[p.ID] = peer
		}
		peer.Nickname = p.User.Nick
		peer.Room = p.User.Room
		if p.User.Key != "" {
			if key, err := crypto.ParsePublicKey(p.User.Key); err == nil {
				peer.PublicKey = key
			}
		}
		return RosterEvent{Package: p}

	case *protocol.RemoveUser:
		delete(c.peers, p.ID)
		return RosterEvent{Package: p}

	case *protocol.NewRoom:
		if !lo.Contains(c.rooms, p.Name) {
			c.rooms = append(c.rooms, p.Name)
		}
		return RosterEvent{Package: p}

	case *protocol.DelRoom:
		c.rooms = lo.Without(c.rooms, p.Name)
		return RosterEvent{Package: p}

	case *protocol.RoomChange:
		c.room = p.Name
		return RoomEvent{Room: p.Name}

	case *protocol.NickChanged:
		c.nickname = p.Nickname
		return NoticeEvent{Text: "You are now known as " + p.Nickname}

	case *protocol.NickWarning:
		c.nickname = p.Nickname
		return NoticeEvent{Text: "That nickname is taken, you are now known as " + p.Nickname, Warning: true}

	case *protocol.Notification:
		return NoticeEvent{Text: p.Text}
	case *protocol.Warning:
		return NoticeEvent{Text: p.Text, Warning: true}
	case *protocol.InviteRequest:
		return InviteEvent{Room: p.Room}
	case *protocol.JoinRequest:
		return JoinRequestEvent{ID: p.ID, Nickname: p.Nickname, Room: p.Room}
	case *protocol.FileReceived:
		return FileAckEvent{Nickname: p.Nickname}
	case *protocol.Kicked:
		return KickedEvent{}
	case *protocol.ClearAll:
		return ClearEvent{}
	}

	c.logger.Printf("Ignoring unexpected %s package", pkg.Type())
	return nil
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Client) read() (protocol.Package, error) {
	return protocol.Read(c.conn, protocol.ToClient, c.opts.MaxPackageSize)
}

func (c *Client) send(p protocol.Package) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.Write(c.conn, p)
}

// Events delivers server events until the connection ends. The channel is closed
// after a final DisconnectedEvent.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Close ends the session
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// ServerKey returns the server public key presented during the handshake
func (c *Client) ServerKey() *rsa.PublicKey {
	return c.serverKey
}

// Nickname returns our nickname as the server knows it
func (c *Client) Nickname() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nickname
}

// Room returns the room we are in
func (c *Client) Room() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room
}

// Rooms returns the known rooms in creation order
func (c *Client) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.rooms...)
}

// Peers returns every other participant, sorted by nickname
func (c *Client) Peers() []Peer {
	c.mu.RLock()
	defer c.mu.RUnlock()

	peers := make([]Peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, *p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Nickname < peers[j].Nickname })
	return peers
}

// Peer looks up a participant by nickname (case-insensitive) or id
func (c *Client) Peer(nickOrID string) (Peer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if p, ok := c.peers[nickOrID]; ok {
		return *p, true
	}
	for _, p := range c.peers {
		if strings.EqualFold(p.Nickname, nickOrID) {
			return *p, true
		}
	}
	return Peer{}, false
}

func (c *Client) nicknameOf(id string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.peers[id]; ok {
		return p.Nickname
	}
	return id
}

// roomRecipients returns the keys of the other members of our room
func (c *Client) roomRecipients() map[string]*rsa.PublicKey {
	c.mu.RLock()
	defer c.mu.RUnlock()

	recipients := make(map[string]*rsa.PublicKey)
	for id, p := range c.peers {
		if p.Room == c.room && p.PublicKey != nil {
			recipients[id] = p.PublicKey
		}
	}
	return recipients
}
