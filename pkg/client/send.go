package client

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aeolun/securechat/pkg/crypto"
	"github.com/aeolun/securechat/pkg/protocol"
)

// SendMessage encrypts text once and wraps the key for every other member of our
// room. It returns the number of recipients.
func (c *Client) SendMessage(text string) (int, error) {
	recipients := c.roomRecipients()
	if len(recipients) == 0 {
		return 0, ErrNoRecipients
	}

	sealer, err := crypto.NewSealer()
	if err != nil {
		return 0, err
	}
	ciphertext, nonce, err := sealer.Seal([]byte(text))
	if err != nil {
		return 0, err
	}
	keys, err := sealer.WrapAll(recipients)
	if err != nil {
		return 0, err
	}

	return len(keys), c.send(&protocol.SendMessage{Ciphertext: ciphertext, Nonce: nonce, Keys: keys})
}

// Whisper sends text to a single participant in any room
func (c *Client) Whisper(to, text string) error {
	peer, err := c.lookup(to)
	if err != nil {
		return err
	}

	sealer, err := crypto.NewSealer()
	if err != nil {
		return err
	}
	ciphertext, nonce, err := sealer.Seal([]byte(text))
	if err != nil {
		return err
	}
	key, err := sealer.WrapFor(peer.PublicKey)
	if err != nil {
		return err
	}

	return c.send(&protocol.SendWhisper{To: peer.ID, Ciphertext: ciphertext, Nonce: nonce, Key: key})
}

// ValidateFileSize rejects files larger than max bytes
func ValidateFileSize(size, max int64) error {
	if size > max {
		return fmt.Errorf("%w: %d bytes, the limit is %d", ErrFileTooLarge, size, max)
	}
	return nil
}

// SendFile encrypts the file at path for every other member of our room. The name
// and SHA3 fingerprint travel encrypted under the same key with their own nonces.
// Oversize files are rejected before anything is read or sent.
func (c *Client) SendFile(path string) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", path)
	}
	if err := ValidateFileSize(info.Size(), c.opts.MaxFileSize); err != nil {
		return 0, err
	}

	recipients := c.roomRecipients()
	if len(recipients) == 0 {
		return 0, ErrNoRecipients
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	if err := ValidateFileSize(int64(len(data)), c.opts.MaxFileSize); err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, fmt.Errorf("%s is empty", path)
	}

	ext := filepath.Ext(path)
	name := strings.TrimSuffix(filepath.Base(path), ext)

	sealer, err := crypto.NewSealer()
	if err != nil {
		return 0, err
	}
	body, bodyNonce, err := sealer.Seal(data)
	if err != nil {
		return 0, err
	}
	sealedName, nameNonce, err := sealer.Seal([]byte(name))
	if err != nil {
		return 0, err
	}
	fingerprint, fingerprintNonce, err := sealer.Seal(crypto.Fingerprint(data))
	if err != nil {
		return 0, err
	}
	keys, err := sealer.WrapAll(recipients)
	if err != nil {
		return 0, err
	}

	return len(keys), c.send(&protocol.SendFile{
		Name:             sealedName,
		NameNonce:        nameNonce,
		Ext:              ext,
		Data:             body,
		Nonce:            bodyNonce,
		Fingerprint:      fingerprint,
		FingerprintNonce: fingerprintNonce,
		Keys:             keys,
	})
}

// CreateRoom creates a room administered by us and moves us into it
func (c *Client) CreateRoom(name string) error {
	return c.send(&protocol.CreateRoom{Name: name})
}

// Join enters room directly when invited, otherwise asks its admin
func (c *Client) Join(room string) error {
	return c.send(&protocol.JoinRoom{Room: room})
}

// Leave returns to the main room
func (c *Client) Leave() error {
	return c.send(&protocol.LeaveRoom{})
}

// Invite invites a participant to room, or to our current room when room is empty
func (c *Client) Invite(who, room string) error {
	peer, err := c.lookup(who)
	if err != nil {
		return err
	}
	return c.send(&protocol.InviteUser{ID: peer.ID, Room: room})
}

// Accept admits a pending join request to the room we administer
func (c *Client) Accept(who string) error {
	peer, err := c.lookup(who)
	if err != nil {
		return err
	}
	return c.send(&protocol.AcceptRequest{ID: peer.ID})
}

// Decline refuses a pending join request
func (c *Client) Decline(who string) error {
	peer, err := c.lookup(who)
	if err != nil {
		return err
	}
	return c.send(&protocol.DeclineRequest{ID: peer.ID})
}

// Kick moves a member of the room we administer back to main
func (c *Client) Kick(who string) error {
	peer, err := c.lookup(who)
	if err != nil {
		return err
	}
	return c.send(&protocol.KickUser{ID: peer.ID})
}

// ChangeNickname asks the server for a new nickname. The server confirms with a notice.
func (c *Client) ChangeNickname(nick string) error {
	sealed, err := crypto.Encrypt(c.serverKey, []byte(nick))
	if err != nil {
		return err
	}
	return c.send(&protocol.ChangeNick{Nickname: sealed})
}

func (c *Client) lookup(who string) (Peer, error) {
	peer, ok := c.Peer(who)
	if !ok || peer.PublicKey == nil {
		return Peer{}, fmt.Errorf("%w: %s", ErrUnknownPeer, who)
	}
	return peer, nil
}
