package server

import (
	"crypto/rsa"
	"sync"

	"github.com/aeolun/securechat/pkg/protocol"
)

// Participant is an authenticated connection. ID, Addr and the key never change after
// admission; nickname and room are written only by the Registry while it holds its lock.
type Participant struct {
	ID     string
	Addr   string
	Key    *rsa.PublicKey
	KeyPEM string

	mu       sync.RWMutex
	nickname string
	room     string

	out       Sender
	leaveOnce sync.Once
}

// NewParticipant creates a participant that is not yet admitted
func NewParticipant(addr string, key *rsa.PublicKey, keyPEM string, out Sender) *Participant {
	return &Participant{
		Addr:   addr,
		Key:    key,
		KeyPEM: keyPEM,
		out:    out,
	}
}

// Nickname returns the current case-folded nickname
func (p *Participant) Nickname() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nickname
}

// Room returns the name of the room the participant is in
func (p *Participant) Room() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.room
}

func (p *Participant) setNickname(nick string) {
	p.mu.Lock()
	p.nickname = nick
	p.mu.Unlock()
}

func (p *Participant) setRoom(room string) {
	p.mu.Lock()
	p.room = room
	p.mu.Unlock()
}

// Send queues a package for this participant
func (p *Participant) Send(pkg protocol.Package) bool {
	return p.out.Send(pkg)
}

// Close drops the connection
func (p *Participant) Close() {
	p.out.Close()
}

func (p *Participant) info() protocol.UserInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return protocol.UserInfo{ID: p.ID, Key: p.KeyPEM, Nick: p.nickname, Room: p.room}
}

func (p *Participant) intro() *protocol.KeyIntro {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return &protocol.KeyIntro{PublicKey: p.KeyPEM, ID: p.ID, Nickname: p.nickname, Room: p.room}
}
