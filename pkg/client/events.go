package client

import "github.com/aeolun/securechat/pkg/protocol"

// Event is something the server told us after the handshake. Events are delivered in
// the order the packages arrived.
type Event interface {
	isEvent()
}

// MessageEvent is a decrypted room message or whisper. Err is set when the
// ciphertext could not be opened; Text is empty then.
type MessageEvent struct {
	From     string
	Nickname string
	Text     string
	Whisper  bool
	Err      error
}

// FileEvent reports a received file. Trusted is false when the fingerprint did not
// match the decrypted data; the file is still written so the user can inspect it.
type FileEvent struct {
	From     string
	Nickname string
	Name     string
	Path     string
	Size     int
	Trusted  bool
	Err      error
}

// NoticeEvent is a server notification, or a warning when Warning is set
type NoticeEvent struct {
	Text    string
	Warning bool
}

// RoomEvent means we are now in Room
type RoomEvent struct {
	Room string
}

// InviteEvent means we were invited to Room
type InviteEvent struct {
	Room string
}

// JoinRequestEvent is delivered to a room admin
type JoinRequestEvent struct {
	ID       string
	Nickname string
	Room     string
}

// FileAckEvent means Nickname received a file we sent
type FileAckEvent struct {
	Nickname string
}

// KickedEvent means the admin removed us from our room
type KickedEvent struct{}

// ClearEvent asks the UI to clear its screen
type ClearEvent struct{}

// RosterEvent reports a roster or room list change already applied to the client state
type RosterEvent struct {
	Package protocol.Package
}

// DisconnectedEvent is the last event before the channel closes. Err is nil when
// Close was called locally.
type DisconnectedEvent struct {
	Err error
}

func (MessageEvent) isEvent()     {}
func (FileEvent) isEvent()        {}
func (NoticeEvent) isEvent()      {}
func (RoomEvent) isEvent()        {}
func (InviteEvent) isEvent()      {}
func (JoinRequestEvent) isEvent() {}
func (FileAckEvent) isEvent()     {}
func (KickedEvent) isEvent()      {}
func (ClearEvent) isEvent()       {}
func (RosterEvent) isEvent()      {}
func (DisconnectedEvent) isEvent() {}
