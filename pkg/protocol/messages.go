package protocol

import (
	"go.mongodb.org/mongo-driver/bson"
)

// Wire tags
const (
	TypeServerAuth     = "server-auth"
	TypeKey            = "key"
	TypeInfo           = "info"
	TypeAccepted       = "accepted"
	TypeError          = "error"
	TypeMessage        = "message"
	TypeWhisper        = "whisper"
	TypeFile           = "file"
	TypeFileReceived   = "file-received"
	TypeCreateRoom     = "create-chatroom"
	TypeJoin           = "join"
	TypeLeave          = "leave"
	TypeInvite         = "invite"
	TypeAccept         = "accept"
	TypeDecline        = "decline"
	TypeKick           = "kick"
	TypeNickChange     = "nick-change"
	TypeNewRoom        = "new-room"
	TypeDelRoom        = "del-room"
	TypeRoomChange     = "room-change"
	TypeRemoveUser     = "remove-user"
	TypeUserInfoChange = "user-info-change"
	TypeNotification   = "notification"
	TypeWarning        = "warning"
	TypeNickWarning    = "nick-warning"
	TypeInviteReq      = "invite-req"
	TypeJoinReq        = "join-req"
	TypeClearAll       = "clearall"
)

// newPackage returns an empty package for tag in the given direction, or nil if the
// tag is not part of the protocol for that direction.
func newPackage(tag string, dir Direction) Package {
	if dir == ToServer {
		switch tag {
		case TypeKey:
			return &ClientKey{}
		case TypeInfo:
			return &ClientInfo{}
		case TypeMessage:
			return &SendMessage{}
		case TypeWhisper:
			return &SendWhisper{}
		case TypeFile:
			return &SendFile{}
		case TypeFileReceived:
			return &AckFile{}
		case TypeCreateRoom:
			return &CreateRoom{}
		case TypeJoin:
			return &JoinRoom{}
		case TypeLeave:
			return &LeaveRoom{}
		case TypeInvite:
			return &InviteUser{}
		case TypeAccept:
			return &AcceptRequest{}
		case TypeDecline:
			return &DeclineRequest{}
		case TypeKick:
			return &KickUser{}
		case TypeNickChange:
			return &ChangeNick{}
		}
		return nil
	}

	switch tag {
	case TypeServerAuth:
		return &ServerAuth{}
	case TypeInfo:
		return &InfoRequest{}
	case TypeAccepted:
		return &Accepted{}
	case TypeError:
		return &Error{}
	case TypeKey:
		return &KeyIntro{}
	case TypeMessage:
		return &Message{}
	case TypeWhisper:
		return &Whisper{}
	case TypeFile:
		return &File{}
	case TypeFileReceived:
		return &FileReceived{}
	case TypeNewRoom:
		return &NewRoom{}
	case TypeDelRoom:
		return &DelRoom{}
	case TypeRoomChange:
		return &RoomChange{}
	case TypeRemoveUser:
		return &RemoveUser{}
	case TypeUserInfoChange:
		return &UserInfoChange{}
	case TypeNotification:
		return &Notification{}
	case TypeWarning:
		return &Warning{}
	case TypeNickChange:
		return &NickChanged{}
	case TypeNickWarning:
		return &NickWarning{}
	case TypeInviteReq:
		return &InviteRequest{}
	case TypeJoinReq:
		return &JoinRequest{}
	case TypeKick:
		return &Kicked{}
	case TypeClearAll:
		return &ClearAll{}
	}
	return nil
}

// Unrecognized is a package whose tag is not part of the protocol
type Unrecognized struct {
	Tag  string
	Data bson.RawValue
}

func (p *Unrecognized) Type() string { return p.Tag }
func (p *Unrecognized) payload() any {
	if p.Data.Type == 0 {
		return nil
	}
	return p.Data
}
func (p *Unrecognized) decodePayload(v bson.RawValue) error {
	p.Data = v
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server
// ---------------------------------------------------------------------------

// ClientKey (key) - the client's PEM encoded public key
type ClientKey struct {
	PublicKey string
}

func (p *ClientKey) Type() string { return TypeKey }
func (p *ClientKey) payload() any { return p.PublicKey }
func (p *ClientKey) decodePayload(v bson.RawValue) (err error) {
	p.PublicKey, err = decodeString(v)
	if err == nil && p.PublicKey == "" {
		err = missingField("public key")
	}
	return err
}

// ClientInfo (info) - answer to the server's info request.
// Nickname and OneTimeCode are encrypted with the server public key.
type ClientInfo struct {
	Nickname    []byte `bson:"nickname"`
	OneTimeCode []byte `bson:"2fa"`
	Version     string `bson:"version"`
}

func (p *ClientInfo) Type() string                        { return TypeInfo }
func (p *ClientInfo) payload() any                        { return p }
func (p *ClientInfo) decodePayload(v bson.RawValue) error { return decodeDocument(v, p) }
func (p *ClientInfo) validate() error {
	switch {
	case len(p.Nickname) == 0:
		return missingField("nickname")
	case len(p.OneTimeCode) == 0:
		return missingField("2fa")
	case p.Version == "":
		return missingField("version")
	}
	return nil
}

// SendMessage (message) - one ciphertext for the sender's room plus the symmetric key
// wrapped once per intended recipient, keyed by participant id.
type SendMessage struct {
	Ciphertext []byte            `bson:"ciphertext"`
	Nonce      []byte            `bson:"nonce"`
	Keys       map[string][]byte `bson:"keys"`
}

func (p *SendMessage) Type() string                        { return TypeMessage }
func (p *SendMessage) payload() any                        { return p }
func (p *SendMessage) decodePayload(v bson.RawValue) error { return decodeDocument(v, p) }
func (p *SendMessage) validate() error {
	switch {
	case len(p.Ciphertext) == 0:
		return missingField("ciphertext")
	case len(p.Nonce) == 0:
		return missingField("nonce")
	case len(p.Keys) == 0:
		return missingField("keys")
	}
	return nil
}

// SendWhisper (whisper) - ciphertext for exactly one participant
type SendWhisper struct {
	To         string `bson:"id"`
	Ciphertext []byte `bson:"ciphertext"`
	Nonce      []byte `bson:"nonce"`
	Key        []byte `bson:"key"`
}

func (p *SendWhisper) Type() string                        { return TypeWhisper }
func (p *SendWhisper) payload() any                        { return p }
func (p *SendWhisper) decodePayload(v bson.RawValue) error { return decodeDocument(v, p) }
func (p *SendWhisper) validate() error {
	switch {
	case p.To == "":
		return missingField("id")
	case len(p.Ciphertext) == 0:
		return missingField("ciphertext")
	case len(p.Nonce) == 0:
		return missingField("nonce")
	case len(p.Key) == 0:
		return missingField("key")
	}
	return nil
}

// SendFile (file) - encrypted file body, name and fingerprint, all under one symmetric key
// with distinct nonces. Ext is the plain file extension.
type SendFile struct {
	Name             []byte            `bson:"name"`
	NameNonce        []byte            `bson:"namenonce"`
	Ext              string            `bson:"ext"`
	Data             []byte            `bson:"filedata"`
	Nonce            []byte            `bson:"nonce"`
	Fingerprint      []byte            `bson:"fingerprint"`
	FingerprintNonce []byte            `bson:"fingerprintnonce"`
	Keys             map[string][]byte `bson:"keys"`
}

func (p *SendFile) Type() string                        { return TypeFile }
func (p *SendFile) payload() any                        { return p }
func (p *SendFile) decodePayload(v bson.RawValue) error { return decodeDocument(v, p) }
func (p *SendFile) validate() error {
	switch {
	case len(p.Data) == 0:
		return missingField("filedata")
	case len(p.Nonce) == 0:
		return missingField("nonce")
	case len(p.Fingerprint) == 0 || len(p.FingerprintNonce) == 0:
		return missingField("fingerprint")
	case len(p.Name) == 0 || len(p.NameNonce) == 0:
		return missingField("name")
	case len(p.Keys) == 0:
		return missingField("keys")
	}
	return nil
}

// AckFile (file-received) - tells the sender of a file that it arrived
type AckFile struct {
	To string `bson:"id"`
}

func (p *AckFile) Type() string                        { return TypeFileReceived }
func (p *AckFile) payload() any                        { return p }
func (p *AckFile) decodePayload(v bson.RawValue) error { return decodeDocument(v, p) }
func (p *AckFile) validate() error {
	if p.To == "" {
		return missingField("id")
	}
	return nil
}

// CreateRoom (create-chatroom)
type CreateRoom struct {
	Name string
}

func (p *CreateRoom) Type() string { return TypeCreateRoom }
func (p *CreateRoom) payload() any { return p.Name }
func (p *CreateRoom) decodePayload(v bson.RawValue) (err error) {
	p.Name, err = decodeString(v)
	return err
}

// JoinRoom (join) - join directly when invited, otherwise queue a request for the admin
type JoinRoom struct {
	Room string
}

func (p *JoinRoom) Type() string { return TypeJoin }
func (p *JoinRoom) payload() any { return p.Room }
func (p *JoinRoom) decodePayload(v bson.RawValue) (err error) {
	p.Room, err = decodeString(v)
	return err
}

// LeaveRoom (leave) - return to the default room
type LeaveRoom struct{}

func (p *LeaveRoom) Type() string                        { return TypeLeave }
func (p *LeaveRoom) payload() any                        { return nil }
func (p *LeaveRoom) decodePayload(v bson.RawValue) error { return decodeNull(v) }

// InviteUser (invite). Room defaults to the inviter's current room.
type InviteUser struct {
	ID   string `bson:"id"`
	Room string `bson:"room,omitempty"`
}

func (p *InviteUser) Type() string                        { return TypeInvite }
func (p *InviteUser) payload() any                        { return p }
func (p *InviteUser) decodePayload(v bson.RawValue) error { return decodeDocument(v, p) }
func (p *InviteUser) validate() error {
	if p.ID == "" {
		return missingField("id")
	}
	return nil
}

// AcceptRequest (accept) - admin accepts a pending join request
type AcceptRequest struct {
	ID string `bson:"id"`
}

func (p *AcceptRequest) Type() string                        { return TypeAccept }
func (p *AcceptRequest) payload() any                        { return p }
func (p *AcceptRequest) decodePayload(v bson.RawValue) error { return decodeDocument(v, p) }
func (p *AcceptRequest) validate() error {
	if p.ID == "" {
		return missingField("id")
	}
	return nil
}

// DeclineRequest (decline) - admin declines a pending join request
type DeclineRequest struct {
	ID string `bson:"id"`
}

func (p *DeclineRequest) Type() string                        { return TypeDecline }
func (p *DeclineRequest) payload() any                        { return p }
func (p *DeclineRequest) decodePayload(v bson.RawValue) error { return decodeDocument(v, p) }
func (p *DeclineRequest) validate() error {
	if p.ID == "" {
		return missingField("id")
	}
	return nil
}

// KickUser (kick) - admin removes a member to the default room
type KickUser struct {
	ID string
}

func (p *KickUser) Type() string { return TypeKick }
func (p *KickUser) payload() any { return p.ID }
func (p *KickUser) decodePayload(v bson.RawValue) (err error) {
	p.ID, err = decodeString(v)
	if err == nil && p.ID == "" {
		err = missingField("id")
	}
	return err
}

// ChangeNick (nick-change) - new nickname encrypted with the server public key
type ChangeNick struct {
	Nickname []byte
}

func (p *ChangeNick) Type() string { return TypeNickChange }
func (p *ChangeNick) payload() any { return p.Nickname }
func (p *ChangeNick) decodePayload(v bson.RawValue) (err error) {
	p.Nickname, err = decodeBinary(v)
	return err
}

// ---------------------------------------------------------------------------
// Server -> Client
// ---------------------------------------------------------------------------

// ServerAuth (server-auth) - the server's PEM encoded public key
type ServerAuth struct {
	PublicKey string
}

func (p *ServerAuth) Type() string { return TypeServerAuth }
func (p *ServerAuth) payload() any { return p.PublicKey }
func (p *ServerAuth) decodePayload(v bson.RawValue) (err error) {
	p.PublicKey, err = decodeString(v)
	return err
}

// InfoRequest (info) - asks the client for its ClientInfo
type InfoRequest struct{}

func (p *InfoRequest) Type() string                        { return TypeInfo }
func (p *InfoRequest) payload() any                        { return nil }
func (p *InfoRequest) decodePayload(v bson.RawValue) error { return decodeNull(v) }

// Accepted (accepted) - handshake complete
type Accepted struct{}

func (p *Accepted) Type() string                        { return TypeAccepted }
func (p *Accepted) payload() any                        { return nil }
func (p *Accepted) decodePayload(v bson.RawValue) error { return decodeNull(v) }

// Error (error) - fatal rejection; the server closes the connection after sending it
type Error struct {
	Reason string
}

func (p *Error) Type() string { return TypeError }
func (p *Error) payload() any { return p.Reason }
func (p *Error) decodePayload(v bson.RawValue) (err error) {
	p.Reason, err = decodeString(v)
	return err
}

// KeyIntro (key) - introduces one participant and its public key
type KeyIntro struct {
	PublicKey string `bson:"pub_key"`
	ID        string `bson:"id"`
	Nickname  string `bson:"nickname"`
	Room      string `bson:"room"`
}

func (p *KeyIntro) Type() string                        { return TypeKey }
func (p *KeyIntro) payload() any                        { return p }
func (p *KeyIntro) decodePayload(v bson.RawValue) error { return decodeDocument(v, p) }
func (p *KeyIntro) validate() error {
	switch {
	case p.ID == "":
		return missingField("id")
	case p.PublicKey == "":
		return missingField("pub_key")
	}
	return nil
}

// Delivery is the per-recipient form of a message or whisper: the shared ciphertext
// and the symmetric key wrapped for this recipient.
type Delivery struct {
	From       string `bson:"id"`
	Ciphertext []byte `bson:"ciphertext"`
	Nonce      []byte `bson:"nonce"`
	Key        []byte `bson:"key"`
}

func (d *Delivery) validate() error {
	switch {
	case d.From == "":
		return missingField("id")
	case len(d.Ciphertext) == 0 || len(d.Nonce) == 0:
		return missingField("ciphertext")
	case len(d.Key) == 0:
		return missingField("key")
	}
	return nil
}

// Message (message) - room message delivered to one recipient
type Message struct {
	Delivery `bson:",inline"`
}

func (p *Message) Type() string                        { return TypeMessage }
func (p *Message) payload() any                        { return p }
func (p *Message) decodePayload(v bson.RawValue) error { return decodeDocument(v, p) }

// Whisper (whisper) - private message delivered to its single recipient
type Whisper struct {
	Delivery `bson:",inline"`
}

func (p *Whisper) Type() string                        { return TypeWhisper }
func (p *Whisper) payload() any                        { return p }
func (p *Whisper) decodePayload(v bson.RawValue) error { return decodeDocument(v, p) }

// File (file) - file delivered to one recipient
type File struct {
	From             string `bson:"id"`
	Name             []byte `bson:"name"`
	NameNonce        []byte `bson:"namenonce"`
	Ext              string `bson:"ext"`
	Data             []byte `bson:"filedata"`
	Nonce            []byte `bson:"nonce"`
	Fingerprint      []byte `bson:"fingerprint"`
	FingerprintNonce []byte `bson:"fingerprintnonce"`
	Key              []byte `bson:"key"`
}

func (p *File) Type() string                        { return TypeFile }
func (p *File) payload() any                        { return p }
func (p *File) decodePayload(v bson.RawValue) error { return decodeDocument(v, p) }
func (p *File) validate() error {
	switch {
	case p.From == "":
		return missingField("id")
	case len(p.Data) == 0 || len(p.Nonce) == 0:
		return missingField("filedata")
	case len(p.Key) == 0:
		return missingField("key")
	}
	return nil
}

// FileReceived (file-received) - nickname of a participant that received our file
type FileReceived struct {
	Nickname string
}

func (p *FileReceived) Type() string { return TypeFileReceived }
func (p *FileReceived) payload() any { return p.Nickname }
func (p *FileReceived) decodePayload(v bson.RawValue) (err error) {
	p.Nickname, err = decodeString(v)
	return err
}

// NewRoom (new-room)
type NewRoom struct {
	Name string
}

func (p *NewRoom) Type() string { return TypeNewRoom }
func (p *NewRoom) payload() any { return p.Name }
func (p *NewRoom) decodePayload(v bson.RawValue) (err error) {
	p.Name, err = decodeString(v)
	return err
}

// DelRoom (del-room)
type DelRoom struct {
	Name string
}

func (p *DelRoom) Type() string { return TypeDelRoom }
func (p *DelRoom) payload() any { return p.Name }
func (p *DelRoom) decodePayload(v bson.RawValue) (err error) {
	p.Name, err = decodeString(v)
	return err
}

// RoomChange (room-change) - the recipient is now in Name
type RoomChange struct {
	Name string
}

func (p *RoomChange) Type() string { return TypeRoomChange }
func (p *RoomChange) payload() any { return p.Name }
func (p *RoomChange) decodePayload(v bson.RawValue) (err error) {
	p.Name, err = decodeString(v)
	return err
}

// RemoveUser (remove-user) - participant disconnected
type RemoveUser struct {
	ID   string `bson:"id"`
	Room string `bson:"room"`
}

func (p *RemoveUser) Type() string                        { return TypeRemoveUser }
func (p *RemoveUser) payload() any                        { return p }
func (p *RemoveUser) decodePayload(v bson.RawValue) error { return decodeDocument(v, p) }
func (p *RemoveUser) validate() error {
	if p.ID == "" {
		return missingField("id")
	}
	return nil
}

// UserInfo is a participant as other participants see it
type UserInfo struct {
	ID   string `bson:"id"`
	Key  string `bson:"key"`
	Nick string `bson:"nick"`
	Room string `bson:"room"`
}

// UserInfoChange (user-info-change) - a participant changed room or nickname
type UserInfoChange struct {
	ID   string   `bson:"id"`
	User UserInfo `bson:"user"`
}

func (p *UserInfoChange) Type() string                        { return TypeUserInfoChange }
func (p *UserInfoChange) payload() any                        { return p }
func (p *UserInfoChange) decodePayload(v bson.RawValue) error { return decodeDocument(v, p) }
func (p *UserInfoChange) validate() error {
	if p.ID == "" || p.User.ID == "" {
		return missingField("id")
	}
	return nil
}

// Notification (notification) - informational display string
type Notification struct {
	Text string
}

func (p *Notification) Type() string { return TypeNotification }
func (p *Notification) payload() any { return p.Text }
func (p *Notification) decodePayload(v bson.RawValue) (err error) {
	p.Text, err = decodeString(v)
	return err
}

// Warning (warning) - a recoverable command failure
type Warning struct {
	Text string
}

func (p *Warning) Type() string { return TypeWarning }
func (p *Warning) payload() any { return p.Text }
func (p *Warning) decodePayload(v bson.RawValue) (err error) {
	p.Text, err = decodeString(v)
	return err
}

// NickChanged (nick-change) - the recipient's nickname is now Nickname
type NickChanged struct {
	Nickname string
}

func (p *NickChanged) Type() string { return TypeNickChange }
func (p *NickChanged) payload() any { return p.Nickname }
func (p *NickChanged) decodePayload(v bson.RawValue) (err error) {
	p.Nickname, err = decodeString(v)
	return err
}

// NickWarning (nick-warning) - requested nickname was taken, Nickname was assigned instead
type NickWarning struct {
	Nickname string
}

func (p *NickWarning) Type() string { return TypeNickWarning }
func (p *NickWarning) payload() any { return p.Nickname }
func (p *NickWarning) decodePayload(v bson.RawValue) (err error) {
	p.Nickname, err = decodeString(v)
	return err
}

// InviteRequest (invite-req) - the recipient was invited to Room
type InviteRequest struct {
	Room string
}

func (p *InviteRequest) Type() string { return TypeInviteReq }
func (p *InviteRequest) payload() any { return p.Room }
func (p *InviteRequest) decodePayload(v bson.RawValue) (err error) {
	p.Room, err = decodeString(v)
	return err
}

// JoinRequest (join-req) - sent to a room admin when someone asks to join
type JoinRequest struct {
	ID       string `bson:"id"`
	Nickname string `bson:"nickname"`
	Room     string `bson:"room"`
}

func (p *JoinRequest) Type() string                        { return TypeJoinReq }
func (p *JoinRequest) payload() any                        { return p }
func (p *JoinRequest) decodePayload(v bson.RawValue) error { return decodeDocument(v, p) }
func (p *JoinRequest) validate() error {
	if p.ID == "" {
		return missingField("id")
	}
	return nil
}

// Kicked (kick) - the recipient was kicked from its room
type Kicked struct{}

func (p *Kicked) Type() string                        { return TypeKick }
func (p *Kicked) payload() any                        { return nil }
func (p *Kicked) decodePayload(v bson.RawValue) error { return decodeNull(v) }

// ClearAll (clearall) - operator asked every client to clear its screen
type ClearAll struct{}

func (p *ClearAll) Type() string                        { return TypeClearAll }
func (p *ClearAll) payload() any                        { return nil }
func (p *ClearAll) decodePayload(v bson.RawValue) error { return decodeNull(v) }
