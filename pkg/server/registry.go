package server

import (
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/text/cases"

	"github.com/aeolun/securechat/pkg/protocol"
)

const (
	// DefaultRoom always exists, never has an admin and is never swept
	DefaultRoom = "main"

	maxRoomNameLength = 64
)

// Room is a named group of participants. Members, Invited and Requests hold participant
// ids; Members is kept in join order, which decides admin succession.
type Room struct {
	Name     string
	Admin    string
	Members  []string
	Invited  []string
	Requests []string
}

func (r *Room) clone() Room {
	return Room{
		Name:     r.Name,
		Admin:    r.Admin,
		Members:  append([]string(nil), r.Members...),
		Invited:  append([]string(nil), r.Invited...),
		Requests: append([]string(nil), r.Requests...),
	}
}

// Registry is the authoritative room and membership state. Every mutation and every
// notification it causes happens under one lock, so all participants observe room
// changes in the same order.
type Registry struct {
	mu           sync.RWMutex
	rooms        map[string]*Room
	order        []string
	participants map[string]*Participant
	nicknames    map[string]string

	maxNickname int
	metrics     *Metrics
	newID       func() string
}

// NewRegistry creates a registry holding only the default room
func NewRegistry(maxNickname int, metrics *Metrics) *Registry {
	r := &Registry{
		rooms:        map[string]*Room{DefaultRoom: {Name: DefaultRoom}},
		order:        []string{DefaultRoom},
		participants: make(map[string]*Participant),
		nicknames:    make(map[string]string),
		maxNickname:  maxNickname,
		metrics:      metrics,
		newID:        uuid.NewString,
	}
	r.metrics.SetRooms(1)
	return r
}

// CanonicalNickname trims and case-folds a nickname
func CanonicalNickname(nick string) string {
	return cases.Fold().String(strings.TrimSpace(nick))
}

// ValidateNickname checks a canonical nickname. The returned error is a *CommandError.
func (r *Registry) ValidateNickname(nick string) error {
	switch {
	case nick == "":
		return validationError("Please enter a nickname")
	case r.maxNickname > 0 && len([]rune(nick)) > r.maxNickname:
		return validationError("Nickname is too long (max %d characters)", r.maxNickname)
	case strings.IndexFunc(nick, unicode.IsSpace) >= 0:
		return validationError("Nickname cannot contain spaces")
	}
	return nil
}

// Admission reports how a requested nickname was resolved
type Admission struct {
	Nickname   string
	Normalized bool
	Collided   bool
}

// Admit assigns p an id and a unique nickname, introduces it to every connected
// participant and places it in the default room. The requested nickname must already
// have passed ValidateNickname. Packages reach p in this order: nick-change,
// nick-warning, key introductions, room list, accepted.
func (r *Registry) Admit(p *Participant, requested string) Admission {
	r.mu.Lock()
	defer r.mu.Unlock()

	nick := CanonicalNickname(requested)
	adm := Admission{Nickname: nick}
	if nick != strings.TrimSpace(requested) {
		adm.Normalized = true
		p.Send(&protocol.NickChanged{Nickname: nick})
	}
	if _, taken := r.nicknames[nick]; taken {
		nick = r.placeholderLocked()
		adm.Nickname = nick
		adm.Collided = true
		p.Send(&protocol.NickWarning{Nickname: nick})
	}

	p.ID = r.newID()
	p.setNickname(nick)
	p.setRoom(DefaultRoom)

	intro := p.intro()
	for _, other := range r.participants {
		other.Send(intro)
		p.Send(other.intro())
	}
	for _, name := range r.order {
		p.Send(&protocol.NewRoom{Name: name})
	}
	r.sendRoomLocked(DefaultRoom, &protocol.Notification{Text: nick + " joined!"}, "")

	r.participants[p.ID] = p
	r.nicknames[nick] = p.ID
	home := r.rooms[DefaultRoom]
	home.Members = append(home.Members, p.ID)

	p.Send(&protocol.Accepted{})

	r.metrics.SetParticipants(len(r.participants))
	return adm
}

func (r *Registry) placeholderLocked() string {
	for {
		nick := "guest-" + r.newID()[:8]
		if _, taken := r.nicknames[nick]; !taken {
			return nick
		}
	}
}

// Remove runs the disconnect cleanup for id: it leaves its room and every invite and
// request list, the others are told, and admin succession and the empty-room sweep run.
// It reports false if id was not registered.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[id]
	if !ok {
		return false
	}
	delete(r.participants, id)
	delete(r.nicknames, p.Nickname())

	room := r.rooms[p.Room()]
	room.Members = lo.Without(room.Members, id)
	for _, rm := range r.rooms {
		rm.Invited = lo.Without(rm.Invited, id)
		rm.Requests = lo.Without(rm.Requests, id)
	}

	r.sendAllLocked(&protocol.RemoveUser{ID: id, Room: room.Name}, "")
	r.departedLocked(room, id)

	r.metrics.SetParticipants(len(r.participants))
	return true
}

// CreateRoom creates a room administered by id and moves id into it
func (r *Registry) CreateRoom(id, name string) error {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return validationError("Chatroom name cannot be empty")
	case len(name) > maxRoomNameLength:
		return validationError("Chatroom name is too long (max %d characters)", maxRoomNameLength)
	case strings.IndexFunc(name, unicode.IsSpace) >= 0:
		return validationError("Chatroom name cannot contain spaces")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.participantLocked(id)
	if err != nil {
		return err
	}
	if _, exists := r.rooms[name]; exists {
		return validationError("Chatroom name already in use")
	}

	room := &Room{Name: name, Admin: id}
	r.rooms[name] = room
	r.order = append(r.order, name)
	r.sendAllLocked(&protocol.NewRoom{Name: name}, "")
	r.moveLocked(p, room)

	r.metrics.SetRooms(len(r.rooms))
	return nil
}

// JoinRoom joins an invited participant directly; anyone else is queued as a join request
// for the room's admin. Joining the default room never needs approval.
func (r *Registry) JoinRoom(id, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.participantLocked(id)
	if err != nil {
		return err
	}
	room, ok := r.rooms[name]
	if !ok {
		return notFoundError("Room %s does not exist", name)
	}
	if p.Room() == name {
		return validationError("You are already in %s", name)
	}

	if name == DefaultRoom || lo.Contains(room.Invited, id) {
		r.moveLocked(p, room)
		r.sendRoomLocked(name, &protocol.Notification{Text: p.Nickname() + " joined the room"}, id)
		return nil
	}

	if lo.Contains(room.Requests, id) {
		return validationError("You already asked to join %s", name)
	}
	room.Requests = append(room.Requests, id)
	p.Send(&protocol.Notification{Text: "A join request has been sent to the admin of this room"})
	if admin, ok := r.participants[room.Admin]; ok {
		admin.Send(&protocol.JoinRequest{ID: id, Nickname: p.Nickname(), Room: name})
	}
	return nil
}

// Leave moves id back to the default room
func (r *Registry) Leave(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.participantLocked(id)
	if err != nil {
		return err
	}
	if p.Room() == DefaultRoom {
		return validationError("You are already in the %s room", DefaultRoom)
	}

	r.sendRoomLocked(p.Room(), &protocol.Notification{Text: p.Nickname() + " left the room"}, id)
	p.Send(&protocol.Notification{Text: "You left the room"})
	r.moveLocked(p, r.rooms[DefaultRoom])
	return nil
}

// Invite lets the admin of roomName invite target. An empty roomName means the
// admin's current room.
func (r *Registry) Invite(adminID, targetID, roomName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.participantLocked(adminID)
	if err != nil {
		return err
	}
	if roomName == "" {
		roomName = p.Room()
	}
	room, ok := r.rooms[roomName]
	if !ok {
		return notFoundError("Room %s does not exist", roomName)
	}
	if err := requireAdmin(room, adminID, "invite users"); err != nil {
		return err
	}

	target, ok := r.participants[targetID]
	if !ok {
		return notFoundError("User not found")
	}
	if target.Room() == room.Name {
		return validationError("%s is already in this room", target.Nickname())
	}

	room.Requests = lo.Without(room.Requests, targetID)
	if !lo.Contains(room.Invited, targetID) {
		room.Invited = append(room.Invited, targetID)
	}
	target.Send(&protocol.InviteRequest{Room: room.Name})
	p.Send(&protocol.Notification{Text: fmt.Sprintf("Invited %s to %s", target.Nickname(), room.Name)})
	return nil
}

// Accept admits a pending requester into the admin's current room. A requester that is
// no longer pending or no longer connected is ignored.
func (r *Registry) Accept(adminID, requesterID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.adminRoomLocked(adminID, "accept requests")
	if err != nil {
		return err
	}
	if !lo.Contains(room.Requests, requesterID) {
		debugLog.Printf("accept: %s has no pending request for %s", requesterID, room.Name)
		return nil
	}
	room.Requests = lo.Without(room.Requests, requesterID)

	requester, ok := r.participants[requesterID]
	if !ok {
		return nil
	}
	r.moveLocked(requester, room)
	r.sendRoomLocked(room.Name, &protocol.Notification{Text: requester.Nickname() + " joined the room"}, requesterID)
	return nil
}

// Decline drops a pending request for the admin's current room and tells the requester
func (r *Registry) Decline(adminID, requesterID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.adminRoomLocked(adminID, "decline requests")
	if err != nil {
		return err
	}
	if !lo.Contains(room.Requests, requesterID) {
		debugLog.Printf("decline: %s has no pending request for %s", requesterID, room.Name)
		return nil
	}
	room.Requests = lo.Without(room.Requests, requesterID)

	if requester, ok := r.participants[requesterID]; ok {
		requester.Send(&protocol.Warning{Text: "Your request to join the room has been declined"})
	}
	return nil
}

// Kick moves target from the admin's current room to the default room
func (r *Registry) Kick(adminID, targetID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.adminRoomLocked(adminID, "kick users")
	if err != nil {
		return err
	}
	if targetID == adminID {
		return validationError("You cannot kick yourself")
	}
	target, ok := r.participants[targetID]
	if !ok || target.Room() != room.Name {
		return notFoundError("User is not in this room")
	}

	target.Send(&protocol.Kicked{})
	r.sendRoomLocked(room.Name, &protocol.Notification{Text: target.Nickname() + " was kicked"}, targetID)
	r.moveLocked(target, r.rooms[DefaultRoom])
	return nil
}

// ChangeNickname renames id. requested is canonicalized and must be unique.
func (r *Registry) ChangeNickname(id, requested string) error {
	nick := CanonicalNickname(requested)
	if err := r.ValidateNickname(nick); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.participantLocked(id)
	if err != nil {
		return err
	}
	old := p.Nickname()
	if nick == old {
		return validationError("That is already your nickname")
	}
	if _, taken := r.nicknames[nick]; taken {
		return validationError("Nickname already taken")
	}

	r.sendAllLocked(&protocol.Notification{Text: fmt.Sprintf("%s is now known as %s", old, nick)}, "")
	delete(r.nicknames, old)
	r.nicknames[nick] = id
	p.setNickname(nick)
	r.sendAllLocked(&protocol.UserInfoChange{ID: id, User: p.info()}, id)
	p.Send(&protocol.NickChanged{Nickname: nick})
	return nil
}

// Sweep deletes every empty room except the default one and returns their names
func (r *Registry) Sweep() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweepLocked()
}

// Broadcast sends p to every participant and returns the number of recipients
func (r *Registry) Broadcast(p protocol.Package) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sendAllLocked(p, "")
}

// CloseAll drops every participant connection. Cleanup runs from each connection's
// handler as its read fails.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.participants {
		p.Close()
	}
}

// Rooms returns a copy of every room in creation order
func (r *Registry) Rooms() []Room {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]Room, 0, len(r.order))
	for _, name := range r.order {
		rooms = append(rooms, r.rooms[name].clone())
	}
	return rooms
}

// Room returns a copy of the named room
func (r *Registry) Room(name string) (Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[name]
	if !ok {
		return Room{}, false
	}
	return room.clone(), true
}

// Participant looks up a connected participant by id
func (r *Registry) Participant(id string) (*Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.participants[id]
	return p, ok
}

// ParticipantCount returns the number of connected participants
func (r *Registry) ParticipantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

func (r *Registry) participantLocked(id string) (*Participant, error) {
	p, ok := r.participants[id]
	if !ok {
		return nil, notFoundError("Unknown participant")
	}
	return p, nil
}

func (r *Registry) adminRoomLocked(adminID, action string) (*Room, error) {
	p, err := r.participantLocked(adminID)
	if err != nil {
		return nil, err
	}
	room := r.rooms[p.Room()]
	if err := requireAdmin(room, adminID, action); err != nil {
		return nil, err
	}
	return room, nil
}

func requireAdmin(room *Room, id, action string) error {
	if room.Name == DefaultRoom {
		return authorizationError("Nobody can %s in the %s room", action, DefaultRoom)
	}
	if room.Admin != id {
		return authorizationError("You are not allowed to %s", action)
	}
	return nil
}

// moveLocked takes p out of its room and puts it into target, then tells everyone
func (r *Registry) moveLocked(p *Participant, target *Room) {
	old := r.rooms[p.Room()]
	old.Members = lo.Without(old.Members, p.ID)

	target.Members = append(target.Members, p.ID)
	target.Invited = lo.Without(target.Invited, p.ID)
	target.Requests = lo.Without(target.Requests, p.ID)
	p.setRoom(target.Name)

	r.sendAllLocked(&protocol.UserInfoChange{ID: p.ID, User: p.info()}, p.ID)
	p.Send(&protocol.RoomChange{Name: target.Name})

	r.departedLocked(old, p.ID)
}

// departedLocked runs admin succession for a room id just left, then the sweep
func (r *Registry) departedLocked(room *Room, id string) {
	if room.Admin == id {
		room.Admin = ""
		if len(room.Members) > 0 {
			room.Admin = room.Members[0]
			if admin, ok := r.participants[room.Admin]; ok {
				admin.Send(&protocol.Notification{Text: "You are now the admin of this room"})
			}
		}
	}
	r.sweepLocked()
}

func (r *Registry) sweepLocked() []string {
	var removed []string
	for _, name := range r.order {
		if name == DefaultRoom || len(r.rooms[name].Members) > 0 {
			continue
		}
		removed = append(removed, name)
	}
	if len(removed) == 0 {
		return nil
	}

	for _, name := range removed {
		delete(r.rooms, name)
		r.order = lo.Without(r.order, name)
		r.sendAllLocked(&protocol.DelRoom{Name: name}, "")
	}
	r.metrics.SetRooms(len(r.rooms))
	return removed
}

// sendRoomLocked sends p to the members of room, skipping except
func (r *Registry) sendRoomLocked(room string, p protocol.Package, except string) int {
	sent := 0
	for _, id := range r.rooms[room].Members {
		if id == except {
			continue
		}
		if member, ok := r.participants[id]; ok && member.Send(p) {
			sent++
		}
	}
	return sent
}

// sendAllLocked sends p to every participant, skipping except
func (r *Registry) sendAllLocked(p protocol.Package, except string) int {
	sent := 0
	for id, member := range r.participants {
		if id == except {
			continue
		}
		if member.Send(p) {
			sent++
		}
	}
	return sent
}
