package server

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/securechat/pkg/protocol"
)

func TestMain(m *testing.M) {
	errorLog = log.New(io.Discard, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// recorder is a Sender that keeps everything it is given
type recorder struct {
	mu     sync.Mutex
	pkgs   []protocol.Package
	closed bool
}

func (r *recorder) Send(p protocol.Package) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.pkgs = append(r.pkgs, p)
	return true
}

func (r *recorder) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *recorder) all() []protocol.Package {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Package(nil), r.pkgs...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.pkgs = nil
	r.mu.Unlock()
}

func (r *recorder) types() []string {
	var types []string
	for _, p := range r.all() {
		types = append(types, p.Type())
	}
	return types
}

// notices returns the text of every notification and warning received
func (r *recorder) notices() []string {
	var texts []string
	for _, p := range r.all() {
		switch m := p.(type) {
		case *protocol.Notification:
			texts = append(texts, m.Text)
		case *protocol.Warning:
			texts = append(texts, m.Text)
		}
	}
	return texts
}

func packagesOf[T protocol.Package](r *recorder) []T {
	var out []T
	for _, p := range r.all() {
		if v, ok := p.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

type member struct {
	*Participant
	rec *recorder
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(20, NewMetrics())
	n := 0
	r.newID = func() string {
		n++
		return fmt.Sprintf("%08x-test", n)
	}
	return r
}

func admit(t *testing.T, r *Registry, nick string) member {
	t.Helper()
	rec := &recorder{}
	p := NewParticipant("127.0.0.1:1", nil, "pem-"+nick, rec)
	r.Admit(p, nick)
	return member{Participant: p, rec: rec}
}

// roomOf creates a room administered by admin and lets the others in by invitation
func roomOf(t *testing.T, r *Registry, name string, admin member, others ...member) {
	t.Helper()
	require.NoError(t, r.CreateRoom(admin.ID, name))
	for _, m := range others {
		require.NoError(t, r.Invite(admin.ID, m.ID, name))
		require.NoError(t, r.JoinRoom(m.ID, name))
	}
}

func requireCommandError(t *testing.T, err, kind error) {
	t.Helper()
	require.ErrorIs(t, err, kind)
	var ce *CommandError
	require.ErrorAs(t, err, &ce)
	assert.NotEmpty(t, ce.Message)
}

func TestAdmitIntroducesParticipants(t *testing.T) {
	r := newTestRegistry(t)
	alice := admit(t, r, "alice")
	bob := admit(t, r, "bob")

	assert.Equal(t, []string{
		protocol.TypeKey, protocol.TypeNewRoom, protocol.TypeAccepted,
	}, bob.rec.types())
	intro := packagesOf[*protocol.KeyIntro](bob.rec)
	require.Len(t, intro, 1)
	assert.Equal(t, &protocol.KeyIntro{PublicKey: "pem-alice", ID: alice.ID, Nickname: "alice", Room: DefaultRoom}, intro[0])

	aliceIntros := packagesOf[*protocol.KeyIntro](alice.rec)
	require.Len(t, aliceIntros, 1)
	assert.Equal(t, bob.ID, aliceIntros[0].ID)
	assert.Contains(t, alice.rec.notices(), "bob joined!")
	assert.NotContains(t, bob.rec.notices(), "bob joined!")

	home, ok := r.Room(DefaultRoom)
	require.True(t, ok)
	assert.Equal(t, []string{alice.ID, bob.ID}, home.Members)
	assert.Empty(t, home.Admin)
}

func TestAdmitSendsExistingRooms(t *testing.T) {
	r := newTestRegistry(t)
	alice := admit(t, r, "alice")
	require.NoError(t, r.CreateRoom(alice.ID, "lobby"))

	bob := admit(t, r, "bob")
	var rooms []string
	for _, nr := range packagesOf[*protocol.NewRoom](bob.rec) {
		rooms = append(rooms, nr.Name)
	}
	assert.Equal(t, []string{DefaultRoom, "lobby"}, rooms)
}

func TestAdmitNormalizesAndResolvesCollisions(t *testing.T) {
	r := newTestRegistry(t)
	first := admit(t, r, "Alice")

	assert.Equal(t, "alice", first.Nickname())
	assert.Equal(t, protocol.TypeNickChange, first.rec.types()[0])

	second := admit(t, r, "  ALICE ")
	types := second.rec.types()
	require.GreaterOrEqual(t, len(types), 3)
	assert.Equal(t, []string{protocol.TypeNickChange, protocol.TypeNickWarning}, types[:2])
	assert.Equal(t, protocol.TypeAccepted, types[len(types)-1])

	warn := packagesOf[*protocol.NickWarning](second.rec)
	require.Len(t, warn, 1)
	assert.Equal(t, second.Nickname(), warn[0].Nickname)
	assert.NotEqual(t, "alice", second.Nickname())
	assert.Regexp(t, `^guest-[0-9a-f]{8}$`, second.Nickname())
}

func TestValidateNickname(t *testing.T) {
	r := newTestRegistry(t)

	tests := []struct {
		nick  string
		valid bool
	}{
		{"alice", true},
		{"", false},
		{"two words", false},
		{"abcdefghijklmnopqrstu", false},
		{"abcdefghijklmnopqrst", true},
		{"ünïcødé", true},
	}
	for _, tt := range tests {
		t.Run(tt.nick, func(t *testing.T) {
			err := r.ValidateNickname(tt.nick)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				requireCommandError(t, err, ErrValidation)
			}
		})
	}
}

func TestCreateRoom(t *testing.T) {
	r := newTestRegistry(t)
	alice := admit(t, r, "alice")
	bob := admit(t, r, "bob")
	alice.rec.reset()
	bob.rec.reset()

	require.NoError(t, r.CreateRoom(alice.ID, "lobby"))

	room, ok := r.Room("lobby")
	require.True(t, ok)
	assert.Equal(t, alice.ID, room.Admin)
	assert.Equal(t, []string{alice.ID}, room.Members)
	assert.Equal(t, "lobby", alice.Room())

	assert.Equal(t, []*protocol.NewRoom{{Name: "lobby"}}, packagesOf[*protocol.NewRoom](bob.rec))
	changes := packagesOf[*protocol.UserInfoChange](bob.rec)
	require.Len(t, changes, 1)
	assert.Equal(t, "lobby", changes[0].User.Room)
	assert.Equal(t, []*protocol.RoomChange{{Name: "lobby"}}, packagesOf[*protocol.RoomChange](alice.rec))

	err := r.CreateRoom(bob.ID, "lobby")
	requireCommandError(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "Chatroom name already in use")
	assert.Equal(t, DefaultRoom, bob.Room())

	requireCommandError(t, r.CreateRoom(bob.ID, "  "), ErrValidation)
	requireCommandError(t, r.CreateRoom(bob.ID, "two words"), ErrValidation)
	requireCommandError(t, r.CreateRoom(bob.ID, DefaultRoom), ErrValidation)
}

func TestJoinRequestDeclined(t *testing.T) {
	r := newTestRegistry(t)
	bob := admit(t, r, "bob")
	alice := admit(t, r, "alice")
	require.NoError(t, r.CreateRoom(bob.ID, "den"))
	alice.rec.reset()
	bob.rec.reset()

	require.NoError(t, r.JoinRoom(alice.ID, "den"))
	assert.Equal(t, DefaultRoom, alice.Room())
	assert.Contains(t, alice.rec.notices(), "A join request has been sent to the admin of this room")
	assert.Equal(t, []*protocol.JoinRequest{{ID: alice.ID, Nickname: "alice", Room: "den"}},
		packagesOf[*protocol.JoinRequest](bob.rec))

	room, _ := r.Room("den")
	assert.Equal(t, []string{alice.ID}, room.Requests)

	requireCommandError(t, r.JoinRoom(alice.ID, "den"), ErrValidation)

	require.NoError(t, r.Decline(bob.ID, alice.ID))
	assert.Contains(t, alice.rec.notices(), "Your request to join the room has been declined")

	room, _ = r.Room("den")
	assert.Equal(t, []string{bob.ID}, room.Members)
	assert.Empty(t, room.Requests)
	assert.Equal(t, DefaultRoom, alice.Room())
}

func TestJoinRequestAccepted(t *testing.T) {
	r := newTestRegistry(t)
	bob := admit(t, r, "bob")
	alice := admit(t, r, "alice")
	require.NoError(t, r.CreateRoom(bob.ID, "den"))
	require.NoError(t, r.JoinRoom(alice.ID, "den"))
	bob.rec.reset()

	require.NoError(t, r.Accept(bob.ID, alice.ID))

	room, _ := r.Room("den")
	assert.Equal(t, []string{bob.ID, alice.ID}, room.Members)
	assert.Empty(t, room.Requests)
	assert.Equal(t, "den", alice.Room())
	assert.Contains(t, bob.rec.notices(), "alice joined the room")

	// Stale requests are ignored
	require.NoError(t, r.Accept(bob.ID, alice.ID))
	require.NoError(t, r.Decline(bob.ID, "nobody"))
}

func TestAdminOnlyActions(t *testing.T) {
	r := newTestRegistry(t)
	bob := admit(t, r, "bob")
	alice := admit(t, r, "alice")
	carol := admit(t, r, "carol")

	// Nobody administers the default room
	requireCommandError(t, r.Invite(bob.ID, alice.ID, ""), ErrAuthorization)
	requireCommandError(t, r.Accept(bob.ID, alice.ID), ErrAuthorization)
	requireCommandError(t, r.Decline(bob.ID, alice.ID), ErrAuthorization)
	requireCommandError(t, r.Kick(bob.ID, alice.ID), ErrAuthorization)

	roomOf(t, r, "den", bob, alice)
	requireCommandError(t, r.Invite(alice.ID, carol.ID, ""), ErrAuthorization)
	requireCommandError(t, r.Kick(alice.ID, bob.ID), ErrAuthorization)

	room, _ := r.Room("den")
	assert.Equal(t, bob.ID, room.Admin)
	assert.Empty(t, room.Invited)
}

func TestInviteBypassesRequestQueue(t *testing.T) {
	r := newTestRegistry(t)
	bob := admit(t, r, "bob")
	alice := admit(t, r, "alice")
	require.NoError(t, r.CreateRoom(bob.ID, "den"))

	require.NoError(t, r.Invite(bob.ID, alice.ID, ""))
	assert.Equal(t, []*protocol.InviteRequest{{Room: "den"}}, packagesOf[*protocol.InviteRequest](alice.rec))

	room, _ := r.Room("den")
	assert.Equal(t, []string{alice.ID}, room.Invited)

	require.NoError(t, r.JoinRoom(alice.ID, "den"))
	room, _ = r.Room("den")
	assert.Equal(t, []string{bob.ID, alice.ID}, room.Members)
	assert.Empty(t, room.Invited)
	assert.Empty(t, room.Requests)
}

func TestInviteOfRequesterMovesToInvited(t *testing.T) {
	r := newTestRegistry(t)
	bob := admit(t, r, "bob")
	alice := admit(t, r, "alice")
	require.NoError(t, r.CreateRoom(bob.ID, "den"))
	require.NoError(t, r.JoinRoom(alice.ID, "den"))

	require.NoError(t, r.Invite(bob.ID, alice.ID, "den"))

	room, _ := r.Room("den")
	assert.Equal(t, []string{alice.ID}, room.Invited)
	assert.Empty(t, room.Requests)
}

func TestAdminSuccessionAndRoomDeletion(t *testing.T) {
	r := newTestRegistry(t)
	a := admit(t, r, "a")
	b := admit(t, r, "b")
	roomOf(t, r, "r", a, b)
	b.rec.reset()

	require.NoError(t, r.Leave(a.ID))
	room, ok := r.Room("r")
	require.True(t, ok)
	assert.Equal(t, b.ID, room.Admin)
	assert.Equal(t, []string{b.ID}, room.Members)
	assert.Contains(t, b.rec.notices(), "You are now the admin of this room")
	assert.Contains(t, b.rec.notices(), "a left the room")
	assert.Contains(t, a.rec.notices(), "You left the room")

	a.rec.reset()
	require.NoError(t, r.Leave(b.ID))
	_, ok = r.Room("r")
	assert.False(t, ok, "an empty room must be deleted")
	assert.Equal(t, []*protocol.DelRoom{{Name: "r"}}, packagesOf[*protocol.DelRoom](a.rec))

	_, ok = r.Room(DefaultRoom)
	assert.True(t, ok)
}

func TestLeaveFromDefaultRoom(t *testing.T) {
	r := newTestRegistry(t)
	a := admit(t, r, "a")
	requireCommandError(t, r.Leave(a.ID), ErrValidation)
	requireCommandError(t, r.JoinRoom(a.ID, DefaultRoom), ErrValidation)
	requireCommandError(t, r.JoinRoom(a.ID, "nowhere"), ErrNotFound)
}

func TestKick(t *testing.T) {
	r := newTestRegistry(t)
	bob := admit(t, r, "bob")
	alice := admit(t, r, "alice")
	carol := admit(t, r, "carol")
	roomOf(t, r, "den", bob, alice)
	bob.rec.reset()

	requireCommandError(t, r.Kick(bob.ID, bob.ID), ErrValidation)
	requireCommandError(t, r.Kick(bob.ID, carol.ID), ErrNotFound)

	require.NoError(t, r.Kick(bob.ID, alice.ID))
	assert.Len(t, packagesOf[*protocol.Kicked](alice.rec), 1)
	assert.Equal(t, DefaultRoom, alice.Room())
	assert.Contains(t, bob.rec.notices(), "alice was kicked")

	room, _ := r.Room("den")
	assert.Equal(t, []string{bob.ID}, room.Members)
}

func TestJoinMainIsImmediate(t *testing.T) {
	r := newTestRegistry(t)
	bob := admit(t, r, "bob")
	alice := admit(t, r, "alice")
	roomOf(t, r, "den", bob, alice)

	require.NoError(t, r.JoinRoom(alice.ID, DefaultRoom))
	assert.Equal(t, DefaultRoom, alice.Room())
}

func TestRemoveCleansUp(t *testing.T) {
	r := newTestRegistry(t)
	bob := admit(t, r, "bob")
	alice := admit(t, r, "alice")
	carol := admit(t, r, "carol")
	roomOf(t, r, "den", bob, alice)
	require.NoError(t, r.CreateRoom(carol.ID, "attic"))
	require.NoError(t, r.JoinRoom(bob.ID, "attic"))
	alice.rec.reset()

	require.True(t, r.Remove(bob.ID))
	assert.False(t, r.Remove(bob.ID))

	den, _ := r.Room("den")
	assert.Equal(t, alice.ID, den.Admin)
	attic, _ := r.Room("attic")
	assert.Empty(t, attic.Requests)

	assert.Equal(t, []*protocol.RemoveUser{{ID: bob.ID, Room: "den"}}, packagesOf[*protocol.RemoveUser](alice.rec))
	_, ok := r.Participant(bob.ID)
	assert.False(t, ok)
	assert.Equal(t, 2, r.ParticipantCount())

	// The nickname is free again
	again := admit(t, r, "bob")
	assert.Equal(t, "bob", again.Nickname())
}

func TestChangeNickname(t *testing.T) {
	r := newTestRegistry(t)
	alice := admit(t, r, "alice")
	bob := admit(t, r, "bob")
	alice.rec.reset()
	bob.rec.reset()

	requireCommandError(t, r.ChangeNickname(alice.ID, "BOB"), ErrValidation)
	requireCommandError(t, r.ChangeNickname(alice.ID, "alice"), ErrValidation)
	requireCommandError(t, r.ChangeNickname(alice.ID, ""), ErrValidation)

	require.NoError(t, r.ChangeNickname(alice.ID, "Alicia"))
	assert.Equal(t, "alicia", alice.Nickname())
	assert.Equal(t, []*protocol.NickChanged{{Nickname: "alicia"}}, packagesOf[*protocol.NickChanged](alice.rec))
	assert.Contains(t, bob.rec.notices(), "alice is now known as alicia")
	changes := packagesOf[*protocol.UserInfoChange](bob.rec)
	require.Len(t, changes, 1)
	assert.Equal(t, "alicia", changes[0].User.Nick)

	// The old nickname can be taken by someone else
	carol := admit(t, r, "alice")
	assert.Equal(t, "alice", carol.Nickname())
}

func TestSweepKeepsDefaultRoom(t *testing.T) {
	r := newTestRegistry(t)
	assert.Empty(t, r.Sweep())

	_, ok := r.Room(DefaultRoom)
	assert.True(t, ok, "the default room survives sweeping while empty")

	// Rooms can be left empty behind the registry's back only by direct mutation
	r.mu.Lock()
	r.rooms["ghost"] = &Room{Name: "ghost"}
	r.order = append(r.order, "ghost")
	r.mu.Unlock()

	assert.Equal(t, []string{"ghost"}, r.Sweep())
	assert.Len(t, r.Rooms(), 1)
}

func TestBroadcastAndCloseAll(t *testing.T) {
	r := newTestRegistry(t)
	alice := admit(t, r, "alice")
	bob := admit(t, r, "bob")

	assert.Equal(t, 2, r.Broadcast(&protocol.ClearAll{}))
	assert.Len(t, packagesOf[*protocol.ClearAll](alice.rec), 1)

	r.CloseAll()
	assert.True(t, bob.rec.closed)
	assert.Equal(t, 0, r.Broadcast(&protocol.ClearAll{}))
}
