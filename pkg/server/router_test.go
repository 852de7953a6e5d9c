package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/securechat/pkg/protocol"
)

func TestRelayMessageReachesRoomOnly(t *testing.T) {
	r := newTestRegistry(t)
	alice := admit(t, r, "alice")
	bob := admit(t, r, "bob")
	carol := admit(t, r, "carol")
	dave := admit(t, r, "dave")
	roomOf(t, r, "den", alice, bob, carol)
	for _, m := range []member{alice, bob, carol, dave} {
		m.rec.reset()
	}

	n, err := r.RelayMessage(alice.ID, &protocol.SendMessage{
		Ciphertext: []byte("ct"),
		Nonce:      []byte("nonce"),
		Keys: map[string][]byte{
			alice.ID: []byte("k-alice"),
			bob.ID:   []byte("k-bob"),
			dave.ID:  []byte("k-dave"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only bob is a room member with a key")

	assert.Equal(t, []*protocol.Message{{Delivery: protocol.Delivery{
		From: alice.ID, Ciphertext: []byte("ct"), Nonce: []byte("nonce"), Key: []byte("k-bob"),
	}}}, packagesOf[*protocol.Message](bob.rec))
	assert.Empty(t, packagesOf[*protocol.Message](alice.rec), "the sender gets no copy")
	assert.Empty(t, packagesOf[*protocol.Message](carol.rec), "no key was wrapped for carol")
	assert.Empty(t, packagesOf[*protocol.Message](dave.rec), "dave is in another room")
}

func TestRelayWhisperCrossesRooms(t *testing.T) {
	r := newTestRegistry(t)
	alice := admit(t, r, "alice")
	bob := admit(t, r, "bob")
	require.NoError(t, r.CreateRoom(alice.ID, "den"))

	w := &protocol.SendWhisper{To: bob.ID, Ciphertext: []byte("ct"), Nonce: []byte("n"), Key: []byte("k")}
	require.NoError(t, r.RelayWhisper(alice.ID, w))

	got := packagesOf[*protocol.Whisper](bob.rec)
	require.Len(t, got, 1)
	assert.Equal(t, alice.ID, got[0].From)
	assert.Equal(t, []byte("k"), got[0].Key)

	requireCommandError(t, r.RelayWhisper(alice.ID, &protocol.SendWhisper{To: alice.ID}), ErrValidation)
	requireCommandError(t, r.RelayWhisper(alice.ID, &protocol.SendWhisper{To: "ghost"}), ErrNotFound)
}

func TestRelayFile(t *testing.T) {
	r := newTestRegistry(t)
	alice := admit(t, r, "alice")
	bob := admit(t, r, "bob")

	f := &protocol.SendFile{
		Name: []byte("name"), NameNonce: []byte("nn"), Ext: ".txt",
		Data: make([]byte, 64), Nonce: []byte("dn"),
		Fingerprint: []byte("fp"), FingerprintNonce: []byte("fn"),
		Keys: map[string][]byte{bob.ID: []byte("k")},
	}
	n, err := r.RelayFile(alice.ID, f, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	files := packagesOf[*protocol.File](bob.rec)
	require.Len(t, files, 1)
	assert.Equal(t, alice.ID, files[0].From)
	assert.Equal(t, ".txt", files[0].Ext)
	assert.Equal(t, []byte("fp"), files[0].Fingerprint)
	assert.Equal(t, []byte("k"), files[0].Key)

	// The cap applies to the plaintext; the AEAD tag is allowed on top
	_, err = r.RelayFile(alice.ID, f, 64-16)
	require.NoError(t, err)
	_, err = r.RelayFile(alice.ID, f, 64-17)
	requireCommandError(t, err, ErrValidation)
}

func TestAckFile(t *testing.T) {
	r := newTestRegistry(t)
	alice := admit(t, r, "alice")
	bob := admit(t, r, "bob")

	require.NoError(t, r.AckFile(bob.ID, &protocol.AckFile{To: alice.ID}))
	assert.Equal(t, []*protocol.FileReceived{{Nickname: "bob"}}, packagesOf[*protocol.FileReceived](alice.rec))

	// A sender that went away is ignored
	require.NoError(t, r.AckFile(bob.ID, &protocol.AckFile{To: "gone"}))
}
