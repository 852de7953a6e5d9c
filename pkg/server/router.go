package server

import (
	"github.com/aeolun/securechat/pkg/crypto"
	"github.com/aeolun/securechat/pkg/protocol"
)

// RelayMessage delivers one room message to every other member of the sender's room.
// Each recipient gets the shared ciphertext with the key wrapped for it; members the
// sender did not wrap a key for are skipped and keys for non-members are ignored.
// It returns the number of deliveries.
func (r *Registry) RelayMessage(senderID string, m *protocol.SendMessage) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sender, err := r.participantLocked(senderID)
	if err != nil {
		return 0, err
	}

	delivered := r.fanoutLocked(sender, m.Keys, func(key []byte) protocol.Package {
		return &protocol.Message{Delivery: protocol.Delivery{
			From:       senderID,
			Ciphertext: m.Ciphertext,
			Nonce:      m.Nonce,
			Key:        key,
		}}
	})
	r.metrics.RecordBroadcastFanout(protocol.TypeMessage, delivered)
	return delivered, nil
}

// RelayWhisper delivers a private message to one participant in any room
func (r *Registry) RelayWhisper(senderID string, w *protocol.SendWhisper) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, err := r.participantLocked(senderID); err != nil {
		return err
	}
	if w.To == senderID {
		return validationError("You cannot whisper to yourself")
	}
	target, ok := r.participants[w.To]
	if !ok {
		return notFoundError("User not found")
	}

	target.Send(&protocol.Whisper{Delivery: protocol.Delivery{
		From:       senderID,
		Ciphertext: w.Ciphertext,
		Nonce:      w.Nonce,
		Key:        w.Key,
	}})
	r.metrics.RecordBroadcastFanout(protocol.TypeWhisper, 1)
	return nil
}

// RelayFile delivers a file like RelayMessage. Bodies whose plaintext would exceed
// maxFileSize are refused.
func (r *Registry) RelayFile(senderID string, f *protocol.SendFile, maxFileSize int64) (int, error) {
	if maxFileSize > 0 && int64(len(f.Data)) > maxFileSize+crypto.Overhead {
		return 0, validationError("File too large (max %d bytes)", maxFileSize)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	sender, err := r.participantLocked(senderID)
	if err != nil {
		return 0, err
	}

	delivered := r.fanoutLocked(sender, f.Keys, func(key []byte) protocol.Package {
		return &protocol.File{
			From:             senderID,
			Name:             f.Name,
			NameNonce:        f.NameNonce,
			Ext:              f.Ext,
			Data:             f.Data,
			Nonce:            f.Nonce,
			Fingerprint:      f.Fingerprint,
			FingerprintNonce: f.FingerprintNonce,
			Key:              key,
		}
	})
	r.metrics.RecordBroadcastFanout(protocol.TypeFile, delivered)
	return delivered, nil
}

// AckFile tells the sender of a file that ackerID received it. A sender that has
// disconnected is ignored.
func (r *Registry) AckFile(ackerID string, a *protocol.AckFile) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	acker, err := r.participantLocked(ackerID)
	if err != nil {
		return err
	}
	if sender, ok := r.participants[a.To]; ok && a.To != ackerID {
		sender.Send(&protocol.FileReceived{Nickname: acker.Nickname()})
	}
	return nil
}

// fanoutLocked resolves the recipients of a room event (members of the sender's room
// other than the sender) and sends each the package built around its wrapped key
func (r *Registry) fanoutLocked(sender *Participant, keys map[string][]byte, build func(key []byte) protocol.Package) int {
	room := r.rooms[sender.Room()]
	delivered := 0
	for _, id := range room.Members {
		if id == sender.ID {
			continue
		}
		key, ok := keys[id]
		if !ok || len(key) == 0 {
			debugLog.Printf("%s: no wrapped key for %s in %s", sender.ID, id, room.Name)
			continue
		}
		if member, ok := r.participants[id]; ok && member.Send(build(key)) {
			delivered++
		}
	}
	return delivered
}
