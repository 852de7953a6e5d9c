package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/aeolun/securechat/pkg/crypto"
	"github.com/aeolun/securechat/pkg/protocol"
)

const maxSaveAttempts = 16

func (c *Client) openDelivery(d *protocol.Delivery, whisper bool) Event {
	ev := MessageEvent{From: d.From, Nickname: c.nicknameOf(d.From), Whisper: whisper}
	plaintext, err := crypto.OpenWrapped(c.opts.Key, d.Key, d.Nonce, d.Ciphertext)
	if err != nil {
		ev.Err = err
		return ev
	}
	ev.Text = string(plaintext)
	return ev
}

// receiveFile decrypts and stores an incoming file, then acknowledges it to the sender
func (c *Client) receiveFile(f *protocol.File) Event {
	ev := FileEvent{From: f.From, Nickname: c.nicknameOf(f.From)}

	key, err := crypto.Unwrap(c.opts.Key, f.Key)
	if err != nil {
		ev.Err = err
		return ev
	}
	data, err := crypto.Open(key, f.Nonce, f.Data)
	if err != nil {
		ev.Err = err
		return ev
	}
	if err := ValidateFileSize(int64(len(data)), c.opts.MaxFileSize); err != nil {
		ev.Err = err
		return ev
	}
	ev.Size = len(data)

	ext := sanitizeExt(f.Ext)
	if name, err := crypto.Open(key, f.NameNonce, f.Name); err == nil {
		ev.Name = filepath.Base(string(name)) + ext
	}

	fingerprint, err := crypto.Open(key, f.FingerprintNonce, f.Fingerprint)
	if err == nil {
		err = crypto.VerifyFingerprint(data, fingerprint)
	}
	if err != nil {
		ev.Err = fmt.Errorf("%w: fingerprint does not match the file contents", crypto.ErrIntegrity)
	} else {
		ev.Trusted = true
	}

	path, err := c.saveFile(data, ext)
	if err != nil {
		ev.Err = errors.Join(ev.Err, err)
		return ev
	}
	ev.Path = path

	if err := c.send(&protocol.AckFile{To: f.From}); err != nil {
		c.logger.Printf("Failed to acknowledge file from %s: %v", f.From, err)
	}
	return ev
}

// saveFile writes data under a random 8 hex digit name with the given extension
func (c *Client) saveFile(data []byte, ext string) (string, error) {
	if err := os.MkdirAll(c.opts.DownloadDir, 0o755); err != nil {
		return "", err
	}

	for i := 0; i < maxSaveAttempts; i++ {
		path := filepath.Join(c.opts.DownloadDir, uuid.NewString()[:8]+ext)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(path)
			return "", err
		}
		return path, f.Close()
	}
	return "", fmt.Errorf("no free file name in %s", c.opts.DownloadDir)
}

// sanitizeExt keeps an extension only if it cannot escape the download directory
func sanitizeExt(ext string) string {
	if !strings.HasPrefix(ext, ".") || strings.ContainsAny(ext, `/\`) || strings.Contains(ext, "..") || len(ext) > 32 {
		return ""
	}
	return ext
}
