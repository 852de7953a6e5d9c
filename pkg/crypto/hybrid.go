package crypto

import (
	"crypto/rsa"
	"fmt"
)

// Sealer holds the symmetric key of one broadcast event. Every payload of the event
// (message body, or file data, name and fingerprint) is sealed under it with its own
// nonce, and the key is wrapped once per recipient. A Sealer must not outlive its event.
type Sealer struct {
	key []byte
}

// NewSealer starts a broadcast event with a fresh key
func NewSealer() (*Sealer, error) {
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	return &Sealer{key: key}, nil
}

// Seal encrypts one payload of the event
func (s *Sealer) Seal(plaintext []byte) (ciphertext, nonce []byte, err error) {
	return Seal(s.key, plaintext)
}

// WrapFor encrypts the event key for a single recipient
func (s *Sealer) WrapFor(pub *rsa.PublicKey) ([]byte, error) {
	return Encrypt(pub, s.key)
}

// WrapAll wraps the event key for every recipient, keyed like the input map
func (s *Sealer) WrapAll(recipients map[string]*rsa.PublicKey) (map[string][]byte, error) {
	wrapped := make(map[string][]byte, len(recipients))
	for id, pub := range recipients {
		k, err := s.WrapFor(pub)
		if err != nil {
			return nil, fmt.Errorf("wrap key for %s: %w", id, err)
		}
		wrapped[id] = k
	}
	return wrapped, nil
}

// Unwrap recovers an event key from its wrapped form
func Unwrap(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	key, err := Decrypt(priv, wrapped)
	if err != nil {
		return nil, err
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: unwrapped key has %d bytes", ErrInvalidKey, len(key))
	}
	return key, nil
}

// OpenWrapped unwraps the event key and decrypts one payload with it
func OpenWrapped(priv *rsa.PrivateKey, wrapped, nonce, ciphertext []byte) ([]byte, error) {
	key, err := Unwrap(priv, wrapped)
	if err != nil {
		return nil, err
	}
	return Open(key, nonce, ciphertext)
}
