package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultKeyBits is the RSA modulus size for participant and server keys
const DefaultKeyBits = 4096

var (
	// ErrInvalidKey is returned for PEM data that does not hold an RSA key
	ErrInvalidKey = errors.New("invalid rsa key")

	// ErrIntegrity covers authentication failures of symmetric ciphertexts and fingerprint mismatches
	ErrIntegrity = errors.New("data integrity check failed")
)

// GenerateKeyPair returns a fresh RSA private key; the public half is priv.PublicKey
func GenerateKeyPair(bits int) (*rsa.PrivateKey, error) {
	if bits <= 0 {
		bits = DefaultKeyBits
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate %d-bit key: %w", bits, err)
	}
	return priv, nil
}

// MarshalPublicKey encodes pub as a PKIX "PUBLIC KEY" PEM block
func MarshalPublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParsePublicKey decodes a PEM public key in PKIX or PKCS#1 form
func ParsePublicKey(s string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidKey)
	}

	switch block.Type {
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return pub, nil
	default:
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an rsa public key", ErrInvalidKey)
		}
		return pub, nil
	}
}

// MarshalPrivateKey encodes priv as a PKCS#1 "RSA PRIVATE KEY" PEM block
func MarshalPrivateKey(priv *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
}

// ParsePrivateKey decodes a PEM private key in PKCS#1 or PKCS#8 form
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidKey)
	}

	if priv, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return priv, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an rsa private key", ErrInvalidKey)
	}
	return priv, nil
}

// ExpandHome replaces a leading "~/" with the user's home directory
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// LoadOrGenerate loads the private key at path, or generates and saves one if the file
// does not exist. The boolean reports whether a new key was generated.
func LoadOrGenerate(path string, bits int) (*rsa.PrivateKey, bool, error) {
	keyPath, err := ExpandHome(path)
	if err != nil {
		return nil, false, err
	}
	if strings.TrimSpace(keyPath) == "" {
		return nil, false, errors.New("private key path is empty")
	}

	keyBytes, err := os.ReadFile(keyPath)
	if err == nil {
		priv, err := ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, false, fmt.Errorf("failed to parse %s: %w", keyPath, err)
		}
		return priv, false, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("failed to read private key: %w", err)
	}

	priv, err := GenerateKeyPair(bits)
	if err != nil {
		return nil, false, err
	}
	if err := SavePrivateKey(keyPath, priv); err != nil {
		return nil, false, err
	}
	return priv, true, nil
}

// SavePrivateKey writes priv to path with owner-only permissions
func SavePrivateKey(path string, priv *rsa.PrivateKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, MarshalPrivateKey(priv), 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}

// Encrypt encrypts a small payload (nickname, one-time code, symmetric key) with RSA-OAEP.
// The plaintext must fit in the key: 190 bytes for a 2048-bit key, 446 for 4096.
func Encrypt(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("rsa encrypt: %w", err)
	}
	return ct, nil
}

// Decrypt reverses Encrypt with the matching private key
func Decrypt(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	pt, err := rsa.DecryptOAEP(sha256.New(), nil, priv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("rsa decrypt: %w", err)
	}
	return pt, nil
}
