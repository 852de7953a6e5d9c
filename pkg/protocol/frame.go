package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the width of the big-endian length prefix in front of every package
	HeaderSize = 1024

	// DefaultMaxPackageSize bounds a single package body (128 MiB). Files are capped at
	// 100,000,000 bytes of plaintext, which leaves room for the AEAD tag and envelope fields.
	DefaultMaxPackageSize = 128 * 1024 * 1024

	// lengthWidth is the number of trailing header bytes that carry the length.
	// Everything in front of it must be zero.
	lengthWidth = 8
)

var (
	// ErrProtocol marks malformed frames: bad header, oversize body, or a body that is not a document
	ErrProtocol = errors.New("protocol error")

	ErrPackageTooLarge = fmt.Errorf("%w: package exceeds maximum size", ErrProtocol)
	ErrEmptyPackage    = fmt.Errorf("%w: empty package", ErrProtocol)
)

// TransportError wraps a failed read or write on the underlying stream.
// No partial package is ever returned alongside it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err came from the stream rather than from package contents
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// WriteFrame writes body prefixed with the fixed-width length header
// Format: [Length (1024 bytes, big-endian)][Body (N bytes)]
func WriteFrame(w io.Writer, body []byte) error {
	header := make([]byte, HeaderSize)
	binary.BigEndian.PutUint64(header[HeaderSize-lengthWidth:], uint64(len(body)))

	if _, err := w.Write(header); err != nil {
		return &TransportError{Op: "write header", Err: err}
	}

	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return &TransportError{Op: "write body", Err: err}
		}
	}

	return nil
}

// ReadFrame reads exactly one frame body. io.ReadFull accumulates partial reads until
// the header and the announced length have both arrived.
// maxSize of 0 disables the size check.
func ReadFrame(r io.Reader, maxSize uint64) ([]byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, &TransportError{Op: "read header", Err: err}
	}

	// Lengths beyond 64 bits are representable in the header but never acceptable
	for _, b := range header[:HeaderSize-lengthWidth] {
		if b != 0 {
			return nil, ErrPackageTooLarge
		}
	}

	length := binary.BigEndian.Uint64(header[HeaderSize-lengthWidth:])
	if length == 0 {
		return nil, ErrEmptyPackage
	}
	if maxSize > 0 && length > maxSize {
		return nil, fmt.Errorf("%w (%d > %d bytes)", ErrPackageTooLarge, length, maxSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, &TransportError{Op: "read body", Err: err}
	}

	return body, nil
}

// Write encodes p and writes it as one frame
func Write(w io.Writer, p Package) error {
	body, err := Encode(p)
	if err != nil {
		return err
	}
	return WriteFrame(w, body)
}

// Read reads one frame and decodes it for the given direction
func Read(r io.Reader, dir Direction, maxSize uint64) (Package, error) {
	body, err := ReadFrame(r, maxSize)
	if err != nil {
		return nil, err
	}
	return Decode(body, dir)
}
