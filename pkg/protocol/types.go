package protocol

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// Direction selects which payload shapes a tag maps to. Some tags (key, info,
// message, kick, nick-change, ...) carry different payloads depending on who sent them.
type Direction uint8

const (
	ToServer Direction = iota // client -> server
	ToClient                  // server -> client
)

func (d Direction) String() string {
	if d == ToServer {
		return "to-server"
	}
	return "to-client"
}

// ErrShape is wrapped by every payload validation failure
var ErrShape = errors.New("unexpected payload shape")

// DecodeError reports a package whose tag was recognised but whose payload did not
// match the contract for that tag.
type DecodeError struct {
	Type string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %q: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Package is the closed set of wire packages. Only types in this package implement it.
type Package interface {
	// Type returns the wire tag
	Type() string

	payload() any
	decodePayload(v bson.RawValue) error
}

type envelope struct {
	Type string `bson:"type"`
	Data any    `bson:"data"`
}

type rawEnvelope struct {
	Type string        `bson:"type"`
	Data bson.RawValue `bson:"data"`
}

// Encode serializes p as a {type, data} document
func Encode(p Package) ([]byte, error) {
	body, err := bson.Marshal(envelope{Type: p.Type(), Data: p.payload()})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.Type(), err)
	}
	return body, nil
}

// Decode parses a frame body. Unknown tags decode to *Unrecognized rather than failing,
// payload mismatches fail with *DecodeError, and a body that is not a document fails
// with ErrProtocol.
func Decode(body []byte, dir Direction) (Package, error) {
	var env rawEnvelope
	if err := bson.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	p := newPackage(env.Type, dir)
	if p == nil {
		return &Unrecognized{Tag: env.Type, Data: env.Data}, nil
	}

	if err := p.decodePayload(env.Data); err != nil {
		return nil, &DecodeError{Type: env.Type, Err: err}
	}
	return p, nil
}

// validator is implemented by document payloads with required fields
type validator interface {
	validate() error
}

func shapeError(want string, v bson.RawValue) error {
	if v.Type == 0 {
		return fmt.Errorf("%w: expected %s, data missing", ErrShape, want)
	}
	return fmt.Errorf("%w: expected %s, got %s", ErrShape, want, v.Type)
}

func missingField(name string) error {
	return fmt.Errorf("%w: missing %s", ErrShape, name)
}

func decodeNull(v bson.RawValue) error {
	switch v.Type {
	case 0, bson.TypeNull, bson.TypeUndefined:
		return nil
	}
	return shapeError("no data", v)
}

func decodeString(v bson.RawValue) (string, error) {
	s, ok := v.StringValueOK()
	if !ok {
		return "", shapeError("string", v)
	}
	return s, nil
}

func decodeBinary(v bson.RawValue) ([]byte, error) {
	_, data, ok := v.BinaryOK()
	if !ok {
		return nil, shapeError("binary", v)
	}
	return data, nil
}

func decodeDocument(v bson.RawValue, out any) error {
	if v.Type != bson.TypeEmbeddedDocument {
		return shapeError("document", v)
	}
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("%w: %v", ErrShape, err)
	}
	if val, ok := out.(validator); ok {
		return val.validate()
	}
	return nil
}
