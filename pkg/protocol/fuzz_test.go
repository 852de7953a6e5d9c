package protocol

import (
	"bytes"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
)

// FuzzDecode fuzzes the envelope decoder in both directions
func FuzzDecode(f *testing.F) {
	seed := func(p Package) {
		body, err := Encode(p)
		if err == nil {
			f.Add(body)
		}
	}
	seed(&ClientInfo{Nickname: []byte("n"), OneTimeCode: []byte("c"), Version: "1"})
	seed(&SendMessage{Ciphertext: []byte("ct"), Nonce: []byte("n"), Keys: map[string][]byte{"a": {1}}})
	seed(&KeyIntro{PublicKey: "pem", ID: "a", Nickname: "alice", Room: "main"})
	seed(&LeaveRoom{})
	if body, err := bson.Marshal(bson.M{"type": "unknown", "data": []int{1, 2}}); err == nil {
		f.Add(body)
	}
	f.Add([]byte{0x05, 0x00, 0x00, 0x00, 0x00})

	f.Fuzz(func(t *testing.T, body []byte) {
		for _, dir := range []Direction{ToServer, ToClient} {
			p, err := Decode(body, dir)
			if err != nil && p != nil {
				t.Fatalf("package returned alongside error: %v", err)
			}
			if err == nil && p == nil {
				t.Fatalf("nil package without error")
			}
		}
	})
}

// FuzzReadFrame fuzzes the frame reader with random streams
func FuzzReadFrame(f *testing.F) {
	var buf bytes.Buffer
	_ = WriteFrame(&buf, []byte("hi"))
	f.Add(buf.Bytes())
	f.Add(make([]byte, HeaderSize))
	f.Add([]byte{0x01})

	f.Fuzz(func(t *testing.T, data []byte) {
		body, err := ReadFrame(bytes.NewReader(data), 1<<16)
		if err == nil && len(body) == 0 {
			t.Fatalf("empty body without error")
		}
	})
}
