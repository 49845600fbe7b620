package chunkstream

import (
	"bytes"
	"encoding/json"
)

// Fragment is the result of parsing one inbound payload. It is either a
// recognized chunk or unrecognized; the zero value is unrecognized.
type Fragment struct {
	chunk string
	valid bool
}

func (f Fragment) Valid() bool { return f.valid }

// Chunk returns the text of a recognized fragment, "" otherwise.
func (f Fragment) Chunk() string { return f.chunk }

// ParseFragment accepts any payload. Only a JSON object whose "chunk" member
// is a JSON string is recognized; other fields are ignored.
func ParseFragment(payload []byte) Fragment {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || payload[0] != '{' {
		return Fragment{}
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return Fragment{}
	}
	raw, ok := obj["chunk"]
	if !ok {
		return Fragment{}
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return Fragment{}
	}
	var chunk string
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return Fragment{}
	}
	return Fragment{chunk: chunk, valid: true}
}

// EncodeFragment renders the wire payload for a chunk.
func EncodeFragment(chunk string) ([]byte, error) {
	return json.Marshal(struct {
		Chunk string `json:"chunk"`
	}{Chunk: chunk})
}
