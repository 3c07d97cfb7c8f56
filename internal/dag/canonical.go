package dag

import (
	"bytes"
	"encoding/json"
)

// CanonicalJSON produces a deterministic JSON encoding: object keys sorted,
// compact separators, HTML characters left unescaped, numbers preserved
// exactly as first encoded.
func CanonicalJSON(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	// Struct fields encode in declaration order; a generic round trip turns
	// every object into a map, which encoding/json writes with sorted keys.
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(raw); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
