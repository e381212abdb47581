// Package payload defines the JSON body sent to partner stores and the
// snapshot stored with each dispatch record.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Entry is one key of a Meta bag. Value is kept as raw JSON.
type Entry struct {
	Key   string
	Value json.RawMessage
}

// Meta is an ordered key/value bag passed through to partners untouched.
// Key order is preserved across decode and encode.
type Meta []Entry

// Get returns the raw value for key.
func (m Meta) Get(key string) (json.RawMessage, bool) {
	for _, e := range m {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// Set encodes value and stores it under key, replacing an existing entry in
// place or appending a new one.
func (m Meta) Set(key string, value any) (Meta, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return m, fmt.Errorf("encode meta %q: %w", key, err)
	}
	for i := range m {
		if m[i].Key == key {
			m[i].Value = raw
			return m, nil
		}
	}
	return append(m, Entry{Key: key, Value: raw}), nil
}

// MarshalJSON writes the bag as a JSON object in insertion order. A nil bag
// encodes as {}.
func (m Meta) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if len(e.Value) == 0 {
			buf.WriteString("null")
			continue
		}
		buf.Write(e.Value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object keeping key order. null yields a nil bag.
func (m *Meta) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*m = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("meta must be a JSON object")
	}

	out := Meta{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("meta key must be a string")
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("meta %q: %w", key, err)
		}
		out = append(out, Entry{Key: key, Value: raw})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*m = out
	return nil
}
