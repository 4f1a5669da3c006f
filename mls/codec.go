package mls

import (
	syntax "github.com/cisco/go-tls-syntax"
)

// syntaxMarshal and syntaxUnmarshal centralize this module's use of the TLS
// presentation-language codec so every wire struct goes through one place.
func syntaxMarshal(v interface{}) ([]byte, error) {
	return syntax.Marshal(v)
}

func syntaxUnmarshal(data []byte, v interface{}) (int, error) {
	return syntax.Unmarshal(data, v)
}

// Codec exposes the deterministic binary encode/decode contract named in
// spec.md §2 ("Codec") to callers outside this package that need to
// serialize MLS structures without reaching into package internals.
type Codec struct{}

func (Codec) Marshal(v interface{}) ([]byte, error) {
	return syntax.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v interface{}) (int, error) {
	return syntax.Unmarshal(data, v)
}

func dup(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
