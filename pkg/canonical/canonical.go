// Package canonical produces the canonical JSON form and BLAKE3 fingerprints
// that every envelope, ledger entry, and divergence check relies on. Canonical
// form: keys sorted lexicographically by UTF-8 bytes at every nesting level,
// no insignificant whitespace, finite numbers only.
package canonical

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gowebpki/jcs"
	"lukechampine.com/blake3"
)

// ShortLen is the prefix length used for abbreviated fingerprints.
const ShortLen = 16

// Canonicalize returns the canonical JSON form of v.
//
// Strategy: marshal v through encoding/json first so struct tags apply, then
// decode with UseNumber to preserve number representation, then re-marshal
// recursively with sorted keys and HTML escaping disabled. Non-finite
// numbers fail the first marshal and are rejected.
func Canonicalize(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}

	return marshalValue(generic)
}

// CanonicalizeJSON canonicalizes raw JSON bytes without an intermediate Go
// value, per RFC 8785.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// String returns the canonical form of v as a string.
func String(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Hash returns the 64-char lowercase hex BLAKE3 digest of the canonical form
// of v.
func Hash(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the 64-char lowercase hex BLAKE3 digest of raw bytes.
func HashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashShort returns the first ShortLen chars of Hash(v).
func HashShort(v any) (string, error) {
	h, err := Hash(v)
	if err != nil {
		return "", err
	}
	return Short(h), nil
}

// Short abbreviates a fingerprint to its first ShortLen chars.
func Short(hash string) string {
	if len(hash) <= ShortLen {
		return hash
	}
	return hash[:ShortLen]
}

func marshalValue(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	switch t := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if t {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case json.Number:
		return []byte(t.String()), nil
	case string:
		if err := enc.Encode(t); err != nil {
			return nil, err
		}
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	case []any:
		buf.Reset()
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := marshalValue(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]any:
		buf.Reset()
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := marshalValue(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')

			vb, err := marshalValue(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	}
}
