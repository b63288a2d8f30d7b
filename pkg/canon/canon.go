// Package canon produces deterministic, canonical JSON encodings and their
// SHA-256 digests. It is the hashing primitive the ledger uses to compute
// tamper-evident entry hashes: object keys are sorted lexicographically
// after Unicode normalization, separators are compact (no inserted
// whitespace), and HTML escaping is disabled so the same logical value
// always serializes to the same bytes regardless of field order or
// Unicode normalization form in the source struct or map.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/text/unicode/norm"
)

// Marshal returns the canonical JSON encoding of v: sorted object keys,
// no inserted whitespace, no HTML escaping.
func Marshal(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canon: decode: %w", err)
	}

	return encode(generic)
}

// Hash returns the SHA-256 hex digest of the canonical JSON encoding of v.
func Hash(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func encode(v interface{}) ([]byte, error) {
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
		return encodeString(t)
	case []interface{}:
		return encodeArray(t)
	case map[string]interface{}:
		return encodeObject(t)
	default:
		return encodeFallback(v)
	}
}

// encodeString normalizes s to NFC before encoding it, so two payloads
// that differ only in Unicode normalization form (e.g. a precomposed vs.
// a combining-mark encoding of the same visible text) hash identically.
func encodeString(s string) ([]byte, error) {
	s = norm.NFC.String(s)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

func encodeArray(arr []interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := encode(elem)
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// objKey pairs a map key with its NFC-normalized form, so keys that
// differ only in normalization form still sort and compare as equal.
type objKey struct {
	original   string
	normalized string
}

func encodeObject(obj map[string]interface{}) ([]byte, error) {
	keys := make([]objKey, 0, len(obj))
	for k := range obj {
		keys = append(keys, objKey{original: k, normalized: norm.NFC.String(k)})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].normalized < keys[j].normalized })

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := encodeString(k.original)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')

		vb, err := encode(obj[k.original])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func encodeFallback(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
