// Package canon implements deterministic serialization for audit hashing.
//
// The same logical value must always produce identical bytes, regardless of
// map iteration order, struct field insertion order, or the runtime that
// produced it. Objects are encoded with sorted keys, fixed separators, and
// HTML escaping disabled; numbers are normalized through json.Number so that
// an int 1 and a float64 1 marshal to the same literal.
package canon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Marshal encodes v with deterministic key ordering for tamper-evident hashing.
func Marshal(v any) ([]byte, error) {
	norm, err := normalize(v)
	if err != nil {
		return nil, err
	}
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm); err != nil {
		return nil, fmt.Errorf("canon: encode: %w", err)
	}
	return bytes.TrimSpace(buf.Bytes()), nil
}

// normalize rewrites v into a shape whose JSON encoding is deterministic.
// encoding/json already sorts map[string]any keys; the work here is pushing
// every value through that representation and collapsing numeric types into
// json.Number literals.
func normalize(v any) (any, error) {
	switch val := v.(type) {
	case nil, bool, string, json.Number:
		return val, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			nv, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			nv, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out = append(out, nv)
		}
		return out, nil
	default:
		// Round-trip through the decoder with UseNumber so that ints,
		// floats, and structs from any caller collapse into one canonical
		// numeric and object representation.
		b, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("canon: normalize %T: %w", val, err)
		}
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		var decoded any
		if err := dec.Decode(&decoded); err != nil {
			return nil, fmt.Errorf("canon: normalize %T: %w", val, err)
		}
		return normalize(decoded)
	}
}

// SortedKeys returns the keys of m in canonical (sorted) order. Useful for
// callers that need to walk a payload in the same order it was hashed.
func SortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
