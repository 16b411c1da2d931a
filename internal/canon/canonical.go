// Package canon implements canonical serialization, stable input keys,
// error (de)hydration, and duration/frequency parsing for the engine.
package canon

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// undefinedSentinel is printed for Go's nil-interface "undefined" values so
// that canonical serialization stays deterministic across encodings that
// would otherwise drop the field entirely.
const undefinedSentinel = `"__undefined__"`

// Canonicalize renders v as deterministic JSON: object keys sorted,
// array order preserved, scalars printed as JSON. It round-trips through
// encoding/json first so that Go structs, maps, and json.RawMessage all
// normalize to the same tree shape.
func Canonicalize(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte(undefinedSentinel), nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal: %w", err)
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canon: unmarshal: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString(undefinedSentinel)
		return nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyJSON)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		scalar, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(scalar)
		return nil
	}
}

// keyThreshold is the length above which Key falls back to an MD5 digest.
// Collision resistance is not security-sensitive here; determinism is.
const keyThreshold = 40

// Key derives the stable input key for a (queue, job, input) tuple: the
// canonical serialization itself when short, else its MD5 hex digest.
func Key(v interface{}) (string, error) {
	canonical, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	if len(canonical) <= keyThreshold {
		return string(canonical), nil
	}
	sum := md5.Sum(canonical)
	return hex.EncodeToString(sum[:]), nil
}
