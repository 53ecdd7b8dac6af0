// Package identity derives stable row identities and content hashes used to
// make synchronization idempotent.
package identity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// FromParts returns the identity of a set of key columns. A single part is
// returned in its plain string form so that single-column identities stay
// human readable; several parts are hashed over their canonical JSON, which
// makes the result independent of the order the parts were supplied in.
func FromParts(parts map[string]any) string {
	if len(parts) == 1 {
		for _, v := range parts {
			return Scalar(v)
		}
	}
	return hashJSON(parts)
}

// FromRow projects row onto columns and returns the identity of the result.
// Missing columns are treated as null. An empty string means no identity
// columns are configured and the row cannot be deduplicated.
func FromRow(columns []string, row map[string]any) string {
	if len(columns) == 0 {
		return ""
	}
	parts := make(map[string]any, len(columns))
	for _, c := range columns {
		parts[c] = row[c]
	}
	return FromParts(parts)
}

// RowHash returns the content hash of an entire row. It changes iff a value
// changes and does not depend on key order.
func RowHash(row map[string]any) string {
	return hashJSON(row)
}

// Scalar renders a value the way it is stored as an identity: scalars as
// their plain text, everything else as JSON.
func Scalar(v any) string {
	switch val := Normalize(v).(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint32:
		return strconv.FormatUint(uint64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		b, err := encode(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

// Normalize converts driver specific representations into plain values so
// the same content hashes identically regardless of which connector read it.
func Normalize(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case *string:
		if val == nil {
			return nil
		}
		return *val
	default:
		return v
	}
}

func hashJSON(m map[string]any) string {
	normalized := make(map[string]any, len(m))
	for k, v := range m {
		normalized[k] = Normalize(v)
	}
	b, err := encode(normalized)
	if err != nil {
		// Values that cannot be JSON encoded fall back to their printed form.
		b = []byte(fmt.Sprintf("%v", normalized))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// encode produces deterministic JSON: map keys are sorted by encoding/json and
// HTML characters are left unescaped.
func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
