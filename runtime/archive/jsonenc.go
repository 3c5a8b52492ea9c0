package archive

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// marshalManifest encodes a manifest after normalizing its content to plain
// JSON values.
func marshalManifest(m *Manifest) ([]byte, error) {
	return json.MarshalIndent(map[string]any{
		"metadata": m.Metadata,
		"content":  normalize(m.Content),
	}, "", "  ")
}

// normalize converts a value tree into plain JSON data: timestamps become
// ISO-8601 strings, UUIDs their string form, and anything json cannot
// represent falls back to fmt-formatting.
func normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.UTC().Format(time.RFC3339)
	case uuid.UUID:
		return t.String()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case []string, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return t
	default:
		// Unknown types survive as strings rather than failing the build.
		if _, err := json.Marshal(t); err == nil {
			return t
		}
		return fmt.Sprintf("%v", t)
	}
}
